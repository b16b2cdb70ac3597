// Package ingress feeds order requests and acknowledgments from Kafka into
// the partition router and publishes the outcome of every request.
package ingress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/notify"
	"github.com/coachpo/tradeguard/internal/observability"
	"github.com/coachpo/tradeguard/internal/partition"
	"github.com/coachpo/tradeguard/internal/pipeline"
)

const defaultReplyBuffer = 4096

// Envelope is one inbound event.
type Envelope struct {
	Kind  string              `json:"kind"`
	Seq   string              `json:"seq,omitempty"`
	Order *schema.OrderRecord `json:"order,omitempty"`
	Rule  json.RawMessage     `json:"rule,omitempty"`
}

// Reply reports the outcome of an order or cancel request.
type Reply struct {
	Kind       string              `json:"kind"`
	Forward    bool                `json:"forward"`
	StatusCode int                 `json:"statusCode"`
	Details    string              `json:"details,omitempty"`
	Plugin     string              `json:"plugin,omitempty"`
	Order      *schema.OrderRecord `json:"order,omitempty"`
}

// Submitter accepts partition events.
type Submitter interface {
	Submit(ctx context.Context, ev partition.Event) error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ReaderConfig configures the Kafka reader of a Consumer.
type ReaderConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithReplies publishes request outcomes through pub.
func WithReplies(pub notify.Publisher) Option {
	return func(c *Consumer) { c.replies = pub }
}

// WithLogger sets the consumer logger.
func WithLogger(l observability.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.log = l
		}
	}
}

// Consumer reads envelopes from Kafka and submits them to the router.
type Consumer struct {
	reader  messageReader
	router  Submitter
	replies notify.Publisher
	log     observability.Logger
	pending chan replyJob
}

type replyJob struct {
	key     string
	payload []byte
}

// NewConsumer creates a consumer group reader for cfg.
func NewConsumer(cfg ReaderConfig, router Submitter, opts ...Option) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || strings.TrimSpace(cfg.Topic) == "" {
		return nil, errs.New("ingress", errs.CodeInvalid, errs.WithMessage("kafka brokers and topic required"))
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errs.New("ingress", errs.CodeInvalid, errs.WithMessage("kafka group id required"))
	}
	c, err := newConsumer(nil, router, opts...)
	if err != nil {
		return nil, err
	}
	c.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...any) {
			c.log.Error(fmt.Sprintf(msg, args...))
		}),
	})
	return c, nil
}

func newConsumer(reader messageReader, router Submitter, opts ...Option) (*Consumer, error) {
	if router == nil {
		return nil, errs.New("ingress", errs.CodeInvalid, errs.WithMessage("router required"))
	}
	c := &Consumer{
		reader:  reader,
		router:  router,
		log:     observability.Log(),
		pending: make(chan replyJob, defaultReplyBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// Run consumes until ctx is done. A message is committed once its event is
// queued on a partition; undecodable messages are logged and skipped.
func (c *Consumer) Run(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.publishReplies(ctx)
	}()
	defer func() { <-done }()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		ev, err := c.decode(msg.Value)
		if err != nil {
			c.log.Warn("drop undecodable message",
				observability.F("offset", msg.Offset),
				observability.F("partition", msg.Partition),
				observability.F("error", err))
		} else if err := c.router.Submit(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("submit %s: %w", ev.Kind, err)
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("commit message: %w", err)
		}
	}
}

// Close closes the Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) decode(raw []byte) (partition.Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return partition.Event{}, fmt.Errorf("decode envelope: %w", err)
	}
	kind, err := ParseKind(env.Kind)
	if err != nil {
		return partition.Event{}, err
	}
	if kind == partition.KindRuleChange {
		if len(env.Rule) == 0 {
			return partition.Event{}, errors.New("rule change without rule payload")
		}
		return partition.Event{Kind: kind, Payload: env.Rule}, nil
	}
	if env.Order == nil {
		return partition.Event{}, fmt.Errorf("%s without order", env.Kind)
	}
	ev := partition.Event{Kind: kind, Order: env.Order, Seq: env.Seq}
	if kind == partition.KindOrder || kind == partition.KindCancel {
		ev.Reply = c.reply(kind)
	}
	return ev, nil
}

// reply runs on the partition goroutine, so it only hands the encoded
// outcome to the publishing goroutine.
func (c *Consumer) reply(kind partition.Kind) func(pipeline.Result) {
	if c.replies == nil {
		return nil
	}
	return func(res pipeline.Result) {
		payload, err := json.Marshal(Reply{
			Kind:       kind.String(),
			Forward:    res.Forward,
			StatusCode: res.StatusCode,
			Details:    res.Details,
			Plugin:     res.Plugin,
			Order:      res.Order,
		})
		if err != nil {
			c.log.Error("encode reply failed", observability.F("error", err))
			return
		}
		key := ""
		if res.Order != nil {
			key = strconv.FormatUint(res.Order.OrderID, 10)
		}
		select {
		case c.pending <- replyJob{key: key, payload: payload}:
		default:
			c.log.Warn("reply buffer full, dropping reply", observability.F("orderId", key))
		}
	}
}

func (c *Consumer) publishReplies(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-c.pending:
			if err := c.replies.Publish(ctx, job.key, job.payload); err != nil {
				c.log.Warn("publish reply failed",
					observability.F("orderId", job.key), observability.F("error", err))
			}
		}
	}
}

// ParseKind maps an envelope kind to a partition event kind.
func ParseKind(s string) (partition.Kind, error) {
	for _, k := range []partition.Kind{
		partition.KindOrder,
		partition.KindCancel,
		partition.KindExchangeAck,
		partition.KindGatewayAck,
		partition.KindRuleChange,
	} {
		if strings.EqualFold(s, k.String()) {
			return k, nil
		}
	}
	return 0, errs.New("ingress", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown event kind %q", s)))
}
