// Package notify publishes risk-control triggers to downstream subscribers
// over Kafka.
package notify

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/observability"
)

const (
	// TopicTriggerRiskCtrl names the trigger notification family.
	TopicTriggerRiskCtrl = "TriggerRiskCrtl"

	topicSep = "@"
)

// Publisher delivers a payload under a routing topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// TriggerTopics returns the routing topics a rejection of order is published
// under: strategy, strategy instance, account and trading account.
func TriggerTopics(channel string, order *schema.OrderRecord) []string {
	prefix := TopicTriggerRiskCtrl
	if channel != "" {
		prefix = channel + topicSep + TopicTriggerRiskCtrl
	}
	join := func(parts ...string) string {
		return prefix + topicSep + strings.Join(parts, topicSep)
	}
	return []string{
		join("StgId", u(order.StgID)),
		join("StgId", u(order.StgID), "StgInstId", u(order.StgInstID)),
		join("AcctId", u(order.AcctID)),
		join("AcctId", u(order.AcctID), "TrdAcctId", u(order.TrdAcctID)),
	}
}

func u(v uint64) string { return strconv.FormatUint(v, 10) }

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig configures a KafkaPublisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
	Async        bool
}

// KafkaPublisher writes every notification to one Kafka topic keyed by its
// routing topic, so subscribers of one account stay ordered.
type KafkaPublisher struct {
	writer messageWriter
	log    observability.Logger
}

// NewKafkaPublisher creates a publisher for cfg.
func NewKafkaPublisher(cfg KafkaConfig, logger observability.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errs.New("notify", errs.CodeInvalid, errs.WithMessage("kafka brokers required"))
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errs.New("notify", errs.CodeInvalid, errs.WithMessage("kafka topic required"))
	}
	if logger == nil {
		logger = observability.Log()
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Async:        cfg.Async,
	}
	if cfg.Async {
		w.Completion = func(msgs []kafka.Message, err error) {
			if err != nil {
				logger.Warn("publish trigger notification failed",
					observability.F("messages", len(msgs)), observability.F("error", err))
			}
		}
	}
	return &KafkaPublisher{writer: w, log: logger}, nil
}

// Publish implements Publisher.
func (p *KafkaPublisher) Publish(ctx context.Context, topic string, payload []byte) error {
	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(topic),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "topic", Value: []byte(topic)},
		},
	})
	if err != nil {
		return errs.New("notify", errs.CodeUnavailable,
			errs.WithMessage("write kafka message"),
			errs.WithField("topic", topic),
			errs.WithCause(err))
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
