// Package partition shards events over single-threaded workers. Every event
// of one account (or whatever condition fields the router hashes) is handled
// by the same worker, so the stores and counters of a partition are never
// touched concurrently.
package partition

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/condition"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/observability"
	"github.com/coachpo/tradeguard/internal/pipeline"
	"github.com/coachpo/tradeguard/internal/telemetry"
)

// DefaultHashFields routes by account.
const DefaultHashFields = "acctId"

// Kind identifies an event.
type Kind int

const (
	KindOrder Kind = iota + 1
	KindCancel
	KindExchangeAck
	KindGatewayAck
	KindRuleChange
)

func (k Kind) String() string {
	switch k {
	case KindOrder:
		return "order"
	case KindCancel:
		return "cancel"
	case KindExchangeAck:
		return "exchangeAck"
	case KindGatewayAck:
		return "gatewayAck"
	case KindRuleChange:
		return "ruleChange"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Event is one unit of partition work. Reply, when set, is called on the
// worker goroutine with the outcome.
type Event struct {
	Kind    Kind
	Order   *schema.OrderRecord
	Seq     string
	Payload []byte
	Reply   func(pipeline.Result)
}

// Handler processes the events of one partition.
type Handler interface {
	OnOrder(ctx context.Context, req *schema.OrderRecord) pipeline.Result
	OnCancelOrder(ctx context.Context, req *schema.OrderRecord) pipeline.Result
	OnExchangeAck(ctx context.Context, ack *schema.OrderRecord, seq string) pipeline.Result
	OnGatewayAck(ctx context.Context, ack *schema.OrderRecord) pipeline.Result
	OnRuleChange(msg []byte) error
}

// Option configures a Router.
type Option func(*Router)

// WithMetrics records handling latency and rejections per partition.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(r *Router) { r.metrics = m }
}

// Router hashes events onto partitions.
type Router struct {
	fields  condition.FieldGroup
	queues  []chan Event
	workers []Handler
	log     observability.Logger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	closed bool

	ownersMu sync.Mutex
	owners   map[uint64]int

	wg conc.WaitGroup
}

// NewRouter creates a router over handlers. fields selects the order fields
// hashed for routing; empty selects DefaultHashFields.
func NewRouter(handlers []Handler, fields string, queue int, logger observability.Logger, opts ...Option) (*Router, error) {
	if len(handlers) == 0 {
		return nil, errs.New("partition", errs.CodeInvalid, errs.WithMessage("at least one partition required"))
	}
	if fields == "" {
		fields = DefaultHashFields
	}
	group, err := condition.ParseFieldGroup(fields)
	if err != nil {
		return nil, err
	}
	if queue < 0 {
		queue = 0
	}
	if logger == nil {
		logger = observability.Log()
	}
	r := &Router{
		fields:  group,
		queues:  make([]chan Event, len(handlers)),
		workers: handlers,
		log:     logger,
		owners:  make(map[uint64]int),
	}
	for i := range r.queues {
		r.queues[i] = make(chan Event, queue)
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Partitions returns the partition count.
func (r *Router) Partitions() int { return len(r.queues) }

// Start launches one worker per partition. Workers stop when ctx is done or
// the router is closed.
func (r *Router) Start(ctx context.Context) {
	for i := range r.queues {
		r.wg.Go(func() { r.run(ctx, i) })
	}
}

// PartitionOf returns the partition that owns order.
func (r *Router) PartitionOf(order *schema.OrderRecord) (int, error) {
	if order == nil {
		return 0, errs.New("partition", errs.CodeInvalid, errs.WithMessage("nil order"))
	}
	if order.OrderID != 0 {
		r.ownersMu.Lock()
		idx, ok := r.owners[order.OrderID]
		r.ownersMu.Unlock()
		if ok {
			return idx, nil
		}
	}
	cv, err := condition.ValueOfOrder(order, r.fields)
	if err != nil {
		return 0, err
	}
	return r.slot(cv), nil
}

// PartitionOfPosition returns the partition that owns the orders of leg, so
// start-up snapshots load next to the orders that fill them.
func (r *Router) PartitionOfPosition(leg *schema.PositionRecord) (int, error) {
	if leg == nil {
		return 0, errs.New("partition", errs.CodeInvalid, errs.WithMessage("nil position"))
	}
	cv, err := condition.ValueOfPosition(leg, r.fields)
	if err != nil {
		return 0, err
	}
	return r.slot(cv), nil
}

func (r *Router) slot(cv condition.Value) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(cv.String()))
	return int(h.Sum32() % uint32(len(r.queues)))
}

// Submit routes ev to its partition. It blocks until the event is queued or
// ctx is done.
func (r *Router) Submit(ctx context.Context, ev Event) error {
	if ev.Kind == KindRuleChange {
		return r.Broadcast(ctx, ev.Payload)
	}
	idx, err := r.PartitionOf(ev.Order)
	if err != nil {
		return err
	}
	if ev.Kind == KindOrder && ev.Order.OrderID != 0 {
		r.ownersMu.Lock()
		r.owners[ev.Order.OrderID] = idx
		r.ownersMu.Unlock()
	}
	return r.enqueue(ctx, idx, ev)
}

// Broadcast delivers a rule change message to every partition.
func (r *Router) Broadcast(ctx context.Context, msg []byte) error {
	for i := range r.queues {
		if err := r.enqueue(ctx, i, Event{Kind: KindRuleChange, Payload: msg}); err != nil {
			return err
		}
	}
	return nil
}

// Close stops accepting events and waits for the workers to drain their
// queues.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	for _, q := range r.queues {
		close(q)
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Router) enqueue(ctx context.Context, idx int, ev Event) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return errs.New("partition", errs.CodeUnavailable, errs.WithMessage("router closed"))
	}
	select {
	case r.queues[idx] <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit to partition %d: %w", idx, ctx.Err())
	}
}

func (r *Router) run(ctx context.Context, idx int) {
	handler := r.workers[idx]
	queue := r.queues[idx]
	log := observability.With(r.log, observability.F("partition", idx))
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-queue:
			if !ok {
				return
			}
			r.handle(ctx, idx, handler, log, ev)
		}
	}
}

func (r *Router) handle(ctx context.Context, idx int, handler Handler, log observability.Logger, ev Event) {
	start := time.Now()
	defer func() { r.metrics.RecordHandle(ctx, ev.Kind.String(), idx, time.Since(start)) }()

	var res pipeline.Result
	switch ev.Kind {
	case KindOrder:
		res = handler.OnOrder(ctx, ev.Order)
		if !res.Forward && res.StatusCode != schema.StatusOrdMgrAddFailed {
			r.forget(ev.Order.OrderID)
		}
	case KindCancel:
		res = handler.OnCancelOrder(ctx, ev.Order)
	case KindExchangeAck:
		res = handler.OnExchangeAck(ctx, ev.Order, ev.Seq)
	case KindGatewayAck:
		res = handler.OnGatewayAck(ctx, ev.Order)
	case KindRuleChange:
		if err := handler.OnRuleChange(ev.Payload); err != nil {
			log.Warn("apply rule change failed", observability.F("error", err))
		}
		return
	default:
		log.Warn("unknown partition event", observability.F("kind", ev.Kind.String()))
		return
	}
	if res.Plugin != "" {
		r.metrics.RecordRejection(ctx, res.Plugin, ev.Kind.String())
	}
	if ev.Reply != nil {
		ev.Reply(res)
	}
}

// Adopt records idx as the owner of an order restored outside Submit.
func (r *Router) Adopt(orderID uint64, idx int) {
	if orderID == 0 || idx < 0 || idx >= len(r.queues) {
		return
	}
	r.ownersMu.Lock()
	r.owners[orderID] = idx
	r.ownersMu.Unlock()
}

// Forget drops the owner of an order. Closed orders keep their owner until
// the partition's closed ring evicts them.
func (r *Router) Forget(orderID uint64) {
	r.forget(orderID)
}

func (r *Router) forget(orderID uint64) {
	r.ownersMu.Lock()
	delete(r.owners, orderID)
	r.ownersMu.Unlock()
}
