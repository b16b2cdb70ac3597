// Package writebehind persists orders, positions and triggers off the
// partition goroutines. Every write is retried with exponential backoff;
// writes that still fail are kept in a dead-letter queue.
package writebehind

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/domain/tradestore"
	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/observability"
	"github.com/coachpo/tradeguard/internal/telemetry"
	"github.com/coachpo/tradeguard/lib/async"
)

const (
	OpSaveOrder     = "save_order"
	OpSavePositions = "save_positions"
	OpSaveTrigger   = "save_trigger"
)

// Config sizes the writer.
type Config struct {
	Workers         int
	Queue           int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	DeadLetters     int
}

// DefaultConfig returns the production sizing.
func DefaultConfig() Config {
	return Config{
		Workers:         4,
		Queue:           8192,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxElapsed:      time.Minute,
		DeadLetters:     1024,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = def.Workers
	}
	if c.Queue <= 0 {
		c.Queue = def.Queue
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = def.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = def.MaxInterval
	}
	if c.MaxElapsed <= 0 {
		c.MaxElapsed = def.MaxElapsed
	}
	if c.DeadLetters <= 0 {
		c.DeadLetters = def.DeadLetters
	}
	return c
}

// Failed describes a write given up on.
type Failed struct {
	TaskID  string
	Op      string
	OrderID uint64
	Err     error
	At      time.Time
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the writer logger.
func WithLogger(l observability.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.log = l
		}
	}
}

// WithMetrics records attempts and failures.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(w *Writer) { w.metrics = m }
}

// Writer implements the pipeline persister and the flow-control trigger
// sink on top of a tradestore.Store.
type Writer struct {
	store   tradestore.Store
	cfg     Config
	pool    *async.Pool
	dlq     *observability.DeadLetterQueue[Failed]
	log     observability.Logger
	metrics *telemetry.Metrics
}

// New starts the writer's workers.
func New(store tradestore.Store, cfg Config, opts ...Option) (*Writer, error) {
	if store == nil {
		return nil, errs.New("writebehind", errs.CodeInvalid, errs.WithMessage("store required"))
	}
	cfg = cfg.withDefaults()
	w := &Writer{
		store: store,
		cfg:   cfg,
		dlq:   observability.NewDeadLetterQueue[Failed](cfg.DeadLetters),
		log:   observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	pool, err := async.NewPool(cfg.Workers, cfg.Queue)
	if err != nil {
		return nil, err
	}
	w.pool = pool
	return w, nil
}

// SaveOrder queues a write of order.
func (w *Writer) SaveOrder(order *schema.OrderRecord) {
	if order == nil {
		return
	}
	rec := order.Clone()
	w.submit(OpSaveOrder, rec.OrderID, func(ctx context.Context) error {
		return w.store.UpsertOrder(ctx, rec)
	})
}

// SavePositions queues a write of records.
func (w *Writer) SavePositions(records []*schema.PositionRecord) {
	legs := make([]*schema.PositionRecord, 0, len(records))
	for _, r := range records {
		if r != nil {
			legs = append(legs, r.Clone())
		}
	}
	if len(legs) == 0 {
		return
	}
	w.submit(OpSavePositions, 0, func(ctx context.Context) error {
		return w.store.UpsertPositions(ctx, legs)
	})
}

// SaveTrigger queues a write of a rule trigger.
func (w *Writer) SaveTrigger(info flowctrl.TriggerInfo) {
	w.submit(OpSaveTrigger, info.OrderID, func(ctx context.Context) error {
		_, err := w.store.Triggers().SaveTrigger(ctx, info)
		return err
	})
}

// DeadLetters drains the writes given up on.
func (w *Writer) DeadLetters() []Failed {
	return w.dlq.Drain()
}

// Shutdown flushes queued writes.
func (w *Writer) Shutdown(ctx context.Context) error {
	err := w.pool.Shutdown(ctx)
	if n := w.dlq.Len(); n > 0 {
		w.log.Warn("writes left in dead-letter queue", observability.F("count", n))
	}
	return err
}

func (w *Writer) submit(op string, orderID uint64, fn func(context.Context) error) {
	taskID := uuid.NewString()
	err := w.pool.Submit(context.Background(), func(ctx context.Context) error {
		attempts := 0
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			attempts++
			return struct{}{}, fn(ctx)
		},
			backoff.WithBackOff(w.newBackOff()),
			backoff.WithMaxElapsedTime(w.cfg.MaxElapsed),
			backoff.WithNotify(func(err error, next time.Duration) {
				w.log.Warn("persistence write failed, retrying",
					observability.F("task", taskID),
					observability.F("op", op),
					observability.F("retryIn", next.String()),
					observability.F("error", err))
			}),
		)
		w.metrics.RecordPersistence(ctx, op, attempts, err)
		if err != nil {
			w.fail(taskID, op, orderID, err)
		}
		return err
	})
	if err != nil {
		w.metrics.RecordPersistence(context.Background(), op, 0, err)
		w.fail(taskID, op, orderID, err)
	}
}

func (w *Writer) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.InitialInterval
	b.MaxInterval = w.cfg.MaxInterval
	return b
}

func (w *Writer) fail(taskID, op string, orderID uint64, err error) {
	w.log.Error("persistence write dropped",
		observability.F("task", taskID),
		observability.F("op", op),
		observability.F("orderId", orderID),
		observability.F("error", err))
	w.dlq.Offer(Failed{TaskID: taskID, Op: op, OrderID: orderID, Err: err, At: time.Now()})
}
