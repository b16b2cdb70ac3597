// Package pipeline drives one partition: it admits order and cancel requests
// through the risk chain and folds acknowledgments into the order and
// position stores.
//
// A Handler is owned by a single goroutine. Nothing in it is safe for
// concurrent use except the reads the stores themselves guard.
package pipeline

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/notify"
	"github.com/coachpo/tradeguard/internal/observability"
	"github.com/coachpo/tradeguard/internal/orders"
	"github.com/coachpo/tradeguard/internal/positions"
	"github.com/coachpo/tradeguard/internal/riskchain"
	"github.com/coachpo/tradeguard/internal/staging"
)

// Persister stores records off the partition goroutine. Implementations
// must not block.
type Persister interface {
	SaveOrder(order *schema.OrderRecord)
	SavePositions(records []*schema.PositionRecord)
}

// Result is the outcome of one event. Forward is set when the request may
// proceed to the exchange.
type Result struct {
	Order      *schema.OrderRecord
	Positions  []*schema.PositionRecord
	StatusCode int
	Details    string
	Plugin     string
	Forward    bool
}

// Option configures a Handler.
type Option func(*Handler)

// WithPersister persists orders and positions after every change.
func WithPersister(p Persister) Option {
	return func(h *Handler) { h.persist = p }
}

// WithPublisher publishes rejection details under the trigger topics of
// channel.
func WithPublisher(pub notify.Publisher, channel string) Option {
	return func(h *Handler) {
		h.pub = pub
		h.channel = channel
	}
}

// WithAckOptions sets the fee calculator and contract registry used for
// exchange acknowledgments.
func WithAckOptions(opts orders.AckOptions) Option {
	return func(h *Handler) { h.ackOpts = opts }
}

// WithLogger overrides the handler logger.
func WithLogger(l observability.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithClock overrides the unix-millisecond clock stamped on new orders.
func WithClock(now func() int64) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// Handler processes the events of one partition.
type Handler struct {
	orders    *orders.Store
	positions *positions.Store
	staged    *staging.Log
	chain     *riskchain.Chain

	persist Persister
	pub     notify.Publisher
	channel string
	ackOpts orders.AckOptions
	log     observability.Logger
	now     func() int64
}

// New wires a handler to its partition state.
func New(chain *riskchain.Chain, ord *orders.Store, pos *positions.Store, staged *staging.Log, opts ...Option) *Handler {
	h := &Handler{
		orders:    ord,
		positions: pos,
		staged:    staged,
		chain:     chain,
		log:       observability.Log(),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Orders returns the partition's order store.
func (h *Handler) Orders() *orders.Store { return h.orders }

// Positions returns the partition's position store.
func (h *Handler) Positions() *positions.Store { return h.positions }

// Chain returns the partition's risk chain.
func (h *Handler) Chain() *riskchain.Chain { return h.chain }

// OnOrder admits a new order. A rejected order comes back Failed with the
// rejecting status code and leaves no counter or store trace behind.
func (h *Handler) OnOrder(ctx context.Context, req *schema.OrderRecord) Result {
	order := req.Clone()
	if order.OrderTime == 0 {
		order.OrderTime = h.now()
	}
	if order.OrderStatus < schema.OrderStatusPending {
		order.OrderStatus = schema.OrderStatusPending
	}

	if err := h.orders.Add(order); err != nil {
		code := errs.StatusCode(err, schema.StatusOrdMgrAddFailed)
		h.log.Warn("handle order failed", observability.F("order", order.ShortString()), observability.F("error", err))
		// the stored record under this id belongs to the live order
		h.markFailed(order, code)
		return Result{Order: order, StatusCode: code}
	}

	verdict := h.chain.OnOrder(order)
	if verdict.Rejected() {
		h.fail(order, verdict.StatusCode)
		h.publish(ctx, order, verdict.Details)
		if n := h.staged.Rollback(); n > 0 {
			h.log.Debug("staged mutations dropped", observability.F("count", n), observability.F("orderId", order.OrderID))
		}
		if err := h.orders.Remove(order.OrderID); err != nil {
			h.log.Error("remove rejected order failed", observability.F("order", order.ShortString()), observability.F("error", err))
		}
		return Result{Order: order, StatusCode: verdict.StatusCode, Details: verdict.Details, Plugin: verdict.Plugin}
	}

	h.commit(order)
	h.saveOrder(order)
	return Result{Order: order, Forward: true}
}

// OnCancelOrder admits a cancel request for a live order.
func (h *Handler) OnCancelOrder(ctx context.Context, req *schema.OrderRecord) Result {
	order, ok := h.lookup(req)
	if !ok {
		h.log.Warn("cancel order failed, order not found", observability.F("req", req.ShortString()))
		failed := req.Clone()
		failed.StatusCode = schema.StatusOrdMgrOrderMissing
		return Result{Order: failed, StatusCode: schema.StatusOrdMgrOrderMissing}
	}

	verdict := h.chain.OnCancelOrder(order)
	if verdict.Rejected() {
		order.StatusCode = verdict.StatusCode
		h.publish(ctx, order, verdict.Details)
		h.staged.Rollback()
		return Result{Order: order, StatusCode: verdict.StatusCode, Details: verdict.Details, Plugin: verdict.Plugin}
	}

	h.commit(order)
	return Result{Order: order, Forward: true}
}

// OnExchangeAck folds an exchange-native acknowledgment into the stores.
func (h *Handler) OnExchangeAck(_ context.Context, ack *schema.OrderRecord, seq string) Result {
	before := h.dealSize(ack)
	changed, rec := h.orders.UpdateFromExchangeAck(ack, seq, h.ackOpts)
	if rec == nil {
		return Result{StatusCode: schema.StatusOrdMgrOrderMissing}
	}
	res := Result{Order: rec}
	if !changed {
		return res
	}
	if isFill(rec) && !rec.DealSize.Equal(before) {
		res.Positions = h.applyFill(rec)
	}
	h.afterAck(rec)
	return res
}

// OnGatewayAck folds an acknowledgment relayed by the trading gateway into
// the stores.
func (h *Handler) OnGatewayAck(_ context.Context, ack *schema.OrderRecord) Result {
	usable, rec := h.orders.UpdateFromGatewayAck(ack)
	if rec == nil {
		return Result{StatusCode: schema.StatusOrdMgrOrderMissing}
	}
	res := Result{Order: rec}
	if usable {
		res.Positions = h.applyFill(rec)
	}
	h.afterAck(rec)
	return res
}

// OnRuleChange hands a rule table change to the chain.
func (h *Handler) OnRuleChange(msg []byte) error {
	return h.chain.OnRuleChange(msg)
}

func (h *Handler) afterAck(rec *schema.OrderRecord) {
	h.chain.OnOrderRet(rec)
	h.commit(rec)
	h.saveOrder(rec)
}

func (h *Handler) applyFill(rec *schema.OrderRecord) []*schema.PositionRecord {
	records := h.positions.UpdateFromFill(rec).Records()
	if len(records) > 0 && h.persist != nil {
		h.persist.SavePositions(records)
	}
	return records
}

func (h *Handler) commit(order *schema.OrderRecord) {
	if _, err := h.staged.Commit(); err != nil {
		h.log.Error("commit staged mutations failed",
			observability.F("order", order.ShortString()), observability.F("error", err))
	}
}

func (h *Handler) fail(order *schema.OrderRecord, code int) {
	h.markFailed(order, code)
	h.saveOrder(order)
}

func (h *Handler) markFailed(order *schema.OrderRecord, code int) {
	order.OrderStatus = schema.OrderStatusFailed
	order.StatusCode = code
	order.ClosedTime = h.now()
}

func (h *Handler) saveOrder(order *schema.OrderRecord) {
	if h.persist != nil {
		h.persist.SaveOrder(order.Clone())
	}
}

func (h *Handler) publish(ctx context.Context, order *schema.OrderRecord, details string) {
	if h.pub == nil || details == "" {
		return
	}
	for _, topic := range notify.TriggerTopics(h.channel, order) {
		if err := h.pub.Publish(ctx, topic, []byte(details)); err != nil {
			h.log.Warn("publish trigger failed", observability.F("topic", topic), observability.F("error", err))
		}
	}
}

func (h *Handler) lookup(req *schema.OrderRecord) (*schema.OrderRecord, bool) {
	if req.OrderID != 0 {
		return h.orders.Lookup(req.OrderID, orders.LiveOnly)
	}
	if req.MarketCode != "" && req.ExchOrderID != "" {
		return h.orders.LookupByExch(req.MarketCode, req.ExchOrderID, orders.LiveOnly)
	}
	return nil, false
}

func (h *Handler) dealSize(ack *schema.OrderRecord) decimal.Decimal {
	var (
		rec *schema.OrderRecord
		ok  bool
	)
	if ack.OrderID != 0 {
		rec, ok = h.orders.Lookup(ack.OrderID, orders.IncludeClosed)
	} else if ack.MarketCode != "" && ack.ExchOrderID != "" {
		rec, ok = h.orders.LookupByExch(ack.MarketCode, ack.ExchOrderID, orders.IncludeClosed)
	}
	if !ok {
		return decimal.Zero
	}
	return rec.DealSize
}

func isFill(rec *schema.OrderRecord) bool {
	return rec.OrderStatus == schema.OrderStatusPartialFilled || rec.OrderStatus == schema.OrderStatusFilled
}
