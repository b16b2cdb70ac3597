// Package orders implements the indexed order ledger: live orders keyed by
// internal id with secondary indices, plus a bounded ring of recently closed
// orders kept for late acknowledgments.
//
// The store is owned by one partition. Its mutex only protects reads from
// other goroutines, and every record handed out is a deep copy.
package orders

import (
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/condition"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/observability"
)

const component = "orders"

// Scope selects whether lookups fall back to the closed ring.
type Scope int

const (
	// LiveOnly searches live orders.
	LiveOnly Scope = iota
	// IncludeClosed also searches the closed ring.
	IncludeClosed
)

// Option configures a Store.
type Option func(*Store)

// WithClosedCapacity bounds the closed ring.
func WithClosedCapacity(n int) Option {
	return func(s *Store) {
		s.closed = newClosedRing(n)
	}
}

// WithLogger overrides the logger.
func WithLogger(l observability.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the millisecond clock used for close times.
func WithClock(now func() int64) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithEvictionHook registers a callback invoked with each record evicted from the closed ring.
func WithEvictionHook(fn func(*schema.OrderRecord)) Option {
	return func(s *Store) {
		s.onEvict = fn
	}
}

type idSet map[uint64]struct{}

// Store is the order ledger of one partition.
type Store struct {
	mu sync.RWMutex

	live       map[uint64]*schema.OrderRecord
	byExch     map[string]uint64
	openByInst map[string]idSet
	closeByIns map[string]idSet
	byStrategy map[string]idSet
	byAlgo     map[uint64]idSet
	byStg      map[uint64]idSet

	closed *closedRing

	log     observability.Logger
	now     func() int64
	onEvict func(*schema.OrderRecord)
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		live:       make(map[uint64]*schema.OrderRecord),
		byExch:     make(map[string]uint64),
		openByInst: make(map[string]idSet),
		closeByIns: make(map[string]idSet),
		byStrategy: make(map[string]idSet),
		byAlgo:     make(map[uint64]idSet),
		byStg:      make(map[uint64]idSet),
		closed:     newClosedRing(DefaultClosedCapacity),
		log:        observability.Log(),
		now:        func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Load adds a bulk snapshot of live orders, typically at start-up. Closed
// orders in the snapshot go straight to the closed ring.
func (s *Store) Load(orders []*schema.OrderRecord) error {
	var failed []error
	for _, o := range orders {
		if o == nil {
			continue
		}
		if o.IsClosed() {
			s.mu.Lock()
			if _, dup := s.live[o.OrderID]; !dup {
				cp := o.Clone()
				if cp.ClosedTime == 0 {
					cp.ClosedTime = s.now()
				}
				s.evicted(s.closed.push(cp))
			}
			s.mu.Unlock()
			continue
		}
		if err := s.Add(o); err != nil {
			failed = append(failed, err)
		}
	}
	return observability.AggregateErrors("orders.load", failed)
}

// Add inserts a copy of order into the live index. It fails when the order id,
// or the exchange key when known, is already held live or closed.
func (s *Store) Add(order *schema.OrderRecord) error {
	if order == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("nil order"))
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, live := s.live[order.OrderID]
	_, closed := s.closed.get(order.OrderID)
	if live || closed {
		s.log.Warn("add order failed: order id exists", observability.F("order", order.ShortString()))
		return addFailed(order, "order id exists")
	}
	if order.ExchOrderID != "" {
		key := order.ExchKey()
		if _, ok := s.byExch[key]; ok || s.closed.hasExch(key) {
			s.log.Warn("add order failed: exchange order id exists", observability.F("order", order.ShortString()))
			return addFailed(order, "exchange order id exists")
		}
	}

	rec := order.Clone()
	s.live[rec.OrderID] = rec
	s.index(rec)
	return nil
}

// Remove erases an order from the live index. The closed ring is not searched.
func (s *Store) Remove(orderID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.live[orderID]
	if !ok {
		s.log.Warn("remove order failed: not found", observability.F("orderId", orderID))
		return errs.New(component, errs.CodeNotFound,
			errs.WithStatusCode(schema.StatusOrdMgrRemoveFailed),
			errs.WithMessage("order not found"),
			errs.WithField("orderId", strconv.FormatUint(orderID, 10)))
	}
	s.unindex(rec)
	delete(s.live, orderID)
	return nil
}

// Lookup returns a copy of the order with the given id.
func (s *Store) Lookup(orderID uint64, scope Scope) (*schema.OrderRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.find(orderID, scope)
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// LookupByExch returns a copy of the order with the given exchange key.
func (s *Store) LookupByExch(market, exchOrderID string, scope Scope) (*schema.OrderRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.findByExch(schema.ExchKey(market, exchOrderID), scope)
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// LookupByExchInMarkets scans markets in order and returns the first order
// carrying exchOrderID.
func (s *Store) LookupByExchInMarkets(markets []string, exchOrderID string, scope Scope) (*schema.OrderRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, market := range markets {
		if rec, ok := s.findByExch(schema.ExchKey(market, exchOrderID), scope); ok {
			return rec.Clone(), true
		}
	}
	return nil, false
}

// ExistsOpenPendingOrders reports whether a live opening order is in flight
// for the candidate's account and instrument.
func (s *Store) ExistsOpenPendingOrders(candidate *schema.OrderRecord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.openByInst[candidate.InstrumentKey()]
	for id := range ids {
		rec := s.live[id]
		if rec == nil || rec.OrderID == candidate.OrderID {
			continue
		}
		s.log.Warn("exists open pending order",
			observability.F("pending", rec.ShortString()),
			observability.F("candidate", candidate.ShortString()))
		return true
	}
	return false
}

// FrozenClosingSize sums the undealt size of live closing orders of acctID on
// the candidate's instrument and position side.
func (s *Store) FrozenClosingSize(candidate *schema.OrderRecord, acctID uint64) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := schema.InstrumentKey(acctID, candidate.MarketCode, candidate.SymbolType, candidate.SymbolCode)
	total := decimal.Zero
	for id := range s.closeByIns[key] {
		rec := s.live[id]
		if rec == nil || rec.PosSide != candidate.PosSide {
			continue
		}
		total = total.Add(rec.UndealtSize())
	}
	return total
}

// UpdateFromExchangeAck merges an exchange-native acknowledgment. It returns a
// copy of the updated record and whether a comparable field changed. Orders
// that end closed move to the closed ring.
func (s *Store) UpdateFromExchangeAck(ack *schema.OrderRecord, seq string, opts AckOptions) (bool, *schema.OrderRecord) {
	if ack == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, isLive, ok := s.locate(ack)
	if !ok {
		s.log.Warn("order not found, ack is out of order and severely delayed", observability.F("ack", ack.ShortString()))
		return false, nil
	}

	before := rec.Clone()
	res := applyExchangeReport(s.log, rec, ack.Clone(), seq, opts)
	s.afterUpdate(before, rec, isLive, res.keyChanged)
	return res.changed, rec.Clone()
}

// UpdateFromGatewayAck merges an acknowledgment relayed by the trading
// gateway. usable reports whether the update carries a new fill that should
// drive the position store.
func (s *Store) UpdateFromGatewayAck(ack *schema.OrderRecord) (bool, *schema.OrderRecord) {
	if ack == nil {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, isLive, ok := s.locate(ack)
	if !ok {
		s.log.Warn("order not found, ack is out of order and severely delayed", observability.F("ack", ack.ShortString()))
		return false, nil
	}

	before := rec.Clone()
	usable, keyChanged := applyGatewayReport(s.log, rec, ack)
	s.afterUpdate(before, rec, isLive, keyChanged)
	return usable, rec.Clone()
}

// CompareAndCheckIfUpdate reports whether ack would advance the live order it
// refers to.
func (s *Store) CompareAndCheckIfUpdate(ack *schema.OrderRecord) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		rec *schema.OrderRecord
		ok  bool
	)
	if ack.OrderID != 0 {
		rec, ok = s.live[ack.OrderID]
	} else if ack.MarketCode != "" && ack.ExchOrderID != "" {
		rec, ok = s.findByExch(ack.ExchKey(), LiveOnly)
	}
	if !ok {
		return false
	}
	return needsUpdate(s.log, rec, ack)
}

// QueryByTemplate returns copies of live orders whose condition value over the
// template's fields matches it.
func (s *Store) QueryByTemplate(template condition.Template) ([]*schema.OrderRecord, error) {
	fields := template.Fields()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.OrderRecord
	for _, rec := range s.live {
		v, err := condition.ValueOfOrder(rec, fields)
		if err != nil {
			return nil, err
		}
		matched, err := condition.Match(v, template)
		if err != nil {
			return nil, err
		}
		if matched {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// EachLive calls fn with every live order. fn must not retain or mutate the
// record; it runs under the read lock.
func (s *Store) EachLive(fn func(*schema.OrderRecord)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.live {
		fn(rec)
	}
}

// QueryByStrategy returns copies of live orders of a strategy instance.
func (s *Store) QueryByStrategy(productID, userID, stgID, stgInstID uint64) []*schema.OrderRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byStrategy[schema.StrategyKey(productID, userID, stgID, stgInstID)])
}

// QueryByAlgo returns copies of live orders of an algo.
func (s *Store) QueryByAlgo(algoID uint64) []*schema.OrderRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byAlgo[algoID])
}

// OrderIDsOfStrategy lists the live order ids of a strategy.
func (s *Store) OrderIDsOfStrategy(stgID uint64) []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byStg[stgID]
	out := make([]uint64, 0, len(ids))
	for id := range ids {
		out = append(out, id)
	}
	return out
}

// Snapshot returns copies of every live and closed order.
func (s *Store) Snapshot() (live, closed []*schema.OrderRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	live = make([]*schema.OrderRecord, 0, len(s.live))
	for _, rec := range s.live {
		live = append(live, rec.Clone())
	}
	closed = make([]*schema.OrderRecord, 0, s.closed.len())
	s.closed.each(func(rec *schema.OrderRecord) {
		closed = append(closed, rec.Clone())
	})
	return live, closed
}

// Len returns the number of live and closed orders.
func (s *Store) Len() (live, closed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.live), s.closed.len()
}

func (s *Store) find(orderID uint64, scope Scope) (*schema.OrderRecord, bool) {
	if rec, ok := s.live[orderID]; ok {
		return rec, true
	}
	if scope == IncludeClosed {
		return s.closed.get(orderID)
	}
	return nil, false
}

func (s *Store) findByExch(key string, scope Scope) (*schema.OrderRecord, bool) {
	if id, ok := s.byExch[key]; ok {
		if rec, ok := s.live[id]; ok {
			return rec, true
		}
	}
	if scope == IncludeClosed {
		return s.closed.getByExch(key)
	}
	return nil, false
}

// locate finds the order an ack refers to: by id when set, otherwise by
// exchange key, searching live orders before the closed ring.
func (s *Store) locate(ack *schema.OrderRecord) (rec *schema.OrderRecord, isLive, ok bool) {
	if ack.OrderID != 0 {
		if rec, ok := s.live[ack.OrderID]; ok {
			return rec, true, true
		}
		rec, ok := s.closed.get(ack.OrderID)
		return rec, false, ok
	}
	if ack.MarketCode != "" && ack.ExchOrderID != "" {
		key := ack.ExchKey()
		if id, ok := s.byExch[key]; ok {
			if rec, ok := s.live[id]; ok {
				return rec, true, true
			}
		}
		rec, ok := s.closed.getByExch(key)
		return rec, false, ok
	}
	return nil, false, false
}

func (s *Store) afterUpdate(before, rec *schema.OrderRecord, isLive, keyChanged bool) {
	if !isLive {
		if keyChanged {
			s.closed.reindex(before, rec)
		}
		return
	}
	if keyChanged {
		s.unindex(before)
		s.index(rec)
	}
	if rec.IsClosed() {
		s.unindex(rec)
		delete(s.live, rec.OrderID)
		rec.ClosedTime = s.now()
		s.evicted(s.closed.push(rec))
	}
}

func (s *Store) evicted(victims []*schema.OrderRecord) {
	for _, v := range victims {
		s.log.Debug("closed order evicted", observability.F("orderId", v.OrderID), observability.F("closedTime", v.ClosedTime))
		if s.onEvict != nil {
			s.onEvict(v)
		}
	}
}

func (s *Store) index(rec *schema.OrderRecord) {
	if rec.ExchOrderID != "" {
		s.byExch[rec.ExchKey()] = rec.OrderID
	}
	if rec.PosDirection == schema.PosDirectionOpen {
		addID(s.openByInst, rec.InstrumentKey(), rec.OrderID)
	} else if rec.PosDirection.IsClose() {
		addID(s.closeByIns, rec.InstrumentKey(), rec.OrderID)
	}
	addID(s.byStrategy, rec.StrategyKey(), rec.OrderID)
	addID(s.byAlgo, rec.AlgoID, rec.OrderID)
	addID(s.byStg, rec.StgID, rec.OrderID)
}

func (s *Store) unindex(rec *schema.OrderRecord) {
	if rec.ExchOrderID != "" {
		if id, ok := s.byExch[rec.ExchKey()]; ok && id == rec.OrderID {
			delete(s.byExch, rec.ExchKey())
		}
	}
	removeID(s.openByInst, rec.InstrumentKey(), rec.OrderID)
	removeID(s.closeByIns, rec.InstrumentKey(), rec.OrderID)
	removeID(s.byStrategy, rec.StrategyKey(), rec.OrderID)
	removeID(s.byAlgo, rec.AlgoID, rec.OrderID)
	removeID(s.byStg, rec.StgID, rec.OrderID)
}

func (s *Store) collect(ids idSet) []*schema.OrderRecord {
	out := make([]*schema.OrderRecord, 0, len(ids))
	for id := range ids {
		if rec, ok := s.live[id]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func addID[K comparable](m map[K]idSet, key K, id uint64) {
	set, ok := m[key]
	if !ok {
		set = make(idSet)
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeID[K comparable](m map[K]idSet, key K, id uint64) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

func addFailed(order *schema.OrderRecord, msg string) error {
	return errs.New(component, errs.CodeConflict,
		errs.WithStatusCode(schema.StatusOrdMgrAddFailed),
		errs.WithMessage(msg),
		errs.WithField("orderId", strconv.FormatUint(order.OrderID, 10)),
		errs.WithField("exchOrderId", order.ExchOrderID))
}
