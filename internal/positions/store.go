// Package positions derives position legs and realized PnL from order fills.
//
// Net mode (PosSide Both) keeps a bid leg and an ask leg per symbol, at most
// one of them non-zero. Dual mode keeps an independent long leg (bid side)
// and short leg (ask side). Legs are created on first fill and never removed.
package positions

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

// ChangeSet maps position keys to copies of the legs a fill changed.
type ChangeSet map[string]*schema.PositionRecord

// Records returns the changed legs.
func (c ChangeSet) Records() []*schema.PositionRecord {
	out := make([]*schema.PositionRecord, 0, len(c))
	for _, rec := range c {
		out = append(out, rec)
	}
	return out
}

// Option configures a Store.
type Option func(*Store)

// WithLogger overrides the logger.
func WithLogger(l observability.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock overrides the millisecond clock stamped on updated legs.
func WithClock(now func() int64) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

type keySet map[string]struct{}

// Store holds the position legs of one partition.
type Store struct {
	mu sync.RWMutex

	byKey      map[string]*schema.PositionRecord
	byInst     map[string]keySet
	byStrategy map[string]keySet

	log observability.Logger
	now func() int64
}

// New constructs an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		byKey:      make(map[string]*schema.PositionRecord),
		byInst:     make(map[string]keySet),
		byStrategy: make(map[string]keySet),
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

// Load inserts persisted legs, typically at start-up.
func (s *Store) Load(positions []*schema.PositionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var failed []error
	for _, p := range positions {
		if p == nil {
			continue
		}
		if _, ok := s.byKey[p.Key()]; ok {
			failed = append(failed, errs.New("positions", errs.CodeConflict,
				errs.WithMessage("position key exists"),
				errs.WithField("key", p.Key())))
			continue
		}
		s.insert(p.Clone())
	}
	return observability.AggregateErrors("positions.load", failed)
}

// UpdateFromFill applies the last fill of order and returns the changed legs.
// Only PartialFilled and Filled reports carry a fill; anything else, and
// unsupported instruments, produce an empty change set.
func (s *Store) UpdateFromFill(order *schema.OrderRecord) ChangeSet {
	cs := make(ChangeSet)
	if order == nil {
		return cs
	}
	if order.OrderStatus != schema.OrderStatusPartialFilled && order.OrderStatus != schema.OrderStatusFilled {
		s.log.Warn("position update ignored for order status",
			observability.F("status", order.OrderStatus.String()),
			observability.F("order", order.ShortString()))
		return cs
	}
	if !order.SymbolType.Supported() {
		s.log.Warn("unhandled symbol type", observability.F("symbolType", string(order.SymbolType)))
		return cs
	}
	if order.LastDealSize.IsZero() || order.LastDealPrice.IsZero() {
		s.log.Warn("fill carries no last deal", observability.F("order", order.ShortString()))
		return cs
	}

	f := fill{
		order: order,
		size:  order.LastDealSize,
		price: order.LastDealPrice,
		fee:   order.FeeOfLastTrade(),
	}
	// deal sizes are normalised by the order store, but reports replayed
	// from persistence may not be
	if order.Side == schema.SideBid {
		f.size = f.size.Abs()
	} else {
		f.size = f.size.Abs().Neg()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch order.PosSide {
	case schema.PosSideBoth:
		switch order.Side {
		case schema.SideBid:
			s.netBid(f, cs)
		case schema.SideAsk:
			s.netAsk(f, cs)
		default:
			s.log.Warn("unhandled side", observability.F("side", string(order.Side)))
		}
	case schema.PosSideLong, schema.PosSideShort:
		s.dual(f, cs)
	default:
		s.log.Warn("unhandled position side", observability.F("posSide", string(order.PosSide)))
	}
	return cs
}

// HoldPosition sums the legs of acctID on the candidate's instrument. A
// positive result is net long inventory, a negative one net short.
func (s *Store) HoldPosition(candidate *schema.OrderRecord, acctID uint64) decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := decimal.Zero
	key := schema.InstrumentKey(acctID, candidate.MarketCode, candidate.SymbolType, candidate.SymbolCode)
	for k := range s.byInst[key] {
		total = total.Add(s.byKey[k].Pos)
	}
	return total
}

// PosCanBeBorrowed returns how much of acctID's inventory the candidate could
// close against: a bid borrows short inventory and an ask borrows long
// inventory, less what live closing orders already froze.
func (s *Store) PosCanBeBorrowed(candidate *schema.OrderRecord, acctID uint64, frozen decimal.Decimal) decimal.Decimal {
	hold := s.HoldPosition(candidate, acctID)
	switch {
	case hold.IsZero():
		return decimal.Zero
	case hold.IsPositive() && candidate.Side == schema.SideBid:
		return decimal.Zero
	case hold.IsNegative() && candidate.Side == schema.SideAsk:
		return decimal.Zero
	}
	avail := hold.Abs().Sub(frozen)
	if avail.IsNegative() {
		return decimal.Zero
	}
	return avail
}

// Get returns a copy of the leg with the given key.
func (s *Store) Get(key string) (*schema.PositionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byKey[key]
	if !ok {
		return nil, false
	}
	return rec.Clone(), true
}

// QueryByAcctSymbol returns copies of the legs of an account's instrument.
func (s *Store) QueryByAcctSymbol(acctID uint64, market string, symbolType schema.SymbolType, symbolCode string) []*schema.PositionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byInst[schema.InstrumentKey(acctID, market, symbolType, symbolCode)])
}

// QueryByStrategy returns copies of the legs of a strategy instance.
func (s *Store) QueryByStrategy(productID, userID, stgID, stgInstID uint64) []*schema.PositionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byStrategy[schema.StrategyKey(productID, userID, stgID, stgInstID)])
}

// QueryByTemplate returns copies of legs matching template.
func (s *Store) QueryByTemplate(template condition.Template) ([]*schema.PositionRecord, error) {
	fields := template.Fields()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*schema.PositionRecord
	for _, rec := range s.byKey {
		v, err := condition.ValueOfPosition(rec, fields)
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

// Snapshot returns copies of every leg.
func (s *Store) Snapshot() []*schema.PositionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*schema.PositionRecord, 0, len(s.byKey))
	for _, rec := range s.byKey {
		out = append(out, rec.Clone())
	}
	return out
}

// Len returns the number of legs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

// legOf returns the leg of order on side, creating an empty one when missing.
func (s *Store) legOf(order *schema.OrderRecord, side schema.Side) *schema.PositionRecord {
	var key string
	if side == schema.SideBid {
		key = order.PosKeyBid()
	} else {
		key = order.PosKeyAsk()
	}
	if rec, ok := s.byKey[key]; ok {
		return rec
	}
	rec := schema.NewPositionFromOrder(order, side)
	s.insert(rec)
	s.log.Debug("position leg created",
		observability.F("key", key),
		observability.F("orderId", strconv.FormatUint(order.OrderID, 10)))
	return rec
}

func (s *Store) insert(rec *schema.PositionRecord) {
	key := rec.Key()
	s.byKey[key] = rec
	addKey(s.byInst, rec.InstrumentKey(), key)
	addKey(s.byStrategy, rec.StrategyKey(), key)
}

func (s *Store) collect(keys keySet) []*schema.PositionRecord {
	out := make([]*schema.PositionRecord, 0, len(keys))
	for k := range keys {
		if rec, ok := s.byKey[k]; ok {
			out = append(out, rec.Clone())
		}
	}
	return out
}

func addKey(m map[string]keySet, idx, key string) {
	set, ok := m[idx]
	if !ok {
		set = make(keySet)
		m[idx] = set
	}
	set[key] = struct{}{}
}
