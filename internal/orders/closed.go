package orders

import (
	"github.com/tidwall/btree"

	"github.com/coachpo/tradeguard/internal/domain/schema"
)

// DefaultClosedCapacity bounds the closed ring when no capacity is configured.
const DefaultClosedCapacity = 128

type closedEntry struct {
	closedTime int64
	orderID    uint64
}

func closedLess(a, b closedEntry) bool {
	if a.closedTime != b.closedTime {
		return a.closedTime < b.closedTime
	}
	return a.orderID < b.orderID
}

// closedRing retains recently closed orders for late acknowledgments. The
// oldest by close time is evicted once the ring exceeds its capacity.
type closedRing struct {
	capacity int
	byID     map[uint64]*schema.OrderRecord
	byExch   map[string]uint64
	byTime   *btree.BTreeG[closedEntry]
}

func newClosedRing(capacity int) *closedRing {
	if capacity <= 0 {
		capacity = DefaultClosedCapacity
	}
	return &closedRing{
		capacity: capacity,
		byID:     make(map[uint64]*schema.OrderRecord),
		byExch:   make(map[string]uint64),
		byTime:   btree.NewBTreeG[closedEntry](closedLess),
	}
}

func (r *closedRing) len() int { return len(r.byID) }

func (r *closedRing) get(orderID uint64) (*schema.OrderRecord, bool) {
	rec, ok := r.byID[orderID]
	return rec, ok
}

func (r *closedRing) getByExch(key string) (*schema.OrderRecord, bool) {
	id, ok := r.byExch[key]
	if !ok {
		return nil, false
	}
	return r.get(id)
}

func (r *closedRing) hasExch(key string) bool {
	_, ok := r.byExch[key]
	return ok
}

// push inserts rec and returns the evicted records, oldest first.
func (r *closedRing) push(rec *schema.OrderRecord) []*schema.OrderRecord {
	if old, ok := r.byID[rec.OrderID]; ok {
		r.drop(old)
	}
	r.byID[rec.OrderID] = rec
	if rec.ExchOrderID != "" {
		r.byExch[rec.ExchKey()] = rec.OrderID
	}
	r.byTime.Set(closedEntry{closedTime: rec.ClosedTime, orderID: rec.OrderID})

	var evicted []*schema.OrderRecord
	for len(r.byID) > r.capacity {
		oldest, ok := r.byTime.Min()
		if !ok {
			break
		}
		victim := r.byID[oldest.orderID]
		if victim == nil {
			r.byTime.Delete(oldest)
			continue
		}
		r.drop(victim)
		evicted = append(evicted, victim)
	}
	return evicted
}

// reindex refreshes the exchange key of a closed record after an update.
func (r *closedRing) reindex(before, after *schema.OrderRecord) {
	if before.ExchOrderID != "" {
		delete(r.byExch, before.ExchKey())
	}
	if after.ExchOrderID != "" {
		r.byExch[after.ExchKey()] = after.OrderID
	}
}

func (r *closedRing) drop(rec *schema.OrderRecord) {
	delete(r.byID, rec.OrderID)
	if rec.ExchOrderID != "" {
		if id, ok := r.byExch[rec.ExchKey()]; ok && id == rec.OrderID {
			delete(r.byExch, rec.ExchKey())
		}
	}
	r.byTime.Delete(closedEntry{closedTime: rec.ClosedTime, orderID: rec.OrderID})
}

func (r *closedRing) each(fn func(*schema.OrderRecord)) {
	r.byTime.Scan(func(e closedEntry) bool {
		if rec, ok := r.byID[e.orderID]; ok {
			fn(rec)
		}
		return true
	})
}
