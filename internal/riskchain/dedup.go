package riskchain

import "container/list"

// DefaultDedupCapacity bounds the reject-acknowledgment dedup cache.
const DefaultDedupCapacity = 16 * 1024

// dedup is a fixed-size LRU set of keys already counted.
type dedup struct {
	capacity int
	order    *list.List
	index    map[string]*list.Element
}

func newDedup(capacity int) *dedup {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &dedup{
		capacity: capacity,
		order:    list.New(),
		index:    make(map[string]*list.Element, capacity),
	}
}

// seen reports whether key was already recorded and records it otherwise.
func (d *dedup) seen(key string) bool {
	if elem, ok := d.index[key]; ok {
		d.order.MoveToFront(elem)
		return true
	}
	d.index[key] = d.order.PushFront(key)
	if d.order.Len() > d.capacity {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(string))
	}
	return false
}

func (d *dedup) len() int { return d.order.Len() }
