package observability

import "sync"

// DeadLetterQueue keeps items that could not be delivered. When full, the
// oldest item is dropped to make room.
type DeadLetterQueue[T any] struct {
	mu       sync.Mutex
	capacity int
	items    []T
	dropped  int
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue[T any](capacity int) *DeadLetterQueue[T] {
	return &DeadLetterQueue[T]{capacity: capacity, items: make([]T, 0)}
}

// Offer records an item.
func (q *DeadLetterQueue[T]) Offer(item T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.items) >= q.capacity {
		copy(q.items[0:], q.items[1:])
		q.items[len(q.items)-1] = item
		q.dropped++
		return
	}
	q.items = append(q.items, item)
}

// Drain retrieves and clears all queued items.
func (q *DeadLetterQueue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]T, len(q.items))
	copy(drained, q.items)
	q.items = q.items[:0]
	return drained
}

// Len returns the number of queued items.
func (q *DeadLetterQueue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many items were pushed out by newer ones.
func (q *DeadLetterQueue[T]) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
