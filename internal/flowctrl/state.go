package flowctrl

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/internal/counterstore"
	"github.com/coachpo/tradeguard/internal/staging"
)

// ringEpoch is 2000-01-01T00:00:00Z in unix milliseconds. Fresh rings are
// filled with it so the first events never fall inside a window.
const ringEpoch int64 = 946684800000

// LimitState is the counter of one rule for one exact condition value: a
// running total or a ring of the most recent event timestamps.
type LimitState struct {
	key   string
	total decimal.Decimal
	ring  []int64
	head  int
	store counterstore.Store
}

func newTotalState(key string, store counterstore.Store) *LimitState {
	return &LimitState{key: key, total: decimal.Zero, store: store}
}

func newRingState(key string, size int, store counterstore.Store) *LimitState {
	ring := make([]int64, size)
	for i := range ring {
		ring[i] = ringEpoch
	}
	return &LimitState{key: key, ring: ring, store: store}
}

func stateFrom(key string, st counterstore.State, store counterstore.Store) *LimitState {
	st = st.Clone()
	return &LimitState{key: key, total: st.Total, ring: st.Ring, head: st.Head, store: store}
}

// Key returns the durable key of the state.
func (s *LimitState) Key() string { return s.key }

// Total returns the accumulated value of a total rule.
func (s *LimitState) Total() decimal.Decimal { return s.total }

// Oldest returns the oldest timestamp of a windowed rule.
func (s *LimitState) Oldest() int64 {
	if len(s.ring) == 0 {
		return ringEpoch
	}
	return s.ring[s.head]
}

// Timestamps returns the ring oldest first.
func (s *LimitState) Timestamps() []int64 {
	out := make([]int64, 0, len(s.ring))
	out = append(out, s.ring[s.head:]...)
	return append(out, s.ring[:s.head]...)
}

// Apply commits a staged mutation and writes the result through to the
// counter store.
func (s *LimitState) Apply(m staging.Mutation) error {
	switch m.Op {
	case staging.OpAdd:
		s.total = s.total.Add(m.Amount)
	case staging.OpPush:
		if len(s.ring) == 0 {
			return fmt.Errorf("push into %s: state has no ring", s.key)
		}
		s.ring[s.head] = m.At
		s.head = (s.head + 1) % len(s.ring)
	default:
		return fmt.Errorf("unsupported mutation %s", m.Op)
	}
	if s.store == nil {
		return nil
	}
	return s.store.Put(context.Background(), s.key, s.snapshot())
}

func (s *LimitState) snapshot() counterstore.State {
	return counterstore.State{Total: s.total, Ring: s.ring, Head: s.head}.Clone()
}

func (s *LimitState) rekey(key string) { s.key = key }

// resize rebuilds the ring with size slots keeping the most recent
// timestamps.
func (s *LimitState) resize(size int) {
	if size == len(s.ring) && size > 0 {
		return
	}
	recent := s.Timestamps()
	if len(recent) > size {
		recent = recent[len(recent)-size:]
	}
	ring := make([]int64, size)
	pad := size - len(recent)
	for i := 0; i < pad; i++ {
		ring[i] = ringEpoch
	}
	copy(ring[pad:], recent)
	s.ring = ring
	s.head = 0
}
