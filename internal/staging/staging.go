// Package staging defers limit-state mutations until an order has passed
// every admission stage. Commit applies the staged mutations in order;
// Rollback drops them without touching any state.
package staging

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/internal/observability"
)

// Op identifies the kind of mutation.
type Op uint8

const (
	// OpAdd adds Amount to a scalar counter.
	OpAdd Op = iota + 1
	// OpPush pushes the At timestamp into a window ring, overwriting the oldest entry.
	OpPush
)

func (o Op) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpPush:
		return "push"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Applier applies a committed mutation to the state it targets.
type Applier interface {
	Apply(m Mutation) error
}

// Mutation describes one deferred change.
type Mutation struct {
	Target Applier
	Op     Op
	Key    string
	Amount decimal.Decimal
	At     int64
}

func (m Mutation) String() string {
	switch m.Op {
	case OpPush:
		return fmt.Sprintf("%s %s at=%d", m.Op, m.Key, m.At)
	default:
		return fmt.Sprintf("%s %s amount=%s", m.Op, m.Key, m.Amount.String())
	}
}

// Log is the staged update log of one partition. It is not safe for
// concurrent use.
type Log struct {
	pending []Mutation
	log     observability.Logger
}

// NewLog returns an empty log.
func NewLog(logger observability.Logger) *Log {
	if logger == nil {
		logger = observability.Log()
	}
	return &Log{log: logger}
}

// Stage appends a mutation.
func (l *Log) Stage(m Mutation) {
	l.log.Debug("stage mutation", observability.F("mutation", m.String()))
	l.pending = append(l.pending, m)
}

// Len returns the number of staged mutations.
func (l *Log) Len() int { return len(l.pending) }

// Commit applies every staged mutation in order and clears the log. A failing
// mutation does not stop the remaining ones; failures are aggregated.
func (l *Log) Commit() (int, error) {
	pending := l.pending
	l.pending = nil

	var (
		applied int
		failed  []error
	)
	for _, m := range pending {
		if m.Target == nil {
			failed = append(failed, fmt.Errorf("mutation %s has no target", m))
			continue
		}
		if err := m.Target.Apply(m); err != nil {
			failed = append(failed, fmt.Errorf("apply %s: %w", m, err))
			continue
		}
		applied++
	}
	return applied, observability.AggregateErrors("staging.commit", failed)
}

// Rollback drops every staged mutation.
func (l *Log) Rollback() int {
	n := len(l.pending)
	if n > 0 {
		l.log.Debug("rollback staged mutations", observability.F("count", n))
	}
	l.pending = nil
	return n
}
