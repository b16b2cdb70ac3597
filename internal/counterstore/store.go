// Package counterstore persists flow-control limit state so counters survive
// a restart. Keys are derived from the rule identity plus the matched
// condition value; values are JSON encoded States.
package counterstore

import (
	"context"
	"errors"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/errs"
)

// ErrNotFound reports a key without stored state.
var ErrNotFound = errors.New("counter state not found")

// State is the persisted form of one limit state. Total backs cumulative
// rules; Ring and Head back windowed rules, with Head indexing the oldest
// timestamp.
type State struct {
	Total decimal.Decimal `json:"total"`
	Ring  []int64         `json:"ring,omitempty"`
	Head  int             `json:"head,omitempty"`
}

// Clone returns a copy that shares no slice with s.
func (s State) Clone() State {
	if s.Ring != nil {
		ring := make([]int64, len(s.Ring))
		copy(ring, s.Ring)
		s.Ring = ring
	}
	return s
}

// Store is a durable key/value store of limit states.
type Store interface {
	Get(ctx context.Context, key string) (State, error)
	Put(ctx context.Context, key string, state State) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// LoadOrInit returns the stored state for key, or init when nothing is stored.
func LoadOrInit(ctx context.Context, store Store, key string, init State) (State, bool, error) {
	st, err := store.Get(ctx, key)
	switch {
	case err == nil:
		return st, true, nil
	case errors.Is(err, ErrNotFound):
		return init, false, nil
	default:
		return State{}, false, err
	}
}

func encode(st State) ([]byte, error) {
	b, err := json.Marshal(st)
	if err != nil {
		return nil, errs.New("counterstore", errs.CodeInternal, errs.WithMessage("encode state"), errs.WithCause(err))
	}
	return b, nil
}

func decode(key string, b []byte) (State, error) {
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return State{}, errs.New("counterstore", errs.CodeInternal,
			errs.WithMessage("decode state"),
			errs.WithField("key", key),
			errs.WithCause(err))
	}
	return st, nil
}

func unavailable(op, key string, err error) error {
	return errs.New("counterstore", errs.CodeUnavailable,
		errs.WithMessage(op),
		errs.WithField("key", key),
		errs.WithCause(err))
}
