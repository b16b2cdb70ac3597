package postgres

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeguard/internal/counterstore"
)

// CounterStore keeps flow-control limit states in the limit_counters table.
type CounterStore struct {
	pool *pgxpool.Pool
}

var _ counterstore.Store = (*CounterStore)(nil)

// NewCounterStore constructs a CounterStore backed by the provided pool.
func NewCounterStore(pool *pgxpool.Pool) *CounterStore {
	return &CounterStore{pool: pool}
}

const (
	counterSelectSQL = `
SELECT state
FROM limit_counters
WHERE state_key = $1;
`

	counterUpsertSQL = `
INSERT INTO limit_counters (state_key, state, updated_at)
VALUES ($1, $2::jsonb, NOW())
ON CONFLICT (state_key) DO UPDATE SET
    state = EXCLUDED.state,
    updated_at = NOW();
`

	counterDeleteSQL = `
DELETE FROM limit_counters
WHERE state_key = $1;
`
)

func (s *CounterStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, errNoPool("counter store")
	}
	return s.pool, nil
}

// Get returns the state stored under key or counterstore.ErrNotFound.
func (s *CounterStore) Get(ctx context.Context, key string) (counterstore.State, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return counterstore.State{}, err
	}
	var raw []byte
	if err := pool.QueryRow(ctx, counterSelectSQL, key).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return counterstore.State{}, counterstore.ErrNotFound
		}
		return counterstore.State{}, fmt.Errorf("counter store: get %s: %w", key, err)
	}
	var st counterstore.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return counterstore.State{}, fmt.Errorf("counter store: decode %s: %w", key, err)
	}
	return st, nil
}

// Put stores state under key.
func (s *CounterStore) Put(ctx context.Context, key string, state counterstore.State) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("counter store: encode %s: %w", key, err)
	}
	if _, err := pool.Exec(ctx, counterUpsertSQL, key, raw); err != nil {
		return fmt.Errorf("counter store: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key.
func (s *CounterStore) Delete(ctx context.Context, key string) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, counterDeleteSQL, key); err != nil {
		return fmt.Errorf("counter store: delete %s: %w", key, err)
	}
	return nil
}

// Close is a no-op; the pool belongs to the caller.
func (s *CounterStore) Close() error { return nil }
