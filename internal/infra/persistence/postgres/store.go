package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeguard/errs"
	"github.com/coachpo/tradeguard/internal/counterstore"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/domain/tradestore"
	"github.com/coachpo/tradeguard/internal/infra/persistence"
)

func errNoPool(component string) error {
	return errs.New(component, errs.CodeUnavailable, errs.WithMessage("nil pool"))
}

// Store exposes the PostgreSQL-backed repositories.
type Store struct {
	*persistence.Store
	orders    *OrderStore
	positions *PositionStore
	triggers  *TriggerStore
	rules     *RuleStore
	counters  *CounterStore
}

var _ tradestore.Store = (*Store)(nil)

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Store:     persistence.NewStore(pool),
		orders:    NewOrderStore(pool),
		positions: NewPositionStore(pool),
		triggers:  NewTriggerStore(pool),
		rules:     NewRuleStore(pool),
		counters:  NewCounterStore(pool),
	}
}

// Open dials the database described by settings. Close releases the pool.
func Open(ctx context.Context, settings persistence.PoolSettings) (*Store, error) {
	base, err := persistence.Open(ctx, settings)
	if err != nil {
		return nil, err
	}
	return New(base.Pool()), nil
}

// UpsertOrder writes one order record.
func (s *Store) UpsertOrder(ctx context.Context, order *schema.OrderRecord) error {
	return s.orders.UpsertOrder(ctx, order)
}

// UpsertPositions writes position legs.
func (s *Store) UpsertPositions(ctx context.Context, positions []*schema.PositionRecord) error {
	return s.positions.UpsertPositions(ctx, positions)
}

// ListOrders retrieves persisted orders matching query.
func (s *Store) ListOrders(ctx context.Context, query tradestore.OrderQuery) ([]*schema.OrderRecord, error) {
	return s.orders.ListOrders(ctx, query)
}

// ListPositions retrieves position legs, optionally of one account.
func (s *Store) ListPositions(ctx context.Context, acctID uint64) ([]*schema.PositionRecord, error) {
	return s.positions.ListPositions(ctx, acctID)
}

// Triggers returns the trigger repository.
func (s *Store) Triggers() tradestore.TriggerStore { return s.triggers }

// Rules returns the rule table repository.
func (s *Store) Rules() tradestore.RuleStore { return s.rules }

// Counters returns the limit-state repository.
func (s *Store) Counters() counterstore.Store { return s.counters }

type storeTx struct {
	tx    pgx.Tx
	store *Store
}

func (t *storeTx) UpsertOrder(ctx context.Context, order *schema.OrderRecord) error {
	if t == nil {
		return fmt.Errorf("trade store: nil transaction")
	}
	return t.store.orders.upsertOrderWith(ctx, t.tx, order)
}

func (t *storeTx) UpsertPositions(ctx context.Context, positions []*schema.PositionRecord) error {
	if t == nil {
		return fmt.Errorf("trade store: nil transaction")
	}
	return t.store.positions.upsertPositionsWith(ctx, t.tx, positions)
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *Store) WithTransaction(ctx context.Context, fn func(context.Context, tradestore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("trade store: transaction callback required")
	}
	pool := s.Pool()
	if pool == nil {
		return errNoPool("trade store")
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("trade store: begin tx: %w", err)
	}
	runErr := fn(ctx, &storeTx{tx: tx, store: s})
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("trade store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("trade store: commit tx: %w", err)
	}
	return nil
}
