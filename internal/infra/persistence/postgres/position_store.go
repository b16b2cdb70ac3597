package postgres

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeguard/internal/domain/schema"
)

// PositionStore persists position legs keyed by their position key.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore constructs a PositionStore backed by the provided pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const (
	positionUpsertSQL = `
INSERT INTO positions (
    pos_key,
    acct_id,
    market_code,
    symbol_code,
    side,
    pos_side,
    pos,
    avg_open_price,
    pnl,
    update_time,
    last_seq,
    record,
    created_at,
    updated_at
)
VALUES (
    @pos_key,
    @acct_id::numeric,
    @market_code,
    @symbol_code,
    @side,
    @pos_side,
    @pos,
    @avg_open_price,
    @pnl,
    @update_time,
    @last_seq,
    @record::jsonb,
    NOW(),
    NOW()
)
ON CONFLICT (pos_key) DO UPDATE SET
    pos = EXCLUDED.pos,
    avg_open_price = EXCLUDED.avg_open_price,
    pnl = EXCLUDED.pnl,
    update_time = EXCLUDED.update_time,
    last_seq = EXCLUDED.last_seq,
    record = EXCLUDED.record,
    updated_at = NOW()
WHERE positions.update_time <= EXCLUDED.update_time;
`

	positionSelectSQL = `
SELECT p.record
FROM positions p
WHERE ($1::numeric = 0 OR p.acct_id = $1::numeric)
ORDER BY p.pos_key;
`
)

type batcher interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

func (s *PositionStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, errNoPool("position store")
	}
	return s.pool, nil
}

func positionArgs(leg *schema.PositionRecord) (pgx.NamedArgs, error) {
	record, err := json.Marshal(leg)
	if err != nil {
		return nil, fmt.Errorf("position store: encode record: %w", err)
	}
	pos, err := numericFromDecimal(leg.Pos)
	if err != nil {
		return nil, fmt.Errorf("position store: pos: %w", err)
	}
	avg, err := numericFromDecimal(leg.AvgOpenPrice)
	if err != nil {
		return nil, fmt.Errorf("position store: avg open price: %w", err)
	}
	pnl, err := numericFromDecimal(leg.Pnl)
	if err != nil {
		return nil, fmt.Errorf("position store: pnl: %w", err)
	}
	return pgx.NamedArgs{
		"pos_key":        leg.PositionKey.String(),
		"acct_id":        idArg(leg.AcctID),
		"market_code":    leg.MarketCode,
		"symbol_code":    leg.SymbolCode,
		"side":           string(leg.Side),
		"pos_side":       string(leg.PosSide),
		"pos":            pos,
		"avg_open_price": avg,
		"pnl":            pnl,
		"update_time":    leg.UpdateTime,
		"last_seq":       nullableString(leg.LastSeq),
		"record":         record,
	}, nil
}

func (s *PositionStore) upsertPositionsWith(ctx context.Context, exec batcher, positions []*schema.PositionRecord) error {
	batch := &pgx.Batch{}
	for _, leg := range positions {
		if leg == nil {
			continue
		}
		args, err := positionArgs(leg)
		if err != nil {
			return err
		}
		batch.Queue(positionUpsertSQL, args)
	}
	if batch.Len() == 0 {
		return nil
	}
	results := exec.SendBatch(ctx, batch)
	for i := 0; i < batch.Len(); i++ {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return fmt.Errorf("position store: upsert position: %w", err)
		}
	}
	if err := results.Close(); err != nil {
		return fmt.Errorf("position store: close batch: %w", err)
	}
	return nil
}

// UpsertPositions writes every leg in one batch.
func (s *PositionStore) UpsertPositions(ctx context.Context, positions []*schema.PositionRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.upsertPositionsWith(ctx, pool, positions)
}

// ListPositions returns the legs of acctID, or every leg when acctID is zero.
func (s *PositionStore) ListPositions(ctx context.Context, acctID uint64) ([]*schema.PositionRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, positionSelectSQL, idArg(acctID))
	if err != nil {
		return nil, fmt.Errorf("position store: list positions: %w", err)
	}
	defer rows.Close()

	out := make([]*schema.PositionRecord, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("position store: scan position: %w", err)
		}
		var leg schema.PositionRecord
		if err := json.Unmarshal(raw, &leg); err != nil {
			return nil, fmt.Errorf("position store: decode record: %w", err)
		}
		out = append(out, &leg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position store: iterate positions: %w", err)
	}
	return out, nil
}
