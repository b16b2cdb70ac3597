package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeguard/internal/domain/tradestore"
	"github.com/coachpo/tradeguard/internal/flowctrl"
)

// TriggerStore persists rule triggers.
type TriggerStore struct {
	pool *pgxpool.Pool
}

// NewTriggerStore constructs a TriggerStore backed by the provided pool.
func NewTriggerStore(pool *pgxpool.Pool) *TriggerStore {
	return &TriggerStore{pool: pool}
}

const (
	triggerInsertSQL = `
INSERT INTO risk_triggers (
    id,
    name,
    status_code,
    status_msg,
    details,
    rule,
    order_id,
    trigger_at
)
VALUES (
    @id,
    @name,
    @status_code,
    @status_msg,
    @details::jsonb,
    @rule::jsonb,
    @order_id::numeric,
    @trigger_at
)
RETURNING created_at;
`

	triggerSelectBase = `
SELECT
    t.id::text,
    t.name,
    t.status_code,
    t.status_msg,
    t.details::text,
    COALESCE(t.rule::text, ''),
    t.order_id::text,
    t.trigger_at,
    t.created_at
FROM risk_triggers t
`

	defaultTriggerLimit = 100
	maxTriggerLimit     = 1000
)

func (s *TriggerStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, errNoPool("trigger store")
	}
	return s.pool, nil
}

// SaveTrigger inserts a trigger under a fresh id.
func (s *TriggerStore) SaveTrigger(ctx context.Context, info flowctrl.TriggerInfo) (tradestore.TriggerRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return tradestore.TriggerRecord{}, err
	}
	name := strings.TrimSpace(info.Name)
	if name == "" {
		return tradestore.TriggerRecord{}, fmt.Errorf("trigger store: name required")
	}
	if strings.TrimSpace(info.Details) == "" {
		return tradestore.TriggerRecord{}, fmt.Errorf("trigger store: details required")
	}
	at := info.At
	if at.IsZero() {
		at = time.Now()
	}
	record := tradestore.TriggerRecord{
		ID:         uuid.NewString(),
		Name:       name,
		StatusCode: info.StatusCode,
		StatusMsg:  info.StatusMsg,
		Details:    info.Details,
		Rule:       info.Rule,
		OrderID:    info.OrderID,
		TriggerAt:  at.UTC(),
	}
	args := pgx.NamedArgs{
		"id":          record.ID,
		"name":        record.Name,
		"status_code": record.StatusCode,
		"status_msg":  record.StatusMsg,
		"details":     record.Details,
		"rule":        nullableString(record.Rule),
		"order_id":    idArg(record.OrderID),
		"trigger_at":  record.TriggerAt,
	}
	if err := pool.QueryRow(ctx, triggerInsertSQL, args).Scan(&record.CreatedAt); err != nil {
		return tradestore.TriggerRecord{}, fmt.Errorf("trigger store: insert trigger: %w", err)
	}
	return record, nil
}

// ListTriggers returns the newest triggers matching query.
func (s *TriggerStore) ListTriggers(ctx context.Context, query tradestore.TriggerQuery) ([]tradestore.TriggerRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultTriggerLimit, maxTriggerLimit)

	builder := strings.Builder{}
	builder.WriteString(triggerSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 4)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Name); trimmed != "" {
		fmt.Fprintf(&builder, " AND t.name = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if query.OrderID != 0 {
		fmt.Fprintf(&builder, " AND t.order_id = $%d::numeric", argPos)
		args = append(args, idArg(query.OrderID))
		argPos++
	}
	if !query.Since.IsZero() {
		fmt.Fprintf(&builder, " AND t.trigger_at >= $%d", argPos)
		args = append(args, query.Since.UTC())
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY t.trigger_at DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("trigger store: list triggers: %w", err)
	}
	defer rows.Close()

	out := make([]tradestore.TriggerRecord, 0)
	for rows.Next() {
		var (
			rec     tradestore.TriggerRecord
			orderID string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Name,
			&rec.StatusCode,
			&rec.StatusMsg,
			&rec.Details,
			&rec.Rule,
			&orderID,
			&rec.TriggerAt,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("trigger store: scan trigger: %w", err)
		}
		if rec.OrderID, err = parseID(orderID); err != nil {
			return nil, fmt.Errorf("trigger store: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("trigger store: iterate triggers: %w", err)
	}
	return out, nil
}
