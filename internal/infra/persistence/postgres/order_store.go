package postgres

import (
	"context"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/domain/tradestore"
)

// OrderStore persists order records. Each row keeps the full record as JSON
// next to the columns used for filtering.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderUpsertSQL = `
INSERT INTO orders (
    order_id,
    exch_order_id,
    acct_id,
    trd_acct_id,
    stg_id,
    stg_inst_id,
    market_code,
    symbol_code,
    side,
    pos_direction,
    order_price,
    order_size,
    deal_size,
    order_status,
    status_code,
    closed,
    order_time,
    closed_time,
    last_seq,
    record,
    created_at,
    updated_at
)
VALUES (
    @order_id::numeric,
    @exch_order_id,
    @acct_id::numeric,
    @trd_acct_id::numeric,
    @stg_id::numeric,
    @stg_inst_id::numeric,
    @market_code,
    @symbol_code,
    @side,
    @pos_direction,
    @order_price,
    @order_size,
    @deal_size,
    @order_status,
    @status_code,
    @closed,
    @order_time,
    @closed_time,
    @last_seq,
    @record::jsonb,
    NOW(),
    NOW()
)
ON CONFLICT (order_id) DO UPDATE SET
    exch_order_id = EXCLUDED.exch_order_id,
    deal_size = EXCLUDED.deal_size,
    order_status = EXCLUDED.order_status,
    status_code = EXCLUDED.status_code,
    closed = EXCLUDED.closed,
    closed_time = EXCLUDED.closed_time,
    last_seq = EXCLUDED.last_seq,
    record = EXCLUDED.record,
    updated_at = NOW()
WHERE (orders.order_status, abs(orders.deal_size)) <= (EXCLUDED.order_status, abs(EXCLUDED.deal_size));
`

	orderSelectBase = `
SELECT o.record
FROM orders o
`

	defaultOrderLimit = 10000
	maxOrderLimit     = 100000
)

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, errNoPool("order store")
	}
	return s.pool, nil
}

func (s *OrderStore) upsertOrderWith(ctx context.Context, exec execer, order *schema.OrderRecord) error {
	if order == nil || order.OrderID == 0 {
		return fmt.Errorf("order store: order id required")
	}
	record, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("order store: encode record: %w", err)
	}
	price, err := numericFromDecimal(order.OrderPrice)
	if err != nil {
		return fmt.Errorf("order store: order price: %w", err)
	}
	size, err := numericFromDecimal(order.OrderSize)
	if err != nil {
		return fmt.Errorf("order store: order size: %w", err)
	}
	deal, err := numericFromDecimal(order.DealSize)
	if err != nil {
		return fmt.Errorf("order store: deal size: %w", err)
	}
	args := pgx.NamedArgs{
		"order_id":      idArg(order.OrderID),
		"exch_order_id": nullableString(order.ExchOrderID),
		"acct_id":       idArg(order.AcctID),
		"trd_acct_id":   idArg(order.TrdAcctID),
		"stg_id":        idArg(order.StgID),
		"stg_inst_id":   idArg(order.StgInstID),
		"market_code":   order.MarketCode,
		"symbol_code":   order.SymbolCode,
		"side":          string(order.Side),
		"pos_direction": string(order.PosDirection),
		"order_price":   price,
		"order_size":    size,
		"deal_size":     deal,
		"order_status":  int(order.OrderStatus),
		"status_code":   order.StatusCode,
		"closed":        order.IsClosed(),
		"order_time":    order.OrderTime,
		"closed_time":   nullableInt64(order.ClosedTime),
		"last_seq":      nullableString(order.LastSeq),
		"record":        record,
	}
	if _, err := exec.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("order store: upsert order %d: %w", order.OrderID, err)
	}
	return nil
}

// UpsertOrder inserts or refreshes an order. A stale record, one whose status
// is behind the stored one or whose status matches with less filled, is
// ignored.
func (s *OrderStore) UpsertOrder(ctx context.Context, order *schema.OrderRecord) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.upsertOrderWith(ctx, pool, order)
}

// ListOrders retrieves persisted orders matching the supplied query filters.
// Live orders come first in order-time order; closed orders are the most
// recently closed.
func (s *OrderStore) ListOrders(ctx context.Context, query tradestore.OrderQuery) ([]*schema.OrderRecord, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	if query.LiveOnly && query.ClosedOnly {
		return nil, fmt.Errorf("order store: live and closed filters are exclusive")
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 3)
	argPos := 1

	if query.AcctID != 0 {
		fmt.Fprintf(&builder, " AND o.acct_id = $%d::numeric", argPos)
		args = append(args, idArg(query.AcctID))
		argPos++
	}
	switch {
	case query.LiveOnly:
		builder.WriteString(" AND o.closed = FALSE ORDER BY o.order_time ASC")
	case query.ClosedOnly:
		builder.WriteString(" AND o.closed = TRUE ORDER BY o.closed_time DESC")
	default:
		builder.WriteString(" ORDER BY o.closed ASC, o.order_time ASC")
	}
	fmt.Fprintf(&builder, " LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	defer rows.Close()

	out := make([]*schema.OrderRecord, 0)
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		var order schema.OrderRecord
		if err := json.Unmarshal(raw, &order); err != nil {
			return nil, fmt.Errorf("order store: decode record: %w", err)
		}
		out = append(out, &order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return out, nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullableInt64(value int64) any {
	if value == 0 {
		return nil
	}
	return value
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}
