// Package tradestore defines persistence contracts for orders, positions,
// flow-control counters, trigger records and the rule table.
package tradestore

import (
	"context"
	"time"

	"github.com/coachpo/tradeguard/internal/counterstore"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/flowctrl"
)

// OrderQuery filters persisted orders.
type OrderQuery struct {
	AcctID     uint64
	LiveOnly   bool
	ClosedOnly bool
	Limit      int
}

// TriggerRecord is a stored rule trigger.
type TriggerRecord struct {
	ID         string
	Name       string
	StatusCode int
	StatusMsg  string
	Details    string
	Rule       string
	OrderID    uint64
	TriggerAt  time.Time
	CreatedAt  time.Time
}

// TriggerQuery filters stored triggers.
type TriggerQuery struct {
	Name    string
	OrderID uint64
	Since   time.Time
	Limit   int
}

// RuleRow is one row of the rule table.
type RuleRow struct {
	flowctrl.RuleDef
	Enabled   bool
	UpdatedAt time.Time
}

// Tx groups the writes of one event.
type Tx interface {
	UpsertOrder(ctx context.Context, order *schema.OrderRecord) error
	UpsertPositions(ctx context.Context, positions []*schema.PositionRecord) error
}

// OrderStore persists order records.
type OrderStore interface {
	UpsertOrder(ctx context.Context, order *schema.OrderRecord) error
	ListOrders(ctx context.Context, query OrderQuery) ([]*schema.OrderRecord, error)
}

// PositionStore persists position legs.
type PositionStore interface {
	UpsertPositions(ctx context.Context, positions []*schema.PositionRecord) error
	ListPositions(ctx context.Context, acctID uint64) ([]*schema.PositionRecord, error)
}

// TriggerStore persists rule triggers.
type TriggerStore interface {
	SaveTrigger(ctx context.Context, info flowctrl.TriggerInfo) (TriggerRecord, error)
	ListTriggers(ctx context.Context, query TriggerQuery) ([]TriggerRecord, error)
}

// RuleStore reads the rule table.
type RuleStore interface {
	UpsertRule(ctx context.Context, def flowctrl.RuleDef, enabled bool) error
	DeleteRule(ctx context.Context, no int) error
	ListRules(ctx context.Context, step string) ([]RuleRow, error)
}

// Store is the full persistence surface of the service.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	ListOrders(ctx context.Context, query OrderQuery) ([]*schema.OrderRecord, error)
	ListPositions(ctx context.Context, acctID uint64) ([]*schema.PositionRecord, error)
	Triggers() TriggerStore
	Rules() RuleStore
	Counters() counterstore.Store
}
