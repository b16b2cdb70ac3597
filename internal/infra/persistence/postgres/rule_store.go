package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/tradeguard/internal/domain/tradestore"
	"github.com/coachpo/tradeguard/internal/flowctrl"
)

// RuleStore reads and maintains the flow-control rule table.
type RuleStore struct {
	pool *pgxpool.Pool
}

// NewRuleStore constructs a RuleStore backed by the provided pool.
func NewRuleStore(pool *pgxpool.Pool) *RuleStore {
	return &RuleStore{pool: pool}
}

const (
	ruleUpsertSQL = `
INSERT INTO flow_ctrl_rules (
    rule_no,
    name,
    step,
    target,
    condition,
    limit_value,
    action,
    enabled,
    created_at,
    updated_at
)
VALUES (@no, @name, @step, @target, @condition, @limit_value, @action, @enabled, NOW(), NOW())
ON CONFLICT (rule_no) DO UPDATE SET
    name = EXCLUDED.name,
    step = EXCLUDED.step,
    target = EXCLUDED.target,
    condition = EXCLUDED.condition,
    limit_value = EXCLUDED.limit_value,
    action = EXCLUDED.action,
    enabled = EXCLUDED.enabled,
    updated_at = NOW();
`

	ruleDeleteSQL = `
DELETE FROM flow_ctrl_rules
WHERE rule_no = $1;
`

	ruleSelectSQL = `
SELECT
    rule_no,
    name,
    step,
    target,
    condition,
    limit_value,
    action,
    enabled,
    updated_at
FROM flow_ctrl_rules
WHERE ($1::text = '' OR step = $1::text)
ORDER BY rule_no;
`
)

func (s *RuleStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, errNoPool("rule store")
	}
	return s.pool, nil
}

// UpsertRule inserts or replaces the rule numbered def.No.
func (s *RuleStore) UpsertRule(ctx context.Context, def flowctrl.RuleDef, enabled bool) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if def.No <= 0 {
		return fmt.Errorf("rule store: rule no required")
	}
	if _, err := flowctrl.NewRule(def); err != nil {
		return fmt.Errorf("rule store: %w", err)
	}
	args := pgx.NamedArgs{
		"no":          def.No,
		"name":        strings.TrimSpace(def.Name),
		"step":        strings.TrimSpace(def.Step),
		"target":      strings.TrimSpace(def.Target),
		"condition":   strings.TrimSpace(def.Condition),
		"limit_value": strings.TrimSpace(def.LimitValue),
		"action":      strings.TrimSpace(def.Action),
		"enabled":     enabled,
	}
	if _, err := pool.Exec(ctx, ruleUpsertSQL, args); err != nil {
		return fmt.Errorf("rule store: upsert rule %d: %w", def.No, err)
	}
	return nil
}

// DeleteRule removes the rule numbered no.
func (s *RuleStore) DeleteRule(ctx context.Context, no int) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, ruleDeleteSQL, no); err != nil {
		return fmt.Errorf("rule store: delete rule %d: %w", no, err)
	}
	return nil
}

// ListRules returns every row of step, or of all steps when step is empty.
func (s *RuleStore) ListRules(ctx context.Context, step string) ([]tradestore.RuleRow, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, ruleSelectSQL, strings.TrimSpace(step))
	if err != nil {
		return nil, fmt.Errorf("rule store: list rules: %w", err)
	}
	defer rows.Close()

	out := make([]tradestore.RuleRow, 0)
	for rows.Next() {
		var row tradestore.RuleRow
		if err := rows.Scan(
			&row.No,
			&row.Name,
			&row.Step,
			&row.Target,
			&row.Condition,
			&row.LimitValue,
			&row.Action,
			&row.Enabled,
			&row.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("rule store: scan rule: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rule store: iterate rules: %w", err)
	}
	return out, nil
}
