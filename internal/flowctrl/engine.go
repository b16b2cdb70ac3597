package flowctrl

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/internal/condition"
	"github.com/coachpo/tradeguard/internal/counterstore"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/observability"
	"github.com/coachpo/tradeguard/internal/orders"
	"github.com/coachpo/tradeguard/internal/positions"
	"github.com/coachpo/tradeguard/internal/staging"
)

const msgTriggerRiskCtrl = "triggerRiskCtrl"

// TriggerInfo records one rule trigger.
type TriggerInfo struct {
	Name       string
	StatusCode int
	StatusMsg  string
	Details    string
	Rule       string
	OrderID    uint64
	At         time.Time
}

// TriggerSink stores trigger records. SaveTrigger must not block the caller.
type TriggerSink interface {
	SaveTrigger(info TriggerInfo)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithCounterStore makes limit state durable.
func WithCounterStore(store counterstore.Store) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithTriggerSink records every trigger.
func WithTriggerSink(sink TriggerSink) EngineOption {
	return func(e *Engine) { e.sink = sink }
}

// WithLogger sets the engine logger.
func WithLogger(l observability.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithClock overrides the unix-millisecond clock used by windowed rules.
func WithClock(now func() int64) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// Engine evaluates orders of one partition against its rule set. Counter
// mutations go to the partition's staging log and only reach the limit
// state on commit.
type Engine struct {
	rules     *RuleSet
	orders    *orders.Store
	positions *positions.Store
	staged    *staging.Log
	store     counterstore.Store
	sink      TriggerSink
	log       observability.Logger
	now       func() int64
}

// NewEngine wires an engine to the partition's stores and staging log.
func NewEngine(rules *RuleSet, ord *orders.Store, pos *positions.Store, staged *staging.Log, opts ...EngineOption) *Engine {
	e := &Engine{
		rules:     rules,
		orders:    ord,
		positions: pos,
		staged:    staged,
		log:       observability.Log(),
		now:       func() int64 { return time.Now().UnixMilli() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the rule set.
func (e *Engine) Rules() *RuleSet { return e.rules }

// Evaluate checks order against the rules of target. It returns the number
// of the first rule that triggers together with the trigger details, or
// (0, "") when the order passes.
func (e *Engine) Evaluate(order *schema.OrderRecord, target Target, strategy Strategy, value decimal.Decimal) (int, string) {
	for _, r := range e.rules.RulesFor(target) {
		cv, err := condition.ValueOfOrder(order, r.fields)
		if err != nil {
			e.log.Warn("build condition value failed",
				observability.F("rule", r.String()), observability.F("error", err))
			continue
		}
		matched, err := condition.Match(cv, r.template)
		if err != nil {
			e.log.Warn("match condition template failed",
				observability.F("rule", r.String()), observability.F("error", err))
			continue
		}
		if !matched {
			continue
		}

		var msg string
		if r.Target.derived() {
			msg = e.checkDerived(order, r)
		} else {
			msg = e.check(order, r, cv.String(), strategy, value)
		}
		if msg == "" {
			continue
		}
		return r.No, e.trigger(order, r, msg)
	}
	return 0, ""
}

func (e *Engine) check(order *schema.OrderRecord, r *Rule, cv string, strategy Strategy, value decimal.Decimal) string {
	switch r.LimitType {
	case LimitEachTime:
		if value.GreaterThan(r.Limit) {
			return fmt.Sprintf("Trigger risk ctrl [%s]. [%s > %s] %d", r, value, r.Limit, order.OrderID)
		}
	case LimitTotal:
		return e.checkTotal(order, r, cv, strategy, value)
	case LimitWithinTime:
		return e.checkWindow(order, r, cv, strategy)
	}
	return ""
}

func (e *Engine) checkTotal(order *schema.OrderRecord, r *Rule, cv string, strategy Strategy, value decimal.Decimal) string {
	switch strategy {
	case Compare:
		st := e.stateOf(r, cv)
		if st.total.GreaterThan(r.Limit) {
			return fmt.Sprintf("Trigger risk ctrl [%s]. [%s > %s] %d", r, st.total, r.Limit, order.OrderID)
		}
		return ""
	case Update:
		e.stageAdd(e.stateOf(r, cv), value)
		return ""
	}

	if _, tracked := r.states[cv]; !tracked && value.GreaterThan(r.Limit) {
		return fmt.Sprintf("Trigger risk ctrl, cur value is greater than the accumulated value. [%s]. [%s > %s] %d",
			r, value, r.Limit, order.OrderID)
	}
	st := e.stateOf(r, cv)
	next := st.total.Add(value)
	if next.GreaterThan(r.Limit) {
		return fmt.Sprintf("Trigger risk ctrl [%s]. [%s > %s] %d", r, next, r.Limit, order.OrderID)
	}
	e.stageAdd(st, value)
	return ""
}

func (e *Engine) checkWindow(order *schema.OrderRecord, r *Rule, cv string, strategy Strategy) string {
	now := e.now()
	st := e.stateOf(r, cv)
	if strategy != Update {
		elapsed := now - st.Oldest()
		if elapsed < r.Interval {
			return fmt.Sprintf("Trigger risk ctrl [%s]. [%d < %d] %d", r, elapsed, r.Interval, order.OrderID)
		}
	}
	if strategy != Compare {
		e.staged.Stage(staging.Mutation{Target: st, Op: staging.OpPush, Key: st.key, At: now})
	}
	return ""
}

// checkDerived recomputes hold and open-today metrics from the stores. The
// order under evaluation is already live in the order store and is counted
// there.
func (e *Engine) checkDerived(order *schema.OrderRecord, r *Rule) string {
	total := decimal.Zero

	if e.positions != nil {
		legs, err := e.positions.QueryByTemplate(r.template)
		if err != nil {
			e.log.Warn("query positions by condition failed",
				observability.F("rule", r.String()), observability.F("error", err))
		}
		for _, leg := range legs {
			switch r.Target {
			case HoldVolTotal:
				total = total.Add(leg.Pos.Abs())
			case HoldAmtTotal:
				total = total.Add(leg.Pos.Abs().Mul(leg.AvgOpenPrice))
			case OpenTDayTotal:
				total = total.Add(leg.TotalOpenSize.Sub(leg.PreTotalOpenSize).Abs())
			}
		}
	}

	if e.orders != nil {
		live, err := e.orders.QueryByTemplate(r.template)
		if err != nil {
			e.log.Warn("query orders by condition failed",
				observability.F("rule", r.String()), observability.F("error", err))
		}
		for _, o := range live {
			undealt := o.OrderSize.Sub(o.DealSize.Abs())
			switch r.Target {
			case HoldVolTotal:
				total = total.Add(undealt)
			case HoldAmtTotal:
				total = total.Add(undealt.Mul(o.OrderPrice))
			case OpenTDayTotal:
				total = total.Add(o.UndealtSize())
			}
		}
	}

	if !total.GreaterThan(r.Limit) {
		e.log.Debug("flow control not triggered",
			observability.F("rule", r.String()),
			observability.F("value", total.String()),
			observability.F("order", order.ShortString()))
		return ""
	}
	if r.Target == OpenTDayTotal {
		return fmt.Sprintf("Trigger risk ctrl [%s]. [%s > %s] %s", r, total, r.Limit, order.ShortString())
	}
	return fmt.Sprintf("Trigger risk ctrl [%s]. [%s > %s] %d", r, total, r.Limit, order.OrderID)
}

func (e *Engine) stageAdd(st *LimitState, value decimal.Decimal) {
	e.staged.Stage(staging.Mutation{Target: st, Op: staging.OpAdd, Key: st.key, Amount: value})
}

// stateOf returns the limit state of a condition value, restoring it from
// the counter store the first time it is seen.
func (e *Engine) stateOf(r *Rule, cv string) *LimitState {
	if st, ok := r.states[cv]; ok {
		return st
	}
	key := r.stateKey(cv)
	var st *LimitState
	if e.store != nil {
		stored, found, err := counterstore.LoadOrInit(context.Background(), e.store, key, counterstore.State{})
		switch {
		case err != nil:
			e.log.Warn("load limit state failed, starting empty",
				observability.F("key", key), observability.F("error", err))
		case found:
			st = stateFrom(key, stored, e.store)
			if r.LimitType == LimitWithinTime {
				st.resize(r.RingSize)
			}
			e.log.Info("limit state restored", observability.F("key", key))
		}
	}
	if st == nil {
		if r.LimitType == LimitWithinTime {
			st = newRingState(key, r.RingSize, e.store)
		} else {
			st = newTotalState(key, e.store)
		}
	}
	r.states[cv] = st
	if n := len(r.states); n%100 == 0 {
		e.log.Warn("limit state list is growing",
			observability.F("size", n), observability.F("rule", r.String()))
	}
	return st
}

type triggerDetails struct {
	MsgName    string          `json:"msgName"`
	Name       Target          `json:"name"`
	StatusCode int             `json:"statusCode"`
	StatusMsg  string          `json:"statusMsg"`
	OrderInfo  json.RawMessage `json:"orderInfo"`
}

func (e *Engine) trigger(order *schema.OrderRecord, r *Rule, msg string) string {
	raw, err := json.Marshal(triggerDetails{
		MsgName:    msgTriggerRiskCtrl,
		Name:       r.Target,
		StatusCode: r.No,
		StatusMsg:  msg,
		OrderInfo:  json.RawMessage(order.ToJSON()),
	})
	if err != nil {
		e.log.Error("encode trigger details failed", observability.F("error", err))
	}
	details := string(raw)
	e.log.Warn(msg, observability.F("target", string(r.Target)), observability.F("ruleNo", r.No))

	ruleJSON, _ := json.Marshal(r)
	if e.sink != nil {
		e.sink.SaveTrigger(TriggerInfo{
			Name:       string(r.Target),
			StatusCode: r.No,
			StatusMsg:  msg,
			Details:    details,
			Rule:       string(ruleJSON),
			OrderID:    order.OrderID,
			At:         time.UnixMilli(e.now()),
		})
	}
	return details
}
