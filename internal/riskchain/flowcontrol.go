package riskchain

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/observability"
)

// FlowControlPluginName is the plugin name of the flow-control stage.
const FlowControlPluginName = flowctrl.DefaultPluginName

// Switches enables or disables individual flow-control targets. A target
// missing from the map is enabled.
type Switches map[flowctrl.Target]bool

// DefaultSwitches enables every target.
func DefaultSwitches() Switches {
	out := make(Switches, len(flowctrl.Targets))
	for _, t := range flowctrl.Targets {
		out[t] = true
	}
	return out
}

func (s Switches) enabled(t flowctrl.Target) bool {
	on, ok := s[t]
	return !ok || on
}

// FlowControlOption configures a FlowControlPlugin.
type FlowControlOption func(*FlowControlPlugin)

// WithSwitches overrides the target switches.
func WithSwitches(s Switches) FlowControlOption {
	return func(p *FlowControlPlugin) {
		if s != nil {
			p.switches = s
		}
	}
}

// WithDedupCapacity bounds the reject-acknowledgment dedup cache.
func WithDedupCapacity(n int) FlowControlOption {
	return func(p *FlowControlPlugin) { p.seen = newDedup(n) }
}

// WithDecisionHook registers a callback invoked with every evaluated target
// and whether it rejected.
func WithDecisionHook(fn func(target flowctrl.Target, rejected bool)) FlowControlOption {
	return func(p *FlowControlPlugin) { p.onDecision = fn }
}

// WithPluginLogger overrides the plugin logger.
func WithPluginLogger(l observability.Logger) FlowControlOption {
	return func(p *FlowControlPlugin) {
		if l != nil {
			p.log = l
		}
	}
}

// FlowControlPlugin checks orders and cancels against the flow-control rules
// and counts exchange rejections.
type FlowControlPlugin struct {
	engine     *flowctrl.Engine
	switches   Switches
	seen       *dedup
	log        observability.Logger
	onDecision func(flowctrl.Target, bool)
}

// NewFlowControlPlugin wraps engine.
func NewFlowControlPlugin(engine *flowctrl.Engine, opts ...FlowControlOption) *FlowControlPlugin {
	p := &FlowControlPlugin{
		engine:   engine,
		switches: DefaultSwitches(),
		seen:     newDedup(DefaultDedupCapacity),
		log:      observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Name implements Plugin.
func (p *FlowControlPlugin) Name() string { return FlowControlPluginName }

type check struct {
	target   flowctrl.Target
	strategy flowctrl.Strategy
	value    decimal.Decimal
}

// OnOrder implements Plugin.
func (p *FlowControlPlugin) OnOrder(order *schema.OrderRecord) (int, string) {
	one := decimal.NewFromInt(1)
	amt := order.OrderSize.Mul(order.OrderPrice)
	checks := []check{
		{flowctrl.OrderSizeEachTime, flowctrl.CompareAndUpdate, order.OrderSize},
		{flowctrl.OrderSizeTotal, flowctrl.CompareAndUpdate, order.OrderSize},
		{flowctrl.OrderAmtEachTime, flowctrl.CompareAndUpdate, amt},
		{flowctrl.OrderAmtTotal, flowctrl.CompareAndUpdate, amt},
		{flowctrl.OrderTimesTotal, flowctrl.CompareAndUpdate, one},
		{flowctrl.OrderTimesWithinTime, flowctrl.CompareAndUpdate, one},
		{flowctrl.RejectOrderTimesTotal, flowctrl.Compare, one},
		{flowctrl.RejectOrderTimesWithinTime, flowctrl.Compare, one},
		{flowctrl.HoldVolTotal, flowctrl.CompareAndUpdate, decimal.Zero},
		{flowctrl.HoldAmtTotal, flowctrl.CompareAndUpdate, decimal.Zero},
		{flowctrl.OpenTDayTotal, flowctrl.CompareAndUpdate, decimal.Zero},
	}
	return p.run(order, checks)
}

// OnCancelOrder implements Plugin.
func (p *FlowControlPlugin) OnCancelOrder(order *schema.OrderRecord) (int, string) {
	one := decimal.NewFromInt(1)
	return p.run(order, []check{
		{flowctrl.CancelOrderTimesTotal, flowctrl.CompareAndUpdate, one},
		{flowctrl.CancelOrderTimesWithinTime, flowctrl.CompareAndUpdate, one},
	})
}

// OnOrderRet counts exchange rejections. Each (order, target) pair is counted
// once however often the rejection is acknowledged.
func (p *FlowControlPlugin) OnOrderRet(ret *schema.OrderRecord) (int, string) {
	if !schema.IsExternalReject(ret.StatusCode) {
		return schema.StatusOK, ""
	}
	one := decimal.NewFromInt(1)
	for _, target := range []flowctrl.Target{flowctrl.RejectOrderTimesTotal, flowctrl.RejectOrderTimesWithinTime} {
		if !p.switches.enabled(target) {
			continue
		}
		key := fmt.Sprintf("%d - %s", ret.OrderID, target)
		if p.seen.seen(key) {
			p.log.Warn("reject acknowledgment already counted",
				observability.F("key", key), observability.F("order", ret.ShortString()))
			return schema.StatusOK, ""
		}
		p.engine.Evaluate(ret, target, flowctrl.Update, one)
	}
	return schema.StatusOK, ""
}

// OnCancelOrderRet implements Plugin.
func (p *FlowControlPlugin) OnCancelOrderRet(*schema.OrderRecord) (int, string) {
	return schema.StatusOK, ""
}

// OnRuleChange applies a rule table change to the engine's rule set.
func (p *FlowControlPlugin) OnRuleChange(msg []byte) error {
	return p.engine.Rules().ApplyChange(msg)
}

func (p *FlowControlPlugin) run(order *schema.OrderRecord, checks []check) (int, string) {
	for _, c := range checks {
		if !p.switches.enabled(c.target) {
			continue
		}
		_, details := p.engine.Evaluate(order, c.target, c.strategy, c.value)
		rejected := details != ""
		if p.onDecision != nil {
			p.onDecision(c.target, rejected)
		}
		if rejected {
			return schema.StatusExceedFlowCtrl, details
		}
	}
	return schema.StatusOK, ""
}
