package riskchain

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/observability"
)

const (
	// ThrottlePluginName is the plugin name of the order-rate stage.
	ThrottlePluginName = "risk-plugin-throttle"
	throttleRiskName   = "OrderThrottle"
)

// ThrottleLimits defines the per-account order rate.
type ThrottleLimits struct {
	// OrdersPerSecond is the sustained order rate of one account. Zero or
	// less disables throttling.
	OrdersPerSecond float64 `yaml:"ordersPerSecond"`

	// Burst is the number of orders an idle account may send at once.
	Burst int `yaml:"burst"`
}

// ThrottlePlugin enforces a token bucket per account. It never blocks: an
// order that finds the bucket empty is rejected.
type ThrottlePlugin struct {
	limits   ThrottleLimits
	limiters map[uint64]*rate.Limiter
	sink     flowctrl.TriggerSink
	log      observability.Logger
	now      func() time.Time
}

// NewThrottlePlugin creates a throttle with the given limits.
func NewThrottlePlugin(limits ThrottleLimits, sink flowctrl.TriggerSink, logger observability.Logger) *ThrottlePlugin {
	if limits.Burst <= 0 {
		limits.Burst = 1
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &ThrottlePlugin{
		limits:   limits,
		limiters: make(map[uint64]*rate.Limiter),
		sink:     sink,
		log:      logger,
		now:      time.Now,
	}
}

// Name implements Plugin.
func (p *ThrottlePlugin) Name() string { return ThrottlePluginName }

// OnOrder implements Plugin.
func (p *ThrottlePlugin) OnOrder(order *schema.OrderRecord) (int, string) {
	if p.limits.OrdersPerSecond <= 0 {
		return schema.StatusOK, ""
	}
	now := p.now()
	if p.limiterOf(order.AcctID).AllowN(now, 1) {
		return schema.StatusOK, ""
	}
	msg := fmt.Sprintf("Trigger order throttle [%g/s burst %d] %d", p.limits.OrdersPerSecond, p.limits.Burst, order.OrderID)
	p.log.Warn(msg, observability.F("acctId", order.AcctID))
	details := makeDetails(throttleRiskName, schema.StatusThrottled, msg, order)
	saveTrigger(p.sink, throttleRiskName, schema.StatusThrottled, msg, details, order, now.UnixMilli())
	return schema.StatusThrottled, details
}

// OnCancelOrder implements Plugin.
func (p *ThrottlePlugin) OnCancelOrder(*schema.OrderRecord) (int, string) {
	return schema.StatusOK, ""
}

// OnOrderRet implements Plugin.
func (p *ThrottlePlugin) OnOrderRet(*schema.OrderRecord) (int, string) {
	return schema.StatusOK, ""
}

// OnCancelOrderRet implements Plugin.
func (p *ThrottlePlugin) OnCancelOrderRet(*schema.OrderRecord) (int, string) {
	return schema.StatusOK, ""
}

// OnRuleChange implements Plugin.
func (p *ThrottlePlugin) OnRuleChange([]byte) error { return nil }

func (p *ThrottlePlugin) limiterOf(acctID uint64) *rate.Limiter {
	l, ok := p.limiters[acctID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(p.limits.OrdersPerSecond), p.limits.Burst)
		p.limiters[acctID] = l
	}
	return l
}
