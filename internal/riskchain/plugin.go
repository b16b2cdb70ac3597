// Package riskchain runs pre-trade risk plugins in a fixed order. Every
// callback returns a status code and a details string; the first plugin that
// returns a non-zero code stops the chain.
package riskchain

import (
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/observability"
)

// Plugin is one stage of the risk chain. Implementations are owned by a
// single partition and are called from its goroutine only.
type Plugin interface {
	Name() string
	OnOrder(order *schema.OrderRecord) (int, string)
	OnCancelOrder(order *schema.OrderRecord) (int, string)
	OnOrderRet(ret *schema.OrderRecord) (int, string)
	OnCancelOrderRet(ret *schema.OrderRecord) (int, string)
	OnRuleChange(msg []byte) error
}

// Verdict is the outcome of running the chain.
type Verdict struct {
	StatusCode int
	Details    string
	Plugin     string
}

// Rejected reports whether a plugin vetoed the request.
func (v Verdict) Rejected() bool { return v.StatusCode != schema.StatusOK }

// Chain runs plugins in registration order.
type Chain struct {
	plugins []Plugin
	log     observability.Logger
}

// NewChain builds a chain from plugins. Nil plugins are skipped.
func NewChain(logger observability.Logger, plugins ...Plugin) *Chain {
	if logger == nil {
		logger = observability.Log()
	}
	c := &Chain{log: logger}
	for _, p := range plugins {
		if p != nil {
			c.plugins = append(c.plugins, p)
		}
	}
	return c
}

// Plugins returns the registered plugins.
func (c *Chain) Plugins() []Plugin {
	out := make([]Plugin, len(c.plugins))
	copy(out, c.plugins)
	return out
}

// OnOrder checks a new order request.
func (c *Chain) OnOrder(order *schema.OrderRecord) Verdict {
	return c.run(order, Plugin.OnOrder)
}

// OnCancelOrder checks a cancel request.
func (c *Chain) OnCancelOrder(order *schema.OrderRecord) Verdict {
	return c.run(order, Plugin.OnCancelOrder)
}

// OnOrderRet feeds an order acknowledgment to the plugins.
func (c *Chain) OnOrderRet(ret *schema.OrderRecord) Verdict {
	return c.run(ret, Plugin.OnOrderRet)
}

// OnCancelOrderRet feeds a cancel acknowledgment to the plugins.
func (c *Chain) OnCancelOrderRet(ret *schema.OrderRecord) Verdict {
	return c.run(ret, Plugin.OnCancelOrderRet)
}

// OnRuleChange hands a rule change message to every plugin. Errors are
// collected so one failing plugin does not starve the others.
func (c *Chain) OnRuleChange(msg []byte) error {
	var failed []error
	for _, p := range c.plugins {
		if err := p.OnRuleChange(msg); err != nil {
			failed = append(failed, err)
		}
	}
	return observability.AggregateErrors("apply rule change", failed)
}

func (c *Chain) run(order *schema.OrderRecord, call func(Plugin, *schema.OrderRecord) (int, string)) Verdict {
	for _, p := range c.plugins {
		code, details := call(p, order)
		if code == schema.StatusOK {
			continue
		}
		c.log.Debug("risk chain stopped",
			observability.F("plugin", p.Name()),
			observability.F("statusCode", code),
			observability.F("orderId", order.OrderID))
		return Verdict{StatusCode: code, Details: details, Plugin: p.Name()}
	}
	return Verdict{}
}
