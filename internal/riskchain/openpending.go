package riskchain

import (
	"fmt"
	"slices"
	"time"

	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/observability"
	"github.com/coachpo/tradeguard/internal/orders"
)

const (
	// OpenPendingPluginName is the plugin name of the open-pending stage.
	OpenPendingPluginName = "risk-plugin-close-tday"
	openPendingRiskName   = "CloseTDayCtrl"
)

// DefaultCloseTodayMarkets lists the markets where closing today's position
// is charged differently and must be avoided.
var DefaultCloseTodayMarkets = []string{"CZCE", "DCE", "CFFEX"}

// OpenPendingPlugin rejects closing orders while an opening order of the same
// account and instrument is still live.
type OpenPendingPlugin struct {
	orders  *orders.Store
	markets []string
	sink    flowctrl.TriggerSink
	log     observability.Logger
	now     func() int64
}

// NewOpenPendingPlugin checks closing orders on markets against store. An
// empty market list selects DefaultCloseTodayMarkets.
func NewOpenPendingPlugin(store *orders.Store, markets []string, sink flowctrl.TriggerSink, logger observability.Logger) *OpenPendingPlugin {
	if len(markets) == 0 {
		markets = DefaultCloseTodayMarkets
	}
	if logger == nil {
		logger = observability.Log()
	}
	return &OpenPendingPlugin{
		orders:  store,
		markets: slices.Clone(markets),
		sink:    sink,
		log:     logger,
		now:     func() int64 { return time.Now().UnixMilli() },
	}
}

// Name implements Plugin.
func (p *OpenPendingPlugin) Name() string { return OpenPendingPluginName }

// OnOrder implements Plugin.
func (p *OpenPendingPlugin) OnOrder(order *schema.OrderRecord) (int, string) {
	if order.PosDirection != schema.PosDirectionClose || !slices.Contains(p.markets, order.MarketCode) {
		return schema.StatusOK, ""
	}
	if !p.orders.ExistsOpenPendingOrders(order) {
		return schema.StatusOK, ""
	}
	msg := fmt.Sprintf("Reject order because of exists open pending orders. %s", order.InstrumentKey())
	p.log.Warn(msg, observability.F("order", order.ShortString()))
	details := makeDetails(openPendingRiskName, schema.StatusExistsOpenPending, msg, order)
	saveTrigger(p.sink, openPendingRiskName, schema.StatusExistsOpenPending, msg, details, order, p.now())
	return schema.StatusExistsOpenPending, details
}

// OnCancelOrder implements Plugin.
func (p *OpenPendingPlugin) OnCancelOrder(*schema.OrderRecord) (int, string) {
	return schema.StatusOK, ""
}

// OnOrderRet implements Plugin.
func (p *OpenPendingPlugin) OnOrderRet(*schema.OrderRecord) (int, string) {
	return schema.StatusOK, ""
}

// OnCancelOrderRet implements Plugin.
func (p *OpenPendingPlugin) OnCancelOrderRet(*schema.OrderRecord) (int, string) {
	return schema.StatusOK, ""
}

// OnRuleChange implements Plugin. The plugin has no rule table.
func (p *OpenPendingPlugin) OnRuleChange([]byte) error { return nil }
