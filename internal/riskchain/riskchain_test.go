package riskchain

import (
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/orders"
	"github.com/coachpo/tradeguard/internal/positions"
	"github.com/coachpo/tradeguard/internal/staging"
)

func newOrder(id uint64) *schema.OrderRecord {
	return &schema.OrderRecord{
		OrderID:      id,
		AcctID:       10000,
		MarketCode:   "SSE",
		SymbolType:   schema.SymbolTypeCNMainBoard,
		SymbolCode:   "600000",
		Side:         schema.SideBid,
		PosDirection: schema.PosDirectionOpen,
		PosSide:      schema.PosSideBoth,
		OrderType:    schema.OrderTypeLimit,
		OrderPrice:   decimal.NewFromInt(100),
		OrderSize:    decimal.NewFromInt(10),
		OrderStatus:  schema.OrderStatusPending,
	}
}

type stubPlugin struct {
	name    string
	code    int
	calls   int
	changes int
	err     error
}

func (s *stubPlugin) Name() string { return s.name }
func (s *stubPlugin) OnOrder(*schema.OrderRecord) (int, string) {
	s.calls++
	return s.code, s.name
}
func (s *stubPlugin) OnCancelOrder(o *schema.OrderRecord) (int, string) { return s.OnOrder(o) }
func (s *stubPlugin) OnOrderRet(*schema.OrderRecord) (int, string) { return 0, "" }
func (s *stubPlugin) OnCancelOrderRet(*schema.OrderRecord) (int, string) { return 0, "" }
func (s *stubPlugin) OnRuleChange([]byte) error {
	s.changes++
	return s.err
}

type recordingSink struct{ infos []flowctrl.TriggerInfo }

func (s *recordingSink) SaveTrigger(info flowctrl.TriggerInfo) { s.infos = append(s.infos, info) }

func TestChainShortCircuits(t *testing.T) {
	first := &stubPlugin{name: "first"}
	second := &stubPlugin{name: "second", code: 42}
	third := &stubPlugin{name: "third", code: 7}
	chain := NewChain(nil, first, nil, second, third)
	require.Len(t, chain.Plugins(), 3)

	v := chain.OnOrder(newOrder(1))
	require.True(t, v.Rejected())
	require.Equal(t, 42, v.StatusCode)
	require.Equal(t, "second", v.Plugin)
	require.Equal(t, "second", v.Details)
	require.Equal(t, 1, first.calls)
	require.Equal(t, 1, second.calls)
	require.Zero(t, third.calls)

	require.False(t, chain.OnOrderRet(newOrder(1)).Rejected())
}

func TestChainBroadcastsRuleChanges(t *testing.T) {
	boom := errors.New("boom")
	a := &stubPlugin{name: "a", err: boom}
	b := &stubPlugin{name: "b"}
	err := NewChain(nil, a, b).OnRuleChange([]byte(`{}`))
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, a.changes)
	require.Equal(t, 1, b.changes)
}

type flowFixture struct {
	orders *orders.Store
	staged *staging.Log
	sink   *recordingSink
	plugin *FlowControlPlugin
}

func newFlowFixture(t *testing.T, defs []flowctrl.RuleDef, opts ...FlowControlOption) *flowFixture {
	t.Helper()
	rules := flowctrl.NewRuleSet("acctId", "", nil)
	require.NoError(t, rules.Load(defs))
	f := &flowFixture{
		orders: orders.New(),
		staged: staging.NewLog(nil),
		sink:   &recordingSink{},
	}
	engine := flowctrl.NewEngine(rules, f.orders, positions.New(), f.staged,
		flowctrl.WithTriggerSink(f.sink),
		flowctrl.WithClock(func() int64 { return 10_000 }))
	f.plugin = NewFlowControlPlugin(engine, opts...)
	return f
}

func rule(no int, target flowctrl.Target, limit string) flowctrl.RuleDef {
	return flowctrl.RuleDef{No: no, Step: "acctId", Target: string(target), Condition: "acctId=10000", LimitValue: limit, Action: "RejectOrder"}
}

func TestFlowControlPluginRejectsWithExceedCode(t *testing.T) {
	f := newFlowFixture(t, []flowctrl.RuleDef{
		rule(7, flowctrl.OrderAmtTotal, "1500"),
		rule(3, flowctrl.OrderSizeEachTime, "5"),
	})

	code, details := f.plugin.OnOrder(newOrder(1))
	require.Equal(t, schema.StatusExceedFlowCtrl, code)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal([]byte(details), &parsed))
	require.Equal(t, "OrderSizeEachTime", parsed["name"])
	require.EqualValues(t, 3, parsed["statusCode"])
	require.Zero(t, f.staged.Len())
}

func TestFlowControlPluginSwitches(t *testing.T) {
	var decisions []flowctrl.Target
	switches := DefaultSwitches()
	switches[flowctrl.OrderSizeEachTime] = false
	f := newFlowFixture(t, []flowctrl.RuleDef{rule(3, flowctrl.OrderSizeEachTime, "5")},
		WithSwitches(switches),
		WithDecisionHook(func(target flowctrl.Target, rejected bool) {
			require.False(t, rejected)
			decisions = append(decisions, target)
		}))

	code, _ := f.plugin.OnOrder(newOrder(1))
	require.Zero(t, code)
	require.Len(t, decisions, len(flowctrl.Targets)-3)
	require.Equal(t, flowctrl.OrderSizeTotal, decisions[0])
	require.NotContains(t, decisions, flowctrl.OrderSizeEachTime)
}

func TestFlowControlPluginCountsCancels(t *testing.T) {
	f := newFlowFixture(t, []flowctrl.RuleDef{rule(9, flowctrl.CancelOrderTimesTotal, "1")})

	code, _ := f.plugin.OnCancelOrder(newOrder(1))
	require.Zero(t, code)
	_, err := f.staged.Commit()
	require.NoError(t, err)

	code, _ = f.plugin.OnCancelOrder(newOrder(2))
	require.Equal(t, schema.StatusExceedFlowCtrl, code)
	f.staged.Rollback()

	code, _ = f.plugin.OnCancelOrderRet(newOrder(2))
	require.Zero(t, code)
}

func TestFlowControlPluginCountsRejectsOnce(t *testing.T) {
	f := newFlowFixture(t, []flowctrl.RuleDef{rule(4, flowctrl.RejectOrderTimesTotal, "1")},
		WithDedupCapacity(8))

	reject := newOrder(1)
	reject.OrderStatus = schema.OrderStatusFailed
	reject.StatusCode = -18001

	for i := 0; i < 3; i++ {
		code, _ := f.plugin.OnOrderRet(reject)
		require.Zero(t, code)
	}
	require.Equal(t, 1, f.staged.Len())
	_, err := f.staged.Commit()
	require.NoError(t, err)

	code, _ := f.plugin.OnOrder(newOrder(2))
	require.Zero(t, code, "one reject does not exceed the limit")

	accepted := newOrder(3)
	accepted.StatusCode = -18100
	f.plugin.OnOrderRet(accepted)
	require.Zero(t, f.staged.Len(), "codes outside the reject range are ignored")

	second := newOrder(4)
	second.StatusCode = -18000
	f.plugin.OnOrderRet(second)
	_, err = f.staged.Commit()
	require.NoError(t, err)

	code, details := f.plugin.OnOrder(newOrder(5))
	require.Equal(t, schema.StatusExceedFlowCtrl, code)
	require.Contains(t, details, "[2 > 1] 5")
}

func TestFlowControlPluginAppliesRuleChanges(t *testing.T) {
	f := newFlowFixture(t, nil)
	msg, err := flowctrl.ChangeMessage{
		PluginName:   flowctrl.DefaultPluginName,
		TableChgType: flowctrl.ChangeAdd,
		Data:         rule(1, flowctrl.OrderSizeEachTime, "1"),
	}.Encode()
	require.NoError(t, err)
	require.NoError(t, f.plugin.OnRuleChange(msg))

	code, _ := f.plugin.OnOrder(newOrder(1))
	require.Equal(t, schema.StatusExceedFlowCtrl, code)
}

func TestDedupEvictsLeastRecentlyUsed(t *testing.T) {
	d := newDedup(2)
	require.False(t, d.seen("a"))
	require.False(t, d.seen("b"))
	require.True(t, d.seen("a"))
	require.False(t, d.seen("c"))
	require.Equal(t, 2, d.len())
	require.False(t, d.seen("b"), "b was evicted")
	require.True(t, d.seen("c"))
}

func TestOpenPendingPlugin(t *testing.T) {
	store := orders.New()
	sink := &recordingSink{}
	p := NewOpenPendingPlugin(store, nil, sink, nil)

	open := newOrder(1)
	open.MarketCode = "DCE"
	open.SymbolType = schema.SymbolTypeCNFutures
	open.SymbolCode = "m2409"
	require.NoError(t, store.Add(open))

	closing := open.Clone()
	closing.OrderID = 2
	closing.Side = schema.SideAsk
	closing.PosDirection = schema.PosDirectionClose
	require.NoError(t, store.Add(closing))

	code, details := p.OnOrder(closing)
	require.Equal(t, schema.StatusExistsOpenPending, code)
	require.Contains(t, details, "exists open pending orders")
	require.Len(t, sink.infos, 1)
	require.Equal(t, uint64(2), sink.infos[0].OrderID)

	sse := newOrder(3)
	sse.PosDirection = schema.PosDirectionClose
	code, _ = p.OnOrder(sse)
	require.Zero(t, code, "market not configured")

	opening := open.Clone()
	opening.OrderID = 4
	code, _ = p.OnOrder(opening)
	require.Zero(t, code, "only closing orders are checked")

	require.NoError(t, store.Remove(1))
	code, _ = p.OnOrder(closing)
	require.Zero(t, code)
}

func TestThrottlePlugin(t *testing.T) {
	sink := &recordingSink{}
	p := NewThrottlePlugin(ThrottleLimits{OrdersPerSecond: 1, Burst: 2}, sink, nil)
	now := time.UnixMilli(1_700_000_000_000)
	p.now = func() time.Time { return now }

	for i := uint64(1); i <= 2; i++ {
		code, _ := p.OnOrder(newOrder(i))
		require.Zero(t, code)
	}
	code, details := p.OnOrder(newOrder(3))
	require.Equal(t, schema.StatusThrottled, code)
	require.Contains(t, details, `"name":"OrderThrottle"`)
	require.Len(t, sink.infos, 1)

	other := newOrder(4)
	other.AcctID = 20000
	code, _ = p.OnOrder(other)
	require.Zero(t, code, "buckets are per account")

	now = now.Add(time.Second)
	code, _ = p.OnOrder(newOrder(5))
	require.Zero(t, code)

	disabled := NewThrottlePlugin(ThrottleLimits{}, nil, nil)
	for i := uint64(1); i <= 10; i++ {
		code, _ := disabled.OnOrder(newOrder(i))
		require.Zero(t, code)
	}
}
