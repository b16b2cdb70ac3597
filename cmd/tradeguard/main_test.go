package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/domain/tradestore"
	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/infra/config"
	"github.com/coachpo/tradeguard/internal/observability"
	"github.com/coachpo/tradeguard/internal/orders"
	"github.com/coachpo/tradeguard/internal/partition"
)

type fakeRules struct {
	rows     map[int]tradestore.RuleRow
	upserted []int
	listErr  error
}

func (f *fakeRules) UpsertRule(_ context.Context, def flowctrl.RuleDef, enabled bool) error {
	if f.rows == nil {
		f.rows = make(map[int]tradestore.RuleRow)
	}
	f.rows[def.No] = tradestore.RuleRow{RuleDef: def, Enabled: enabled}
	f.upserted = append(f.upserted, def.No)
	return nil
}

func (f *fakeRules) DeleteRule(_ context.Context, no int) error {
	delete(f.rows, no)
	return nil
}

func (f *fakeRules) ListRules(_ context.Context, step string) ([]tradestore.RuleRow, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]tradestore.RuleRow, 0, len(f.rows))
	for no := 1; no <= 100; no++ {
		r, ok := f.rows[no]
		if ok && (step == "" || r.Step == step) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeSnapshots struct {
	live, closed []*schema.OrderRecord
	legs         []*schema.PositionRecord
}

func (f *fakeSnapshots) ListOrders(_ context.Context, q tradestore.OrderQuery) ([]*schema.OrderRecord, error) {
	if q.LiveOnly {
		return f.live, nil
	}
	return f.closed, nil
}

func (f *fakeSnapshots) ListPositions(context.Context, uint64) ([]*schema.PositionRecord, error) {
	return f.legs, nil
}

func ruleDef(no int) flowctrl.RuleDef {
	return flowctrl.RuleDef{
		No:         no,
		Step:       "acctId",
		Target:     "OrderSizeEachTime",
		Condition:  "acctId=10000",
		LimitValue: "100",
		Action:     "RejectOrder",
	}
}

func testConfig(partitions int) config.AppConfig {
	cfg := config.Default()
	cfg.Partitions.Count = config.Partitions(partitions)
	cfg.FlowControl.Step = "acctId"
	return cfg
}

func TestResolveConfigPath(t *testing.T) {
	t.Setenv("TRADEGUARD_CONFIG", "")
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
	require.Equal(t, filepath.Clean(defaultConfigPath), resolveConfigPath(""))

	t.Setenv("TRADEGUARD_CONFIG", "/etc/tradeguard.yaml")
	require.Equal(t, "/etc/tradeguard.yaml", resolveConfigPath(""))
	require.Equal(t, "custom.yaml", resolveConfigPath("custom.yaml"))
}

func TestOpenCounterStoreBackends(t *testing.T) {
	ctx := context.Background()

	mem, err := openCounterStore(ctx, config.CounterStoreConfig{Backend: config.CounterMemory}, nil)
	require.NoError(t, err)
	require.NoError(t, mem.Close())

	badger, err := openCounterStore(ctx, config.CounterStoreConfig{
		Backend: config.CounterBadger,
		Path:    filepath.Join(t.TempDir(), "counters"),
	}, nil)
	require.NoError(t, err)
	require.NoError(t, badger.Close())

	_, err = openCounterStore(ctx, config.CounterStoreConfig{Backend: config.CounterPostgres}, nil)
	require.Error(t, err)
}

func TestSeedRulesWritesConfigAndReturnsEnabled(t *testing.T) {
	rules := &fakeRules{}
	require.NoError(t, rules.UpsertRule(context.Background(), ruleDef(9), false))
	rules.upserted = nil

	cfg := config.FlowControlConfig{Step: "acctId", Rules: []flowctrl.RuleDef{ruleDef(1), ruleDef(2)}}
	defs, err := seedRules(context.Background(), rules, cfg)
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, rules.upserted)
	require.Len(t, defs, 2)
	require.Equal(t, 1, defs[0].No)
	require.Equal(t, 2, defs[1].No)
}

func TestSeedRulesReportsListFailure(t *testing.T) {
	rules := &fakeRules{listErr: errors.New("boom")}
	_, err := seedRules(context.Background(), rules, config.FlowControlConfig{Step: "acctId"})
	require.ErrorContains(t, err, "list rules")
}

func TestBuildPartitionsLoadsRulesIntoEveryPartition(t *testing.T) {
	cfg := testConfig(3)
	parts, err := buildPartitions(context.Background(), cfg, partitionDeps{
		logger: observability.Log(),
		rules:  []flowctrl.RuleDef{ruleDef(1), ruleDef(2)},
	})
	require.NoError(t, err)
	require.Len(t, parts, 3)
	require.Len(t, parts.handlers(), 3)
	for _, st := range parts {
		require.NotNil(t, st.handler)
		require.Same(t, st.orders, st.handler.Orders())
		require.Same(t, st.positions, st.handler.Positions())
	}
}

func TestBuildPartitionsRejectsDuplicateRules(t *testing.T) {
	_, err := buildPartitions(context.Background(), testConfig(1), partitionDeps{
		logger: observability.Log(),
		rules:  []flowctrl.RuleDef{ruleDef(1), ruleDef(1)},
	})
	require.Error(t, err)
}

func TestLoadSnapshotsRoutesRecordsToOwningPartition(t *testing.T) {
	cfg := testConfig(4)
	parts, err := buildPartitions(context.Background(), cfg, partitionDeps{logger: observability.Log()})
	require.NoError(t, err)
	router, err := partition.NewRouter(parts.handlers(), cfg.Partitions.HashFields, cfg.Partitions.QueueSize, observability.Log())
	require.NoError(t, err)

	var (
		live   []*schema.OrderRecord
		closed []*schema.OrderRecord
		legs   []*schema.PositionRecord
	)
	for acct := uint64(1); acct <= 8; acct++ {
		order := &schema.OrderRecord{OrderID: acct, AcctID: acct, MarketCode: "SSE", SymbolCode: "600000", OrderStatus: schema.OrderStatusPending}
		live = append(live, order)
		closed = append(closed, &schema.OrderRecord{OrderID: 100 + acct, AcctID: acct, MarketCode: "SSE", OrderStatus: schema.OrderStatusFilled})
		legs = append(legs, schema.NewPositionFromOrder(order, schema.SideBid))
	}

	src := &fakeSnapshots{live: live, closed: closed, legs: legs}
	require.NoError(t, loadSnapshots(context.Background(), src, router, parts, cfg.Orders))

	for _, order := range live {
		idx, err := router.PartitionOf(order)
		require.NoError(t, err)
		_, ok := parts[idx].orders.Lookup(order.OrderID, orders.LiveOnly)
		require.True(t, ok, "order %d should live in partition %d", order.OrderID, idx)
	}
	for _, order := range closed {
		idx, err := router.PartitionOf(order)
		require.NoError(t, err)
		_, ok := parts[idx].orders.Lookup(order.OrderID, orders.IncludeClosed)
		require.True(t, ok, "closed order %d should sit in partition %d", order.OrderID, idx)

		// an ack carrying only the order id still finds the restored order
		bare, err := router.PartitionOf(&schema.OrderRecord{OrderID: order.OrderID})
		require.NoError(t, err)
		require.Equal(t, idx, bare)
	}
	var total int
	for _, st := range parts {
		total += st.positions.Len()
	}
	require.Equal(t, len(legs), total)
	for _, leg := range legs {
		idx, err := router.PartitionOfPosition(leg)
		require.NoError(t, err)
		_, ok := parts[idx].positions.Get(leg.Key())
		require.True(t, ok)
	}
}

func TestClosedRingEvictionReleasesOwner(t *testing.T) {
	cfg := testConfig(1)
	cfg.Orders.ClosedCapacity = 1

	var (
		router  *partition.Router
		evicted []uint64
	)
	parts, err := buildPartitions(context.Background(), cfg, partitionDeps{
		logger: observability.Log(),
		evicted: func(orderID uint64) {
			evicted = append(evicted, orderID)
			router.Forget(orderID)
		},
	})
	require.NoError(t, err)
	router, err = partition.NewRouter(parts.handlers(), cfg.Partitions.HashFields, cfg.Partitions.QueueSize, observability.Log())
	require.NoError(t, err)

	router.Adopt(1, 0)
	router.Adopt(2, 0)
	require.NoError(t, parts[0].orders.Load([]*schema.OrderRecord{
		{OrderID: 1, AcctID: 7, MarketCode: "SSE", OrderStatus: schema.OrderStatusFilled, ClosedTime: 10},
		{OrderID: 2, AcctID: 7, MarketCode: "SSE", OrderStatus: schema.OrderStatusFilled, ClosedTime: 20},
	}))
	require.Equal(t, []uint64{1}, evicted)
}
