package main

import (
	"context"
	"fmt"

	"github.com/coachpo/tradeguard/internal/counterstore"
	"github.com/coachpo/tradeguard/internal/domain/schema"
	"github.com/coachpo/tradeguard/internal/domain/tradestore"
	"github.com/coachpo/tradeguard/internal/flowctrl"
	"github.com/coachpo/tradeguard/internal/infra/config"
	"github.com/coachpo/tradeguard/internal/notify"
	"github.com/coachpo/tradeguard/internal/observability"
	"github.com/coachpo/tradeguard/internal/orders"
	"github.com/coachpo/tradeguard/internal/partition"
	"github.com/coachpo/tradeguard/internal/pipeline"
	"github.com/coachpo/tradeguard/internal/positions"
	"github.com/coachpo/tradeguard/internal/riskchain"
	"github.com/coachpo/tradeguard/internal/staging"
	"github.com/coachpo/tradeguard/internal/telemetry"
)

// persister is what the partitions need from the write-behind writer.
type persister interface {
	pipeline.Persister
	flowctrl.TriggerSink
}

type partitionDeps struct {
	counters  counterstore.Store
	writer    persister
	publisher notify.Publisher
	metrics   *telemetry.Metrics
	logger    observability.Logger
	rules     []flowctrl.RuleDef
	// evicted is told the id of every order leaving a closed ring.
	evicted func(orderID uint64)
}

// partitionState is the state one partition goroutine owns.
type partitionState struct {
	orders    *orders.Store
	positions *positions.Store
	handler   *pipeline.Handler
}

type partitionSet []partitionState

func (p partitionSet) handlers() []partition.Handler {
	out := make([]partition.Handler, len(p))
	for i, st := range p {
		out[i] = st.handler
	}
	return out
}

func buildPartitions(ctx context.Context, cfg config.AppConfig, deps partitionDeps) (partitionSet, error) {
	switches, err := cfg.FlowControl.SwitchSet()
	if err != nil {
		return nil, err
	}
	n := cfg.Partitions.Count.Resolve()
	out := make(partitionSet, 0, n)
	for i := 0; i < n; i++ {
		ord := orders.New(
			orders.WithClosedCapacity(cfg.Orders.ClosedCapacity),
			orders.WithLogger(deps.logger),
			orders.WithEvictionHook(func(rec *schema.OrderRecord) {
				deps.metrics.RecordEviction(ctx)
				if deps.evicted != nil {
					deps.evicted(rec.OrderID)
				}
			}),
		)
		pos := positions.New(positions.WithLogger(deps.logger))
		staged := staging.NewLog(deps.logger)

		rules := flowctrl.NewRuleSet(cfg.FlowControl.Step, cfg.FlowControl.PluginName, deps.logger)
		if err := rules.Load(deps.rules); err != nil {
			return nil, fmt.Errorf("load rules of partition %d: %w", i, err)
		}
		engineOpts := []flowctrl.EngineOption{flowctrl.WithLogger(deps.logger)}
		if deps.counters != nil {
			engineOpts = append(engineOpts, flowctrl.WithCounterStore(deps.counters))
		}
		if deps.writer != nil {
			engineOpts = append(engineOpts, flowctrl.WithTriggerSink(deps.writer))
		}
		engine := flowctrl.NewEngine(rules, ord, pos, staged, engineOpts...)

		var sink flowctrl.TriggerSink
		if deps.writer != nil {
			sink = deps.writer
		}
		chain := riskchain.NewChain(deps.logger,
			riskchain.NewFlowControlPlugin(engine,
				riskchain.WithSwitches(switches),
				riskchain.WithDedupCapacity(cfg.FlowControl.DedupCapacity),
				riskchain.WithDecisionHook(func(target flowctrl.Target, rejected bool) {
					deps.metrics.RecordDecision(ctx, string(target), rejected)
				}),
				riskchain.WithPluginLogger(deps.logger)),
			riskchain.NewOpenPendingPlugin(ord, cfg.Orders.CloseTodayMarkets, sink, deps.logger),
			riskchain.NewThrottlePlugin(cfg.Throttle, sink, deps.logger),
		)

		handlerOpts := []pipeline.Option{pipeline.WithLogger(deps.logger)}
		if deps.writer != nil {
			handlerOpts = append(handlerOpts, pipeline.WithPersister(deps.writer))
		}
		if deps.publisher != nil {
			handlerOpts = append(handlerOpts, pipeline.WithPublisher(deps.publisher, cfg.Kafka.Channel))
		}
		out = append(out, partitionState{
			orders:    ord,
			positions: pos,
			handler:   pipeline.New(chain, ord, pos, staged, handlerOpts...),
		})
	}
	return out, nil
}

// seedRules writes the rules listed in the config to the rule table and
// returns every enabled rule of the configured step.
func seedRules(ctx context.Context, rules tradestore.RuleStore, cfg config.FlowControlConfig) ([]flowctrl.RuleDef, error) {
	for _, def := range cfg.Rules {
		if err := rules.UpsertRule(ctx, def, true); err != nil {
			return nil, fmt.Errorf("seed rule %d: %w", def.No, err)
		}
	}
	rows, err := rules.ListRules(ctx, cfg.Step)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defs := make([]flowctrl.RuleDef, 0, len(rows))
	for _, row := range rows {
		if row.Enabled {
			defs = append(defs, row.RuleDef)
		}
	}
	return defs, nil
}

type snapshotSource interface {
	ListOrders(ctx context.Context, query tradestore.OrderQuery) ([]*schema.OrderRecord, error)
	ListPositions(ctx context.Context, acctID uint64) ([]*schema.PositionRecord, error)
}

type partitioner interface {
	PartitionOf(order *schema.OrderRecord) (int, error)
	PartitionOfPosition(leg *schema.PositionRecord) (int, error)
	Adopt(orderID uint64, idx int)
}

// loadSnapshots restores persisted orders and positions into the partition
// that owns them. It runs before the router starts.
func loadSnapshots(ctx context.Context, src snapshotSource, router partitioner, parts partitionSet, cfg config.OrdersConfig) error {
	live, err := src.ListOrders(ctx, tradestore.OrderQuery{LiveOnly: true, Limit: cfg.LoadLimit})
	if err != nil {
		return fmt.Errorf("load live orders: %w", err)
	}
	closed, err := src.ListOrders(ctx, tradestore.OrderQuery{ClosedOnly: true, Limit: cfg.ClosedCapacity * len(parts)})
	if err != nil {
		return fmt.Errorf("load closed orders: %w", err)
	}
	legs, err := src.ListPositions(ctx, 0)
	if err != nil {
		return fmt.Errorf("load positions: %w", err)
	}

	orderBuckets := make([][]*schema.OrderRecord, len(parts))
	// Oldest closed first so the ring keeps the newest.
	for i := len(closed) - 1; i >= 0; i-- {
		idx, err := router.PartitionOf(closed[i])
		if err != nil {
			return fmt.Errorf("route closed order %d: %w", closed[i].OrderID, err)
		}
		router.Adopt(closed[i].OrderID, idx)
		orderBuckets[idx] = append(orderBuckets[idx], closed[i])
	}
	for _, o := range live {
		idx, err := router.PartitionOf(o)
		if err != nil {
			return fmt.Errorf("route live order %d: %w", o.OrderID, err)
		}
		router.Adopt(o.OrderID, idx)
		orderBuckets[idx] = append(orderBuckets[idx], o)
	}
	legBuckets := make([][]*schema.PositionRecord, len(parts))
	for _, leg := range legs {
		idx, err := router.PartitionOfPosition(leg)
		if err != nil {
			return fmt.Errorf("route position %s: %w", leg.PositionKey.String(), err)
		}
		legBuckets[idx] = append(legBuckets[idx], leg)
	}

	var failed []error
	for i, st := range parts {
		if err := st.orders.Load(orderBuckets[i]); err != nil {
			failed = append(failed, err)
		}
		if err := st.positions.Load(legBuckets[i]); err != nil {
			failed = append(failed, err)
		}
	}
	if err := observability.AggregateErrors("snapshot.load", failed); err != nil {
		return err
	}
	observability.Log().Info("snapshots loaded",
		observability.F("liveOrders", len(live)),
		observability.F("closedOrders", len(closed)),
		observability.F("positions", len(legs)))
	return nil
}
