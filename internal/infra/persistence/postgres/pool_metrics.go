package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradeguard/internal/telemetry"
)

const (
	metricPoolConnections = "tradeguard.db.pool.connections"
	metricPoolAcquires    = "tradeguard.db.pool.acquires"
	metricPoolWaits       = "tradeguard.db.pool.empty_acquires"
)

// poolStats is the subset of pgxpool.Stat the gauges read.
type poolStats interface {
	IdleConns() int32
	AcquiredConns() int32
	ConstructingConns() int32
	AcquireCount() int64
	EmptyAcquireCount() int64
}

// ObservePoolMetrics reports connection counts by state, plus acquire totals,
// for pool. The returned registration stops the reporting when unregistered.
func ObservePoolMetrics(pool *pgxpool.Pool, poolName string) (metric.Registration, error) {
	if pool == nil {
		return nil, errors.New("observe pool metrics: nil pool")
	}
	return observePool(otel.Meter("tradeguard/postgres"), poolName, func() poolStats { return pool.Stat() })
}

func observePool(meter metric.Meter, poolName string, stat func() poolStats) (metric.Registration, error) {
	name := strings.TrimSpace(poolName)
	if name == "" {
		name = "primary"
	}
	base := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		attribute.String("db.pool", name),
	}
	withState := func(state string) metric.ObserveOption {
		attrs := append(append([]attribute.KeyValue(nil), base...), attribute.String("state", state))
		return metric.WithAttributes(attrs...)
	}
	idle, acquired, constructing := withState("idle"), withState("acquired"), withState("constructing")
	plain := metric.WithAttributes(base...)

	conns, err := meter.Int64ObservableGauge(metricPoolConnections,
		metric.WithDescription("Pool connections by state"),
		metric.WithUnit("{connection}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPoolConnections, err)
	}
	acquires, err := meter.Int64ObservableCounter(metricPoolAcquires,
		metric.WithDescription("Connections acquired from the pool"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPoolAcquires, err)
	}
	waits, err := meter.Int64ObservableCounter(metricPoolWaits,
		metric.WithDescription("Acquires that had to wait for a connection"),
		metric.WithUnit("{acquire}"))
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", metricPoolWaits, err)
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stat()
		o.ObserveInt64(conns, int64(s.IdleConns()), idle)
		o.ObserveInt64(conns, int64(s.AcquiredConns()), acquired)
		o.ObserveInt64(conns, int64(s.ConstructingConns()), constructing)
		o.ObserveInt64(acquires, s.AcquireCount(), plain)
		o.ObserveInt64(waits, s.EmptyAcquireCount(), plain)
		return nil
	}, conns, acquires, waits)
}
