package postgres

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type staticStats struct{ idle, acquired, constructing int32 }

func (s staticStats) IdleConns() int32         { return s.idle }
func (s staticStats) AcquiredConns() int32     { return s.acquired }
func (s staticStats) ConstructingConns() int32 { return s.constructing }
func (s staticStats) AcquireCount() int64      { return 42 }
func (s staticStats) EmptyAcquireCount() int64 { return 3 }

func TestObservePoolRequiresPool(t *testing.T) {
	if _, err := ObservePoolMetrics(nil, "primary"); err == nil {
		t.Fatalf("expected error for nil pool")
	}
}

func TestObservePoolReportsStates(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	stats := staticStats{idle: 4, acquired: 2, constructing: 1}
	reg, err := observePool(provider.Meter("test"), "", func() poolStats { return stats })
	if err != nil {
		t.Fatalf("observe pool: %v", err)
	}
	defer func() { _ = reg.Unregister() }()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	byState := map[string]int64{}
	var acquires int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			switch m.Name {
			case metricPoolConnections:
				gauge, ok := m.Data.(metricdata.Gauge[int64])
				if !ok {
					t.Fatalf("unexpected data type %T", m.Data)
				}
				for _, dp := range gauge.DataPoints {
					state, _ := dp.Attributes.Value("state")
					pool, _ := dp.Attributes.Value("db.pool")
					if pool.AsString() != "primary" {
						t.Fatalf("expected default pool name, got %q", pool.AsString())
					}
					byState[state.AsString()] = dp.Value
				}
			case metricPoolAcquires:
				sum, ok := m.Data.(metricdata.Sum[int64])
				if !ok {
					t.Fatalf("unexpected data type %T", m.Data)
				}
				acquires = sum.DataPoints[0].Value
			}
		}
	}
	if byState["idle"] != 4 || byState["acquired"] != 2 || byState["constructing"] != 1 {
		t.Fatalf("unexpected connection states: %v", byState)
	}
	if acquires != 42 {
		t.Fatalf("expected 42 acquires, got %d", acquires)
	}
}
