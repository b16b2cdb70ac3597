package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := make(map[string]metricdata.Aggregation)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sumOf(t *testing.T, data metricdata.Aggregation) int64 {
	t.Helper()
	sum, ok := data.(metricdata.Sum[int64])
	require.True(t, ok, "expected int64 sum, got %T", data)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.RecordDecision(ctx, "OrderSizeEachTime", false)
	m.RecordDecision(ctx, "OrderSizeEachTime", true)
	m.RecordRejection(ctx, "risk-plugin-flow-ctrl-plus", "order")
	m.RecordEviction(ctx)
	m.RecordPersistence(ctx, "save_order", 1, nil)
	m.RecordPersistence(ctx, "save_order", 5, errors.New("db down"))
	m.RecordHandle(ctx, "order", 0, 250*time.Microsecond)

	data := collect(t, reader)
	require.Equal(t, int64(2), sumOf(t, data[MetricDecisions]))
	require.Equal(t, int64(1), sumOf(t, data[MetricRejections]))
	require.Equal(t, int64(1), sumOf(t, data[MetricClosedEvictions]))
	require.Equal(t, int64(1), sumOf(t, data[MetricPersistenceFailures]))

	attempts, ok := data[MetricPersistenceAttempts].(metricdata.Histogram[int64])
	require.True(t, ok)
	require.Len(t, attempts.DataPoints, 1)
	require.Equal(t, uint64(2), attempts.DataPoints[0].Count)

	handle, ok := data[MetricHandleDuration].(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, handle.DataPoints, 1)
	require.InDelta(t, 0.25, handle.DataPoints[0].Sum, 1e-9)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordDecision(ctx, "OrderSizeTotal", true)
	m.RecordRejection(ctx, "p", "order")
	m.RecordEviction(ctx)
	m.RecordPersistence(ctx, "save_order", 1, errors.New("x"))
	m.RecordHandle(ctx, "order", 0, time.Millisecond)
}

func TestDecisionAttributes(t *testing.T) {
	attrs := DecisionAttributes("prod", "OrderSizeTotal", true)
	require.Len(t, attrs, 3)
	require.Equal(t, ResultRejected, attrs[2].Value.AsString())
	require.Len(t, OperationAttributes("prod", "save_order", ""), 2)
}

func TestEnvironmentDefault(t *testing.T) {
	prev := globalEnvironment
	t.Cleanup(func() { globalEnvironment = prev })
	globalEnvironment = ""
	require.Equal(t, "development", Environment())
}

func TestStripScheme(t *testing.T) {
	require.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	require.Equal(t, "collector:4318", stripScheme("collector:4318"))
}
