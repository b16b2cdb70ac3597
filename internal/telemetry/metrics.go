package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Instrument names.
const (
	MetricDecisions           = "tradeguard.admission.decisions"
	MetricRejections          = "tradeguard.admission.rejections"
	MetricClosedEvictions     = "tradeguard.orders.closed_evictions"
	MetricPersistenceFailures = "tradeguard.persistence.failures"
	MetricPersistenceAttempts = "tradeguard.persistence.attempts"
	MetricHandleDuration      = "tradeguard.pipeline.handle.duration"
)

// Metrics holds the service instruments. A nil *Metrics records nothing.
type Metrics struct {
	decisions       metric.Int64Counter
	rejections      metric.Int64Counter
	evictions       metric.Int64Counter
	persistFailures metric.Int64Counter
	persistAttempts metric.Int64Histogram
	handleDuration  metric.Float64Histogram
}

// NewMetrics creates the instruments on meter, or on the global meter
// provider when meter is nil.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter("tradeguard")
	}
	var (
		m   Metrics
		err error
	)
	if m.decisions, err = meter.Int64Counter(MetricDecisions,
		metric.WithDescription("Flow-control checks by target and result"),
		metric.WithUnit("{check}")); err != nil {
		return nil, err
	}
	if m.rejections, err = meter.Int64Counter(MetricRejections,
		metric.WithDescription("Requests rejected by a risk plugin"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if m.evictions, err = meter.Int64Counter(MetricClosedEvictions,
		metric.WithDescription("Closed orders evicted from the closed ring"),
		metric.WithUnit("{order}")); err != nil {
		return nil, err
	}
	if m.persistFailures, err = meter.Int64Counter(MetricPersistenceFailures,
		metric.WithDescription("Persistence tasks dropped after exhausting retries"),
		metric.WithUnit("{task}")); err != nil {
		return nil, err
	}
	if m.persistAttempts, err = meter.Int64Histogram(MetricPersistenceAttempts,
		metric.WithDescription("Attempts spent per persistence task"),
		metric.WithUnit("{retry}")); err != nil {
		return nil, err
	}
	if m.handleDuration, err = meter.Float64Histogram(MetricHandleDuration,
		metric.WithDescription("Time spent handling one partition event"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	return &m, nil
}

// RecordDecision counts one flow-control check of target.
func (m *Metrics) RecordDecision(ctx context.Context, target string, rejected bool) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(DecisionAttributes(Environment(), target, rejected)...))
}

// RecordRejection counts a request vetoed by plugin.
func (m *Metrics) RecordRejection(ctx context.Context, plugin, kind string) {
	if m == nil {
		return
	}
	m.rejections.Add(ctx, 1, metric.WithAttributes(
		AttrEnvironment.String(Environment()),
		AttrPlugin.String(plugin),
		AttrEventKind.String(kind),
	))
}

// RecordEviction counts a closed order dropped from memory.
func (m *Metrics) RecordEviction(ctx context.Context) {
	if m == nil {
		return
	}
	m.evictions.Add(ctx, 1, metric.WithAttributes(AttrEnvironment.String(Environment())))
}

// RecordPersistence records the outcome of a persistence task.
func (m *Metrics) RecordPersistence(ctx context.Context, operation string, attempts int, err error) {
	if m == nil {
		return
	}
	m.persistAttempts.Record(ctx, int64(attempts), metric.WithAttributes(OperationAttributes(Environment(), operation, "")...))
	if err != nil {
		m.persistFailures.Add(ctx, 1, metric.WithAttributes(OperationAttributes(Environment(), operation, "retries_exhausted")...))
	}
}

// RecordHandle records how long partition handled one event.
func (m *Metrics) RecordHandle(ctx context.Context, kind string, partition int, elapsed time.Duration) {
	if m == nil {
		return
	}
	ms := float64(elapsed) / float64(time.Millisecond)
	m.handleDuration.Record(ctx, ms, metric.WithAttributes(EventAttributes(Environment(), kind, partition)...))
}
