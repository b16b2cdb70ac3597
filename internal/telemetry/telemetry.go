// Package telemetry owns the OpenTelemetry meter provider and the admission
// metrics recorded on top of it.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	defaultServiceName    = "tradeguard"
	defaultServiceVersion = "1.0.0"
	defaultEnvironment    = "development"
	defaultExportInterval = 15 * time.Second
)

var environment atomic.Pointer[string]

// Config selects where metrics go. A disabled config yields a provider that
// hands out the global no-op meter.
type Config struct {
	Enabled        bool
	EnableMetrics  bool
	OTLPEndpoint   string
	OTLPInsecure   bool
	ExportInterval time.Duration
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Reader replaces the OTLP exporter; tests pass a manual reader.
	Reader sdkmetric.Reader
}

// DefaultConfig reads the standard OTEL_* variables. TRADEGUARD_ENV is used
// when OTEL_RESOURCE_ENVIRONMENT is unset.
func DefaultConfig() Config {
	cfg := Config{
		Enabled:        os.Getenv("OTEL_ENABLED") != "false",
		EnableMetrics:  os.Getenv("OTEL_METRICS_ENABLED") != "false",
		OTLPEndpoint:   envOr("localhost:4318", "OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:   os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		ExportInterval: defaultExportInterval,
		ServiceName:    envOr(defaultServiceName, "OTEL_SERVICE_NAME"),
		ServiceVersion: defaultServiceVersion,
		Environment:    envOr(defaultEnvironment, "OTEL_RESOURCE_ENVIRONMENT", "TRADEGUARD_ENV"),
	}
	return cfg
}

func envOr(fallback string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return fallback
}

// Provider wraps the SDK meter provider. The zero value is usable and
// delegates to the global provider.
type Provider struct {
	mp *sdkmetric.MeterProvider
}

// NewProvider builds the meter provider for cfg and installs it globally, so
// packages that only call otel.Meter (migrations, pool metrics) export too.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	SetEnvironment(cfg.Environment)
	if !cfg.Enabled || !cfg.EnableMetrics {
		return &Provider{}, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(resourceAttributes(cfg)...),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	reader := cfg.Reader
	if reader == nil {
		reader, err = otlpReader(ctx, cfg)
		if err != nil {
			return nil, err
		}
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
		sdkmetric.WithView(histogramViews()...),
	)
	otel.SetMeterProvider(mp)
	return &Provider{mp: mp}, nil
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	name := cfg.ServiceName
	if name == "" {
		name = defaultServiceName
	}
	version := cfg.ServiceVersion
	if version == "" {
		version = defaultServiceVersion
	}
	return []attribute.KeyValue{
		semconv.ServiceNameKey.String(name),
		semconv.ServiceVersionKey.String(version),
		AttrEnvironment.String(Environment()),
	}
}

func otlpReader(ctx context.Context, cfg Config) (sdkmetric.Reader, error) {
	// The HTTP exporter wants host:port.
	endpoint := strings.TrimPrefix(strings.TrimPrefix(cfg.OTLPEndpoint, "http://"), "https://")
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if cfg.OTLPInsecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = defaultExportInterval
	}
	return sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval)), nil
}

// Enabled reports whether metrics are exported.
func (p *Provider) Enabled() bool { return p != nil && p.mp != nil }

// Shutdown flushes pending metrics and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if !p.Enabled() {
		return nil
	}
	if err := p.mp.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter provider: %w", err)
	}
	return nil
}

// Meter returns a named meter from the provider, or from the global provider
// when telemetry is disabled.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if !p.Enabled() {
		return otel.Meter(name, opts...)
	}
	return p.mp.Meter(name, opts...)
}

var bucketsByInstrument = map[string][]float64{
	// milliseconds per event
	MetricHandleDuration: {0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 25, 50},
	// tries per persistence task
	MetricPersistenceAttempts: {1, 2, 3, 5, 8, 10},
}

func histogramViews() []sdkmetric.View {
	views := make([]sdkmetric.View, 0, len(bucketsByInstrument))
	for name, bounds := range bucketsByInstrument {
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		))
	}
	return views
}

// SetEnvironment sets the environment label attached to every metric.
func SetEnvironment(env string) {
	env = strings.ToLower(strings.TrimSpace(env))
	if env == "" {
		env = defaultEnvironment
	}
	environment.Store(&env)
}

// Environment returns the environment label attached to every metric.
func Environment() string {
	if env := environment.Load(); env != nil {
		return *env
	}
	return defaultEnvironment
}
