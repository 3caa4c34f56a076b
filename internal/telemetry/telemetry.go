// Package telemetry provides OpenTelemetry instrumentation for tally.
package telemetry

import (
	"context"
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yairfalse/tally/internal/config"
)

const instrumentationName = "github.com/yairfalse/tally"

// Provider wraps OTEL tracer and meter providers. Metrics are always
// exposed to a Prometheus registry; OTLP export is optional.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *promclient.Registry
	tracer         trace.Tracer
	meter          metric.Meter

	// Metrics
	runDuration    metric.Float64Histogram
	recordsFetched metric.Int64Counter
	recordsSkipped metric.Int64Counter
	fetchErrors    metric.Int64Counter
	inventorySize  metric.Int64Gauge
}

// NewProvider creates a new telemetry provider and installs it globally.
func NewProvider(ctx context.Context, cfg config.OTELConfig) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	p := &Provider{}

	if err := p.setupTracing(ctx, cfg, res); err != nil {
		return nil, err
	}

	if err := p.setupMetrics(ctx, cfg, res); err != nil {
		_ = p.tracerProvider.Shutdown(ctx)
		return nil, err
	}

	if err := p.initMetrics(); err != nil {
		_ = p.Shutdown(ctx)
		return nil, err
	}

	return p, nil
}

func (p *Provider) setupTracing(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
	}

	if cfg.Traces.Enabled && cfg.Endpoint != "" {
		exp, err := createTraceExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create trace exporter: %w", err)
		}
		sampler := sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))
		opts = append(opts,
			sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
			sdktrace.WithSampler(sampler),
		)
	}

	p.tracerProvider = sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(p.tracerProvider)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	p.tracer = p.tracerProvider.Tracer(instrumentationName)

	return nil
}

// setupMetrics configures dual export: Prometheus for scraping, OTLP for push.
func (p *Provider) setupMetrics(ctx context.Context, cfg config.OTELConfig, res *resource.Resource) error {
	p.registry = promclient.NewRegistry()
	promExporter, err := prometheus.New(prometheus.WithRegisterer(p.registry))
	if err != nil {
		return fmt.Errorf("create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	}

	if cfg.Metrics.Enabled && cfg.Endpoint != "" {
		exp, err := createMetricExporter(ctx, cfg)
		if err != nil {
			return fmt.Errorf("create metric exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(10*time.Second)),
		))
	}

	p.meterProvider = sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(p.meterProvider)
	p.meter = p.meterProvider.Meter(instrumentationName)

	return nil
}

func createTraceExporter(ctx context.Context, cfg config.OTELConfig) (sdktrace.SpanExporter, error) {
	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}
	return otlptracegrpc.New(ctx, opts...)
}

func createMetricExporter(ctx context.Context, cfg config.OTELConfig) (sdkmetric.Exporter, error) {
	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlpmetricgrpc.WithDialOption(
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func (p *Provider) initMetrics() error {
	var err error

	p.runDuration, err = p.meter.Float64Histogram(
		"tally.run.duration",
		metric.WithDescription("Duration of discovery runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create run_duration: %w", err)
	}

	p.recordsFetched, err = p.meter.Int64Counter(
		"tally.records.fetched",
		metric.WithDescription("Raw records fetched from discovery sources"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return fmt.Errorf("create records_fetched: %w", err)
	}

	p.recordsSkipped, err = p.meter.Int64Counter(
		"tally.records.skipped",
		metric.WithDescription("Raw records that could not be normalized"),
		metric.WithUnit("{record}"),
	)
	if err != nil {
		return fmt.Errorf("create records_skipped: %w", err)
	}

	p.fetchErrors, err = p.meter.Int64Counter(
		"tally.fetch.errors",
		metric.WithDescription("Failed source fetches"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return fmt.Errorf("create fetch_errors: %w", err)
	}

	p.inventorySize, err = p.meter.Int64Gauge(
		"tally.inventory.resources",
		metric.WithDescription("Resources in the latest reconciled inventory"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return fmt.Errorf("create inventory_size: %w", err)
	}

	return nil
}

// Tracer returns the tracer.
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Meter returns the meter.
func (p *Provider) Meter() metric.Meter {
	return p.meter
}

// MeterProvider returns the SDK meter provider.
func (p *Provider) MeterProvider() metric.MeterProvider {
	return p.meterProvider
}

// Registry returns the Prometheus registry the metrics are exported to.
func (p *Provider) Registry() *promclient.Registry {
	return p.registry
}

// StartSpan starts a new span.
func (p *Provider) StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordRunDuration records how long a run took.
func (p *Provider) RecordRunDuration(ctx context.Context, status string, d time.Duration) {
	p.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordFetch records the records fetched by one source in one region.
func (p *Provider) RecordFetch(ctx context.Context, method, region string, count int) {
	p.recordsFetched.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("discovery.method", method),
		attribute.String("cloud.region", region),
	))
}

// RecordFetchError records a failed fetch.
func (p *Provider) RecordFetchError(ctx context.Context, method, region string) {
	p.fetchErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("discovery.method", method),
		attribute.String("cloud.region", region),
	))
}

// RecordSkipped records malformed records per method.
func (p *Provider) RecordSkipped(ctx context.Context, method string, count int) {
	if count == 0 {
		return
	}
	p.recordsSkipped.Add(ctx, int64(count), metric.WithAttributes(
		attribute.String("discovery.method", method),
	))
}

// RecordInventorySize records the reconciled inventory size.
func (p *Provider) RecordInventorySize(ctx context.Context, scope string, count int) {
	p.inventorySize.Record(ctx, int64(count), metric.WithAttributes(
		attribute.String("account.scope", scope),
	))
}

// Shutdown flushes and shuts down the providers.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tracerProvider != nil {
		if err := p.tracerProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown tracer: %w", err)
		}
	}
	if p.meterProvider != nil {
		if err := p.meterProvider.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown meter: %w", err)
		}
	}
	return nil
}
