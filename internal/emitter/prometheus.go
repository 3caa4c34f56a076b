package emitter

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tally/observer"
	"github.com/yairfalse/tally/pkg/resource"
)

// PrometheusEmitter exposes the latest inventory and delta through OTEL
// instruments scraped by the Prometheus exporter.
type PrometheusEmitter struct {
	meter   metric.Meter
	changes *observer.ChangeMetrics

	resourceInfo metric.Int64ObservableGauge
	lastChanges  metric.Int64ObservableGauge

	// State for observable gauges
	mu        sync.RWMutex
	resources []resource.Resource
	summary   resource.Summary
	scope     string
}

// NewPrometheusEmitter creates a Prometheus emitter on the global meter provider.
func NewPrometheusEmitter() (*PrometheusEmitter, error) {
	return NewPrometheusEmitterWithProvider(otel.GetMeterProvider())
}

// NewPrometheusEmitterWithProvider creates a Prometheus emitter on mp.
func NewPrometheusEmitterWithProvider(mp metric.MeterProvider) (*PrometheusEmitter, error) {
	changes, err := observer.NewChangeMetricsWithProvider(mp)
	if err != nil {
		return nil, fmt.Errorf("init change metrics: %w", err)
	}

	e := &PrometheusEmitter{
		meter:   mp.Meter("tally.emitter"),
		changes: changes,
	}
	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}
	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	// One series per resource in the latest inventory
	e.resourceInfo, err = e.meter.Int64ObservableGauge(
		"tally.resource.info",
		metric.WithDescription("Reconciled cloud resource information"),
		metric.WithInt64Callback(e.observeResources),
	)
	if err != nil {
		return fmt.Errorf("create resource_info gauge: %w", err)
	}

	e.lastChanges, err = e.meter.Int64ObservableGauge(
		"tally.delta.last_changes",
		metric.WithDescription("Attribute changes in the latest delta by severity"),
		metric.WithInt64Callback(e.observeLastDelta),
	)
	if err != nil {
		return fmt.Errorf("create last_changes gauge: %w", err)
	}

	return nil
}

// Emit records the report as metrics.
func (e *PrometheusEmitter) Emit(ctx context.Context, report Report) error {
	e.changes.RecordReport(ctx, report.Delta)

	e.mu.Lock()
	e.resources = report.Inventory
	e.summary = report.Delta.Summary
	e.scope = report.Scope
	e.mu.Unlock()

	return nil
}

// observeResources is the callback for the resource_info gauge.
func (e *PrometheusEmitter) observeResources(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.resources {
		attrs := []attribute.KeyValue{
			attribute.String("id", r.ID),
			attribute.String("service", r.Service),
			attribute.String("type", r.Type),
			attribute.String("region", r.Region),
			attribute.String("scope", e.scope),
		}
		if r.Name != "" {
			attrs = append(attrs, attribute.String("name", r.Name))
		}
		if r.AccountID != "" {
			attrs = append(attrs, attribute.String("account_id", r.AccountID))
		}
		for k, v := range r.Tags {
			if v != "" {
				attrs = append(attrs, attribute.String("tag_"+k, v))
			}
		}

		o.Observe(1, metric.WithAttributes(attrs...))
	}

	return nil
}

func (e *PrometheusEmitter) observeLastDelta(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.summary.NewSnapshotID == "" {
		return nil
	}
	for _, sev := range resource.Severities {
		o.Observe(int64(e.summary.BySeverity[sev]), metric.WithAttributes(
			attribute.String("scope", e.scope),
			attribute.String("severity", string(sev)),
		))
	}
	return nil
}

// Close is a no-op for Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}
