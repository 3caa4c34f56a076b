package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tally/orchestrator"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions
type DaemonMetrics struct {
	runs                metric.Int64Counter
	runDuration         metric.Float64Histogram
	resourcesDiscovered metric.Int64Gauge
	changeEvents        metric.Int64Counter
	storageOperations   metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on the global meter provider
func NewDaemonMetrics() (*DaemonMetrics, error) {
	return NewDaemonMetricsWithProvider(otel.GetMeterProvider())
}

// NewDaemonMetricsWithProvider creates daemon metrics on mp
func NewDaemonMetricsWithProvider(mp metric.MeterProvider) (*DaemonMetrics, error) {
	meter := mp.Meter("tally.daemon")

	runs, err := meter.Int64Counter(
		"tally.daemon.runs",
		metric.WithDescription("Number of scheduled discovery runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"tally.daemon.run.duration",
		metric.WithDescription("Duration of scheduled discovery runs"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	resourcesDiscovered, err := meter.Int64Gauge(
		"tally.resources.discovered",
		metric.WithDescription("Number of reconciled resources per service"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	changeEvents, err := meter.Int64Counter(
		"tally.change_events",
		metric.WithDescription("Number of inventory change events detected"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}

	storageOperations, err := meter.Int64Counter(
		"tally.storage.operations",
		metric.WithDescription("Number of maintenance storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		runs:                runs,
		runDuration:         runDuration,
		resourcesDiscovered: resourcesDiscovered,
		changeEvents:        changeEvents,
		storageOperations:   storageOperations,
	}, nil
}

// RecordRun records a run with status
func (m *DaemonMetrics) RecordRun(ctx context.Context, status, scope string) {
	m.runs.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("status", status),
			attribute.String("account.scope", scope),
		),
	)
}

// RecordRunDuration records run duration
func (m *DaemonMetrics) RecordRunDuration(ctx context.Context, durationSeconds float64, status string) {
	m.runDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(
			attribute.String("status", status),
		),
	)
}

// RecordResourcesDiscovered records number of resources found for a service
func (m *DaemonMetrics) RecordResourcesDiscovered(ctx context.Context, count int64, service, scope string) {
	m.resourcesDiscovered.Record(ctx, count,
		metric.WithAttributes(
			attribute.String("cloud.service", service),
			attribute.String("account.scope", scope),
		),
	)
}

// RecordChangeEvents records count change events of one kind
func (m *DaemonMetrics) RecordChangeEvents(ctx context.Context, changeType string, count int) {
	if count == 0 {
		return
	}
	m.changeEvents.Add(ctx, int64(count),
		metric.WithAttributes(
			attribute.String("change.type", changeType),
		),
	)
}

// RecordResult records inventory and change counts of a finished run.
func (m *DaemonMetrics) RecordResult(ctx context.Context, scope string, result *orchestrator.RunResult) {
	if result == nil {
		return
	}
	report := result.Report
	m.RecordChangeEvents(ctx, "added", len(report.Added))
	m.RecordChangeEvents(ctx, "removed", len(report.Removed))
	m.RecordChangeEvents(ctx, "modified", len(report.Modified))

	for service, n := range result.Inventory.ByService {
		m.RecordResourcesDiscovered(ctx, int64(n), service, scope)
	}
}

// RecordStorageOperation records a storage operation
func (m *DaemonMetrics) RecordStorageOperation(ctx context.Context, operation string, status string, errorType string) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", status),
	}
	if errorType != "" {
		attrs = append(attrs, attribute.String("error.type", errorType))
	}

	m.storageOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
}
