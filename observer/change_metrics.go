package observer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/tally/pkg/resource"
)

// ChangeMetrics records delta reports as OTEL metrics
type ChangeMetrics struct {
	meter             metric.Meter
	resourcesAdded    metric.Int64Counter
	resourcesRemoved  metric.Int64Counter
	resourcesModified metric.Int64Counter
	attributeChanges  metric.Int64Counter
	reports           metric.Int64Counter
}

// NewChangeMetrics creates the observer on the global meter provider.
func NewChangeMetrics() (*ChangeMetrics, error) {
	return NewChangeMetricsWithProvider(otel.GetMeterProvider())
}

// NewChangeMetricsWithProvider creates the observer on mp.
func NewChangeMetricsWithProvider(mp metric.MeterProvider) (*ChangeMetrics, error) {
	meter := mp.Meter("tally.observer")

	added, err := meter.Int64Counter(
		"tally.resources.added",
		metric.WithDescription("Resources present only in the newer snapshot"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	removed, err := meter.Int64Counter(
		"tally.resources.removed",
		metric.WithDescription("Resources present only in the older snapshot"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	modified, err := meter.Int64Counter(
		"tally.resources.modified",
		metric.WithDescription("Resources with attribute-level changes"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	changes, err := meter.Int64Counter(
		"tally.attribute_changes",
		metric.WithDescription("Classified attribute changes"),
		metric.WithUnit("{change}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	reports, err := meter.Int64Counter(
		"tally.delta_reports",
		metric.WithDescription("Delta reports produced"),
		metric.WithUnit("{report}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create counter: %w", err)
	}

	return &ChangeMetrics{
		meter:             meter,
		resourcesAdded:    added,
		resourcesRemoved:  removed,
		resourcesModified: modified,
		attributeChanges:  changes,
		reports:           reports,
	}, nil
}

// RecordReport records every resource and attribute change in report
func (m *ChangeMetrics) RecordReport(ctx context.Context, report resource.DeltaReport) {
	for _, r := range report.Added {
		m.resourcesAdded.Add(ctx, 1, resourceAttrs(r))
	}
	for _, r := range report.Removed {
		m.resourcesRemoved.Add(ctx, 1, resourceAttrs(r))
	}
	for _, mod := range report.Modified {
		m.resourcesModified.Add(ctx, 1, resourceAttrs(mod.Resource))
		for _, c := range mod.Changes {
			m.attributeChanges.Add(ctx, 1, metric.WithAttributes(
				attribute.String("change.category", string(c.Category)),
				attribute.String("change.severity", string(c.Severity)),
				attribute.String("change.kind", string(c.Kind)),
			))
		}
	}

	m.reports.Add(ctx, 1, metric.WithAttributes(
		attribute.Bool("has_critical", report.Summary.HasCritical),
	))
}

func resourceAttrs(r resource.Resource) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("cloud.service", orUnknown(r.Service)),
		attribute.String("resource.type", orUnknown(r.Type)),
		attribute.String("cloud.region", orUnknown(r.Region)),
	)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
