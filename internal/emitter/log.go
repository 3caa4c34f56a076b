package emitter

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/yairfalse/tally/pkg/resource"
)

// LogEmitter writes a summary line per report and one line per critical or
// high severity change.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a log emitter.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

// Emit logs the report.
func (e *LogEmitter) Emit(ctx context.Context, report Report) error {
	s := report.Delta.Summary
	logger := e.logger.With().Ctx(ctx).Logger()

	event := logger.Info()
	if s.HasCritical {
		event = logger.Warn()
	}
	event.
		Str("run_id", report.RunID).
		Str("scope", report.Scope).
		Str("old_snapshot", report.Delta.OldSnapshotID).
		Str("new_snapshot", report.Delta.NewSnapshotID).
		Int("added", s.AddedCount).
		Int("removed", s.RemovedCount).
		Int("modified", s.ModifiedCount).
		Int("total_changes", s.TotalChanges).
		Str("highest_severity", string(s.HighestSeverity())).
		Bool("security_impact", s.HasSecurityImpact).
		Bool("network_impact", s.HasNetworkImpact).
		Msg("inventory delta")

	for _, m := range report.Delta.Modified {
		for _, c := range m.Changes {
			if c.Severity.Rank() < resource.SeverityHigh.Rank() {
				continue
			}
			logger.Warn().
				Str("id", m.Resource.ID).
				Str("service", m.Resource.Service).
				Str("type", m.Resource.Type).
				Str("region", m.Resource.Region).
				Str("path", c.Path).
				Str("kind", string(c.Kind)).
				Str("category", string(c.Category)).
				Str("severity", string(c.Severity)).
				Interface("from", c.OldValue).
				Interface("to", c.NewValue).
				Msg("resource changed")
		}
	}
	return nil
}

// Close is a no-op.
func (e *LogEmitter) Close() error {
	return nil
}
