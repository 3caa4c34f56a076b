package orchestrator

import (
	"errors"
	"time"

	"github.com/yairfalse/tally/pkg/resource"
	"github.com/yairfalse/tally/reconciler"
)

var (
	// ErrNoRegions is returned when a run names no region.
	ErrNoRegions = errors.New("no regions requested")
	// ErrNoSources is returned when none of the requested methods has a source.
	ErrNoSources = errors.New("no discovery sources available")
)

// Request describes one discovery run.
type Request struct {
	// Scope is the account scope recorded on the snapshot. Empty uses the
	// store's own scope.
	Scope   string
	Regions []string
	// Methods limits the run to these discovery methods. Empty runs every
	// registered source.
	Methods []string
	// Tags are caller labels recorded on the snapshot.
	Tags map[string]string
}

// Stats counts what each stage of a run did.
type Stats struct {
	Fetched         int              `json:"fetched"`
	FetchErrors     int              `json:"fetch_errors"`
	Skipped         int              `json:"skipped"`
	SkippedByMethod map[string]int   `json:"skipped_by_method,omitempty"`
	Managed         int              `json:"managed"`
	Filtered        int              `json:"filtered"`
	Reconcile       reconciler.Stats `json:"reconcile"`
	Warnings        []string         `json:"warnings,omitempty"`
}

// RunResult is the outcome of a completed run.
type RunResult struct {
	RunID              string                      `json:"run_id"`
	SnapshotID         string                      `json:"snapshot_id"`
	PreviousSnapshotID string                      `json:"previous_snapshot_id,omitempty"`
	Stats              Stats                       `json:"stats"`
	Inventory          reconciler.InventorySummary `json:"inventory"`
	Report             resource.DeltaReport        `json:"report"`
	Duration           time.Duration               `json:"duration"`
}

// RunEvent is journaled for every finished run.
type RunEvent struct {
	RunID       string `json:"run_id"`
	Scope       string `json:"scope"`
	Resources   int    `json:"resources"`
	Changes     int    `json:"changes"`
	FetchErrors int    `json:"fetch_errors"`
	Skipped     int    `json:"skipped"`
	DurationMS  int64  `json:"duration_ms"`
}
