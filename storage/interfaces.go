package storage

import (
	"context"
	"time"

	"github.com/yairfalse/tally/pkg/resource"
)

// SnapshotWriter persists new snapshots and removes broken ones.
type SnapshotWriter interface {
	Save(ctx context.Context, resources []resource.Resource, meta Metadata) (string, error)
	Delete(ctx context.Context, id string) error
}

// SnapshotReader loads and inspects stored snapshots.
type SnapshotReader interface {
	// Load returns a snapshot; an empty id means the most recent one.
	Load(ctx context.Context, id string) (*Snapshot, error)
	// List returns metadata most-recent-first; limit <= 0 means all.
	List(ctx context.Context, limit int) ([]Metadata, error)
	ValidateIntegrity(ctx context.Context) (IntegrityReport, error)
}

// Retainer enforces retention limits.
type Retainer interface {
	ApplyRetention(ctx context.Context, policy RetentionPolicy) (RetentionResult, error)
	// Pin marks a snapshot as referenced by an in-flight comparison.
	Pin(id string) (release func())
}

// Store combines every snapshot store capability.
type Store interface {
	SnapshotWriter
	SnapshotReader
	Retainer
	// Scope is the account scope the store is bound to.
	Scope() string
	Close() error
}

// IntegrityReport lists snapshots by checksum outcome.
type IntegrityReport struct {
	Valid   []string `json:"valid"`
	Invalid []string `json:"invalid"`
}

// OK reports whether every snapshot validated.
func (r IntegrityReport) OK() bool {
	return len(r.Invalid) == 0
}

// RetentionPolicy bounds how many and how old snapshots may be. Zero
// values disable the corresponding limit.
type RetentionPolicy struct {
	MaxAge   time.Duration
	MaxCount int
}

// RetentionResult reports what a retention pass did.
type RetentionResult struct {
	Deleted  []string `json:"deleted"`
	Deferred []string `json:"deferred"` // expired but pinned; retried next pass
	Retained int      `json:"retained"`
}
