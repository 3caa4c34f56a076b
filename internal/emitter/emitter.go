// Package emitter defines the output interface for tally run reports.
package emitter

import (
	"context"

	"github.com/yairfalse/tally/pkg/resource"
)

// Report is what a completed run hands to its emitters.
type Report struct {
	RunID      string               `json:"run_id"`
	Scope      string               `json:"scope"`
	SnapshotID string               `json:"snapshot_id"`
	Delta      resource.DeltaReport `json:"delta"`
	// Inventory is the reconciled set that was stored. Not serialized.
	Inventory []resource.Resource `json:"-"`
}

// Emitter outputs run reports to a backend.
type Emitter interface {
	// Emit sends a report to the backend.
	Emit(ctx context.Context, report Report) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to all emitters, returns first error.
func (m *MultiEmitter) Emit(ctx context.Context, report Report) error {
	for _, e := range m.emitters {
		if err := e.Emit(ctx, report); err != nil {
			return err
		}
	}
	return nil
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			return err
		}
	}
	return nil
}
