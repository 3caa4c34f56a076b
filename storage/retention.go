package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tally/wal"
)

// retentionRun is the backend-independent retention algorithm. verify
// checks one snapshot's integrity; remove deletes one snapshot.
type retentionRun struct {
	scope   string
	entries []catalogEntry // newest first
	policy  RetentionPolicy
	now     time.Time
	pins    *pinSet
	events  eventLog
	verify  func(id string) error
	remove  func(id string) error
}

func (r retentionRun) apply(ctx context.Context) (RetentionResult, error) {
	retained, expired := planRetention(r.entries, r.policy, r.now)
	result := RetentionResult{Retained: len(r.entries)}
	if len(expired) == 0 {
		return result, nil
	}

	var invalid []string
	for _, e := range retained {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if e.unreadable {
			invalid = append(invalid, e.meta.ID)
			continue
		}
		if err := r.verify(e.meta.ID); err != nil {
			invalid = append(invalid, e.meta.ID)
		}
	}
	if len(invalid) > 0 {
		r.events.record(wal.EntryRetentionAborted, "", RetentionEvent{Scope: r.scope, Invalid: invalid})
		return result, fmt.Errorf("%w: %d retained snapshots failed validation: %s",
			ErrRetentionAborted, len(invalid), strings.Join(invalid, ", "))
	}

	for _, e := range expired {
		id := e.meta.ID
		if r.pins.pinned(id) {
			result.Deferred = append(result.Deferred, id)
			continue
		}
		if err := r.remove(id); err != nil {
			return result, fmt.Errorf("failed to delete snapshot %s: %w", id, err)
		}
		result.Deleted = append(result.Deleted, id)
		result.Retained--
		r.events.record(wal.EntrySnapshotDeleted, id, DeletedEvent{Scope: r.scope, Reason: "retention"})
	}

	if len(result.Deferred) > 0 {
		r.events.record(wal.EntryRetentionDeferred, "", RetentionEvent{Scope: r.scope, Deferred: result.Deferred})
		log.Info().
			Strs("deferred", result.Deferred).
			Msg("retention deferred for snapshots in use")
	}
	return result, nil
}
