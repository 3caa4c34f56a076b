package storage

import (
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tally/wal"
)

// Journal records store mutations. *wal.WAL implements it.
type Journal interface {
	Append(entryType wal.EntryType, snapshotID string, data any) error
	AppendError(entryType wal.EntryType, snapshotID string, data any, err error) error
}

// SavedEvent is journaled for every saved snapshot.
type SavedEvent struct {
	Scope         string `json:"scope"`
	ResourceCount int    `json:"resource_count"`
	Checksum      string `json:"checksum"`
	Attempts      int    `json:"attempts"`
}

// DeletedEvent is journaled for every removed snapshot.
type DeletedEvent struct {
	Scope  string `json:"scope"`
	Reason string `json:"reason"` // retention, explicit
}

// RetentionEvent is journaled when retention defers or aborts.
type RetentionEvent struct {
	Scope    string   `json:"scope"`
	Deferred []string `json:"deferred,omitempty"`
	Invalid  []string `json:"invalid,omitempty"`
}

// eventLog writes to an optional journal. Journal failures are logged and
// never fail the store operation that triggered them.
type eventLog struct {
	journal Journal
}

func (l eventLog) record(entryType wal.EntryType, id string, data any) {
	if l.journal == nil {
		return
	}
	if err := l.journal.Append(entryType, id, data); err != nil {
		log.Warn().Err(err).Str("snapshot_id", id).Str("entry", string(entryType)).Msg("journal append failed")
	}
}

func (l eventLog) recordError(entryType wal.EntryType, id string, data any, cause error) {
	if l.journal == nil {
		return
	}
	if err := l.journal.AppendError(entryType, id, data, cause); err != nil {
		log.Warn().Err(err).Str("snapshot_id", id).Str("entry", string(entryType)).Msg("journal append failed")
	}
}
