package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tally/pkg/resource"
	"github.com/yairfalse/tally/wal"
)

const (
	snapshotExt     = ".json"
	tempPrefix      = ".tmp-"
	maxSaveAttempts = 1000
	staleTempAge    = time.Hour
)

// Option configures a store.
type Option func(*options)

type options struct {
	now     func() time.Time
	journal Journal
}

// WithClock overrides the creation-time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// WithJournal records every mutation to j.
func WithJournal(j Journal) Option {
	return func(o *options) {
		o.journal = j
	}
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// FileStore keeps one JSON file per snapshot under <root>/<scope>/.
type FileStore struct {
	mu      sync.RWMutex
	dir     string
	scope   string
	catalog *catalog
	pins    *pinSet
	now     func() time.Time
	events  eventLog
}

// OpenFileStore opens (creating if needed) the store for one account scope.
func OpenFileStore(root, scope string, opts ...Option) (*FileStore, error) {
	scope, err := cleanScope(scope)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	dir := filepath.Join(root, scope)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	s := &FileStore{
		dir:     dir,
		scope:   scope,
		catalog: newCatalog(),
		pins:    newPinSet(),
		now:     o.now,
		events:  eventLog{journal: o.journal},
	}
	if err := s.rebuildCatalog(); err != nil {
		return nil, err
	}
	return s, nil
}

func cleanScope(scope string) (string, error) {
	if scope == "" {
		return DefaultScope, nil
	}
	if strings.ContainsAny(scope, `/\`) || scope == "." || scope == ".." {
		return "", fmt.Errorf("%w: invalid account scope %q", ErrInvalidMetadata, scope)
	}
	return scope, nil
}

// rebuildCatalog indexes every snapshot file and clears abandoned temp files.
func (s *FileStore) rebuildCatalog() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read snapshot directory: %w", err)
	}

	for _, de := range entries {
		name := de.Name()
		if de.IsDir() {
			continue
		}
		if strings.HasPrefix(name, tempPrefix) {
			// Recent temp files may belong to a concurrent writer.
			if info, err := de.Info(); err == nil && time.Since(info.ModTime()) > staleTempAge {
				_ = os.Remove(filepath.Join(s.dir, name))
			}
			continue
		}
		if !strings.HasSuffix(name, snapshotExt) {
			continue
		}
		id := strings.TrimSuffix(name, snapshotExt)
		s.catalog.put(s.readCatalogEntry(id))
	}

	log.Debug().
		Str("scope", s.scope).
		Int("snapshots", s.catalog.len()).
		Msg("snapshot catalog rebuilt")
	return nil
}

func (s *FileStore) readCatalogEntry(id string) catalogEntry {
	data, err := os.ReadFile(s.path(id))
	if err == nil {
		if env, err := decodeHeader(id, data); err == nil {
			return catalogEntry{meta: env.Metadata}
		}
	}
	created, _ := parseIDTime(id)
	return catalogEntry{meta: Metadata{ID: id, AccountScope: s.scope, CreatedAt: created}, unreadable: true}
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id+snapshotExt)
}

// Save writes the snapshot atomically and returns its id. An existing id is
// never overwritten; a collision retries with the next "-N" suffix.
func (s *FileStore) Save(ctx context.Context, resources []resource.Resource, meta Metadata) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	meta, err := prepareMetadata(meta, s.scope)
	if err != nil {
		return "", err
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = s.now()
	}
	meta.CreatedAt = meta.CreatedAt.UTC()
	meta.ResourceCount = len(resources)

	payload, err := encodeResources(resources)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		id := snapshotID(meta.CreatedAt, attempt)
		if s.catalog.has(id) {
			continue
		}
		data, stamped, err := encodeEnvelope(meta, id, payload)
		if err != nil {
			return "", err
		}

		err = s.writeAtomic(id, data)
		if errors.Is(err, fs.ErrExist) {
			// Another writer took the id between listing and linking.
			continue
		}
		if err != nil {
			return "", err
		}

		s.catalog.put(catalogEntry{meta: stamped})
		s.events.record(wal.EntrySnapshotSaved, id, SavedEvent{
			Scope:         s.scope,
			ResourceCount: stamped.ResourceCount,
			Checksum:      stamped.Checksum,
			Attempts:      attempt + 1,
		})
		log.Info().
			Str("snapshot_id", id).
			Str("scope", s.scope).
			Int("resources", stamped.ResourceCount).
			Msg("snapshot saved")
		return id, nil
	}
	return "", fmt.Errorf("failed to allocate snapshot id after %d attempts", maxSaveAttempts)
}

// writeAtomic writes data to a temp file, syncs it and hard-links it to the
// final name. Link fails with fs.ErrExist when the name is taken, so a
// snapshot file is either complete or absent.
func (s *FileStore) writeAtomic(id string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, tempPrefix+id+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}

	if err := os.Link(tmpPath, s.path(id)); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fs.ErrExist
		}
		return fmt.Errorf("failed to publish snapshot: %w", err)
	}
	syncDir(s.dir)
	return nil
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Load returns the snapshot with the given id, or the most recent one when
// id is empty.
func (s *FileStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if id == "" {
		latest, ok := s.catalog.latest()
		if !ok {
			return nil, fmt.Errorf("%w: store %s is empty", ErrSnapshotNotFound, s.scope)
		}
		id = latest.meta.ID
	}
	if !s.catalog.has(id) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}

	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot %s: %w", id, err)
	}

	snap, err := decodeEnvelope(id, data)
	if err != nil {
		s.events.recordError(wal.EntrySnapshotCorrupted, id, nil, err)
		return nil, err
	}
	return snap, nil
}

// List returns snapshot metadata, most recent first.
func (s *FileStore) List(ctx context.Context, limit int) ([]Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := s.catalog.newestFirst(limit)
	out := make([]Metadata, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.meta)
	}
	return out, nil
}

// ValidateIntegrity recomputes every checksum. Corrupted snapshots are
// reported, not removed.
func (s *FileStore) ValidateIntegrity(ctx context.Context) (IntegrityReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	report := IntegrityReport{Valid: []string{}, Invalid: []string{}}
	for _, e := range s.catalog.newestFirst(0) {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.verify(e.meta.ID); err != nil {
			report.Invalid = append(report.Invalid, e.meta.ID)
			s.events.recordError(wal.EntrySnapshotCorrupted, e.meta.ID, nil, err)
			continue
		}
		report.Valid = append(report.Valid, e.meta.ID)
	}
	return report, nil
}

func (s *FileStore) verify(id string) error {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		return &CorruptionError{ID: id, Reason: err.Error()}
	}
	env, err := decodeHeader(id, data)
	if err != nil {
		return err
	}
	return verify(env)
}

// ApplyRetention deletes expired snapshots oldest-first once the retained
// set validates. Pinned snapshots are deferred.
func (s *FileStore) ApplyRetention(ctx context.Context, policy RetentionPolicy) (RetentionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run := retentionRun{
		scope:   s.scope,
		entries: s.catalog.newestFirst(0),
		policy:  policy,
		now:     s.now(),
		pins:    s.pins,
		events:  s.events,
		verify:  s.verify,
		remove:  s.removeLocked,
	}
	return run.apply(ctx)
}

// Delete removes one snapshot, typically after an integrity failure.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.catalog.has(id) {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
	}
	if s.pins.pinned(id) {
		return fmt.Errorf("%w: %s", ErrSnapshotPinned, id)
	}
	if err := s.removeLocked(id); err != nil {
		return err
	}
	s.events.record(wal.EntrySnapshotDeleted, id, DeletedEvent{Scope: s.scope, Reason: "explicit"})
	return nil
}

func (s *FileStore) removeLocked(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove snapshot %s: %w", id, err)
	}
	s.catalog.remove(id)
	return nil
}

// Pin marks id as referenced by an in-flight comparison.
func (s *FileStore) Pin(id string) func() {
	return s.pins.pin(id)
}

// Close releases the store. File stores hold no open handles.
func (s *FileStore) Close() error {
	return nil
}

// Dir returns the scope directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// Scope returns the account scope this store is bound to.
func (s *FileStore) Scope() string {
	return s.scope
}
