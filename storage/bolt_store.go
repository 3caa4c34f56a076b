package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/yairfalse/tally/pkg/resource"
	"github.com/yairfalse/tally/wal"
)

// Bucket names in bbolt. Each holds one nested bucket per account scope.
var (
	bucketSnapshots = []byte("snapshots")
	bucketMeta      = []byte("meta")
)

// BoltFile is the database file name inside the store directory.
const BoltFile = "tally.db"

var errBucketMissing = errors.New("bucket missing")

// BoltStore keeps snapshots in a single bbolt database. Every save is one
// transaction, so a snapshot is either fully visible or absent.
type BoltStore struct {
	mu      sync.RWMutex
	db      *bbolt.DB
	scope   string
	catalog *catalog
	pins    *pinSet
	now     func() time.Time
	events  eventLog
}

// OpenBoltStore opens (creating if needed) <dir>/tally.db for one account scope.
func OpenBoltStore(dir, scope string, opts ...Option) (*BoltStore, error) {
	scope, err := cleanScope(scope)
	if err != nil {
		return nil, err
	}
	o := buildOptions(opts)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dir, BoltFile), 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketSnapshots, bucketMeta} {
			top, err := tx.CreateBucketIfNotExists(name)
			if err != nil {
				return err
			}
			if _, err := top.CreateBucketIfNotExists([]byte(scope)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize buckets: %w", err)
	}

	s := &BoltStore{
		db:      db,
		scope:   scope,
		catalog: newCatalog(),
		pins:    newPinSet(),
		now:     o.now,
		events:  eventLog{journal: o.journal},
	}
	if err := s.rebuildCatalog(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) buckets(tx *bbolt.Tx) (snapshots, meta *bbolt.Bucket, err error) {
	top := tx.Bucket(bucketSnapshots)
	metaTop := tx.Bucket(bucketMeta)
	if top == nil || metaTop == nil {
		return nil, nil, errBucketMissing
	}
	snapshots = top.Bucket([]byte(s.scope))
	meta = metaTop.Bucket([]byte(s.scope))
	if snapshots == nil || meta == nil {
		return nil, nil, errBucketMissing
	}
	return snapshots, meta, nil
}

// rebuildCatalog loads the metadata index from the meta bucket.
func (s *BoltStore) rebuildCatalog() error {
	return s.db.View(func(tx *bbolt.Tx) error {
		snapshots, meta, err := s.buckets(tx)
		if err != nil {
			return err
		}
		return snapshots.ForEach(func(k, _ []byte) error {
			id := string(k)
			var m Metadata
			raw := meta.Get(k)
			if raw == nil || json.Unmarshal(raw, &m) != nil || m.ID != id {
				created, _ := parseIDTime(id)
				s.catalog.put(catalogEntry{meta: Metadata{ID: id, AccountScope: s.scope, CreatedAt: created}, unreadable: true})
				return nil
			}
			s.catalog.put(catalogEntry{meta: m})
			return nil
		})
	})
}

// Save stores the snapshot in one transaction and returns its id.
func (s *BoltStore) Save(ctx context.Context, resources []resource.Resource, meta Metadata) (string, error) {
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

	var (
		id       string
		stamped  Metadata
		attempts int
	)
	err = s.db.Update(func(tx *bbolt.Tx) error {
		snapshots, metaBucket, err := s.buckets(tx)
		if err != nil {
			return err
		}
		for attempt := 0; attempt < maxSaveAttempts; attempt++ {
			candidate := snapshotID(meta.CreatedAt, attempt)
			if snapshots.Get([]byte(candidate)) != nil {
				continue
			}

			data, m, err := encodeEnvelope(meta, candidate, payload)
			if err != nil {
				return err
			}
			header, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("failed to marshal metadata: %w", err)
			}
			if err := snapshots.Put([]byte(candidate), data); err != nil {
				return err
			}
			if err := metaBucket.Put([]byte(candidate), header); err != nil {
				return err
			}
			id, stamped, attempts = candidate, m, attempt+1
			return nil
		}
		return fmt.Errorf("failed to allocate snapshot id after %d attempts", maxSaveAttempts)
	})
	if err != nil {
		return "", fmt.Errorf("failed to save snapshot: %w", err)
	}

	s.catalog.put(catalogEntry{meta: stamped})
	s.events.record(wal.EntrySnapshotSaved, id, SavedEvent{
		Scope:         s.scope,
		ResourceCount: stamped.ResourceCount,
		Checksum:      stamped.Checksum,
		Attempts:      attempts,
	})
	log.Info().
		Str("snapshot_id", id).
		Str("scope", s.scope).
		Int("resources", stamped.ResourceCount).
		Msg("snapshot saved")
	return id, nil
}

func (s *BoltStore) read(id string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		snapshots, _, err := s.buckets(tx)
		if err != nil {
			return err
		}
		v := snapshots.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrSnapshotNotFound, id)
		}
		// bbolt values are only valid inside the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	return data, err
}

// Load returns the snapshot with the given id, or the most recent one when
// id is empty.
func (s *BoltStore) Load(ctx context.Context, id string) (*Snapshot, error) {
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

	data, err := s.read(id)
	if err != nil {
		return nil, err
	}
	snap, err := decodeEnvelope(id, data)
	if err != nil {
		s.events.recordError(wal.EntrySnapshotCorrupted, id, nil, err)
		return nil, err
	}
	return snap, nil
}

// List returns snapshot metadata, most recent first.
func (s *BoltStore) List(ctx context.Context, limit int) ([]Metadata, error) {
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

func (s *BoltStore) verify(id string) error {
	data, err := s.read(id)
	if err != nil {
		return &CorruptionError{ID: id, Reason: err.Error()}
	}
	env, err := decodeHeader(id, data)
	if err != nil {
		return err
	}
	return verify(env)
}

// ValidateIntegrity recomputes every checksum without removing anything.
func (s *BoltStore) ValidateIntegrity(ctx context.Context) (IntegrityReport, error) {
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

// ApplyRetention deletes expired snapshots oldest-first once the retained
// set validates. Pinned snapshots are deferred.
func (s *BoltStore) ApplyRetention(ctx context.Context, policy RetentionPolicy) (RetentionResult, error) {
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
func (s *BoltStore) Delete(ctx context.Context, id string) error {
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

func (s *BoltStore) removeLocked(id string) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		snapshots, meta, err := s.buckets(tx)
		if err != nil {
			return err
		}
		if err := snapshots.Delete([]byte(id)); err != nil {
			return err
		}
		return meta.Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("failed to remove snapshot %s: %w", id, err)
	}
	s.catalog.remove(id)
	return nil
}

// Pin marks id as referenced by an in-flight comparison.
func (s *BoltStore) Pin(id string) func() {
	return s.pins.pin(id)
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Scope returns the account scope this store is bound to.
func (s *BoltStore) Scope() string {
	return s.scope
}
