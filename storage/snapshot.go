package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/yairfalse/tally/pkg/resource"
)

// FormatVersion is written into every snapshot header.
const FormatVersion = 1

// IDLayout is the creation-time layout snapshot ids are derived from.
const IDLayout = "20060102T150405.000000000Z"

// DefaultScope is used when metadata carries no account scope.
const DefaultScope = "default"

const checksumPrefix = "sha256:"

var (
	// ErrSnapshotNotFound is returned for unknown ids or an empty store.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrSnapshotCorrupted is returned when a stored payload fails its checksum.
	ErrSnapshotCorrupted = errors.New("snapshot corrupted")
	// ErrRetentionAborted is returned when the retained set fails validation.
	ErrRetentionAborted = errors.New("retention aborted")
	// ErrInvalidMetadata wraps metadata validation failures.
	ErrInvalidMetadata = errors.New("invalid snapshot metadata")
	// ErrSnapshotPinned is returned when deleting a snapshot in use.
	ErrSnapshotPinned = errors.New("snapshot pinned")
)

// CorruptionError describes a checksum mismatch.
type CorruptionError struct {
	ID       string
	Expected string
	Actual   string
	Reason   string
}

func (e *CorruptionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("snapshot %s corrupted: %s", e.ID, e.Reason)
	}
	return fmt.Sprintf("snapshot %s corrupted: checksum %s, computed %s", e.ID, e.Expected, e.Actual)
}

func (e *CorruptionError) Unwrap() error {
	return ErrSnapshotCorrupted
}

// Metadata is the snapshot header.
type Metadata struct {
	ID            string            `json:"id"`
	Version       int               `json:"version"`
	AccountScope  string            `json:"account_scope" validate:"required,max=128,excludesall=/\\"`
	Regions       []string          `json:"regions" validate:"dive,required"`
	Methods       []string          `json:"discovery_methods" validate:"dive,required"`
	Tags          map[string]string `json:"tags,omitempty" validate:"dive,keys,required,endkeys"`
	CreatedAt     time.Time         `json:"created_at"`
	ResourceCount int               `json:"resource_count" validate:"gte=0"`
	Checksum      string            `json:"checksum"`
}

// Snapshot is an immutable, stored inventory.
type Snapshot struct {
	Metadata  Metadata
	Resources []resource.Resource
}

// envelope is the persisted form. Resources stay raw so the checksum covers
// the exact stored bytes.
type envelope struct {
	Metadata  Metadata        `json:"metadata"`
	Resources json.RawMessage `json:"resources"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// prepareMetadata fills defaults and validates caller-supplied metadata.
func prepareMetadata(meta Metadata, scope string) (Metadata, error) {
	if meta.AccountScope == "" {
		meta.AccountScope = scope
	}
	if meta.AccountScope != scope {
		return meta, fmt.Errorf("%w: account scope %q does not match store scope %q", ErrInvalidMetadata, meta.AccountScope, scope)
	}
	if err := validate.Struct(meta); err != nil {
		return meta, fmt.Errorf("%w: %v", ErrInvalidMetadata, err)
	}
	meta.Version = FormatVersion
	return meta, nil
}

// encodeResources sorts a copy of the resources and marshals it compactly.
func encodeResources(resources []resource.Resource) ([]byte, error) {
	sorted := make([]resource.Resource, len(resources))
	copy(sorted, resources)
	resource.Sort(sorted)

	payload, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal resources: %w", err)
	}
	return payload, nil
}

// encodeEnvelope stamps id and checksum into meta and marshals the envelope.
func encodeEnvelope(meta Metadata, id string, payload []byte) ([]byte, Metadata, error) {
	meta.ID = id
	meta.Checksum = computeChecksum(payload)
	data, err := json.Marshal(envelope{Metadata: meta, Resources: payload})
	if err != nil {
		return nil, meta, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, meta, nil
}

// decodeEnvelope parses a stored snapshot and verifies its checksum.
func decodeEnvelope(id string, data []byte) (*Snapshot, error) {
	env, err := decodeHeader(id, data)
	if err != nil {
		return nil, err
	}
	if err := verify(env); err != nil {
		return nil, err
	}

	var resources []resource.Resource
	if err := json.Unmarshal(env.Resources, &resources); err != nil {
		return nil, &CorruptionError{ID: id, Reason: fmt.Sprintf("undecodable resources: %v", err)}
	}
	if resources == nil {
		resources = []resource.Resource{}
	}
	return &Snapshot{Metadata: env.Metadata, Resources: resources}, nil
}

func decodeHeader(id string, data []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &CorruptionError{ID: id, Reason: fmt.Sprintf("undecodable envelope: %v", err)}
	}
	if env.Metadata.ID != id {
		return nil, &CorruptionError{ID: id, Reason: fmt.Sprintf("header id %q does not match", env.Metadata.ID)}
	}
	return &env, nil
}

func verify(env *envelope) error {
	actual := computeChecksum(env.Resources)
	if actual != env.Metadata.Checksum {
		return &CorruptionError{ID: env.Metadata.ID, Expected: env.Metadata.Checksum, Actual: actual}
	}
	return nil
}

func computeChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return checksumPrefix + hex.EncodeToString(sum[:])
}

// snapshotID derives the id for a creation time and attempt number.
// Attempt 0 is the bare timestamp; later attempts add "-N" from 2.
func snapshotID(createdAt time.Time, attempt int) string {
	id := createdAt.UTC().Format(IDLayout)
	if attempt > 0 {
		id += "-" + strconv.Itoa(attempt+1)
	}
	return id
}

// idAttempt returns the save attempt encoded in an id's "-N" suffix. A bare
// timestamp is attempt 1; ids that do not follow the layout sort first.
func idAttempt(id string) int {
	if len(id) < len(IDLayout) {
		return 0
	}
	suffix := id[len(IDLayout):]
	if suffix == "" {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimPrefix(suffix, "-"))
	if err != nil || !strings.HasPrefix(suffix, "-") {
		return 0
	}
	return n
}

// parseIDTime recovers the creation time encoded in an id.
func parseIDTime(id string) (time.Time, bool) {
	if len(id) < len(IDLayout) {
		return time.Time{}, false
	}
	t, err := time.Parse(IDLayout, id[:len(IDLayout)])
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
