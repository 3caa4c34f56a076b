package reconciler

import "github.com/yairfalse/tally/pkg/resource"

// Discovery methods with a known authority ranking.
const (
	MethodServiceAPI       = "service-api"
	MethodConfigAPI        = "config-api"
	MethodTagAPI           = "tag-api"
	MethodResourceExplorer = "resource-explorer"
	MethodCloudFormation   = "cloudformation"
	MethodScan             = "scan"
)

// DefaultPriority ranks discovery methods; higher is more authoritative.
// Methods not listed rank 0.
var DefaultPriority = map[string]int{
	MethodServiceAPI:       6,
	MethodConfigAPI:        5,
	MethodTagAPI:           4,
	MethodResourceExplorer: 3,
	MethodCloudFormation:   2,
	MethodScan:             1,
}

// CompletenessBonus is added per extra method that contributed new data.
const CompletenessBonus = 0.05

// WarningKind classifies a non-fatal data quality issue.
type WarningKind string

const (
	// WarningIDCollision means unrelated resources shared an id and one was re-keyed.
	WarningIDCollision WarningKind = "id_collision"
)

// Warning is a data quality issue found during reconciliation.
type Warning struct {
	Kind    WarningKind `json:"kind"`
	ID      string      `json:"id"`
	NewID   string      `json:"new_id,omitempty"`
	Message string      `json:"message"`
}

// Stats describes a reconciliation run.
type Stats struct {
	Input      int       `json:"input"`
	Output     int       `json:"output"`
	Merged     int       `json:"merged"` // records folded into another record
	Collisions int       `json:"collisions"`
	Warnings   []Warning `json:"warnings,omitempty"`
}

// Result is the deduplicated, ordered inventory plus run statistics.
type Result struct {
	Resources []resource.Resource
	Stats     Stats
}
