package resource

// DiffType represents the kind of a single leaf change.
type DiffType string

const (
	// DiffAdded indicates a leaf exists only in the newer version.
	DiffAdded DiffType = "added"
	// DiffRemoved indicates a leaf exists only in the older version.
	DiffRemoved DiffType = "removed"
	// DiffModified indicates a leaf value changed.
	DiffModified DiffType = "modified"
)

// Category groups attribute changes by concern.
type Category string

const (
	CategorySecurity      Category = "security"
	CategoryNetwork       Category = "network"
	CategoryCompliance    Category = "compliance"
	CategoryConfiguration Category = "configuration"
	CategoryMetadata      Category = "metadata"
	CategoryTag           Category = "tag"
)

// Categories lists every category in reporting order.
var Categories = []Category{
	CategorySecurity,
	CategoryNetwork,
	CategoryCompliance,
	CategoryConfiguration,
	CategoryMetadata,
	CategoryTag,
}

// Severity indicates how much a change matters.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}

// Rank returns a sortable weight; higher is more severe. Unknown values rank 0.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// AttributeChange is one field-level difference between two versions of a resource.
type AttributeChange struct {
	Path     string   `json:"attribute_path"`
	OldValue any      `json:"old_value"`
	NewValue any      `json:"new_value"`
	Kind     DiffType `json:"kind"`
	Category Category `json:"category"`
	Severity Severity `json:"severity"`
}

// ModifiedResource pairs the newer version of a resource with its changes.
type ModifiedResource struct {
	Resource Resource          `json:"resource"`
	Previous Resource          `json:"previous"`
	Changes  []AttributeChange `json:"changes"`
}

// DeltaReport is the result of comparing two resource sets.
type DeltaReport struct {
	OldSnapshotID string             `json:"old_snapshot_id"`
	NewSnapshotID string             `json:"new_snapshot_id"`
	Added         []Resource         `json:"added"`
	Removed       []Resource         `json:"removed"`
	Modified      []ModifiedResource `json:"modified"`
	Summary       Summary            `json:"summary"`
}

// IsEmpty reports whether the two sets were identical.
func (d DeltaReport) IsEmpty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// Summary aggregates a DeltaReport for reporting.
type Summary struct {
	OldSnapshotID     string           `json:"old_snapshot_id"`
	NewSnapshotID     string           `json:"new_snapshot_id"`
	AddedCount        int              `json:"added_count"`
	RemovedCount      int              `json:"removed_count"`
	ModifiedCount     int              `json:"modified_count"`
	TotalChanges      int              `json:"total_changes"`
	ByCategory        map[Category]int `json:"by_category"`
	BySeverity        map[Severity]int `json:"by_severity"`
	HasCritical       bool             `json:"has_critical"`
	HasSecurityImpact bool             `json:"has_security_impact"`
	HasNetworkImpact  bool             `json:"has_network_impact"`
	ChangedAttributes []string         `json:"changed_attributes,omitempty"`
}

// HighestSeverity returns the most severe level seen, or "" when nothing changed.
func (s Summary) HighestSeverity() Severity {
	for _, sev := range Severities {
		if s.BySeverity[sev] > 0 {
			return sev
		}
	}
	return ""
}

// ResourceKey returns the classification key used to tell apart unrelated
// entities that happen to share an id.
func ResourceKey(r Resource) string {
	return r.Service + "|" + r.Type
}
