// Package resource defines the canonical resource model for tally.
package resource

import (
	"sort"
	"strings"
)

const (
	// Unknown is used for classification fields that could not be extracted.
	// Keeping it non-empty keeps comparisons total.
	Unknown = "UNKNOWN"

	// GlobalRegion marks region-independent resources.
	GlobalRegion = "global"
)

// Resource is the canonical record for one discovered cloud entity.
type Resource struct {
	ID         string            `json:"id"`            // Stable identifier (e.g., "i-abc123")
	Type       string            `json:"resource_type"` // Mixed case (e.g., "Instance")
	Service    string            `json:"service"`       // Upper snake (e.g., "EC2")
	Region     string            `json:"region"`        // Region or "global"
	AccountID  string            `json:"account_id,omitempty"`
	ARN        string            `json:"arn,omitempty"`  // Fully qualified identifier when known
	Name       string            `json:"name,omitempty"` // Human-readable name
	Tags       map[string]string `json:"tags"`
	Attributes map[string]any    `json:"attributes"`
	Provenance []string          `json:"provenance"` // Discovery methods that found this resource
	Confidence float64           `json:"confidence"` // Completeness score in [0,1]
}

// Less orders resources by (service, type, id, region).
func Less(a, b Resource) bool {
	if a.Service != b.Service {
		return a.Service < b.Service
	}
	if a.Type != b.Type {
		return a.Type < b.Type
	}
	if a.ID != b.ID {
		return a.ID < b.ID
	}
	return a.Region < b.Region
}

// Sort sorts resources in place using the canonical order.
func Sort(resources []Resource) {
	sort.SliceStable(resources, func(i, j int) bool {
		return Less(resources[i], resources[j])
	})
}

// SortByID sorts resources by id, then region.
func SortByID(resources []Resource) {
	sort.SliceStable(resources, func(i, j int) bool {
		if resources[i].ID != resources[j].ID {
			return resources[i].ID < resources[j].ID
		}
		return resources[i].Region < resources[j].Region
	})
}

// BuildResourceMap indexes resources by id.
func BuildResourceMap(resources []Resource) map[string]Resource {
	m := make(map[string]Resource, len(resources))
	for _, r := range resources {
		m[r.ID] = r
	}
	return m
}

// HasProvenance reports whether the given discovery method contributed.
func (r Resource) HasProvenance(method string) bool {
	for _, p := range r.Provenance {
		if p == method {
			return true
		}
	}
	return false
}

// IsGlobal reports whether the resource is region independent.
func (r Resource) IsGlobal() bool {
	return strings.EqualFold(r.Region, GlobalRegion)
}

// Clone returns a deep copy so callers can mutate without aliasing.
func (r Resource) Clone() Resource {
	out := r
	if r.Tags != nil {
		out.Tags = make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			out.Tags[k] = v
		}
	}
	out.Attributes = CloneAttributes(r.Attributes)
	if r.Provenance != nil {
		out.Provenance = append([]string(nil), r.Provenance...)
	}
	return out
}

// CloneAttributes deep copies a nested attribute map.
func CloneAttributes(attrs map[string]any) map[string]any {
	if attrs == nil {
		return nil
	}
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep copies one attribute value.
func CloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CloneAttributes(val)
	case []any:
		list := make([]any, len(val))
		for i, item := range val {
			list[i] = CloneValue(item)
		}
		return list
	case []string:
		return append([]string(nil), val...)
	case map[string]string:
		m := make(map[string]string, len(val))
		for k, s := range val {
			m[k] = s
		}
		return m
	default:
		return val
	}
}
