// Package filter narrows a discovered inventory by service and by tags.
package filter

import (
	"strings"

	"github.com/yairfalse/tally/pkg/resource"
)

// Config lists the filter rules. Empty fields disable the rule.
type Config struct {
	ExcludeServices []string
	ExcludeTypes    []string
	IncludeTags     map[string]string
	ExcludeTags     map[string]string
}

// Filter controls which resources reach the reconciled inventory.
type Filter struct {
	excludeServices map[string]bool
	excludeTypes    map[string]bool
	includeTags     map[string]string
	excludeTags     map[string]string
}

// New creates a new Filter from the provided configuration.
func New(cfg Config) *Filter {
	return &Filter{
		excludeServices: keySet(cfg.ExcludeServices),
		excludeTypes:    keySet(cfg.ExcludeTypes),
		includeTags:     cfg.IncludeTags,
		excludeTags:     cfg.ExcludeTags,
	}
}

// Service and type names compare case-insensitively and ignore "-" vs "_".
func foldKey(s string) string {
	return strings.ReplaceAll(strings.ToUpper(s), "-", "_")
}

func keySet(values []string) map[string]bool {
	m := make(map[string]bool, len(values))
	for _, v := range values {
		m[foldKey(v)] = true
	}
	return m
}

// ShouldIncludeService returns true if resources of service are kept.
func (f *Filter) ShouldIncludeService(service string) bool {
	return !f.excludeServices[foldKey(service)]
}

// ShouldIncludeResource returns true if the resource passes every rule.
func (f *Filter) ShouldIncludeResource(r resource.Resource) bool {
	if f.excludeServices[foldKey(r.Service)] || f.excludeTypes[foldKey(r.Type)] {
		return false
	}

	// Check include tags (whitelist) - ALL must match
	for k, v := range f.includeTags {
		if got, ok := r.Tags[k]; !ok || got != v {
			return false
		}
	}

	// Check exclude tags (blacklist) - ANY match excludes
	for k, v := range f.excludeTags {
		if got, ok := r.Tags[k]; ok && got == v {
			return false
		}
	}

	return true
}

// FilterResources returns only resources that pass the filter, and the
// number dropped.
func (f *Filter) FilterResources(resources []resource.Resource) ([]resource.Resource, int) {
	if f.IsEmpty() {
		return resources, 0
	}

	filtered := make([]resource.Resource, 0, len(resources))
	for _, r := range resources {
		if f.ShouldIncludeResource(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered, len(resources) - len(filtered)
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeServices) == 0 && len(f.excludeTypes) == 0 &&
		len(f.includeTags) == 0 && len(f.excludeTags) == 0
}
