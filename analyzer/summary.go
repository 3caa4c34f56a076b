package analyzer

import (
	"sort"
	"strings"

	"github.com/yairfalse/tally/pkg/resource"
)

// Summarize aggregates a delta into counts and impact flags. Category and
// severity counts cover attribute changes; added and removed resources count
// toward TotalChanges only.
func Summarize(report resource.DeltaReport) resource.Summary {
	s := resource.Summary{
		OldSnapshotID: report.OldSnapshotID,
		NewSnapshotID: report.NewSnapshotID,
		AddedCount:    len(report.Added),
		RemovedCount:  len(report.Removed),
		ModifiedCount: len(report.Modified),
		ByCategory:    make(map[resource.Category]int, len(resource.Categories)),
		BySeverity:    make(map[resource.Severity]int, len(resource.Severities)),
	}
	for _, c := range resource.Categories {
		s.ByCategory[c] = 0
	}
	for _, sev := range resource.Severities {
		s.BySeverity[sev] = 0
	}

	touched := make(map[string]struct{})
	changes := 0
	for _, m := range report.Modified {
		for _, c := range m.Changes {
			changes++
			s.ByCategory[c.Category]++
			s.BySeverity[c.Severity]++
			touched[topLevelName(c.Path)] = struct{}{}
		}
	}

	s.TotalChanges = s.AddedCount + s.RemovedCount + changes
	s.HasCritical = s.BySeverity[resource.SeverityCritical] > 0
	s.HasSecurityImpact = s.ByCategory[resource.CategorySecurity] > 0
	s.HasNetworkImpact = s.ByCategory[resource.CategoryNetwork] > 0

	if len(touched) > 0 {
		s.ChangedAttributes = make([]string, 0, len(touched))
		for name := range touched {
			s.ChangedAttributes = append(s.ChangedAttributes, name)
		}
		sort.Strings(s.ChangedAttributes)
	}
	return s
}

// topLevelName maps "attributes.ebs.encrypted" to "ebs", any tag path to
// "tags" and top-level fields to themselves.
func topLevelName(path string) string {
	root, rest, found := strings.Cut(path, ".")
	if !found || root == rootTags {
		return root
	}
	name, _, _ := strings.Cut(rest, ".")
	return name
}
