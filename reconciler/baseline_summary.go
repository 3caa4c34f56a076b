package reconciler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/yairfalse/tally/pkg/resource"
)

// LowConfidenceThreshold marks records that are mostly incomplete.
const LowConfidenceThreshold = 0.5

// InventorySummary describes a reconciled inventory.
type InventorySummary struct {
	Total         int            `json:"total"`
	ByService     map[string]int `json:"by_service"`
	ByRegion      map[string]int `json:"by_region"`
	ByProvenance  map[string]int `json:"by_provenance"`
	MultiSource   int            `json:"multi_source"` // resources confirmed by more than one method
	Untagged      []string       `json:"untagged,omitempty"`
	LowConfidence []string       `json:"low_confidence,omitempty"`
}

// SummarizeInventory counts a reconciled resource set.
func SummarizeInventory(resources []resource.Resource) InventorySummary {
	summary := InventorySummary{
		Total:        len(resources),
		ByService:    make(map[string]int),
		ByRegion:     make(map[string]int),
		ByProvenance: make(map[string]int),
	}

	for _, r := range resources {
		summary.ByService[r.Service]++
		summary.ByRegion[r.Region]++
		for _, p := range r.Provenance {
			summary.ByProvenance[p]++
		}
		if len(r.Provenance) > 1 {
			summary.MultiSource++
		}
		if len(r.Tags) == 0 {
			summary.Untagged = append(summary.Untagged, r.ID)
		}
		if r.Confidence < LowConfidenceThreshold {
			summary.LowConfidence = append(summary.LowConfidence, r.ID)
		}
	}

	sort.Strings(summary.Untagged)
	sort.Strings(summary.LowConfidence)
	return summary
}

// Format renders the summary for terminal output.
func (s InventorySummary) Format() string {
	var b strings.Builder

	b.WriteString("════════════════════════════════════════════════════\n")
	b.WriteString(fmt.Sprintf("  INVENTORY RECONCILED - %d resources\n", s.Total))
	b.WriteString("════════════════════════════════════════════════════\n\n")

	writeCounts(&b, "BY SERVICE", s.ByService)
	writeCounts(&b, "BY REGION", s.ByRegion)
	writeCounts(&b, "BY DISCOVERY METHOD", s.ByProvenance)

	b.WriteString("DATA QUALITY\n")
	b.WriteString(fmt.Sprintf("  %3d  resources confirmed by several methods\n", s.MultiSource))
	b.WriteString(fmt.Sprintf("  %3d  resources have no tags\n", len(s.Untagged)))
	b.WriteString(fmt.Sprintf("  %3d  resources below %.0f%% confidence\n", len(s.LowConfidence), LowConfidenceThreshold*100))
	b.WriteString("════════════════════════════════════════════════════\n")

	return b.String()
}

func writeCounts(b *strings.Builder, title string, counts map[string]int) {
	if len(counts) == 0 {
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(title + "\n")
	for _, k := range keys {
		b.WriteString(fmt.Sprintf("  %3d  %s\n", counts[k], k))
	}
	b.WriteString("\n")
}
