package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/yairfalse/tally/pkg/resource"
)

const (
	formatText = "text"
	formatJSON = "json"
)

func checkFormat(format string) error {
	switch format {
	case formatText, formatJSON:
		return nil
	default:
		return fmt.Errorf("unknown output format %q (want text or json)", format)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printDelta writes a human-readable delta report.
func printDelta(w io.Writer, d resource.DeltaReport) {
	s := d.Summary
	from := d.OldSnapshotID
	if from == "" {
		from = "(none)"
	}
	fmt.Fprintf(w, "Delta %s -> %s\n", from, d.NewSnapshotID)
	fmt.Fprintf(w, "  added %s  removed %s  modified %s\n",
		humanize.Comma(int64(s.AddedCount)),
		humanize.Comma(int64(s.RemovedCount)),
		humanize.Comma(int64(s.ModifiedCount)))

	if d.IsEmpty() {
		fmt.Fprintln(w, "  no changes")
		return
	}
	if counts := joinCounts(s.BySeverity); counts != "" {
		fmt.Fprintf(w, "  severity: %s\n", counts)
	}
	if counts := joinCounts(s.ByCategory); counts != "" {
		fmt.Fprintf(w, "  category: %s\n", counts)
	}
	if s.HasCritical {
		fmt.Fprintln(w, "  CRITICAL changes present")
	}

	for _, r := range d.Added {
		fmt.Fprintf(w, "+ %s\n", describe(r))
	}
	for _, r := range d.Removed {
		fmt.Fprintf(w, "- %s\n", describe(r))
	}
	for _, m := range d.Modified {
		fmt.Fprintf(w, "~ %s\n", describe(m.Resource))
		for _, c := range m.Changes {
			fmt.Fprintf(w, "    %-8s %-13s %s: %v -> %v\n", c.Severity, c.Category, c.Path, c.OldValue, c.NewValue)
		}
	}
}

func describe(r resource.Resource) string {
	s := fmt.Sprintf("%s/%s %s (%s)", r.Service, r.Type, r.ID, r.Region)
	if r.Name != "" && r.Name != r.ID {
		s += " " + r.Name
	}
	return s
}

func joinCounts[K ~string](m map[K]int) string {
	keys := make([]string, 0, len(m))
	for k, n := range m {
		if n > 0 {
			keys = append(keys, string(k))
		}
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, m[K(k)]))
	}
	return strings.Join(parts, " ")
}
