package analyzer

import (
	"encoding/json"
	"reflect"
	"sort"
	"strings"

	"github.com/yairfalse/tally/pkg/resource"
)

// Detect compares two resource sets and returns the classified delta with its
// summary. It is pure: inputs are never modified and output order does not
// depend on input order.
func Detect(before, after []resource.Resource, oldID, newID string) resource.DeltaReport {
	oldByID := indexByID(before)
	newByID := indexByID(after)

	report := resource.DeltaReport{
		OldSnapshotID: oldID,
		NewSnapshotID: newID,
		Added:         []resource.Resource{},
		Removed:       []resource.Resource{},
		Modified:      []resource.ModifiedResource{},
	}

	for id, cur := range newByID {
		prev, ok := oldByID[id]
		if !ok {
			report.Added = append(report.Added, cur)
			continue
		}
		// An id reused by an unrelated entity is not a modification.
		if prev.Type != cur.Type {
			report.Removed = append(report.Removed, prev)
			report.Added = append(report.Added, cur)
			continue
		}
		if changes := DiffResource(prev, cur); len(changes) > 0 {
			report.Modified = append(report.Modified, resource.ModifiedResource{
				Resource: cur,
				Previous: prev,
				Changes:  changes,
			})
		}
	}
	for id, prev := range oldByID {
		if _, ok := newByID[id]; !ok {
			report.Removed = append(report.Removed, prev)
		}
	}

	sortByIDRegion(report.Added)
	sortByIDRegion(report.Removed)
	sort.Slice(report.Modified, func(i, j int) bool {
		return report.Modified[i].Resource.ID < report.Modified[j].Resource.ID
	})

	report.Summary = Summarize(report)
	return report
}

// indexByID keys resources by id. Reconciled sets have unique ids; if a set
// does not, the record that sorts first wins so the result stays order independent.
func indexByID(rs []resource.Resource) map[string]resource.Resource {
	out := make(map[string]resource.Resource, len(rs))
	for _, r := range rs {
		if existing, ok := out[r.ID]; ok && !resource.Less(r, existing) {
			continue
		}
		out[r.ID] = r
	}
	return out
}

func sortByIDRegion(rs []resource.Resource) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].ID != rs[j].ID {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].Region < rs[j].Region
	})
}

// DiffResource returns the leaf-level changes between two versions of one
// resource, sorted by path.
func DiffResource(prev, cur resource.Resource) []resource.AttributeChange {
	w := &walker{}

	w.diffValue([]string{"region"}, prev.Region, cur.Region)
	w.diffValue([]string{"service"}, prev.Service, cur.Service)
	w.diffValue([]string{"resource_type"}, prev.Type, cur.Type)
	w.diffMaps([]string{rootTags}, stringMap(prev.Tags), stringMap(cur.Tags))
	w.diffMaps([]string{rootAttributes}, prev.Attributes, cur.Attributes)

	sort.SliceStable(w.changes, func(i, j int) bool {
		return w.changes[i].Path < w.changes[j].Path
	})
	return w.changes
}

type walker struct {
	changes []resource.AttributeChange
}

func (w *walker) record(segments []string, oldValue, newValue any, kind resource.DiffType) {
	category, severity := classify(segments, kind)
	w.changes = append(w.changes, resource.AttributeChange{
		Path:     strings.Join(segments, "."),
		OldValue: resource.CloneValue(oldValue),
		NewValue: resource.CloneValue(newValue),
		Kind:     kind,
		Category: category,
		Severity: severity,
	})
}

func (w *walker) diffValue(segments []string, oldValue, newValue any) {
	om, oldIsMap := oldValue.(map[string]any)
	nm, newIsMap := newValue.(map[string]any)
	if oldIsMap && newIsMap {
		w.diffMaps(segments, om, nm)
		return
	}
	if !valuesEqual(oldValue, newValue) {
		w.record(segments, oldValue, newValue, resource.DiffModified)
	}
}

func (w *walker) diffMaps(segments []string, oldMap, newMap map[string]any) {
	for _, key := range unionKeys(oldMap, newMap) {
		oldValue, inOld := oldMap[key]
		newValue, inNew := newMap[key]
		child := appendSegment(segments, key)

		switch {
		case inOld && !inNew:
			w.leaves(child, oldValue, resource.DiffRemoved)
		case !inOld && inNew:
			w.leaves(child, newValue, resource.DiffAdded)
		default:
			w.diffValue(child, oldValue, newValue)
		}
	}
}

// leaves records every leaf below v as added or removed. An empty map is
// itself a leaf.
func (w *walker) leaves(segments []string, v any, kind resource.DiffType) {
	if m, ok := v.(map[string]any); ok && len(m) > 0 {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			w.leaves(appendSegment(segments, k), m[k], kind)
		}
		return
	}
	if kind == resource.DiffAdded {
		w.record(segments, nil, v, kind)
	} else {
		w.record(segments, v, nil, kind)
	}
}

func appendSegment(segments []string, s string) []string {
	out := make([]string, len(segments), len(segments)+1)
	copy(out, segments)
	return append(out, s)
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func stringMap(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// valuesEqual compares two leaf values. Numbers compare by value whatever
// their Go type, since decoded snapshots carry float64 while fresh scans may
// carry ints.
func valuesEqual(a, b any) bool {
	return reflect.DeepEqual(canonical(a), canonical(b))
}

func canonical(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = canonical(e)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = e
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonical(e)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out
	case json.Number:
		if f, err := t.Float64(); err == nil {
			return f
		}
		return string(t)
	case int:
		return float64(t)
	case int8:
		return float64(t)
	case int16:
		return float64(t)
	case int32:
		return float64(t)
	case int64:
		return float64(t)
	case uint:
		return float64(t)
	case uint8:
		return float64(t)
	case uint16:
		return float64(t)
	case uint32:
		return float64(t)
	case uint64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
