// Package reconciler merges records of the same resource found by different
// discovery methods into one deterministic inventory.
package reconciler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tally/pkg/resource"
)

// Engine reconciles normalized records. It keeps no state between calls.
type Engine struct {
	priority map[string]int
	bonus    float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithPriority replaces the method authority ranking.
func WithPriority(priority map[string]int) Option {
	return func(e *Engine) {
		e.priority = priority
	}
}

// WithBonus sets the per-method completeness bonus.
func WithBonus(bonus float64) Option {
	return func(e *Engine) {
		e.bonus = bonus
	}
}

// NewEngine creates a reconciliation engine.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		priority: DefaultPriority,
		bonus:    CompletenessBonus,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// member is one input record with the data needed to rank it.
type member struct {
	r         resource.Resource
	seen      int
	authority int
	canonical []byte
}

// Reconcile groups records by id, merges each group and returns the result
// sorted by (service, type, id, region). Output is identical for every
// permutation of the input.
func (e *Engine) Reconcile(records []resource.Resource) Result {
	stats := Stats{Input: len(records)}

	groups := make(map[string][]member)
	var order []string
	for i, r := range records {
		if _, ok := groups[r.ID]; !ok {
			order = append(order, r.ID)
		}
		groups[r.ID] = append(groups[r.ID], e.newMember(r, i))
	}
	sort.Strings(order)

	out := make([]resource.Resource, 0, len(groups))
	taken := make(map[string]bool, len(groups))
	var rekeys []rekey

	for _, id := range order {
		subgroups := e.splitByKind(groups[id])
		primary := e.merge(subgroups[0])
		out = append(out, primary)
		taken[id] = true
		stats.Merged += len(subgroups[0]) - 1

		for _, sg := range subgroups[1:] {
			merged := e.merge(sg)
			stats.Merged += len(sg) - 1
			rekeys = append(rekeys, rekey{r: merged, primaryRegion: primary.Region})
		}
	}

	// Re-keyed records are assigned after every natural id is known so a
	// synthesized id never shadows a real one.
	sort.Slice(rekeys, func(i, j int) bool { return rekeys[i].less(rekeys[j]) })
	for _, rk := range rekeys {
		newID := uniqueID(rk.candidate(), rk.r.Type, taken)
		taken[newID] = true

		w := Warning{
			Kind:    WarningIDCollision,
			ID:      rk.r.ID,
			NewID:   newID,
			Message: fmt.Sprintf("id %q shared by %s and another resource kind; re-keyed", rk.r.ID, resource.ResourceKey(rk.r)),
		}
		stats.Warnings = append(stats.Warnings, w)
		stats.Collisions++
		log.Warn().
			Str("id", w.ID).
			Str("new_id", newID).
			Str("service", rk.r.Service).
			Str("type", rk.r.Type).
			Msg("resource id collision")

		rk.r.ID = newID
		out = append(out, rk.r)
	}

	resource.Sort(out)
	stats.Output = len(out)
	return Result{Resources: out, Stats: stats}
}

func (e *Engine) newMember(r resource.Resource, seen int) member {
	canonical, err := json.Marshal(r)
	if err != nil {
		// Unmarshalable attribute values still need a stable tie-break.
		canonical = []byte(fmt.Sprintf("%#v", r))
	}
	return member{r: r, seen: seen, authority: e.authority(r.Provenance), canonical: canonical}
}

// authority is the best ranking among a record's provenance methods.
func (e *Engine) authority(provenance []string) int {
	best := 0
	for _, m := range provenance {
		if p := e.priority[m]; p > best {
			best = p
		}
	}
	return best
}

// better reports whether a should be chosen as base over b.
func better(a, b member) bool {
	if a.r.Confidence != b.r.Confidence {
		return a.r.Confidence > b.r.Confidence
	}
	if a.authority != b.authority {
		return a.authority > b.authority
	}
	if a.r.Region != b.r.Region {
		return a.r.Region < b.r.Region
	}
	if c := bytes.Compare(a.canonical, b.canonical); c != 0 {
		return c < 0
	}
	return a.seen < b.seen
}

// splitByKind separates records sharing an id but not a (service, type).
// Each subgroup is ranked best-first; the subgroup holding the overall best
// record comes first and keeps the id.
func (e *Engine) splitByKind(members []member) [][]member {
	byKey := make(map[string][]member)
	var keys []string
	for _, m := range members {
		k := resource.ResourceKey(m.r)
		if _, ok := byKey[k]; !ok {
			keys = append(keys, k)
		}
		byKey[k] = append(byKey[k], m)
	}

	subgroups := make([][]member, 0, len(keys))
	for _, k := range keys {
		sg := byKey[k]
		sort.SliceStable(sg, func(i, j int) bool { return better(sg[i], sg[j]) })
		subgroups = append(subgroups, sg)
	}
	sort.SliceStable(subgroups, func(i, j int) bool {
		return better(subgroups[i][0], subgroups[j][0])
	})
	return subgroups
}

// merge folds a ranked subgroup into its base record.
func (e *Engine) merge(ranked []member) resource.Resource {
	merged := ranked[0].r.Clone()
	if merged.Tags == nil {
		merged.Tags = map[string]string{}
	}
	if merged.Attributes == nil {
		merged.Attributes = map[string]any{}
	}

	maxConfidence := merged.Confidence
	contributors := make(map[string]bool)
	baseMethods := make(map[string]bool, len(merged.Provenance))
	for _, m := range merged.Provenance {
		baseMethods[m] = true
	}

	for _, sec := range ranked[1:] {
		if sec.r.Confidence > maxConfidence {
			maxConfidence = sec.r.Confidence
		}

		added := mergeTags(merged.Tags, sec.r.Tags)
		added += mergeAttributes(merged.Attributes, sec.r.Attributes)
		fillEmpty(&merged, sec.r)

		if added > 0 {
			for _, m := range sec.r.Provenance {
				if !baseMethods[m] {
					contributors[m] = true
				}
			}
		}
	}

	merged.Provenance = e.mergeProvenance(ranked)
	merged.Confidence = maxConfidence + e.bonus*float64(len(contributors))
	if merged.Confidence > 1.0 {
		merged.Confidence = 1.0
	}
	return merged
}

// mergeProvenance returns the union of methods ordered from least to most
// authoritative, ties by name.
func (e *Engine) mergeProvenance(members []member) []string {
	seen := make(map[string]bool)
	var methods []string
	for _, m := range members {
		for _, p := range m.r.Provenance {
			if !seen[p] {
				seen[p] = true
				methods = append(methods, p)
			}
		}
	}
	sort.SliceStable(methods, func(i, j int) bool {
		pi, pj := e.priority[methods[i]], e.priority[methods[j]]
		if pi != pj {
			return pi < pj
		}
		return methods[i] < methods[j]
	})
	return methods
}

// mergeTags copies keys missing from dst and returns how many were added.
func mergeTags(dst, src map[string]string) int {
	added := 0
	for k, v := range src {
		if _, ok := dst[k]; ok {
			continue
		}
		dst[k] = v
		added++
	}
	return added
}

// mergeAttributes deep-merges src into dst; existing leaves in dst win.
// It returns the number of leaves added.
func mergeAttributes(dst, src map[string]any) int {
	added := 0
	for k, v := range src {
		existing, ok := dst[k]
		if !ok {
			dst[k] = resource.CloneValue(v)
			added += leafCount(v)
			continue
		}
		dstMap, dstIsMap := existing.(map[string]any)
		srcMap, srcIsMap := v.(map[string]any)
		if dstIsMap && srcIsMap {
			added += mergeAttributes(dstMap, srcMap)
		}
	}
	return added
}

func leafCount(v any) int {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return 1
	}
	n := 0
	for _, child := range m {
		n += leafCount(child)
	}
	return n
}

func fillEmpty(dst *resource.Resource, src resource.Resource) {
	if dst.AccountID == "" {
		dst.AccountID = src.AccountID
	}
	if dst.ARN == "" {
		dst.ARN = src.ARN
	}
	if dst.Name == "" {
		dst.Name = src.Name
	}
}

type rekey struct {
	r             resource.Resource
	primaryRegion string
}

func (k rekey) candidate() string {
	id := k.r.ID + "@" + k.r.Region
	if k.r.Region == k.primaryRegion {
		id += "#" + k.r.Type
	}
	return id
}

func (k rekey) less(o rekey) bool {
	if k.r.ID != o.r.ID {
		return k.r.ID < o.r.ID
	}
	return resource.Less(k.r, o.r)
}

func uniqueID(candidate, typ string, taken map[string]bool) string {
	if !taken[candidate] {
		return candidate
	}
	withType := candidate + "#" + typ
	if !taken[withType] {
		return withType
	}
	for n := 2; ; n++ {
		id := withType + "-" + strconv.Itoa(n)
		if !taken[id] {
			return id
		}
	}
}
