// Package classifier flags provider-managed infrastructure so it can be
// kept out of the reconciled inventory.
package classifier

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog/log"

	"github.com/yairfalse/tally/pkg/resource"
)

// PolicyQuery is the rule an optional Rego module must define.
const PolicyQuery = "data.tally.managed"

// Classifier decides whether a resource is platform-managed. It holds no
// mutable state, so results never depend on call order.
type Classifier struct {
	patterns map[string][]pattern
	policy   *rego.PreparedEvalQuery
}

// New returns a classifier with the built-in pattern tables.
func New() *Classifier {
	return &Classifier{patterns: managedPatterns}
}

// NewWithPolicy adds rules from a Rego module defining data.tally.managed.
func NewWithPolicy(ctx context.Context, name, module string) (*Classifier, error) {
	prepared, err := rego.New(
		rego.Query(PolicyQuery),
		rego.Module(name, module),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile classifier policy %s: %w", name, err)
	}
	c := New()
	c.policy = &prepared
	return c, nil
}

// NewFromPolicyFile is NewWithPolicy reading the module from disk. An empty
// path yields the built-in classifier.
func NewFromPolicyFile(ctx context.Context, path string) (*Classifier, error) {
	if path == "" {
		return New(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read classifier policy: %w", err)
	}
	return NewWithPolicy(ctx, path, string(data))
}

// IsManaged reports whether r was created by the platform rather than the
// user. Unmatched resources are not managed.
func (c *Classifier) IsManaged(r resource.Resource) bool {
	for _, p := range c.patterns[anyService] {
		if p.matches(r) {
			return true
		}
	}
	for _, p := range c.patterns[r.Service] {
		if p.matches(r) {
			return true
		}
	}
	return c.policyManaged(r)
}

// Partition splits resources into kept and managed, preserving input order.
func (c *Classifier) Partition(rs []resource.Resource) (kept, managed []resource.Resource) {
	kept = make([]resource.Resource, 0, len(rs))
	for _, r := range rs {
		if c.IsManaged(r) {
			managed = append(managed, r)
			continue
		}
		kept = append(kept, r)
	}
	return kept, managed
}

func (c *Classifier) policyManaged(r resource.Resource) bool {
	if c.policy == nil {
		return false
	}
	results, err := c.policy.Eval(context.Background(), rego.EvalInput(r))
	if err != nil {
		log.Warn().Err(err).Str("resource_id", r.ID).Msg("classifier policy evaluation failed")
		return false
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false
	}
	managed, ok := results[0].Expressions[0].Value.(bool)
	return ok && managed
}

func (p pattern) matches(r resource.Resource) bool {
	if len(p.Types) > 0 && !containsFold(p.Types, r.Type) {
		return false
	}

	for _, prefix := range p.IDPrefixes {
		if strings.HasPrefix(r.ID, prefix) {
			return true
		}
	}
	for _, suffix := range p.IDSuffixes {
		if strings.HasSuffix(r.ID, suffix) {
			return true
		}
	}
	for _, sub := range p.ARNSubstrings {
		if r.ARN != "" && strings.Contains(r.ARN, sub) {
			return true
		}
	}

	names := candidateNames(r)
	for _, name := range names {
		if hasPrefix(name, p.NamePrefixes) || hasSubstring(name, p.NameSubstrings) || containsFold(p.NameEquals, name) {
			return true
		}
	}

	for key, want := range p.TagMarkers {
		if v, ok := r.Tags[key]; ok && (want == "" || v == want) {
			return true
		}
	}
	for _, flag := range p.AttrFlags {
		if truthy(r.Attributes[flag]) {
			return true
		}
	}
	for key, values := range p.AttrEquals {
		v, ok := r.Attributes[key]
		if !ok {
			continue
		}
		if containsFold(values, fmt.Sprint(v)) {
			return true
		}
	}
	return false
}

func candidateNames(r resource.Resource) []string {
	names := make([]string, 0, 2)
	if r.Name != "" {
		names = append(names, r.Name)
	}
	for _, key := range nameAttributes {
		if s, ok := r.Attributes[key].(string); ok && s != "" {
			names = append(names, s)
		}
	}
	return names
}

func truthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "true")
	default:
		return false
	}
}

func hasPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasSubstring(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsFold(list []string, s string) bool {
	for _, item := range list {
		if strings.EqualFold(item, s) {
			return true
		}
	}
	return false
}
