// Package source defines where raw discovery records come from.
package source

import (
	"context"
	"sort"
	"sync"
)

// Source yields already-fetched raw records for one discovery method.
// Keep it simple: Method + Fetch.
type Source interface {
	// Method returns the discovery method name (e.g., "tag-api", "service-api")
	Method() string

	// Fetch returns the raw records seen in region.
	Fetch(ctx context.Context, region string) ([]map[string]any, error)
}

// Registry holds sources keyed by method.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty registry.
func NewRegistry(sources ...Source) *Registry {
	r := &Registry{sources: make(map[string]Source)}
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

// Register adds a source, replacing any source with the same method.
func (r *Registry) Register(s Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[s.Method()] = s
}

// Get returns the source for method.
func (r *Registry) Get(method string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sources[method]
	return s, ok
}

// All returns every source sorted by method.
func (r *Registry) All() []Source {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Source, 0, len(r.sources))
	for _, s := range r.sources {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Method() < out[j].Method()
	})
	return out
}

// Methods returns registered method names, sorted.
func (r *Registry) Methods() []string {
	all := r.All()
	names := make([]string, 0, len(all))
	for _, s := range all {
		names = append(names, s.Method())
	}
	return names
}

// Select returns the sources for methods, in the given order. Unknown
// methods are returned separately.
func (r *Registry) Select(methods []string) (found []Source, missing []string) {
	for _, m := range methods {
		if s, ok := r.Get(m); ok {
			found = append(found, s)
		} else {
			missing = append(missing, m)
		}
	}
	return found, missing
}

// StaticSource serves fixed records, keyed by region. Records under the
// empty region are returned for every region.
type StaticSource struct {
	method  string
	records map[string][]map[string]any
}

// NewStatic creates a StaticSource.
func NewStatic(method string, records map[string][]map[string]any) *StaticSource {
	return &StaticSource{method: method, records: records}
}

func (s *StaticSource) Method() string {
	return s.method
}

func (s *StaticSource) Fetch(ctx context.Context, region string) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(s.records[region])+len(s.records[""]))
	out = append(out, s.records[region]...)
	if region != "" {
		out = append(out, s.records[""]...)
	}
	return out, nil
}
