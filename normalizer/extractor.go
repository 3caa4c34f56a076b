package normalizer

import (
	"fmt"
	"sort"
	"strings"
)

// Fields is the fixed intermediate shape every extractor produces.
type Fields struct {
	ID      string
	Name    string
	ARN     string
	Type    string
	Service string
	Account string
	Region  string
	Tags    map[string]string

	// Consumed holds the raw keys an extractor read, so the remaining keys
	// can be carried over as attributes. A dotted path drops only its leaf.
	Consumed map[string]bool
}

// Extractor pulls the classification fields out of one raw record.
type Extractor interface {
	Extract(raw map[string]any) Fields
}

// Table lists candidate field paths per canonical field, in priority order.
type Table struct {
	ID      []string `yaml:"id"`
	Name    []string `yaml:"name"`
	ARN     []string `yaml:"arn"`
	Type    []string `yaml:"type"`
	Service []string `yaml:"service"`
	Account []string `yaml:"account"`
	Region  []string `yaml:"region"`
	Tags    []string `yaml:"tags"`
}

type tableExtractor struct {
	table Table
}

// NewTableExtractor returns an Extractor driven by a static field table.
func NewTableExtractor(t Table) Extractor {
	return &tableExtractor{table: t}
}

func (e *tableExtractor) Extract(raw map[string]any) Fields {
	f := Fields{Consumed: make(map[string]bool)}

	f.ID = e.firstString(raw, e.table.ID, f.Consumed)
	f.Name = e.firstString(raw, e.table.Name, f.Consumed)
	f.ARN = e.firstString(raw, e.table.ARN, f.Consumed)
	f.Type = e.firstString(raw, e.table.Type, f.Consumed)
	f.Service = e.firstString(raw, e.table.Service, f.Consumed)
	f.Account = e.firstString(raw, e.table.Account, f.Consumed)
	f.Region = e.firstString(raw, e.table.Region, f.Consumed)

	for _, path := range e.table.Tags {
		v, ok := lookup(raw, path)
		if !ok {
			continue
		}
		f.Consumed[path] = true
		if tags, ok := parseTags(v); ok {
			f.Tags = tags
			break
		}
	}
	return f
}

func (e *tableExtractor) firstString(raw map[string]any, paths []string, consumed map[string]bool) string {
	for _, path := range paths {
		v, ok := lookup(raw, path)
		if !ok {
			continue
		}
		s := scalarString(v)
		if s == "" {
			continue
		}
		if !strings.Contains(path, ".") {
			consumed[path] = true
		}
		return s
	}
	return ""
}

// lookup resolves a dotted path through nested maps.
func lookup(raw map[string]any, path string) (any, bool) {
	var cur any = raw
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func scalarString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case map[string]any, []any:
		return ""
	default:
		return fmt.Sprint(val)
	}
}

// parseTags accepts a list of {Key,Value} pairs (any key casing) or a flat mapping.
func parseTags(v any) (map[string]string, bool) {
	switch val := v.(type) {
	case map[string]string:
		out := make(map[string]string, len(val))
		for k, s := range val {
			out[k] = s
		}
		return out, true
	case map[string]any:
		out := make(map[string]string, len(val))
		for k, item := range val {
			out[k] = tagValue(item)
		}
		return out, true
	case []any:
		out := make(map[string]string, len(val))
		for _, item := range val {
			pair, ok := item.(map[string]any)
			if !ok {
				continue
			}
			key, value, ok := tagPair(pair)
			if ok {
				out[key] = value
			}
		}
		return out, true
	case []map[string]any:
		out := make(map[string]string, len(val))
		for _, pair := range val {
			key, value, ok := tagPair(pair)
			if ok {
				out[key] = value
			}
		}
		return out, true
	default:
		return nil, false
	}
}

func tagPair(pair map[string]any) (string, string, bool) {
	var key, value string
	var hasKey bool
	// Sorted so duplicate casings ("Key" and "key") resolve the same way every time.
	names := make([]string, 0, len(pair))
	for name := range pair {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		switch strings.ToLower(name) {
		case "key":
			if !hasKey {
				key = tagValue(pair[name])
				hasKey = key != ""
			}
		case "value":
			if value == "" {
				value = tagValue(pair[name])
			}
		}
	}
	return key, value, hasKey
}

func tagValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		return fmt.Sprint(val)
	}
}
