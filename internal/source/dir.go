package source

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrInvalidDump is returned when a dump file holds neither a list of
// records nor a {"records": [...]} document.
var ErrInvalidDump = errors.New("invalid dump file")

// dumpExtensions are tried in order for each region.
var dumpExtensions = []string{".json", ".yaml", ".yml"}

// DirSource reads pre-fetched dumps laid out as <dir>/<method>/<region>.json
// (or .yaml). A missing file means the region had no records.
type DirSource struct {
	dir    string
	method string
}

// NewDir creates a DirSource for method rooted at dir.
func NewDir(dir, method string) *DirSource {
	return &DirSource{dir: dir, method: method}
}

// DiscoverDir returns one DirSource per method subdirectory of dir.
func DiscoverDir(dir string) ([]*DirSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read source directory: %w", err)
	}
	var out []*DirSource
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, NewDir(dir, e.Name()))
		}
	}
	return out, nil
}

func (d *DirSource) Method() string {
	return d.method
}

func (d *DirSource) Fetch(ctx context.Context, region string) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, ext := range dumpExtensions {
		path := filepath.Join(d.dir, d.method, region+ext)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		records, err := decodeDump(data, ext != ".json")
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return records, nil
	}
	return nil, nil
}

type recordsDoc struct {
	Records []map[string]any `json:"records" yaml:"records"`
}

func decodeDump(data []byte, isYAML bool) ([]map[string]any, error) {
	if isYAML {
		return decodeYAMLDump(data)
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, nil
	}
	switch trimmed[0] {
	case '[':
		var records []map[string]any
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDump, err)
		}
		return records, nil
	case '{':
		var doc recordsDoc
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDump, err)
		}
		return doc.Records, nil
	default:
		return nil, fmt.Errorf("%w: expected a JSON array or object", ErrInvalidDump)
	}
}

func decodeYAMLDump(data []byte) ([]map[string]any, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDump, err)
	}
	if len(node.Content) == 0 {
		return nil, nil
	}

	root := node.Content[0]
	switch root.Kind {
	case yaml.SequenceNode:
		var records []map[string]any
		if err := root.Decode(&records); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDump, err)
		}
		return records, nil
	case yaml.MappingNode:
		var doc recordsDoc
		if err := root.Decode(&doc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidDump, err)
		}
		return doc.Records, nil
	default:
		return nil, fmt.Errorf("%w: expected a YAML sequence or mapping", ErrInvalidDump)
	}
}
