package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// JSONEmitter writes each report as one JSON document to a writer. Compact
// output is one line per report, so a file becomes a JSONL history.
type JSONEmitter struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	indent bool
}

// NewJSONEmitter writes reports to w. w is not closed by Close.
func NewJSONEmitter(w io.Writer, indent bool) *JSONEmitter {
	return &JSONEmitter{w: w, indent: indent}
}

// NewJSONFileEmitter appends compact reports to the file at path.
func NewJSONFileEmitter(path string) (*JSONEmitter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create report directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open report file: %w", err)
	}
	return &JSONEmitter{w: f, closer: f}, nil
}

// Emit encodes the report.
func (e *JSONEmitter) Emit(ctx context.Context, report Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	enc := json.NewEncoder(e.w)
	if e.indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("write report %s: %w", report.RunID, err)
	}
	return nil
}

// Close closes the underlying file when the emitter opened it.
func (e *JSONEmitter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closer == nil {
		return nil
	}
	err := e.closer.Close()
	e.closer = nil
	return err
}
