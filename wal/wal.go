// Package wal is an append-only JSONL journal of snapshot store mutations
// and pipeline runs, used for audit and recovery.
package wal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntrySnapshotSaved     EntryType = "snapshot_saved"
	EntrySnapshotDeleted   EntryType = "snapshot_deleted"
	EntrySnapshotCorrupted EntryType = "snapshot_corrupted"
	EntryRetentionDeferred EntryType = "retention_deferred"
	EntryRetentionAborted  EntryType = "retention_aborted"
	EntryRunCompleted      EntryType = "run_completed"
	EntryRunFailed         EntryType = "run_failed"
)

// DefaultPrefix is the journal file name prefix.
const DefaultPrefix = "tally"

// Config controls journal retention.
type Config struct {
	RetentionDays int
	FilePrefix    string
}

// DefaultConfig keeps a month of journal files.
func DefaultConfig() Config {
	return Config{
		RetentionDays: 30,
		FilePrefix:    DefaultPrefix,
	}
}

// Entry represents a single journal entry
type Entry struct {
	Timestamp  time.Time       `json:"timestamp"`
	Sequence   int64           `json:"sequence"`
	Type       EntryType       `json:"type"`
	SnapshotID string          `json:"snapshot_id,omitempty"`
	Data       json.RawMessage `json:"data"`
	Error      string          `json:"error,omitempty"`
}

// WAL appends entries to a file that is rotated on every Open.
type WAL struct {
	mu       sync.Mutex
	file     *os.File
	writer   *bufio.Writer
	sequence int64
	dir      string
	prefix   string
	now      func() time.Time
}

// Open creates or opens a journal in the specified directory
func Open(dir string) (*WAL, error) {
	return OpenWithPrefix(dir, DefaultPrefix)
}

// OpenWithPrefix is Open with a custom file prefix.
func OpenWithPrefix(dir, prefix string) (*WAL, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	w := &WAL{dir: dir, prefix: prefix, now: time.Now}

	// Sequence continues across files so replay order is total.
	last, err := lastSequence(w.listFiles())
	if err != nil {
		return nil, err
	}
	w.sequence = last

	filename := fmt.Sprintf("%s-%s.wal", prefix, w.now().UTC().Format("20060102-150405"))
	file, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}
	w.file = file
	w.writer = bufio.NewWriter(file)

	return w, nil
}

// Close flushes and closes the journal
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.writer.Flush(); err != nil {
		return err
	}
	return w.file.Close()
}

// Dir returns the journal directory.
func (w *WAL) Dir() string {
	return w.dir
}

// Sequence returns the last written sequence number.
func (w *WAL) Sequence() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sequence
}

// Append adds an entry to the journal
func (w *WAL) Append(entryType EntryType, snapshotID string, data any) error {
	return w.append(entryType, snapshotID, data, nil)
}

// AppendError adds an entry carrying an error message
func (w *WAL) AppendError(entryType EntryType, snapshotID string, data any, errToLog error) error {
	return w.append(entryType, snapshotID, data, errToLog)
}

func (w *WAL) append(entryType EntryType, snapshotID string, data any, errToLog error) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.sequence++
	entry := Entry{
		Timestamp:  w.now(),
		Sequence:   w.sequence,
		Type:       entryType,
		SnapshotID: snapshotID,
		Data:       jsonData,
	}
	if errToLog != nil {
		entry.Error = errToLog.Error()
	}
	return w.writeEntry(entry)
}

// writeEntry writes a single entry and syncs it to disk
func (w *WAL) writeEntry(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	if _, err := w.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write entry: %w", err)
	}
	if err := w.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return w.file.Sync()
}

func (w *WAL) listFiles() []string {
	return findAllWALFiles(w.dir, w.prefix)
}

// lastSequence returns the highest sequence found in the given files.
func lastSequence(files []string) (int64, error) {
	var last int64
	for _, file := range files {
		err := readFile(file, func(e *Entry) error {
			if e.Sequence > last {
				last = e.Sequence
			}
			return nil
		})
		if err != nil {
			return 0, err
		}
	}
	return last, nil
}

// Reader provides journal replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next reads the next entry; it returns io.EOF at the end of the file.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}

	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

func readFile(path string, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
}

// Replay calls handler for every entry written after since, in sequence order.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	return ReplayWithPrefix(dir, DefaultPrefix, since, handler)
}

// ReplayWithPrefix is Replay for journals opened with a custom prefix.
func ReplayWithPrefix(dir, prefix string, since time.Time, handler func(*Entry) error) error {
	var entries []*Entry
	for _, file := range findAllWALFiles(dir, prefix) {
		err := readFile(file, func(e *Entry) error {
			if e.Timestamp.After(since) {
				entries = append(entries, e)
			}
			return nil
		})
		if err != nil {
			return err
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Sequence < entries[j].Sequence
	})
	for _, e := range entries {
		if err := handler(e); err != nil {
			return err
		}
	}
	return nil
}
