// Package journal persists an append-only audit trail of trading activity.
package journal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind enumerates the audit entry categories.
type Kind string

const (
	KindTransition Kind = "transition"
	KindOrder      Kind = "order"
	KindFill       Kind = "fill"
	KindCancel     Kind = "cancel"
	KindLiquidate  Kind = "liquidate"
)

// Entry is one audit record; zero-valued fields are omitted from the output.
type Entry struct {
	Ts      time.Time `json:"ts"`
	Symbol  string    `json:"symbol"`
	Kind    Kind      `json:"kind"`
	From    string    `json:"from,omitempty"`
	To      string    `json:"to,omitempty"`
	OrderID string    `json:"order_id,omitempty"`
	Side    string    `json:"side,omitempty"`
	Qty     float64   `json:"qty,omitempty"`
	Price   float64   `json:"price,omitempty"`
}

// Recorder captures audit entries for later inspection.
type Recorder interface {
	Record(Entry)
}

// Nop discards entries; useful in tests.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(Entry) {}

// Writer appends entries as JSON lines to a file.
type Writer struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewWriter creates/opens the target file and returns a writer.
func NewWriter(path string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Writer{
		file: file,
		enc:  json.NewEncoder(file),
	}, nil
}

// Record writes a single entry to the underlying JSONL file.
func (w *Writer) Record(entry Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if entry.Ts.IsZero() {
		entry.Ts = time.Now()
	}
	_ = w.enc.Encode(entry)
}

// Close flushes and closes the file handle.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
