// Package deadletter records events that exhausted a sink's retry
// budget. Records go to a JSON-lines file so a dropped event can be
// inspected or replayed; when no file is configured a no-op recorder
// is used and drops are only counted.
package deadletter

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/eventum-io/eventum/internal/sink"
)

// Record is one dropped event with enough context to reproduce the
// failure.
type Record struct {
	Pipeline  string          `json:"pipeline"`
	Sink      string          `json:"sink"`
	Seq       int64           `json:"seq"`
	Template  string          `json:"template"`
	Timestamp time.Time       `json:"timestamp"`
	Error     string          `json:"error"`
	FailedAt  time.Time       `json:"failed_at"`
	Payload   json.RawMessage `json:"payload"`
}

// Recorder persists dropped events.
type Recorder interface {
	Record(pipeline, sinkName string, e sink.Event, cause error) error
	Close() error
}

// FileRecorder appends one JSON record per dropped event.
type FileRecorder struct {
	mu  sync.Mutex
	f   *os.File
	enc *json.Encoder
}

// NewFileRecorder opens (or creates) the record file for appending.
func NewFileRecorder(path string) (*FileRecorder, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dead letter file %s: %w", path, err)
	}
	return &FileRecorder{f: f, enc: json.NewEncoder(f)}, nil
}

// Record implements Recorder.
func (r *FileRecorder) Record(pipeline, sinkName string, e sink.Event, cause error) error {
	rec := Record{
		Pipeline:  pipeline,
		Sink:      sinkName,
		Seq:       e.Seq,
		Template:  e.TemplateID,
		Timestamp: e.Timestamp,
		Error:     cause.Error(),
		FailedAt:  time.Now().UTC(),
		Payload:   json.RawMessage(e.Payload),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.enc.Encode(rec); err != nil {
		return fmt.Errorf("write dead letter record: %w", err)
	}
	return nil
}

// Close implements Recorder.
func (r *FileRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.f.Close()
}

// Discard is a Recorder that drops records.
type Discard struct{}

// Record implements Recorder.
func (Discard) Record(string, string, sink.Event, error) error { return nil }

// Close implements Recorder.
func (Discard) Close() error { return nil }
