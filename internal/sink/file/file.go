// Package file implements the file sink: formatted events appended to
// a path, one per line.
package file

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/eventum-io/eventum/internal/sink"
)

// Sink appends formatted events to a file.
type Sink struct {
	mu     sync.Mutex
	f      *os.File
	format sink.Format
}

// New opens (or creates) the target file for appending.
func New(path string, format sink.Format) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Sink{f: f, format: format}, nil
}

// Deliver implements sink.Sink.
func (s *Sink) Deliver(ctx context.Context, e sink.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := sink.Encode(s.format, e)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", s.f.Name(), err)
	}
	return nil
}

// Close syncs and closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.f.Sync(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}
