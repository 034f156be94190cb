// Package console implements the stream sink: one formatted event per
// line on an io.Writer, stdout by default.
package console

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"github.com/eventum-io/eventum/internal/sink"
)

// Sink writes formatted events line by line.
type Sink struct {
	mu     sync.Mutex
	w      *bufio.Writer
	format sink.Format
}

// New creates a console sink writing to w; a nil w selects stdout.
func New(w io.Writer, format sink.Format) *Sink {
	if w == nil {
		w = os.Stdout
	}
	return &Sink{w: bufio.NewWriter(w), format: format}
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
	if _, err := s.w.Write(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	// Flush per event so live feeds appear immediately.
	return s.w.Flush()
}

// Close implements sink.Sink.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}
