package file

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eventum-io/eventum/internal/sink"
)

func TestDeliver_AppendsLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	s, err := New(path, sink.FormatOriginal)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	for i := 0; i < 3; i++ {
		e := sink.Event{Seq: int64(i), Payload: []byte(`{"n":` + string(rune('0'+i)) + `}`)}
		if err := s.Deliver(context.Background(), e); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
}

func TestDeliver_AppendAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.log")

	for run := 0; run < 2; run++ {
		s, err := New(path, sink.FormatOriginal)
		if err != nil {
			t.Fatalf("new (run %d): %v", run, err)
		}
		if err := s.Deliver(context.Background(), sink.Event{Payload: []byte("{}")}); err != nil {
			t.Fatalf("deliver (run %d): %v", run, err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("close (run %d): %v", run, err)
		}
	}

	data, _ := os.ReadFile(path)
	if got := strings.Count(string(data), "\n"); got != 2 {
		t.Errorf("got %d lines after two runs, want 2", got)
	}
}

func TestNew_BadPath(t *testing.T) {
	if _, err := New(filepath.Join(t.TempDir(), "no", "such", "dir", "f.log"), sink.FormatOriginal); err == nil {
		t.Error("expected error for unwritable path")
	}
}
