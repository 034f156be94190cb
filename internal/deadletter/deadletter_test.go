package deadletter

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eventum-io/eventum/internal/sink"
)

func TestFileRecorder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dropped.jsonl")
	r, err := NewFileRecorder(path)
	if err != nil {
		t.Fatalf("new recorder: %v", err)
	}

	events := []sink.Event{
		{Seq: 1, TemplateID: "login", Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC), Payload: []byte(`{"a":1}`)},
		{Seq: 2, TemplateID: "logout", Timestamp: time.Date(2024, 3, 1, 12, 0, 1, 0, time.UTC), Payload: []byte(`{"a":2}`)},
	}
	for _, e := range events {
		if err := r.Record("web-logs", "search", e, errors.New("status 502")); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = f.Close() }()

	var records []Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("bad record line: %v", err)
		}
		records = append(records, rec)
	}

	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	first := records[0]
	if first.Pipeline != "web-logs" || first.Sink != "search" || first.Seq != 1 {
		t.Errorf("first record = %+v", first)
	}
	if first.Error != "status 502" {
		t.Errorf("error = %q", first.Error)
	}
	if string(first.Payload) != `{"a":1}` {
		t.Errorf("payload = %s", first.Payload)
	}
}

func TestDiscard(t *testing.T) {
	var r Recorder = Discard{}
	if err := r.Record("p", "s", sink.Event{}, errors.New("x")); err != nil {
		t.Errorf("discard record: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("discard close: %v", err)
	}
}
