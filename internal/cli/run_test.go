package cli

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/eventum-io/eventum/internal/observability"
)

func timeout(t *testing.T) <-chan time.Time {
	t.Helper()
	return time.After(10 * time.Second)
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestRunRun_FileOutput(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.ndjson")
	cfg := writeFile(t, dir, "pipeline.yaml", `
name: cli-test
time_mode: sample
input:
  timestamps:
    - "2024-03-01T12:00:00Z"
    - "2024-03-01T12:00:01Z"
event:
  templates:
    t:
      expression: '{"msg": "hi", "seq": seq}'
output:
  file:
    path: `+out+`
`)

	if err := RunRun([]string{cfg}); err != nil {
		t.Fatalf("run: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2:\n%s", len(lines), data)
	}
	for _, line := range lines {
		if !strings.Contains(line, `"msg":"hi"`) {
			t.Errorf("line missing payload: %s", line)
		}
	}
}

func TestRunRun_TimeModeOverride(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.ndjson")
	cfg := writeFile(t, dir, "pipeline.yaml", `
name: override
time_mode: live
input:
  timestamps:
    - "2024-03-01T12:00:00Z"
    - "2024-03-01T12:00:10Z"
event:
  templates:
    t:
      expression: '{"seq": seq}'
output:
  file:
    path: `+out+`
`)

	// Sample mode skips the 10s pacing gap; a live run here would
	// hang far past any reasonable test budget.
	done := make(chan error, 1)
	go func() { done <- RunRun([]string{"-time-mode", "sample", cfg}) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-timeout(t):
		t.Fatal("run did not finish; time-mode override not applied")
	}
}

func TestRunWatched_RestartsOnConfigChange(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "events.ndjson")
	body := `
name: watched
time_mode: sample
input:
  timestamps:
    - "2024-03-01T12:00:00Z"
    - "2024-03-01T12:00:01Z"
event:
  templates:
    t:
      expression: '{"seq": seq}'
output:
  file:
    path: ` + out + `
`
	cfg := writeFile(t, dir, "pipeline.yaml", body)

	r := &runner{
		path:   cfg,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		health: observability.NewHealthServer(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.runWatched(ctx) }()

	// First run appends two lines, then the runner idles waiting for a
	// change. Rewriting the config triggers a second run.
	waitForLines(t, out, 2)
	writeFile(t, dir, "pipeline.yaml", body)
	waitForLines(t, out, 4)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWatched: %v", err)
		}
	case <-timeout(t):
		t.Fatal("runWatched did not stop after cancellation")
	}
}

func waitForLines(t *testing.T, path string, want int) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) >= want {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("output %s never reached %d lines", path, want)
}

func TestRunRun_ArgErrors(t *testing.T) {
	if err := RunRun(nil); err == nil {
		t.Error("missing config path should fail")
	}
	if err := RunRun([]string{"a.yaml", "b.yaml"}); err == nil {
		t.Error("extra arguments should fail")
	}
	if err := RunRun([]string{filepath.Join(t.TempDir(), "missing.yaml")}); err == nil {
		t.Error("missing file should fail")
	}
}
