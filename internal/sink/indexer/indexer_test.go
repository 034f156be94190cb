package indexer

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eventum-io/eventum/internal/retry"
	"github.com/eventum-io/eventum/internal/sink"
)

type capture struct {
	mu     sync.Mutex
	bodies []string
	auths  []string
	status int
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, string(body))
	user, pass, _ := r.BasicAuth()
	c.auths = append(c.auths, user+":"+pass)
	status := c.status
	c.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
}

func newTestSink(t *testing.T, server *httptest.Server, cfg Config) *Sink {
	t.Helper()
	u, err := url.Parse(server.URL)
	if err != nil {
		t.Fatalf("parse server url: %v", err)
	}
	cfg.Host = u.Hostname()
	if cfg.Index == "" {
		cfg.Index = "events"
	}
	port := u.Port()
	cfg.Port = atoiOrFail(t, port)

	s, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	return s
}

func atoiOrFail(t *testing.T, s string) int {
	t.Helper()
	n := 0
	for _, r := range s {
		n = n*10 + int(r-'0')
	}
	return n
}

func event(seq int64) sink.Event {
	return sink.Event{
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Seq:       seq,
		Payload:   []byte(`{"n":1}`),
	}
}

func TestDeliver_FlushesAtBatchSize(t *testing.T) {
	cap := &capture{}
	server := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer server.Close()

	s := newTestSink(t, server, Config{
		Format:        sink.FormatOriginal,
		BatchSize:     2,
		FlushInterval: time.Hour, // timer must not interfere
		User:          "admin",
		Password:      "hunter2",
	})
	defer func() { _ = s.Close() }()

	if err := s.Deliver(context.Background(), event(0)); err != nil {
		t.Fatalf("deliver 0: %v", err)
	}
	cap.mu.Lock()
	if len(cap.bodies) != 0 {
		t.Fatal("flushed before batch size reached")
	}
	cap.mu.Unlock()

	if err := s.Deliver(context.Background(), event(1)); err != nil {
		t.Fatalf("deliver 1: %v", err)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if len(cap.bodies) != 1 {
		t.Fatalf("got %d bulk requests, want 1", len(cap.bodies))
	}
	if cap.auths[0] != "admin:hunter2" {
		t.Errorf("auth = %q", cap.auths[0])
	}

	lines := strings.Split(strings.TrimRight(cap.bodies[0], "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("bulk body has %d lines, want 4 (2 action + 2 doc):\n%s", len(lines), cap.bodies[0])
	}
	if !strings.Contains(lines[0], `"_index":"events"`) || !strings.Contains(lines[0], `"_id"`) {
		t.Errorf("action line = %s", lines[0])
	}
	if lines[1] != `{"n":1}` {
		t.Errorf("doc line = %s", lines[1])
	}
}

func TestDeliver_TimerFlush(t *testing.T) {
	cap := &capture{}
	server := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer server.Close()

	s := newTestSink(t, server, Config{
		Format:        sink.FormatOriginal,
		BatchSize:     1000,
		FlushInterval: 20 * time.Millisecond,
	})
	defer func() { _ = s.Close() }()

	if err := s.Deliver(context.Background(), event(0)); err != nil {
		t.Fatalf("deliver: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		cap.mu.Lock()
		n := len(cap.bodies)
		cap.mu.Unlock()
		if n > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timer flush never happened")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestClose_FlushesRemainder(t *testing.T) {
	cap := &capture{}
	server := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer server.Close()

	s := newTestSink(t, server, Config{
		Format:        sink.FormatOriginal,
		BatchSize:     1000,
		FlushInterval: time.Hour,
	})
	if err := s.Deliver(context.Background(), event(0)); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	if len(cap.bodies) != 1 {
		t.Fatalf("close flushed %d requests, want 1", len(cap.bodies))
	}
}

func TestClose_FailedFlushReportsDroppedEvents(t *testing.T) {
	cap := &capture{status: http.StatusBadGateway}
	server := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer server.Close()

	s := newTestSink(t, server, Config{
		Format:        sink.FormatOriginal,
		BatchSize:     1000,
		FlushInterval: time.Hour,
	})

	var mu sync.Mutex
	var lost []int64
	s.SetDropHandler(func(e sink.Event, err error) {
		if err == nil {
			t.Error("drop handler called with nil error")
		}
		mu.Lock()
		lost = append(lost, e.Seq)
		mu.Unlock()
	})

	for i := int64(0); i < 3; i++ {
		if err := s.Deliver(context.Background(), event(i)); err != nil {
			t.Fatalf("deliver %d: %v", i, err)
		}
	}
	if err := s.Close(); err == nil {
		t.Fatal("close should report the failed flush")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lost) != 3 {
		t.Fatalf("drop handler saw %d events, want 3", len(lost))
	}
	for i, seq := range lost {
		if seq != int64(i) {
			t.Errorf("lost[%d] = seq %d, want %d", i, seq, i)
		}
	}
}

func TestDeliver_ClientErrorIsPermanent(t *testing.T) {
	cap := &capture{status: http.StatusBadRequest}
	server := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer server.Close()

	s := newTestSink(t, server, Config{
		Format:        sink.FormatOriginal,
		BatchSize:     1,
		FlushInterval: time.Hour,
	})
	defer func() { _ = s.Close() }()

	err := s.Deliver(context.Background(), event(0))
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if !retry.IsPermanent(err) {
		t.Errorf("4xx should be permanent, got %v", err)
	}
}

func TestDeliver_ServerErrorIsRetryable(t *testing.T) {
	cap := &capture{status: http.StatusBadGateway}
	server := httptest.NewServer(http.HandlerFunc(cap.handler))
	defer server.Close()

	s := newTestSink(t, server, Config{
		Format:        sink.FormatOriginal,
		BatchSize:     1,
		FlushInterval: time.Hour,
	})
	defer func() { _ = s.Close() }()

	err := s.Deliver(context.Background(), event(0))
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if retry.IsPermanent(err) {
		t.Errorf("5xx should be retryable, got %v", err)
	}

	// The failed flush rolled the event back; a successful retry ships
	// it exactly once.
	cap.mu.Lock()
	cap.status = http.StatusOK
	cap.mu.Unlock()
	if err := s.Deliver(context.Background(), event(0)); err != nil {
		t.Fatalf("retried deliver: %v", err)
	}

	cap.mu.Lock()
	defer cap.mu.Unlock()
	last := cap.bodies[len(cap.bodies)-1]
	if got := strings.Count(last, `{"n":1}`); got != 1 {
		t.Errorf("retried flush carried %d copies of the doc, want 1:\n%s", got, last)
	}
}
