// Package indexer implements the network-indexing sink: events are
// batched and POSTed as an NDJSON bulk body to an HTTP search backend
// with basic-auth credentials.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/eventum-io/eventum/internal/retry"
	"github.com/eventum-io/eventum/internal/sink"
	"github.com/eventum-io/eventum/internal/tracing"
)

const (
	defaultBatchSize     = 100
	defaultFlushInterval = time.Second
	requestTimeout       = 30 * time.Second
)

// Config holds indexer sink configuration.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	Index    string
	User     string
	Password string
	Format   sink.Format

	// BatchSize and FlushInterval bound how long events sit in the
	// buffer: a batch is shipped when it reaches BatchSize or when
	// FlushInterval elapses, whichever comes first.
	BatchSize     int
	FlushInterval time.Duration

	// RateLimit caps bulk requests per second; zero means unlimited.
	RateLimit float64
}

// Sink batches events into bulk index requests.
type Sink struct {
	client  *http.Client
	bulkURL string
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	tracer  trace.Tracer
	onDrop  func(sink.Event, error)

	mu    sync.Mutex
	batch []entry

	stop chan struct{}
	done chan struct{}
}

// entry keeps the original event next to its encoded form so a batch
// that cannot be shipped at Close can still be accounted per event.
type entry struct {
	ev  sink.Event
	doc []byte
}

// New creates an indexer sink and starts its flush timer.
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("host is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("index is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	scheme := "http"
	if cfg.TLS {
		scheme = "https"
	}
	host := cfg.Host
	if cfg.Port != 0 {
		host = fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	}

	s := &Sink{
		client: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		bulkURL: fmt.Sprintf("%s://%s/_bulk", scheme, host),
		cfg:     cfg,
		logger:  logger,
		tracer:  tracing.Noop("indexer-sink"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}

	go s.flushLoop()
	return s, nil
}

// SetTracer sets the tracer for the sink.
func (s *Sink) SetTracer(tracer trace.Tracer) {
	s.tracer = tracer
}

// SetDropHandler registers a callback invoked once per buffered event
// when the final flush at Close fails and the batch is lost.
func (s *Sink) SetDropHandler(fn func(sink.Event, error)) {
	s.mu.Lock()
	s.onDrop = fn
	s.mu.Unlock()
}

// Deliver implements sink.Sink. The event joins the current batch; the
// batch is shipped synchronously once full, and the delivery error (if
// any) is reported against the triggering event. A failed flush keeps
// the batch for the next attempt, with the triggering event rolled
// back so a retried Deliver does not duplicate it.
func (s *Sink) Deliver(ctx context.Context, e sink.Event) error {
	doc, err := sink.Encode(s.cfg.Format, e)
	if err != nil {
		return retry.Permanent(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.batch = append(s.batch, entry{ev: e, doc: doc})
	if len(s.batch) < s.cfg.BatchSize {
		return nil
	}
	if err := s.flushLocked(ctx); err != nil {
		s.batch = s.batch[:len(s.batch)-1]
		return err
	}
	return nil
}

// Close flushes the remaining batch and stops the timer. If that last
// flush fails the buffered events cannot be retried; each is reported
// through the drop handler so the loss is accounted, not swallowed.
func (s *Sink) Close() error {
	close(s.stop)
	<-s.done

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.flushLocked(ctx)
	if err != nil && len(s.batch) > 0 {
		s.logger.Error("final flush failed, batch lost",
			"target", s.bulkURL,
			"docs", len(s.batch),
			"error", err,
		)
		if s.onDrop != nil {
			for _, en := range s.batch {
				s.onDrop(en.ev, err)
			}
		}
		s.batch = nil
	}
	return err
}

func (s *Sink) flushLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			s.mu.Lock()
			err := s.flushLocked(ctx)
			s.mu.Unlock()
			cancel()
			if err != nil {
				// Batch is retained; the next tick or Deliver retries.
				s.logger.Warn("periodic flush failed", "target", s.bulkURL, "error", err)
			}
		}
	}
}

// flushLocked ships the current batch. Caller holds s.mu.
func (s *Sink) flushLocked(ctx context.Context) error {
	if len(s.batch) == 0 {
		return nil
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}

	ctx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanIndexerFlush)
	defer span.End()

	var body bytes.Buffer
	for _, en := range s.batch {
		fmt.Fprintf(&body, `{"index":{"_index":%q,"_id":%q}}`+"\n", s.cfg.Index, uuid.NewString())
		body.Write(en.doc)
		body.WriteByte('\n')
	}

	start := time.Now()
	if err := s.post(ctx, body.Bytes()); err != nil {
		tracing.SetSpanError(span, err)
		return err
	}
	tracing.SetSpanOK(span)

	s.logger.Debug("bulk indexed",
		"target", s.bulkURL,
		"docs", len(s.batch),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	s.batch = s.batch[:0]
	return nil
}

func (s *Sink) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.bulkURL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	if s.cfg.User != "" {
		req.SetBasicAuth(s.cfg.User, s.cfg.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("bulk request: status %d", resp.StatusCode)
	// Client errors will not heal on retry, except throttling.
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return retry.Permanent(err)
	}
	return err
}
