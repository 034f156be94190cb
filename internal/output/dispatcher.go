// Package output fans rendered events out to the configured sinks.
// Each sink gets its own bounded delivery queue and worker goroutines,
// so one slow sink exerts backpressure on the generation loop without
// corrupting the others.
package output

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"

	"github.com/eventum-io/eventum/internal/deadletter"
	"github.com/eventum-io/eventum/internal/observability"
	"github.com/eventum-io/eventum/internal/retry"
	"github.com/eventum-io/eventum/internal/sink"
	"github.com/eventum-io/eventum/internal/tracing"
)

const (
	defaultQueueSize = 128
	defaultWorkers   = 4
)

// Binding attaches one sink to the dispatcher.
type Binding struct {
	Name string
	Sink sink.Sink

	// QueueSize bounds the delivery queue; 0 means 128.
	QueueSize int

	// Ordered restricts the sink to a single delivery worker so
	// events arrive in generation order. Unordered sinks get
	// Workers goroutines (default 4).
	Ordered bool
	Workers int

	Retry retry.Policy
}

// Stats is a point-in-time delivery summary for one sink.
type Stats struct {
	Delivered int64
	Dropped   int64
	Retries   int64
}

// Options configures a Dispatcher.
type Options struct {
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	DeadLetter deadletter.Recorder
	Tracer     trace.Tracer
}

type sinkWorker struct {
	binding Binding
	queue   chan sink.Event

	delivered atomic.Int64
	dropped   atomic.Int64
	retries   atomic.Int64
}

// Dispatcher delivers events to every bound sink.
type Dispatcher struct {
	pipeline string
	logger   *slog.Logger
	metrics  *observability.Metrics
	dead     deadletter.Recorder
	tracer   trace.Tracer
	workers  []*sinkWorker
	wg       sync.WaitGroup
	started  bool
}

// NewDispatcher builds a dispatcher over the given sink bindings.
func NewDispatcher(pipeline string, bindings []Binding, opts Options) (*Dispatcher, error) {
	if len(bindings) == 0 {
		return nil, fmt.Errorf("dispatcher: at least one sink binding required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DeadLetter == nil {
		opts.DeadLetter = deadletter.Discard{}
	}

	d := &Dispatcher{
		pipeline: pipeline,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
		dead:     opts.DeadLetter,
		tracer:   opts.Tracer,
	}
	seen := make(map[string]bool, len(bindings))
	for _, b := range bindings {
		if b.Name == "" {
			return nil, fmt.Errorf("dispatcher: sink binding without a name")
		}
		if seen[b.Name] {
			return nil, fmt.Errorf("dispatcher: duplicate sink name %q", b.Name)
		}
		seen[b.Name] = true
		if b.QueueSize <= 0 {
			b.QueueSize = defaultQueueSize
		}
		d.workers = append(d.workers, &sinkWorker{
			binding: b,
			queue:   make(chan sink.Event, b.QueueSize),
		})
	}
	return d, nil
}

// Start launches the delivery workers. Deliveries run on a context
// detached from the run context: cancelling the run stops signal
// intake, but events already queued still drain through each sink's
// retry budget rather than failing with a dead context.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.started {
		return
	}
	d.started = true
	dctx := context.WithoutCancel(ctx)
	for _, w := range d.workers {
		n := 1
		if !w.binding.Ordered {
			n = w.binding.Workers
			if n <= 0 {
				n = defaultWorkers
			}
		}
		for i := 0; i < n; i++ {
			d.wg.Add(1)
			go d.deliverLoop(dctx, w)
		}
	}
}

// Enqueue hands an event to every sink queue. A full queue blocks the
// caller until the sink catches up; the stall is logged, not an error.
func (d *Dispatcher) Enqueue(ctx context.Context, e sink.Event) error {
	for _, w := range d.workers {
		select {
		case w.queue <- e:
			d.gaugeQueue(w)
			continue
		default:
		}

		d.logger.Warn("sink queue full, generation paused",
			"sink", w.binding.Name,
			"seq", e.Seq,
			"queue_size", cap(w.queue))
		select {
		case w.queue <- e:
			d.gaugeQueue(w)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Drain closes the queues, waits for every queued event to be
// delivered or dropped, then closes the sinks.
func (d *Dispatcher) Drain() error {
	for _, w := range d.workers {
		close(w.queue)
	}
	d.wg.Wait()

	var errs []error
	for _, w := range d.workers {
		if err := w.binding.Sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink %s: %w", w.binding.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns per-sink delivery counters.
func (d *Dispatcher) Stats() map[string]Stats {
	out := make(map[string]Stats, len(d.workers))
	for _, w := range d.workers {
		out[w.binding.Name] = Stats{
			Delivered: w.delivered.Load(),
			Dropped:   w.dropped.Load(),
			Retries:   w.retries.Load(),
		}
	}
	return out
}

// Dropped returns the total events dropped across all sinks.
func (d *Dispatcher) Dropped() int64 {
	var n int64
	for _, w := range d.workers {
		n += w.dropped.Load()
	}
	return n
}

func (d *Dispatcher) deliverLoop(ctx context.Context, w *sinkWorker) {
	defer d.wg.Done()

	policy := w.binding.Retry
	policy.OnRetry = func(attempt int, err error) {
		w.retries.Add(1)
		if d.metrics != nil {
			d.metrics.DeliveryRetries.WithLabelValues(d.pipeline, w.binding.Name).Inc()
		}
		d.logger.Warn("delivery retry",
			"sink", w.binding.Name,
			"attempt", attempt,
			"error", err)
	}

	for e := range w.queue {
		d.gaugeQueue(w)
		spanCtx, span := tracing.StartSpan(ctx, d.tracer, tracing.SpanDeliver,
			trace.WithAttributes(
				tracing.PipelineAttr(d.pipeline),
				tracing.SinkAttr(w.binding.Name),
				tracing.SeqAttr(e.Seq),
			))
		err := policy.Do(spanCtx, func() error {
			return w.binding.Sink.Deliver(spanCtx, e)
		})
		if err != nil {
			tracing.SetSpanError(span, err)
		} else {
			tracing.SetSpanOK(span)
		}
		span.End()
		if err == nil {
			w.delivered.Add(1)
			if d.metrics != nil {
				d.metrics.EventsDelivered.WithLabelValues(d.pipeline, w.binding.Name).Inc()
			}
			continue
		}
		d.drop(w, e, err)
	}
}

func (d *Dispatcher) drop(w *sinkWorker, e sink.Event, cause error) {
	w.dropped.Add(1)
	if d.metrics != nil {
		d.metrics.EventsDropped.WithLabelValues(d.pipeline, w.binding.Name).Inc()
	}
	cause = &sink.DeliveryError{Sink: w.binding.Name, Seq: e.Seq, Err: cause}
	d.logger.Error("event dropped after retry exhaustion",
		"sink", w.binding.Name,
		"seq", e.Seq,
		"template", e.TemplateID,
		"error", cause)
	if err := d.dead.Record(d.pipeline, w.binding.Name, e, cause); err != nil {
		d.logger.Error("dead letter write failed",
			"sink", w.binding.Name,
			"seq", e.Seq,
			"error", err)
	}
}

func (d *Dispatcher) gaugeQueue(w *sinkWorker) {
	if d.metrics != nil {
		d.metrics.QueueDepth.WithLabelValues(d.pipeline, w.binding.Name).Set(float64(len(w.queue)))
	}
}
