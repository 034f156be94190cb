// Package pipeline wires a configuration into a running event
// pipeline: signal source, scheduler, renderer, output dispatcher and
// subprocess supervisor. Construction surfaces every startup error
// before the first signal is generated.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/eventum-io/eventum/internal/config"
	"github.com/eventum-io/eventum/internal/deadletter"
	"github.com/eventum-io/eventum/internal/engine"
	celengine "github.com/eventum-io/eventum/internal/engine/cel"
	"github.com/eventum-io/eventum/internal/observability"
	"github.com/eventum-io/eventum/internal/output"
	"github.com/eventum-io/eventum/internal/render"
	"github.com/eventum-io/eventum/internal/retry"
	"github.com/eventum-io/eventum/internal/sample"
	"github.com/eventum-io/eventum/internal/scheduler"
	"github.com/eventum-io/eventum/internal/secrets"
	"github.com/eventum-io/eventum/internal/sink"
	"github.com/eventum-io/eventum/internal/sink/console"
	"github.com/eventum-io/eventum/internal/sink/file"
	"github.com/eventum-io/eventum/internal/sink/indexer"
	"github.com/eventum-io/eventum/internal/sink/kafka"
	"github.com/eventum-io/eventum/internal/source"
)

// State is the pipeline lifecycle phase.
type State string

const (
	StateCreated  State = "created"
	StateRunning  State = "running"
	StateDraining State = "draining"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

const (
	defaultRetryAttempts = 3
	maxSubprocessDepth   = 8
)

// Options inject the pipeline's collaborators. Zero values select
// production defaults; tests swap in fakes.
type Options struct {
	Logger  *slog.Logger
	Clock   scheduler.Clock
	Engine  engine.Engine
	Metrics *observability.Metrics
	Tracer  trace.Tracer
	Rand    *rand.Rand
	Secrets secrets.Resolver

	// TimeMode overrides the configured time mode (CLI flag).
	TimeMode string

	// SinkFactory replaces the built-in sink construction; tests use
	// it to capture deliveries without real transports.
	SinkFactory func(config.SinkConfig) (sink.Sink, error)
}

// Summary aggregates what one run produced and lost.
type Summary struct {
	Pipeline     string
	Signals      int64
	Rendered     int64
	RenderErrors int64
	Dropped      int64
	Sinks        map[string]output.Stats

	// Partial is set when the run completed but recoverable failures
	// lost events (render skips or delivery drops).
	Partial bool
}

// Pipeline is one configured run, parent or subprocess.
type Pipeline struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	src        source.Source
	sched      *scheduler.Scheduler
	renderer   *render.Renderer
	dispatcher *output.Dispatcher
	dead       deadletter.Recorder
	super      *supervisor

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc

	signals  int64
	rendered int64

	// lostOnClose counts events a batching sink could not ship during
	// its final flush; they bypass the dispatcher's drop path.
	lostOnClose atomic.Int64
}

// New builds a pipeline from a loaded configuration. Every
// configuration, template-compilation and sink-construction error is
// returned here; a pipeline that constructs cleanly produces no
// startup-class errors later.
func New(cfg *config.Config, opts Options) (*Pipeline, error) {
	return newPipeline(cfg, opts, 0)
}

func newPipeline(cfg *config.Config, opts Options, depth int) (*Pipeline, error) {
	if depth > maxSubprocessDepth {
		return nil, &config.Error{
			Field: "event.subprocesses",
			Msg:   fmt.Sprintf("nesting deeper than %d levels, configuration cycle suspected", maxSubprocessDepth),
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("pipeline", cfg.Name)
	if opts.Clock == nil {
		opts.Clock = scheduler.SystemClock()
	}
	if opts.Engine == nil {
		eng, err := celengine.NewEngine()
		if err != nil {
			return nil, fmt.Errorf("template engine: %w", err)
		}
		opts.Engine = eng
	}

	src, err := buildSource(cfg, opts.Clock)
	if err != nil {
		return nil, err
	}

	mode, err := resolveTimeMode(cfg, opts.TimeMode, src.Finite())
	if err != nil {
		return nil, err
	}

	samples, err := loadSamples(cfg)
	if err != nil {
		return nil, err
	}

	templates, err := compileTemplates(cfg, opts.Engine)
	if err != nil {
		return nil, err
	}

	selMode, err := render.ParseMode(cfg.Event.Mode)
	if err != nil {
		return nil, &config.Error{Field: "event.mode", Msg: err.Error()}
	}
	policy, err := render.ParsePolicy(cfg.Event.OnError)
	if err != nil {
		return nil, &config.Error{Field: "event.on_error", Msg: err.Error()}
	}
	renderer, err := render.New(render.Config{
		Pipeline:  cfg.Name,
		Mode:      selMode,
		Policy:    policy,
		Templates: templates,
		Params:    cfg.Event.Params,
		Samples:   samples,
		Rand:      opts.Rand,
		Logger:    logger,
		Metrics:   opts.Metrics,
		Tracer:    opts.Tracer,
	})
	if err != nil {
		return nil, err
	}

	dead := deadletter.Recorder(deadletter.Discard{})
	if cfg.DeadLetter != "" {
		fr, err := deadletter.NewFileRecorder(cfg.ResolvePath(cfg.DeadLetter))
		if err != nil {
			return nil, &config.Error{Field: "dead_letter", Msg: err.Error()}
		}
		dead = fr
	}

	bindings, err := buildBindings(cfg, logger, opts.Tracer, opts.SinkFactory)
	if err != nil {
		return nil, err
	}
	dispatcher, err := output.NewDispatcher(cfg.Name, bindings, output.Options{
		Logger:     logger,
		Metrics:    opts.Metrics,
		DeadLetter: dead,
		Tracer:     opts.Tracer,
	})
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		cfg:        cfg,
		opts:       opts,
		logger:     logger,
		src:        src,
		sched:      scheduler.New(mode, opts.Clock, logger),
		renderer:   renderer,
		dispatcher: dispatcher,
		dead:       dead,
		state:      StateCreated,
	}

	// Batching sinks hold events past a successful Deliver; anything
	// lost in a failed final flush is accounted here so the summary
	// still balances.
	for _, b := range bindings {
		ix, ok := b.Sink.(*indexer.Sink)
		if !ok {
			continue
		}
		name := b.Name
		ix.SetDropHandler(func(e sink.Event, cause error) {
			p.lostOnClose.Add(1)
			if opts.Metrics != nil {
				opts.Metrics.EventsDropped.WithLabelValues(cfg.Name, name).Inc()
			}
			derr := &sink.DeliveryError{Sink: name, Seq: e.Seq, Err: cause}
			if err := dead.Record(cfg.Name, name, e, derr); err != nil {
				logger.Error("dead letter write failed", "sink", name, "seq", e.Seq, "error", err)
			}
		})
	}

	p.super, err = buildSupervisor(cfg, opts, logger, depth)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// State returns the current lifecycle phase.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stop requests a drain. Safe to call from any goroutine and at any
// phase; calling it repeatedly or after completion is a no-op.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Run drives the pipeline to completion. The returned error is fatal
// (abort-policy render failure or subprocess promotion); recoverable
// losses appear in the Summary instead.
func (p *Pipeline) Run(ctx context.Context) (Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return Summary{}, fmt.Errorf("pipeline %s already ran (state %s)", p.cfg.Name, p.state)
	}
	p.state = StateRunning
	p.cancel = cancel
	p.mu.Unlock()

	p.logger = p.logger.With("run_id", uuid.NewString())
	p.logger.Info("pipeline started",
		"time_mode", string(p.sched.Mode()),
		"sinks", len(p.cfg.Output),
		"subprocesses", len(p.cfg.Event.Subprocesses))

	p.dispatcher.Start(ctx)
	p.super.start(ctx, cancel)

	runErr := p.generate(ctx)
	if runErr != nil {
		// Fatal errors propagate to subprocesses; join would otherwise
		// wait forever on an unbounded child.
		cancel()
	}

	p.setState(StateDraining)
	p.logger.Info("pipeline draining", "signals", p.signals, "rendered", p.rendered)

	if err := p.dispatcher.Drain(); err != nil {
		p.logger.Error("sink close failed", "error", err)
	}
	subErr := p.super.join()
	if runErr == nil {
		runErr = subErr
	}
	if err := p.dead.Close(); err != nil {
		p.logger.Error("dead letter close failed", "error", err)
	}

	sum := p.summary()
	if runErr != nil {
		p.setState(StateFailed)
		p.logger.Error("pipeline failed", "error", runErr)
		return sum, runErr
	}
	p.setState(StateStopped)
	p.logger.Info("pipeline stopped",
		"signals", sum.Signals,
		"rendered", sum.Rendered,
		"render_errors", sum.RenderErrors,
		"dropped", sum.Dropped,
		"partial", sum.Partial)
	return sum, nil
}

// generate is the single goroutine that preserves render-state
// ordering: source, scheduler and renderer run strictly in sequence.
func (p *Pipeline) generate(ctx context.Context) error {
	for {
		sig, err := p.src.Next(ctx)
		if err == source.ErrDone {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil // clean drain on cancellation
			}
			return err
		}
		if err := p.sched.Wait(ctx, sig); err != nil {
			return nil
		}
		p.signals++
		if p.opts.Metrics != nil {
			p.opts.Metrics.SignalsTotal.WithLabelValues(p.cfg.Name).Inc()
		}

		events, err := p.renderer.RenderSignal(ctx, sig)
		if err != nil {
			return fmt.Errorf("signal %d: %w", sig.Seq, err)
		}
		p.rendered += int64(len(events))

		for _, e := range events {
			if err := p.dispatcher.Enqueue(ctx, e); err != nil {
				return nil // cancelled while backpressured
			}
		}
	}
}

func (p *Pipeline) summary() Summary {
	stats := p.dispatcher.Stats()
	sum := Summary{
		Pipeline:     p.cfg.Name,
		Signals:      p.signals,
		Rendered:     p.rendered,
		RenderErrors: p.renderer.Skipped(),
		Dropped:      p.dispatcher.Dropped() + p.lostOnClose.Load(),
		Sinks:        stats,
	}
	sum.Partial = sum.RenderErrors > 0 || sum.Dropped > 0
	return sum
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	if p.state != StateStopped && p.state != StateFailed {
		p.state = s
	}
	p.mu.Unlock()
}

// resolveTimeMode applies flag > config > default. The default is
// sample, except an unbounded pattern which only makes sense paced to
// real time.
func resolveTimeMode(cfg *config.Config, override string, finite bool) (scheduler.Mode, error) {
	s := cfg.TimeMode
	if override != "" {
		s = override
	}
	if s == "" {
		if !finite {
			return scheduler.ModeLive, nil
		}
		return scheduler.ModeSample, nil
	}
	mode, err := scheduler.ParseMode(s)
	if err != nil {
		return "", &config.Error{Field: "time_mode", Msg: err.Error()}
	}
	if mode == scheduler.ModeSample && !finite {
		return "", &config.Error{
			Field: "input",
			Msg:   "unbounded cron pattern requires live time mode (set a count or time_mode: live)",
		}
	}
	return mode, nil
}

// buildSource turns the input section into a signal source. Pattern
// fragments each become their own source, merged into one sequence.
func buildSource(cfg *config.Config, clock scheduler.Clock) (source.Source, error) {
	if len(cfg.Input.Fragments) > 0 {
		srcs := make([]source.Source, 0, len(cfg.Input.Fragments))
		for i, frag := range cfg.Input.Fragments {
			s, err := buildInput(fmt.Sprintf("input.patterns[%d]", i), frag, clock)
			if err != nil {
				return nil, err
			}
			srcs = append(srcs, s)
		}
		return source.NewMerge(srcs)
	}
	return buildInput("input", cfg.Input, clock)
}

func buildInput(field string, in config.InputConfig, clock scheduler.Clock) (source.Source, error) {
	switch {
	case len(in.Timestamps) > 0:
		ts, err := config.ParseTimestampList(field+".timestamps", in.Timestamps)
		if err != nil {
			return nil, err
		}
		return source.NewTimestamps(ts)

	case in.Cron != nil:
		return source.NewCron(in.Cron.Expression, in.Cron.Count, clock.Now())

	case in.Sample != nil:
		sc := in.Sample
		start, err := time.Parse(time.RFC3339, sc.Start)
		if err != nil {
			return nil, &config.Error{Field: field + ".sample.start", Msg: err.Error()}
		}
		end, err := time.Parse(time.RFC3339, sc.End)
		if err != nil {
			return nil, &config.Error{Field: field + ".sample.end", Msg: err.Error()}
		}
		return source.NewSample(source.SampleParams{
			Count:        sc.Count,
			Start:        start,
			End:          end,
			Distribution: sc.Distribution,
			Stddev:       sc.Stddev,
			Mode:         sc.Mode,
			Seed:         sc.Seed,
		})

	default:
		return nil, &config.Error{Field: field, Msg: "no pattern source configured"}
	}
}

func loadSamples(cfg *config.Config) (map[string][]any, error) {
	if len(cfg.Event.Samples) == 0 {
		return nil, nil
	}
	out := make(map[string][]any, len(cfg.Event.Samples))
	for name, sc := range cfg.Event.Samples {
		var provider sample.Provider
		var err error
		switch sc.Type {
		case "csv":
			path, _ := sc.Source.(string)
			var delim rune
			if sc.Delimiter != "" {
				delim = []rune(sc.Delimiter)[0]
			}
			provider, err = sample.LoadCSV(name, cfg.ResolvePath(path), sample.CSVOptions{
				Header:    sc.Header,
				Delimiter: delim,
			})
		case "items":
			items, _ := sc.Source.([]any)
			provider, err = sample.NewItems(name, items)
		default:
			err = fmt.Errorf("unknown sample type %q", sc.Type)
		}
		if err != nil {
			return nil, &config.Error{Field: "event.samples." + name, Msg: err.Error()}
		}
		out[provider.Name()] = provider.Values()
	}
	return out, nil
}

func compileTemplates(cfg *config.Config, eng engine.Engine) ([]render.Template, error) {
	var out []render.Template
	for _, tc := range cfg.Event.Templates {
		if !tc.IsEnabled() {
			continue
		}
		prg, err := eng.Compile(tc.Name, tc.Source)
		if err != nil {
			return nil, &config.Error{
				Field: "event.templates." + tc.Name,
				Msg:   err.Error(),
			}
		}
		out = append(out, render.Template{ID: tc.Name, Weight: tc.Chance, Program: prg})
	}
	return out, nil
}

func buildBindings(cfg *config.Config, logger *slog.Logger, tracer trace.Tracer, factory func(config.SinkConfig) (sink.Sink, error)) ([]output.Binding, error) {
	if factory == nil {
		factory = func(sc config.SinkConfig) (sink.Sink, error) {
			return buildSink(sc, logger, tracer)
		}
	}
	var out []output.Binding
	for _, sc := range cfg.Output {
		s, err := factory(sc)
		if err != nil {
			return nil, &config.Error{Field: "output." + sc.Name, Msg: err.Error()}
		}
		attempts := sc.Retry.MaxAttempts
		if attempts <= 0 {
			attempts = defaultRetryAttempts
		}
		out = append(out, output.Binding{
			Name:      sc.Name,
			Sink:      s,
			QueueSize: sc.QueueSize,
			Ordered:   sc.Ordered == nil || *sc.Ordered,
			Workers:   sc.Workers,
			Retry: retry.Policy{
				MaxAttempts:    attempts,
				InitialBackoff: sc.Retry.InitialBackoff.Std(),
				MaxBackoff:     sc.Retry.MaxBackoff.Std(),
			},
		})
	}
	return out, nil
}

func buildSink(sc config.SinkConfig, logger *slog.Logger, tracer trace.Tracer) (sink.Sink, error) {
	format, err := sink.ParseFormat(sc.Format)
	if err != nil {
		return nil, err
	}
	switch sc.Kind {
	case "console", "stdout":
		return console.New(os.Stdout, format), nil
	case "file":
		return file.New(sc.Path, format)
	case "indexer", "opensearch":
		s, err := indexer.New(indexer.Config{
			Host:          sc.Host,
			Port:          sc.Port,
			TLS:           sc.TLS,
			Index:         sc.Index,
			User:          sc.User,
			Password:      sc.Password,
			Format:        format,
			BatchSize:     sc.Batch.Size,
			FlushInterval: sc.Batch.FlushInterval.Std(),
			RateLimit:     sc.RateLimit,
		}, logger)
		if err != nil {
			return nil, err
		}
		if tracer != nil {
			s.SetTracer(tracer)
		}
		return s, nil
	case "kafka":
		s, err := kafka.New(kafka.Config{
			Brokers:  sc.Brokers,
			Topic:    sc.Topic,
			Format:   format,
			User:     sc.User,
			Password: sc.Password,
		}, logger)
		if err != nil {
			return nil, err
		}
		if tracer != nil {
			s.SetTracer(tracer)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sink kind %q", sc.Kind)
	}
}
