// Package render applies the pipeline's selection mode to choose
// templates per signal and renders them against sample data, static
// parameters and the shared render state. Rendering is serialized by
// the pipeline so state writes from signal i are fully visible to
// signal i+1.
package render

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/eventum-io/eventum/internal/config"
	"github.com/eventum-io/eventum/internal/engine"
	"github.com/eventum-io/eventum/internal/observability"
	"github.com/eventum-io/eventum/internal/sink"
	"github.com/eventum-io/eventum/internal/source"
	"github.com/eventum-io/eventum/internal/state"
	"github.com/eventum-io/eventum/internal/tracing"
)

// Mode is the template selection policy for a pipeline run.
type Mode string

const (
	// ModeAll renders every enabled template for every signal.
	ModeAll Mode = "all"
	// ModeAny renders each template independently with probability
	// proportional to its weight.
	ModeAny Mode = "any"
	// ModeChance renders exactly one template per signal, drawn by
	// weight.
	ModeChance Mode = "chance"
	// ModeSpin renders one template per signal in round-robin order,
	// ignoring weights.
	ModeSpin Mode = "spin"
)

// ParseMode validates a mode string; empty selects all.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeAll, nil
	case ModeAll, ModeAny, ModeChance, ModeSpin:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown selection mode %q", s)
	}
}

// ErrorPolicy controls what a per-event render failure does.
type ErrorPolicy string

const (
	// PolicySkip logs and counts the failure, then continues.
	PolicySkip ErrorPolicy = "skip"
	// PolicyAbort fails the pipeline.
	PolicyAbort ErrorPolicy = "abort"
)

// ParsePolicy validates a policy string; empty selects skip.
func ParsePolicy(s string) (ErrorPolicy, error) {
	switch ErrorPolicy(s) {
	case "":
		return PolicySkip, nil
	case PolicySkip, PolicyAbort:
		return ErrorPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown error policy %q", s)
	}
}

// Template is one compiled, selectable template.
type Template struct {
	ID      string
	Weight  float64
	Program engine.Program
}

// Config wires a Renderer.
type Config struct {
	Pipeline  string
	Mode      Mode
	Policy    ErrorPolicy
	Templates []Template // enabled templates, declaration order
	Params    map[string]any
	Samples   map[string][]any
	State     *state.Store
	Rand      *rand.Rand // nil seeds from the clock
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    trace.Tracer
}

// Renderer produces events for delivered signals. Not safe for
// concurrent use; the pipeline drives it from one goroutine, which is
// what keeps render-state ordering intact.
type Renderer struct {
	cfg     Config
	total   float64
	spinIdx int
	skipped int64
}

// New validates selection-mode invariants up front: CHANCE and ANY
// with a zero total weight is a configuration error surfaced before
// any signal is generated.
func New(cfg Config) (*Renderer, error) {
	if len(cfg.Templates) == 0 {
		return nil, &config.Error{Field: "event.templates", Msg: "no enabled templates"}
	}
	if cfg.State == nil {
		cfg.State = state.New()
	}
	if cfg.Rand == nil {
		now := uint64(time.Now().UnixNano())
		cfg.Rand = rand.New(rand.NewPCG(now, now>>32))
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var total float64
	for _, t := range cfg.Templates {
		total += t.Weight
	}
	if (cfg.Mode == ModeChance || cfg.Mode == ModeAny) && total <= 0 {
		return nil, &config.Error{
			Field: "event.templates",
			Msg:   fmt.Sprintf("%s mode requires a positive total chance weight", cfg.Mode),
		}
	}

	return &Renderer{cfg: cfg, total: total}, nil
}

// RenderSignal renders the selected template set for one signal.
// State writes from each successful render are applied before the
// next render begins. Under PolicySkip a failed render is logged and
// counted; under PolicyAbort the error is returned.
func (r *Renderer) RenderSignal(ctx context.Context, sig source.Signal) ([]sink.Event, error) {
	start := time.Now()
	var events []sink.Event

	for _, t := range r.selectTemplates() {
		spanCtx, span := tracing.StartSpan(ctx, r.cfg.Tracer, tracing.SpanRender,
			trace.WithAttributes(
				tracing.PipelineAttr(r.cfg.Pipeline),
				tracing.TemplateAttr(t.ID),
				tracing.SeqAttr(sig.Seq),
			))
		bindings := engine.Bindings{
			Timestamp: sig.Timestamp,
			Seq:       sig.Seq,
			Params:    r.cfg.Params,
			Samples:   r.cfg.Samples,
			State:     r.cfg.State.Snapshot(),
		}

		res, err := t.Program.Render(spanCtx, bindings)
		if err != nil {
			tracing.SetSpanError(span, err)
			span.End()
			if r.cfg.Metrics != nil {
				r.cfg.Metrics.RenderErrors.WithLabelValues(r.cfg.Pipeline, t.ID).Inc()
			}
			if r.cfg.Policy == PolicyAbort {
				return nil, err
			}
			r.skipped++
			r.cfg.Logger.Error("render failed, skipping event",
				"template", t.ID,
				"seq", sig.Seq,
				"error", err,
			)
			continue
		}

		tracing.SetSpanOK(span)
		span.End()

		r.cfg.State.Apply(res.StateWrites)
		events = append(events, sink.Event{
			Timestamp:  sig.Timestamp,
			Seq:        sig.Seq,
			TemplateID: t.ID,
			Payload:    res.Payload,
		})
		if r.cfg.Metrics != nil {
			r.cfg.Metrics.EventsRendered.WithLabelValues(r.cfg.Pipeline, t.ID).Inc()
		}
	}

	if r.cfg.Metrics != nil {
		r.cfg.Metrics.RenderDuration.WithLabelValues(r.cfg.Pipeline).Observe(time.Since(start).Seconds())
	}
	return events, nil
}

// Skipped returns how many renders failed under PolicySkip.
func (r *Renderer) Skipped() int64 { return r.skipped }

func (r *Renderer) selectTemplates() []Template {
	switch r.cfg.Mode {
	case ModeAll:
		return r.cfg.Templates

	case ModeAny:
		var picked []Template
		for _, t := range r.cfg.Templates {
			if t.Weight > 0 && r.cfg.Rand.Float64() < t.Weight/r.total {
				picked = append(picked, t)
			}
		}
		return picked

	case ModeChance:
		draw := r.cfg.Rand.Float64() * r.total
		var acc float64
		for _, t := range r.cfg.Templates {
			acc += t.Weight
			if draw < acc {
				return []Template{t}
			}
		}
		// Floating point edge: the draw landed on the total.
		return []Template{r.cfg.Templates[len(r.cfg.Templates)-1]}

	case ModeSpin:
		t := r.cfg.Templates[r.spinIdx%len(r.cfg.Templates)]
		r.spinIdx++
		return []Template{t}

	default:
		return r.cfg.Templates
	}
}
