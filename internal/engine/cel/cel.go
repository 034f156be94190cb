// Package cel implements the template engine on top of CEL. A
// template is a single expression evaluating to a map: a top-level
// "state" entry (if any) becomes the render-state writes, the rest is
// the event payload, marshaled to compact JSON.
package cel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
	"github.com/google/cel-go/ext"

	"github.com/eventum-io/eventum/internal/engine"
)

const (
	defaultTimeout        = 5 * time.Second
	defaultMaxOutputBytes = 1 << 20
)

// stateKey is the reserved top-level result key carrying render-state
// writes.
const stateKey = "state"

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout caps the execution time of a single render.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

// WithMaxOutputBytes caps the size of a rendered payload.
func WithMaxOutputBytes(n int) Option {
	return func(e *Engine) { e.maxOutputBytes = n }
}

// Engine compiles CEL template expressions.
type Engine struct {
	env            *cel.Env
	timeout        time.Duration
	maxOutputBytes int
}

// NewEngine builds the shared CEL environment. Templates see the
// variables timestamp (RFC 3339 string), seq (int), params, samples
// and state (dynamic maps), plus the strings/encoders/math extension
// libraries.
func NewEngine(opts ...Option) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("timestamp", cel.StringType),
		cel.Variable("seq", cel.IntType),
		cel.Variable("params", cel.DynType),
		cel.Variable("samples", cel.DynType),
		cel.Variable("state", cel.DynType),
		ext.Strings(),
		ext.Encoders(),
		ext.Math(),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}

	e := &Engine{
		env:            env,
		timeout:        defaultTimeout,
		maxOutputBytes: defaultMaxOutputBytes,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Compile implements engine.Engine.
func (e *Engine) Compile(name, source string) (engine.Program, error) {
	ast, issues := e.env.Compile(source)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile template %q: %w", name, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program template %q: %w", name, err)
	}
	return &program{
		name:     name,
		prg:      prg,
		timeout:  e.timeout,
		maxBytes: e.maxOutputBytes,
	}, nil
}

type program struct {
	name     string
	prg      cel.Program
	timeout  time.Duration
	maxBytes int
}

// Render implements engine.Program. Evaluation runs in its own
// goroutine so a runaway expression cannot stall the pipeline past the
// configured timeout.
func (p *program) Render(ctx context.Context, b engine.Bindings) (engine.Result, error) {
	if err := ctx.Err(); err != nil {
		return engine.Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	samples := make(map[string]any, len(b.Samples))
	for name, values := range b.Samples {
		samples[name] = values
	}
	activation := map[string]any{
		"timestamp": b.Timestamp.UTC().Format(time.RFC3339Nano),
		"seq":       b.Seq,
		"params":    orEmpty(b.Params),
		"samples":   samples,
		"state":     orEmpty(b.State),
	}

	type evalResult struct {
		val any
		err error
	}
	ch := make(chan evalResult, 1)
	go func() {
		out, _, err := p.prg.Eval(activation)
		if err != nil {
			ch <- evalResult{err: err}
			return
		}
		ch <- evalResult{val: toNative(out)}
	}()

	select {
	case <-ctx.Done():
		return engine.Result{}, &engine.RenderError{
			Template: p.name,
			Err:      fmt.Errorf("evaluation timed out: %w", ctx.Err()),
		}
	case r := <-ch:
		if r.err != nil {
			return engine.Result{}, &engine.RenderError{Template: p.name, Err: r.err}
		}
		return p.buildResult(r.val)
	}
}

func (p *program) buildResult(val any) (engine.Result, error) {
	payload, ok := val.(map[string]any)
	if !ok {
		return engine.Result{}, &engine.RenderError{
			Template: p.name,
			Err:      fmt.Errorf("expression produced %T, want a map", val),
		}
	}

	var writes map[string]any
	if raw, present := payload[stateKey]; present {
		writes, ok = raw.(map[string]any)
		if !ok {
			return engine.Result{}, &engine.RenderError{
				Template: p.name,
				Err:      fmt.Errorf("%q entry is %T, want a map", stateKey, raw),
			}
		}
		rest := make(map[string]any, len(payload)-1)
		for k, v := range payload {
			if k != stateKey {
				rest[k] = v
			}
		}
		payload = rest
	}

	out, err := json.Marshal(payload)
	if err != nil {
		return engine.Result{}, &engine.RenderError{
			Template: p.name,
			Err:      fmt.Errorf("marshal payload: %w", err),
		}
	}
	if len(out) > p.maxBytes {
		return engine.Result{}, &engine.RenderError{
			Template: p.name,
			Err:      fmt.Errorf("payload size %d exceeds max %d bytes", len(out), p.maxBytes),
		}
	}
	return engine.Result{Payload: out, StateWrites: writes}, nil
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// toNative recursively converts CEL values into plain Go types that
// json.Marshal handles.
func toNative(val any) any {
	switch v := val.(type) {
	case traits.Mapper:
		it := v.Iterator()
		m := make(map[string]any)
		for it.HasNext() == types.True {
			key := it.Next()
			m[fmt.Sprint(key.Value())] = toNative(v.Get(key))
		}
		return m
	case traits.Lister:
		it := v.Iterator()
		var list []any
		for it.HasNext() == types.True {
			list = append(list, toNative(it.Next()))
		}
		return list
	case types.Int:
		return int64(v)
	case types.Uint:
		return uint64(v)
	case types.Double:
		return float64(v)
	case types.String:
		return string(v)
	case types.Bool:
		return bool(v)
	case types.Bytes:
		return []byte(v)
	case ref.Val:
		return v.Value()
	default:
		return val
	}
}
