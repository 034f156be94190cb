// Package engine defines the expression-substitution contract the
// renderer depends on. The concrete engine is injected at pipeline
// construction; the core never assumes a particular language beyond
// this interface.
package engine

import (
	"context"
	"fmt"
	"time"
)

// Bindings is the full context a template renders against: the signal,
// static parameters, loaded sample datasets, and a stable snapshot of
// the pipeline's render state.
type Bindings struct {
	Timestamp time.Time
	Seq       int64
	Params    map[string]any
	Samples   map[string][]any
	State     map[string]any
}

// Result is one successful render: the event payload plus any writes
// the template made to render state. Writes are applied by the caller,
// atomically, before the next render begins.
type Result struct {
	Payload     []byte
	StateWrites map[string]any
}

// Program is a compiled template, safe to render repeatedly.
type Program interface {
	Render(ctx context.Context, b Bindings) (Result, error)
}

// Engine compiles template sources into programs. Compilation errors
// surface at pipeline start, before any signal is generated.
type Engine interface {
	Compile(name, source string) (Program, error)
}

// RenderError reports a per-event template failure: an unresolved
// sample or state reference, or a runtime failure in the expression.
type RenderError struct {
	Template string
	Err      error
}

func (e *RenderError) Error() string {
	return fmt.Sprintf("render template %q: %v", e.Template, e.Err)
}

func (e *RenderError) Unwrap() error { return e.Err }
