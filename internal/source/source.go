// Package source produces ordered signal sequences from declarative
// time patterns: explicit timestamp lists, cron expressions, and
// random samples drawn from a probability distribution.
package source

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Signal is one scheduled point in time at which the pipeline attempts
// to produce events. Seq is the generation order and breaks ties when
// timestamps collide, so (Timestamp, Seq) is a strict total order.
type Signal struct {
	Timestamp time.Time
	Seq       int64
}

// Before reports whether s orders strictly before other.
func (s Signal) Before(other Signal) bool {
	if s.Timestamp.Equal(other.Timestamp) {
		return s.Seq < other.Seq
	}
	return s.Timestamp.Before(other.Timestamp)
}

// ErrDone is returned by Next when a finite source is exhausted.
var ErrDone = errors.New("no more signals")

// Source is a lazy, ordered sequence of signals. Implementations must
// emit strictly increasing (Timestamp, Seq) pairs and must never emit
// a signal ordering below one already emitted.
type Source interface {
	// Next returns the next signal. It returns ErrDone once the
	// sequence is exhausted; unbounded sources never return ErrDone.
	Next(ctx context.Context) (Signal, error)

	// Finite reports whether the sequence is known to terminate.
	Finite() bool
}

// GenerationError reports an invalid pattern source: a cron expression
// that does not parse, or distribution parameters that make no sense.
type GenerationError struct {
	Pattern string
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("signal generation (%s): %v", e.Pattern, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }
