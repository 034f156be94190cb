// Package scheduler governs when generated signals are handed to the
// renderer: immediately in sample mode, or paced against wall-clock
// time in live mode.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eventum-io/eventum/internal/source"
)

// Mode selects the pacing behavior for a pipeline run.
type Mode string

const (
	// ModeSample delivers signals as fast as the renderer consumes them.
	ModeSample Mode = "sample"
	// ModeLive delivers each signal when wall-clock elapsed time matches
	// the signal's offset from the first timestamp of the sequence.
	ModeLive Mode = "live"
)

// ParseMode validates a mode string from configuration or flags.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSample, ModeLive:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown time mode %q (want %q or %q)", s, ModeSample, ModeLive)
	}
}

// Scheduler paces a single pipeline's signal sequence. Not safe for
// concurrent use; the pipeline drives it from one goroutine.
type Scheduler struct {
	mode   Mode
	clock  Clock
	logger *slog.Logger

	started   bool
	startWall time.Time
	firstTS   time.Time
}

// New creates a scheduler. A nil clock uses the system clock.
func New(mode Mode, clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = SystemClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{mode: mode, clock: clock, logger: logger}
}

// Wait blocks until sig is due. In sample mode it returns immediately.
// In live mode the first signal sets the reference point: it is
// delivered at once and later signals are held until elapsed wall time
// reaches their offset from the first timestamp. A scheduler that has
// fallen behind delivers immediately and does not compress future
// waits to catch up. Cancelling ctx abandons any pending wait.
func (s *Scheduler) Wait(ctx context.Context, sig source.Signal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.mode == ModeSample {
		return nil
	}

	if !s.started {
		s.started = true
		s.startWall = s.clock.Now()
		s.firstTS = sig.Timestamp
		return nil
	}

	target := s.startWall.Add(sig.Timestamp.Sub(s.firstTS))
	delay := target.Sub(s.clock.Now())
	if delay <= 0 {
		if delay < -time.Second {
			s.logger.Warn("scheduler behind wall clock, delivering immediately",
				"seq", sig.Seq,
				"behind_ms", (-delay).Milliseconds(),
			)
		}
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.clock.After(delay):
		return nil
	}
}

// Mode returns the configured time mode.
func (s *Scheduler) Mode() Mode { return s.mode }
