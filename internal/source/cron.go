package source

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Cron emits signals on a standard five-field cron schedule.
// Occurrences are computed relative to the generation start passed to
// NewCron. With a positive count the sequence is finite; count zero
// means unbounded, which only makes sense in live mode.
type Cron struct {
	schedule cron.Schedule
	next     time.Time
	count    int
	emitted  int
	seq      int64
}

// NewCron parses a five-field cron expression and returns a source
// whose first occurrence is the first schedule hit strictly after
// start. A zero count means no limit.
func NewCron(expression string, count int, start time.Time) (*Cron, error) {
	if count < 0 {
		return nil, &GenerationError{
			Pattern: "cron",
			Err:     fmt.Errorf("count must be non-negative, got %d", count),
		}
	}
	schedule, err := cron.ParseStandard(expression)
	if err != nil {
		return nil, &GenerationError{
			Pattern: "cron",
			Err:     fmt.Errorf("parse %q: %w", expression, err),
		}
	}
	return &Cron{
		schedule: schedule,
		next:     schedule.Next(start),
		count:    count,
	}, nil
}

// Next implements Source.
func (s *Cron) Next(ctx context.Context) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	if s.count > 0 && s.emitted >= s.count {
		return Signal{}, ErrDone
	}
	sig := Signal{Timestamp: s.next, Seq: s.seq}
	s.next = s.schedule.Next(s.next)
	s.emitted++
	s.seq++
	return sig, nil
}

// Finite implements Source.
func (s *Cron) Finite() bool { return s.count > 0 }
