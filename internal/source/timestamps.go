package source

import (
	"context"
	"fmt"
	"time"
)

// Timestamps is a finite source backed by an explicit timestamp list.
type Timestamps struct {
	signals []Signal
	idx     int
}

// NewTimestamps builds a source from an explicit list. The list must
// already be sorted non-decreasing; equal timestamps are allowed and
// ordered by position.
func NewTimestamps(ts []time.Time) (*Timestamps, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("timestamp list is empty")
	}
	signals := make([]Signal, len(ts))
	for i, t := range ts {
		if i > 0 && t.Before(ts[i-1]) {
			return nil, fmt.Errorf("timestamp list is not sorted: %s follows %s",
				t.Format(time.RFC3339), ts[i-1].Format(time.RFC3339))
		}
		signals[i] = Signal{Timestamp: t, Seq: int64(i)}
	}
	return &Timestamps{signals: signals}, nil
}

// Next implements Source.
func (s *Timestamps) Next(ctx context.Context) (Signal, error) {
	if err := ctx.Err(); err != nil {
		return Signal{}, err
	}
	if s.idx >= len(s.signals) {
		return Signal{}, ErrDone
	}
	sig := s.signals[s.idx]
	s.idx++
	return sig, nil
}

// Finite implements Source.
func (s *Timestamps) Finite() bool { return true }
