package scheduler

import "time"

// Clock abstracts time for the scheduler so live-mode pacing can be
// tested deterministically. The system implementation relies on the
// monotonic reading carried by time.Time, so interval math is immune
// to wall-clock adjustments.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the real clock.
func SystemClock() Clock { return systemClock{} }
