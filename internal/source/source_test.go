package source

import (
	"context"
	"errors"
	"testing"
	"time"
)

func drainSource(t *testing.T, s Source) []Signal {
	t.Helper()
	var signals []Signal
	for {
		sig, err := s.Next(context.Background())
		if errors.Is(err, ErrDone) {
			return signals
		}
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		signals = append(signals, sig)
	}
}

// Every source type must emit a strictly increasing (Timestamp, Seq)
// sequence.
func assertStrictOrder(t *testing.T, signals []Signal) {
	t.Helper()
	for i := 1; i < len(signals); i++ {
		if !signals[i-1].Before(signals[i]) {
			t.Errorf("signal %d (%v, seq %d) does not order after signal %d (%v, seq %d)",
				i, signals[i].Timestamp, signals[i].Seq,
				i-1, signals[i-1].Timestamp, signals[i-1].Seq)
		}
	}
}

func TestTimestamps_Order(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src, err := NewTimestamps([]time.Time{
		base,
		base.Add(time.Second),
		base.Add(time.Second), // duplicate timestamp, ordered by seq
		base.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("new timestamps: %v", err)
	}

	signals := drainSource(t, src)
	if len(signals) != 4 {
		t.Fatalf("got %d signals, want 4", len(signals))
	}
	assertStrictOrder(t, signals)
}

func TestTimestamps_Unsorted(t *testing.T) {
	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, err := NewTimestamps([]time.Time{base.Add(time.Minute), base})
	if err == nil {
		t.Fatal("expected error for unsorted list")
	}
}

func TestTimestamps_Empty(t *testing.T) {
	if _, err := NewTimestamps(nil); err == nil {
		t.Fatal("expected error for empty list")
	}
}

func TestCron_CountAndSpacing(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	src, err := NewCron("*/5 * * * *", 3, start)
	if err != nil {
		t.Fatalf("new cron: %v", err)
	}

	signals := drainSource(t, src)
	if len(signals) != 3 {
		t.Fatalf("got %d signals, want 3", len(signals))
	}
	assertStrictOrder(t, signals)

	for i := 1; i < len(signals); i++ {
		gap := signals[i].Timestamp.Sub(signals[i-1].Timestamp)
		if gap != 5*time.Minute {
			t.Errorf("gap %d is %v, want 5m", i, gap)
		}
	}
	if !src.Finite() {
		t.Error("counted cron source should be finite")
	}
}

func TestCron_Unbounded(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	src, err := NewCron("* * * * *", 0, start)
	if err != nil {
		t.Fatalf("new cron: %v", err)
	}
	if src.Finite() {
		t.Error("uncounted cron source should be unbounded")
	}
	for i := 0; i < 10; i++ {
		if _, err := src.Next(context.Background()); err != nil {
			t.Fatalf("next %d: %v", i, err)
		}
	}
}

func TestCron_InvalidExpression(t *testing.T) {
	_, err := NewCron("not a cron", 1, time.Now())
	var genErr *GenerationError
	if !errors.As(err, &genErr) {
		t.Fatalf("want GenerationError, got %v", err)
	}
}

func TestSample_OrderAndBounds(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(time.Hour)

	for _, dist := range []string{DistUniform, DistNormal, DistTriangular} {
		t.Run(dist, func(t *testing.T) {
			src, err := NewSample(SampleParams{
				Count:        200,
				Start:        start,
				End:          end,
				Distribution: dist,
				Seed:         42,
			})
			if err != nil {
				t.Fatalf("new sample: %v", err)
			}

			signals := drainSource(t, src)
			if len(signals) != 200 {
				t.Fatalf("got %d signals, want 200", len(signals))
			}
			assertStrictOrder(t, signals)

			for _, sig := range signals {
				if sig.Timestamp.Before(start) || sig.Timestamp.After(end) {
					t.Errorf("timestamp %v is outside the window", sig.Timestamp)
				}
			}
		})
	}
}

func TestSample_Deterministic(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	p := SampleParams{Count: 50, Start: start, End: start.Add(time.Minute), Seed: 7}

	a, err := NewSample(p)
	if err != nil {
		t.Fatalf("new sample: %v", err)
	}
	b, err := NewSample(p)
	if err != nil {
		t.Fatalf("new sample: %v", err)
	}

	sa, sb := drainSource(t, a), drainSource(t, b)
	for i := range sa {
		if !sa[i].Timestamp.Equal(sb[i].Timestamp) {
			t.Fatalf("draw %d differs across identically seeded sources", i)
		}
	}
}

func TestSample_InvalidParams(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		p    SampleParams
	}{
		{"zero count", SampleParams{Count: 0, Start: start, End: start.Add(time.Minute)}},
		{"empty window", SampleParams{Count: 1, Start: start, End: start}},
		{"negative stddev", SampleParams{Count: 1, Start: start, End: start.Add(time.Minute), Distribution: DistNormal, Stddev: -1}},
		{"mode out of window", SampleParams{Count: 1, Start: start, End: start.Add(time.Minute), Distribution: DistTriangular, Mode: 3600}},
		{"unknown distribution", SampleParams{Count: 1, Start: start, End: start.Add(time.Minute), Distribution: "zipf"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewSample(tc.p)
			var genErr *GenerationError
			if !errors.As(err, &genErr) {
				t.Fatalf("want GenerationError, got %v", err)
			}
		})
	}
}

func TestNext_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src, err := NewTimestamps([]time.Time{time.Now()})
	if err != nil {
		t.Fatalf("new timestamps: %v", err)
	}
	if _, err := src.Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("want context.Canceled, got %v", err)
	}
}
