package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Distribution names accepted by NewSample.
const (
	DistUniform    = "uniform"
	DistNormal     = "normal"
	DistTriangular = "triangular"
)

// SampleParams describe a random-sampling pattern: Count timestamps
// drawn from a distribution over the [Start, End) window.
type SampleParams struct {
	Count        int
	Start        time.Time
	End          time.Time
	Distribution string  // defaults to uniform
	Stddev       float64 // seconds; normal only, defaults to a sixth of the window
	Mode         float64 // seconds from Start; triangular only, defaults to the midpoint
	Seed         uint64  // zero seeds from the start time
}

// Sample is a finite source of randomly drawn timestamps. Draws are
// stable-sorted so the ordering invariant holds; ties keep draw order,
// which assigns Seq.
type Sample struct {
	signals []Signal
	idx     int
}

// NewSample draws all timestamps up front and sorts them.
func NewSample(p SampleParams) (*Sample, error) {
	if p.Count <= 0 {
		return nil, &GenerationError{
			Pattern: "sample",
			Err:     fmt.Errorf("count must be positive, got %d", p.Count),
		}
	}
	window := p.End.Sub(p.Start).Seconds()
	if window <= 0 {
		return nil, &GenerationError{
			Pattern: "sample",
			Err:     fmt.Errorf("window end %s is not after start %s",
				p.End.Format(time.RFC3339), p.Start.Format(time.RFC3339)),
		}
	}

	seed := p.Seed
	if seed == 0 {
		seed = uint64(p.Start.UnixNano())
	}
	src := rand.NewSource(seed)

	dist, err := newDistribution(p, window, src)
	if err != nil {
		return nil, err
	}

	draws := make([]float64, p.Count)
	for i := range draws {
		offset := dist.Rand()
		if offset < 0 {
			offset = 0
		}
		if offset > window {
			offset = window
		}
		draws[i] = offset
	}
	sort.Stable(sort.Float64Slice(draws))

	signals := make([]Signal, p.Count)
	for i, offset := range draws {
		signals[i] = Signal{
			Timestamp: p.Start.Add(time.Duration(offset * float64(time.Second))),
			Seq:       int64(i),
		}
	}
	return &Sample{signals: signals}, nil
}

func newDistribution(p SampleParams, window float64, src rand.Source) (distuv.Rander, error) {
	switch p.Distribution {
	case "", DistUniform:
		return distuv.Uniform{Min: 0, Max: window, Src: src}, nil
	case DistNormal:
		sigma := p.Stddev
		if sigma == 0 {
			sigma = window / 6
		}
		if sigma <= 0 {
			return nil, &GenerationError{
				Pattern: "sample",
				Err:     fmt.Errorf("stddev must be positive, got %v", sigma),
			}
		}
		return distuv.Normal{Mu: window / 2, Sigma: sigma, Src: src}, nil
	case DistTriangular:
		mode := p.Mode
		if mode == 0 {
			mode = window / 2
		}
		if mode < 0 || mode > window {
			return nil, &GenerationError{
				Pattern: "sample",
				Err:     fmt.Errorf("mode %v is outside the window [0, %v]", mode, window),
			}
		}
		return distuv.NewTriangle(0, window, mode, src), nil
	default:
		return nil, &GenerationError{
			Pattern: "sample",
			Err:     fmt.Errorf("unknown distribution %q", p.Distribution),
		}
	}
}

// Next implements Source.
func (s *Sample) Next(ctx context.Context) (Signal, error) {
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
func (s *Sample) Finite() bool { return true }
