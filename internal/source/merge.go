package source

import "context"

// merge interleaves several sources into one ordered sequence. Heads
// are pulled lazily, so an unbounded constituent costs nothing until
// its next signal is actually due.
type merge struct {
	heads  []mergeHead
	seq    int64
	finite bool
}

type mergeHead struct {
	src    Source
	sig    Signal
	primed bool
	done   bool
}

// NewMerge combines sources into one sequence ordered by timestamp.
// Equal timestamps resolve in favor of the earlier source, and the
// merged sequence is renumbered so Seq stays a strict total order.
// The result is finite only when every constituent is.
func NewMerge(srcs []Source) (Source, error) {
	if len(srcs) == 0 {
		return nil, &GenerationError{Pattern: "merge", Err: ErrDone}
	}
	if len(srcs) == 1 {
		return srcs[0], nil
	}
	m := &merge{finite: true}
	for _, s := range srcs {
		m.heads = append(m.heads, mergeHead{src: s})
		if !s.Finite() {
			m.finite = false
		}
	}
	return m, nil
}

func (m *merge) Next(ctx context.Context) (Signal, error) {
	best := -1
	for i := range m.heads {
		h := &m.heads[i]
		if h.done {
			continue
		}
		if !h.primed {
			sig, err := h.src.Next(ctx)
			if err == ErrDone {
				h.done = true
				continue
			}
			if err != nil {
				return Signal{}, err
			}
			h.sig = sig
			h.primed = true
		}
		if best == -1 || h.sig.Timestamp.Before(m.heads[best].sig.Timestamp) {
			best = i
		}
	}
	if best == -1 {
		return Signal{}, ErrDone
	}

	h := &m.heads[best]
	h.primed = false
	out := Signal{Timestamp: h.sig.Timestamp, Seq: m.seq}
	m.seq++
	return out, nil
}

func (m *merge) Finite() bool { return m.finite }
