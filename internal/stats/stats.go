// Package stats keeps rolling latency samples and summarises them for logs.
package stats

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// DefaultWindow is the number of samples kept per kind.
const DefaultWindow = 1000

// Percentiles reported by Summary.
var Percentiles = []int{50, 90, 95, 99}

// ring is a fixed window written without locks. Writers claim a slot from
// n and store into it; readers see up to len(buf) of the latest samples.
type ring struct {
	buf []atomic.Int64
	n   atomic.Uint64
}

func newRing(size int) *ring {
	return &ring{buf: make([]atomic.Int64, size)}
}

func (r *ring) push(d time.Duration) {
	slot := r.n.Add(1) - 1
	r.buf[slot%uint64(len(r.buf))].Store(int64(d))
}

func (r *ring) values() []time.Duration {
	count := min(r.n.Load(), uint64(len(r.buf)))
	out := make([]time.Duration, count)
	for i := range out {
		out[i] = time.Duration(r.buf[i].Load())
	}
	return out
}

// Recorder stores the last Window durations for each kind. Safe for
// concurrent use; Record takes no lock once a kind exists.
type Recorder struct {
	window int
	kinds  sync.Map // string -> *ring
}

// NewRecorder creates a recorder; window <= 0 selects DefaultWindow.
func NewRecorder(window int) *Recorder {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Recorder{window: window}
}

// Record adds one sample.
func (r *Recorder) Record(kind string, d time.Duration) {
	v, ok := r.kinds.Load(kind)
	if !ok {
		v, _ = r.kinds.LoadOrStore(kind, newRing(r.window))
	}
	v.(*ring).push(d)
}

// Summary describes the samples of one kind.
type Summary struct {
	Kind        string
	Count       int
	Mean        time.Duration
	Percentiles map[int]time.Duration
}

// Summaries returns one summary per kind, sorted by kind. Samples recorded
// while summarising may or may not be included.
func (r *Recorder) Summaries() []Summary {
	var out []Summary
	r.kinds.Range(func(k, v any) bool {
		out = append(out, summarize(k.(string), v.(*ring).values()))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Kind < out[j].Kind })
	return out
}

func summarize(kind string, values []time.Duration) Summary {
	s := Summary{Kind: kind, Count: len(values), Percentiles: make(map[int]time.Duration, len(Percentiles))}
	if len(values) == 0 {
		return s
	}

	slices.Sort(values)
	var sum time.Duration
	for _, v := range values {
		sum += v
	}
	s.Mean = sum / time.Duration(len(values))
	for _, p := range Percentiles {
		idx := p * len(values) / 100
		if idx >= len(values) {
			idx = len(values) - 1
		}
		s.Percentiles[p] = values[idx]
	}
	return s
}

// Log writes every summary at info level.
func (r *Recorder) Log(logger zerolog.Logger) {
	for _, s := range r.Summaries() {
		ev := logger.Info().Str("kind", s.Kind).Int("records", s.Count).Dur("mean", s.Mean)
		for _, p := range Percentiles {
			ev = ev.Dur(fmt.Sprintf("p%d", p), s.Percentiles[p])
		}
		ev.Msg("latency stats")
	}
}
