package pipeline

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Sink receives decisions. Emit is called from pipeline workers and must not
// block on I/O.
type Sink interface {
	Emit(d Decision)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(d Decision)

// Emit calls f(d).
func (f SinkFunc) Emit(d Decision) { f(d) }

// ChannelSink hands decisions to a consumer goroutine through a bounded
// buffer. When the buffer is full the decision is dropped and counted.
type ChannelSink struct {
	ch      chan Decision
	logger  zerolog.Logger
	dropped atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

// NewChannelSink creates a sink with the given buffer size.
func NewChannelSink(size int, logger zerolog.Logger) *ChannelSink {
	if size <= 0 {
		size = 1024
	}
	return &ChannelSink{
		ch:     make(chan Decision, size),
		logger: logger.With().Str("component", "decision_sink").Logger(),
	}
}

// Emit enqueues d without blocking.
func (s *ChannelSink) Emit(d Decision) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop(d)
		return
	}
	select {
	case s.ch <- d:
	default:
		s.drop(d)
	}
}

func (s *ChannelSink) drop(d Decision) {
	n := s.dropped.Add(1)
	s.logger.Warn().
		Str("item", string(d.Item)).
		Str("verdict", string(d.Verdict)).
		Uint64("dropped_total", n).
		Msg("decision sink full; decision dropped")
}

// Decisions is the consumer side of the sink. It is closed by Close.
func (s *ChannelSink) Decisions() <-chan Decision { return s.ch }

// Dropped returns the number of decisions that did not fit.
func (s *ChannelSink) Dropped() uint64 { return s.dropped.Load() }

// Close stops intake and closes the channel once buffered decisions are the
// last ones. Call it after the pipeline has stopped.
func (s *ChannelSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

var _ Sink = (*ChannelSink)(nil)
var _ Sink = SinkFunc(nil)
