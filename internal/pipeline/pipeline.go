// Package pipeline turns listing events into buy/skip decisions using the
// price catalog and the fee engine.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
)

var (
	// ErrDropped reports a listing rejected because the intake queue stayed
	// full.
	ErrDropped = errors.New("pipeline: listing dropped")
	// ErrClosed reports a submission after shutdown began.
	ErrClosed = errors.New("pipeline: closed")
	// ErrInvalidUpdate reports a malformed price update.
	ErrInvalidUpdate = errors.New("pipeline: invalid price update")
)

// Options tune the pipeline.
type Options struct {
	Workers       int
	QueueSize     int
	SubmitTimeout time.Duration
	StaleAfter    time.Duration
	Rule          Rule
	// Now is the decision clock; defaults to time.Now.
	Now func() time.Time
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Accepted      uint64
	Dropped       uint64
	Decided       uint64
	Acted         uint64
	Faults        uint64
	PricesApplied uint64
	PricesIgnored uint64
	QueueDepth    int
}

// Pipeline processes listings on a pool of workers. The catalog and schedule
// are shared with the caller, which owns their lifetime.
type Pipeline struct {
	schedule *fee.Schedule
	catalog  *catalog.Catalog
	sink     Sink
	observer Observer
	opts     Options
	logger   zerolog.Logger

	intake  chan Listing
	mu      sync.RWMutex
	closed  bool
	started atomic.Bool

	accepted      atomic.Uint64
	dropped       atomic.Uint64
	decided       atomic.Uint64
	acted         atomic.Uint64
	faults        atomic.Uint64
	pricesApplied atomic.Uint64
	pricesIgnored atomic.Uint64
}

// New wires a pipeline. observer may be nil, in which case a LogObserver
// without latency recording is used.
func New(schedule *fee.Schedule, cat *catalog.Catalog, sink Sink, observer Observer, opts Options, logger zerolog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = runtime.GOMAXPROCS(0)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 4096
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if sink == nil {
		sink = SinkFunc(func(Decision) {})
	}
	if observer == nil {
		observer = NewLogObserver(schedule, nil, logger)
	}

	return &Pipeline{
		schedule: schedule,
		catalog:  cat,
		sink:     sink,
		observer: observer,
		opts:     opts,
		logger:   logger.With().Str("component", "pipeline").Logger(),
		intake:   make(chan Listing, opts.QueueSize),
	}
}

// Run starts the workers and blocks until ctx is cancelled. On cancellation
// intake is closed, buffered listings are drained, and Run returns once every
// started decision has been emitted.
func (p *Pipeline) Run(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: already running")
	}

	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for l := range p.intake {
				p.process(l)
			}
		}()
	}
	p.logger.Info().Int("workers", p.opts.Workers).Int("queue_size", p.opts.QueueSize).Msg("pipeline started")

	<-ctx.Done()
	p.closeIntake()
	wg.Wait()

	st := p.Stats()
	p.logger.Info().
		Uint64("decided", st.Decided).
		Uint64("dropped", st.Dropped).
		Uint64("faults", st.Faults).
		Msg("pipeline stopped")
	return ctx.Err()
}

func (p *Pipeline) closeIntake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.intake)
	}
}

// Submit enqueues l, waiting up to SubmitTimeout for room. A listing that
// does not fit is dropped, counted and reported, and ErrDropped is returned.
func (p *Pipeline) Submit(ctx context.Context, l Listing) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}

	select {
	case p.intake <- l:
		p.accepted.Add(1)
		return nil
	default:
	}
	if p.opts.SubmitTimeout <= 0 {
		return p.drop(l, ErrDropped)
	}

	timer := time.NewTimer(p.opts.SubmitTimeout)
	defer timer.Stop()
	select {
	case p.intake <- l:
		p.accepted.Add(1)
		return nil
	case <-timer.C:
		return p.drop(l, fmt.Errorf("%w: queue full for %s", ErrDropped, p.opts.SubmitTimeout))
	case <-ctx.Done():
		return p.drop(l, fmt.Errorf("%w: %w", ErrDropped, ctx.Err()))
	}
}

// TrySubmit enqueues l only if there is room right now.
func (p *Pipeline) TrySubmit(l Listing) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.intake <- l:
		p.accepted.Add(1)
		return true
	default:
		_ = p.drop(l, ErrDropped)
		return false
	}
}

func (p *Pipeline) drop(l Listing, err error) error {
	p.dropped.Add(1)
	p.observer.Dropped(l, err)
	return err
}

func (p *Pipeline) process(l Listing) {
	start := time.Now()
	d := p.safeDecide(l)
	p.sink.Emit(d)

	p.decided.Add(1)
	if d.Verdict == VerdictAct {
		p.acted.Add(1)
	}
	p.observer.Decided(d, time.Since(start))
}

// safeDecide converts a panic in the decision path into a ComputationError
// decision so one bad listing cannot take a worker down.
func (p *Pipeline) safeDecide(l Listing) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("decision panicked: %v", r)
			d = p.fault(l, catalog.Entry{Item: l.Item}, err, Decision{
				ListingID:  l.ID,
				Item:       l.Item,
				Offer:      l.Offer,
				ObservedAt: l.ObservedAt,
				DecidedAt:  p.opts.Now(),
			})
		}
	}()
	return p.Decide(l)
}

// Decide runs the decision stages for a single listing: lookup, staleness,
// net proceeds, profitability. It never blocks and never fails; problems
// surface as SKIP verdicts.
func (p *Pipeline) Decide(l Listing) Decision {
	now := p.opts.Now()
	d := Decision{
		ListingID:  l.ID,
		Item:       l.Item,
		Offer:      l.Offer,
		Verdict:    VerdictSkip,
		ObservedAt: l.ObservedAt,
		DecidedAt:  now,
	}

	ref, ok := p.catalog.Get(l.Item)
	if !ok {
		d.ID = decisionID(l, 0)
		d.Reason = ReasonNoReferencePrice
		return d
	}
	d.ID = decisionID(l, ref.Revision)
	d.ReferencePrice = ref.Price
	d.ReferenceRevision = ref.Revision
	d.Market = ref.Market

	if ref.StaleAt(now, p.opts.StaleAfter) {
		d.Reason = ReasonStaleReference
		return d
	}

	if l.Offer < 0 || l.Offer > fee.MaxAmount {
		return p.fault(l, ref, fmt.Errorf("%w: offer %d", fee.ErrInvalidAmount, l.Offer), d)
	}
	net, err := p.schedule.SubtractFees(ref.Price)
	if err != nil {
		return p.fault(l, ref, err, d)
	}
	d.NetProceeds = net
	d.Margin = net - l.Offer

	if !p.opts.Rule.Accept(d.Margin, l.Offer) {
		d.Reason = ReasonMarginTooLow
		return d
	}
	d.Verdict = VerdictAct
	d.Reason = ReasonNone
	return d
}

func (p *Pipeline) fault(l Listing, ref catalog.Entry, err error, d Decision) Decision {
	p.faults.Add(1)
	p.observer.Fault(l, ref, err)
	d.Verdict = VerdictSkip
	d.Reason = ReasonComputationError
	d.NetProceeds = 0
	d.Margin = 0
	return d
}

// UpdatePrice applies a reference-price observation to the catalog. applied
// is false when the catalog already holds a fresher or identical
// observation.
func (p *Pipeline) UpdatePrice(u PriceUpdate) (revision uint64, applied bool, err error) {
	if u.Item == "" {
		return 0, false, fmt.Errorf("%w: empty item", ErrInvalidUpdate)
	}
	if u.Price < 0 || u.Price > fee.MaxAmount {
		return 0, false, fmt.Errorf("%w: %s price %d: %w", ErrInvalidUpdate, u.Item, u.Price, fee.ErrInvalidAmount)
	}
	if u.ObservedAt.IsZero() {
		return 0, false, fmt.Errorf("%w: %s has no observation time", ErrInvalidUpdate, u.Item)
	}

	if m := u.Market; m.Volatility < 0 || m.SoldPerWeek < 0 || m.Samples < 0 {
		return 0, false, fmt.Errorf("%w: %s has negative market statistics", ErrInvalidUpdate, u.Item)
	}

	revision, applied = p.catalog.UpsertMarket(u.Item, u.Price, u.Market, u.ObservedAt)
	if applied {
		p.pricesApplied.Add(1)
	} else {
		p.pricesIgnored.Add(1)
	}
	return revision, applied, nil
}

// ConsumePrices applies updates until the channel closes or ctx is done.
// Invalid updates are logged and skipped.
func (p *Pipeline) ConsumePrices(ctx context.Context, updates <-chan PriceUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if _, _, err := p.UpdatePrice(u); err != nil {
				p.logger.Warn().Err(err).Msg("reference price rejected")
			}
		}
	}
}

// Stats returns the current counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted:      p.accepted.Load(),
		Dropped:       p.dropped.Load(),
		Decided:       p.decided.Load(),
		Acted:         p.acted.Load(),
		Faults:        p.faults.Load(),
		PricesApplied: p.pricesApplied.Load(),
		PricesIgnored: p.pricesIgnored.Load(),
		QueueDepth:    len(p.intake),
	}
}
