package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingObserver struct {
	mu      sync.Mutex
	decided []Decision
	faults  []error
	drops   []error
}

func (o *recordingObserver) Decided(d Decision, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.decided = append(o.decided, d)
}

func (o *recordingObserver) Fault(_ Listing, _ catalog.Entry, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.faults = append(o.faults, err)
}

func (o *recordingObserver) Dropped(_ Listing, cause error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.drops = append(o.drops, cause)
}

type collectSink struct {
	mu  sync.Mutex
	out []Decision
}

func (s *collectSink) Emit(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, d)
}

func (s *collectSink) all() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Decision(nil), s.out...)
}

func testSchedule(t *testing.T) *fee.Schedule {
	t.Helper()
	s, err := fee.NewSchedule([]fee.Tier{
		{Name: "platform", Numerator: 5, Denominator: 100},
		{Name: "publisher", Numerator: 10, Denominator: 100},
	}, fee.RoundHalfUp, 1)
	require.NoError(t, err)
	return s
}

type fixture struct {
	pipeline *Pipeline
	catalog  *catalog.Catalog
	sink     *collectSink
	observer *recordingObserver
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	f := &fixture{
		catalog:  catalog.New(catalog.Options{Shards: 4}),
		sink:     &collectSink{},
		observer: &recordingObserver{},
	}
	f.pipeline = New(testSchedule(t), f.catalog, f.sink, f.observer, opts, zerolog.Nop())
	return f
}

func rule(minMargin fee.Amount, pct int64) Rule {
	return Rule{MinMargin: minMargin, MinMarginPct: decimal.NewFromInt(pct)}
}

func TestDecideAct(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: 30 * time.Second, Rule: rule(50, 5)})
	f.catalog.Upsert("X", 1000, testNow.Add(-10*time.Second))

	d := f.pipeline.Decide(Listing{ID: "l1", Item: "X", Offer: 800, ObservedAt: testNow})
	assert.Equal(t, VerdictAct, d.Verdict)
	assert.Equal(t, ReasonNone, d.Reason)
	assert.Equal(t, fee.Amount(1000), d.ReferencePrice)
	assert.Equal(t, fee.Amount(869), d.NetProceeds)
	assert.Equal(t, fee.Amount(69), d.Margin)
	assert.Equal(t, "8.625", d.MarginPct().String())
}

func TestDecideMarginTooLow(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: 30 * time.Second, Rule: rule(50, 10)})
	f.catalog.Upsert("X", 1000, testNow.Add(-10*time.Second))

	d := f.pipeline.Decide(Listing{ID: "l1", Item: "X", Offer: 800, ObservedAt: testNow})
	assert.Equal(t, VerdictSkip, d.Verdict)
	assert.Equal(t, ReasonMarginTooLow, d.Reason)
	assert.Equal(t, fee.Amount(69), d.Margin)
}

func TestDecideThresholdsAreExclusive(t *testing.T) {
	f := newFixture(t, Options{Rule: rule(69, 0)})
	f.catalog.Upsert("X", 1000, testNow)

	d := f.pipeline.Decide(Listing{ID: "l1", Item: "X", Offer: 800, ObservedAt: testNow})
	assert.Equal(t, ReasonMarginTooLow, d.Reason, "margin equal to the minimum must not act")
}

func TestDecideNoReferencePrice(t *testing.T) {
	f := newFixture(t, Options{Rule: rule(0, 0)})

	d := f.pipeline.Decide(Listing{ID: "l1", Item: "missing", Offer: 100, ObservedAt: testNow})
	assert.Equal(t, VerdictSkip, d.Verdict)
	assert.Equal(t, ReasonNoReferencePrice, d.Reason)
	assert.Zero(t, d.NetProceeds)
}

func TestDecideStaleReference(t *testing.T) {
	f := newFixture(t, Options{StaleAfter: time.Minute, Rule: rule(0, 0)})
	f.catalog.Upsert("X", 1000, testNow.Add(-2*time.Minute))

	d := f.pipeline.Decide(Listing{ID: "l1", Item: "X", Offer: 100, ObservedAt: testNow})
	assert.Equal(t, ReasonStaleReference, d.Reason)
	assert.Equal(t, fee.Amount(1000), d.ReferencePrice)

	f.catalog.Upsert("X", 1000, testNow.Add(-time.Minute))
	d = f.pipeline.Decide(Listing{ID: "l1", Item: "X", Offer: 100, ObservedAt: testNow})
	assert.Equal(t, VerdictAct, d.Verdict, "a price exactly StaleAfter old is still fresh")
}

func TestDecideComputationError(t *testing.T) {
	f := newFixture(t, Options{Rule: rule(0, 0)})
	f.catalog.Upsert("X", 1000, testNow)

	d := f.pipeline.Decide(Listing{ID: "bad", Item: "X", Offer: -5, ObservedAt: testNow})
	assert.Equal(t, VerdictSkip, d.Verdict)
	assert.Equal(t, ReasonComputationError, d.Reason)
	require.Len(t, f.observer.faults, 1)
	assert.ErrorIs(t, f.observer.faults[0], fee.ErrInvalidAmount)
	assert.Equal(t, uint64(1), f.pipeline.Stats().Faults)
}

func TestDecideZeroOffer(t *testing.T) {
	f := newFixture(t, Options{Rule: rule(0, 50)})
	f.catalog.Upsert("X", 1000, testNow)

	d := f.pipeline.Decide(Listing{ID: "free", Item: "X", Offer: 0, ObservedAt: testNow})
	assert.Equal(t, VerdictAct, d.Verdict)
	assert.True(t, d.MarginPct().IsZero())
}

func TestDecisionIDDeterministic(t *testing.T) {
	f := newFixture(t, Options{Rule: rule(0, 0)})
	f.catalog.Upsert("X", 1000, testNow)
	l := Listing{ID: "l1", Item: "X", Offer: 800, ObservedAt: testNow}

	a := f.pipeline.Decide(l)
	b := f.pipeline.Decide(l)
	assert.Equal(t, a.ID, b.ID)

	f.catalog.Upsert("X", 1100, testNow.Add(time.Second))
	c := f.pipeline.Decide(l)
	assert.NotEqual(t, a.ID, c.ID, "a new catalog revision yields a new decision")
}

func TestSubmitDropsWhenFull(t *testing.T) {
	f := newFixture(t, Options{QueueSize: 2, Rule: rule(0, 0)})
	ctx := context.Background()

	require.NoError(t, f.pipeline.Submit(ctx, Listing{ID: "1", Item: "X"}))
	require.NoError(t, f.pipeline.Submit(ctx, Listing{ID: "2", Item: "X"}))
	err := f.pipeline.Submit(ctx, Listing{ID: "3", Item: "X"})
	assert.ErrorIs(t, err, ErrDropped)
	assert.False(t, f.pipeline.TrySubmit(Listing{ID: "4", Item: "X"}))

	st := f.pipeline.Stats()
	assert.Equal(t, uint64(2), st.Accepted)
	assert.Equal(t, uint64(2), st.Dropped)
	assert.Equal(t, 2, st.QueueDepth)
	assert.Len(t, f.observer.drops, 2)
}

func TestSubmitWaitsForTimeout(t *testing.T) {
	f := newFixture(t, Options{QueueSize: 1, SubmitTimeout: 20 * time.Millisecond, Rule: rule(0, 0)})
	ctx := context.Background()
	require.NoError(t, f.pipeline.Submit(ctx, Listing{ID: "1", Item: "X"}))

	start := time.Now()
	err := f.pipeline.Submit(ctx, Listing{ID: "2", Item: "X"})
	assert.ErrorIs(t, err, ErrDropped)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestSubmitCancelledContext(t *testing.T) {
	f := newFixture(t, Options{QueueSize: 1, SubmitTimeout: time.Hour, Rule: rule(0, 0)})
	require.NoError(t, f.pipeline.Submit(context.Background(), Listing{ID: "1", Item: "X"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.pipeline.Submit(ctx, Listing{ID: "2", Item: "X"})
	assert.ErrorIs(t, err, ErrDropped)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), f.pipeline.Stats().Dropped)
}

func TestRunDrainsOnShutdown(t *testing.T) {
	const n = 50
	f := newFixture(t, Options{Workers: 4, QueueSize: n, Rule: rule(0, 0)})
	f.catalog.Upsert("X", 1000, testNow)

	for i := 0; i < n; i++ {
		require.NoError(t, f.pipeline.Submit(context.Background(), Listing{
			ID: fmt.Sprintf("l%d", i), Item: "X", Offer: 500, ObservedAt: testNow,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := f.pipeline.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))

	assert.Len(t, f.sink.all(), n)
	st := f.pipeline.Stats()
	assert.Equal(t, uint64(n), st.Decided)
	assert.Equal(t, uint64(n), st.Acted)
	assert.Zero(t, st.QueueDepth)

	assert.ErrorIs(t, f.pipeline.Submit(context.Background(), Listing{ID: "late"}), ErrClosed)
	assert.False(t, f.pipeline.TrySubmit(Listing{ID: "late"}))
}

func TestRunProcessesConcurrently(t *testing.T) {
	f := newFixture(t, Options{Workers: 8, QueueSize: 16, SubmitTimeout: time.Second, Rule: rule(0, 0)})
	for i := 0; i < 10; i++ {
		f.catalog.Upsert(catalog.ItemID(fmt.Sprintf("item-%d", i)), fee.Amount(1000+i), testNow)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.pipeline.Run(ctx) }()

	const n = 500
	var wg sync.WaitGroup
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < n/5; i++ {
				l := Listing{
					ID:         fmt.Sprintf("g%d-%d", g, i),
					Item:       catalog.ItemID(fmt.Sprintf("item-%d", i%12)),
					Offer:      700,
					ObservedAt: testNow,
				}
				assert.NoError(t, f.pipeline.Submit(ctx, l))
			}
		}(g)
	}
	wg.Wait()
	cancel()
	<-done

	out := f.sink.all()
	require.Len(t, out, n)
	seen := make(map[string]bool, n)
	for _, d := range out {
		assert.False(t, seen[d.ListingID], "listing %s decided twice", d.ListingID)
		seen[d.ListingID] = true
		if d.Item == "item-10" || d.Item == "item-11" {
			assert.Equal(t, ReasonNoReferencePrice, d.Reason)
		}
	}
}

func TestRunTwice(t *testing.T) {
	f := newFixture(t, Options{Rule: rule(0, 0)})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = f.pipeline.Run(ctx)
	assert.Error(t, f.pipeline.Run(ctx))
}

func TestUpdatePrice(t *testing.T) {
	f := newFixture(t, Options{})

	rev, applied, err := f.pipeline.UpdatePrice(PriceUpdate{Item: "X", Price: 1000, ObservedAt: testNow})
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, uint64(0), rev)

	_, applied, err = f.pipeline.UpdatePrice(PriceUpdate{Item: "X", Price: 900, ObservedAt: testNow.Add(-time.Second)})
	require.NoError(t, err)
	assert.False(t, applied)

	for _, u := range []PriceUpdate{
		{Item: "", Price: 1, ObservedAt: testNow},
		{Item: "X", Price: -1, ObservedAt: testNow},
		{Item: "X", Price: 1},
		{Item: "X", Price: 1, ObservedAt: testNow, Market: catalog.Market{SoldPerWeek: -1}},
	} {
		_, _, err := f.pipeline.UpdatePrice(u)
		assert.ErrorIs(t, err, ErrInvalidUpdate)
	}

	st := f.pipeline.Stats()
	assert.Equal(t, uint64(1), st.PricesApplied)
	assert.Equal(t, uint64(1), st.PricesIgnored)
}

func TestDecisionCarriesMarket(t *testing.T) {
	f := newFixture(t, Options{Rule: rule(0, 1)})
	m := catalog.Market{Volatility: 0.018, Stable: true, SoldPerWeek: 75, Samples: 42}
	_, _, err := f.pipeline.UpdatePrice(PriceUpdate{Item: "X", Price: 1000, Market: m, ObservedAt: testNow})
	require.NoError(t, err)

	d := f.pipeline.Decide(Listing{ID: "l1", Item: "X", Offer: 800, ObservedAt: testNow})
	assert.Equal(t, VerdictAct, d.Verdict)
	assert.Equal(t, m, d.Market)
}

func TestConsumePrices(t *testing.T) {
	f := newFixture(t, Options{})
	ch := make(chan PriceUpdate, 3)
	ch <- PriceUpdate{Item: "X", Price: 1000, ObservedAt: testNow}
	ch <- PriceUpdate{Item: "", Price: 1, ObservedAt: testNow}
	ch <- PriceUpdate{Item: "X", Price: 1200, ObservedAt: testNow.Add(time.Second)}
	close(ch)

	require.NoError(t, f.pipeline.ConsumePrices(context.Background(), ch))
	e, ok := f.catalog.Get("X")
	require.True(t, ok)
	assert.Equal(t, fee.Amount(1200), e.Price)
	assert.Equal(t, uint64(1), e.Revision)
}

func TestChannelSinkDropsWhenFull(t *testing.T) {
	s := NewChannelSink(1, zerolog.Nop())
	s.Emit(Decision{Item: "a"})
	s.Emit(Decision{Item: "b"})
	assert.Equal(t, uint64(1), s.Dropped())

	s.Close()
	s.Close()
	s.Emit(Decision{Item: "c"})
	assert.Equal(t, uint64(2), s.Dropped())

	var got []catalog.ItemID
	for d := range s.Decisions() {
		got = append(got, d.Item)
	}
	assert.Equal(t, []catalog.ItemID{"a"}, got)
}

func TestRuleAccept(t *testing.T) {
	r := Rule{MinMargin: 10, MinMarginPct: decimal.RequireFromString("12.5")}
	assert.True(t, r.Accept(26, 200))
	assert.False(t, r.Accept(25, 200), "exactly 12.5% is not enough")
	assert.False(t, r.Accept(10, 1), "margin must exceed the absolute minimum")
	assert.False(t, r.Accept(-1, 0))
}
