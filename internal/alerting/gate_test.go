package alerting

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"flipwatch/internal/catalog"
	"flipwatch/internal/pipeline"
)

type lookupStub struct {
	at    map[string]time.Time
	err   error
	calls int
}

func (l *lookupStub) LastAlertFor(_ context.Context, item string) (time.Time, bool, error) {
	l.calls++
	if l.err != nil {
		return time.Time{}, false, l.err
	}
	at, ok := l.at[item]
	return at, ok, nil
}

func TestGateThreshold(t *testing.T) {
	g := NewGate(decimal.NewFromInt(25), 0, nil)
	ctx := context.Background()

	cases := []struct {
		name string
		d    pipeline.Decision
		want bool
	}{
		{"above threshold", actDecision("a", 800, 1001), true},
		{"at threshold", actDecision("b", 800, 1000), false},
		{"skip verdict", func() pipeline.Decision {
			d := actDecision("c", 100, 1000)
			d.Verdict = pipeline.VerdictSkip
			return d
		}(), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.Allow(ctx, tc.d, decidedAt)
			if err != nil {
				t.Fatalf("Allow: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Allow = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGateCooldown(t *testing.T) {
	g := NewGate(decimal.NewFromInt(1), 30*time.Minute, nil)
	ctx := context.Background()
	d := actDecision("a", 100, 200)

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{10 * time.Minute, false},
		{29 * time.Minute, false},
		{30 * time.Minute, true},
		{31 * time.Minute, false},
	}
	for _, s := range steps {
		got, err := g.Allow(ctx, d, decidedAt.Add(s.at))
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if got != s.want {
			t.Fatalf("at +%s: Allow = %v, want %v", s.at, got, s.want)
		}
	}

	if ok, _ := g.Allow(ctx, actDecision("b", 100, 200), decidedAt.Add(time.Minute)); !ok {
		t.Fatal("cooldown is per item")
	}
}

func TestGateSeedsFromLookup(t *testing.T) {
	lookup := &lookupStub{at: map[string]time.Time{"a": decidedAt.Add(-10 * time.Minute)}}
	g := NewGate(decimal.NewFromInt(1), 30*time.Minute, lookup)
	ctx := context.Background()

	if ok, _ := g.Allow(ctx, actDecision("a", 100, 200), decidedAt); ok {
		t.Fatal("expected persisted alert to hold the cooldown")
	}
	if ok, _ := g.Allow(ctx, actDecision("a", 100, 200), decidedAt.Add(20*time.Minute)); !ok {
		t.Fatal("expected cooldown to expire")
	}
	if lookup.calls != 1 {
		t.Fatalf("expected a single lookup, got %d", lookup.calls)
	}

	failing := NewGate(decimal.NewFromInt(1), time.Minute, &lookupStub{err: errors.New("db down")})
	if _, err := failing.Allow(ctx, actDecision("z", 100, 200), decidedAt); err == nil {
		t.Fatal("expected lookup error")
	}
}

func TestGateMarketRule(t *testing.T) {
	g := NewGate(decimal.NewFromInt(1), 0, nil).WithMarketRule(MarketRule{RequireStable: true, MinSoldPerWeek: 50})
	ctx := context.Background()

	cases := []struct {
		name   string
		market catalog.Market
		want   bool
	}{
		{"stable and liquid", catalog.Market{Stable: true, SoldPerWeek: 50, Samples: 10}, true},
		{"volatile", catalog.Market{Stable: false, SoldPerWeek: 500, Samples: 10}, false},
		{"thin market", catalog.Market{Stable: true, SoldPerWeek: 49, Samples: 10}, false},
		{"no history", catalog.Market{}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := actDecision(tc.name, 100, 200)
			d.Market = tc.market
			got, err := g.Allow(ctx, d, decidedAt)
			if err != nil {
				t.Fatalf("Allow: %v", err)
			}
			if got != tc.want {
				t.Fatalf("Allow = %v, want %v", got, tc.want)
			}
		})
	}

	// A zero rule ignores the market.
	open := NewGate(decimal.NewFromInt(1), 0, nil)
	if ok, _ := open.Allow(ctx, actDecision("bare", 100, 200), decidedAt); !ok {
		t.Fatal("zero market rule must not block")
	}
}
