package alerting

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"flipwatch/internal/catalog"
	"flipwatch/internal/pipeline"
)

// LastAlertLookup returns when an item was last alerted. It is used to seed
// the cooldown after a restart.
type LastAlertLookup interface {
	LastAlertFor(ctx context.Context, item string) (time.Time, bool, error)
}

// MarketRule restricts alerts to items whose reference price is backed by a
// steady, liquid market.
type MarketRule struct {
	RequireStable  bool
	MinSoldPerWeek int64
}

func (r MarketRule) admits(m catalog.Market) bool {
	if r.RequireStable && !m.Stable {
		return false
	}
	return m.SoldPerWeek >= r.MinSoldPerWeek
}

// Gate decides which ACT decisions become alerts. A decision passes when its
// margin percentage is above the threshold, its reference market satisfies
// the market rule, and the item has not been alerted within the cooldown.
type Gate struct {
	minMarginPct decimal.Decimal
	cooldown     time.Duration
	lookup       LastAlertLookup
	market       MarketRule

	mu   sync.Mutex
	last map[string]time.Time
}

// NewGate constructs a gate. lookup may be nil.
func NewGate(minMarginPct decimal.Decimal, cooldown time.Duration, lookup LastAlertLookup) *Gate {
	return &Gate{
		minMarginPct: minMarginPct,
		cooldown:     cooldown,
		lookup:       lookup,
		last:         make(map[string]time.Time),
	}
}

// WithMarketRule sets the market rule and returns g.
func (g *Gate) WithMarketRule(r MarketRule) *Gate {
	g.market = r
	return g
}

// Threshold returns the configured minimum margin percentage.
func (g *Gate) Threshold() decimal.Decimal { return g.minMarginPct }

// Allow reports whether d should be alerted at now and, if so, records it.
func (g *Gate) Allow(ctx context.Context, d pipeline.Decision, now time.Time) (bool, error) {
	if d.Verdict != pipeline.VerdictAct {
		return false, nil
	}
	if !d.MarginPct().GreaterThan(g.minMarginPct) {
		return false, nil
	}
	if !g.market.admits(d.Market) {
		return false, nil
	}

	item := string(d.Item)
	g.mu.Lock()
	last, seen := g.last[item]
	g.mu.Unlock()

	if !seen && g.lookup != nil && g.cooldown > 0 {
		at, ok, err := g.lookup.LastAlertFor(ctx, item)
		if err != nil {
			return false, err
		}
		if ok {
			last, seen = at, true
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.last[item]; ok && cur.After(last) {
		last, seen = cur, true
	}
	if seen && g.cooldown > 0 && now.Sub(last) < g.cooldown {
		g.last[item] = last
		return false, nil
	}
	g.last[item] = now
	return true, nil
}
