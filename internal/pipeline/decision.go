package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
)

// Listing is an offer observed on the source marketplace.
type Listing struct {
	ID         string
	Item       catalog.ItemID
	Offer      fee.Amount
	ObservedAt time.Time
}

// PriceUpdate is a reference-market price observation. Market is zero when
// the source had no sale history for the item.
type PriceUpdate struct {
	Item       catalog.ItemID
	Price      fee.Amount
	Market     catalog.Market
	ObservedAt time.Time
}

// Verdict is the outcome of a decision.
type Verdict string

const (
	VerdictAct  Verdict = "ACT"
	VerdictSkip Verdict = "SKIP"
)

// Reason explains a SKIP verdict.
type Reason string

const (
	ReasonNone             Reason = ""
	ReasonNoReferencePrice Reason = "NoReferencePrice"
	ReasonStaleReference   Reason = "StaleReference"
	ReasonMarginTooLow     Reason = "MarginTooLow"
	ReasonComputationError Reason = "ComputationError"
)

// Decision is emitted once per processed listing.
type Decision struct {
	ID                uuid.UUID
	ListingID         string
	Item              catalog.ItemID
	Offer             fee.Amount
	ReferencePrice    fee.Amount
	ReferenceRevision uint64
	// Market is the reference entry's sale history summary at decision time.
	Market            catalog.Market
	NetProceeds       fee.Amount
	Margin            fee.Amount
	Verdict           Verdict
	Reason            Reason
	ObservedAt        time.Time
	DecidedAt         time.Time
}

// MarginPct returns the margin as a percentage of the offer.
func (d Decision) MarginPct() decimal.Decimal {
	if d.Offer == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(d.Margin)).Mul(hundred).DivRound(decimal.NewFromInt(int64(d.Offer)), 4)
}

var (
	hundred = decimal.NewFromInt(100)

	decisionNamespace = uuid.MustParse("6f1c3a52-9d0e-4b8e-a6f4-1f3e2b7c9d10")
)

// decisionID is derived from the inputs so that replaying a listing against
// the same catalog revision yields the same identifier.
func decisionID(l Listing, revision uint64) uuid.UUID {
	key := fmt.Sprintf("%s|%s|%d|%d|%d", l.ID, l.Item, l.Offer, l.ObservedAt.UnixNano(), revision)
	return uuid.NewSHA1(decisionNamespace, []byte(key))
}

// Rule is the profitability threshold. Both bounds are exclusive and both
// must hold.
type Rule struct {
	MinMargin    fee.Amount
	MinMarginPct decimal.Decimal
}

// Accept reports whether margin on offer clears the rule.
func (r Rule) Accept(margin, offer fee.Amount) bool {
	if margin <= r.MinMargin {
		return false
	}
	lhs := decimal.NewFromInt(int64(margin)).Mul(hundred)
	rhs := r.MinMarginPct.Mul(decimal.NewFromInt(int64(offer)))
	return lhs.GreaterThan(rhs)
}
