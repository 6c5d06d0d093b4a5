package fetcher

import (
	"container/list"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
	"flipwatch/internal/pipeline"
)

// Listing states reported by the listing marketplace.
const (
	StateListed   = "listed"
	StateDelisted = "delisted"
	StateSold     = "sold"
	StateRefunded = "refunded"
)

// apiListing is the wire form of one listing.
type apiListing struct {
	ID        string  `json:"id"`
	Price     int64   `json:"price"`
	State     string  `json:"state"`
	CreatedAt string  `json:"created_at"`
	Item      apiItem `json:"item"`
}

type apiItem struct {
	MarketHashName string   `json:"market_hash_name"`
	IsSouvenir     bool     `json:"is_souvenir"`
	FloatValue     *float64 `json:"float_value,omitempty"`
	Phase          string   `json:"phase,omitempty"`
}

type listingsPage struct {
	Data []apiListing `json:"data"`
}

// decodeListings accepts either a bare array or a {"data": [...]} page.
func decodeListings(payload []byte) ([]apiListing, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "[") {
		var out []apiListing
		if err := json.Unmarshal(payload, &out); err != nil {
			return nil, fmt.Errorf("decode listings: %w", err)
		}
		return out, nil
	}
	var page listingsPage
	if err := json.Unmarshal(payload, &page); err != nil {
		return nil, fmt.Errorf("decode listings: %w", err)
	}
	return page.Data, nil
}

// Filter is the ingestion prefilter. Bounds are inclusive; a zero MaxPrice
// disables the upper bound.
type Filter struct {
	MinPrice fee.Amount
	MaxPrice fee.Amount
}

// Reject returns a non-empty reason when the listing must not be evaluated.
func (f Filter) Reject(l apiListing) string {
	switch {
	case l.ID == "" || l.Item.MarketHashName == "":
		return "incomplete"
	case l.State != StateListed:
		return "not_listed"
	case l.Item.IsSouvenir:
		return "souvenir"
	case fee.Amount(l.Price) < f.MinPrice:
		return "below_min_price"
	case f.MaxPrice > 0 && fee.Amount(l.Price) > f.MaxPrice:
		return "above_max_price"
	}
	return ""
}

type seenListing struct {
	id    string
	price int64
	state string
}

// Dedup remembers listings already submitted so only new listings and
// listings whose price or state changed are evaluated again. Listings that
// leave the listed state are forgotten. Safe for concurrent use.
type Dedup struct {
	max int

	mu    sync.Mutex
	seen  map[string]*list.Element
	order *list.List // of seenListing, oldest first
	next  *list.Element
}

// NewDedup creates a tracker holding at most max listings; max <= 0 selects
// 100000.
func NewDedup(max int) *Dedup {
	if max <= 0 {
		max = 100_000
	}
	return &Dedup{max: max, seen: make(map[string]*list.Element), order: list.New()}
}

// Observe records l and reports whether it is new or changed.
func (d *Dedup) Observe(l apiListing) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l.State != StateListed {
		d.forget(l.ID)
		return false
	}
	cur := seenListing{id: l.ID, price: l.Price, state: l.State}
	if el, ok := d.seen[l.ID]; ok {
		if el.Value.(seenListing) == cur {
			return false
		}
		el.Value = cur
		return true
	}
	if d.order.Len() >= d.max {
		d.remove(d.order.Front())
	}
	d.seen[l.ID] = d.order.PushBack(cur)
	return true
}

// Next returns the next tracked listing id in round-robin order.
func (d *Dedup) Next() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.order.Len() == 0 {
		return "", false
	}
	if d.next == nil {
		d.next = d.order.Front()
	}
	id := d.next.Value.(seenListing).id
	d.next = d.next.Next()
	return id, true
}

// Len returns the number of tracked listings.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.order.Len()
}

// Forget drops id so its next observation counts as new.
func (d *Dedup) Forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forget(id)
}

func (d *Dedup) forget(id string) {
	if el, ok := d.seen[id]; ok {
		d.remove(el)
	}
}

// remove unlinks el in O(1), moving the rotation cursor past it.
func (d *Dedup) remove(el *list.Element) {
	if el == d.next {
		d.next = el.Next()
	}
	delete(d.seen, el.Value.(seenListing).id)
	d.order.Remove(el)
}

// ingest is the shared path from a wire listing to the pipeline.
type ingest struct {
	filter  Filter
	dedup   *Dedup
	out     Submitter
	tracker ItemTracker
	now     func() time.Time
	logger  zerolog.Logger
}

// handle reports whether the listing was submitted.
func (in *ingest) handle(ctx context.Context, raw apiListing) bool {
	if reason := in.filter.Reject(raw); reason != "" {
		if raw.State != StateListed {
			in.dedup.Observe(raw)
		}
		in.logger.Trace().Str("listing_id", raw.ID).Str("reason", reason).Msg("listing filtered")
		return false
	}
	if !in.dedup.Observe(raw) {
		return false
	}

	item := catalog.ItemID(raw.Item.MarketHashName)
	if in.tracker != nil {
		in.tracker.Track(item)
	}
	l := pipeline.Listing{
		ID:         raw.ID,
		Item:       item,
		Offer:      fee.Amount(raw.Price),
		ObservedAt: in.now().UTC(),
	}
	if err := in.out.Submit(ctx, l); err != nil {
		// Seen again on the next poll.
		in.dedup.Forget(raw.ID)
		if !errors.Is(err, pipeline.ErrDropped) {
			in.logger.Warn().Err(err).Str("listing_id", raw.ID).Msg("submit listing")
		}
		return false
	}
	return true
}
