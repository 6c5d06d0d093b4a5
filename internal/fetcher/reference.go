package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
	"flipwatch/internal/history"
	"flipwatch/internal/pipeline"
)

// ErrNoPrice reports a reference lookup that succeeded without a usable
// price.
var ErrNoPrice = errors.New("fetcher: no reference price")

// ReferenceOptions parameterise the reference price poller.
type ReferenceOptions struct {
	URL       string
	Interval  time.Duration
	Timeout   time.Duration
	UserAgent string
	// Batch is the number of items refreshed per tick.
	Batch int
	// Items are tracked from startup, before any listing mentions them.
	Items []string
	AppID string
	// HistoryURL is the market listing page prefix; the escaped item name is
	// appended. When empty, history is built from successive overview polls.
	HistoryURL string
	Analysis   history.Options
	Now        func() time.Time
}

// maxRollingPoints caps the per-item history kept between overview polls.
const maxRollingPoints = 2048

type priceOverview struct {
	Success     bool   `json:"success"`
	LowestPrice string `json:"lowest_price"`
	MedianPrice string `json:"median_price"`
	Volume      string `json:"volume"`
}

// ReferencePoller refreshes reference prices for tracked items in
// round-robin order and publishes them as price updates.
type ReferencePoller struct {
	opts   ReferenceOptions
	client *resty.Client
	out    chan<- pipeline.PriceUpdate
	logger zerolog.Logger

	mu    sync.Mutex
	items   []catalog.ItemID
	known   map[catalog.ItemID]struct{}
	next    int
	rolling map[catalog.ItemID][]history.Point
}

// NewReferencePoller constructs a poller publishing into out.
func NewReferencePoller(opts ReferenceOptions, out chan<- pipeline.PriceUpdate, logger zerolog.Logger) *ReferencePoller {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Minute
	}
	if opts.Batch <= 0 {
		opts.Batch = 20
	}
	if opts.AppID == "" {
		opts.AppID = "730"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "flipwatch/1.0"
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", ua)

	r := &ReferencePoller{
		opts:   opts,
		client: client,
		out:    out,
		logger: logger.With().Str("component", "reference_poller").Logger(),
		known:   make(map[catalog.ItemID]struct{}),
		rolling: make(map[catalog.ItemID][]history.Point),
	}
	for _, item := range opts.Items {
		r.Track(catalog.ItemID(item))
	}
	return r
}

// Track adds item to the refresh rotation.
func (r *ReferencePoller) Track(item catalog.ItemID) {
	if item == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.known[item]; ok {
		return
	}
	r.known[item] = struct{}{}
	r.items = append(r.items, item)
}

// Tracked returns the number of items in rotation.
func (r *ReferencePoller) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

func (r *ReferencePoller) batch() []catalog.ItemID {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := min(r.opts.Batch, len(r.items))
	out := make([]catalog.ItemID, 0, n)
	for range n {
		if r.next >= len(r.items) {
			r.next = 0
		}
		out = append(out, r.items[r.next])
		r.next++
	}
	return out
}

// Run refreshes a batch every Interval until ctx is cancelled.
func (r *ReferencePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		if n, err := r.Poll(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error().Err(err).Msg("poll reference prices")
		} else {
			r.logger.Debug().Int("published", n).Int("tracked", r.Tracked()).Msg("reference prices polled")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll refreshes one batch and returns the number of published updates.
// Per-item failures are logged; only cancellation aborts the batch.
func (r *ReferencePoller) Poll(ctx context.Context) (int, error) {
	published := 0
	for _, item := range r.batch() {
		u, err := r.Observe(ctx, item)
		if err != nil {
			if ctx.Err() != nil {
				return published, ctx.Err()
			}
			r.logger.Warn().Err(err).Str("item", string(item)).Msg("reference price unavailable")
			continue
		}
		select {
		case r.out <- u:
			published++
		case <-ctx.Done():
			return published, ctx.Err()
		}
	}
	return published, nil
}

// Observe builds the price update for item. With a history source the price
// is the analysed sale history; otherwise the overview median joins a rolling
// window that is analysed the same way. Without enough history the raw
// overview price is published with no market data.
func (r *ReferencePoller) Observe(ctx context.Context, item catalog.ItemID) (pipeline.PriceUpdate, error) {
	now := r.opts.Now().UTC()
	u := pipeline.PriceUpdate{Item: item, ObservedAt: now}

	if r.opts.HistoryURL != "" {
		points, err := r.FetchHistory(ctx, item)
		if err == nil {
			var a history.Analysis
			if a, err = history.Analyze(points, now, r.opts.Analysis); err == nil {
				u.Price, u.Market = a.Price, a.Market
				return u, nil
			}
		}
		if ctx.Err() != nil {
			return u, ctx.Err()
		}
		r.logger.Debug().Err(err).Str("item", string(item)).Msg("sale history unusable, using overview")
	}

	ov, err := r.FetchOverview(ctx, item)
	if err != nil {
		return u, err
	}
	u.Price = ov.Price
	if r.opts.HistoryURL != "" {
		return u, nil
	}

	points := r.remember(item, history.Point{At: now, Price: ov.Price}, now)
	if a, err := history.Analyze(points, now, r.opts.Analysis); err == nil {
		u.Price, u.Market = a.Price, a.Market
	}
	u.Market.SoldPerWeek = ov.Volume * 7
	return u, nil
}

// remember appends p to the rolling window of item and returns a copy of the
// window.
func (r *ReferencePoller) remember(item catalog.ItemID, p history.Point, now time.Time) []history.Point {
	window := r.opts.Analysis.Window
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	from := now.Add(-window)

	r.mu.Lock()
	defer r.mu.Unlock()
	points := append(r.rolling[item], p)
	drop := 0
	for drop < len(points) && points[drop].At.Before(from) {
		drop++
	}
	drop = max(drop, len(points)-maxRollingPoints)
	points = points[drop:]
	r.rolling[item] = points
	return append([]history.Point(nil), points...)
}

// Overview is the current market summary of an item.
type Overview struct {
	Price fee.Amount
	// Volume is the number of units sold in the last 24 hours.
	Volume int64
}

// FetchPrice reads the current reference price of item. The median sale
// price is preferred over the lowest ask.
func (r *ReferencePoller) FetchPrice(ctx context.Context, item catalog.ItemID) (fee.Amount, error) {
	ov, err := r.FetchOverview(ctx, item)
	return ov.Price, err
}

// FetchOverview reads the price and daily volume of item.
func (r *ReferencePoller) FetchOverview(ctx context.Context, item catalog.ItemID) (Overview, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"appid":            r.opts.AppID,
			"currency":         "1",
			"market_hash_name": string(item),
		}).
		Get(r.opts.URL)
	if err != nil {
		return Overview{}, fmt.Errorf("fetch %s: %w", item, err)
	}
	if resp.IsError() {
		return Overview{}, fmt.Errorf("reference api error (%d): %s", resp.StatusCode(), strings.TrimSpace(string(resp.Body())))
	}

	var overview priceOverview
	if err := json.Unmarshal(resp.Body(), &overview); err != nil {
		return Overview{}, fmt.Errorf("decode %s: %w", item, err)
	}
	if !overview.Success {
		return Overview{}, fmt.Errorf("%w: %s", ErrNoPrice, item)
	}

	raw := overview.MedianPrice
	if raw == "" {
		raw = overview.LowestPrice
	}
	if raw == "" {
		return Overview{}, fmt.Errorf("%w: %s", ErrNoPrice, item)
	}
	price, err := parseDisplayPrice(raw)
	if err != nil {
		return Overview{}, fmt.Errorf("%s: %w", item, err)
	}
	ov := Overview{Price: price}
	if v := strings.ReplaceAll(strings.TrimSpace(overview.Volume), ",", ""); v != "" {
		if ov.Volume, err = strconv.ParseInt(v, 10, 64); err != nil {
			return Overview{}, fmt.Errorf("%s: volume %q: %w", item, overview.Volume, err)
		}
	}
	return ov, nil
}

var saleHistoryRe = regexp.MustCompile(`\s+var line1=([^;]+);`)

// FetchHistory reads the hourly sale history embedded in the market listing
// page of item.
func (r *ReferencePoller) FetchHistory(ctx context.Context, item catalog.ItemID) ([]history.Point, error) {
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Accept", "text/html").
		Get(strings.TrimSuffix(r.opts.HistoryURL, "/") + "/" + url.PathEscape(string(item)))
	if err != nil {
		return nil, fmt.Errorf("fetch history %s: %w", item, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("history page error (%d) for %s", resp.StatusCode(), item)
	}
	return parseSaleHistory(resp.Body())
}

// parseSaleHistory decodes rows of ["Feb 19 2024 15: +0", 1.234, "45"].
func parseSaleHistory(page []byte) ([]history.Point, error) {
	m := saleHistoryRe.FindSubmatch(page)
	if m == nil {
		return nil, fmt.Errorf("%w: no sale history on page", ErrNoPrice)
	}
	var rows [][]json.RawMessage
	if err := json.Unmarshal(m[1], &rows); err != nil {
		return nil, fmt.Errorf("decode sale history: %w", err)
	}

	points := make([]history.Point, 0, len(rows))
	for i, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("sale history row %d: %d fields", i, len(row))
		}
		var (
			date, amount string
			avg          float64
		)
		if err := json.Unmarshal(row[0], &date); err != nil {
			return nil, fmt.Errorf("sale history row %d date: %w", i, err)
		}
		if err := json.Unmarshal(row[1], &avg); err != nil {
			return nil, fmt.Errorf("sale history row %d price: %w", i, err)
		}
		if err := json.Unmarshal(row[2], &amount); err != nil {
			return nil, fmt.Errorf("sale history row %d volume: %w", i, err)
		}
		at, err := parseSaleHour(date)
		if err != nil {
			return nil, fmt.Errorf("sale history row %d: %w", i, err)
		}
		volume, err := strconv.ParseInt(strings.TrimSpace(amount), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("sale history row %d volume: %w", i, err)
		}
		points = append(points, history.Point{At: at, Price: fee.Amount(math.Round(avg * 100)), Volume: volume})
	}
	return points, nil
}

// parseSaleHour reads "Feb 19 2024 15: +0" as 15:00 UTC.
func parseSaleHour(s string) (time.Time, error) {
	hour, _, _ := strings.Cut(s, ":")
	return time.ParseInLocation("Jan 02 2006 15", strings.TrimSpace(hour), time.UTC)
}

// parseDisplayPrice turns "$1,234.56" or "1234.56 USD" into cents.
func parseDisplayPrice(s string) (fee.Amount, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(s, "USD")
	s = strings.ReplaceAll(s, ",", "")
	return fee.ParseUSD(strings.TrimSpace(s))
}
