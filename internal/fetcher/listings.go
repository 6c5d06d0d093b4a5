package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ListingOptions parameterise the listing poller.
type ListingOptions struct {
	URL       string
	Interval  time.Duration
	Timeout   time.Duration
	UserAgent string
	APIKey    string
	Limit     int
	Filter    Filter
	Now       func() time.Time
}

// ListingPoller fetches the most recent listings on every tick and refreshes
// one already-known listing so price and state changes are noticed.
type ListingPoller struct {
	opts    ListingOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
	ingest  ingest
}

// NewListingPoller constructs a poller submitting into out. tracker may be
// nil.
func NewListingPoller(opts ListingOptions, dedup *Dedup, out Submitter, tracker ItemTracker, logger zerolog.Logger) *ListingPoller {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if dedup == nil {
		dedup = NewDedup(0)
	}

	logger = logger.With().Str("component", "listing_poller").Logger()
	return &ListingPoller{
		opts:    opts,
		logger:  logger,
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.URL, "/"),
		ingest: ingest{
			filter:  opts.Filter,
			dedup:   dedup,
			out:     out,
			tracker: tracker,
			now:     opts.Now,
			logger:  logger,
		},
	}
}

// Run polls until ctx is cancelled. Failed polls are logged and retried on
// the next tick.
func (p *ListingPoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()

	for {
		if n, err := p.Poll(ctx); err != nil {
			p.logger.Error().Err(err).Msg("poll listings")
		} else if n > 0 {
			p.logger.Debug().Int("submitted", n).Msg("listings polled")
		}
		if err := p.Refresh(ctx); err != nil {
			p.logger.Warn().Err(err).Msg("refresh listing")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches one page of recent listings and returns how many were
// submitted.
func (p *ListingPoller) Poll(ctx context.Context) (int, error) {
	q := url.Values{}
	q.Set("sort_by", "most_recent")
	q.Set("limit", strconv.Itoa(p.opts.Limit))
	if p.opts.Filter.MinPrice > 0 {
		q.Set("min_price", strconv.FormatInt(int64(p.opts.Filter.MinPrice), 10))
	}
	if p.opts.Filter.MaxPrice > 0 {
		q.Set("max_price", strconv.FormatInt(int64(p.opts.Filter.MaxPrice), 10))
	}

	payload, err := p.get(ctx, p.baseURL+"?"+q.Encode())
	if err != nil {
		return 0, err
	}
	listings, err := decodeListings(payload)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, l := range listings {
		if p.ingest.handle(ctx, l) {
			submitted++
		}
	}
	return submitted, nil
}

// Refresh re-reads the next tracked listing. Sold or delisted listings are
// forgotten; changed ones are submitted again.
func (p *ListingPoller) Refresh(ctx context.Context) error {
	id, ok := p.ingest.dedup.Next()
	if !ok {
		return nil
	}
	payload, err := p.get(ctx, p.baseURL+"/"+url.PathEscape(id))
	if err != nil {
		return fmt.Errorf("listing %s: %w", id, err)
	}
	var l apiListing
	if err := json.Unmarshal(payload, &l); err != nil {
		return fmt.Errorf("listing %s: decode: %w", id, err)
	}
	if l.ID == "" {
		l.ID = id
	}
	p.ingest.handle(ctx, l)
	return nil
}

func (p *ListingPoller) get(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(p.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "flipwatch/1.0")
	}
	if p.opts.APIKey != "" {
		req.Header.Set("Authorization", p.opts.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, payload)
	}
	return payload, nil
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("listing api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("listing api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("listing api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("listing api error (%d)", status)
}
