package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

type listingServer struct {
	mu       sync.Mutex
	page     []apiListing
	byID     map[string]apiListing
	lastAuth string
	lastURL  string
}

func (s *listingServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastAuth = r.Header.Get("Authorization")
	s.lastURL = r.URL.String()

	w.Header().Set("Content-Type", "application/json")
	if id := strings.TrimPrefix(r.URL.Path, "/listings/"); id != r.URL.Path && id != "" {
		l, ok := s.byID[id]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 4, "message": "listing not found"})
			return
		}
		_ = json.NewEncoder(w).Encode(l)
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]any{"data": s.page})
}

func (s *listingServer) set(page []apiListing) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.page = page
	s.byID = make(map[string]apiListing, len(page))
	for _, l := range page {
		s.byID[l.ID] = l
	}
}

func newPoller(t *testing.T, srv *httptest.Server, out Submitter, tracker ItemTracker) *ListingPoller {
	t.Helper()
	return NewListingPoller(ListingOptions{
		URL:       srv.URL + "/listings",
		Timeout:   time.Second,
		UserAgent: "test",
		APIKey:    "secret",
		Filter:    Filter{MinPrice: 50, MaxPrice: 7500},
		Now:       clock,
	}, NewDedup(0), out, tracker, noopLogger())
}

func TestListingPollerSubmitsNewAndChanged(t *testing.T) {
	ls := &listingServer{}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	souvenir := listing("s", 1000, StateListed)
	souvenir.Item.IsSouvenir = true
	ls.set([]apiListing{listing("a", 1000, StateListed), listing("b", 10, StateListed), souvenir})

	out := newCollector()
	items := &itemSet{}
	p := newPoller(t, srv, out, items)

	n, err := p.Poll(context.Background())
	if err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if n != 1 {
		t.Fatalf("submitted %d, want 1", n)
	}
	if ls.lastAuth != "secret" {
		t.Fatalf("authorization header = %q", ls.lastAuth)
	}
	if !strings.Contains(ls.lastURL, "sort_by=most_recent") || !strings.Contains(ls.lastURL, "max_price=7500") {
		t.Fatalf("unexpected query %q", ls.lastURL)
	}

	if n, _ := p.Poll(context.Background()); n != 0 {
		t.Fatalf("unchanged page resubmitted %d listings", n)
	}

	ls.set([]apiListing{listing("a", 900, StateListed)})
	if n, _ := p.Poll(context.Background()); n != 1 {
		t.Fatalf("price change submitted %d listings, want 1", n)
	}

	got := out.listings()
	if len(got) != 2 || got[1].Offer != 900 || got[1].Item != "AK-47 | Redline (Field-Tested)" {
		t.Fatalf("unexpected submissions: %+v", got)
	}
	if items.items["AK-47 | Redline (Field-Tested)"] != 2 {
		t.Fatalf("tracker not informed: %v", items.items)
	}
}

func TestListingPollerRefreshForgetsSold(t *testing.T) {
	ls := &listingServer{}
	srv := httptest.NewServer(ls)
	defer srv.Close()

	ls.set([]apiListing{listing("a", 1000, StateListed)})
	p := newPoller(t, srv, newCollector(), nil)
	if _, err := p.Poll(context.Background()); err != nil {
		t.Fatalf("Poll: %v", err)
	}

	ls.set([]apiListing{listing("a", 1000, StateSold)})
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if !strings.HasSuffix(ls.lastURL, "/listings/a") {
		t.Fatalf("refresh hit %q", ls.lastURL)
	}
	if p.ingest.dedup.Len() != 0 {
		t.Fatal("sold listing still tracked")
	}
	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh with nothing tracked: %v", err)
	}
}

func TestListingPollerHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "slow down"})
	}))
	defer srv.Close()

	p := newPoller(t, srv, newCollector(), nil)
	_, err := p.Poll(context.Background())
	if err == nil || !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "slow down") {
		t.Fatalf("expected rate limit error, got %v", err)
	}
}

func TestListingPollerRunStopsOnCancel(t *testing.T) {
	ls := &listingServer{}
	ls.set([]apiListing{listing("a", 1000, StateListed)})
	srv := httptest.NewServer(ls)
	defer srv.Close()

	out := newCollector()
	p := newPoller(t, srv, out, nil)
	p.opts.Interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-out.notes:
	case <-time.After(2 * time.Second):
		t.Fatal("no listing submitted")
	}
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
