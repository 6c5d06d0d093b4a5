package fetcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
	"flipwatch/internal/pipeline"
)

func TestParseDisplayPrice(t *testing.T) {
	cases := map[string]fee.Amount{
		"$1.23":     123,
		"$1,234.56": 123456,
		"0.03 USD":  3,
		" $10 ":     1000,
	}
	for in, want := range cases {
		got, err := parseDisplayPrice(in)
		if err != nil || got != want {
			t.Errorf("parseDisplayPrice(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := parseDisplayPrice("$1.234"); err == nil {
		t.Fatal("sub-cent price must fail")
	}
}

func priceServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("appid") != "730" || r.URL.Query().Get("currency") != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("market_hash_name") {
		case "median":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "lowest_price": "$9.00", "median_price": "$10.50", "volume": "1,234"})
		case "lowest":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "lowest_price": "$1,200.00"})
		case "missing":
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
}

func TestFetchPrice(t *testing.T) {
	srv := priceServer(t)
	defer srv.Close()

	r := NewReferencePoller(ReferenceOptions{URL: srv.URL, Timeout: time.Second}, nil, noopLogger())
	ctx := context.Background()

	if got, err := r.FetchPrice(ctx, "median"); err != nil || got != 1050 {
		t.Fatalf("median: %d %v", got, err)
	}
	if got, err := r.FetchPrice(ctx, "lowest"); err != nil || got != 120000 {
		t.Fatalf("lowest: %d %v", got, err)
	}
	if _, err := r.FetchPrice(ctx, "missing"); err == nil {
		t.Fatal("unsuccessful overview must fail")
	}
	if _, err := r.FetchPrice(ctx, "broken"); err == nil {
		t.Fatal("server error must fail")
	}
}

func TestReferencePollRotatesBatch(t *testing.T) {
	srv := priceServer(t)
	defer srv.Close()

	out := make(chan pipeline.PriceUpdate, 8)
	r := NewReferencePoller(ReferenceOptions{
		URL:   srv.URL,
		Batch: 2,
		Items: []string{"median", "broken", "lowest"},
		Now:   clock,
	}, out, noopLogger())
	r.Track("median")
	if r.Tracked() != 3 {
		t.Fatalf("Tracked = %d, want 3", r.Tracked())
	}

	n, err := r.Poll(context.Background())
	if err != nil || n != 1 {
		t.Fatalf("first batch published %d, %v; want 1", n, err)
	}
	n, err = r.Poll(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("second batch published %d, %v; want 2", n, err)
	}

	close(out)
	var items []catalog.ItemID
	for u := range out {
		if !u.ObservedAt.Equal(fixedNow) {
			t.Fatalf("unexpected observation time %s", u.ObservedAt)
		}
		items = append(items, u.Item)
	}
	want := []catalog.ItemID{"median", "lowest", "median"}
	if len(items) != len(want) {
		t.Fatalf("published %v, want %v", items, want)
	}
	for i := range want {
		if items[i] != want[i] {
			t.Fatalf("published %v, want %v", items, want)
		}
	}
}

func TestFetchOverviewVolume(t *testing.T) {
	srv := priceServer(t)
	defer srv.Close()

	r := NewReferencePoller(ReferenceOptions{URL: srv.URL}, nil, noopLogger())
	ov, err := r.FetchOverview(context.Background(), "median")
	if err != nil {
		t.Fatalf("FetchOverview: %v", err)
	}
	if ov.Price != 1050 || ov.Volume != 1234 {
		t.Fatalf("overview = %+v", ov)
	}
	if ov, err = r.FetchOverview(context.Background(), "lowest"); err != nil || ov.Volume != 0 {
		t.Fatalf("overview without volume = %+v, %v", ov, err)
	}
}

const listingPage = `<html><script>
	var line1=[["Apr 20 2026 09: +0",99.0,"500"],["May 04 2026 04: +0",10.0,"10"],["May 04 2026 05: +0",10.02,"12"],["May 04 2026 06: +0",9.98,"8"],["May 04 2026 07: +0",10.01,"10"],["May 04 2026 08: +0",9.99,"10"],["May 04 2026 09: +0",10.0,"5"]];
	var g_timePriceHistoryEarliest = new Date();
</script></html>`

func TestParseSaleHistory(t *testing.T) {
	points, err := parseSaleHistory([]byte(listingPage))
	if err != nil {
		t.Fatalf("parseSaleHistory: %v", err)
	}
	if len(points) != 7 {
		t.Fatalf("parsed %d points, want 7", len(points))
	}
	first := points[0]
	if !first.At.Equal(time.Date(2026, 4, 20, 9, 0, 0, 0, time.UTC)) || first.Price != 9900 || first.Volume != 500 {
		t.Fatalf("first point = %+v", first)
	}
	if points[2].Price != 1002 {
		t.Fatalf("price = %d, want 1002", points[2].Price)
	}

	if _, err := parseSaleHistory([]byte("<html></html>")); err == nil {
		t.Fatal("page without history must fail")
	}
	if _, err := parseSaleHistory([]byte(`  var line1=[["May 04 2026 09: +0",1.0]];`)); err == nil {
		t.Fatal("short row must fail")
	}
	if _, err := parseSaleHistory([]byte(`  var line1=[["yesterday",1.0,"1"]];`)); err == nil {
		t.Fatal("bad date must fail")
	}
}

func TestObserveUsesSaleHistory(t *testing.T) {
	overview := priceServer(t)
	defer overview.Close()
	listings := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/market/listings/730/AK-47 | Redline (Field-Tested)":
			_, _ = w.Write([]byte(listingPage))
		case "/market/listings/730/median":
			_, _ = w.Write([]byte(strings.ReplaceAll(listingPage, "May 04", "Apr 01")))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer listings.Close()

	r := NewReferencePoller(ReferenceOptions{
		URL:        overview.URL,
		HistoryURL: listings.URL + "/market/listings/730/",
		Now:        clock,
	}, nil, noopLogger())
	ctx := context.Background()

	u, err := r.Observe(ctx, "AK-47 | Redline (Field-Tested)")
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if u.Price != 1000 || !u.ObservedAt.Equal(fixedNow) {
		t.Fatalf("update = %+v", u)
	}
	m := u.Market
	if !m.Stable || m.SoldPerWeek != 55 || m.Samples != 6 {
		t.Fatalf("market = %+v", m)
	}

	// History too old for the window: fall back to the overview price.
	u, err = r.Observe(ctx, "median")
	if err != nil {
		t.Fatalf("Observe fallback: %v", err)
	}
	if u.Price != 1050 || u.Market.Analyzed() {
		t.Fatalf("fallback update = %+v", u)
	}
}

func TestObserveBuildsRollingHistory(t *testing.T) {
	srv := priceServer(t)
	defer srv.Close()

	at := fixedNow
	r := NewReferencePoller(ReferenceOptions{
		URL: srv.URL,
		Now: func() time.Time { return at },
	}, nil, noopLogger())
	ctx := context.Background()

	for i := range 5 {
		u, err := r.Observe(ctx, "median")
		if err != nil {
			t.Fatalf("Observe %d: %v", i, err)
		}
		if u.Price != 1050 || u.Market.SoldPerWeek != 1234*7 {
			t.Fatalf("update %d = %+v", i, u)
		}
		if analyzed := u.Market.Analyzed(); analyzed != (i == 4) {
			t.Fatalf("update %d analyzed = %v", i, analyzed)
		}
		at = at.Add(5 * time.Minute)
	}

	// Observations older than the window age out.
	at = at.Add(8 * 24 * time.Hour)
	u, err := r.Observe(ctx, "median")
	if err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if u.Market.Analyzed() {
		t.Fatalf("stale history still analysed: %+v", u.Market)
	}
}
