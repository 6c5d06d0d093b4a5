// Package status serves a read-only HTTP view of a running watcher.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
	"flipwatch/internal/pipeline"
	"flipwatch/internal/stats"
)

// Provider is what the status endpoints read from.
type Provider interface {
	PipelineStats() pipeline.Stats
	LatencySummaries() []stats.Summary
	Lookup(item catalog.ItemID) (catalog.Entry, bool)
	FeeSchedule() *fee.Schedule
}

// Handler serves the status endpoints.
type Handler struct {
	Provider Provider
}

// NewRouter mounts the endpoints on a chi router.
func NewRouter(p Provider) *chi.Mux {
	h := &Handler{Provider: p}
	r := chi.NewRouter()
	r.Get("/healthz", h.Health)
	r.Get("/stats", h.Stats)
	r.Get("/prices/{item}", h.Price)
	r.Get("/fees", h.Fees)
	return r
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type latencyView struct {
	Kind   string             `json:"kind"`
	Count  int                `json:"count"`
	MeanMS float64            `json:"mean_ms"`
	PctMS  map[string]float64 `json:"percentiles_ms"`
}

// Stats returns the pipeline counters and latency summaries.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	st := h.Provider.PipelineStats()
	summaries := h.Provider.LatencySummaries()
	latency := make([]latencyView, 0, len(summaries))
	for _, s := range summaries {
		v := latencyView{Kind: s.Kind, Count: s.Count, MeanMS: ms(s.Mean), PctMS: make(map[string]float64, len(s.Percentiles))}
		for p, d := range s.Percentiles {
			v.PctMS[fmt.Sprintf("p%d", p)] = ms(d)
		}
		latency = append(latency, v)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accepted":       st.Accepted,
		"dropped":        st.Dropped,
		"decided":        st.Decided,
		"acted":          st.Acted,
		"faults":         st.Faults,
		"prices_applied": st.PricesApplied,
		"prices_ignored": st.PricesIgnored,
		"queue_depth":    st.QueueDepth,
		"latency":        latency,
	})
}

// Price returns the catalog entry for one item.
func (h *Handler) Price(w http.ResponseWriter, r *http.Request) {
	item := chi.URLParam(r, "item")
	// chi matches on RawPath when it is set, leaving the param escaped.
	if r.URL.RawPath != "" {
		if v, err := url.PathUnescape(item); err == nil {
			item = v
		}
	}
	entry, ok := h.Provider.Lookup(catalog.ItemID(item))
	if !ok {
		writeError(w, http.StatusNotFound, "no reference price")
		return
	}
	proceeds, err := h.Provider.FeeSchedule().SubtractFees(entry.Price)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body := map[string]any{
		"item":         string(entry.Item),
		"price":        entry.Price.USD(),
		"net_proceeds": proceeds.USD(),
		"updated_at":   entry.UpdatedAt.UTC().Format(time.RFC3339Nano),
		"revision":     entry.Revision,
	}
	if m := entry.Market; m.Analyzed() {
		body["market"] = map[string]any{
			"volatility":    m.Volatility,
			"stable":        m.Stable,
			"sold_per_week": m.SoldPerWeek,
			"samples":       m.Samples,
		}
	}
	writeJSON(w, http.StatusOK, body)
}

// Fees applies the schedule to ?amount= in USD. ?direction=subtract treats
// the amount as a buyer total.
func (h *Handler) Fees(w http.ResponseWriter, r *http.Request) {
	amount, err := fee.ParseUSD(r.URL.Query().Get("amount"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	schedule := h.Provider.FeeSchedule()

	switch dir := r.URL.Query().Get("direction"); dir {
	case "", "add":
		total, err := schedule.AddFees(amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"base": amount.USD(), "total": total.USD()})
	case "subtract":
		inv, err := schedule.Invert(amount)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"total": amount.USD(), "base": inv.Base.USD(), "evaluations": inv.Evaluations})
	default:
		writeError(w, http.StatusBadRequest, "direction must be add or subtract")
	}
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// Server runs the status endpoints on a listener.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer binds the router to addr.
func NewServer(addr string, p Provider, logger zerolog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           NewRouter(p),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "status_server").Logger(),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.srv.Addr, err)
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("status server listening")

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown status server: %w", err)
	}
	return nil
}
