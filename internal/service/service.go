package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"flipwatch/internal/alerting"
	"flipwatch/internal/catalog"
	"flipwatch/internal/config"
	"flipwatch/internal/fee"
	"flipwatch/internal/fetcher"
	"flipwatch/internal/history"
	"flipwatch/internal/pipeline"
	"flipwatch/internal/scheduler"
	"flipwatch/internal/stats"
	"flipwatch/internal/status"
	"flipwatch/internal/storage"
)

const (
	persistBatch    = 500
	shutdownTimeout = 15 * time.Second
)

// Dependencies are the optional collaborators of the service. Nil fields
// disable the matching feature.
type Dependencies struct {
	Decisions storage.DecisionStore
	Catalog   storage.CatalogStore
	Alerts    storage.AlertStore
	Locker    storage.AdvisoryLocker
	Notifier  alerting.Notifier
}

// Service owns the catalog, fee schedule and pipeline, and runs the feeds,
// the decision consumer and the periodic jobs around them.
type Service struct {
	cfg      *config.Config
	deps     Dependencies
	logger   zerolog.Logger
	now      func() time.Time
	schedule *fee.Schedule
	catalog  *catalog.Catalog
	recorder *stats.Recorder
	sink     *pipeline.ChannelSink
	pipeline *pipeline.Pipeline
	updates  chan pipeline.PriceUpdate

	reference *fetcher.ReferencePoller
	listings  *fetcher.ListingPoller
	stream    *fetcher.Stream
	gate      *alerting.Gate

	channels []string
	lockKey  int64
}

// New constructs the service from validated configuration.
func New(cfg *config.Config, deps Dependencies, logger zerolog.Logger) (*Service, error) {
	schedule, err := cfg.Schedule()
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With().Str("component", "service").Logger(),
		now:      time.Now,
		schedule: schedule,
		catalog:  catalog.New(catalog.Options{Shards: cfg.Catalog.Shards, MaxEntries: cfg.Catalog.MaxEntries}),
		recorder: stats.NewRecorder(cfg.Stats.Window),
		sink:     pipeline.NewChannelSink(cfg.Pipeline.SinkBuffer, logger),
		updates:  make(chan pipeline.PriceUpdate, 256),
		channels: cfg.Alerting.Channels,
		lockKey:  cfg.Snapshot.AdvisoryLockKey,
	}

	minMargin, minPct := cfg.DecisionRule()
	s.pipeline = pipeline.New(schedule, s.catalog, s.sink,
		pipeline.NewLogObserver(schedule, s.recorder, logger),
		pipeline.Options{
			Workers:       cfg.Pipeline.Workers,
			QueueSize:     cfg.Pipeline.QueueSize,
			SubmitTimeout: cfg.Pipeline.SubmitTimeout,
			StaleAfter:    cfg.Pipeline.StaleAfter,
			Rule:          pipeline.Rule{MinMargin: minMargin, MinMarginPct: minPct},
		}, logger)

	ref := cfg.Sources.Reference
	if ref.URL != "" {
		s.reference = fetcher.NewReferencePoller(fetcher.ReferenceOptions{
			URL:       ref.URL,
			Interval:  ref.Interval,
			Timeout:   ref.Timeout,
			UserAgent: ref.UserAgent,
			Batch:     ref.Batch,
			Items:     ref.Items,
			AppID:     ref.AppID,

			HistoryURL: ref.HistoryURL,
			Analysis: history.Options{
				Window:     ref.Analysis.Window,
				Band:       ref.Analysis.Band,
				Smoothing:  ref.Analysis.Smoothing,
				MaxRSD:     ref.Analysis.MaxRSD,
				Percentile: ref.Analysis.Percentile,
				MinPoints:  ref.Analysis.MinPoints,
			},
		}, s.updates, logger)
	}

	var tracker fetcher.ItemTracker
	if s.reference != nil {
		tracker = s.reference
	}
	src := cfg.Sources.Listings
	filter := fetcher.Filter{MinPrice: fee.Amount(src.MinPriceCents), MaxPrice: fee.Amount(src.MaxPriceCents)}
	dedup := fetcher.NewDedup(src.DedupSize)
	if src.URL != "" {
		s.listings = fetcher.NewListingPoller(fetcher.ListingOptions{
			URL:       src.URL,
			Interval:  src.Interval,
			Timeout:   src.Timeout,
			UserAgent: src.UserAgent,
			APIKey:    src.APIKey,
			Limit:     src.Limit,
			Filter:    filter,
		}, dedup, s.pipeline, tracker, logger)
	}
	if cfg.Sources.Stream.URL != "" {
		s.stream = fetcher.NewStream(fetcher.StreamOptions{
			URL:         cfg.Sources.Stream.URL,
			ReadTimeout: cfg.Sources.Stream.ReadTimeout,
			UserAgent:   src.UserAgent,
			APIKey:      src.APIKey,
			Filter:      filter,
		}, dedup, s.pipeline, tracker, logger)
	}

	if cfg.Alerting.Enabled && deps.Notifier != nil {
		var lookup alerting.LastAlertLookup
		if deps.Alerts != nil {
			lookup = deps.Alerts
		}
		s.gate = alerting.NewGate(decimal.NewFromFloat(cfg.Alerting.MinMarginPct), cfg.Alerting.Cooldown, lookup).
			WithMarketRule(alerting.MarketRule{
				RequireStable:  cfg.Alerting.RequireStable,
				MinSoldPerWeek: cfg.Alerting.MinSoldPerWeek,
			})
	}

	return s, nil
}

// Pipeline exposes the decision pipeline for direct submission.
func (s *Service) Pipeline() *pipeline.Pipeline { return s.pipeline }

// Catalog exposes the reference price catalog.
func (s *Service) Catalog() *catalog.Catalog { return s.catalog }

// Updates is the reference price channel consumed by the pipeline.
func (s *Service) Updates() chan<- pipeline.PriceUpdate { return s.updates }

// PipelineStats returns the pipeline counters.
func (s *Service) PipelineStats() pipeline.Stats { return s.pipeline.Stats() }

// LatencySummaries returns the recorded latency summaries.
func (s *Service) LatencySummaries() []stats.Summary { return s.recorder.Summaries() }

// Lookup returns the catalog entry for item.
func (s *Service) Lookup(item catalog.ItemID) (catalog.Entry, bool) { return s.catalog.Get(item) }

// FeeSchedule returns the active fee schedule.
func (s *Service) FeeSchedule() *fee.Schedule { return s.schedule }

// Run restores the catalog, then runs until ctx is cancelled. On shutdown the
// pipeline drains, buffered decisions are persisted and a final catalog
// snapshot is written.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Restore(ctx); err != nil {
		s.logger.Error().Err(err).Msg("catalog restore failed; starting empty")
	}

	cleanup := context.WithoutCancel(ctx)
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		s.consume(cleanup)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(s.pipeline.Run(gctx)) })
	g.Go(func() error { return ignoreCancel(s.pipeline.ConsumePrices(gctx, s.updates)) })
	if s.reference != nil {
		g.Go(func() error { return ignoreCancel(s.reference.Run(gctx)) })
	}
	if s.listings != nil {
		g.Go(func() error { return ignoreCancel(s.listings.Run(gctx)) })
	}
	if s.stream != nil {
		g.Go(func() error { return ignoreCancel(s.stream.Run(gctx)) })
	}
	if addr := s.cfg.Status.Listen; addr != "" {
		srv := status.NewServer(addr, s, s.logger)
		g.Go(func() error { return srv.Run(gctx) })
	}
	g.Go(func() error {
		return scheduler.RunJobs(gctx, s.logger,
			scheduler.Job{
				Name:    "catalog_snapshot",
				Options: scheduler.Options{Interval: s.cfg.Snapshot.Interval},
				Tick:    s.snapshotTick,
			},
			scheduler.Job{
				Name:    "stats",
				Options: scheduler.Options{Interval: s.cfg.Stats.Interval, AlignToStart: true},
				Tick:    s.statsTick,
			},
		)
	})

	s.logger.Info().
		Stringer("schedule", s.schedule).
		Int("catalog_entries", s.catalog.Len()).
		Bool("listings", s.listings != nil).
		Bool("stream", s.stream != nil).
		Bool("reference", s.reference != nil).
		Bool("alerts", s.gate != nil).
		Msg("service started")

	runErr := g.Wait()

	// All workers have returned, so no more decisions are emitted.
	s.sink.Close()
	<-consumed

	shutdownCtx, cancel := context.WithTimeout(cleanup, shutdownTimeout)
	defer cancel()
	if _, err := s.Snapshot(shutdownCtx); err != nil {
		s.logger.Error().Err(err).Msg("final catalog snapshot failed")
	}
	s.logStats()
	return runErr
}

// Restore loads persisted catalog entries.
func (s *Service) Restore(ctx context.Context) error {
	if s.deps.Catalog == nil {
		return nil
	}
	entries, err := s.deps.Catalog.LoadCatalog(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	restored := 0
	for _, e := range entries {
		if s.catalog.Restore(e) {
			restored++
		}
		if s.reference != nil {
			s.reference.Track(e.Item)
		}
	}
	s.logger.Info().Int("restored", restored).Int("loaded", len(entries)).Msg("catalog restored")
	return nil
}

// Snapshot persists the catalog and returns the number of saved entries.
func (s *Service) Snapshot(ctx context.Context) (int, error) {
	if s.deps.Catalog == nil {
		return 0, nil
	}
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return 0, err
	}
	if !proceed {
		s.logger.Debug().Msg("skip snapshot because advisory lock held elsewhere")
		return 0, nil
	}
	if unlock != nil {
		defer unlock()
	}

	n, err := s.deps.Catalog.SaveCatalog(ctx, s.catalog.Snapshot())
	if err != nil {
		return n, fmt.Errorf("save catalog: %w", err)
	}
	s.logger.Debug().Int("entries", n).Msg("catalog snapshot saved")
	return n, nil
}

func (s *Service) snapshotTick(ctx context.Context, _ time.Time) error {
	_, err := s.Snapshot(ctx)
	return err
}

func (s *Service) statsTick(_ context.Context, _ time.Time) error {
	s.logStats()
	return nil
}

func (s *Service) logStats() {
	st := s.pipeline.Stats()
	s.logger.Info().
		Uint64("accepted", st.Accepted).
		Uint64("dropped", st.Dropped).
		Uint64("decided", st.Decided).
		Uint64("acted", st.Acted).
		Uint64("faults", st.Faults).
		Uint64("prices_applied", st.PricesApplied).
		Uint64("prices_ignored", st.PricesIgnored).
		Int("queue_depth", st.QueueDepth).
		Uint64("sink_dropped", s.sink.Dropped()).
		Int("catalog_entries", s.catalog.Len()).
		Uint64("catalog_evictions", s.catalog.Evictions()).
		Msg("pipeline stats")
	s.recorder.Log(s.logger)
}

// consume reads decisions until the sink is closed, persisting them in
// batches and routing ACT decisions through the alert gate.
func (s *Service) consume(ctx context.Context) {
	ch := s.sink.Decisions()
	batch := make([]pipeline.Decision, 0, persistBatch)
	for d := range ch {
		batch = append(batch[:0], d)
	drain:
		for len(batch) < persistBatch {
			select {
			case next, ok := <-ch:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		s.handleBatch(ctx, batch)
	}
}

func (s *Service) handleBatch(ctx context.Context, batch []pipeline.Decision) {
	if s.deps.Decisions != nil {
		start := time.Now()
		n, err := s.deps.Decisions.InsertDecisions(ctx, batch)
		if err != nil {
			s.logger.Error().Err(err).Int("decisions", len(batch)).Msg("failed to persist decisions")
		} else {
			s.recorder.Record("persist", time.Since(start))
			s.logger.Debug().Int64("inserted", n).Int("decisions", len(batch)).Msg("decisions persisted")
		}
	}

	if s.gate == nil {
		return
	}
	for _, d := range batch {
		if d.Verdict != pipeline.VerdictAct {
			continue
		}
		s.alert(ctx, d)
	}
}

func (s *Service) alert(ctx context.Context, d pipeline.Decision) {
	ok, err := s.gate.Allow(ctx, d, s.now().UTC())
	if err != nil {
		s.logger.Error().Err(err).Str("item", string(d.Item)).Msg("alert gate lookup failed")
		return
	}
	if !ok {
		return
	}

	if s.deps.Alerts != nil {
		record := storage.AlertRecord{
			DecisionID:   d.ID,
			Item:         string(d.Item),
			MarginPct:    d.MarginPct(),
			ThresholdPct: s.gate.Threshold(),
			Channels:     s.channels,
		}
		_, inserted, err := s.deps.Alerts.InsertAlert(ctx, record)
		if err != nil {
			s.logger.Error().Err(err).Str("item", string(d.Item)).Msg("failed to persist alert record")
		} else if !inserted {
			return
		}
	}

	note := alerting.NotificationFor(d, s.gate.Threshold(), s.channels)
	if err := s.deps.Notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("item", string(d.Item)).Msg("failed to dispatch alert")
	}
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.deps.Locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.deps.Locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

var _ status.Provider = (*Service)(nil)

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
