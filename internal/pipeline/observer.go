package pipeline

import (
	"time"

	"github.com/rs/zerolog"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
	"flipwatch/internal/stats"
)

// Observer receives everything the pipeline must not swallow silently.
type Observer interface {
	Decided(d Decision, took time.Duration)
	Fault(l Listing, ref catalog.Entry, err error)
	Dropped(l Listing, cause error)
}

// LatencyKind is the stats kind under which decision latency is recorded.
const LatencyKind = "decision"

// LogObserver logs faults and drops and records decision latency.
type LogObserver struct {
	logger   zerolog.Logger
	schedule *fee.Schedule
	recorder *stats.Recorder
}

// NewLogObserver builds an observer. recorder may be nil.
func NewLogObserver(schedule *fee.Schedule, recorder *stats.Recorder, logger zerolog.Logger) *LogObserver {
	return &LogObserver{
		logger:   logger.With().Str("component", "pipeline_observer").Logger(),
		schedule: schedule,
		recorder: recorder,
	}
}

// Decided records latency and logs the verdict.
func (o *LogObserver) Decided(d Decision, took time.Duration) {
	if o.recorder != nil {
		o.recorder.Record(LatencyKind, took)
	}

	ev := o.logger.Debug()
	if d.Verdict == VerdictAct {
		ev = o.logger.Info()
	}
	ev.Str("item", string(d.Item)).
		Str("listing_id", d.ListingID).
		Str("offer", d.Offer.USD()).
		Str("net_proceeds", d.NetProceeds.USD()).
		Str("margin", d.Margin.USD()).
		Str("verdict", string(d.Verdict)).
		Str("reason", string(d.Reason)).
		Dur("took", took).
		Msg("listing decided")
}

// Fault logs a computation failure with the full context needed to
// reproduce it.
func (o *LogObserver) Fault(l Listing, ref catalog.Entry, err error) {
	o.logger.Error().Err(err).
		Str("item", string(l.Item)).
		Str("listing_id", l.ID).
		Int64("offer", int64(l.Offer)).
		Int64("reference_price", int64(ref.Price)).
		Uint64("reference_revision", ref.Revision).
		Stringer("schedule", o.schedule).
		Msg("fee computation failed; listing skipped")
}

// Dropped logs a listing that never entered the pipeline.
func (o *LogObserver) Dropped(l Listing, cause error) {
	o.logger.Warn().Err(cause).
		Str("item", string(l.Item)).
		Str("listing_id", l.ID).
		Msg("listing dropped at intake")
}

var _ Observer = (*LogObserver)(nil)
