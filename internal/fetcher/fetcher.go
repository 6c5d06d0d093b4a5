// Package fetcher adapts the upstream marketplaces to the decision pipeline:
// listings come from a polled endpoint or a websocket stream, reference
// prices from the reference market's price overview.
package fetcher

import (
	"context"
	"time"

	"flipwatch/internal/catalog"
	"flipwatch/internal/pipeline"
)

// Submitter accepts listings for evaluation.
type Submitter interface {
	Submit(ctx context.Context, l pipeline.Listing) error
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, l pipeline.Listing) error

// Submit calls f(ctx, l).
func (f SubmitFunc) Submit(ctx context.Context, l pipeline.Listing) error { return f(ctx, l) }

// ItemTracker is told about every item seen in an accepted listing, so its
// reference price can be kept current.
type ItemTracker interface {
	Track(item catalog.ItemID)
}

const (
	baseDelay = time.Second
	maxDelay  = time.Minute
)

// backoff doubles from baseDelay up to maxDelay.
func backoff(retry int) time.Duration {
	if retry < 0 {
		return baseDelay
	}
	if retry > 30 {
		return maxDelay
	}
	d := baseDelay * time.Duration(1<<retry)
	if d > maxDelay {
		return maxDelay
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ Submitter   = (*pipeline.Pipeline)(nil)
	_ ItemTracker = (*ReferencePoller)(nil)
)
