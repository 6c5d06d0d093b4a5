package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"flipwatch/internal/alerting"
	"flipwatch/internal/catalog"
	"flipwatch/internal/pipeline"
)

// SimulateDecision runs one hypothetical listing through the configured fee
// schedule and decision rule and prints the outcome. With opts.Notify an ACT
// decision is also pushed through the configured alert channels.
func (a *App) SimulateDecision(ctx context.Context, opts SimulateOptions) (pipeline.Decision, error) {
	schedule, err := a.Config.Schedule()
	if err != nil {
		return pipeline.Decision{}, err
	}

	now := time.Now().UTC()
	cat := catalog.New(catalog.Options{Shards: 1})
	item := catalog.ItemID(opts.Item)
	if opts.Reference >= 0 {
		cat.Upsert(item, opts.Reference, now.Add(-opts.Age))
	}

	minMargin, minPct := a.Config.DecisionRule()
	p := pipeline.New(schedule, cat, nil, nil, pipeline.Options{
		Workers:    1,
		QueueSize:  1,
		StaleAfter: a.Config.Pipeline.StaleAfter,
		Rule:       pipeline.Rule{MinMargin: minMargin, MinMarginPct: minPct},
		Now:        func() time.Time { return now },
	}, a.Logger)

	d := p.Decide(pipeline.Listing{
		ID:         "simulated",
		Item:       item,
		Offer:      opts.Offer,
		ObservedAt: now,
	})

	fmt.Fprintf(a.Out, "schedule:   %s\n", schedule)
	fmt.Fprintf(a.Out, "item:       %s\n", d.Item)
	fmt.Fprintf(a.Out, "offer:      $%s\n", d.Offer.USD())
	fmt.Fprintf(a.Out, "reference:  $%s\n", d.ReferencePrice.USD())
	fmt.Fprintf(a.Out, "net:        $%s\n", d.NetProceeds.USD())
	fmt.Fprintf(a.Out, "margin:     $%s (%s%%)\n", d.Margin.USD(), d.MarginPct().StringFixed(2))
	fmt.Fprintf(a.Out, "verdict:    %s %s\n", d.Verdict, d.Reason)

	if !opts.Notify {
		return d, nil
	}
	if d.Verdict != pipeline.VerdictAct {
		return d, errors.New("decision is not ACT; nothing to notify")
	}
	notifier, err := a.newNotifier()
	if err != nil {
		return d, err
	}
	if notifier == nil {
		return d, errors.New("alerting is not enabled")
	}
	note := alerting.NotificationFor(d, decimal.NewFromFloat(a.Config.Alerting.MinMarginPct), a.Config.Alerting.Channels)
	note.AdditionalMsg = "(simulated)"
	return d, notifier.Notify(ctx, note)
}
