package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"flipwatch/internal/pipeline"
	"flipwatch/internal/storage"
)

// Show prints recent decisions, or recent alerts with opts.Alerts.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.requireStore(ctx, "show decisions")
	if err != nil {
		return err
	}
	defer closeStore()

	if opts.Alerts {
		alerts, err := store.ListRecentAlerts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return writeAlerts(a.Out, alerts)
	}

	total, err := store.CountDecisions(ctx)
	if err != nil {
		return err
	}
	decisions, err := store.ListDecisions(ctx, storage.DecisionFilter{
		Verdict: strings.ToUpper(opts.Verdict),
		Item:    opts.Item,
		Limit:   opts.Limit,
	})
	if err != nil {
		return err
	}
	if err := writeDecisions(a.Out, decisions); err != nil {
		return err
	}
	_, err = fmt.Fprintf(a.Out, "%d of %d decisions\n", len(decisions), total)
	return err
}

func writeDecisions(out io.Writer, decisions []pipeline.Decision) error {
	if len(decisions) == 0 {
		_, err := fmt.Fprintln(out, "no decisions found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Decided (UTC)\tItem\tListing\tOffer\tReference\tNet\tMargin\tMargin%\tVerdict\tReason")
	for _, d := range decisions {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			d.DecidedAt.UTC().Format(time.RFC3339),
			sanitizeInline(string(d.Item)),
			d.ListingID,
			d.Offer.USD(),
			d.ReferencePrice.USD(),
			d.NetProceeds.USD(),
			d.Margin.USD(),
			d.MarginPct().StringFixed(2),
			d.Verdict,
			d.Reason,
		)
	}
	return writer.Flush()
}

func writeAlerts(out io.Writer, alerts []storage.AlertRecord) error {
	if len(alerts) == 0 {
		_, err := fmt.Fprintln(out, "no alerts found")
		return err
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Sent (UTC)\tItem\tMargin%\tThreshold%\tChannels\tDecision")
	for _, al := range alerts {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			al.CreatedAt.UTC().Format(time.RFC3339),
			sanitizeInline(al.Item),
			al.MarginPct.StringFixed(2),
			al.ThresholdPct.StringFixed(2),
			strings.Join(al.Channels, ","),
			al.DecisionID,
		)
	}
	return writer.Flush()
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "\t", " ")
	return cleaned
}
