package app

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"
	"github.com/xuri/excelize/v2"

	"flipwatch/internal/pipeline"
	"flipwatch/internal/storage"
)

const defaultExportWindow = 24 * time.Hour

// Export renders decision history as CSV, XLSX and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" && opts.XLSXPath == "" {
		return errors.New("at least one of --csv, --xlsx or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}
	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}
	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	decisions, err := store.ListDecisions(ctx, storage.DecisionFilter{
		Verdict: strings.ToUpper(opts.Verdict),
		Item:    opts.Item,
		From:    from,
		To:      to,
	})
	if err != nil {
		return err
	}
	if len(decisions) == 0 {
		a.Logger.Info().Msg("no decisions found for export window")
		return nil
	}

	// The store returns newest first; charts and CSV read oldest first.
	for i, j := 0, len(decisions)-1; i < j; i, j = i+1, j-1 {
		decisions[i], decisions[j] = decisions[j], decisions[i]
	}

	downsampled := downsampleDecisions(decisions, opts.MaxPoints)
	a.Logger.Info().Int("total", len(decisions)).Int("exported", len(downsampled)).Msg("exporting decisions")

	if opts.CSVPath != "" {
		if err := writeDecisionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.XLSXPath != "" {
		if err := writeDecisionsXLSX(opts.XLSXPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeDecisionsPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleDecisions(decisions []pipeline.Decision, max int) []pipeline.Decision {
	if max <= 0 || len(decisions) <= max {
		return decisions
	}
	if max == 1 {
		return decisions[len(decisions)-1:]
	}

	result := make([]pipeline.Decision, 0, max)
	step := float64(len(decisions)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(decisions) {
			idx = len(decisions) - 1
		}
		result = append(result, decisions[idx])
	}
	return result
}

var exportHeader = []string{"decided_at", "decision_id", "listing_id", "item", "offer_cents", "reference_cents", "reference_revision", "net_cents", "margin_cents", "margin_pct", "verdict", "reason"}

func exportRecord(d pipeline.Decision) []string {
	return []string{
		d.DecidedAt.UTC().Format(time.RFC3339Nano),
		d.ID.String(),
		d.ListingID,
		string(d.Item),
		strconv.FormatInt(int64(d.Offer), 10),
		strconv.FormatInt(int64(d.ReferencePrice), 10),
		strconv.FormatUint(d.ReferenceRevision, 10),
		strconv.FormatInt(int64(d.NetProceeds), 10),
		strconv.FormatInt(int64(d.Margin), 10),
		d.MarginPct().StringFixed(4),
		string(d.Verdict),
		string(d.Reason),
	}
}

func writeDecisionsCSV(path string, decisions []pipeline.Decision) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err := writer.Write(exportHeader); err != nil {
		return err
	}

	for _, d := range decisions {
		if err := writer.Write(exportRecord(d)); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

const xlsxSheet = "decisions"

// writeDecisionsXLSX writes one row per decision; amount columns are numeric
// so the sheet can be sorted and summed.
func writeDecisionsXLSX(path string, decisions []pipeline.Decision) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		return err
	}

	header := make([]interface{}, len(exportHeader))
	for i, h := range exportHeader {
		header[i] = h
	}
	if err := f.SetSheetRow(xlsxSheet, "A1", &header); err != nil {
		return err
	}

	for i, d := range decisions {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		row := []interface{}{
			d.DecidedAt.UTC().Format(time.RFC3339Nano),
			d.ID.String(),
			d.ListingID,
			string(d.Item),
			int64(d.Offer),
			int64(d.ReferencePrice),
			d.ReferenceRevision,
			int64(d.NetProceeds),
			int64(d.Margin),
			d.MarginPct().InexactFloat64(),
			string(d.Verdict),
			string(d.Reason),
		}
		if err := f.SetSheetRow(xlsxSheet, cell, &row); err != nil {
			return err
		}
	}

	return f.SaveAs(path)
}

func writeDecisionsPNG(path string, decisions []pipeline.Decision) error {
	if len(decisions) < 2 {
		return errors.New("at least two decisions are needed to draw a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(decisions))
	offer := make([]float64, len(decisions))
	net := make([]float64, len(decisions))
	margin := make([]float64, len(decisions))

	for i, d := range decisions {
		x[i] = d.DecidedAt
		offer[i] = d.Offer.Decimal().InexactFloat64()
		net[i] = d.NetProceeds.Decimal().InexactFloat64()
		margin[i] = d.MarginPct().InexactFloat64()
	}

	usdFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "$%.2f")
	}
	pctFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.1f%%")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: usdFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "Margin (%)",
			ValueFormatter: pctFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Offer",
				XValues: x,
				YValues: offer,
			},
			chart.TimeSeries{
				Name:    "Net proceeds",
				XValues: x,
				YValues: net,
			},
			chart.TimeSeries{
				Name:    "Margin %",
				XValues: x,
				YValues: margin,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
