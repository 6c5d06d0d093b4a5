package app

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"flipwatch/internal/fee"
)

const maxReportedFailures = 10

// VerifyReport summarises a schedule sweep.
type VerifyReport struct {
	Checked     int64
	Failed      int64
	Evaluations [fee.MaxEvaluations + 1]int64
	// Failures holds the first few failure descriptions.
	Failures []string
}

func (r *VerifyReport) merge(o *VerifyReport) {
	r.Checked += o.Checked
	r.Failed += o.Failed
	for i, n := range o.Evaluations {
		r.Evaluations[i] += n
	}
	for _, f := range o.Failures {
		if len(r.Failures) < maxReportedFailures {
			r.Failures = append(r.Failures, f)
		}
	}
}

// VerifySchedule inverts every total in [0, opts.Max] plus opts.Samples
// random totals above it and checks each result against AddFees.
func (a *App) VerifySchedule(ctx context.Context, opts VerifyOptions) (*VerifyReport, error) {
	schedule, err := a.Config.Schedule()
	if err != nil {
		return nil, err
	}
	if opts.Max < 0 {
		return nil, errors.New("--max cannot be negative")
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	a.Logger.Info().
		Stringer("schedule", schedule).
		Int64("max", int64(opts.Max)).
		Int("samples", opts.Samples).
		Int("workers", workers).
		Msg("verifying fee schedule")

	report := &VerifyReport{}
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	span := (int64(opts.Max) + int64(workers)) / int64(workers)
	for w := 0; w < workers; w++ {
		lo := int64(w) * span
		hi := min(lo+span, int64(opts.Max)+1)
		samples := opts.Samples / workers
		if w < opts.Samples%workers {
			samples++
		}
		rng := rand.New(rand.NewPCG(uint64(opts.Seed), uint64(w)))

		g.Go(func() error {
			local := &VerifyReport{}
			for total := lo; total < hi; total++ {
				if total&0xffff == 0 && gctx.Err() != nil {
					return gctx.Err()
				}
				checkInversion(schedule, fee.Amount(total), local)
			}
			// Random totals are drawn below MaxAmount/2 so that AddFees of
			// the answer stays in range.
			limit := int64(fee.MaxAmount/2) - int64(opts.Max)
			for i := 0; i < samples && limit > 0; i++ {
				checkInversion(schedule, opts.Max+1+fee.Amount(rng.Int64N(limit)), local)
			}
			mu.Lock()
			report.merge(local)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}

	fmt.Fprintf(a.Out, "schedule: %s\n", schedule)
	fmt.Fprintf(a.Out, "checked:  %d totals\n", report.Checked)
	for n, count := range report.Evaluations {
		if count > 0 {
			fmt.Fprintf(a.Out, "  %d evaluations: %d\n", n, count)
		}
	}
	if report.Failed > 0 {
		for _, f := range report.Failures {
			fmt.Fprintf(a.Out, "FAIL %s\n", f)
		}
		return report, fmt.Errorf("fee schedule failed verification for %d of %d totals", report.Failed, report.Checked)
	}
	fmt.Fprintln(a.Out, "ok")
	return report, nil
}

func checkInversion(s *fee.Schedule, total fee.Amount, r *VerifyReport) {
	r.Checked++
	inv, err := s.Invert(total)
	if err != nil {
		r.fail("total %d: %v", total, err)
		return
	}
	r.Evaluations[inv.Evaluations]++

	got, err := s.AddFees(inv.Base)
	if err != nil || got > total {
		r.fail("total %d: base %d adds up to %d (%v)", total, inv.Base, got, err)
		return
	}
	if inv.Base == total {
		return
	}
	next, err := s.AddFees(inv.Base + 1)
	if err != nil || next <= total {
		r.fail("total %d: base %d is not the largest (base+1 adds up to %d, %v)", total, inv.Base, next, err)
	}
}

func (r *VerifyReport) fail(format string, args ...any) {
	r.Failed++
	if len(r.Failures) < maxReportedFailures {
		r.Failures = append(r.Failures, fmt.Sprintf(format, args...))
	}
}
