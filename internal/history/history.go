// Package history derives a reference price and stability indicators from an
// item's recent sale history.
package history

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"time"

	"flipwatch/internal/catalog"
	"flipwatch/internal/fee"
)

// ErrInsufficientHistory reports a window with too few usable sale points.
var ErrInsufficientHistory = errors.New("history: insufficient sale history")

const week = 7 * 24 * time.Hour

// Point is one bucket of sale history.
type Point struct {
	At     time.Time
	Price  fee.Amount
	Volume int64
}

// Options tune the analysis. Zero fields take the defaults below.
type Options struct {
	// Window is how far back points are considered. Default 7 days.
	Window time.Duration
	// Band drops points further than this fraction from the median. Default 0.10.
	Band float64
	// Smoothing is the simple moving average width. Default 3.
	Smoothing int
	// MaxRSD is the relative standard deviation below which the price is
	// stable. Default 0.03.
	MaxRSD float64
	// Percentile of the banded prices used as the reference. Default 60.
	Percentile float64
	// MinPoints is the fewest windowed points worth analysing. Default 5.
	MinPoints int
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = week
	}
	if o.Band <= 0 {
		o.Band = 0.10
	}
	if o.Smoothing <= 0 {
		o.Smoothing = 3
	}
	if o.MaxRSD <= 0 {
		o.MaxRSD = 0.03
	}
	if o.Percentile <= 0 || o.Percentile > 100 {
		o.Percentile = 60
	}
	if o.MinPoints <= 0 {
		o.MinPoints = 5
	}
	return o
}

// Analysis is the outcome of Analyze.
type Analysis struct {
	Price  fee.Amount
	Median fee.Amount
	Market catalog.Market
}

// Analyze reduces the points inside the window ending at now to a reference
// price. Outliers outside the median band are dropped, the rest are smoothed,
// and the spread of the smoothed series decides stability. Sales volume is
// counted before the band filter.
func Analyze(points []Point, now time.Time, opts Options) (Analysis, error) {
	opts = opts.withDefaults()
	from := now.Add(-opts.Window)

	recent := make([]Point, 0, len(points))
	for _, p := range points {
		if p.At.Before(from) || p.At.After(now) || p.Price <= 0 {
			continue
		}
		recent = append(recent, p)
	}
	if len(recent) < opts.MinPoints {
		return Analysis{}, fmt.Errorf("%w: %d points in %s", ErrInsufficientHistory, len(recent), opts.Window)
	}
	slices.SortStableFunc(recent, func(a, b Point) int { return a.At.Compare(b.At) })

	var sold int64
	prices := make([]float64, len(recent))
	for i, p := range recent {
		sold += max(p.Volume, 0)
		prices[i] = float64(p.Price)
	}

	median := percentile(sortedCopy(prices), 50)
	lo, hi := median*(1-opts.Band), median*(1+opts.Band)
	banded := prices[:0:0]
	for _, p := range prices {
		if p >= lo && p <= hi {
			banded = append(banded, p)
		}
	}

	smooth := movingAverage(banded, opts.Smoothing)
	if len(smooth) == 0 {
		return Analysis{}, fmt.Errorf("%w: %d points inside the median band", ErrInsufficientHistory, len(banded))
	}
	mean, std := meanStd(smooth)
	rsd := math.Inf(1)
	if mean > 0 {
		rsd = std / mean
	}

	return Analysis{
		Price:  fee.Amount(math.Round(percentile(sortedCopy(banded), opts.Percentile))),
		Median: fee.Amount(math.Round(median)),
		Market: catalog.Market{
			Volatility:  rsd,
			Stable:      rsd < opts.MaxRSD,
			SoldPerWeek: perWeek(sold, opts.Window),
			Samples:     len(recent),
		},
	}, nil
}

func perWeek(sold int64, window time.Duration) int64 {
	if window == week {
		return sold
	}
	return int64(math.Round(float64(sold) * float64(week) / float64(window)))
}

func sortedCopy(xs []float64) []float64 {
	out := slices.Clone(xs)
	slices.Sort(out)
	return out
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	return sorted[lo] + (sorted[hi]-sorted[lo])*(rank-float64(lo))
}

// movingAverage returns the full-window averages of xs.
func movingAverage(xs []float64, width int) []float64 {
	if len(xs) < width {
		return nil
	}
	out := make([]float64, 0, len(xs)-width+1)
	var sum float64
	for i, x := range xs {
		sum += x
		if i >= width {
			sum -= xs[i-width]
		}
		if i >= width-1 {
			out = append(out, sum/float64(width))
		}
	}
	return out
}

// meanStd returns the mean and population standard deviation of xs.
func meanStd(xs []float64) (float64, float64) {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		sq += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(sq / float64(len(xs)))
}
