package history

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flipwatch/internal/fee"
)

var now = time.Date(2024, 2, 19, 15, 0, 0, 0, time.UTC)

// hourly lays prices out one hour apart, oldest first, ending an hour
// before now.
func hourly(volume int64, prices ...fee.Amount) []Point {
	out := make([]Point, len(prices))
	for i, p := range prices {
		out[i] = Point{At: now.Add(-time.Duration(len(prices)-i) * time.Hour), Price: p, Volume: volume}
	}
	return out
}

func TestAnalyzeStable(t *testing.T) {
	points := hourly(10, 1000, 1002, 998, 1001, 999, 1000, 1003, 997, 1000, 1000)

	a, err := Analyze(points, now, Options{})
	require.NoError(t, err)
	assert.Equal(t, fee.Amount(1000), a.Price)
	assert.Equal(t, fee.Amount(1000), a.Median)
	assert.True(t, a.Market.Stable)
	assert.Less(t, a.Market.Volatility, 0.01)
	assert.Equal(t, int64(100), a.Market.SoldPerWeek)
	assert.Equal(t, 10, a.Market.Samples)
}

func TestAnalyzeDropsOutliersButCountsTheirVolume(t *testing.T) {
	points := hourly(10, 1000, 1002, 998, 1001, 999, 1000, 1003, 997, 1000, 1000)
	points = append(points, Point{At: now.Add(-30 * time.Minute), Price: 5000, Volume: 7})

	a, err := Analyze(points, now, Options{})
	require.NoError(t, err)
	assert.Equal(t, fee.Amount(1000), a.Price)
	assert.True(t, a.Market.Stable)
	assert.Equal(t, int64(107), a.Market.SoldPerWeek)
	assert.Equal(t, 11, a.Market.Samples)
}

func TestAnalyzeVolatile(t *testing.T) {
	points := hourly(1, 905, 1095, 905, 1095, 905, 1095)

	a, err := Analyze(points, now, Options{})
	require.NoError(t, err)
	assert.False(t, a.Market.Stable)
	assert.InDelta(t, 0.031667, a.Market.Volatility, 0.0001)
}

func TestAnalyzePercentilePrice(t *testing.T) {
	points := hourly(1, 1040, 1000, 1030, 1010, 1020)

	a, err := Analyze(points, now, Options{})
	require.NoError(t, err)
	assert.Equal(t, fee.Amount(1020), a.Median)
	assert.Equal(t, fee.Amount(1024), a.Price)

	a, err = Analyze(points, now, Options{Percentile: 100})
	require.NoError(t, err)
	assert.Equal(t, fee.Amount(1040), a.Price)
}

func TestAnalyzeInsufficientHistory(t *testing.T) {
	cases := map[string][]Point{
		"too few points": hourly(1, 1000, 1000, 1000, 1000),
		"outside window": append(hourly(1, 1000, 1000, 1000, 1000),
			Point{At: now.Add(-8 * 24 * time.Hour), Price: 1000, Volume: 1}),
		"future point": append(hourly(1, 1000, 1000, 1000, 1000),
			Point{At: now.Add(time.Hour), Price: 1000, Volume: 1}),
		"band too narrow": hourly(1, 1000, 1000, 2000, 2000, 3000),
	}
	for name, points := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Analyze(points, now, Options{})
			assert.ErrorIs(t, err, ErrInsufficientHistory)
		})
	}
}

func TestAnalyzeScalesVolumeToWeek(t *testing.T) {
	points := hourly(2, 1000, 1000, 1000, 1000, 1000)

	a, err := Analyze(points, now, Options{Window: 24 * time.Hour})
	require.NoError(t, err)
	assert.Equal(t, int64(70), a.Market.SoldPerWeek)
	assert.True(t, a.Market.Stable)
	assert.Zero(t, a.Market.Volatility)
}

func TestPercentile(t *testing.T) {
	data := []float64{10, 20, 30, 40, 50}
	assert.Equal(t, 30.0, percentile(data, 50))
	assert.InDelta(t, 42.0, percentile(data, 80), 1e-9)
	assert.Equal(t, 7.0, percentile([]float64{7}, 60))
}

func TestMovingAverage(t *testing.T) {
	assert.Equal(t, []float64{2, 3, 4}, movingAverage([]float64{1, 2, 3, 4, 5}, 3))
	assert.Empty(t, movingAverage([]float64{1, 2}, 3))
}
