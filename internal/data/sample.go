package data

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// SampleBars generates a deterministic bar series: a geometric walk
// with per-bar drift and noise, seeded so tests and demo datasets
// reproduce exactly.
func SampleBars(symbol string, tf types.Timeframe, start time.Time, n int, startPrice, driftPct, noisePct float64, seed int64) []types.OHLCV {
	rng := rand.New(rand.NewSource(seed))
	bars := make([]types.OHLCV, 0, n)
	price := startPrice
	ts := start
	for i := 0; i < n; i++ {
		ret := driftPct/100 + rng.NormFloat64()*noisePct/100
		open := price
		close := open * (1 + ret)
		hi := math.Max(open, close) * (1 + rng.Float64()*noisePct/200)
		lo := math.Min(open, close) * (1 - rng.Float64()*noisePct/200)
		vol := 800 + rng.Float64()*400
		bars = append(bars, types.OHLCV{
			Symbol:    symbol,
			Timestamp: ts,
			Open:      decimal.NewFromFloat(open),
			High:      decimal.NewFromFloat(hi),
			Low:       decimal.NewFromFloat(lo),
			Close:     decimal.NewFromFloat(close),
			Volume:    decimal.NewFromFloat(vol),
		})
		price = close
		ts = ts.Add(tf.Duration())
	}
	return bars
}

// SampleFunding generates settlement points every interval from start,
// alternating sign around a small positive mean.
func SampleFunding(symbol string, start time.Time, interval time.Duration, n int, seed int64) []types.FundingPoint {
	rng := rand.New(rand.NewSource(seed))
	points := make([]types.FundingPoint, 0, n)
	ts := start
	for i := 0; i < n; i++ {
		rate := 0.0001 + rng.NormFloat64()*0.0002
		points = append(points, types.FundingPoint{
			Symbol:    symbol,
			Timestamp: ts,
			Rate:      decimal.NewFromFloat(rate),
		})
		ts = ts.Add(interval)
	}
	return points
}
