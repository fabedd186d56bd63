package data

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Snapshot is one symbol's indicator state at the latest closed bar.
// Float fields feed scoring and regime classification; the decimal ATR
// feeds stop distances and sizing, where exact arithmetic matters.
type Snapshot struct {
	Symbol string
	Close  decimal.Decimal
	ATR    decimal.Decimal

	CloseF      float64
	EMAFast     float64
	EMASlow     float64
	ATRPct      float64
	ATRPctSMA   float64
	ADX         float64
	ChopIndex   float64
	VolumeRatio float64
}

// IndicatorPeriods bundles the lookback settings.
type IndicatorPeriods struct {
	EMAFast   int
	EMASlow   int
	ATR       int
	ATRPctSMA int
	ADX       int
	Chop      int
	Volume    int
}

// DefaultIndicatorPeriods returns the standard settings.
func DefaultIndicatorPeriods() IndicatorPeriods {
	return IndicatorPeriods{
		EMAFast:   21,
		EMASlow:   55,
		ATR:       14,
		ATRPctSMA: 20,
		ADX:       14,
		Chop:      14,
		Volume:    20,
	}
}

// MinBars is the shortest series ComputeSnapshot accepts for the
// given periods.
func (p IndicatorPeriods) MinBars() int {
	min := p.EMASlow
	for _, n := range []int{p.EMAFast, p.ATR + p.ATRPctSMA, p.ADX * 2, p.Chop, p.Volume} {
		if n > min {
			min = n
		}
	}
	return min + 1
}

// ComputeSnapshot derives the indicator snapshot from closed bars in
// chronological order.
func ComputeSnapshot(symbol string, bars []types.OHLCV, p IndicatorPeriods) (*Snapshot, error) {
	if len(bars) < p.MinBars() {
		return nil, fmt.Errorf("%s: need %d bars, have %d", symbol, p.MinBars(), len(bars))
	}

	closes := make([]float64, len(bars))
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	vols := make([]float64, len(bars))
	for i, b := range bars {
		closes[i] = b.Close.InexactFloat64()
		highs[i] = b.High.InexactFloat64()
		lows[i] = b.Low.InexactFloat64()
		vols[i] = b.Volume.InexactFloat64()
	}

	atrSeries := atr(highs, lows, closes, p.ATR)
	last := len(bars) - 1

	atrPctSeries := make([]float64, len(atrSeries))
	for i, a := range atrSeries {
		if closes[i] > 0 {
			atrPctSeries[i] = a / closes[i] * 100
		}
	}

	snap := &Snapshot{
		Symbol:      symbol,
		Close:       bars[last].Close,
		ATR:         decimal.NewFromFloat(atrSeries[last]),
		CloseF:      closes[last],
		EMAFast:     ema(closes, p.EMAFast),
		EMASlow:     ema(closes, p.EMASlow),
		ATRPct:      atrPctSeries[last],
		ATRPctSMA:   sma(atrPctSeries, p.ATRPctSMA),
		ADX:         adx(highs, lows, closes, p.ADX),
		ChopIndex:   choppiness(highs, lows, closes, p.Chop),
		VolumeRatio: volumeRatio(vols, p.Volume),
	}
	return snap, nil
}

// ema returns the exponential moving average of the full series at the
// last element, seeded with an SMA of the first period.
func ema(values []float64, period int) float64 {
	if len(values) < period {
		return 0
	}
	k := 2.0 / float64(period+1)
	e := mean(values[:period])
	for _, v := range values[period:] {
		e = v*k + e*(1-k)
	}
	return e
}

// atr returns the Wilder-smoothed true range series aligned to bars.
func atr(highs, lows, closes []float64, period int) []float64 {
	out := make([]float64, len(closes))
	if len(closes) <= period {
		return out
	}
	trs := make([]float64, len(closes))
	for i := 1; i < len(closes); i++ {
		trs[i] = trueRange(highs[i], lows[i], closes[i-1])
	}
	a := mean(trs[1 : period+1])
	out[period] = a
	for i := period + 1; i < len(closes); i++ {
		a = (a*float64(period-1) + trs[i]) / float64(period)
		out[i] = a
	}
	return out
}

// adx returns Wilder's average directional index at the last bar.
func adx(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < period*2+1 {
		return 0
	}

	var smTR, smPlus, smMinus float64
	for i := 1; i <= period; i++ {
		plus, minus := directionalMove(highs, lows, i)
		smTR += trueRange(highs[i], lows[i], closes[i-1])
		smPlus += plus
		smMinus += minus
	}

	dxs := make([]float64, 0, n-period)
	appendDX := func() {
		if smTR == 0 {
			dxs = append(dxs, 0)
			return
		}
		pdi := 100 * smPlus / smTR
		mdi := 100 * smMinus / smTR
		if pdi+mdi == 0 {
			dxs = append(dxs, 0)
			return
		}
		dxs = append(dxs, 100*math.Abs(pdi-mdi)/(pdi+mdi))
	}
	appendDX()

	for i := period + 1; i < n; i++ {
		plus, minus := directionalMove(highs, lows, i)
		smTR = smTR - smTR/float64(period) + trueRange(highs[i], lows[i], closes[i-1])
		smPlus = smPlus - smPlus/float64(period) + plus
		smMinus = smMinus - smMinus/float64(period) + minus
		appendDX()
	}

	if len(dxs) < period {
		return 0
	}
	a := mean(dxs[:period])
	for _, dx := range dxs[period:] {
		a = (a*float64(period-1) + dx) / float64(period)
	}
	return a
}

// choppiness returns the Choppiness Index over the trailing period.
// 100 is pure sideways noise, 0 a perfectly directional move.
func choppiness(highs, lows, closes []float64, period int) float64 {
	n := len(closes)
	if n < period+1 {
		return 0
	}
	var sumTR float64
	hi, lo := math.Inf(-1), math.Inf(1)
	for i := n - period; i < n; i++ {
		sumTR += trueRange(highs[i], lows[i], closes[i-1])
		hi = math.Max(hi, highs[i])
		lo = math.Min(lo, lows[i])
	}
	if hi <= lo || sumTR <= 0 {
		return 0
	}
	return 100 * math.Log10(sumTR/(hi-lo)) / math.Log10(float64(period))
}

// volumeRatio compares the last bar's volume to the trailing average of
// the bars before it.
func volumeRatio(vols []float64, period int) float64 {
	n := len(vols)
	if n < period+1 {
		return 0
	}
	avg := mean(vols[n-period-1 : n-1])
	if avg == 0 {
		return 0
	}
	return vols[n-1] / avg
}

func trueRange(high, low, prevClose float64) float64 {
	tr := high - low
	tr = math.Max(tr, math.Abs(high-prevClose))
	return math.Max(tr, math.Abs(low-prevClose))
}

func directionalMove(highs, lows []float64, i int) (plus, minus float64) {
	up := highs[i] - highs[i-1]
	down := lows[i-1] - lows[i]
	if up > down && up > 0 {
		plus = up
	}
	if down > up && down > 0 {
		minus = down
	}
	return plus, minus
}

func sma(values []float64, period int) float64 {
	if len(values) < period {
		return 0
	}
	return mean(values[len(values)-period:])
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
