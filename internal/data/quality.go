package data

import (
	"sort"
	"time"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Normalize sorts bars by timestamp, removes duplicates (last write
// wins) and drops bars with a non-positive price or an inverted range.
func Normalize(bars []types.OHLCV) []types.OHLCV {
	if len(bars) == 0 {
		return bars
	}
	byTS := make(map[int64]types.OHLCV, len(bars))
	for _, b := range bars {
		if !validBar(b) {
			continue
		}
		byTS[b.Timestamp.UnixMilli()] = b
	}
	out := make([]types.OHLCV, 0, len(byTS))
	for _, b := range byTS {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Gaps returns the bar-open timestamps missing from a series that is
// expected to be continuous at the given timeframe.
func Gaps(bars []types.OHLCV, tf types.Timeframe) []time.Time {
	if len(bars) < 2 {
		return nil
	}
	step := tf.Duration()
	var missing []time.Time
	for i := 1; i < len(bars); i++ {
		expect := bars[i-1].Timestamp.Add(step)
		for expect.Before(bars[i].Timestamp) {
			missing = append(missing, expect)
			expect = expect.Add(step)
		}
	}
	return missing
}

func validBar(b types.OHLCV) bool {
	if !b.Open.IsPositive() || !b.High.IsPositive() || !b.Low.IsPositive() || !b.Close.IsPositive() {
		return false
	}
	if b.High.LessThan(b.Low) {
		return false
	}
	return true
}
