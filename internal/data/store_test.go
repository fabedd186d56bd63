package data

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

func mkBar(ts time.Time, o, h, l, c, v float64) types.OHLCV {
	return types.OHLCV{
		Timestamp: ts,
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
		Volume:    decimal.NewFromFloat(v),
	}
}

func TestSaveAndLoadBarsRoundTrip(t *testing.T) {
	store, err := NewStore(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.OHLCV{
		mkBar(t0, 100, 105, 99, 104, 1000),
		mkBar(t0.Add(15*time.Minute), 104, 106, 103, 105, 900),
		mkBar(t0.Add(30*time.Minute), 105, 107, 104, 106, 1100),
	}
	if err := store.SaveBars("BTCUSDT", types.Timeframe15m, bars); err != nil {
		t.Fatalf("SaveBars: %v", err)
	}

	// Fresh store to force a read from disk.
	store2, err := NewStore(zap.NewNop(), store.dataDir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	got, err := store2.LoadBars("BTCUSDT", types.Timeframe15m, t0, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("LoadBars: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("loaded %d bars, want 3", len(got))
	}
	if !got[1].Close.Equal(decimal.NewFromInt(105)) {
		t.Fatalf("bar close = %s, want 105", got[1].Close)
	}

	start, end, err := store2.Range("BTCUSDT")
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if !start.Equal(t0) || !end.Equal(t0.Add(30*time.Minute)) {
		t.Fatalf("range = [%s, %s]", start, end)
	}
}

func TestNormalizeSortsDedupsAndDropsInvalid(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.OHLCV{
		mkBar(t0.Add(15*time.Minute), 104, 106, 103, 105, 900),
		mkBar(t0, 100, 105, 99, 104, 1000),
		mkBar(t0, 101, 105, 99, 104, 1000), // duplicate timestamp, last wins
		{Timestamp: t0.Add(30 * time.Minute)}, // zero prices dropped
	}
	out := Normalize(bars)
	if len(out) != 2 {
		t.Fatalf("normalized to %d bars, want 2", len(out))
	}
	if !out[0].Timestamp.Equal(t0) {
		t.Fatal("bars not sorted")
	}
	if !out[0].Open.Equal(decimal.NewFromInt(101)) {
		t.Fatalf("duplicate resolution kept open %s, want 101", out[0].Open)
	}
}

func TestGapsDetectsMissingBars(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.OHLCV{
		mkBar(t0, 100, 101, 99, 100, 1),
		mkBar(t0.Add(45*time.Minute), 100, 101, 99, 100, 1), // two bars missing
	}
	missing := Gaps(bars, types.Timeframe15m)
	if len(missing) != 2 {
		t.Fatalf("found %d gaps, want 2", len(missing))
	}
	if !missing[0].Equal(t0.Add(15 * time.Minute)) {
		t.Fatalf("first gap at %s", missing[0])
	}
}

func TestComputeSnapshotOnTrendingSeries(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	// A steady uptrend: EMA fast above slow, low choppiness, high ADX.
	var bars []types.OHLCV
	price := 100.0
	for i := 0; i < 120; i++ {
		open := price
		price += 1.0
		bars = append(bars, mkBar(t0.Add(time.Duration(i)*15*time.Minute),
			open, price+0.5, open-0.5, price, 1000))
	}

	snap, err := ComputeSnapshot("BTCUSDT", bars, DefaultIndicatorPeriods())
	if err != nil {
		t.Fatalf("ComputeSnapshot: %v", err)
	}
	if snap.EMAFast <= snap.EMASlow {
		t.Fatalf("EMAFast %.2f should exceed EMASlow %.2f in an uptrend", snap.EMAFast, snap.EMASlow)
	}
	if snap.ADX < 25 {
		t.Fatalf("ADX %.2f too low for a persistent trend", snap.ADX)
	}
	if snap.ChopIndex > 50 {
		t.Fatalf("choppiness %.2f too high for a straight trend", snap.ChopIndex)
	}
	if snap.ATR.IsZero() {
		t.Fatal("ATR should be positive")
	}
	if math.Abs(snap.VolumeRatio-1.0) > 0.01 {
		t.Fatalf("volume ratio %.3f, want ~1.0 on flat volume", snap.VolumeRatio)
	}
}

func TestComputeSnapshotRejectsShortSeries(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bars := []types.OHLCV{mkBar(t0, 100, 101, 99, 100, 1)}
	if _, err := ComputeSnapshot("BTCUSDT", bars, DefaultIndicatorPeriods()); err == nil {
		t.Fatal("expected an error for an insufficient series")
	}
}
