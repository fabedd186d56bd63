package regime

import (
	"testing"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

func TestClassifyRules(t *testing.T) {
	c := NewClassifier(types.DefaultRegimeConfig())

	tests := []struct {
		name   string
		in     Inputs
		regime Tag
		blocks bool
		mult   float64
	}{
		{"strong trend", Inputs{ADX: 30, ChopIndex: 40}, Trending, false, 1.0},
		{"weak adx is choppy", Inputs{ADX: 15, ChopIndex: 40}, Choppy, true, 0.0},
		{"high chop is choppy", Inputs{ADX: 30, ChopIndex: 65}, Choppy, true, 0.0},
		{"in between", Inputs{ADX: 22, ChopIndex: 50}, Transitional, false, 0.5},
		{"boundary trending", Inputs{ADX: 25, ChopIndex: 45}, Trending, false, 1.0},
		{"boundary ranging adx", Inputs{ADX: 20, ChopIndex: 50}, Choppy, true, 0.0},
		{"boundary ranging chop", Inputs{ADX: 23, ChopIndex: 60}, Choppy, true, 0.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.in)
			if got.Regime != tt.regime {
				t.Fatalf("regime = %s, want %s", got.Regime, tt.regime)
			}
			if got.BlocksEntry != tt.blocks {
				t.Fatalf("blocksEntry = %v, want %v", got.BlocksEntry, tt.blocks)
			}
			if got.SizeMultiplier != tt.mult {
				t.Fatalf("sizeMultiplier = %v, want %v", got.SizeMultiplier, tt.mult)
			}
		})
	}
}

func TestVolatilitySubRegime(t *testing.T) {
	c := NewClassifier(types.DefaultRegimeConfig())

	base := Inputs{ADX: 30, ChopIndex: 40, ATRPctSMA: 1.0}

	base.ATRPct = 0.5
	if got := c.Classify(base).Volatility; got != VolContraction {
		t.Fatalf("vol = %s, want CONTRACTION", got)
	}
	base.ATRPct = 1.0
	if got := c.Classify(base).Volatility; got != VolNormal {
		t.Fatalf("vol = %s, want NORMAL", got)
	}
	base.ATRPct = 1.5
	if got := c.Classify(base).Volatility; got != VolExpansion {
		t.Fatalf("vol = %s, want EXPANSION", got)
	}

	// Missing SMA disables the sub-regime entirely.
	if got := c.Classify(Inputs{ADX: 30, ChopIndex: 40}).Volatility; got != "" {
		t.Fatalf("vol = %s with no SMA, want empty", got)
	}
}

func TestSlippageMultiplier(t *testing.T) {
	if VolContraction.SlippageMultiplier() != 0.5 ||
		VolNormal.SlippageMultiplier() != 1.0 ||
		VolExpansion.SlippageMultiplier() != 2.0 {
		t.Fatal("slippage multipliers out of contract")
	}
	if VolRegime("").SlippageMultiplier() != 1.0 {
		t.Fatal("unknown sub-regime must scale by 1.0")
	}
}
