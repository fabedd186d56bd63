// Package regime classifies market conditions from trend-strength and
// range indicators. CHOPPY markets block entries; TRANSITIONAL markets
// trade at half size.
package regime

import (
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Tag is the primary regime classification.
type Tag string

const (
	Trending     Tag = "TRENDING"
	Choppy       Tag = "CHOPPY"
	Transitional Tag = "TRANSITIONAL"
)

// VolRegime is the optional volatility sub-regime.
type VolRegime string

const (
	VolContraction VolRegime = "CONTRACTION"
	VolNormal      VolRegime = "NORMAL"
	VolExpansion   VolRegime = "EXPANSION"
)

// Inputs are the indicator values at classification time. ATRPct and
// ATRPctSMA are optional; zero SMA disables the volatility sub-regime.
type Inputs struct {
	ADX       float64
	ChopIndex float64
	ATRPct    float64
	ATRPctSMA float64
}

// Classification is the classifier output.
type Classification struct {
	Regime         Tag       `json:"regime"`
	BlocksEntry    bool      `json:"blocksEntry"`
	SizeMultiplier float64   `json:"sizeMultiplier"`
	Volatility     VolRegime `json:"volatility,omitempty"`
}

// Classifier applies the configured thresholds. It is a pure function
// over its inputs.
type Classifier struct {
	cfg types.RegimeConfig
}

// NewClassifier creates a classifier.
func NewClassifier(cfg types.RegimeConfig) *Classifier {
	return &Classifier{cfg: cfg}
}

// Classify maps indicator readings to a regime. TRENDING requires both
// strong ADX and low choppiness; either weak ADX or high choppiness is
// CHOPPY; everything between is TRANSITIONAL.
func (c *Classifier) Classify(in Inputs) Classification {
	var out Classification
	switch {
	case in.ADX >= c.cfg.ADXTrending && in.ChopIndex <= c.cfg.ChopTrending:
		out.Regime = Trending
		out.SizeMultiplier = 1.0
	case in.ADX <= c.cfg.ADXRanging || in.ChopIndex >= c.cfg.ChopRanging:
		out.Regime = Choppy
		out.BlocksEntry = true
		out.SizeMultiplier = 0.0
	default:
		out.Regime = Transitional
		out.SizeMultiplier = 0.5
	}

	if in.ATRPctSMA > 0 {
		ratio := in.ATRPct / in.ATRPctSMA
		switch {
		case ratio <= c.cfg.ContractionRatio:
			out.Volatility = VolContraction
		case ratio >= c.cfg.ExpansionRatio:
			out.Volatility = VolExpansion
		default:
			out.Volatility = VolNormal
		}
	}
	return out
}

// SlippageMultiplier maps the volatility sub-regime to the simulator's
// slippage scaling.
func (v VolRegime) SlippageMultiplier() float64 {
	switch v {
	case VolContraction:
		return 0.5
	case VolExpansion:
		return 2.0
	default:
		return 1.0
	}
}
