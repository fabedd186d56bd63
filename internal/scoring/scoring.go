// Package scoring computes the weighted multi-factor composite score
// for a candidate. Every factor is normalized into [0,1]; missing inputs
// score a neutral 0.5 and are reported so the thinking log can flag
// degraded evaluations.
package scoring

import (
	"math"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// SignalType is the gated outcome of a scored evaluation.
type SignalType string

const (
	SignalNone  SignalType = "NONE"
	SignalLong  SignalType = "LONG"
	SignalShort SignalType = "SHORT"
)

// Inputs are the raw per-symbol observations feeding the factors.
// Pointer fields are optional; nil means the input was unavailable.
type Inputs struct {
	Symbol string
	Side   types.PositionSide

	Price   *float64
	EMAFast *float64
	EMASlow *float64

	ATRPct    *float64
	ATRPctSMA *float64

	// EntryExtensionATR is the distance from the breakout or pullback
	// reference in ATR units.
	EntryExtensionATR *float64

	FundingRate *float64
	NewsRisk    types.NewsRiskLevel

	SpreadPct      *float64
	LongShortRatio *float64

	FundingVolatility     *float64
	OpenInterestChangePct *float64
	TakerBuyRatio         *float64
	VolumeRatio           *float64
}

// Result is one scored evaluation.
type Result struct {
	Symbol    string             `json:"symbol"`
	Signal    SignalType         `json:"signal"`
	Composite float64            `json:"composite"`
	Factors   map[string]float64 `json:"factors"`
	Missing   []string           `json:"missing,omitempty"`
}

// Engine weights and gates the factors.
type Engine struct {
	cfg types.ScoringConfig
}

// NewEngine creates a scoring engine.
func NewEngine(cfg types.ScoringConfig) *Engine {
	return &Engine{cfg: cfg}
}

const neutral = 0.5

// fundingScale is the |rate| treated as a full-strength penalty.
const fundingScale = 0.075

// Score evaluates all factors and gates the composite by the configured
// threshold. Below-threshold evaluations yield SignalNone.
func (e *Engine) Score(in Inputs) Result {
	res := Result{
		Symbol:  in.Symbol,
		Factors: make(map[string]float64, 11),
	}
	// Factor funcs dereference their inputs, so they must only run when
	// every input they need is present. Absent factors score neutral.
	add := func(name string, present bool, compute func() float64) float64 {
		score := neutral
		if present {
			score = compute()
		} else {
			res.Missing = append(res.Missing, name)
		}
		res.Factors[name] = clamp01(score)
		return res.Factors[name]
	}

	w := e.cfg.Weights
	composite := 0.0
	composite += w.Trend * add("trend", in.Price != nil && in.EMAFast != nil && in.EMASlow != nil, func() float64 { return e.trend(in) })
	composite += w.VolatilityRegime * add("volatility_regime", in.ATRPct != nil && in.ATRPctSMA != nil, func() float64 { return e.volRegimeFit(in) })
	composite += w.EntryQuality * add("entry_quality", in.EntryExtensionATR != nil, func() float64 { return e.entryQuality(in) })
	composite += w.Funding * add("funding", in.FundingRate != nil, func() float64 { return e.funding(in) })
	composite += w.News * add("news", in.NewsRisk != "", func() float64 { return e.news(in) })
	composite += w.Liquidity * add("liquidity", in.SpreadPct != nil, func() float64 { return e.liquidity(in) })
	composite += w.Crowding * add("crowding", in.LongShortRatio != nil, func() float64 { return e.crowding(in) })
	composite += w.FundingVolatility * add("funding_volatility", in.FundingVolatility != nil, func() float64 { return e.fundingVol(in) })
	composite += w.OpenInterest * add("open_interest", in.OpenInterestChangePct != nil, func() float64 { return e.openInterest(in) })
	composite += w.TakerImbalance * add("taker_imbalance", in.TakerBuyRatio != nil, func() float64 { return e.takerImbalance(in) })
	composite += w.VolumeRatio * add("volume_ratio", in.VolumeRatio != nil, func() float64 { return e.volumeRatio(in) })

	res.Composite = composite
	res.Signal = SignalNone
	if composite >= e.cfg.Threshold {
		if in.Side == types.PositionSideShort {
			res.Signal = SignalShort
		} else {
			res.Signal = SignalLong
		}
	}
	return res
}

// trend measures EMA stack alignment with the proposed direction.
func (e *Engine) trend(in Inputs) float64 {
	price, fast, slow := *in.Price, *in.EMAFast, *in.EMASlow
	var aligned, stacked bool
	if in.Side == types.PositionSideShort {
		aligned = price < fast
		stacked = fast < slow
	} else {
		aligned = price > fast
		stacked = fast > slow
	}
	switch {
	case aligned && stacked:
		return 1.0
	case stacked:
		return 0.7
	case aligned:
		return 0.4
	default:
		return 0.0
	}
}

// volRegimeFit peaks when current ATR% sits near its average: extreme
// contraction and expansion both score poorly.
func (e *Engine) volRegimeFit(in Inputs) float64 {
	sma := *in.ATRPctSMA
	if sma == 0 {
		return neutral
	}
	ratio := *in.ATRPct / sma
	return 1.0 - math.Min(math.Abs(ratio-1.0), 1.0)
}

// entryQuality is an inverted U over the extension from the reference,
// peaking between 0.5 and 1.0 ATR.
func (e *Engine) entryQuality(in Inputs) float64 {
	ext := math.Abs(*in.EntryExtensionATR)
	switch {
	case ext < 0.5:
		return ext / 0.5
	case ext <= 1.0:
		return 1.0
	default:
		return math.Max(0, 1.0-(ext-1.0)/1.5)
	}
}

// funding penalizes carry against the position and rewards carry in its
// favor.
func (e *Engine) funding(in Inputs) float64 {
	rate := *in.FundingRate
	adverse := rate
	if in.Side == types.PositionSideShort {
		adverse = -rate
	}
	return neutral - adverse/fundingScale*neutral
}

func (e *Engine) news(in Inputs) float64 {
	switch in.NewsRisk {
	case types.NewsRiskLow:
		return 1.0
	case types.NewsRiskMedium:
		return 0.5
	case types.NewsRiskHigh:
		return 0.0
	}
	return neutral
}

// liquidity maps the quoted spread onto [0,1]; 0.20% or wider scores 0.
func (e *Engine) liquidity(in Inputs) float64 {
	return 1.0 - *in.SpreadPct/0.20
}

// crowding penalizes long/short ratio extremity in either direction.
func (e *Engine) crowding(in Inputs) float64 {
	ratio := *in.LongShortRatio
	if ratio <= 0 {
		return 0.0
	}
	return 1.0 - math.Min(math.Abs(math.Log(ratio)), 1.0)
}

// fundingVol penalizes unstable funding; 0.10 percentage points of
// stdev or more scores 0.
func (e *Engine) fundingVol(in Inputs) float64 {
	return 1.0 - *in.FundingVolatility/0.10
}

// openInterest rewards OI expansion up to +20% and penalizes collapse.
func (e *Engine) openInterest(in Inputs) float64 {
	return neutral + *in.OpenInterestChangePct/20.0*neutral
}

// takerImbalance reads taker buy pressure in the direction of the trade.
func (e *Engine) takerImbalance(in Inputs) float64 {
	ratio := *in.TakerBuyRatio
	if in.Side == types.PositionSideShort {
		return 1.0 - ratio
	}
	return ratio
}

// volumeRatio rewards above-average volume, saturating at 2x.
func (e *Engine) volumeRatio(in Inputs) float64 {
	return *in.VolumeRatio / 2.0
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// F is a convenience for building optional inputs.
func F(v float64) *float64 { return &v }
