// Package strategy runs the per-cycle evaluation pipeline: indicators,
// regime classification, multi-factor scoring, portfolio selection,
// risk checks, and finally order placement.
package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/data"
	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/internal/execution"
	"github.com/nautilus-trade/perpcore/internal/portfolio"
	"github.com/nautilus-trade/perpcore/internal/regime"
	"github.com/nautilus-trade/perpcore/internal/risk"
	"github.com/nautilus-trade/perpcore/internal/scoring"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/internal/workers"
	"github.com/nautilus-trade/perpcore/pkg/types"
	"github.com/nautilus-trade/perpcore/pkg/utils"
)

// VolatilityFeed receives per-symbol volatility after each evaluation.
// The paper simulator uses it to scale its fill model; live mode leaves
// it nil.
type VolatilityFeed interface {
	SetVolatility(symbol string, atrPct, slipMult decimal.Decimal)
}

// ThoughtRecord captures why one evaluation concluded the way it did.
// One record is emitted per symbol per cycle, selected or not.
type ThoughtRecord struct {
	Time         time.Time          `json:"time"`
	Symbol       string             `json:"symbol"`
	Side         types.PositionSide `json:"side,omitempty"`
	Regime       string             `json:"regime"`
	VolRegime    string             `json:"volRegime"`
	BlocksEntry  bool               `json:"blocksEntry"`
	Composite    float64            `json:"composite,omitempty"`
	Signal       string             `json:"signal,omitempty"`
	Factors      map[string]float64 `json:"factors,omitempty"`
	ExtensionATR float64            `json:"extensionAtr,omitempty"`
	NewsRisk     string             `json:"newsRisk,omitempty"`
	FundingRate  float64            `json:"fundingRate,omitempty"`
}

// ThoughtSink receives evaluation records; the audit thinking log
// implements it. A nil sink disables recording.
type ThoughtSink interface {
	Record(ThoughtRecord)
}

// Evaluator ties the analytic components together for one trade cycle.
type Evaluator struct {
	logger     *zap.Logger
	bus        *events.Bus
	ex         exchange.Exchange
	states     *state.Manager
	scorer     *scoring.Engine
	classifier *regime.Classifier
	riskEngine *risk.Engine
	selector   *portfolio.Selector
	exec       *execution.Engine
	pool       *workers.Pool
	volFeed    VolatilityFeed
	thoughts   ThoughtSink
	cfg        types.StrategyConfig
	periods    data.IndicatorPeriods
}

type Deps struct {
	Bus        *events.Bus
	Exchange   exchange.Exchange
	States     *state.Manager
	Scorer     *scoring.Engine
	Classifier *regime.Classifier
	Risk       *risk.Engine
	Selector   *portfolio.Selector
	Executor   *execution.Engine
	Pool       *workers.Pool
	VolFeed    VolatilityFeed
	Thoughts   ThoughtSink
}

func NewEvaluator(logger *zap.Logger, cfg types.StrategyConfig, deps Deps) *Evaluator {
	return &Evaluator{
		logger:     logger.Named("strategy"),
		bus:        deps.Bus,
		ex:         deps.Exchange,
		states:     deps.States,
		scorer:     deps.Scorer,
		classifier: deps.Classifier,
		riskEngine: deps.Risk,
		selector:   deps.Selector,
		exec:       deps.Executor,
		pool:       deps.Pool,
		volFeed:    deps.VolFeed,
		thoughts:   deps.Thoughts,
		cfg:        cfg,
		periods:    data.DefaultIndicatorPeriods(),
	}
}

// RunCycle evaluates the whole universe once, selects up to the position
// capacity, and hands the survivors to execution. Every cycle concludes
// with a TradeCycleCompleted record regardless of outcome.
func (e *Evaluator) RunCycle(ctx context.Context, now time.Time) error {
	snap := e.states.Snapshot()
	if len(snap.Universe) == 0 {
		e.logger.Debug("Empty universe, skipping cycle")
		return nil
	}

	var mu sync.Mutex
	candidates := make([]*types.TradeProposal, 0, len(snap.Universe))

	failures := e.pool.ForEach(ctx, snap.Universe, func(tctx context.Context, symbol string) error {
		p, err := e.evaluateSymbol(tctx, symbol, snap, now)
		if err != nil {
			return err
		}
		if p != nil {
			mu.Lock()
			candidates = append(candidates, p)
			mu.Unlock()
		}
		return nil
	})
	for symbol, err := range failures {
		e.logger.Warn("Symbol evaluation failed", zap.String("symbol", symbol), zap.Error(err))
	}

	selection := e.selector.Select(candidates, snap, now)
	if _, err := e.bus.Publish(events.KindTradeCycleCompleted, &selection.Cycle, nil); err != nil {
		return fmt.Errorf("record trade cycle: %w", err)
	}

	for _, p := range selection.Selected {
		e.place(ctx, p, snap, now)
	}
	return nil
}

// evaluateSymbol produces a proposal or nil when the symbol offers no
// tradable setup this bar.
func (e *Evaluator) evaluateSymbol(ctx context.Context, symbol string, snap *state.TradingState, now time.Time) (*types.TradeProposal, error) {
	bars, err := e.ex.Klines(ctx, symbol, string(e.cfg.Timeframe), e.cfg.KlineLookback)
	if err != nil {
		return nil, fmt.Errorf("klines: %w", err)
	}
	ind, err := data.ComputeSnapshot(symbol, bars, e.periods)
	if err != nil {
		// Not enough history yet; skip quietly.
		e.logger.Debug("Insufficient history", zap.String("symbol", symbol), zap.Error(err))
		return nil, nil
	}

	cls := e.classifier.Classify(regime.Inputs{
		ADX:       ind.ADX,
		ChopIndex: ind.ChopIndex,
		ATRPct:    ind.ATRPct,
		ATRPctSMA: ind.ATRPctSMA,
	})
	if e.volFeed != nil {
		e.volFeed.SetVolatility(symbol,
			decimal.NewFromFloat(ind.ATRPct),
			decimal.NewFromFloat(cls.Volatility.SlippageMultiplier()))
	}
	if cls.BlocksEntry {
		e.think(ThoughtRecord{
			Time:        now,
			Symbol:      symbol,
			Regime:      string(cls.Regime),
			VolRegime:   string(cls.Volatility),
			BlocksEntry: true,
			NewsRisk:    string(newsLevel(snap, symbol, now)),
		})
		e.bus.Publish(events.KindEntrySkipped, &events.EntrySkippedPayload{
			Symbol: symbol,
			Reason: types.ReasonRegimeBlocked,
		}, nil)
		return nil, nil
	}

	side := types.PositionSideLong
	if ind.EMAFast < ind.EMASlow {
		side = types.PositionSideShort
	}

	in := e.buildInputs(ctx, symbol, side, ind, snap, now)
	res := e.scorer.Score(in)

	thought := ThoughtRecord{
		Time:      now,
		Symbol:    symbol,
		Side:      side,
		Regime:    string(cls.Regime),
		VolRegime: string(cls.Volatility),
		Composite: res.Composite,
		Signal:    string(res.Signal),
		Factors:   res.Factors,
		NewsRisk:  string(in.NewsRisk),
	}
	if in.EntryExtensionATR != nil {
		thought.ExtensionATR = *in.EntryExtensionATR
	}
	if in.FundingRate != nil {
		thought.FundingRate = *in.FundingRate
	}
	e.think(thought)

	e.bus.Publish(events.KindSignalComputed, &events.SignalComputedPayload{
		Symbol:  symbol,
		Score:   res.Composite,
		Signal:  string(res.Signal),
		Factors: res.Factors,
	}, nil)

	if res.Signal == scoring.SignalNone {
		return nil, nil
	}

	atrDist := ind.ATR.Mul(e.cfg.StopATRMult)
	stop := ind.Close.Sub(atrDist)
	if side == types.PositionSideShort {
		stop = ind.Close.Add(atrDist)
	}

	fundingRate := snap.FundingRates[symbol]
	if in.FundingRate != nil {
		fundingRate = decimal.NewFromFloat(*in.FundingRate)
	}

	return &types.TradeProposal{
		Symbol:          symbol,
		Side:            side,
		EntryPrice:      ind.Close,
		StopPrice:       stop,
		ATR:             ind.ATR,
		Leverage:        e.cfg.Leverage,
		CompositeScore:  res.Composite,
		FundingRate:     fundingRate,
		NewsRisk:        newsLevel(snap, symbol, now),
		FundingScore:    res.Factors["funding"],
		LiquidityScore:  res.Factors["liquidity"],
		TradeID:         utils.NewTradeID(),
		CandleTimestamp: lastBarOpen(bars),
	}, nil
}

func (e *Evaluator) think(rec ThoughtRecord) {
	if e.thoughts != nil {
		e.thoughts.Record(rec)
	}
}

// buildInputs assembles the scoring inputs, leaving unknown factors nil
// so they score neutral.
func (e *Evaluator) buildInputs(ctx context.Context, symbol string, side types.PositionSide, ind *data.Snapshot, snap *state.TradingState, now time.Time) scoring.Inputs {
	in := scoring.Inputs{
		Symbol:      symbol,
		Side:        side,
		Price:       scoring.F(ind.CloseF),
		EMAFast:     scoring.F(ind.EMAFast),
		EMASlow:     scoring.F(ind.EMASlow),
		ATRPct:      scoring.F(ind.ATRPct),
		ATRPctSMA:   scoring.F(ind.ATRPctSMA),
		VolumeRatio: scoring.F(ind.VolumeRatio),
		NewsRisk:    newsLevel(snap, symbol, now),
	}

	if ema := ind.EMAFast; ema > 0 && !ind.ATR.IsZero() {
		// Distance from the fast EMA in ATR units approximates how
		// extended the entry is.
		ext := (ind.CloseF - ema) / ind.ATR.InexactFloat64()
		if side == types.PositionSideShort {
			ext = -ext
		}
		in.EntryExtensionATR = scoring.F(ext)
	}

	if fp, err := e.ex.FundingRate(ctx, symbol); err == nil {
		if prev, ok := snap.FundingRates[symbol]; !ok || !prev.Equal(fp.Rate) {
			e.bus.Publish(events.KindFundingUpdate, &events.FundingUpdatePayload{
				Symbol:          symbol,
				Rate:            fp.Rate,
				NextFundingTime: fp.Timestamp,
			}, nil)
		}
		in.FundingRate = scoring.F(fp.Rate.InexactFloat64())
	} else if rate, ok := snap.FundingRates[symbol]; ok {
		in.FundingRate = scoring.F(rate.InexactFloat64())
	}
	if ticker, err := e.ex.BookTicker(ctx, symbol); err == nil && ticker.BidPrice.IsPositive() {
		mid := ticker.BidPrice.Add(ticker.AskPrice).Div(decimal.NewFromInt(2))
		spreadPct := ticker.AskPrice.Sub(ticker.BidPrice).Div(mid).Mul(decimal.NewFromInt(100))
		in.SpreadPct = scoring.F(spreadPct.InexactFloat64())
	}
	return in
}

// place runs risk on one selected proposal and forwards approvals to
// execution.
func (e *Evaluator) place(ctx context.Context, p *types.TradeProposal, snap *state.TradingState, now time.Time) {
	e.bus.Publish(events.KindTradeProposed, &events.TradeProposedPayload{Proposal: *p}, nil)

	filters, err := e.ex.Filters(ctx, p.Symbol)
	if err != nil {
		e.logger.Warn("Filters unavailable, skipping proposal",
			zap.String("symbol", p.Symbol), zap.Error(err))
		return
	}

	check := e.riskEngine.Evaluate(snap, p, filters, now)
	if !check.Approved {
		e.bus.Publish(events.KindRiskRejected, &events.RiskRejectedPayload{
			Symbol:  p.Symbol,
			TradeID: p.TradeID,
			Reasons: check.Reasons,
		}, nil)
		return
	}
	e.bus.Publish(events.KindRiskApproved, &events.RiskApprovedPayload{
		Proposal:         *p,
		AdjustedQuantity: check.AdjustedQuantity,
		AdjustedLeverage: check.AdjustedLeverage,
		Notes:            check.Reasons,
	}, nil)

	if err := e.exec.PlaceEntry(ctx, p, check.AdjustedQuantity, check.AdjustedLeverage); err != nil {
		e.logger.Error("Entry placement failed",
			zap.String("symbol", p.Symbol), zap.Error(err))
	}
}

func newsLevel(snap *state.TradingState, symbol string, now time.Time) types.NewsRiskLevel {
	if flag, ok := snap.NewsRiskFlags[symbol]; ok && flag.Active(now) {
		return flag.Level
	}
	return types.NewsRiskLow
}

func lastBarOpen(bars []types.OHLCV) time.Time {
	if len(bars) == 0 {
		return time.Time{}
	}
	return bars[len(bars)-1].Timestamp
}
