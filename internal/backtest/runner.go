// Package backtest replays historical bars and funding settlements
// through the same simulator and execution path paper trading uses,
// so a backtest exercises the exact live order lifecycle.
package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/data"
	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/execution"
	"github.com/nautilus-trade/perpcore/internal/paper"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/internal/strategy"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Runner drives a single replay: it merges bars and funding points into
// one chronological stream, feeds the simulator, and triggers the
// strategy cycle at every bar close past warmup.
type Runner struct {
	logger *zap.Logger
	cfg    types.BacktestConfig
	store  *data.Store
	bus    *events.Bus
	states *state.Manager
	sim    *paper.Simulator
	eval   *strategy.Evaluator
	exec   *execution.Engine

	manifest *Manifest
	report   *Report
}

// Deps carries the pre-wired pipeline components.
type Deps struct {
	Store     *data.Store
	Bus       *events.Bus
	States    *state.Manager
	Simulator *paper.Simulator
	Evaluator *strategy.Evaluator
	Executor  *execution.Engine
}

func NewRunner(logger *zap.Logger, cfg types.BacktestConfig, deps Deps) *Runner {
	return &Runner{
		logger: logger.Named("backtest"),
		cfg:    cfg,
		store:  deps.Store,
		bus:    deps.Bus,
		states: deps.States,
		sim:    deps.Simulator,
		eval:   deps.Evaluator,
		exec:   deps.Executor,
	}
}

// streamItem is one element of the merged replay stream. Exactly one of
// bar and funding is set. at is the instant the item takes effect: bar
// close for bars, settlement time for funding.
type streamItem struct {
	at      time.Time
	bar     *types.OHLCV
	funding *types.FundingPoint
}

// Run executes the replay. The returned report summarizes equity and
// trade outcomes; the manifest records what data the run consumed.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if len(r.cfg.Symbols) == 0 {
		return nil, fmt.Errorf("backtest: no symbols configured")
	}
	if !r.cfg.End.After(r.cfg.Start) {
		return nil, fmt.Errorf("backtest: end %s not after start %s", r.cfg.End, r.cfg.Start)
	}

	r.manifest = newManifest(r.cfg)
	r.report = newReport(r.states.Snapshot().Equity)
	r.trackClosures()

	stream, err := r.buildStream()
	if err != nil {
		return nil, err
	}
	if len(stream) == 0 {
		return nil, fmt.Errorf("backtest: no data in range for %v", r.cfg.Symbols)
	}

	if _, err := r.bus.Publish(events.KindUniverseUpdated, &events.UniverseUpdatedPayload{
		Symbols: r.cfg.Symbols,
	}, nil); err != nil {
		return nil, fmt.Errorf("seed universe: %w", err)
	}

	r.logger.Info("Starting replay",
		zap.Strings("symbols", r.cfg.Symbols),
		zap.String("timeframe", string(r.cfg.Timeframe)),
		zap.Int("items", len(stream)),
	)

	warmupDone := r.cfg.Start.Add(time.Duration(r.cfg.WarmupBars) * r.cfg.Timeframe.Duration())
	closes := make(map[string]decimal.Decimal, len(r.cfg.Symbols))

	i := 0
	for i < len(stream) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		// Consume every item taking effect at the same instant, bars
		// first, then funding settlements in (prev close, this close].
		at := stream[i].at
		sawBar := false
		for i < len(stream) && stream[i].at.Equal(at) {
			item := stream[i]
			i++
			if item.bar != nil {
				sawBar = true
				closes[item.bar.Symbol] = item.bar.Close
				r.sim.OnBar(*item.bar)
				r.manifest.Bars++
				continue
			}
			r.countMarkSource(item.funding)
			r.bus.Publish(events.KindFundingUpdate, &events.FundingUpdatePayload{
				Symbol: item.funding.Symbol,
				Rate:   item.funding.Rate,
			}, nil)
			r.sim.OnFunding(*item.funding)
			r.manifest.FundingPoints++
		}

		if !sawBar || at.Before(warmupDone) {
			continue
		}
		r.exec.CheckEntryTimeouts(ctx, at)
		r.exec.UpdateTrailing(ctx, closes)
		if err := r.eval.RunCycle(ctx, at); err != nil {
			r.logger.Warn("Cycle failed", zap.Time("at", at), zap.Error(err))
		}
		r.report.mark(at, r.states.Snapshot().Equity)
	}

	r.report.finish(r.states.Snapshot().Equity)
	r.manifest.FinishedAt = time.Now().UTC()
	if r.cfg.OutputDir != "" {
		if err := r.manifest.Write(r.cfg.OutputDir); err != nil {
			return nil, fmt.Errorf("write manifest: %w", err)
		}
		if err := r.report.Write(r.cfg.OutputDir); err != nil {
			return nil, fmt.Errorf("write report: %w", err)
		}
	}

	r.logger.Info("Replay complete",
		zap.Int("bars", r.manifest.Bars),
		zap.Int("trades", r.report.Trades),
		zap.String("finalEquity", r.report.FinalEquity.String()),
	)
	return r.report, nil
}

// Manifest returns the run manifest; valid after Run.
func (r *Runner) Manifest() *Manifest { return r.manifest }

// buildStream loads and merges all configured data. Bars sort before
// funding at the same instant so settlements in (t0, t1] see the bar at
// t1 already applied.
func (r *Runner) buildStream() ([]streamItem, error) {
	var stream []streamItem
	barDur := r.cfg.Timeframe.Duration()

	for _, symbol := range r.cfg.Symbols {
		bars, err := r.store.LoadBars(symbol, r.cfg.Timeframe, r.cfg.Start, r.cfg.End)
		if err != nil {
			return nil, fmt.Errorf("load bars %s: %w", symbol, err)
		}
		for i := range bars {
			stream = append(stream, streamItem{at: bars[i].Timestamp.Add(barDur), bar: &bars[i]})
		}

		points, err := r.store.LoadFunding(symbol, r.cfg.Start, r.cfg.End)
		if err != nil {
			return nil, fmt.Errorf("load funding %s: %w", symbol, err)
		}
		for i := range points {
			stream = append(stream, streamItem{at: points[i].Timestamp, funding: &points[i]})
		}
	}

	sort.SliceStable(stream, func(i, j int) bool {
		if !stream[i].at.Equal(stream[j].at) {
			return stream[i].at.Before(stream[j].at)
		}
		iBar := stream[i].bar != nil
		jBar := stream[j].bar != nil
		if iBar != jBar {
			return iBar
		}
		if iBar {
			return stream[i].bar.Symbol < stream[j].bar.Symbol
		}
		return stream[i].funding.Symbol < stream[j].funding.Symbol
	})
	return stream, nil
}

func (r *Runner) countMarkSource(p *types.FundingPoint) {
	if p.MarkPrice.IsZero() {
		r.manifest.MarkPriceSource[markSourceBarClose]++
		return
	}
	r.manifest.MarkPriceSource[markSourceSettlement]++
}

// trackClosures subscribes a counter for realized trade outcomes.
func (r *Runner) trackClosures() {
	r.bus.Subscribe("backtest-report", func(ev *events.Event) {
		if ev.Kind != events.KindPositionClosed {
			return
		}
		p, ok := ev.Payload.(*events.PositionClosedPayload)
		if !ok {
			return
		}
		r.report.Trades++
		if p.PnL.IsPositive() {
			r.report.Wins++
		} else {
			r.report.Losses++
		}
	})
}
