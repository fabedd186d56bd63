package execution

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// microstructureGate runs the pre-trade spread and slippage checks.
// Missing market data fails open: a trade is never rejected solely
// because the ticker could not be fetched, but the failure is recorded
// in the event metadata.
func (e *Engine) microstructureGate(ctx context.Context, p *types.TradeProposal) (map[string]string, []types.ReasonTag) {
	meta := map[string]string{}
	var rejections []types.ReasonTag

	ticker, err := e.ex.BookTicker(ctx, p.Symbol)
	if err != nil {
		e.logger.Warn("Ticker fetch failed, passing spread gate open",
			zap.String("symbol", p.Symbol), zap.Error(err))
		meta["ticker_error"] = err.Error()
	} else if !ticker.Mid().IsZero() {
		spread := ticker.SpreadPct()
		meta["bid"] = ticker.BidPrice.String()
		meta["ask"] = ticker.AskPrice.String()
		meta["spread_pct"] = spread.String()

		threshold := e.spreadThreshold(p)
		meta["spread_threshold_pct"] = threshold.String()
		if spread.GreaterThan(threshold) {
			rejections = append(rejections, types.ReasonSpreadTooWide)
		}
	}

	mark, err := e.ex.MarkPrice(ctx, p.Symbol)
	if err != nil {
		e.logger.Warn("Mark price fetch failed, passing slippage gate open",
			zap.String("symbol", p.Symbol), zap.Error(err))
		meta["mark_error"] = err.Error()
	} else if !mark.IsZero() {
		slip := mark.Sub(p.EntryPrice).Abs().Div(mark).Mul(decimal.NewFromInt(100))
		meta["mark"] = mark.String()
		meta["slippage_pct"] = slip.String()
		if slip.GreaterThan(e.cfg.MaxSlippagePct) {
			rejections = append(rejections, types.ReasonSlippageExceeded)
		}
	}

	return meta, rejections
}

// spreadThreshold picks the spread cap. With dynamic thresholds enabled
// the ATR%% of the proposal selects the calm, normal or volatile bucket;
// otherwise the fixed cap applies.
func (e *Engine) spreadThreshold(p *types.TradeProposal) decimal.Decimal {
	ds := e.cfg.DynamicSpread
	if !ds.Enabled || p.ATR.IsZero() || p.EntryPrice.IsZero() {
		return e.cfg.MaxSpreadPct
	}
	atrPct := p.ATR.Div(p.EntryPrice).Mul(decimal.NewFromInt(100))
	switch {
	case atrPct.LessThan(ds.CalmATRPct):
		return ds.CalmPct
	case atrPct.GreaterThan(ds.VolatileATRPct):
		return ds.VolatilePct
	default:
		return ds.NormalPct
	}
}
