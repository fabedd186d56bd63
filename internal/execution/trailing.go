package execution

import (
	"context"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/pkg/types"
	"github.com/nautilus-trade/perpcore/pkg/utils"
)

// UpdateTrailing ratchets protective stops toward price for every open
// position whose favorable excursion has armed the trail. prices maps
// symbol to the latest mark or last price. The stop only ever tightens,
// and only when the improvement is at least one tick.
func (e *Engine) UpdateTrailing(ctx context.Context, prices map[string]decimal.Decimal) {
	snap := e.states.Snapshot()
	for symbol, pos := range snap.Positions {
		price, ok := prices[symbol]
		if !ok || price.IsZero() {
			continue
		}
		e.trailOne(ctx, pos, price)
	}
}

func (e *Engine) trailOne(ctx context.Context, pos *types.Position, price decimal.Decimal) {
	if pos.EntryATR.IsZero() || pos.StopClientOrderID == "" {
		return
	}

	// Ratchet the high-water mark first. LONG tracks the highest price
	// seen, SHORT the lowest.
	updated := false
	if pos.Side == types.PositionSideLong {
		if price.GreaterThan(pos.HighWater) {
			pos.HighWater = price
			updated = true
		}
	} else {
		if pos.HighWater.IsZero() || price.LessThan(pos.HighWater) {
			pos.HighWater = price
			updated = true
		}
	}

	armDistance := pos.EntryATR.Mul(e.cfg.TrailingStartATR)
	var excursion decimal.Decimal
	if pos.Side == types.PositionSideLong {
		excursion = pos.HighWater.Sub(pos.EntryPrice)
	} else {
		excursion = pos.EntryPrice.Sub(pos.HighWater)
	}
	if excursion.LessThan(armDistance) {
		if updated {
			e.bus.Publish(events.KindPositionUpdated, &events.PositionUpdatedPayload{Position: *pos}, nil)
		}
		return
	}

	filters, err := e.filtersFor(ctx, pos.Symbol)
	if err != nil {
		e.logger.Warn("Trailing skipped, filters unavailable",
			zap.String("symbol", pos.Symbol), zap.Error(err))
		return
	}
	trailDistance := pos.EntryATR.Mul(e.cfg.TrailingDistanceATR)
	var candidate decimal.Decimal
	if pos.Side == types.PositionSideLong {
		candidate = filters.RoundPrice(pos.HighWater.Sub(trailDistance))
	} else {
		candidate = filters.RoundPrice(pos.HighWater.Add(trailDistance))
	}
	if !improvesByTick(pos.Side, candidate, pos.StopPrice, filters.TickSize) {
		if updated {
			e.bus.Publish(events.KindPositionUpdated, &events.PositionUpdatedPayload{Position: *pos}, nil)
		}
		return
	}

	if err := e.replaceStop(ctx, pos, filters, candidate); err != nil {
		e.pause(types.ReasonTrailingFailed, pos.Symbol, err.Error())
		return
	}
	e.bus.Publish(events.KindPositionUpdated, &events.PositionUpdatedPayload{Position: *pos}, nil)
}

// improvesByTick reports whether candidate tightens the stop by at
// least one tick in the protective direction.
func improvesByTick(side types.PositionSide, candidate, current, tick decimal.Decimal) bool {
	if current.IsZero() {
		return true
	}
	if side == types.PositionSideLong {
		return candidate.Sub(current).GreaterThanOrEqual(tick)
	}
	return current.Sub(candidate).GreaterThanOrEqual(tick)
}

// replaceStop cancels the live stop and places a tighter one. The brief
// unprotected window is why any failure here pauses trading.
func (e *Engine) replaceStop(ctx context.Context, pos *types.Position, filters types.SymbolFilters, stopPrice decimal.Decimal) error {
	if err := e.ex.CancelOrder(ctx, pos.Symbol, pos.StopClientOrderID); err != nil && !exchange.IsUnknownOrder(err) {
		return err
	}
	e.bus.Publish(events.KindOrderCancelled, &events.OrderCancelledPayload{
		ClientOrderID: pos.StopClientOrderID,
		Symbol:        pos.Symbol,
		Reason:        "trailing replace",
	}, nil)

	e.mu.Lock()
	e.trailCounter[pos.Symbol]++
	n := e.trailCounter[pos.Symbol]
	e.mu.Unlock()
	stopID := utils.TrailingStopOrderID(pos.Symbol, string(pos.Side), n)

	req := &exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          types.OrderTypeStopMarket,
		Quantity:      pos.Quantity,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
		ClientOrderID: stopID,
	}
	if _, err := e.placeWithRetry(ctx, req); err != nil {
		return err
	}
	e.bus.Publish(events.KindOrderPlaced, &events.OrderPlacedPayload{Order: types.Order{
		ClientOrderID: stopID,
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          types.OrderTypeStopMarket,
		Quantity:      pos.Quantity,
		StopPrice:     stopPrice,
		ReduceOnly:    true,
		Status:        types.OrderStatusOpen,
	}}, nil)
	pos.StopClientOrderID = stopID
	pos.StopPrice = stopPrice
	return nil
}
