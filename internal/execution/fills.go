package execution

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/pkg/types"
	"github.com/nautilus-trade/perpcore/pkg/utils"
)

// HandleOrderUpdate ingests one execution report, from the user stream
// in live mode or from the simulator in paper mode. Reports are
// processed in arrival order.
func (e *Engine) HandleOrderUpdate(ctx context.Context, u exchange.OrderUpdate) {
	switch u.Status {
	case types.OrderStatusFilled:
		e.handleFilled(ctx, u)
	case types.OrderStatusPartiallyFilled:
		e.handlePartial(ctx, u)
	case types.OrderStatusCancelled:
		e.bus.Publish(events.KindOrderCancelled, &events.OrderCancelledPayload{
			ClientOrderID: u.ClientOrderID,
			Symbol:        u.Symbol,
		}, nil)
		e.dropPending(u.ClientOrderID)
	case types.OrderStatusExpired:
		e.bus.Publish(events.KindOrderExpired, &events.OrderExpiredPayload{
			ClientOrderID: u.ClientOrderID,
			Symbol:        u.Symbol,
			Reason:        types.ReasonTimeout,
		}, nil)
		e.dropPending(u.ClientOrderID)
	}
}

func (e *Engine) handleFilled(ctx context.Context, u exchange.OrderUpdate) {
	price := u.LastFillPrice
	if price.IsZero() {
		price = u.Price
	}
	pe := e.store.Get(u.ClientOrderID)
	tradeID := ""
	if pe != nil {
		tradeID = pe.TradeID
	}

	if u.ReduceOnly {
		e.closeFromFill(ctx, u, price)
		return
	}

	e.bus.Publish(events.KindOrderFilled, &events.OrderFilledPayload{
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Price:         price,
		Quantity:      u.FilledQty,
		TradeID:       tradeID,
		FilledAt:      u.EventTime,
	}, nil)

	if pe == nil {
		// A fill for an order the store does not know is drift.
		e.pause(types.ReasonUnexpectedFill, u.Symbol, "fill for unknown client order id "+u.ClientOrderID)
		return
	}
	if err := e.store.Remove(u.ClientOrderID); err != nil {
		e.logger.Error("Failed to remove completed pending entry", zap.Error(err))
	}
	e.finalizeOpen(ctx, u.Symbol)
}

func (e *Engine) handlePartial(ctx context.Context, u exchange.OrderUpdate) {
	price := u.LastFillPrice
	if price.IsZero() {
		price = u.Price
	}
	e.bus.Publish(events.KindOrderPartialFill, &events.OrderPartialFillPayload{
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Price:         price,
		Quantity:      u.LastFillQty,
		CumFilled:     u.FilledQty,
		ReduceOnly:    u.ReduceOnly,
		FilledAt:      u.EventTime,
	}, nil)

	if u.ReduceOnly {
		return
	}
	if pe := e.store.Get(u.ClientOrderID); pe != nil {
		pe.State = types.PendingEntryOpen
		if err := e.store.Save(pe); err != nil {
			e.logger.Error("Failed to persist pending entry state", zap.Error(err))
		}
	}
	// Protective orders track the currently-filled quantity.
	e.finalizeOpen(ctx, u.Symbol)
}

// finalizeOpen publishes the authoritative position snapshot and
// attaches (or resizes) its protective orders.
func (e *Engine) finalizeOpen(ctx context.Context, symbol string) {
	snap := e.states.Snapshot()
	pos, ok := snap.Positions[symbol]
	if !ok {
		e.logger.Warn("Fill without a reduced position", zap.String("symbol", symbol))
		return
	}
	firstOpen := pos.StopClientOrderID == ""
	if firstOpen {
		e.bus.Publish(events.KindPositionOpened, &events.PositionOpenedPayload{Position: *pos}, nil)
	}
	e.attachProtective(ctx, pos, firstOpen)
}

// RestoreProtective re-places the protective orders for an open position
// whose expected orders are absent from the venue. The stale ids are
// dropped so the attach path places fresh orders instead of cancelling
// ghosts.
func (e *Engine) RestoreProtective(ctx context.Context, symbol string) error {
	snap := e.states.Snapshot()
	pos, ok := snap.Positions[symbol]
	if !ok {
		return fmt.Errorf("no open position for %s", symbol)
	}
	pos.StopClientOrderID = ""
	pos.TPClientOrderID = ""
	e.attachProtective(ctx, pos, false)
	return nil
}

// attachProtective places the reduce-only stop and optional partial
// take-profit sized to the currently-filled quantity. On resize the old
// orders are cancelled first. Any protective failure pauses trading.
func (e *Engine) attachProtective(ctx context.Context, pos *types.Position, firstOpen bool) {
	filters, err := e.filtersFor(ctx, pos.Symbol)
	if err != nil {
		e.pause(types.ReasonProtectiveStopFailed, pos.Symbol, "filters unavailable: "+err.Error())
		return
	}
	now := time.Now().UTC()
	closeSide := pos.Side.Opposite()

	if !firstOpen && pos.StopClientOrderID != "" {
		if err := e.ex.CancelOrder(ctx, pos.Symbol, pos.StopClientOrderID); err != nil {
			e.pause(types.ReasonProtectiveStopFailed, pos.Symbol, "resize cancel failed: "+err.Error())
			return
		}
	}

	stopID := utils.StopOrderID(pos.Symbol, string(pos.Side), now)
	stopReq := &exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          closeSide,
		Type:          types.OrderTypeStopMarket,
		Quantity:      pos.Quantity,
		StopPrice:     filters.RoundPrice(pos.StopPrice),
		ReduceOnly:    true,
		ClientOrderID: stopID,
	}
	if _, err := e.placeWithRetry(ctx, stopReq); err != nil {
		e.pause(types.ReasonProtectiveStopFailed, pos.Symbol, err.Error())
		return
	}
	e.bus.Publish(events.KindOrderPlaced, &events.OrderPlacedPayload{Order: types.Order{
		ClientOrderID: stopID,
		Symbol:        pos.Symbol,
		Side:          closeSide,
		Type:          types.OrderTypeStopMarket,
		Quantity:      pos.Quantity,
		StopPrice:     stopReq.StopPrice,
		ReduceOnly:    true,
		Status:        types.OrderStatusOpen,
		CreatedAt:     now,
	}}, nil)
	pos.StopClientOrderID = stopID

	if e.cfg.TakeProfitEnabled {
		e.attachTakeProfit(ctx, pos, filters, now)
	}

	e.bus.Publish(events.KindPositionUpdated, &events.PositionUpdatedPayload{Position: *pos}, nil)
}

func (e *Engine) attachTakeProfit(ctx context.Context, pos *types.Position, filters types.SymbolFilters, now time.Time) {
	tpPrice := pos.TakeProfit
	if tpPrice.IsZero() && !pos.EntryATR.IsZero() {
		offset := pos.EntryATR.Mul(e.cfg.TakeProfitATRMult)
		if pos.Side == types.PositionSideLong {
			tpPrice = pos.EntryPrice.Add(offset)
		} else {
			tpPrice = pos.EntryPrice.Sub(offset)
		}
	}
	if tpPrice.IsZero() {
		return
	}
	tpQty := filters.RoundQty(pos.Quantity.Mul(e.cfg.TakeProfitFraction))
	if tpQty.IsZero() {
		return
	}

	if pos.TPClientOrderID != "" {
		if err := e.ex.CancelOrder(ctx, pos.Symbol, pos.TPClientOrderID); err != nil {
			e.pause(types.ReasonProtectiveTPFailed, pos.Symbol, "resize cancel failed: "+err.Error())
			return
		}
	}
	tpID := utils.TakeProfitOrderID(pos.Symbol, string(pos.Side), now)
	req := &exchange.OrderRequest{
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          types.OrderTypeTakeProfitMarket,
		Quantity:      tpQty,
		StopPrice:     filters.RoundPrice(tpPrice),
		ReduceOnly:    true,
		ClientOrderID: tpID,
	}
	if _, err := e.placeWithRetry(ctx, req); err != nil {
		e.pause(types.ReasonProtectiveTPFailed, pos.Symbol, err.Error())
		return
	}
	e.bus.Publish(events.KindOrderPlaced, &events.OrderPlacedPayload{Order: types.Order{
		ClientOrderID: tpID,
		Symbol:        pos.Symbol,
		Side:          pos.Side.Opposite(),
		Type:          types.OrderTypeTakeProfitMarket,
		Quantity:      tpQty,
		StopPrice:     req.StopPrice,
		ReduceOnly:    true,
		Status:        types.OrderStatusOpen,
		CreatedAt:     now,
	}}, nil)
	pos.TPClientOrderID = tpID
}

// closeFromFill applies a reduce-only fill to the position: a partial
// close realizes its chunk, a full close emits PositionClosed and
// removes the surviving protective sibling.
func (e *Engine) closeFromFill(ctx context.Context, u exchange.OrderUpdate, price decimal.Decimal) {
	snap := e.states.Snapshot()
	pos, ok := snap.Positions[u.Symbol]
	if !ok {
		e.pause(types.ReasonUnexpectedFill, u.Symbol, "reduce-only fill without a position")
		return
	}

	reason := "exit"
	switch u.ClientOrderID {
	case pos.StopClientOrderID:
		reason = "stop_loss"
		e.bus.Publish(events.KindStopTriggered, &events.StopTriggeredPayload{
			Symbol:        u.Symbol,
			ClientOrderID: u.ClientOrderID,
			StopPrice:     u.Price,
		}, nil)
	case pos.TPClientOrderID:
		reason = "take_profit"
	}

	closedQty := u.LastFillQty
	if closedQty.IsZero() {
		closedQty = u.FilledQty
	}
	if closedQty.GreaterThan(pos.Quantity) {
		closedQty = pos.Quantity
	}
	chunk := chunkPnL(pos, price, closedQty)

	e.bus.Publish(events.KindOrderFilled, &events.OrderFilledPayload{
		ClientOrderID: u.ClientOrderID,
		Symbol:        u.Symbol,
		Price:         price,
		Quantity:      closedQty,
		ReduceOnly:    true,
		TradeID:       pos.TradeID,
		Reason:        reason,
		FilledAt:      u.EventTime,
	}, nil)

	if closedQty.GreaterThanOrEqual(pos.Quantity) {
		e.bus.Publish(events.KindPositionClosed, &events.PositionClosedPayload{
			Symbol:    u.Symbol,
			TradeID:   pos.TradeID,
			ExitPrice: price,
			PnL:       pos.RealizedPnL.Add(chunk),
			Reason:    reason,
			ClosedAt:  u.EventTime,
		}, nil)
		e.cancelSiblings(ctx, pos, u.ClientOrderID)
		return
	}

	// Partial close: realize the chunk and resize the stop to what
	// remains.
	pos.Quantity = pos.Quantity.Sub(closedQty)
	pos.RealizedPnL = pos.RealizedPnL.Add(chunk)
	e.bus.Publish(events.KindPositionUpdated, &events.PositionUpdatedPayload{Position: *pos}, nil)
	if u.ClientOrderID != pos.StopClientOrderID {
		e.attachProtective(ctx, pos, false)
	}
}

// cancelSiblings removes the remaining protective orders after a full
// close. A missing order is success; anything else is logged only,
// reconciliation sweeps leftovers.
func (e *Engine) cancelSiblings(ctx context.Context, pos *types.Position, filledID string) {
	for _, id := range []string{pos.StopClientOrderID, pos.TPClientOrderID} {
		if id == "" || id == filledID {
			continue
		}
		if err := e.ex.CancelOrder(ctx, pos.Symbol, id); err != nil && !exchange.IsUnknownOrder(err) {
			e.logger.Warn("Failed to cancel protective sibling",
				zap.String("clientOrderId", id), zap.Error(err))
		} else {
			e.bus.Publish(events.KindOrderCancelled, &events.OrderCancelledPayload{
				ClientOrderID: id,
				Symbol:        pos.Symbol,
				Reason:        "position closed",
			}, nil)
		}
	}
}

func (e *Engine) dropPending(clientOrderID string) {
	if e.store.Get(clientOrderID) == nil {
		return
	}
	if err := e.store.Remove(clientOrderID); err != nil {
		e.logger.Error("Failed to remove pending entry", zap.Error(err))
	}
}

func chunkPnL(pos *types.Position, price, qty decimal.Decimal) decimal.Decimal {
	if pos.Side == types.PositionSideLong {
		return price.Sub(pos.EntryPrice).Mul(qty)
	}
	return pos.EntryPrice.Sub(price).Mul(qty)
}
