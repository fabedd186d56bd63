package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/pkg/types"
	"github.com/nautilus-trade/perpcore/pkg/utils"
)

// CheckEntryTimeouts runs the configured deadline action on every
// pending entry whose deadline has passed. An unlimited-mode entry has
// a zero deadline and is never touched here.
func (e *Engine) CheckEntryTimeouts(ctx context.Context, now time.Time) {
	for _, pe := range e.store.All() {
		if pe.Deadline.IsZero() || now.Before(pe.Deadline) {
			continue
		}
		e.expireEntry(ctx, pe, now)
	}
}

func (e *Engine) expireEntry(ctx context.Context, pe *types.PendingEntry, now time.Time) {
	e.logger.Info("Entry deadline reached",
		zap.String("symbol", pe.Symbol),
		zap.String("clientOrderId", pe.ClientOrderID),
		zap.String("action", string(e.cfg.TimeoutAction)))

	if err := e.ex.CancelOrder(ctx, pe.Symbol, pe.ClientOrderID); err != nil && !exchange.IsUnknownOrder(err) {
		// Leave it for the next sweep or reconciliation rather than
		// lose track of a working order.
		e.logger.Warn("Timeout cancel failed", zap.String("clientOrderId", pe.ClientOrderID), zap.Error(err))
		return
	}

	switch e.cfg.TimeoutAction {
	case types.TimeoutActionConvertMarket:
		e.convertEntry(ctx, pe, types.OrderTypeMarket, now)
	case types.TimeoutActionConvertStop:
		e.convertEntry(ctx, pe, types.OrderTypeStopMarket, now)
	default:
		e.bus.Publish(events.KindOrderExpired, &events.OrderExpiredPayload{
			ClientOrderID: pe.ClientOrderID,
			Symbol:        pe.Symbol,
			Reason:        types.ReasonTimeout,
		}, nil)
		if err := e.store.Remove(pe.ClientOrderID); err != nil {
			e.logger.Error("Failed to remove expired pending entry", zap.Error(err))
		}
		e.metrics.expired++
	}
}

// convertEntry replaces a timed-out limit entry with a market or
// stop-market order carrying the original id lineage. The original
// stop distance and quantity are preserved.
func (e *Engine) convertEntry(ctx context.Context, pe *types.PendingEntry, ot types.OrderType, now time.Time) {
	e.bus.Publish(events.KindOrderCancelled, &events.OrderCancelledPayload{
		ClientOrderID: pe.ClientOrderID,
		Symbol:        pe.Symbol,
		Reason:        "timeout convert",
	}, nil)

	lineage := pe.OriginalClientOrderID
	if lineage == "" {
		lineage = pe.ClientOrderID
	}
	newID := utils.ConvertedOrderID(pe.ClientOrderID, now)

	next := *pe
	next.ClientOrderID = newID
	next.OriginalClientOrderID = lineage
	next.AttemptCount = pe.AttemptCount + 1
	next.State = types.PendingEntryPlaced
	next.CreatedAt = now
	next.Deadline = e.entryDeadline(now, pe.CandleTimestamp)

	req := &exchange.OrderRequest{
		Symbol:        pe.Symbol,
		Side:          pe.Side.EntrySide(),
		Type:          ot,
		Quantity:      pe.Quantity,
		ClientOrderID: newID,
	}
	if ot == types.OrderTypeStopMarket {
		// Entry trigger at the original intended price, not reduce-only.
		req.StopPrice = pe.EntryPrice
	}

	e.bus.Publish(events.KindOrderPlaced, &events.OrderPlacedPayload{
		Order: types.Order{
			ClientOrderID: newID,
			Symbol:        pe.Symbol,
			Side:          req.Side,
			Type:          ot,
			Quantity:      pe.Quantity,
			StopPrice:     req.StopPrice,
			Status:        types.OrderStatusPlaced,
			CreatedAt:     now,
		},
		Pending: &next,
	}, nil)

	if err := e.store.Remove(pe.ClientOrderID); err != nil {
		e.logger.Error("Failed to remove converted pending entry", zap.Error(err))
	}
	if err := e.store.Save(&next); err != nil {
		e.logger.Error("Failed to persist converted pending entry", zap.Error(err))
	}

	if _, err := e.placeWithRetry(ctx, req); err != nil {
		e.bus.Publish(events.KindOrderExpired, &events.OrderExpiredPayload{
			ClientOrderID: newID,
			Symbol:        pe.Symbol,
			Reason:        types.ReasonPlacementFailed,
		}, nil)
		if rerr := e.store.Remove(newID); rerr != nil {
			e.logger.Error("Failed to remove failed conversion", zap.Error(rerr))
		}
		e.metrics.expired++
	}
}
