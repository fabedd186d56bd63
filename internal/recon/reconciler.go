// Package recon compares internal state against exchange truth. The
// reconciler runs at startup and on a slow cadence; the watchdog runs
// on a fast cadence and only checks protective orders.
package recon

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/internal/execution"
	"github.com/nautilus-trade/perpcore/internal/pending"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// equityTolerance is the relative equity divergence reported as drift.
var equityTolerance = decimal.NewFromFloat(0.05)

// Reconciler detects drift between the ledger-derived state and the
// venue. Drift is reported and pauses trading; it is never self-healed.
// Pending entries are the exception: their order status is resolved by
// ingesting what the venue says actually happened.
type Reconciler struct {
	logger *zap.Logger
	bus    *events.Bus
	ex     exchange.Exchange
	states *state.Manager
	store  *pending.Store
	exec   *execution.Engine
}

func NewReconciler(logger *zap.Logger, bus *events.Bus, ex exchange.Exchange, states *state.Manager, store *pending.Store, exec *execution.Engine) *Reconciler {
	return &Reconciler{
		logger: logger.Named("reconciler"),
		bus:    bus,
		ex:     ex,
		states: states,
		store:  store,
		exec:   exec,
	}
}

// Reconcile runs one full pass: resolve pending entries first so fills
// that happened while we were down open positions before the position
// comparison, then compare positions and equity.
func (r *Reconciler) Reconcile(ctx context.Context, now time.Time) error {
	if err := r.resolvePending(ctx); err != nil {
		return err
	}

	var details []string
	posDrift, err := r.comparePositions(ctx)
	if err != nil {
		return err
	}
	details = append(details, posDrift...)

	if d := r.compareEquity(ctx); d != "" {
		details = append(details, d)
	}

	r.bus.Publish(events.KindReconciliationCompleted, &events.ReconciliationCompletedPayload{
		DriftsFound: len(details),
		Details:     details,
		CompletedAt: now,
	}, nil)

	if len(details) > 0 {
		r.logger.Warn("Reconciliation drift", zap.Strings("details", details))
		r.bus.Publish(events.KindManualInterventionDetected, &events.ManualInterventionDetectedPayload{
			Reason: types.ReasonReconciliationDrift,
			Detail: fmt.Sprintf("%d drift(s): %v", len(details), details),
		}, nil)
	}
	return nil
}

// resolvePending queries the venue for every persisted pending entry and
// ingests the authoritative outcome. Orders still open are retained.
func (r *Reconciler) resolvePending(ctx context.Context) error {
	for _, pe := range r.store.All() {
		order, err := r.ex.GetOrder(ctx, pe.Symbol, pe.ClientOrderID)
		if err != nil {
			if exchange.IsUnknownOrder(err) {
				r.discard(ctx, pe, "order unknown to venue")
				continue
			}
			return fmt.Errorf("query pending %s: %w", pe.ClientOrderID, err)
		}

		switch order.Status {
		case types.OrderStatusOpen, types.OrderStatusPlaced, types.OrderStatusPartiallyFilled:
			// Still working. Partial progress arrives via the stream.
		case types.OrderStatusFilled:
			r.logger.Info("Ingesting fill found during reconciliation",
				zap.String("clientOrderId", pe.ClientOrderID),
				zap.String("symbol", pe.Symbol),
			)
			r.exec.HandleOrderUpdate(ctx, syntheticFill(order))
		default:
			r.discard(ctx, pe, "order "+string(order.Status))
		}
	}
	return nil
}

func (r *Reconciler) discard(ctx context.Context, pe *types.PendingEntry, detail string) {
	r.logger.Info("Discarding stale pending entry",
		zap.String("clientOrderId", pe.ClientOrderID),
		zap.String("detail", detail),
	)
	r.exec.HandleOrderUpdate(ctx, exchange.OrderUpdate{
		ClientOrderID: pe.ClientOrderID,
		Symbol:        pe.Symbol,
		Status:        types.OrderStatusCancelled,
		EventTime:     time.Now().UTC(),
	})
}

// syntheticFill rebuilds the execution report the stream would have
// delivered for a terminal fill.
func syntheticFill(o *types.Order) exchange.OrderUpdate {
	price := o.AvgFillPrice
	if price.IsZero() {
		price = o.Price
	}
	return exchange.OrderUpdate{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ExchangeOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Type:            o.Type,
		Status:          types.OrderStatusFilled,
		Price:           o.Price,
		Quantity:        o.Quantity,
		FilledQty:       o.FilledQty,
		LastFillQty:     o.FilledQty,
		LastFillPrice:   price,
		ReduceOnly:      o.ReduceOnly,
		EventTime:       time.Now().UTC(),
	}
}

// comparePositions reports symbols where venue and state disagree on
// existence, side, or quantity.
func (r *Reconciler) comparePositions(ctx context.Context) ([]string, error) {
	venuePositions, err := r.ex.Positions(ctx)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	venue := make(map[string]types.Position, len(venuePositions))
	for _, p := range venuePositions {
		if !p.Quantity.IsZero() {
			venue[p.Symbol] = p
		}
	}

	snap := r.states.Snapshot()
	var details []string
	for symbol, ours := range snap.Positions {
		theirs, ok := venue[symbol]
		if !ok {
			details = append(details, fmt.Sprintf("%s: open internally, flat on venue", symbol))
			continue
		}
		if theirs.Side != ours.Side {
			details = append(details, fmt.Sprintf("%s: side %s internally, %s on venue", symbol, ours.Side, theirs.Side))
		} else if !theirs.Quantity.Equal(ours.Quantity) {
			details = append(details, fmt.Sprintf("%s: qty %s internally, %s on venue", symbol, ours.Quantity, theirs.Quantity))
		}
		delete(venue, symbol)
	}
	for symbol := range venue {
		details = append(details, fmt.Sprintf("%s: open on venue, unknown internally", symbol))
	}
	sort.Strings(details)
	return details, nil
}

// compareEquity reports a relative divergence beyond tolerance. Venue
// balance includes unrealized PnL so a margin is allowed.
func (r *Reconciler) compareEquity(ctx context.Context) string {
	balance, err := r.ex.Balance(ctx)
	if err != nil {
		r.logger.Warn("Balance query failed", zap.Error(err))
		return ""
	}
	equity := r.states.Snapshot().Equity
	if equity.IsZero() {
		return ""
	}
	diff := balance.Sub(equity).Abs().Div(equity)
	if diff.GreaterThan(equityTolerance) {
		return fmt.Sprintf("equity %s internally, balance %s on venue", equity, balance)
	}
	return ""
}
