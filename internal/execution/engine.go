// Package execution owns the order lifecycle: entry placement with the
// pre-trade microstructure gate, protective-order attachment, trailing
// stop maintenance, timeout handling and fill ingestion. The engine is
// venue-agnostic; in paper mode its Exchange is the simulator.
package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/internal/pending"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/pkg/types"
	"github.com/nautilus-trade/perpcore/pkg/utils"
)

// Engine executes approved proposals and maintains their protective
// orders through the position lifecycle.
type Engine struct {
	logger *zap.Logger
	bus    *events.Bus
	ex     exchange.Exchange
	store  *pending.Store
	states *state.Manager
	cfg    types.ExecutionConfig
	tf     types.Timeframe

	mu      sync.Mutex
	filters map[string]types.SymbolFilters
	// settingsDone tracks symbols whose account settings are confirmed.
	settingsDone map[string]int
	// trailCounter numbers successive trailing replacements per symbol.
	trailCounter map[string]int

	metrics struct {
		placed   int64
		rejected int64
		expired  int64
	}
}

// NewEngine creates an execution engine.
func NewEngine(logger *zap.Logger, bus *events.Bus, ex exchange.Exchange, store *pending.Store, states *state.Manager, cfg types.ExecutionConfig, tf types.Timeframe) *Engine {
	return &Engine{
		logger:       logger.Named("execution"),
		bus:          bus,
		ex:           ex,
		store:        store,
		states:       states,
		cfg:          cfg,
		tf:           tf,
		filters:      make(map[string]types.SymbolFilters),
		settingsDone: make(map[string]int),
		trailCounter: make(map[string]int),
	}
}

// PlaceEntry places the entry order for an approved proposal. A pending
// entry already working the same (symbol, candle) bar makes this a
// no-op: the in-flight order owns that signal.
func (e *Engine) PlaceEntry(ctx context.Context, p *types.TradeProposal, qty decimal.Decimal, leverage int) error {
	if existing := e.store.FindByBar(p.Symbol, p.CandleTimestamp); existing != nil {
		e.logger.Debug("Entry already working for bar",
			zap.String("symbol", p.Symbol),
			zap.String("clientOrderId", existing.ClientOrderID),
		)
		return nil
	}

	e.ensureAccountSettings(ctx, p.Symbol, leverage)

	meta, rejections := e.microstructureGate(ctx, p)
	if len(rejections) > 0 {
		e.metrics.rejected++
		e.bus.Publish(events.KindRiskRejected, &events.RiskRejectedPayload{
			Symbol:  p.Symbol,
			TradeID: p.TradeID,
			Reasons: rejections,
		}, meta)
		return nil
	}

	filters, err := e.filtersFor(ctx, p.Symbol)
	if err != nil {
		return fmt.Errorf("filters for %s: %w", p.Symbol, err)
	}
	price := filters.RoundPrice(p.EntryPrice)
	now := time.Now().UTC()
	clientID := utils.EntryOrderID(p.Symbol, string(p.Side.EntrySide()), now)

	pe := &types.PendingEntry{
		ClientOrderID:   clientID,
		TradeID:         p.TradeID,
		Symbol:          p.Symbol,
		Side:            p.Side,
		EntryPrice:      price,
		StopPrice:       filters.RoundPrice(p.StopPrice),
		TakeProfit:      filters.RoundPrice(p.TakeProfit),
		Quantity:        qty,
		Leverage:        leverage,
		ATR:             p.ATR,
		State:           types.PendingEntryPlaced,
		CandleTimestamp: p.CandleTimestamp,
		CreatedAt:       now,
		Deadline:        e.entryDeadline(now, p.CandleTimestamp),
	}

	order := types.Order{
		ClientOrderID: clientID,
		Symbol:        p.Symbol,
		Side:          p.Side.EntrySide(),
		Type:          types.OrderTypeLimit,
		Quantity:      qty,
		Price:         price,
		Status:        types.OrderStatusPlaced,
		CreatedAt:     now,
	}
	if _, err := e.bus.Publish(events.KindOrderPlaced, &events.OrderPlacedPayload{
		Order:   order,
		Pending: pe,
	}, meta); err != nil {
		return err
	}
	if err := e.store.Save(pe); err != nil {
		return fmt.Errorf("persist pending entry: %w", err)
	}

	req := &exchange.OrderRequest{
		Symbol:        p.Symbol,
		Side:          order.Side,
		Type:          types.OrderTypeLimit,
		Quantity:      qty,
		Price:         price,
		ClientOrderID: clientID,
	}
	if _, err := e.placeWithRetry(ctx, req); err != nil {
		e.metrics.expired++
		e.logger.Error("Entry placement failed terminally",
			zap.String("symbol", p.Symbol),
			zap.String("clientOrderId", clientID),
			zap.Error(err),
		)
		e.bus.Publish(events.KindOrderExpired, &events.OrderExpiredPayload{
			ClientOrderID: clientID,
			Symbol:        p.Symbol,
			Reason:        types.ReasonPlacementFailed,
		}, nil)
		if rerr := e.store.Remove(clientID); rerr != nil {
			e.logger.Error("Failed to drop pending entry", zap.Error(rerr))
		}
		return err
	}
	e.metrics.placed++
	return nil
}

// placeWithRetry submits an order, retrying transport failures with
// exponential backoff. Permanent and auth failures return immediately.
func (e *Engine) placeWithRetry(ctx context.Context, req *exchange.OrderRequest) (*types.Order, error) {
	bo := &backoff.Backoff{
		Min:    e.cfg.RetryBaseDelay,
		Max:    e.cfg.RetryMaxDelay,
		Jitter: true,
	}
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(bo.Duration()):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		order, err := e.ex.PlaceOrder(ctx, req)
		if err == nil {
			return order, nil
		}
		lastErr = err
		if !exchange.Retryable(err) {
			return nil, err
		}
		e.logger.Warn("Order placement retry",
			zap.String("clientOrderId", req.ClientOrderID),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

// ensureAccountSettings applies position mode, margin type and leverage.
// All three are idempotent on the venue; each result is recorded as an
// event. Repeat calls for a symbol at the same leverage are skipped.
func (e *Engine) ensureAccountSettings(ctx context.Context, symbol string, leverage int) {
	e.mu.Lock()
	if lev, ok := e.settingsDone[symbol]; ok && lev == leverage {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	apply := func(setting, value string, fn func() error) bool {
		if err := fn(); err != nil {
			e.bus.Publish(events.KindAccountSettingFailed, &events.AccountSettingFailedPayload{
				Symbol: symbol, Setting: setting, Error: err.Error(),
			}, nil)
			return false
		}
		e.bus.Publish(events.KindAccountSettingUpdated, &events.AccountSettingUpdatedPayload{
			Symbol: symbol, Setting: setting, Value: value,
		}, nil)
		return true
	}

	ok := apply("position_mode", e.cfg.PositionMode, func() error {
		return e.ex.SetPositionMode(ctx, e.cfg.PositionMode != "HEDGE")
	})
	ok = apply("margin_type", e.cfg.MarginType, func() error {
		return e.ex.SetMarginType(ctx, symbol, e.cfg.MarginType)
	}) && ok
	ok = apply("leverage", fmt.Sprintf("%d", leverage), func() error {
		return e.ex.SetLeverage(ctx, symbol, leverage)
	}) && ok

	if ok {
		e.mu.Lock()
		e.settingsDone[symbol] = leverage
		e.mu.Unlock()
	}
}

// filtersFor returns cached symbol filters, fetching on first use.
func (e *Engine) filtersFor(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	e.mu.Lock()
	if f, ok := e.filters[symbol]; ok {
		e.mu.Unlock()
		return f, nil
	}
	e.mu.Unlock()

	f, err := e.ex.Filters(ctx, symbol)
	if err != nil {
		return types.SymbolFilters{}, err
	}
	e.mu.Lock()
	e.filters[symbol] = f
	e.mu.Unlock()
	return f, nil
}

// entryDeadline computes when an unfilled entry order is acted on.
func (e *Engine) entryDeadline(now, candleTS time.Time) time.Time {
	switch e.cfg.EntryTimeoutMode {
	case types.TimeoutModeFixed:
		return now.Add(time.Duration(e.cfg.EntryTimeoutSec) * time.Second)
	case types.TimeoutModeTimeframe:
		return e.tf.NextBarClose(now)
	default: // unlimited, bounded by the hard cap
		return now.Add(time.Duration(e.cfg.EntryMaxDurationSec) * time.Second)
	}
}

// pause emits a manual-intervention event; the reducer flips the review
// flag which stops the strategy loop.
func (e *Engine) pause(reason types.ReasonTag, symbol, detail string) {
	e.logger.Error("Pausing trading",
		zap.String("reason", string(reason)),
		zap.String("symbol", symbol),
		zap.String("detail", detail),
	)
	e.bus.Publish(events.KindManualInterventionDetected, &events.ManualInterventionDetectedPayload{
		Reason: reason,
		Symbol: symbol,
		Detail: detail,
	}, nil)
}
