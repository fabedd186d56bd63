package state

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Manager owns the TradingState and applies events to it. It subscribes
// to the bus as the first handler so downstream handlers always observe
// state that already reflects the event they are handling.
type Manager struct {
	mu     sync.RWMutex
	logger *zap.Logger
	limits types.RiskLimits
	bus    *events.Bus
	st     *TradingState

	// replaying suppresses follow-up publishes during ledger rebuild.
	replaying bool
}

// NewManager creates a state manager with the given starting equity.
func NewManager(logger *zap.Logger, limits types.RiskLimits, initialEquity decimal.Decimal) *Manager {
	return &Manager{
		logger: logger.Named("state"),
		limits: limits,
		st:     newTradingState(initialEquity),
	}
}

// Attach subscribes the reducer to the bus. Call before any other
// subscriber so reductions happen first.
func (m *Manager) Attach(bus *events.Bus) {
	m.bus = bus
	bus.Subscribe("state", m.HandleEvent)
}

// Rebuild replays the ledger into a fresh state. Follow-up events such
// as breaker triggers are already in the ledger and are not re-emitted.
func (m *Manager) Rebuild(ledger *events.Ledger, initialEquity decimal.Decimal) error {
	m.mu.Lock()
	m.st = newTradingState(initialEquity)
	m.replaying = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.replaying = false
		m.mu.Unlock()
	}()

	var applied int
	err := ledger.Replay(func(ev *events.Event) error {
		m.HandleEvent(ev)
		applied++
		return nil
	})
	if err != nil {
		return err
	}
	m.logger.Info("State rebuilt from ledger",
		zap.Int("events", applied),
		zap.Uint64("lastAppliedSequence", m.Snapshot().LastAppliedSequence),
	)
	return nil
}

// HandleEvent applies one event. Re-application of an already-applied
// sequence is a no-op.
func (m *Manager) HandleEvent(ev *events.Event) {
	if ev.Unknown {
		m.logger.Debug("Skipping unknown event kind",
			zap.String("kind", string(ev.Kind)),
			zap.Uint64("sequence", ev.Sequence),
		)
		return
	}

	m.mu.Lock()
	if ev.Sequence != 0 && ev.Sequence <= m.st.LastAppliedSequence {
		m.mu.Unlock()
		return
	}

	m.rollDay(ev.Timestamp)
	breakerCheck := m.reduce(ev)
	if ev.Sequence > m.st.LastAppliedSequence {
		m.st.LastAppliedSequence = ev.Sequence
	}

	var trigger *events.CircuitBreakerTriggeredPayload
	if breakerCheck && !m.replaying && !m.st.CircuitBreakerActive {
		trigger = m.breakerTrip()
	}
	m.mu.Unlock()

	if trigger != nil && m.bus != nil {
		m.logger.Warn("Circuit breaker tripped",
			zap.String("reason", trigger.Reason),
			zap.String("drawdown", trigger.Drawdown.String()),
			zap.Int("consecutiveLosses", trigger.ConsecutiveLosses),
		)
		m.bus.Publish(events.KindCircuitBreakerTriggered, trigger, nil)
		m.bus.Publish(events.KindManualInterventionDetected, &events.ManualInterventionDetectedPayload{
			Reason: types.ReasonStrategyPaused,
			Detail: "circuit breaker: " + trigger.Reason,
		}, nil)
	}
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() *TradingState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyState(m.st)
}

// rollDay resets the daily counters when the UTC date advances.
func (m *Manager) rollDay(ts time.Time) {
	day := ts.UTC().Format("2006-01-02")
	if day == m.st.CurrentDay {
		return
	}
	m.st.CurrentDay = day
	m.st.RealizedPnLToday = decimal.Zero
	m.st.DailyLoss = decimal.Zero
	m.st.DayStartEquity = m.st.Equity
}

// reduce applies the kind-specific reduction. The returned flag requests
// a circuit-breaker evaluation.
func (m *Manager) reduce(ev *events.Event) bool {
	st := m.st
	switch p := ev.Payload.(type) {

	case *events.UniverseUpdatedPayload:
		st.Universe = append([]string(nil), p.Symbols...)

	case *events.SymbolFilteredPayload:
		for i, s := range st.Universe {
			if s == p.Symbol {
				st.Universe = append(st.Universe[:i], st.Universe[i+1:]...)
				break
			}
		}

	case *events.NewsClassifiedPayload:
		if p.Level == types.NewsRiskLow {
			delete(st.NewsRiskFlags, p.Symbol)
		} else {
			st.NewsRiskFlags[p.Symbol] = types.NewsRiskFlag{Level: p.Level, ExpiresAt: p.ExpiresAt}
		}

	case *events.OrderPlacedPayload:
		o := p.Order
		if o.Status == "" {
			o.Status = types.OrderStatusPlaced
		}
		st.OpenOrders[o.ClientOrderID] = &o
		if p.Pending != nil {
			pe := *p.Pending
			st.PendingEntries[pe.ClientOrderID] = &pe
		}

	case *events.OrderFilledPayload:
		m.reduceFill(ev, p)

	case *events.OrderPartialFillPayload:
		m.reducePartial(p)

	case *events.OrderCancelledPayload:
		delete(st.OpenOrders, p.ClientOrderID)
		delete(st.PendingEntries, p.ClientOrderID)

	case *events.OrderExpiredPayload:
		delete(st.OpenOrders, p.ClientOrderID)
		delete(st.PendingEntries, p.ClientOrderID)

	case *events.PositionOpenedPayload:
		pos := p.Position
		st.Positions[pos.Symbol] = &pos

	case *events.PositionUpdatedPayload:
		pos := p.Position
		st.Positions[pos.Symbol] = &pos

	case *events.PositionClosedPayload:
		m.reduceClose(ev, p)
		return true

	case *events.CircuitBreakerTriggeredPayload:
		st.CircuitBreakerActive = true
		st.RequiresManualReview = true

	case *events.ManualInterventionDetectedPayload:
		st.RequiresManualReview = true

	case *events.ManualReviewAcknowledgedPayload:
		st.RequiresManualReview = false
		// The breaker only releases once its condition has receded.
		if st.CircuitBreakerActive {
			if trig, _ := m.breakerCondition(); !trig {
				st.CircuitBreakerActive = false
			} else {
				st.RequiresManualReview = true
			}
		}

	case *events.TradingPausedPayload:
		st.CooldownUntil = p.Until

	case *events.TradingResumedPayload:
		st.CooldownUntil = time.Time{}

	case *events.ReconciliationCompletedPayload:
		st.LastReconciliationTime = p.CompletedAt

	case *events.FundingUpdatePayload:
		st.FundingRates[p.Symbol] = p.Rate

	case *events.FundingSettlementPayload:
		st.Equity = st.Equity.Sub(p.Cashflow)
		if pos, ok := st.Positions[p.Symbol]; ok {
			pos.FundingPaid = pos.FundingPaid.Add(p.Cashflow)
		}
	}
	return false
}

// reduceFill handles a complete fill. Non-reduce-only fills finalize the
// entry order and open the position from its pending context when no
// explicit PositionOpened has arrived yet.
func (m *Manager) reduceFill(ev *events.Event, p *events.OrderFilledPayload) {
	st := m.st
	if o, ok := st.OpenOrders[p.ClientOrderID]; ok {
		o.Status = types.OrderStatusFilled
		o.FilledQty = o.Quantity
		o.AvgFillPrice = p.Price
		o.UpdatedAt = ev.Timestamp
	}
	delete(st.OpenOrders, p.ClientOrderID)

	if p.ReduceOnly {
		return
	}

	pe, hasPending := st.PendingEntries[p.ClientOrderID]
	if pos, open := st.Positions[p.Symbol]; open {
		// Completion of a partially-filled entry: grow the position at
		// the volume-weighted entry.
		added := p.Quantity.Sub(pos.Quantity)
		if added.IsPositive() {
			total := pos.Quantity.Add(added)
			pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(p.Price.Mul(added)).Div(total)
			pos.Quantity = total
		}
	} else if hasPending {
		st.Positions[p.Symbol] = &types.Position{
			Symbol:     p.Symbol,
			Side:       pe.Side,
			Quantity:   p.Quantity,
			EntryPrice: p.Price,
			Leverage:   pe.Leverage,
			OpenedAt:   p.FilledAt,
			StopPrice:  pe.StopPrice,
			TakeProfit: pe.TakeProfit,
			TradeID:    pe.TradeID,
			EntryATR:   pe.ATR,
			HighWater:  p.Price,
		}
	}
	delete(st.PendingEntries, p.ClientOrderID)
}

// reducePartial adjusts the order's fill accounting and grows an already
// open position. A first partial opens the position with the partial
// quantity.
func (m *Manager) reducePartial(p *events.OrderPartialFillPayload) {
	st := m.st
	if o, ok := st.OpenOrders[p.ClientOrderID]; ok {
		o.Status = types.OrderStatusPartiallyFilled
		o.FilledQty = p.CumFilled
		o.AvgFillPrice = p.Price
	}
	if p.ReduceOnly {
		return
	}
	pe, hasPending := st.PendingEntries[p.ClientOrderID]
	if pos, open := st.Positions[p.Symbol]; open {
		added := p.CumFilled.Sub(pos.Quantity)
		if added.IsPositive() {
			total := pos.Quantity.Add(added)
			pos.EntryPrice = pos.EntryPrice.Mul(pos.Quantity).Add(p.Price.Mul(added)).Div(total)
			pos.Quantity = total
		}
	} else if hasPending {
		st.Positions[p.Symbol] = &types.Position{
			Symbol:     p.Symbol,
			Side:       pe.Side,
			Quantity:   p.CumFilled,
			EntryPrice: p.Price,
			Leverage:   pe.Leverage,
			OpenedAt:   p.FilledAt,
			StopPrice:  pe.StopPrice,
			TakeProfit: pe.TakeProfit,
			TradeID:    pe.TradeID,
			EntryATR:   pe.ATR,
			HighWater:  p.Price,
		}
		pe.State = types.PendingEntryOpen
	}
}

// reduceClose applies the economic effect of a closed position exactly
// once: equity, daily counters, loss streak and cooldown.
func (m *Manager) reduceClose(ev *events.Event, p *events.PositionClosedPayload) {
	st := m.st
	delete(st.Positions, p.Symbol)

	st.Equity = st.Equity.Add(p.PnL)
	st.RealizedPnLToday = st.RealizedPnLToday.Add(p.PnL)
	if p.PnL.IsNegative() {
		st.DailyLoss = st.DailyLoss.Add(p.PnL.Neg())
		st.ConsecutiveLosses++
		if m.limits.CooldownAfterLoss > 0 {
			st.CooldownUntil = ev.Timestamp.Add(m.limits.CooldownAfterLoss)
		}
	} else if p.PnL.IsPositive() {
		st.ConsecutiveLosses = 0
	}
	if st.Equity.GreaterThan(st.PeakEquity) {
		st.PeakEquity = st.Equity
	}
}

// breakerCondition evaluates the deterministic breaker thresholds
// against the current state. Caller holds the lock.
func (m *Manager) breakerCondition() (bool, string) {
	st := m.st
	if st.PeakEquity.IsPositive() {
		dd := st.PeakEquity.Sub(st.Equity).Div(st.PeakEquity)
		if dd.GreaterThanOrEqual(m.limits.MaxDrawdownPct) {
			return true, "max_drawdown"
		}
	}
	if m.limits.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= m.limits.MaxConsecutiveLosses {
		return true, "consecutive_losses"
	}
	if st.DayStartEquity.IsPositive() {
		lossPct := st.DailyLoss.Div(st.DayStartEquity)
		if lossPct.GreaterThanOrEqual(m.limits.MaxDailyLossPct) {
			return true, "daily_loss"
		}
	}
	return false, ""
}

// breakerTrip builds the trigger payload when a condition holds, nil
// otherwise. Caller holds the lock.
func (m *Manager) breakerTrip() *events.CircuitBreakerTriggeredPayload {
	trig, reason := m.breakerCondition()
	if !trig {
		return nil
	}
	st := m.st
	dd := decimal.Zero
	if st.PeakEquity.IsPositive() {
		dd = st.PeakEquity.Sub(st.Equity).Div(st.PeakEquity)
	}
	return &events.CircuitBreakerTriggeredPayload{
		Reason:            reason,
		Drawdown:          dd,
		ConsecutiveLosses: st.ConsecutiveLosses,
		DailyLoss:         st.DailyLoss,
	}
}
