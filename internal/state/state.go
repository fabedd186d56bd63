// Package state reduces the event stream into the single TradingState
// snapshot. The reducer is the only writer; every other component reads
// point-in-time copies.
package state

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// TradingState is the reduced view of the entire ledger. It is owned by
// the Manager and mutated only inside the reducer.
type TradingState struct {
	Equity           decimal.Decimal `json:"equity"`
	PeakEquity       decimal.Decimal `json:"peakEquity"`
	RealizedPnLToday decimal.Decimal `json:"realizedPnlToday"`
	DailyLoss        decimal.Decimal `json:"dailyLoss"`
	DayStartEquity   decimal.Decimal `json:"dayStartEquity"`
	CurrentDay       string          `json:"currentDay"`

	ConsecutiveLosses int       `json:"consecutiveLosses"`
	CooldownUntil     time.Time `json:"cooldownUntil,omitempty"`

	CircuitBreakerActive bool `json:"circuitBreakerActive"`
	RequiresManualReview bool `json:"requiresManualReview"`

	LastReconciliationTime time.Time `json:"lastReconciliationTime,omitempty"`
	LastAppliedSequence    uint64    `json:"lastAppliedSequence"`

	Universe       []string                         `json:"universe"`
	Positions      map[string]*types.Position       `json:"positions"`
	OpenOrders     map[string]*types.Order          `json:"openOrders"`
	PendingEntries map[string]*types.PendingEntry   `json:"pendingEntries"`
	NewsRiskFlags  map[string]types.NewsRiskFlag    `json:"newsRiskFlags"`
	FundingRates   map[string]decimal.Decimal       `json:"fundingRates"`
}

// newTradingState returns an empty state with the given starting equity.
func newTradingState(initialEquity decimal.Decimal) *TradingState {
	return &TradingState{
		Equity:         initialEquity,
		PeakEquity:     initialEquity,
		DayStartEquity: initialEquity,
		Positions:      make(map[string]*types.Position),
		OpenOrders:     make(map[string]*types.Order),
		PendingEntries: make(map[string]*types.PendingEntry),
		NewsRiskFlags:  make(map[string]types.NewsRiskFlag),
		FundingRates:   make(map[string]decimal.Decimal),
	}
}

// Paused reports whether new proposals are blocked at time now.
func (s *TradingState) Paused(now time.Time) bool {
	return s.CircuitBreakerActive || s.RequiresManualReview || now.Before(s.CooldownUntil)
}

// PauseReason names why the strategy is paused, empty when it is not.
func (s *TradingState) PauseReason(now time.Time) string {
	switch {
	case s.CircuitBreakerActive:
		return "circuit_breaker"
	case s.RequiresManualReview:
		return "manual_review"
	case now.Before(s.CooldownUntil):
		return "cooldown"
	}
	return ""
}

// NewsBlocked reports whether the symbol carries an active HIGH flag.
func (s *TradingState) NewsBlocked(symbol string, now time.Time) bool {
	flag, ok := s.NewsRiskFlags[symbol]
	return ok && flag.Level == types.NewsRiskHigh && flag.Active(now)
}

// PendingFor returns the pending entry matching a symbol and signal bar,
// nil when none exists. Used by the entry dedup bypass.
func (s *TradingState) PendingFor(symbol string, candleTS time.Time) *types.PendingEntry {
	for _, pe := range s.PendingEntries {
		if pe.Symbol == symbol && pe.CandleTimestamp.Equal(candleTS) {
			return pe
		}
	}
	return nil
}

// copyState returns a deep copy suitable for handing to readers.
func copyState(s *TradingState) *TradingState {
	cp := *s
	cp.Universe = append([]string(nil), s.Universe...)
	cp.Positions = make(map[string]*types.Position, len(s.Positions))
	for k, v := range s.Positions {
		p := *v
		cp.Positions[k] = &p
	}
	cp.OpenOrders = make(map[string]*types.Order, len(s.OpenOrders))
	for k, v := range s.OpenOrders {
		o := *v
		cp.OpenOrders[k] = &o
	}
	cp.PendingEntries = make(map[string]*types.PendingEntry, len(s.PendingEntries))
	for k, v := range s.PendingEntries {
		pe := *v
		cp.PendingEntries[k] = &pe
	}
	cp.NewsRiskFlags = make(map[string]types.NewsRiskFlag, len(s.NewsRiskFlags))
	for k, v := range s.NewsRiskFlags {
		cp.NewsRiskFlags[k] = v
	}
	cp.FundingRates = make(map[string]decimal.Decimal, len(s.FundingRates))
	for k, v := range s.FundingRates {
		cp.FundingRates[k] = v
	}
	return &cp
}
