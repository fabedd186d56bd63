// Package risk implements the deterministic pre-trade risk gate. The
// engine is a pure function of the state snapshot and the proposal;
// identical inputs always produce identical results.
package risk

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// CheckResult is the outcome of evaluating one proposal. Reasons
// accumulate; a rejected proposal reports every failed gate, not just
// the first.
type CheckResult struct {
	Approved         bool              `json:"approved"`
	Reasons          []types.ReasonTag `json:"reasons,omitempty"`
	AdjustedLeverage int               `json:"adjustedLeverage"`
	AdjustedQuantity decimal.Decimal   `json:"adjustedQuantity"`
	CircuitBreaker   bool              `json:"circuitBreaker"`
}

// Engine applies the configured hard limits.
type Engine struct {
	limits types.RiskLimits
}

// NewEngine creates a risk engine with the given limits.
func NewEngine(limits types.RiskLimits) *Engine {
	return &Engine{limits: limits}
}

// Evaluate runs every hard limit against the proposal and sizes the
// trade. All gates run even after the first failure so the rejection
// event carries the complete reason list.
func (e *Engine) Evaluate(st *state.TradingState, proposal *types.TradeProposal, filters types.SymbolFilters, now time.Time) CheckResult {
	res := CheckResult{
		Approved:         true,
		AdjustedLeverage: proposal.Leverage,
		CircuitBreaker:   st.CircuitBreakerActive,
	}
	reject := func(tag types.ReasonTag) {
		res.Approved = false
		res.Reasons = append(res.Reasons, tag)
	}

	if st.Paused(now) {
		reject(types.ReasonStrategyPaused)
	}
	if len(st.Positions) >= e.limits.MaxPositions {
		reject(types.ReasonPositionLimit)
	}
	if _, busy := st.Positions[proposal.Symbol]; busy {
		reject(types.ReasonSymbolBusy)
	}
	if st.NewsBlocked(proposal.Symbol, now) {
		reject(types.ReasonNewsBlocked)
	}
	if e.fundingAdverse(proposal) {
		reject(types.ReasonFundingExcess)
	}
	if !e.stopDistanceValid(proposal) {
		reject(types.ReasonStopDistanceInvalid)
	}
	if res.AdjustedLeverage > e.limits.MaxLeverage {
		res.AdjustedLeverage = e.limits.MaxLeverage
		res.Reasons = append(res.Reasons, types.ReasonLeverageClamped)
	}
	if res.AdjustedLeverage < 1 {
		res.AdjustedLeverage = 1
	}

	qty := e.Size(st.Equity, proposal.EntryPrice, proposal.StopPrice, filters)
	res.AdjustedQuantity = qty
	if qty.IsZero() || qty.LessThan(filters.MinQty) ||
		qty.Mul(proposal.EntryPrice).LessThan(filters.MinNotional) {
		reject(types.ReasonSizeBelowMin)
	}

	return res
}

// Size computes the deterministic position size: the capital at risk
// divided by the stop distance, floored to the exchange step.
func (e *Engine) Size(equity, entry, stop decimal.Decimal, filters types.SymbolFilters) decimal.Decimal {
	dist := entry.Sub(stop).Abs()
	if dist.IsZero() || equity.IsNegative() || equity.IsZero() {
		return decimal.Zero
	}
	riskCapital := equity.Mul(e.limits.RiskPerTradePct)
	raw := riskCapital.Div(dist)
	return filters.RoundQty(raw)
}

// fundingAdverse reports whether the funding rate exceeds the cap in the
// direction that costs the position: positive rates cost longs, negative
// rates cost shorts.
func (e *Engine) fundingAdverse(p *types.TradeProposal) bool {
	limit := e.limits.MaxFundingRatePct
	if limit.IsZero() {
		return false
	}
	if p.Side == types.PositionSideLong {
		return p.FundingRate.GreaterThan(limit)
	}
	return p.FundingRate.Neg().GreaterThan(limit)
}

// stopDistanceValid checks that the stop sits within the allowed ATR
// band. A proposal without ATR cannot be validated and fails the gate.
func (e *Engine) stopDistanceValid(p *types.TradeProposal) bool {
	if p.ATR.IsZero() {
		return false
	}
	distATR := p.EntryPrice.Sub(p.StopPrice).Abs().Div(p.ATR)
	if distATR.LessThan(e.limits.MinStopDistanceATR) {
		return false
	}
	if distATR.GreaterThan(e.limits.MaxStopDistanceATR) {
		return false
	}
	// The stop must sit on the losing side of the entry.
	if p.Side == types.PositionSideLong && p.StopPrice.GreaterThanOrEqual(p.EntryPrice) {
		return false
	}
	if p.Side == types.PositionSideShort && p.StopPrice.LessThanOrEqual(p.EntryPrice) {
		return false
	}
	return true
}
