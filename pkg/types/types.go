// Package types provides shared type definitions for the trading core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionSide represents long or short exposure.
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Opposite returns the closing direction for the position.
func (s PositionSide) Opposite() OrderSide {
	if s == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// EntrySide returns the order side that opens a position of this side.
func (s PositionSide) EntrySide() OrderSide {
	if s == PositionSideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// OrderSide represents buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType represents the exchange order type.
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// OrderStatus represents the lifecycle state of an order.
// Terminal states (FILLED, CANCELLED, EXPIRED) are absorbing.
type OrderStatus string

const (
	OrderStatusPlaced          OrderStatus = "PLACED"
	OrderStatusOpen            OrderStatus = "OPEN"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether the status is absorbing.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusExpired
}

// Order represents an exchange order. ClientOrderID is the idempotency key
// and is unique across the ledger lifetime.
type Order struct {
	ClientOrderID   string          `json:"clientOrderId"`
	ExchangeOrderID string          `json:"exchangeOrderId,omitempty"`
	Symbol          string          `json:"symbol"`
	Side            OrderSide       `json:"side"`
	Type            OrderType       `json:"type"`
	Quantity        decimal.Decimal `json:"quantity"`
	Price           decimal.Decimal `json:"price,omitempty"`
	StopPrice       decimal.Decimal `json:"stopPrice,omitempty"`
	ReduceOnly      bool            `json:"reduceOnly"`
	Status          OrderStatus     `json:"status"`
	FilledQty       decimal.Decimal `json:"filledQty"`
	AvgFillPrice    decimal.Decimal `json:"avgFillPrice"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQty)
}

// Position represents an open perpetual-futures position.
type Position struct {
	Symbol        string          `json:"symbol"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entryPrice"`
	Leverage      int             `json:"leverage"`
	OpenedAt      time.Time       `json:"openedAt"`
	StopPrice     decimal.Decimal `json:"stopPrice,omitempty"`
	TakeProfit    decimal.Decimal `json:"takeProfit,omitempty"`
	FundingPaid   decimal.Decimal `json:"fundingPaid"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealizedPnl"`
	// HighWater tracks the maximum favorable excursion price used by the
	// trailing stop. For LONG it only rises, for SHORT it only falls.
	HighWater decimal.Decimal `json:"highWater,omitempty"`
	TradeID   string          `json:"tradeId"`
	// Protective order ids. At most one of each exists at any instant.
	StopClientOrderID string `json:"stopClientOrderId,omitempty"`
	TPClientOrderID   string `json:"tpClientOrderId,omitempty"`
	// EntryATR is the signal-time ATR carried for trailing computations.
	EntryATR decimal.Decimal `json:"entryAtr,omitempty"`
}

// PnLAt returns unrealized PnL at the given price.
func (p *Position) PnLAt(price decimal.Decimal) decimal.Decimal {
	if p.Side == PositionSideLong {
		return price.Sub(p.EntryPrice).Mul(p.Quantity)
	}
	return p.EntryPrice.Sub(price).Mul(p.Quantity)
}

// Excursion returns the favorable excursion at the given price
// (positive values are in the position's favor).
func (p *Position) Excursion(price decimal.Decimal) decimal.Decimal {
	if p.Side == PositionSideLong {
		return price.Sub(p.EntryPrice)
	}
	return p.EntryPrice.Sub(price)
}

// PendingEntryState is the lifecycle state of an in-flight entry.
type PendingEntryState string

const (
	PendingEntryPlaced PendingEntryState = "PLACED"
	PendingEntryOpen   PendingEntryState = "OPEN"
)

// PendingEntry is the durable context of an in-flight entry order.
// It survives restarts via the pending-entry store.
type PendingEntry struct {
	ClientOrderID         string            `json:"clientOrderId"`
	TradeID               string            `json:"tradeId"`
	Symbol                string            `json:"symbol"`
	Side                  PositionSide      `json:"side"`
	EntryPrice            decimal.Decimal   `json:"entryPrice"`
	StopPrice             decimal.Decimal   `json:"stopPrice"`
	TakeProfit            decimal.Decimal   `json:"takeProfit,omitempty"`
	Quantity              decimal.Decimal   `json:"quantity"`
	Leverage              int               `json:"leverage"`
	ATR                   decimal.Decimal   `json:"atr"`
	State                 PendingEntryState `json:"state"`
	CandleTimestamp       time.Time         `json:"candleTimestamp"`
	AttemptCount          int               `json:"attemptCount"`
	OriginalClientOrderID string            `json:"originalClientOrderId,omitempty"`
	CreatedAt             time.Time         `json:"createdAt"`
	Deadline              time.Time         `json:"deadline,omitempty"`
}

// NewsRiskLevel classifies news-driven risk for a symbol.
type NewsRiskLevel string

const (
	NewsRiskLow    NewsRiskLevel = "LOW"
	NewsRiskMedium NewsRiskLevel = "MEDIUM"
	NewsRiskHigh   NewsRiskLevel = "HIGH"
)

// NewsRiskFlag is a per-symbol risk flag with an expiry.
type NewsRiskFlag struct {
	Level     NewsRiskLevel `json:"level"`
	ExpiresAt time.Time     `json:"expiresAt"`
}

// Active reports whether the flag is still in force at t.
func (f NewsRiskFlag) Active(t time.Time) bool {
	return t.Before(f.ExpiresAt)
}

// TradeProposal is produced by the signal layer and consumed by the risk
// engine and execution engine.
type TradeProposal struct {
	Symbol          string          `json:"symbol"`
	Side            PositionSide    `json:"side"`
	EntryPrice      decimal.Decimal `json:"entryPrice"`
	StopPrice       decimal.Decimal `json:"stopPrice"`
	TakeProfit      decimal.Decimal `json:"takeProfit,omitempty"`
	ATR             decimal.Decimal `json:"atr"`
	Leverage        int             `json:"leverage"`
	CompositeScore  float64         `json:"compositeScore"`
	FundingRate     decimal.Decimal `json:"fundingRate"`
	NewsRisk        NewsRiskLevel   `json:"newsRisk"`
	FundingScore    float64         `json:"fundingScore"`
	LiquidityScore  float64         `json:"liquidityScore"`
	TradeID         string          `json:"tradeId"`
	CandleTimestamp time.Time       `json:"candleTimestamp"`
}

// SymbolFilters are the exchange trading rules for a symbol.
type SymbolFilters struct {
	Symbol      string          `json:"symbol"`
	StepSize    decimal.Decimal `json:"stepSize"`
	TickSize    decimal.Decimal `json:"tickSize"`
	MinQty      decimal.Decimal `json:"minQty"`
	MinNotional decimal.Decimal `json:"minNotional"`
}

// RoundQty rounds a quantity down to the step size.
func (f SymbolFilters) RoundQty(qty decimal.Decimal) decimal.Decimal {
	if f.StepSize.IsZero() {
		return qty
	}
	steps := qty.Div(f.StepSize).Floor()
	return steps.Mul(f.StepSize)
}

// RoundPrice rounds a price down to the tick size.
func (f SymbolFilters) RoundPrice(price decimal.Decimal) decimal.Decimal {
	if f.TickSize.IsZero() {
		return price
	}
	ticks := price.Div(f.TickSize).Floor()
	return ticks.Mul(f.TickSize)
}

// ReasonTag is a machine-readable rejection or diagnostic tag carried on
// risk results and events.
type ReasonTag string

const (
	ReasonStrategyPaused      ReasonTag = "STRATEGY_PAUSED"
	ReasonPositionLimit       ReasonTag = "POSITION_LIMIT"
	ReasonSymbolBusy          ReasonTag = "SYMBOL_BUSY"
	ReasonNewsBlocked         ReasonTag = "NEWS_BLOCKED"
	ReasonFundingExcess       ReasonTag = "FUNDING_EXCESS"
	ReasonStopDistanceInvalid ReasonTag = "STOP_DISTANCE_INVALID"
	ReasonLeverageClamped     ReasonTag = "LEVERAGE_CLAMPED"
	ReasonSizeBelowMin        ReasonTag = "SIZE_BELOW_MIN"
	ReasonSpreadTooWide       ReasonTag = "SPREAD_TOO_WIDE"
	ReasonSlippageExceeded    ReasonTag = "SLIPPAGE_EXCEEDED"
	ReasonPlacementFailed     ReasonTag = "PLACEMENT_FAILED"
	ReasonTimeout             ReasonTag = "TIMEOUT"
	ReasonRegimeBlocked       ReasonTag = "REGIME_BLOCKED"
	ReasonScoreBelowThreshold ReasonTag = "SCORE_BELOW_THRESHOLD"
	ReasonNotSelected         ReasonTag = "NOT_SELECTED"
	ReasonCapacityFull        ReasonTag = "CAPACITY_FULL"

	ReasonProtectiveStopFailed ReasonTag = "PROTECTIVE_ORDER_FAILED_STOP"
	ReasonProtectiveTPFailed   ReasonTag = "PROTECTIVE_ORDER_FAILED_TP"
	ReasonTrailingFailed       ReasonTag = "TRAILING_REPLACE_FAILED"
	ReasonReconciliationDrift  ReasonTag = "RECONCILIATION_DRIFT"
	ReasonUnexpectedFill       ReasonTag = "UNEXPECTED_FILL"
)

// OHLCV represents a single candlestick.
type OHLCV struct {
	Symbol    string          `json:"symbol,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
}

// FundingPoint is a discrete funding settlement supplied by data.
// MarkPrice may be zero when the feed does not carry a mark; consumers
// fall back to the bar close.
type FundingPoint struct {
	Symbol    string          `json:"symbol"`
	Timestamp time.Time       `json:"timestamp"`
	Rate      decimal.Decimal `json:"rate"`
	MarkPrice decimal.Decimal `json:"markPrice,omitempty"`
}

// BookTicker is a best bid/ask snapshot.
type BookTicker struct {
	Symbol    string          `json:"symbol"`
	BidPrice  decimal.Decimal `json:"bidPrice"`
	AskPrice  decimal.Decimal `json:"askPrice"`
	BidQty    decimal.Decimal `json:"bidQty"`
	AskQty    decimal.Decimal `json:"askQty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Mid returns the midpoint price, zero when the book is empty.
func (b BookTicker) Mid() decimal.Decimal {
	if b.BidPrice.IsZero() && b.AskPrice.IsZero() {
		return decimal.Zero
	}
	return b.BidPrice.Add(b.AskPrice).Div(decimal.NewFromInt(2))
}

// SpreadPct returns the spread as a percentage of mid.
func (b BookTicker) SpreadPct() decimal.Decimal {
	mid := b.Mid()
	if mid.IsZero() {
		return decimal.Zero
	}
	return b.AskPrice.Sub(b.BidPrice).Div(mid).Mul(decimal.NewFromInt(100))
}

// RunMode gates how orders reach the exchange.
type RunMode string

const (
	RunModePaper   RunMode = "paper"
	RunModeTestnet RunMode = "testnet"
	RunModeLive    RunMode = "live"
)

// Timeframe represents trading timeframes.
type Timeframe string

const (
	Timeframe1m  Timeframe = "1m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe1h  Timeframe = "1h"
	Timeframe4h  Timeframe = "4h"
	Timeframe1d  Timeframe = "1d"
)

// Duration returns the bar duration of the timeframe.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case Timeframe1m:
		return time.Minute
	case Timeframe5m:
		return 5 * time.Minute
	case Timeframe15m:
		return 15 * time.Minute
	case Timeframe1h:
		return time.Hour
	case Timeframe4h:
		return 4 * time.Hour
	case Timeframe1d:
		return 24 * time.Hour
	default:
		return 15 * time.Minute
	}
}

// NextBarClose returns the first bar-close boundary strictly after t.
func (tf Timeframe) NextBarClose(t time.Time) time.Time {
	d := tf.Duration()
	return t.Truncate(d).Add(d)
}
