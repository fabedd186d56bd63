// Package exchange defines the exchange contract the trading core talks
// to, plus the Binance USD-M futures implementation and a deterministic
// in-memory double for paper mode and tests.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// OrderRequest is one order submission.
type OrderRequest struct {
	Symbol        string
	Side          types.OrderSide
	Type          types.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ReduceOnly    bool
	ClientOrderID string
}

// OrderUpdate is a user-stream order execution report.
type OrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	Symbol          string
	Side            types.OrderSide
	Type            types.OrderType
	Status          types.OrderStatus
	Price           decimal.Decimal
	Quantity        decimal.Decimal
	FilledQty       decimal.Decimal
	LastFillQty     decimal.Decimal
	LastFillPrice   decimal.Decimal
	ReduceOnly      bool
	EventTime       time.Time
}

// Exchange is the full surface the core needs from a perpetual-futures
// venue. All calls honor the context for cancellation and timeout.
type Exchange interface {
	Name() string

	ServerTime(ctx context.Context) (time.Time, error)
	Symbols(ctx context.Context) ([]string, error)
	Filters(ctx context.Context, symbol string) (types.SymbolFilters, error)

	BookTicker(ctx context.Context, symbol string) (types.BookTicker, error)
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	FundingRate(ctx context.Context, symbol string) (types.FundingPoint, error)
	Klines(ctx context.Context, symbol string, interval string, limit int) ([]types.OHLCV, error)

	PlaceOrder(ctx context.Context, req *OrderRequest) (*types.Order, error)
	CancelOrder(ctx context.Context, symbol, clientOrderID string) error
	GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error)
	OpenOrders(ctx context.Context, symbol string) ([]types.Order, error)

	Positions(ctx context.Context) ([]types.Position, error)
	Balance(ctx context.Context) (decimal.Decimal, error)

	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginType(ctx context.Context, symbol, marginType string) error
	SetPositionMode(ctx context.Context, oneWay bool) error
}

// StreamHandler consumes user-stream order updates in arrival order.
type StreamHandler func(OrderUpdate)

// Streamer is implemented by venues that push execution reports.
type Streamer interface {
	StartUserStream(ctx context.Context, handler StreamHandler) error
	StopUserStream()
}
