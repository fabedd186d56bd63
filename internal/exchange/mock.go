package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Mock is a deterministic in-memory venue used by tests and as the
// account-settings sink in paper mode. Failure injection hooks let tests
// exercise the retry and manual-intervention paths.
type Mock struct {
	mu        sync.Mutex
	orders    map[string]*types.Order
	positions map[string]*types.Position
	filters   map[string]types.SymbolFilters
	tickers   map[string]types.BookTicker
	marks     map[string]decimal.Decimal
	funding   map[string]types.FundingPoint
	klines    map[string][]types.OHLCV
	symbols   []string
	balance   decimal.Decimal

	leverage   map[string]int
	marginType map[string]string
	oneWay     bool

	placed    []OrderRequest
	cancelled []string

	// PlaceHook, when set, runs before a placement and may veto it.
	PlaceHook func(req *OrderRequest) error
	// CancelErr, when set, fails every cancel.
	CancelErr error
	// TickerErr, when set, fails BookTicker lookups.
	TickerErr error
}

// NewMock creates an empty mock venue.
func NewMock() *Mock {
	return &Mock{
		orders:     make(map[string]*types.Order),
		positions:  make(map[string]*types.Position),
		filters:    make(map[string]types.SymbolFilters),
		tickers:    make(map[string]types.BookTicker),
		marks:      make(map[string]decimal.Decimal),
		funding:    make(map[string]types.FundingPoint),
		klines:     make(map[string][]types.OHLCV),
		leverage:   make(map[string]int),
		marginType: make(map[string]string),
		balance:    decimal.NewFromInt(10000),
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) ServerTime(ctx context.Context) (time.Time, error) {
	return time.Now().UTC(), nil
}

func (m *Mock) Symbols(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.symbols...), nil
}

func (m *Mock) Filters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.filters[symbol]; ok {
		return f, nil
	}
	return types.SymbolFilters{Symbol: symbol}, nil
}

func (m *Mock) BookTicker(ctx context.Context, symbol string) (types.BookTicker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.TickerErr != nil {
		return types.BookTicker{}, m.TickerErr
	}
	return m.tickers[symbol], nil
}

func (m *Mock) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.marks[symbol], nil
}

func (m *Mock) FundingRate(ctx context.Context, symbol string) (types.FundingPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fp, ok := m.funding[symbol]
	if !ok {
		return types.FundingPoint{}, fmt.Errorf("no funding data for %s", symbol)
	}
	return fp, nil
}

func (m *Mock) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.OHLCV, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bars := m.klines[symbol]
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return append([]types.OHLCV(nil), bars...), nil
}

func (m *Mock) PlaceOrder(ctx context.Context, req *OrderRequest) (*types.Order, error) {
	m.mu.Lock()
	hook := m.PlaceHook
	m.mu.Unlock()
	if hook != nil {
		if err := hook(req); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.placed = append(m.placed, *req)
	o := &types.Order{
		ClientOrderID:   req.ClientOrderID,
		ExchangeOrderID: req.ClientOrderID + "-x",
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		ReduceOnly:      req.ReduceOnly,
		Status:          types.OrderStatusOpen,
		CreatedAt:       time.Now().UTC(),
	}
	m.orders[o.ClientOrderID] = o
	cp := *o
	return &cp, nil
}

func (m *Mock) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.CancelErr != nil {
		return m.CancelErr
	}
	m.cancelled = append(m.cancelled, clientOrderID)
	if o, ok := m.orders[clientOrderID]; ok {
		o.Status = types.OrderStatusCancelled
		delete(m.orders, clientOrderID)
	}
	return nil
}

func (m *Mock) GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[clientOrderID]; ok {
		cp := *o
		return &cp, nil
	}
	return nil, ErrOrderNotFound
}

func (m *Mock) OpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Order
	for _, o := range m.orders {
		if symbol == "" || o.Symbol == symbol {
			if !o.Status.IsTerminal() {
				out = append(out, *o)
			}
		}
	}
	return out, nil
}

func (m *Mock) Positions(ctx context.Context) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []types.Position
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (m *Mock) Balance(ctx context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, nil
}

func (m *Mock) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leverage[symbol] = leverage
	return nil
}

func (m *Mock) SetMarginType(ctx context.Context, symbol, marginType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marginType[symbol] = marginType
	return nil
}

func (m *Mock) SetPositionMode(ctx context.Context, oneWay bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.oneWay = oneWay
	return nil
}

// Test seeding helpers.

func (m *Mock) SetSymbols(symbols ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.symbols = symbols
}

func (m *Mock) SetFilters(f types.SymbolFilters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[f.Symbol] = f
}

func (m *Mock) SetTicker(t types.BookTicker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tickers[t.Symbol] = t
}

func (m *Mock) SetMark(symbol string, mark decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.marks[symbol] = mark
}

func (m *Mock) SetFunding(p types.FundingPoint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.funding[p.Symbol] = p
}

func (m *Mock) SetBalance(b decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balance = b
}

func (m *Mock) SeedOrder(o types.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := o
	m.orders[o.ClientOrderID] = &cp
}

func (m *Mock) SeedPosition(p types.Position) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := p
	m.positions[p.Symbol] = &cp
}

func (m *Mock) RemoveOrder(clientOrderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.orders, clientOrderID)
}

// MarkFilled flips a resting order to FILLED without removing it, the
// way a venue reports a fill on query after the fact.
func (m *Mock) MarkFilled(clientOrderID string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.orders[clientOrderID]; ok {
		o.Status = types.OrderStatusFilled
		o.FilledQty = o.Quantity
		o.AvgFillPrice = price
	}
}

// Placed returns the placement history.
func (m *Mock) Placed() []OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]OrderRequest(nil), m.placed...)
}

// Cancelled returns the cancel history.
func (m *Mock) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// LeverageFor reports the last leverage set for the symbol.
func (m *Mock) LeverageFor(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leverage[symbol]
}
