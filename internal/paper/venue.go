package paper

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// The exchange.Exchange surface. Market data answers come from the last
// bar; the synthetic book straddles the close by a fixed spread.

func (s *Simulator) Name() string { return "paper" }

func (s *Simulator) ServerTime(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clock.IsZero() {
		return time.Now().UTC(), nil
	}
	return s.clock, nil
}

func (s *Simulator) Symbols(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.symbols))
	copy(out, s.symbols)
	return out, nil
}

func (s *Simulator) Filters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.filters[symbol]
	if !ok {
		return types.SymbolFilters{}, &exchange.APIError{Class: exchange.ErrPermanent, Code: -1121, Msg: "invalid symbol " + symbol}
	}
	return f, nil
}

func (s *Simulator) BookTicker(ctx context.Context, symbol string) (types.BookTicker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bar, ok := s.lastBar[symbol]
	if !ok {
		return types.BookTicker{}, &exchange.APIError{Class: exchange.ErrTransient, Code: -1001, Msg: "no market data yet for " + symbol}
	}
	half := bar.Close.Mul(synthSpread).Div(two)
	return types.BookTicker{
		Symbol:    symbol,
		BidPrice:  bar.Close.Sub(half),
		AskPrice:  bar.Close.Add(half),
		BidQty:    bar.Volume,
		AskQty:    bar.Volume,
		Timestamp: bar.Timestamp,
	}, nil
}

func (s *Simulator) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.funding[symbol]; ok && !p.MarkPrice.IsZero() {
		return p.MarkPrice, nil
	}
	bar, ok := s.lastBar[symbol]
	if !ok {
		return decimal.Zero, &exchange.APIError{Class: exchange.ErrTransient, Code: -1001, Msg: "no market data yet for " + symbol}
	}
	return bar.Close, nil
}

func (s *Simulator) FundingRate(ctx context.Context, symbol string) (types.FundingPoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp, ok := s.funding[symbol]
	if !ok {
		return types.FundingPoint{}, &exchange.APIError{Class: exchange.ErrTransient, Code: -1001, Msg: "no funding data yet for " + symbol}
	}
	return fp, nil
}

func (s *Simulator) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.OHLCV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.bars[symbol]
	if limit > 0 && len(hist) > limit {
		hist = hist[len(hist)-limit:]
	}
	out := make([]types.OHLCV, len(hist))
	copy(out, hist)
	return out, nil
}

// PlaceOrder registers the order. Market orders fill against the last
// bar immediately; everything else rests until a bar crosses it.
func (s *Simulator) PlaceOrder(ctx context.Context, req *exchange.OrderRequest) (*types.Order, error) {
	s.mu.Lock()
	if _, dup := s.orders[req.ClientOrderID]; dup {
		s.mu.Unlock()
		return nil, &exchange.APIError{Class: exchange.ErrPermanent, Code: -4015, Msg: "duplicate client order id"}
	}
	now := s.clock
	if now.IsZero() {
		now = time.Now().UTC()
	}
	so := &simOrder{order: types.Order{
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		StopPrice:     req.StopPrice,
		ReduceOnly:    req.ReduceOnly,
		Status:        types.OrderStatusOpen,
		CreatedAt:     now,
	}}
	s.orders[req.ClientOrderID] = so

	var updates []exchange.OrderUpdate
	if req.Type == types.OrderTypeMarket {
		if bar, ok := s.lastBar[req.Symbol]; ok {
			price, _ := s.fillPrice(so, bar)
			updates = s.fillLocked(so, price)
		}
	}
	order := so.order
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		for _, u := range updates {
			handler(u)
		}
	}
	return &order, nil
}

func (s *Simulator) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	s.mu.Lock()
	so, ok := s.orders[clientOrderID]
	if !ok {
		s.mu.Unlock()
		return exchange.ErrOrderNotFound
	}
	delete(s.orders, clientOrderID)
	so.order.Status = types.OrderStatusCancelled
	u := s.report(&so.order, types.OrderStatusCancelled, decimal.Zero, so.filledSoFar, decimal.Zero)
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		handler(u)
	}
	return nil
}

func (s *Simulator) GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	so, ok := s.orders[clientOrderID]
	if !ok {
		return nil, exchange.ErrOrderNotFound
	}
	order := so.order
	return &order, nil
}

func (s *Simulator) OpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Order
	for _, so := range s.orders {
		if symbol == "" || so.order.Symbol == symbol {
			out = append(out, so.order)
		}
	}
	return out, nil
}

func (s *Simulator) Positions(ctx context.Context) ([]types.Position, error) {
	var out []types.Position
	for _, p := range s.positions() {
		out = append(out, *p)
	}
	return out, nil
}

func (s *Simulator) Balance(ctx context.Context) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balance, nil
}

// Account settings are accepted and logged; the simulator has no margin
// engine to configure.

func (s *Simulator) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	s.logger.Debug("Leverage set", zap.String("symbol", symbol), zap.Int("leverage", leverage))
	return nil
}

func (s *Simulator) SetMarginType(ctx context.Context, symbol, marginType string) error {
	return nil
}

func (s *Simulator) SetPositionMode(ctx context.Context, oneWay bool) error {
	return nil
}

func (s *Simulator) StartUserStream(ctx context.Context, handler exchange.StreamHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = handler
	return nil
}

func (s *Simulator) StopUserStream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = nil
}
