package exchange

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Binance is the USD-M futures implementation.
type Binance struct {
	logger  *zap.Logger
	client  *futures.Client
	limiter *rate.Limiter

	stopStream chan struct{}
}

// NewBinance creates the adapter. Testnet routing is a process-wide
// switch in the underlying client and must be set before the first call.
func NewBinance(logger *zap.Logger, apiKey, secretKey string, testnet bool) *Binance {
	futures.UseTestnet = testnet
	return &Binance{
		logger: logger.Named("binance"),
		client: futures.NewClient(apiKey, secretKey),
		// Stays well under the weight limits of the USD-M endpoints.
		limiter: rate.NewLimiter(rate.Limit(8), 16),
	}
}

func (b *Binance) Name() string { return "binance-usdm" }

// SyncTime refreshes the signed-request time offset against the server
// clock. Run on the configured interval.
func (b *Binance) SyncTime(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	offset, err := b.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return fmt.Errorf("sync server time: %w", err)
	}
	b.logger.Debug("Server time synced", zap.Int64("offsetMs", offset))
	return nil
}

func (b *Binance) ServerTime(ctx context.Context) (time.Time, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return time.Time{}, err
	}
	ms, err := b.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Symbols returns the tradable USDT perpetual symbols.
func (b *Binance) Symbols(ctx context.Context) ([]string, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, s := range info.Symbols {
		if s.Status == "TRADING" && s.QuoteAsset == "USDT" && s.ContractType == "PERPETUAL" {
			out = append(out, s.Symbol)
		}
	}
	return out, nil
}

func (b *Binance) Filters(ctx context.Context, symbol string) (types.SymbolFilters, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return types.SymbolFilters{}, err
	}
	info, err := b.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return types.SymbolFilters{}, err
	}
	for _, s := range info.Symbols {
		if s.Symbol != symbol {
			continue
		}
		f := types.SymbolFilters{Symbol: symbol}
		if lot := s.LotSizeFilter(); lot != nil {
			f.StepSize = mustDecimal(lot.StepSize)
			f.MinQty = mustDecimal(lot.MinQuantity)
		}
		if pf := s.PriceFilter(); pf != nil {
			f.TickSize = mustDecimal(pf.TickSize)
		}
		if mn := s.MinNotionalFilter(); mn != nil {
			f.MinNotional = mustDecimal(mn.Notional)
		}
		return f, nil
	}
	return types.SymbolFilters{}, fmt.Errorf("symbol %s not listed", symbol)
}

func (b *Binance) BookTicker(ctx context.Context, symbol string) (types.BookTicker, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return types.BookTicker{}, err
	}
	tickers, err := b.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return types.BookTicker{}, err
	}
	if len(tickers) == 0 {
		return types.BookTicker{}, fmt.Errorf("no book ticker for %s", symbol)
	}
	t := tickers[0]
	return types.BookTicker{
		Symbol:    t.Symbol,
		BidPrice:  mustDecimal(t.BidPrice),
		AskPrice:  mustDecimal(t.AskPrice),
		BidQty:    mustDecimal(t.BidQuantity),
		AskQty:    mustDecimal(t.AskQuantity),
		Timestamp: time.Now().UTC(),
	}, nil
}

func (b *Binance) MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	fp, err := b.premiumIndex(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	return fp.MarkPrice, nil
}

func (b *Binance) FundingRate(ctx context.Context, symbol string) (types.FundingPoint, error) {
	return b.premiumIndex(ctx, symbol)
}

func (b *Binance) premiumIndex(ctx context.Context, symbol string) (types.FundingPoint, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return types.FundingPoint{}, err
	}
	idx, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return types.FundingPoint{}, err
	}
	if len(idx) == 0 {
		return types.FundingPoint{}, fmt.Errorf("no premium index for %s", symbol)
	}
	p := idx[0]
	return types.FundingPoint{
		Symbol:    p.Symbol,
		Rate:      mustDecimal(p.LastFundingRate),
		MarkPrice: mustDecimal(p.MarkPrice),
		Timestamp: time.UnixMilli(p.NextFundingTime).UTC(),
	}, nil
}

func (b *Binance) Klines(ctx context.Context, symbol, interval string, limit int) ([]types.OHLCV, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	klines, err := b.client.NewKlinesService().
		Symbol(symbol).Interval(interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.OHLCV, 0, len(klines))
	for _, k := range klines {
		out = append(out, types.OHLCV{
			Symbol:    symbol,
			Timestamp: time.UnixMilli(k.OpenTime).UTC(),
			Open:      mustDecimal(k.Open),
			High:      mustDecimal(k.High),
			Low:       mustDecimal(k.Low),
			Close:     mustDecimal(k.Close),
			Volume:    mustDecimal(k.Volume),
		})
	}
	return out, nil
}

func (b *Binance) PlaceOrder(ctx context.Context, req *OrderRequest) (*types.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID)

	switch req.Type {
	case types.OrderTypeLimit:
		svc = svc.Price(req.Price.String()).TimeInForce(futures.TimeInForceTypeGTC)
	case types.OrderTypeStopMarket, types.OrderTypeTakeProfitMarket:
		svc = svc.StopPrice(req.StopPrice.String())
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	return &types.Order{
		ClientOrderID:   resp.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(resp.OrderID, 10),
		Symbol:          req.Symbol,
		Side:            req.Side,
		Type:            req.Type,
		Quantity:        req.Quantity,
		Price:           req.Price,
		StopPrice:       req.StopPrice,
		ReduceOnly:      req.ReduceOnly,
		Status:          mapOrderStatus(resp.Status),
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.UnixMilli(resp.UpdateTime).UTC(),
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, symbol, clientOrderID string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.client.NewCancelOrderService().
		Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil && IsUnknownOrder(err) {
		b.logger.Debug("Cancel skipped, order already gone",
			zap.String("clientOrderId", clientOrderID))
		return nil
	}
	return err
}

func (b *Binance) GetOrder(ctx context.Context, symbol, clientOrderID string) (*types.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	o, err := b.client.NewGetOrderService().
		Symbol(symbol).OrigClientOrderID(clientOrderID).Do(ctx)
	if err != nil {
		if IsUnknownOrder(err) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	converted := convertOrder(o)
	return &converted, nil
}

func (b *Binance) OpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	svc := b.client.NewListOpenOrdersService()
	if symbol != "" {
		svc = svc.Symbol(symbol)
	}
	orders, err := svc.Do(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Order, 0, len(orders))
	for _, o := range orders {
		out = append(out, convertOrder(o))
	}
	return out, nil
}

func (b *Binance) Positions(ctx context.Context) ([]types.Position, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Position
	for _, r := range risks {
		amt := mustDecimal(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := types.PositionSideLong
		if amt.IsNegative() {
			side = types.PositionSideShort
		}
		lev, _ := strconv.Atoi(r.Leverage)
		out = append(out, types.Position{
			Symbol:        r.Symbol,
			Side:          side,
			Quantity:      amt.Abs(),
			EntryPrice:    mustDecimal(r.EntryPrice),
			Leverage:      lev,
			UnrealizedPnL: mustDecimal(r.UnRealizedProfit),
		})
	}
	return out, nil
}

func (b *Binance) Balance(ctx context.Context) (decimal.Decimal, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return decimal.Zero, err
	}
	balances, err := b.client.NewGetBalanceService().Do(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	for _, bal := range balances {
		if bal.Asset == "USDT" {
			return mustDecimal(bal.Balance), nil
		}
	}
	return decimal.Zero, nil
}

func (b *Binance) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.client.NewChangeLeverageService().
		Symbol(symbol).Leverage(leverage).Do(ctx)
	return err
}

func (b *Binance) SetMarginType(ctx context.Context, symbol, marginType string) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	err := b.client.NewChangeMarginTypeService().
		Symbol(symbol).MarginType(futures.MarginType(marginType)).Do(ctx)
	// -4046: margin type already set. Idempotent success.
	if err != nil && containsCode(err.Error(), -4046) {
		return nil
	}
	return err
}

func (b *Binance) SetPositionMode(ctx context.Context, oneWay bool) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	err := b.client.NewChangePositionModeService().DualSide(!oneWay).Do(ctx)
	// -4059: position mode already set. Idempotent success.
	if err != nil && containsCode(err.Error(), -4059) {
		return nil
	}
	return err
}

// StartUserStream opens the user-data stream and forwards order trade
// updates to the handler in arrival order. The listen key is kept alive
// every 30 minutes until the context ends or StopUserStream is called.
func (b *Binance) StartUserStream(ctx context.Context, handler StreamHandler) error {
	listenKey, err := b.client.NewStartUserStreamService().Do(ctx)
	if err != nil {
		return fmt.Errorf("start user stream: %w", err)
	}
	b.stopStream = make(chan struct{})

	wsHandler := func(ev *futures.WsUserDataEvent) {
		if ev.Event != futures.UserDataEventTypeOrderTradeUpdate {
			return
		}
		u := ev.OrderTradeUpdate
		handler(OrderUpdate{
			ClientOrderID:   u.ClientOrderID,
			ExchangeOrderID: strconv.FormatInt(u.ID, 10),
			Symbol:          u.Symbol,
			Side:            types.OrderSide(u.Side),
			Type:            types.OrderType(u.Type),
			Status:          mapOrderStatus(u.Status),
			Price:           mustDecimal(u.OriginalPrice),
			Quantity:        mustDecimal(u.OriginalQty),
			FilledQty:       mustDecimal(u.AccumulatedFilledQty),
			LastFillQty:     mustDecimal(u.LastFilledQty),
			LastFillPrice:   mustDecimal(u.LastFilledPrice),
			ReduceOnly:      u.IsReduceOnly,
			EventTime:       time.UnixMilli(u.TradeTime).UTC(),
		})
	}
	errHandler := func(err error) {
		b.logger.Error("User stream error", zap.Error(err))
	}

	doneC, stopC, err := futures.WsUserDataServe(listenKey, wsHandler, errHandler)
	if err != nil {
		return fmt.Errorf("serve user stream: %w", err)
	}

	go func() {
		ticker := time.NewTicker(30 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if kerr := b.client.NewKeepaliveUserStreamService().ListenKey(listenKey).Do(ctx); kerr != nil {
					b.logger.Warn("User stream keepalive failed", zap.Error(kerr))
				}
			case <-ctx.Done():
				close(stopC)
				return
			case <-b.stopStream:
				close(stopC)
				return
			case <-doneC:
				return
			}
		}
	}()
	return nil
}

// StopUserStream closes the user-data stream.
func (b *Binance) StopUserStream() {
	if b.stopStream != nil {
		close(b.stopStream)
		b.stopStream = nil
	}
}

func convertOrder(o *futures.Order) types.Order {
	return types.Order{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: strconv.FormatInt(o.OrderID, 10),
		Symbol:          o.Symbol,
		Side:            types.OrderSide(o.Side),
		Type:            types.OrderType(o.Type),
		Quantity:        mustDecimal(o.OrigQuantity),
		Price:           mustDecimal(o.Price),
		StopPrice:       mustDecimal(o.StopPrice),
		ReduceOnly:      o.ReduceOnly,
		Status:          mapOrderStatus(o.Status),
		FilledQty:       mustDecimal(o.ExecutedQuantity),
		AvgFillPrice:    mustDecimal(o.AvgPrice),
		CreatedAt:       time.UnixMilli(o.Time).UTC(),
		UpdatedAt:       time.UnixMilli(o.UpdateTime).UTC(),
	}
}

func mapOrderStatus(s futures.OrderStatusType) types.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return types.OrderStatusOpen
	case futures.OrderStatusTypePartiallyFilled:
		return types.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return types.OrderStatusFilled
	case futures.OrderStatusTypeCanceled:
		return types.OrderStatusCancelled
	case futures.OrderStatusTypeExpired, futures.OrderStatusTypeRejected:
		return types.OrderStatusExpired
	default:
		return types.OrderStatusPlaced
	}
}

func mustDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
