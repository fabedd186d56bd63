// Package paper simulates a futures venue against historical or live
// market data. The simulator implements exchange.Exchange, so the
// execution engine runs the exact same code path in paper, backtest and
// live modes; only the venue behind the interface changes. Orders never
// leave the process.
package paper

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// PositionSource supplies the current open positions, normally the state
// manager's snapshot. The simulator needs them only for funding.
type PositionSource func() map[string]*types.Position

var (
	bpsDivisor  = decimal.NewFromInt(10000)
	two         = decimal.NewFromInt(2)
	synthSpread = decimal.NewFromFloat(0.0002) // 2 bps synthetic book
)

// Simulator is an in-process venue. Bars drive fills, funding points
// drive settlements, and execution reports flow through the same
// StreamHandler the live user stream uses.
type Simulator struct {
	logger    *zap.Logger
	cfg       types.PaperConfig
	bus       *events.Bus
	positions PositionSource

	mu       sync.Mutex
	rng      *rand.Rand
	handler  exchange.StreamHandler
	clock    time.Time
	balance  decimal.Decimal
	symbols  []string
	filters  map[string]types.SymbolFilters
	orders   map[string]*simOrder
	lastBar  map[string]types.OHLCV
	bars     map[string][]types.OHLCV
	funding  map[string]types.FundingPoint
	atrPct   map[string]decimal.Decimal
	slipMult map[string]decimal.Decimal
	settled  map[string]time.Time
}

type simOrder struct {
	order types.Order
	// partialNext forces the remainder of a split fill on the next bar.
	partialNext bool
	filledSoFar decimal.Decimal
	barsHeld    int
}

func NewSimulator(logger *zap.Logger, cfg types.PaperConfig, bus *events.Bus, positions PositionSource) *Simulator {
	return &Simulator{
		logger:    logger.Named("paper"),
		cfg:       cfg,
		bus:       bus,
		positions: positions,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		balance:   cfg.InitialEquity,
		filters:   make(map[string]types.SymbolFilters),
		orders:    make(map[string]*simOrder),
		lastBar:   make(map[string]types.OHLCV),
		bars:      make(map[string][]types.OHLCV),
		funding:   make(map[string]types.FundingPoint),
		atrPct:    make(map[string]decimal.Decimal),
		slipMult:  make(map[string]decimal.Decimal),
		settled:   make(map[string]time.Time),
	}
}

// SetUniverse seeds the tradable symbols and their filters.
func (s *Simulator) SetUniverse(filters ...types.SymbolFilters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.symbols = s.symbols[:0]
	for _, f := range filters {
		s.symbols = append(s.symbols, f.Symbol)
		s.filters[f.Symbol] = f
	}
	sort.Strings(s.symbols)
}

// SetVolatility feeds the per-symbol ATR percent and the regime slippage
// multiplier used by the fill model.
func (s *Simulator) SetVolatility(symbol string, atrPct, slipMult decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.atrPct[symbol] = atrPct
	s.slipMult[symbol] = slipMult
}

// OnBar advances the simulation clock and evaluates every resting order
// against the bar's range. Fills are reported through the stream handler
// in deterministic (sorted id) order.
func (s *Simulator) OnBar(bar types.OHLCV) {
	s.mu.Lock()
	s.clock = bar.Timestamp
	s.lastBar[bar.Symbol] = bar
	hist := append(s.bars[bar.Symbol], bar)
	if len(hist) > 1500 {
		hist = hist[len(hist)-1500:]
	}
	s.bars[bar.Symbol] = hist

	ids := make([]string, 0, len(s.orders))
	for id, so := range s.orders {
		if so.order.Symbol == bar.Symbol {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	var updates []exchange.OrderUpdate
	for _, id := range ids {
		so := s.orders[id]
		price, crossed := s.fillPrice(so, bar)
		if !crossed {
			continue
		}
		updates = append(updates, s.fillLocked(so, price)...)
	}
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		for _, u := range updates {
			handler(u)
		}
	}
}

// OnFunding applies one discrete settlement to every open position in
// the symbol. A settlement timestamp is applied at most once; replaying
// the same point is a no-op.
func (s *Simulator) OnFunding(p types.FundingPoint) {
	s.mu.Lock()
	s.funding[p.Symbol] = p
	if last, ok := s.settled[p.Symbol]; ok && !p.Timestamp.After(last) {
		s.mu.Unlock()
		return
	}
	s.settled[p.Symbol] = p.Timestamp
	mark := p.MarkPrice
	if mark.IsZero() {
		mark = s.lastBar[p.Symbol].Close
	}
	s.mu.Unlock()

	if mark.IsZero() {
		s.logger.Warn("Funding point without a mark or bar", zap.String("symbol", p.Symbol))
		return
	}

	pos := s.positions()[p.Symbol]
	if pos == nil {
		return
	}
	// Notional uses the position quantity only; leverage does not
	// multiply funding. Positive cashflow means the position paid.
	notional := pos.Quantity.Abs().Mul(mark)
	cashflow := p.Rate.Mul(notional)
	if pos.Side == types.PositionSideShort {
		cashflow = cashflow.Neg()
	}

	s.mu.Lock()
	s.balance = s.balance.Sub(cashflow)
	s.mu.Unlock()

	s.bus.Publish(events.KindFundingSettlement, &events.FundingSettlementPayload{
		Symbol:    p.Symbol,
		TradeID:   pos.TradeID,
		Rate:      p.Rate,
		MarkPrice: mark,
		Cashflow:  cashflow,
		SettledAt: p.Timestamp,
	}, nil)
}

// fillPrice decides whether the bar crosses the order and at what price,
// slippage included. Marketable limits pay the slippage floor; passive
// limits that were touched intrabar fill probabilistically, decaying
// with distance from the close. Triggered market orders pay slippage in
// the adverse direction.
func (s *Simulator) fillPrice(so *simOrder, bar types.OHLCV) (decimal.Decimal, bool) {
	o := so.order
	switch o.Type {
	case types.OrderTypeLimit:
		if so.partialNext {
			return o.Price, true
		}
		so.barsHeld++
		if s.marketable(&o, bar.Close) {
			price := s.slip(o.Symbol, bar.Close, o.Side, false)
			// A limit never fills worse than its own price.
			if o.Side == types.OrderSideBuy && price.GreaterThan(o.Price) {
				price = o.Price
			}
			if o.Side == types.OrderSideSell && price.LessThan(o.Price) {
				price = o.Price
			}
			return price, true
		}
		touched := (o.Side == types.OrderSideBuy && bar.Low.LessThanOrEqual(o.Price)) ||
			(o.Side == types.OrderSideSell && bar.High.GreaterThanOrEqual(o.Price))
		if touched && s.rng.Float64() < s.passiveFillProb(&o, bar, so.barsHeld) {
			return o.Price, true
		}
	case types.OrderTypeMarket:
		return s.slip(o.Symbol, bar.Open, o.Side, true), true
	case types.OrderTypeStopMarket:
		// A stop buy triggers on the way up, a stop sell on the way down.
		if o.Side == types.OrderSideBuy && bar.High.GreaterThanOrEqual(o.StopPrice) {
			return s.slip(o.Symbol, o.StopPrice, o.Side, true), true
		}
		if o.Side == types.OrderSideSell && bar.Low.LessThanOrEqual(o.StopPrice) {
			return s.slip(o.Symbol, o.StopPrice, o.Side, true), true
		}
	case types.OrderTypeTakeProfitMarket:
		// Take-profit triggers when price reaches the target from the
		// favorable side.
		if o.Side == types.OrderSideSell && bar.High.GreaterThanOrEqual(o.StopPrice) {
			return s.slip(o.Symbol, o.StopPrice, o.Side, false), true
		}
		if o.Side == types.OrderSideBuy && bar.Low.LessThanOrEqual(o.StopPrice) {
			return s.slip(o.Symbol, o.StopPrice, o.Side, false), true
		}
	}
	return decimal.Zero, false
}

// marketableBand is how close to the opposing quote a limit counts as
// marketable, in fractional terms (5 bps).
var marketableBand = decimal.NewFromFloat(0.0005)

// marketable reports whether a limit is at or within 5 bps of the
// opposing side of the synthetic book around the close.
func (s *Simulator) marketable(o *types.Order, close decimal.Decimal) bool {
	half := synthSpread.Div(two)
	if o.Side == types.OrderSideBuy {
		ask := close.Mul(decimal.NewFromInt(1).Add(half))
		return o.Price.GreaterThanOrEqual(ask.Mul(decimal.NewFromInt(1).Sub(marketableBand)))
	}
	bid := close.Mul(decimal.NewFromInt(1).Sub(half))
	return o.Price.LessThanOrEqual(bid.Mul(decimal.NewFromInt(1).Add(marketableBand)))
}

// passiveFillProb is the chance a touched passive limit actually fills
// on this bar. The probability decays with the limit's distance from the
// close in ATR terms, and grows with bars resting and in expansion
// regimes where the book churns through resting levels.
func (s *Simulator) passiveFillProb(o *types.Order, bar types.OHLCV, barsHeld int) float64 {
	ref := bar.Close.InexactFloat64()
	if ref <= 0 {
		return 1
	}
	distPct := math.Abs(ref-o.Price.InexactFloat64()) / ref * 100
	atrPct := s.atrPct[o.Symbol].InexactFloat64()
	if atrPct <= 0 {
		atrPct = 0.5
	}
	p := math.Exp(-2 * distPct / atrPct)
	if barsHeld > 1 {
		p += 0.10 * float64(barsHeld-1)
	}
	if mult, ok := s.slipMult[o.Symbol]; ok && mult.InexactFloat64() >= 2 {
		p += 0.15
	}
	return math.Min(p, 1)
}

// slip shifts a reference price against the taker. The cost in basis
// points is base + atr_scale per percent of ATR, scaled by the regime
// multiplier, plus a flat penalty for market orders, floored at half the
// synthetic spread.
func (s *Simulator) slip(symbol string, ref decimal.Decimal, side types.OrderSide, market bool) decimal.Decimal {
	bps := s.cfg.SlippageBaseBps.Add(s.cfg.SlippageATRScale.Mul(s.atrPct[symbol]))
	if mult, ok := s.slipMult[symbol]; ok && !mult.IsZero() {
		bps = bps.Mul(mult)
	}
	if market {
		bps = bps.Add(s.cfg.MarketPenaltyBps)
	}
	halfSpread := synthSpread.Mul(bpsDivisor).Div(two)
	if bps.LessThan(halfSpread) {
		bps = halfSpread
	}
	move := ref.Mul(bps).Div(bpsDivisor)
	if side == types.OrderSideBuy {
		return ref.Add(move)
	}
	return ref.Sub(move)
}

// fillLocked produces the execution reports for a crossed order. A
// fraction of first fills arrive as a partial followed by the remainder
// on the next bar, mirroring how thin books fill resting orders.
func (s *Simulator) fillLocked(so *simOrder, price decimal.Decimal) []exchange.OrderUpdate {
	o := &so.order
	remaining := o.Quantity.Sub(so.filledSoFar)

	splitFirst := !so.partialNext && so.filledSoFar.IsZero() &&
		o.Type == types.OrderTypeLimit && s.rng.Float64() < s.cfg.PartialFillRate
	if splitFirst {
		half := s.filters[o.Symbol].RoundQty(remaining.Div(two))
		if half.IsPositive() && half.LessThan(remaining) {
			so.filledSoFar = half
			so.partialNext = true
			o.Status = types.OrderStatusPartiallyFilled
			s.charge(half, price)
			return []exchange.OrderUpdate{s.report(o, types.OrderStatusPartiallyFilled, half, so.filledSoFar, price)}
		}
	}

	so.filledSoFar = o.Quantity
	o.Status = types.OrderStatusFilled
	o.FilledQty = o.Quantity
	o.AvgFillPrice = price
	delete(s.orders, o.ClientOrderID)
	s.charge(remaining, price)
	return []exchange.OrderUpdate{s.report(o, types.OrderStatusFilled, remaining, o.Quantity, price)}
}

func (s *Simulator) charge(qty, price decimal.Decimal) {
	s.balance = s.balance.Sub(qty.Mul(price).Mul(s.cfg.FeeRate))
}

func (s *Simulator) report(o *types.Order, status types.OrderStatus, lastQty, cumQty, price decimal.Decimal) exchange.OrderUpdate {
	return exchange.OrderUpdate{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.ClientOrderID,
		Symbol:          o.Symbol,
		Side:            o.Side,
		Type:            o.Type,
		Status:          status,
		Price:           o.Price,
		Quantity:        o.Quantity,
		FilledQty:       cumQty,
		LastFillQty:     lastQty,
		LastFillPrice:   price,
		ReduceOnly:      o.ReduceOnly,
		EventTime:       s.clock,
	}
}
