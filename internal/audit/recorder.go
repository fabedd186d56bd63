package audit

import (
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
)

// Recorder subscribes the audit logs to the event bus. It is a pure
// observer: log failures are reported but never interfere with trading.
type Recorder struct {
	logger *zap.Logger
	trades *TradeLog
	orders *OrderLog
}

func NewRecorder(logger *zap.Logger, trades *TradeLog, orders *OrderLog) *Recorder {
	return &Recorder{logger: logger.Named("audit"), trades: trades, orders: orders}
}

// Attach registers the recorder on the bus.
func (r *Recorder) Attach(bus *events.Bus) {
	bus.Subscribe("audit", r.handle)
}

func (r *Recorder) handle(ev *events.Event) {
	var err error
	switch p := ev.Payload.(type) {
	case *events.PositionOpenedPayload:
		err = r.trades.Open(p.Position, spreadFromMeta(ev.Metadata))
	case *events.PositionUpdatedPayload:
		err = r.trades.Update(p.Position)
	case *events.PositionClosedPayload:
		err = r.trades.Close(p.TradeID, p.ClosedAt, p.ExitPrice, p.PnL, p.Reason)
	case *events.OrderPlacedPayload:
		err = r.orders.Append(OrderEntry{
			Timestamp:     ev.Timestamp,
			EventType:     string(ev.Kind),
			Symbol:        p.Order.Symbol,
			Side:          p.Order.Side,
			OrderType:     p.Order.Type,
			Quantity:      p.Order.Quantity,
			Price:         p.Order.Price,
			StopPrice:     p.Order.StopPrice,
			ClientOrderID: p.Order.ClientOrderID,
			OrderID:       p.Order.ExchangeOrderID,
			Status:        p.Order.Status,
			SpreadPct:     spreadFromMeta(ev.Metadata),
		})
	case *events.OrderFilledPayload:
		err = r.orders.Append(OrderEntry{
			Timestamp:     ev.Timestamp,
			EventType:     string(ev.Kind),
			Symbol:        p.Symbol,
			ClientOrderID: p.ClientOrderID,
			Quantity:      p.Quantity,
			FilledQty:     p.Quantity,
			AvgPrice:      p.Price,
			Status:        "FILLED",
		})
	case *events.OrderPartialFillPayload:
		err = r.orders.Append(OrderEntry{
			Timestamp:     ev.Timestamp,
			EventType:     string(ev.Kind),
			Symbol:        p.Symbol,
			ClientOrderID: p.ClientOrderID,
			Quantity:      p.Quantity,
			FilledQty:     p.CumFilled,
			AvgPrice:      p.Price,
			Status:        "PARTIALLY_FILLED",
		})
	case *events.OrderCancelledPayload:
		err = r.orders.Append(OrderEntry{
			Timestamp:     ev.Timestamp,
			EventType:     string(ev.Kind),
			Symbol:        p.Symbol,
			ClientOrderID: p.ClientOrderID,
			Status:        "CANCELLED",
		})
	case *events.OrderExpiredPayload:
		err = r.orders.Append(OrderEntry{
			Timestamp:     ev.Timestamp,
			EventType:     string(ev.Kind),
			Symbol:        p.Symbol,
			ClientOrderID: p.ClientOrderID,
			Status:        "EXPIRED",
		})
	default:
		return
	}
	if err != nil {
		r.logger.Warn("Audit write failed",
			zap.String("kind", string(ev.Kind)),
			zap.Error(err),
		)
	}
}

func spreadFromMeta(meta map[string]string) decimal.Decimal {
	if meta == nil {
		return decimal.Zero
	}
	if v, ok := meta["spread_pct"]; ok {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.Zero
}
