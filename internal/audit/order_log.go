package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

var orderHeader = []string{
	"timestamp", "event_type", "symbol", "side", "order_type", "quantity",
	"price", "stop_price", "client_order_id", "order_id", "status",
	"filled_qty", "avg_price", "spread_pct",
}

// OrderEntry is one appended order-lifecycle line.
type OrderEntry struct {
	Timestamp     time.Time
	EventType     string
	Symbol        string
	Side          types.OrderSide
	OrderType     types.OrderType
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
	ClientOrderID string
	OrderID       string
	Status        types.OrderStatus
	FilledQty     decimal.Decimal
	AvgPrice      decimal.Decimal
	SpreadPct     decimal.Decimal
}

// OrderLog is the append-only order CSV.
type OrderLog struct {
	mu     sync.Mutex
	logger *zap.Logger
	f      *os.File
	w      *csv.Writer
}

func NewOrderLog(logger *zap.Logger, dir string) (*OrderLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	path := filepath.Join(dir, "orders.csv")
	info, statErr := os.Stat(path)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open order log: %w", err)
	}
	w := csv.NewWriter(f)
	if statErr != nil || info.Size() == 0 {
		if err := w.Write(orderHeader); err != nil {
			f.Close()
			return nil, err
		}
		w.Flush()
	}
	return &OrderLog{logger: logger.Named("orderlog"), f: f, w: w}, nil
}

// Append writes one line and flushes.
func (o *OrderLog) Append(e OrderEntry) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	rec := []string{
		e.Timestamp.UTC().Format(time.RFC3339),
		e.EventType, e.Symbol, string(e.Side), string(e.OrderType),
		e.Quantity.String(), e.Price.String(), e.StopPrice.String(),
		e.ClientOrderID, e.OrderID, string(e.Status),
		e.FilledQty.String(), e.AvgPrice.String(), e.SpreadPct.String(),
	}
	if err := o.w.Write(rec); err != nil {
		return err
	}
	o.w.Flush()
	return o.w.Error()
}

func (o *OrderLog) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.w.Flush()
	return o.f.Close()
}
