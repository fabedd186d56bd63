// Package audit maintains the human-readable activity logs: a trade
// CSV updated over each trade's life, an append-only order CSV, and a
// JSON-lines log of per-signal evaluation detail.
package audit

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

var tradeHeader = []string{
	"trade_id", "symbol", "side", "entry_time", "entry_price", "quantity",
	"leverage", "exit_time", "exit_price", "pnl", "pnl_pct", "reason",
	"holding_hours", "funding_cost", "fees", "spread_at_entry_pct",
}

// tradeRow accumulates one trade's lifecycle. Exit fields stay empty
// until the position closes.
type tradeRow struct {
	TradeID       string
	Symbol        string
	Side          types.PositionSide
	EntryTime     time.Time
	EntryPrice    decimal.Decimal
	Quantity      decimal.Decimal
	Leverage      int
	ExitTime      time.Time
	ExitPrice     decimal.Decimal
	PnL           decimal.Decimal
	Reason        string
	FundingCost   decimal.Decimal
	Fees          decimal.Decimal
	SpreadAtEntry decimal.Decimal
	closed        bool
}

// TradeLog is the trade CSV. A row is appended on open and rewritten in
// place on close, so the whole file is rewritten on each mutation.
type TradeLog struct {
	mu     sync.Mutex
	logger *zap.Logger
	path   string
	rows   []*tradeRow
	byID   map[string]*tradeRow
}

func NewTradeLog(logger *zap.Logger, dir string) (*TradeLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &TradeLog{
		logger: logger.Named("tradelog"),
		path:   filepath.Join(dir, "trades.csv"),
		byID:   make(map[string]*tradeRow),
	}, nil
}

// Open records a freshly opened position.
func (t *TradeLog) Open(pos types.Position, spreadPct decimal.Decimal) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, dup := t.byID[pos.TradeID]; dup {
		return nil
	}
	row := &tradeRow{
		TradeID:       pos.TradeID,
		Symbol:        pos.Symbol,
		Side:          pos.Side,
		EntryTime:     pos.OpenedAt,
		EntryPrice:    pos.EntryPrice,
		Quantity:      pos.Quantity,
		Leverage:      pos.Leverage,
		SpreadAtEntry: spreadPct,
	}
	t.rows = append(t.rows, row)
	t.byID[pos.TradeID] = row
	return t.flush()
}

// Update refreshes the open row's quantity and funding accruals.
func (t *TradeLog) Update(pos types.Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.byID[pos.TradeID]
	if !ok || row.closed {
		return nil
	}
	// Quantity only grows here: partial entries raise it, partial
	// closes must not shrink the recorded trade size.
	if pos.Quantity.GreaterThan(row.Quantity) {
		row.Quantity = pos.Quantity
	}
	row.FundingCost = pos.FundingPaid
	return t.flush()
}

// Close completes the row with the exit outcome.
func (t *TradeLog) Close(tradeID string, exitTime time.Time, exitPrice, pnl decimal.Decimal, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	row, ok := t.byID[tradeID]
	if !ok {
		t.logger.Warn("Close for unknown trade", zap.String("tradeId", tradeID))
		return nil
	}
	row.ExitTime = exitTime
	row.ExitPrice = exitPrice
	row.PnL = pnl
	row.Reason = reason
	row.closed = true
	return t.flush()
}

// Rows returns a copy of the current rows, oldest first.
func (t *TradeLog) Rows() []tradeRow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]tradeRow, 0, len(t.rows))
	for _, r := range t.rows {
		out = append(out, *r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EntryTime.Before(out[j].EntryTime) })
	return out
}

func (t *TradeLog) flush() error {
	f, err := os.Create(t.path)
	if err != nil {
		return fmt.Errorf("write trade log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(tradeHeader); err != nil {
		return err
	}
	for _, r := range t.rows {
		rec := []string{
			r.TradeID, r.Symbol, string(r.Side),
			r.EntryTime.UTC().Format(time.RFC3339),
			r.EntryPrice.String(), r.Quantity.String(),
			fmt.Sprintf("%d", r.Leverage),
			"", "", "", "", "", "",
			r.FundingCost.String(), r.Fees.String(), r.SpreadAtEntry.String(),
		}
		if r.closed {
			rec[7] = r.ExitTime.UTC().Format(time.RFC3339)
			rec[8] = r.ExitPrice.String()
			rec[9] = r.PnL.String()
			rec[10] = pnlPct(r).String()
			rec[11] = r.Reason
			rec[12] = fmt.Sprintf("%.2f", r.ExitTime.Sub(r.EntryTime).Hours())
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func pnlPct(r *tradeRow) decimal.Decimal {
	notional := r.EntryPrice.Mul(r.Quantity)
	if notional.IsZero() {
		return decimal.Zero
	}
	return r.PnL.Div(notional).Mul(decimal.NewFromInt(100)).Round(4)
}
