package pending

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

func entry(id, symbol string) *types.PendingEntry {
	return &types.PendingEntry{
		ClientOrderID:   id,
		TradeID:         "t-" + id,
		Symbol:          symbol,
		Side:            types.PositionSideLong,
		EntryPrice:      decimal.NewFromInt(42000),
		StopPrice:       decimal.NewFromInt(40000),
		Quantity:        decimal.NewFromFloat(0.001),
		Leverage:        3,
		State:           types.PendingEntryPlaced,
		CandleTimestamp: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
		CreatedAt:       time.Now().UTC(),
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Save(entry("a1", "BTCUSDT")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Save(entry("a2", "ETHUSDT")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Remove("a2"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	s2, err := Open(zap.NewNop(), dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := s2.Get("a1"); got == nil || got.Symbol != "BTCUSDT" {
		t.Fatalf("a1 after reopen = %+v", got)
	}
	if s2.Get("a2") != nil {
		t.Fatal("removed entry resurrected")
	}
	if len(s2.All()) != 1 {
		t.Fatalf("entries = %d, want 1", len(s2.All()))
	}
}

func TestFindByBar(t *testing.T) {
	s, err := Open(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pe := entry("a1", "BTCUSDT")
	if err := s.Save(pe); err != nil {
		t.Fatalf("save: %v", err)
	}

	if got := s.FindByBar("BTCUSDT", pe.CandleTimestamp); got == nil {
		t.Fatal("bar lookup missed existing entry")
	}
	if got := s.FindByBar("BTCUSDT", pe.CandleTimestamp.Add(time.Minute)); got != nil {
		t.Fatal("bar lookup matched wrong candle")
	}
	if got := s.FindByBar("ETHUSDT", pe.CandleTimestamp); got != nil {
		t.Fatal("bar lookup matched wrong symbol")
	}
}

func TestReconcileAgainstVenue(t *testing.T) {
	s, err := Open(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	for _, e := range []*types.PendingEntry{
		entry("open1", "BTCUSDT"),
		entry("gone1", "ETHUSDT"),
		entry("fill1", "SOLUSDT"),
	} {
		if err := s.Save(e); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	mock := exchange.NewMock()
	mock.SeedOrder(types.Order{
		ClientOrderID: "open1", Symbol: "BTCUSDT", Status: types.OrderStatusOpen,
		Quantity: decimal.NewFromFloat(0.001),
	})
	mock.SeedOrder(types.Order{
		ClientOrderID: "fill1", Symbol: "SOLUSDT", Status: types.OrderStatusFilled,
		Quantity: decimal.NewFromFloat(0.001),
	})

	retained, filled, err := s.Reconcile(context.Background(), mock)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if len(retained) != 1 || retained[0].ClientOrderID != "open1" {
		t.Fatalf("retained = %+v", retained)
	}
	if len(filled) != 1 || filled[0].ClientOrderID != "fill1" {
		t.Fatalf("filled = %+v", filled)
	}
	if s.Get("gone1") != nil {
		t.Fatal("stale entry not discarded")
	}
	if s.Get("open1") == nil {
		t.Fatal("working entry discarded")
	}
}
