package state

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *events.Bus, *events.Ledger) {
	t.Helper()
	ledger, err := events.OpenLedger(zap.NewNop(), t.TempDir())
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	bus := events.NewBus(zap.NewNop(), ledger)
	mgr := NewManager(zap.NewNop(), types.DefaultRiskLimits(), decimal.NewFromInt(10000))
	mgr.Attach(bus)
	return mgr, bus, ledger
}

func publish(t *testing.T, bus *events.Bus, kind events.Kind, payload any) {
	t.Helper()
	if _, err := bus.Publish(kind, payload, nil); err != nil {
		t.Fatalf("publish %s: %v", kind, err)
	}
}

func entryFlow(t *testing.T, bus *events.Bus, symbol string) {
	t.Helper()
	entry := decimal.NewFromInt(42000)
	qty := decimal.NewFromFloat(0.001)
	publish(t, bus, events.KindOrderPlaced, &events.OrderPlacedPayload{
		Order: types.Order{
			ClientOrderID: symbol + "_EN-B-1",
			Symbol:        symbol,
			Side:          types.OrderSideBuy,
			Type:          types.OrderTypeLimit,
			Quantity:      qty,
			Price:         entry,
			Status:        types.OrderStatusPlaced,
		},
		Pending: &types.PendingEntry{
			ClientOrderID: symbol + "_EN-B-1",
			TradeID:       "trade-1",
			Symbol:        symbol,
			Side:          types.PositionSideLong,
			EntryPrice:    entry,
			StopPrice:     decimal.NewFromInt(40000),
			Quantity:      qty,
			Leverage:      3,
			State:         types.PendingEntryPlaced,
		},
	})
	publish(t, bus, events.KindOrderFilled, &events.OrderFilledPayload{
		ClientOrderID: symbol + "_EN-B-1",
		Symbol:        symbol,
		Price:         entry,
		Quantity:      qty,
		FilledAt:      time.Now().UTC(),
	})
}

func TestEntryFillOpensPosition(t *testing.T) {
	mgr, bus, _ := newTestManager(t)
	entryFlow(t, bus, "BTCUSDT")

	st := mgr.Snapshot()
	pos, ok := st.Positions["BTCUSDT"]
	if !ok {
		t.Fatal("position not opened on entry fill")
	}
	if pos.Side != types.PositionSideLong {
		t.Fatalf("side = %s", pos.Side)
	}
	if !pos.StopPrice.Equal(decimal.NewFromInt(40000)) {
		t.Fatalf("stop = %s", pos.StopPrice)
	}
	if len(st.OpenOrders) != 0 {
		t.Fatalf("open orders = %d, want 0", len(st.OpenOrders))
	}
	if len(st.PendingEntries) != 0 {
		t.Fatalf("pending entries = %d, want 0", len(st.PendingEntries))
	}
}

func TestPartialFillOpensWithPartialQuantity(t *testing.T) {
	mgr, bus, _ := newTestManager(t)
	qty := decimal.NewFromFloat(0.002)
	half := decimal.NewFromFloat(0.001)
	publish(t, bus, events.KindOrderPlaced, &events.OrderPlacedPayload{
		Order: types.Order{
			ClientOrderID: "ETHUSDT_EN-B-1", Symbol: "ETHUSDT",
			Side: types.OrderSideBuy, Type: types.OrderTypeLimit,
			Quantity: qty, Price: decimal.NewFromInt(3000),
			Status: types.OrderStatusPlaced,
		},
		Pending: &types.PendingEntry{
			ClientOrderID: "ETHUSDT_EN-B-1", Symbol: "ETHUSDT",
			Side: types.PositionSideLong, Quantity: qty, Leverage: 2,
			EntryPrice: decimal.NewFromInt(3000), StopPrice: decimal.NewFromInt(2900),
			State: types.PendingEntryPlaced, TradeID: "trade-2",
		},
	})
	publish(t, bus, events.KindOrderPartialFill, &events.OrderPartialFillPayload{
		ClientOrderID: "ETHUSDT_EN-B-1", Symbol: "ETHUSDT",
		Price: decimal.NewFromInt(3000), Quantity: half, CumFilled: half,
		FilledAt: time.Now().UTC(),
	})

	st := mgr.Snapshot()
	pos, ok := st.Positions["ETHUSDT"]
	if !ok {
		t.Fatal("partial fill did not open position")
	}
	if !pos.Quantity.Equal(half) {
		t.Fatalf("quantity = %s, want %s", pos.Quantity, half)
	}
	o := st.OpenOrders["ETHUSDT_EN-B-1"]
	if o == nil || o.Status != types.OrderStatusPartiallyFilled {
		t.Fatalf("order status = %+v", o)
	}

	// Completion grows the position to the full quantity.
	publish(t, bus, events.KindOrderFilled, &events.OrderFilledPayload{
		ClientOrderID: "ETHUSDT_EN-B-1", Symbol: "ETHUSDT",
		Price: decimal.NewFromInt(3010), Quantity: qty,
		FilledAt: time.Now().UTC(),
	})
	st = mgr.Snapshot()
	pos = st.Positions["ETHUSDT"]
	if !pos.Quantity.Equal(qty) {
		t.Fatalf("final quantity = %s, want %s", pos.Quantity, qty)
	}
	if len(st.PendingEntries) != 0 {
		t.Fatal("pending entry not removed on completion")
	}
}

func TestPositionClosedUpdatesEquityAndStreak(t *testing.T) {
	mgr, bus, _ := newTestManager(t)
	entryFlow(t, bus, "BTCUSDT")

	publish(t, bus, events.KindPositionClosed, &events.PositionClosedPayload{
		Symbol: "BTCUSDT", TradeID: "trade-1",
		ExitPrice: decimal.NewFromInt(41000),
		PnL:       decimal.NewFromInt(-100),
		ClosedAt:  time.Now().UTC(),
	})

	st := mgr.Snapshot()
	if _, ok := st.Positions["BTCUSDT"]; ok {
		t.Fatal("position not removed on close")
	}
	if !st.Equity.Equal(decimal.NewFromInt(9900)) {
		t.Fatalf("equity = %s, want 9900", st.Equity)
	}
	if st.ConsecutiveLosses != 1 {
		t.Fatalf("consecutiveLosses = %d, want 1", st.ConsecutiveLosses)
	}
	if st.CooldownUntil.IsZero() {
		t.Fatal("cooldown not set after loss")
	}
	if !st.DailyLoss.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("dailyLoss = %s", st.DailyLoss)
	}
}

func TestCircuitBreakerOnConsecutiveLosses(t *testing.T) {
	mgr, bus, _ := newTestManager(t)

	for i := 0; i < 4; i++ {
		publish(t, bus, events.KindPositionClosed, &events.PositionClosedPayload{
			Symbol: "BTCUSDT", TradeID: "t",
			PnL:      decimal.NewFromInt(-10),
			ClosedAt: time.Now().UTC(),
		})
	}

	st := mgr.Snapshot()
	if !st.CircuitBreakerActive {
		t.Fatal("breaker not active after 4 consecutive losses")
	}
	if !st.RequiresManualReview {
		t.Fatal("breaker active must imply manual review")
	}
	if !st.Paused(time.Now().UTC().Add(8 * time.Hour)) {
		t.Fatal("state not paused with breaker active")
	}
}

func TestManualAckClearsBreakerOnlyWhenConditionReceded(t *testing.T) {
	mgr, bus, _ := newTestManager(t)

	for i := 0; i < 4; i++ {
		publish(t, bus, events.KindPositionClosed, &events.PositionClosedPayload{
			Symbol: "BTCUSDT", PnL: decimal.NewFromInt(-10), ClosedAt: time.Now().UTC(),
		})
	}
	if !mgr.Snapshot().CircuitBreakerActive {
		t.Fatal("precondition: breaker active")
	}

	// Condition still holds (streak unchanged): ack does not release.
	publish(t, bus, events.KindManualReviewAcknowledged, &events.ManualReviewAcknowledgedPayload{Operator: "ops"})
	if !mgr.Snapshot().CircuitBreakerActive {
		t.Fatal("ack released breaker while condition still held")
	}

	// A winning close resets the streak; the next ack releases.
	publish(t, bus, events.KindPositionClosed, &events.PositionClosedPayload{
		Symbol: "BTCUSDT", PnL: decimal.NewFromInt(50), ClosedAt: time.Now().UTC(),
	})
	publish(t, bus, events.KindManualReviewAcknowledged, &events.ManualReviewAcknowledgedPayload{Operator: "ops"})
	st := mgr.Snapshot()
	if st.CircuitBreakerActive {
		t.Fatal("breaker still active after condition receded and ack")
	}
	if st.RequiresManualReview {
		t.Fatal("manual review flag not cleared")
	}
}

func TestFundingSettlementSign(t *testing.T) {
	mgr, bus, _ := newTestManager(t)
	entryFlow(t, bus, "BTCUSDT")

	// Positive cashflow means the position paid.
	publish(t, bus, events.KindFundingSettlement, &events.FundingSettlementPayload{
		Symbol:   "BTCUSDT",
		Rate:     decimal.NewFromFloat(0.0001),
		Cashflow: decimal.NewFromInt(5),
	})

	st := mgr.Snapshot()
	if !st.Equity.Equal(decimal.NewFromInt(9995)) {
		t.Fatalf("equity = %s, want 9995", st.Equity)
	}
	if !st.Positions["BTCUSDT"].FundingPaid.Equal(decimal.NewFromInt(5)) {
		t.Fatalf("fundingPaid = %s", st.Positions["BTCUSDT"].FundingPaid)
	}
}

func TestNewsFlagSetAndCleared(t *testing.T) {
	mgr, bus, _ := newTestManager(t)
	now := time.Now().UTC()

	publish(t, bus, events.KindNewsClassified, &events.NewsClassifiedPayload{
		Symbol: "SOLUSDT", Level: types.NewsRiskHigh, ExpiresAt: now.Add(time.Hour),
	})
	if !mgr.Snapshot().NewsBlocked("SOLUSDT", now) {
		t.Fatal("HIGH flag not blocking")
	}
	if mgr.Snapshot().NewsBlocked("SOLUSDT", now.Add(2*time.Hour)) {
		t.Fatal("expired flag still blocking")
	}

	publish(t, bus, events.KindNewsClassified, &events.NewsClassifiedPayload{
		Symbol: "SOLUSDT", Level: types.NewsRiskLow,
	})
	if _, ok := mgr.Snapshot().NewsRiskFlags["SOLUSDT"]; ok {
		t.Fatal("LOW classification did not clear flag")
	}
}

func TestRebuildMatchesLiveState(t *testing.T) {
	mgr, bus, ledger := newTestManager(t)
	entryFlow(t, bus, "BTCUSDT")
	publish(t, bus, events.KindFundingSettlement, &events.FundingSettlementPayload{
		Symbol: "BTCUSDT", Cashflow: decimal.NewFromInt(3),
	})
	publish(t, bus, events.KindPositionClosed, &events.PositionClosedPayload{
		Symbol: "BTCUSDT", PnL: decimal.NewFromInt(-25), ClosedAt: time.Now().UTC(),
	})
	live := mgr.Snapshot()

	fresh := NewManager(zap.NewNop(), types.DefaultRiskLimits(), decimal.NewFromInt(10000))
	if err := fresh.Rebuild(ledger, decimal.NewFromInt(10000)); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	rebuilt := fresh.Snapshot()

	if !rebuilt.Equity.Equal(live.Equity) {
		t.Fatalf("equity: rebuilt %s, live %s", rebuilt.Equity, live.Equity)
	}
	if rebuilt.LastAppliedSequence != live.LastAppliedSequence {
		t.Fatalf("lastAppliedSequence: rebuilt %d, live %d", rebuilt.LastAppliedSequence, live.LastAppliedSequence)
	}
	if rebuilt.ConsecutiveLosses != live.ConsecutiveLosses {
		t.Fatalf("streak: rebuilt %d, live %d", rebuilt.ConsecutiveLosses, live.ConsecutiveLosses)
	}
	if len(rebuilt.Positions) != len(live.Positions) || len(rebuilt.OpenOrders) != len(live.OpenOrders) {
		t.Fatal("rebuilt maps differ from live state")
	}
}

func TestReplayIdempotence(t *testing.T) {
	mgr, bus, ledger := newTestManager(t)
	entryFlow(t, bus, "BTCUSDT")
	before := mgr.Snapshot()

	// Re-applying every ledgered event must be a no-op.
	if err := ledger.Replay(func(ev *events.Event) error {
		mgr.HandleEvent(ev)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	after := mgr.Snapshot()
	if !after.Equity.Equal(before.Equity) || after.LastAppliedSequence != before.LastAppliedSequence {
		t.Fatal("replay of applied events changed state")
	}
	if len(after.Positions) != len(before.Positions) {
		t.Fatal("replay duplicated positions")
	}
}
