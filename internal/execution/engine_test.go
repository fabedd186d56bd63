package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/internal/pending"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

type engineFixture struct {
	engine *Engine
	bus    *events.Bus
	mock   *exchange.Mock
	store  *pending.Store
	states *state.Manager
	kinds  *[]events.Kind
}

func newEngineFixture(t *testing.T, cfg types.ExecutionConfig) *engineFixture {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	ledger, err := events.OpenLedger(logger, dir)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { ledger.Close() })
	bus := events.NewBus(logger, ledger)

	mgr := state.NewManager(logger, types.DefaultRiskLimits(), decimal.NewFromInt(10000))
	mgr.Attach(bus)

	var kinds []events.Kind
	bus.Subscribe("recorder", func(ev *events.Event) {
		kinds = append(kinds, ev.Kind)
	})

	store, err := pending.Open(logger, dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	mock := exchange.NewMock()
	mock.SetFilters(types.SymbolFilters{
		Symbol:      "BTCUSDT",
		StepSize:    decimal.NewFromFloat(0.001),
		TickSize:    decimal.NewFromFloat(0.5),
		MinQty:      decimal.NewFromFloat(0.001),
		MinNotional: decimal.NewFromInt(5),
	})
	mock.SetTicker(types.BookTicker{
		Symbol:   "BTCUSDT",
		BidPrice: decimal.NewFromInt(41999),
		AskPrice: decimal.NewFromInt(42001),
	})
	mock.SetMark("BTCUSDT", decimal.NewFromInt(42000))

	eng := NewEngine(logger, bus, mock, store, mgr, cfg, types.Timeframe15m)
	return &engineFixture{engine: eng, bus: bus, mock: mock, store: store, states: mgr, kinds: &kinds}
}

func fastConfig() types.ExecutionConfig {
	cfg := types.DefaultExecutionConfig()
	cfg.RetryAttempts = 1
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	cfg.TakeProfitEnabled = false
	return cfg
}

func longProposal() *types.TradeProposal {
	return &types.TradeProposal{
		Symbol:          "BTCUSDT",
		Side:            types.PositionSideLong,
		EntryPrice:      decimal.NewFromInt(42000),
		StopPrice:       decimal.NewFromInt(40000),
		ATR:             decimal.NewFromInt(1000),
		Leverage:        3,
		TradeID:         "trade-1",
		CandleTimestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *engineFixture) sawKind(k events.Kind) bool {
	for _, got := range *f.kinds {
		if got == k {
			return true
		}
	}
	return false
}

func (f *engineFixture) entryID(t *testing.T) string {
	t.Helper()
	all := f.store.All()
	if len(all) != 1 {
		t.Fatalf("expected exactly one pending entry, got %d", len(all))
	}
	return all[0].ClientOrderID
}

func fillUpdate(id string, price, qty decimal.Decimal) exchange.OrderUpdate {
	return exchange.OrderUpdate{
		ClientOrderID: id,
		Symbol:        "BTCUSDT",
		Status:        types.OrderStatusFilled,
		FilledQty:     qty,
		LastFillQty:   qty,
		LastFillPrice: price,
		EventTime:     time.Now().UTC(),
	}
}

func TestEntryFillAttachesProtectiveStop(t *testing.T) {
	f := newEngineFixture(t, fastConfig())
	ctx := context.Background()
	qty := decimal.NewFromFloat(0.05)

	if err := f.engine.PlaceEntry(ctx, longProposal(), qty, 3); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	id := f.entryID(t)

	placed := f.mock.Placed()
	if len(placed) != 1 || placed[0].Type != types.OrderTypeLimit {
		t.Fatalf("expected one LIMIT placement, got %+v", placed)
	}

	f.engine.HandleOrderUpdate(ctx, fillUpdate(id, decimal.NewFromInt(42000), qty))

	snap := f.states.Snapshot()
	pos := snap.Positions["BTCUSDT"]
	if pos == nil {
		t.Fatal("position not opened after fill")
	}
	if !pos.Quantity.Equal(qty) {
		t.Fatalf("position quantity = %s, want %s", pos.Quantity, qty)
	}
	if pos.StopClientOrderID == "" {
		t.Fatal("protective stop id not recorded on position")
	}

	placed = f.mock.Placed()
	if len(placed) != 2 {
		t.Fatalf("expected entry + stop placements, got %d", len(placed))
	}
	stop := placed[1]
	if stop.Type != types.OrderTypeStopMarket || !stop.ReduceOnly {
		t.Fatalf("protective order = %+v, want reduce-only STOP_MARKET", stop)
	}
	if !stop.StopPrice.Equal(decimal.NewFromInt(40000)) {
		t.Fatalf("stop price = %s, want 40000", stop.StopPrice)
	}
	if !stop.Quantity.Equal(qty) {
		t.Fatalf("stop quantity = %s, want filled %s", stop.Quantity, qty)
	}
	if len(f.store.All()) != 0 {
		t.Fatal("pending entry should be removed after the fill")
	}
	if !f.sawKind(events.KindPositionOpened) {
		t.Fatal("PositionOpened not published")
	}
}

func TestProtectiveStopFailurePausesTrading(t *testing.T) {
	f := newEngineFixture(t, fastConfig())
	ctx := context.Background()
	qty := decimal.NewFromFloat(0.05)

	f.mock.PlaceHook = func(req *exchange.OrderRequest) error {
		if req.Type == types.OrderTypeStopMarket {
			return &exchange.APIError{Class: exchange.ErrPermanent, Code: -4003, Msg: "quantity less than zero"}
		}
		return nil
	}

	if err := f.engine.PlaceEntry(ctx, longProposal(), qty, 3); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	f.engine.HandleOrderUpdate(ctx, fillUpdate(f.entryID(t), decimal.NewFromInt(42000), qty))

	snap := f.states.Snapshot()
	if !snap.RequiresManualReview {
		t.Fatal("requires_manual_review should be set after a protective failure")
	}
	if !f.sawKind(events.KindManualInterventionDetected) {
		t.Fatal("ManualInterventionDetected not published")
	}
	// The position itself remains tracked; only new trading halts.
	if snap.Positions["BTCUSDT"] == nil {
		t.Fatal("position should remain tracked")
	}
}

func TestStopFillClosesPositionAndCancelsSibling(t *testing.T) {
	cfg := fastConfig()
	cfg.TakeProfitEnabled = true
	f := newEngineFixture(t, cfg)
	ctx := context.Background()
	qty := decimal.NewFromFloat(0.05)

	p := longProposal()
	p.TakeProfit = decimal.NewFromInt(44000)
	if err := f.engine.PlaceEntry(ctx, p, qty, 3); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	f.engine.HandleOrderUpdate(ctx, fillUpdate(f.entryID(t), decimal.NewFromInt(42000), qty))

	pos := f.states.Snapshot().Positions["BTCUSDT"]
	if pos == nil || pos.StopClientOrderID == "" || pos.TPClientOrderID == "" {
		t.Fatalf("expected stop and take-profit attached, got %+v", pos)
	}
	tpID := pos.TPClientOrderID

	stopFill := fillUpdate(pos.StopClientOrderID, decimal.NewFromInt(40000), qty)
	stopFill.ReduceOnly = true
	f.engine.HandleOrderUpdate(ctx, stopFill)

	snap := f.states.Snapshot()
	if snap.Positions["BTCUSDT"] != nil {
		t.Fatal("position should be closed after the stop fill")
	}
	// 0.05 * (40000-42000) = -100 realized.
	wantEquity := decimal.NewFromInt(9900)
	if !snap.Equity.Equal(wantEquity) {
		t.Fatalf("equity = %s, want %s", snap.Equity, wantEquity)
	}
	if !f.sawKind(events.KindStopTriggered) {
		t.Fatal("StopTriggered not published")
	}
	if !f.sawKind(events.KindPositionClosed) {
		t.Fatal("PositionClosed not published")
	}
	cancelled := f.mock.Cancelled()
	found := false
	for _, id := range cancelled {
		if id == tpID {
			found = true
		}
	}
	if !found {
		t.Fatalf("take-profit sibling %s not cancelled, cancelled=%v", tpID, cancelled)
	}
}

func TestTrailingStopRatchetsMonotonically(t *testing.T) {
	f := newEngineFixture(t, fastConfig())
	ctx := context.Background()
	qty := decimal.NewFromFloat(0.05)

	if err := f.engine.PlaceEntry(ctx, longProposal(), qty, 3); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	f.engine.HandleOrderUpdate(ctx, fillUpdate(f.entryID(t), decimal.NewFromInt(42000), qty))

	// Excursion 1000 < 1.5 ATR arm distance: no trail yet.
	f.engine.UpdateTrailing(ctx, map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(43000)})
	pos := f.states.Snapshot().Positions["BTCUSDT"]
	if !pos.StopPrice.Equal(decimal.NewFromInt(40000)) {
		t.Fatalf("stop moved before arming: %s", pos.StopPrice)
	}

	// 43600 arms the trail: stop moves to 43600 - 1 ATR = 42600.
	f.engine.UpdateTrailing(ctx, map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(43600)})
	pos = f.states.Snapshot().Positions["BTCUSDT"]
	if !pos.StopPrice.Equal(decimal.NewFromInt(42600)) {
		t.Fatalf("stop = %s, want 42600", pos.StopPrice)
	}
	firstTrail := pos.StopClientOrderID

	// Price retreats: the stop never loosens.
	f.engine.UpdateTrailing(ctx, map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(42800)})
	pos = f.states.Snapshot().Positions["BTCUSDT"]
	if !pos.StopPrice.Equal(decimal.NewFromInt(42600)) {
		t.Fatalf("stop loosened to %s", pos.StopPrice)
	}
	if pos.StopClientOrderID != firstTrail {
		t.Fatal("stop replaced without improvement")
	}

	// A new high ratchets again.
	f.engine.UpdateTrailing(ctx, map[string]decimal.Decimal{"BTCUSDT": decimal.NewFromInt(43700)})
	pos = f.states.Snapshot().Positions["BTCUSDT"]
	if !pos.StopPrice.Equal(decimal.NewFromInt(42700)) {
		t.Fatalf("stop = %s, want 42700", pos.StopPrice)
	}
}

func TestEntryTimeoutCancel(t *testing.T) {
	cfg := fastConfig()
	cfg.EntryTimeoutMode = types.TimeoutModeFixed
	cfg.EntryTimeoutSec = 60
	cfg.TimeoutAction = types.TimeoutActionCancel
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	if err := f.engine.PlaceEntry(ctx, longProposal(), decimal.NewFromFloat(0.05), 3); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	id := f.entryID(t)

	// Before the deadline nothing happens.
	f.engine.CheckEntryTimeouts(ctx, time.Now().UTC().Add(30*time.Second))
	if len(f.store.All()) != 1 {
		t.Fatal("entry expired before its deadline")
	}

	f.engine.CheckEntryTimeouts(ctx, time.Now().UTC().Add(2*time.Minute))
	if len(f.store.All()) != 0 {
		t.Fatal("entry not removed at its deadline")
	}
	if !f.sawKind(events.KindOrderExpired) {
		t.Fatal("OrderExpired not published")
	}
	cancelled := f.mock.Cancelled()
	if len(cancelled) != 1 || cancelled[0] != id {
		t.Fatalf("cancelled = %v, want [%s]", cancelled, id)
	}
}

func TestEntryTimeoutConvertMarket(t *testing.T) {
	cfg := fastConfig()
	cfg.EntryTimeoutMode = types.TimeoutModeFixed
	cfg.EntryTimeoutSec = 60
	cfg.TimeoutAction = types.TimeoutActionConvertMarket
	f := newEngineFixture(t, cfg)
	ctx := context.Background()

	if err := f.engine.PlaceEntry(ctx, longProposal(), decimal.NewFromFloat(0.05), 3); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	original := f.entryID(t)

	f.engine.CheckEntryTimeouts(ctx, time.Now().UTC().Add(2*time.Minute))

	all := f.store.All()
	if len(all) != 1 {
		t.Fatalf("expected one converted pending entry, got %d", len(all))
	}
	converted := all[0]
	if converted.ClientOrderID == original {
		t.Fatal("converted entry kept the original id")
	}
	if converted.OriginalClientOrderID != original {
		t.Fatalf("lineage = %q, want %q", converted.OriginalClientOrderID, original)
	}
	if converted.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", converted.AttemptCount)
	}

	placed := f.mock.Placed()
	last := placed[len(placed)-1]
	if last.Type != types.OrderTypeMarket {
		t.Fatalf("conversion placed %s, want MARKET", last.Type)
	}
	if last.ClientOrderID != converted.ClientOrderID {
		t.Fatalf("placement id = %s, want %s", last.ClientOrderID, converted.ClientOrderID)
	}
}

func TestMicrostructureRejectsWideSpread(t *testing.T) {
	f := newEngineFixture(t, fastConfig())
	ctx := context.Background()

	// ~0.55% spread against a 0.10% gate.
	f.mock.SetTicker(types.BookTicker{
		Symbol:   "BTCUSDT",
		BidPrice: decimal.NewFromInt(41900),
		AskPrice: decimal.NewFromInt(42130),
	})

	if err := f.engine.PlaceEntry(ctx, longProposal(), decimal.NewFromFloat(0.05), 3); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if len(f.mock.Placed()) != 0 {
		t.Fatal("order placed despite spread rejection")
	}
	if len(f.store.All()) != 0 {
		t.Fatal("pending entry persisted despite rejection")
	}
	if !f.sawKind(events.KindRiskRejected) {
		t.Fatal("RiskRejected not published")
	}
}

func TestMicrostructureFailsOpenOnTickerError(t *testing.T) {
	f := newEngineFixture(t, fastConfig())
	ctx := context.Background()

	f.mock.TickerErr = errors.New("stream hiccup")

	if err := f.engine.PlaceEntry(ctx, longProposal(), decimal.NewFromFloat(0.05), 3); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if len(f.mock.Placed()) != 1 {
		t.Fatal("entry should still be placed when microstructure data is unavailable")
	}
}

func TestDuplicateBarIsNoOp(t *testing.T) {
	f := newEngineFixture(t, fastConfig())
	ctx := context.Background()

	p := longProposal()
	if err := f.engine.PlaceEntry(ctx, p, decimal.NewFromFloat(0.05), 3); err != nil {
		t.Fatalf("PlaceEntry: %v", err)
	}
	if err := f.engine.PlaceEntry(ctx, p, decimal.NewFromFloat(0.05), 3); err != nil {
		t.Fatalf("second PlaceEntry: %v", err)
	}
	if got := len(f.mock.Placed()); got != 1 {
		t.Fatalf("placements = %d, want 1 for duplicate bar", got)
	}
}

func TestPlacementRetriesTransientThenFails(t *testing.T) {
	f := newEngineFixture(t, fastConfig())
	ctx := context.Background()

	attempts := 0
	f.mock.PlaceHook = func(req *exchange.OrderRequest) error {
		attempts++
		return &exchange.APIError{Class: exchange.ErrTransient, Code: -1001, Msg: "internal error"}
	}

	err := f.engine.PlaceEntry(ctx, longProposal(), decimal.NewFromFloat(0.05), 3)
	if err == nil {
		t.Fatal("expected terminal placement failure")
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want initial + 1 retry", attempts)
	}
	if len(f.store.All()) != 0 {
		t.Fatal("pending entry should be dropped on terminal failure")
	}
	if !f.sawKind(events.KindOrderExpired) {
		t.Fatal("OrderExpired not published for placement failure")
	}
}
