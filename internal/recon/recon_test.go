package recon

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/internal/execution"
	"github.com/nautilus-trade/perpcore/internal/pending"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

type reconFixture struct {
	reconciler *Reconciler
	watchdog   *Watchdog
	engine     *execution.Engine
	bus        *events.Bus
	mock       *exchange.Mock
	store      *pending.Store
	states     *state.Manager
	kinds      *[]events.Kind
}

func newReconFixture(t *testing.T) *reconFixture {
	t.Helper()
	dir := t.TempDir()
	logger := zap.NewNop()

	ledger, err := events.OpenLedger(logger, dir)
	require.NoError(t, err)
	t.Cleanup(func() { ledger.Close() })
	bus := events.NewBus(logger, ledger)

	mgr := state.NewManager(logger, types.DefaultRiskLimits(), decimal.NewFromInt(10000))
	mgr.Attach(bus)

	var kinds []events.Kind
	bus.Subscribe("recorder", func(ev *events.Event) { kinds = append(kinds, ev.Kind) })

	store, err := pending.Open(logger, dir)
	require.NoError(t, err)

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
	mock.SetBalance(decimal.NewFromInt(10000))

	cfg := types.DefaultExecutionConfig()
	cfg.RetryAttempts = 1
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	cfg.TakeProfitEnabled = false
	eng := execution.NewEngine(logger, bus, mock, store, mgr, cfg, types.Timeframe15m)

	return &reconFixture{
		reconciler: NewReconciler(logger, bus, mock, mgr, store, eng),
		watchdog:   NewWatchdog(logger, bus, mock, mgr, eng),
		engine:     eng,
		bus:        bus,
		mock:       mock,
		store:      store,
		states:     mgr,
		kinds:      &kinds,
	}
}

func (f *reconFixture) sawKind(k events.Kind) bool {
	for _, got := range *f.kinds {
		if got == k {
			return true
		}
	}
	return false
}

// placeEntry runs a real placement so pending state, the durable store,
// and the mock's order book all agree, the way they would in production.
func (f *reconFixture) placeEntry(t *testing.T) string {
	t.Helper()
	p := &types.TradeProposal{
		Symbol:          "BTCUSDT",
		Side:            types.PositionSideLong,
		EntryPrice:      decimal.NewFromInt(42000),
		StopPrice:       decimal.NewFromInt(40000),
		ATR:             decimal.NewFromInt(1000),
		Leverage:        3,
		TradeID:         "trade-1",
		CandleTimestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, f.engine.PlaceEntry(context.Background(), p, decimal.NewFromFloat(0.05), 3))
	all := f.store.All()
	require.Len(t, all, 1)
	return all[0].ClientOrderID
}

// openPosition places an entry and fills it, leaving an open position
// with a protective stop resting on the mock.
func (f *reconFixture) openPosition(t *testing.T) *types.Position {
	t.Helper()
	id := f.placeEntry(t)
	f.engine.HandleOrderUpdate(context.Background(), exchange.OrderUpdate{
		ClientOrderID: id,
		Symbol:        "BTCUSDT",
		Status:        types.OrderStatusFilled,
		FilledQty:     decimal.NewFromFloat(0.05),
		LastFillQty:   decimal.NewFromFloat(0.05),
		LastFillPrice: decimal.NewFromInt(42000),
		EventTime:     time.Now().UTC(),
	})
	pos := f.states.Snapshot().Positions["BTCUSDT"]
	require.NotNil(t, pos)
	require.NotEmpty(t, pos.StopClientOrderID)
	return pos
}

func TestReconcileRetainsOpenPendingEntry(t *testing.T) {
	f := newReconFixture(t)
	id := f.placeEntry(t)

	require.NoError(t, f.reconciler.Reconcile(context.Background(), time.Now().UTC()))

	require.NotNil(t, f.store.Get(id))
	require.Contains(t, f.states.Snapshot().PendingEntries, id)
	require.True(t, f.sawKind(events.KindReconciliationCompleted))
	require.False(t, f.sawKind(events.KindManualInterventionDetected))
}

func TestReconcileIngestsFillFoundOnRestart(t *testing.T) {
	f := newReconFixture(t)
	id := f.placeEntry(t)

	// The fill happened while the process was down: the venue reports
	// FILLED on query, but no stream update was ever delivered.
	f.mock.MarkFilled(id, decimal.NewFromInt(42000))
	f.mock.SeedPosition(types.Position{
		Symbol:   "BTCUSDT",
		Side:     types.PositionSideLong,
		Quantity: decimal.NewFromFloat(0.05),
	})

	require.NoError(t, f.reconciler.Reconcile(context.Background(), time.Now().UTC()))

	require.Nil(t, f.store.Get(id))
	pos := f.states.Snapshot().Positions["BTCUSDT"]
	require.NotNil(t, pos)
	require.NotEmpty(t, pos.StopClientOrderID, "protective stop must follow the ingested fill")
	require.True(t, f.sawKind(events.KindPositionOpened))
	require.False(t, f.sawKind(events.KindManualInterventionDetected))
}

func TestReconcileDiscardsStalePendingEntry(t *testing.T) {
	f := newReconFixture(t)
	id := f.placeEntry(t)

	// The venue no longer knows the order at all.
	f.mock.RemoveOrder(id)

	require.NoError(t, f.reconciler.Reconcile(context.Background(), time.Now().UTC()))

	require.Nil(t, f.store.Get(id))
	require.NotContains(t, f.states.Snapshot().PendingEntries, id)
	require.True(t, f.sawKind(events.KindOrderCancelled))
}

func TestReconcileFlagsPositionDrift(t *testing.T) {
	f := newReconFixture(t)
	f.openPosition(t)

	// Venue reports flat even though we hold a position.
	f.mock.SeedPosition(types.Position{Symbol: "BTCUSDT", Quantity: decimal.Zero})

	require.NoError(t, f.reconciler.Reconcile(context.Background(), time.Now().UTC()))

	require.True(t, f.sawKind(events.KindManualInterventionDetected))
	require.True(t, f.states.Snapshot().RequiresManualReview)
}

func TestReconcileFlagsUnknownVenuePosition(t *testing.T) {
	f := newReconFixture(t)
	f.mock.SeedPosition(types.Position{
		Symbol:   "ETHUSDT",
		Side:     types.PositionSideShort,
		Quantity: decimal.NewFromFloat(1.5),
	})

	require.NoError(t, f.reconciler.Reconcile(context.Background(), time.Now().UTC()))

	require.True(t, f.sawKind(events.KindManualInterventionDetected))
}

func TestReconcileMatchingStateIsClean(t *testing.T) {
	f := newReconFixture(t)
	pos := f.openPosition(t)
	f.mock.SeedPosition(types.Position{
		Symbol:   "BTCUSDT",
		Side:     pos.Side,
		Quantity: pos.Quantity,
	})

	require.NoError(t, f.reconciler.Reconcile(context.Background(), time.Now().UTC()))

	require.False(t, f.sawKind(events.KindManualInterventionDetected))
	require.False(t, f.states.Snapshot().RequiresManualReview)
}

func TestWatchdogVerifiesIntactProtectiveOrders(t *testing.T) {
	f := newReconFixture(t)
	f.openPosition(t)

	require.NoError(t, f.watchdog.Check(context.Background(), time.Now().UTC()))

	require.True(t, f.sawKind(events.KindProtectiveOrdersVerified))
	require.False(t, f.sawKind(events.KindProtectiveOrdersMissing))
}

func TestWatchdogReplacesMissingStop(t *testing.T) {
	f := newReconFixture(t)
	pos := f.openPosition(t)
	oldStop := pos.StopClientOrderID

	// The stop vanished from the venue without a cancel report.
	f.mock.RemoveOrder(oldStop)

	require.NoError(t, f.watchdog.Check(context.Background(), time.Now().UTC()))

	require.True(t, f.sawKind(events.KindProtectiveOrdersMissing))
	require.True(t, f.sawKind(events.KindProtectiveOrdersReplaced))

	fresh := f.states.Snapshot().Positions["BTCUSDT"]
	require.NotNil(t, fresh)
	require.NotEmpty(t, fresh.StopClientOrderID)
	require.NotEqual(t, oldStop, fresh.StopClientOrderID)

	open, err := f.mock.OpenOrders(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	found := false
	for _, o := range open {
		if o.ClientOrderID == fresh.StopClientOrderID {
			require.Equal(t, types.OrderTypeStopMarket, o.Type)
			require.True(t, o.ReduceOnly)
			found = true
		}
	}
	require.True(t, found, "replacement stop must rest on the venue")
}
