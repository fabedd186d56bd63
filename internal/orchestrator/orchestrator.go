// Package orchestrator runs the cooperative loops that drive the system:
// universe refresh, news ingestion, strategy cycles, reconciliation, the
// protective-order watchdog, the user stream, telemetry and clock sync.
// Each loop is independently cancellable; a ShutdownInitiated event on
// the bus stops them all and concludes with SystemStopped.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/internal/execution"
	"github.com/nautilus-trade/perpcore/internal/news"
	"github.com/nautilus-trade/perpcore/internal/recon"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/internal/strategy"
	"github.com/nautilus-trade/perpcore/internal/telemetry"
	"github.com/nautilus-trade/perpcore/internal/userstream"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// TimeSyncer is implemented by venues that maintain a signed-request
// clock offset.
type TimeSyncer interface {
	SyncTime(ctx context.Context) error
}

// Deps carries the wired components. News, Stream and Metrics are
// optional; their loops are skipped when nil.
type Deps struct {
	Bus        *events.Bus
	States     *state.Manager
	Exchange   exchange.Exchange
	Evaluator  *strategy.Evaluator
	Executor   *execution.Engine
	News       *news.Monitor
	Reconciler *recon.Reconciler
	Watchdog   *recon.Watchdog
	Stream     *userstream.Handler
	Metrics    *telemetry.Metrics

	// Symbols pins the universe to a static allowlist. When empty the
	// universe loop fetches the venue's tradable symbols instead.
	Symbols   []string
	Timeframe types.Timeframe
	Mode      types.RunMode
	Version   string
}

// Orchestrator owns the loop lifecycle.
type Orchestrator struct {
	mu      sync.Mutex
	logger  *zap.Logger
	cfg     types.LoopConfig
	deps    Deps
	running bool
	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startedAt time.Time
	lastBar   time.Time
}

// New creates the orchestrator.
func New(logger *zap.Logger, cfg types.LoopConfig, deps Deps) *Orchestrator {
	return &Orchestrator{
		logger: logger.Named("orchestrator"),
		cfg:    cfg,
		deps:   deps,
	}
}

// Start launches every loop and records SystemStarted. The bus is
// watched for ShutdownInitiated, which triggers Stop.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return fmt.Errorf("orchestrator already running")
	}
	o.running = true
	o.stopCh = make(chan struct{})
	o.startedAt = time.Now().UTC()
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.mu.Unlock()

	if _, err := o.deps.Bus.Publish(events.KindSystemStarted, &events.SystemStartedPayload{
		Mode:    o.deps.Mode,
		Version: o.deps.Version,
	}, nil); err != nil {
		return fmt.Errorf("record system start: %w", err)
	}

	o.deps.Bus.Subscribe("orchestrator", func(ev *events.Event) {
		if ev.Kind == events.KindShutdownInitiated {
			// Stop asynchronously: this handler runs inside Publish.
			go o.Stop()
		}
	})

	if o.deps.Stream != nil {
		if err := o.deps.Stream.Start(runCtx); err != nil {
			o.logger.Error("User stream failed to start", zap.Error(err))
		}
	}

	o.spawn(func() { o.universeLoop(runCtx) })
	o.spawn(func() { o.strategyLoop(runCtx) })
	o.spawn(func() { o.reconcileLoop(runCtx) })
	o.spawn(func() { o.watchdogLoop(runCtx) })
	if o.deps.News != nil {
		o.spawn(func() { o.newsLoop(runCtx) })
	}
	if o.deps.Metrics != nil {
		o.spawn(func() { o.telemetryLoop(runCtx) })
	}
	if _, ok := o.deps.Exchange.(TimeSyncer); ok {
		o.spawn(func() { o.timeSyncLoop(runCtx) })
	}

	o.logger.Info("Orchestrator started",
		zap.String("mode", string(o.deps.Mode)),
		zap.Int("symbols", len(o.deps.Symbols)))
	return nil
}

// Stop cancels every loop, drains them, and records SystemStopped.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.cancel()
	o.mu.Unlock()

	if o.deps.Stream != nil {
		o.deps.Stream.Stop()
	}
	o.wg.Wait()

	uptime := time.Since(o.startedAt).Round(time.Second)
	if _, err := o.deps.Bus.Publish(events.KindSystemStopped, &events.SystemStoppedPayload{
		Uptime: uptime.String(),
	}, nil); err != nil {
		o.logger.Error("Failed to record system stop", zap.Error(err))
	}
	o.logger.Info("Orchestrator stopped", zap.Duration("uptime", uptime))
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// universeLoop refreshes the tradable universe on a long cadence and
// retries on a short one after failures.
func (o *Orchestrator) universeLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-timer.C:
			next := o.cfg.UniverseInterval
			if err := o.refreshUniverse(ctx); err != nil {
				o.logger.Warn("Universe refresh failed", zap.Error(err))
				next = o.cfg.UniverseRetryInterval
			}
			timer.Reset(next)
		}
	}
}

func (o *Orchestrator) refreshUniverse(ctx context.Context) error {
	symbols := o.deps.Symbols
	if len(symbols) == 0 {
		var err error
		symbols, err = o.deps.Exchange.Symbols(ctx)
		if err != nil {
			return fmt.Errorf("fetch symbols: %w", err)
		}
	}
	if len(symbols) == 0 {
		return fmt.Errorf("empty universe")
	}
	_, err := o.deps.Bus.Publish(events.KindUniverseUpdated, &events.UniverseUpdatedPayload{
		Symbols: symbols,
	}, nil)
	return err
}

// strategyLoop runs entry timeouts, trailing maintenance and one
// evaluation cycle per closed bar. The bar guard keeps a restarted tick
// from proposing twice off the same candle.
func (o *Orchestrator) strategyLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.StrategyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.runStrategyCycle(ctx, time.Now().UTC())
		}
	}
}

func (o *Orchestrator) runStrategyCycle(ctx context.Context, now time.Time) {
	// Entry deadlines and trailing ratchets are serviced every tick;
	// only the evaluation itself is once per bar.
	o.deps.Executor.CheckEntryTimeouts(ctx, now)
	o.deps.Executor.UpdateTrailing(ctx, o.markPrices(ctx))

	barOpen := now.Truncate(o.deps.Timeframe.Duration())
	if barOpen.Equal(o.lastBar) {
		o.logger.Debug("Bar already processed", zap.Time("bar", barOpen))
		return
	}

	if err := o.deps.Evaluator.RunCycle(ctx, now); err != nil {
		o.logger.Error("Trade cycle failed", zap.Error(err))
		return
	}
	o.lastBar = barOpen
}

// markPrices collects current marks for symbols carrying positions.
func (o *Orchestrator) markPrices(ctx context.Context) map[string]decimal.Decimal {
	snap := o.deps.States.Snapshot()
	prices := make(map[string]decimal.Decimal, len(snap.Positions))
	for symbol := range snap.Positions {
		mark, err := o.deps.Exchange.MarkPrice(ctx, symbol)
		if err != nil {
			o.logger.Warn("Mark price unavailable",
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		prices[symbol] = mark
	}
	return prices
}

func (o *Orchestrator) newsLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.NewsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			if err := o.deps.News.Poll(ctx, time.Now().UTC()); err != nil {
				o.logger.Warn("News poll failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			if err := o.deps.Reconciler.Reconcile(ctx, time.Now().UTC()); err != nil {
				o.logger.Error("Reconciliation failed", zap.Error(err))
			}
		}
	}
}

func (o *Orchestrator) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			if err := o.deps.Watchdog.Check(ctx, time.Now().UTC()); err != nil {
				o.logger.Error("Watchdog check failed", zap.Error(err))
			}
		}
	}
}

// telemetryLoop snapshots gauges on its cadence and emits the daily
// summary on the first tick after UTC midnight.
func (o *Orchestrator) telemetryLoop(ctx context.Context) {
	ticker := time.NewTicker(o.cfg.TelemetryInterval)
	defer ticker.Stop()

	lastDay := time.Now().UTC().Truncate(24 * time.Hour)
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			o.deps.Metrics.Snapshot(now)
			if day := now.Truncate(24 * time.Hour); day.After(lastDay) {
				o.deps.Metrics.DailySummary(now)
				lastDay = day
			}
		}
	}
}

func (o *Orchestrator) timeSyncLoop(ctx context.Context) {
	syncer := o.deps.Exchange.(TimeSyncer)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-timer.C:
			if err := syncer.SyncTime(ctx); err != nil {
				o.logger.Warn("Time sync failed", zap.Error(err))
			}
			timer.Reset(o.cfg.TimeSyncInterval)
		}
	}
}
