// Package main is the perpcore entry point. It wires the event ledger,
// state manager, strategy pipeline, execution engine, reconciliation,
// audit logs, telemetry and the operator server, then runs the loop
// orchestrator until a signal or the kill-switch stops it.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/nautilus-trade/perpcore/internal/api"
	"github.com/nautilus-trade/perpcore/internal/audit"
	"github.com/nautilus-trade/perpcore/internal/backtest"
	"github.com/nautilus-trade/perpcore/internal/config"
	"github.com/nautilus-trade/perpcore/internal/data"
	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/internal/execution"
	"github.com/nautilus-trade/perpcore/internal/lock"
	"github.com/nautilus-trade/perpcore/internal/news"
	"github.com/nautilus-trade/perpcore/internal/orchestrator"
	"github.com/nautilus-trade/perpcore/internal/paper"
	"github.com/nautilus-trade/perpcore/internal/pending"
	"github.com/nautilus-trade/perpcore/internal/portfolio"
	"github.com/nautilus-trade/perpcore/internal/recon"
	"github.com/nautilus-trade/perpcore/internal/regime"
	"github.com/nautilus-trade/perpcore/internal/risk"
	"github.com/nautilus-trade/perpcore/internal/scoring"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/internal/strategy"
	"github.com/nautilus-trade/perpcore/internal/telemetry"
	"github.com/nautilus-trade/perpcore/internal/userstream"
	"github.com/nautilus-trade/perpcore/internal/workers"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

const version = "0.1.0"

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Config file path")
	logLevel := flag.String("log-level", "", "Override log level (debug, info, warn, error)")
	runBacktest := flag.Bool("backtest", false, "Run a historical replay instead of trading")
	btStart := flag.String("bt-start", "", "Backtest start (RFC3339)")
	btEnd := flag.String("bt-end", "", "Backtest end (RFC3339)")
	btOut := flag.String("bt-out", "", "Backtest output directory")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()

	if *runBacktest {
		os.Exit(backtestMain(logger, cfg, *btStart, *btEnd, *btOut))
	}
	os.Exit(run(logger, cfg))
}

func run(logger *zap.Logger, cfg *config.Config) int {
	logger.Info("Starting perpcore",
		zap.String("version", version),
		zap.String("mode", string(cfg.Mode)),
		zap.Strings("symbols", cfg.Symbols),
	)

	instance, err := lock.Acquire(logger, cfg.DataDir, string(cfg.Mode))
	if err != nil {
		logger.Error("Instance lock", zap.Error(err))
		return 1
	}
	defer instance.Release()

	ledger, err := events.OpenLedger(logger, filepath.Join(cfg.DataDir, "ledger"))
	if err != nil {
		logger.Error("Open ledger", zap.Error(err))
		return 1
	}
	defer ledger.Close()

	bus := events.NewBus(logger, ledger)
	states := state.NewManager(logger, cfg.Risk, cfg.InitialEquity)
	if err := states.Rebuild(ledger, cfg.InitialEquity); err != nil {
		logger.Error("Ledger replay", zap.Error(err))
		return 1
	}
	states.Attach(bus)

	store, err := pending.Open(logger, filepath.Join(cfg.DataDir, "pending"))
	if err != nil {
		logger.Error("Open pending store", zap.Error(err))
		return 1
	}

	ex, sim, err := buildExchange(logger, cfg, bus, states)
	if err != nil {
		logger.Error("Exchange setup", zap.Error(err))
		return 1
	}

	exec := execution.NewEngine(logger, bus, ex, store, states, cfg.Execution, cfg.Strategy.Timeframe)

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("strategy"))
	pool.Start()
	defer pool.Stop()

	thinking, err := audit.NewThinkingLog(logger, filepath.Join(cfg.DataDir, "audit"))
	if err != nil {
		logger.Error("Open thinking log", zap.Error(err))
		return 1
	}
	defer thinking.Close()

	var volFeed strategy.VolatilityFeed
	if sim != nil {
		volFeed = sim
	}
	eval := strategy.NewEvaluator(logger, cfg.Strategy, strategy.Deps{
		Bus:        bus,
		Exchange:   ex,
		States:     states,
		Scorer:     scoring.NewEngine(cfg.Scoring),
		Classifier: regime.NewClassifier(cfg.Regime),
		Risk:       risk.NewEngine(cfg.Risk),
		Selector:   portfolio.NewSelector(cfg.Risk.MaxPositions),
		Executor:   exec,
		Pool:       pool,
		VolFeed:    volFeed,
		Thoughts:   thinking,
	})

	trades, err := audit.NewTradeLog(logger, filepath.Join(cfg.DataDir, "audit"))
	if err != nil {
		logger.Error("Open trade log", zap.Error(err))
		return 1
	}
	orders, err := audit.NewOrderLog(logger, filepath.Join(cfg.DataDir, "audit"))
	if err != nil {
		logger.Error("Open order log", zap.Error(err))
		return 1
	}
	defer orders.Close()
	audit.NewRecorder(logger, trades, orders).Attach(bus)

	metrics := telemetry.New(logger, states)
	metrics.Attach(bus)

	var monitor *news.Monitor
	if cfg.News.FeedPath != "" {
		monitor = news.NewMonitor(logger, bus, states, &news.FileFeed{Path: cfg.News.FeedPath}, cfg.News)
	}

	var stream *userstream.Handler
	if streamer, ok := ex.(exchange.Streamer); ok {
		stream = userstream.NewHandler(logger, streamer, exec)
	}

	server := api.NewServer(logger, cfg.Server, bus, states, store, metrics)
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("Operator server", zap.Error(err))
		}
	}()

	reconciler := recon.NewReconciler(logger, bus, ex, states, store, exec)
	orch := orchestrator.New(logger, cfg.Loops, orchestrator.Deps{
		Bus:        bus,
		States:     states,
		Exchange:   ex,
		Evaluator:  eval,
		Executor:   exec,
		News:       monitor,
		Reconciler: reconciler,
		Watchdog:   recon.NewWatchdog(logger, bus, ex, states, exec),
		Stream:     stream,
		Metrics:    metrics,
		Symbols:    cfg.Symbols,
		Timeframe:  cfg.Strategy.Timeframe,
		Mode:       cfg.Mode,
		Version:    version,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Startup reconciliation resolves pending entries left by a crash
	// before any new proposals can race them.
	if err := reconciler.Reconcile(ctx, time.Now().UTC()); err != nil {
		logger.Warn("Startup reconciliation failed", zap.Error(err))
	}
	if err := orch.Start(ctx); err != nil {
		logger.Error("Orchestrator start", zap.Error(err))
		return 1
	}

	stopped := make(chan struct{})
	bus.Subscribe("main", func(ev *events.Event) {
		if ev.Kind == events.KindSystemStopped {
			close(stopped)
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
		orch.Stop()
	case <-stopped:
		logger.Info("Stopped via kill-switch")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Error("Operator server shutdown", zap.Error(err))
	}

	logger.Info("perpcore stopped")
	return 0
}

// buildExchange wires the venue for the configured run mode. Paper mode
// returns the simulator as both venue and fill source; testnet and live
// return a gated Binance USD-M client.
func buildExchange(logger *zap.Logger, cfg *config.Config, bus *events.Bus, states *state.Manager) (exchange.Exchange, *paper.Simulator, error) {
	if cfg.Mode == types.RunModePaper {
		sim := paper.NewSimulator(logger, cfg.Paper, bus, func() map[string]*types.Position {
			return states.Snapshot().Positions
		})
		return sim, sim, nil
	}

	binance := exchange.NewBinance(logger,
		cfg.Credentials.APIKey,
		cfg.Credentials.APISecret,
		cfg.Mode == types.RunModeTestnet)
	return exchange.Gate(binance, cfg.PlacementGate()), nil, nil
}

// backtestMain replays historical bars and funding through the paper
// pipeline and writes the manifest and report.
func backtestMain(logger *zap.Logger, cfg *config.Config, startStr, endStr, outDir string) int {
	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		logger.Error("Invalid -bt-start", zap.Error(err))
		return 1
	}
	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		logger.Error("Invalid -bt-end", zap.Error(err))
		return 1
	}

	btCfg := types.DefaultBacktestConfig()
	btCfg.Symbols = cfg.Symbols
	btCfg.Timeframe = cfg.Strategy.Timeframe
	btCfg.Start = start
	btCfg.End = end
	btCfg.OutputDir = outDir

	dataStore, err := data.NewStore(logger, cfg.DataDir)
	if err != nil {
		logger.Error("Open data store", zap.Error(err))
		return 1
	}

	ledgerDir, err := os.MkdirTemp("", "perpcore-backtest-ledger-*")
	if err != nil {
		logger.Error("Create ledger dir", zap.Error(err))
		return 1
	}
	defer os.RemoveAll(ledgerDir)

	ledger, err := events.OpenLedger(logger, ledgerDir)
	if err != nil {
		logger.Error("Open ledger", zap.Error(err))
		return 1
	}
	defer ledger.Close()

	bus := events.NewBus(logger, ledger)
	states := state.NewManager(logger, cfg.Risk, cfg.InitialEquity)
	states.Attach(bus)

	pendingDir, err := os.MkdirTemp("", "perpcore-backtest-pending-*")
	if err != nil {
		logger.Error("Create pending dir", zap.Error(err))
		return 1
	}
	defer os.RemoveAll(pendingDir)

	store, err := pending.Open(logger, pendingDir)
	if err != nil {
		logger.Error("Open pending store", zap.Error(err))
		return 1
	}

	sim := paper.NewSimulator(logger, cfg.Paper, bus, func() map[string]*types.Position {
		return states.Snapshot().Positions
	})
	exec := execution.NewEngine(logger, bus, sim, store, states, cfg.Execution, btCfg.Timeframe)
	if err := sim.StartUserStream(context.Background(), func(u exchange.OrderUpdate) {
		exec.HandleOrderUpdate(context.Background(), u)
	}); err != nil {
		logger.Error("Simulator stream", zap.Error(err))
		return 1
	}

	pool := workers.NewPool(logger, workers.DefaultPoolConfig("backtest"))
	pool.Start()
	defer pool.Stop()

	eval := strategy.NewEvaluator(logger, cfg.Strategy, strategy.Deps{
		Bus:        bus,
		Exchange:   sim,
		States:     states,
		Scorer:     scoring.NewEngine(cfg.Scoring),
		Classifier: regime.NewClassifier(cfg.Regime),
		Risk:       risk.NewEngine(cfg.Risk),
		Selector:   portfolio.NewSelector(cfg.Risk.MaxPositions),
		Executor:   exec,
		Pool:       pool,
		VolFeed:    sim,
	})

	runner := backtest.NewRunner(logger, btCfg, backtest.Deps{
		Store:     dataStore,
		Bus:       bus,
		States:    states,
		Simulator: sim,
		Evaluator: eval,
		Executor:  exec,
	})
	report, err := runner.Run(context.Background())
	if err != nil {
		logger.Error("Backtest failed", zap.Error(err))
		return 1
	}

	logger.Info("Backtest complete",
		zap.String("run_id", runner.Manifest().RunID),
		zap.String("final_equity", report.FinalEquity.Round(2).String()),
		zap.String("return_pct", report.ReturnPct.Round(2).String()),
		zap.Int("trades", report.Trades),
		zap.String("output", outDir),
	)
	return 0
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return logger
}
