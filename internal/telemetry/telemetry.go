// Package telemetry exports prometheus metrics and writes the periodic
// operational summaries.
package telemetry

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/state"
)

// Metrics owns a dedicated registry so tests never collide on the
// global default.
type Metrics struct {
	logger   *zap.Logger
	states   *state.Manager
	registry *prometheus.Registry

	eventsTotal    *prometheus.CounterVec
	ordersPlaced   prometheus.Counter
	ordersFilled   prometheus.Counter
	riskRejections *prometheus.CounterVec
	equity         prometheus.Gauge
	openPositions  prometheus.Gauge
	pendingEntries prometheus.Gauge

	mu         sync.Mutex
	dayStart   time.Time
	dayTrades  int
	dayWins    int
	dayPnL     decimal.Decimal
	lastEquity decimal.Decimal
}

func New(logger *zap.Logger, states *state.Manager) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		logger:   logger.Named("telemetry"),
		states:   states,
		registry: reg,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_events_total",
			Help: "Events appended to the ledger, by kind.",
		}, []string{"kind"}),
		ordersPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_orders_placed_total",
			Help: "Orders submitted to the venue.",
		}),
		ordersFilled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perpcore_orders_filled_total",
			Help: "Complete fills observed.",
		}),
		riskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perpcore_risk_rejections_total",
			Help: "Risk rejections, by first reason.",
		}, []string{"reason"}),
		equity: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_equity",
			Help: "Realized account equity.",
		}),
		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_open_positions",
			Help: "Currently open positions.",
		}),
		pendingEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perpcore_pending_entries",
			Help: "Entry orders awaiting fills.",
		}),
	}
	reg.MustRegister(m.eventsTotal, m.ordersPlaced, m.ordersFilled,
		m.riskRejections, m.equity, m.openPositions, m.pendingEntries)
	return m
}

// Attach subscribes the counters to the bus.
func (m *Metrics) Attach(bus *events.Bus) {
	bus.Subscribe("telemetry", m.handle)
}

// Handler serves the registry for the operator API to mount.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) handle(ev *events.Event) {
	m.eventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	switch p := ev.Payload.(type) {
	case *events.OrderPlacedPayload:
		m.ordersPlaced.Inc()
	case *events.OrderFilledPayload:
		m.ordersFilled.Inc()
	case *events.RiskRejectedPayload:
		reason := "unknown"
		if len(p.Reasons) > 0 {
			reason = string(p.Reasons[0])
		}
		m.riskRejections.WithLabelValues(reason).Inc()
	case *events.PositionClosedPayload:
		m.mu.Lock()
		m.dayTrades++
		if p.PnL.IsPositive() {
			m.dayWins++
		}
		m.dayPnL = m.dayPnL.Add(p.PnL)
		m.mu.Unlock()
	}
}

// Snapshot refreshes the gauges from state and logs the 5-minute
// operational line.
func (m *Metrics) Snapshot(now time.Time) {
	snap := m.states.Snapshot()
	equity, _ := snap.Equity.Float64()
	m.equity.Set(equity)
	m.openPositions.Set(float64(len(snap.Positions)))
	m.pendingEntries.Set(float64(len(snap.PendingEntries)))

	m.mu.Lock()
	m.lastEquity = snap.Equity
	m.mu.Unlock()

	m.logger.Info("Telemetry snapshot",
		zap.Time("at", now),
		zap.String("equity", snap.Equity.String()),
		zap.Int("positions", len(snap.Positions)),
		zap.Int("pending", len(snap.PendingEntries)),
		zap.Bool("paused", snap.Paused(now)),
	)
}

// DailySummary logs the UTC-midnight rollup and resets the day
// counters.
func (m *Metrics) DailySummary(now time.Time) {
	m.mu.Lock()
	trades, wins, pnl := m.dayTrades, m.dayWins, m.dayPnL
	m.dayTrades, m.dayWins, m.dayPnL = 0, 0, decimal.Zero
	m.dayStart = now
	equity := m.lastEquity
	m.mu.Unlock()

	winRate := 0.0
	if trades > 0 {
		winRate = float64(wins) / float64(trades)
	}
	m.logger.Info("Daily summary",
		zap.Time("day", now),
		zap.Int("trades", trades),
		zap.Int("wins", wins),
		zap.Float64("winRate", winRate),
		zap.String("realizedPnl", pnl.String()),
		zap.String("equity", equity.String()),
	)
}

// DayStats reports the current day's realized outcomes.
func (m *Metrics) DayStats() (trades, wins int, pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dayTrades, m.dayWins, m.dayPnL
}
