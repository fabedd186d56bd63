package recon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/exchange"
	"github.com/nautilus-trade/perpcore/internal/execution"
	"github.com/nautilus-trade/perpcore/internal/state"
)

// Watchdog verifies every open position still has its protective orders
// on the venue, and re-places the ones that vanished. A position without
// a working stop is the single most dangerous state the system can be in.
type Watchdog struct {
	logger *zap.Logger
	bus    *events.Bus
	ex     exchange.Exchange
	states *state.Manager
	exec   *execution.Engine
}

func NewWatchdog(logger *zap.Logger, bus *events.Bus, ex exchange.Exchange, states *state.Manager, exec *execution.Engine) *Watchdog {
	return &Watchdog{
		logger: logger.Named("watchdog"),
		bus:    bus,
		ex:     ex,
		states: states,
		exec:   exec,
	}
}

// Check runs one verification sweep over all open positions. It returns
// an error when any symbol could not be verified or restored; sound
// symbols in the same sweep are still processed.
func (w *Watchdog) Check(ctx context.Context, now time.Time) error {
	snap := w.states.Snapshot()
	symbols := make([]string, 0, len(snap.Positions))
	for s := range snap.Positions {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	var failed []string
	for _, symbol := range symbols {
		pos := snap.Positions[symbol]
		open, err := w.ex.OpenOrders(ctx, symbol)
		if err != nil {
			w.logger.Warn("Open-orders query failed, skipping symbol",
				zap.String("symbol", symbol), zap.Error(err))
			failed = append(failed, symbol)
			continue
		}
		onBook := make(map[string]bool, len(open))
		for _, o := range open {
			onBook[o.ClientOrderID] = true
		}

		var missing []string
		if pos.StopClientOrderID == "" || !onBook[pos.StopClientOrderID] {
			missing = append(missing, "stop")
		}
		if pos.TPClientOrderID != "" && !onBook[pos.TPClientOrderID] {
			missing = append(missing, "take_profit")
		}

		if len(missing) == 0 {
			w.bus.Publish(events.KindProtectiveOrdersVerified, &events.ProtectiveOrdersVerifiedPayload{
				Symbol: symbol,
			}, nil)
			continue
		}

		w.logger.Warn("Protective orders missing",
			zap.String("symbol", symbol),
			zap.Strings("missing", missing),
		)
		w.bus.Publish(events.KindProtectiveOrdersMissing, &events.ProtectiveOrdersMissingPayload{
			Symbol:  symbol,
			Missing: missing,
		}, nil)

		if err := w.exec.RestoreProtective(ctx, symbol); err != nil {
			w.logger.Error("Protective re-placement failed",
				zap.String("symbol", symbol), zap.Error(err))
			failed = append(failed, symbol)
			continue
		}
		w.bus.Publish(events.KindProtectiveOrdersReplaced, &events.ProtectiveOrdersReplacedPayload{
			Symbol: symbol,
			Kind:   strings.Join(missing, ","),
		}, nil)
	}

	if len(failed) > 0 {
		return fmt.Errorf("watchdog sweep incomplete for %s", strings.Join(failed, ","))
	}
	return nil
}
