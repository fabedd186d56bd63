package portfolio

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

func emptyState(t *testing.T) *state.TradingState {
	t.Helper()
	mgr := state.NewManager(zap.NewNop(), types.DefaultRiskLimits(), decimal.NewFromInt(10000))
	return mgr.Snapshot()
}

func candidate(symbol string, score float64) *types.TradeProposal {
	return &types.TradeProposal{
		Symbol:         symbol,
		Side:           types.PositionSideLong,
		CompositeScore: score,
		TradeID:        "t-" + symbol,
	}
}

func TestSelectCapacityOneWithTieBreak(t *testing.T) {
	sel := NewSelector(1)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	// Duplicate ADAUSDT: only the first occurrence counts.
	cands := []*types.TradeProposal{
		candidate("ADAUSDT", 0.80),
		candidate("ETHUSDT", 0.78),
		candidate("ADAUSDT", 0.80),
	}
	out := sel.Select(cands, emptyState(t), now)

	if len(out.Selected) != 1 || out.Selected[0].Symbol != "ADAUSDT" {
		t.Fatalf("selected = %v", out.Cycle.Selected)
	}
	if len(out.Cycle.Candidates) != 2 {
		t.Fatalf("candidates = %d after dedup, want 2", len(out.Cycle.Candidates))
	}
	for _, rec := range out.Cycle.Candidates {
		switch rec.Symbol {
		case "ADAUSDT":
			if rec.Rank != 1 || !rec.Selected {
				t.Fatalf("ADAUSDT record = %+v", rec)
			}
		case "ETHUSDT":
			if rec.Rank != 2 || rec.Selected || rec.Rejection != types.ReasonNotSelected {
				t.Fatalf("ETHUSDT record = %+v", rec)
			}
		}
	}
}

func TestSelectSymbolAscendingTieBreak(t *testing.T) {
	sel := NewSelector(1)
	now := time.Now().UTC()

	out := sel.Select([]*types.TradeProposal{
		candidate("ETHUSDT", 0.80),
		candidate("ADAUSDT", 0.80),
	}, emptyState(t), now)

	if out.Selected[0].Symbol != "ADAUSDT" {
		t.Fatalf("tie-break picked %s, want ADAUSDT", out.Selected[0].Symbol)
	}
}

func TestSelectDeterministicCycleRecord(t *testing.T) {
	sel := NewSelector(2)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cands := func() []*types.TradeProposal {
		return []*types.TradeProposal{
			candidate("SOLUSDT", 0.7),
			candidate("BTCUSDT", 0.9),
			candidate("ETHUSDT", 0.7),
		}
	}

	a, _ := json.Marshal(sel.Select(cands(), emptyState(t), now).Cycle)
	b, _ := json.Marshal(sel.Select(cands(), emptyState(t), now).Cycle)
	if string(a) != string(b) {
		t.Fatal("cycle records differ across identical runs")
	}
}

func TestSelectFiltersIneligible(t *testing.T) {
	sel := NewSelector(3)
	now := time.Now().UTC()
	st := emptyState(t)
	st.Positions["BTCUSDT"] = &types.Position{Symbol: "BTCUSDT"}
	st.NewsRiskFlags["ETHUSDT"] = types.NewsRiskFlag{
		Level: types.NewsRiskHigh, ExpiresAt: now.Add(time.Hour),
	}

	out := sel.Select([]*types.TradeProposal{
		candidate("BTCUSDT", 0.9),
		candidate("ETHUSDT", 0.8),
		candidate("SOLUSDT", 0.7),
	}, st, now)

	if len(out.Selected) != 1 || out.Selected[0].Symbol != "SOLUSDT" {
		t.Fatalf("selected = %v", out.Cycle.Selected)
	}
	for _, rec := range out.Cycle.Candidates {
		switch rec.Symbol {
		case "BTCUSDT":
			if rec.Rejection != types.ReasonSymbolBusy {
				t.Fatalf("BTCUSDT rejection = %s", rec.Rejection)
			}
		case "ETHUSDT":
			if rec.Rejection != types.ReasonNewsBlocked {
				t.Fatalf("ETHUSDT rejection = %s", rec.Rejection)
			}
		}
	}
}

func TestSelectNothingWhilePaused(t *testing.T) {
	sel := NewSelector(3)
	now := time.Now().UTC()
	st := emptyState(t)
	st.CircuitBreakerActive = true

	out := sel.Select([]*types.TradeProposal{candidate("BTCUSDT", 0.95)}, st, now)
	if len(out.Selected) != 0 {
		t.Fatal("selected candidates while breaker active")
	}
	if out.Cycle.Candidates[0].Rejection != types.ReasonStrategyPaused {
		t.Fatalf("rejection = %s", out.Cycle.Candidates[0].Rejection)
	}
}
