// Package portfolio ranks candidates across the universe and picks the
// top K within remaining position capacity. Selection is deterministic:
// ties resolve by funding score, then liquidity score, then ascending
// symbol.
package portfolio

import (
	"sort"
	"time"

	"github.com/nautilus-trade/perpcore/internal/events"
	"github.com/nautilus-trade/perpcore/internal/state"
	"github.com/nautilus-trade/perpcore/pkg/types"
)

// Selector applies the cross-sectional ranking.
type Selector struct {
	maxPositions int
}

// NewSelector creates a selector with the configured position capacity.
func NewSelector(maxPositions int) *Selector {
	return &Selector{maxPositions: maxPositions}
}

// Selection is the outcome of one strategy cycle: the winners plus the
// full audit record of every candidate considered.
type Selection struct {
	Selected []*types.TradeProposal
	Cycle    events.TradeCycleCompletedPayload
}

// Select filters, ranks and picks. Candidates for symbols that are
// news-blocked or already positioned are excluded, and nothing is
// selected while the breaker or review flag pauses trading. Duplicate
// symbols keep only their first occurrence.
func (s *Selector) Select(candidates []*types.TradeProposal, st *state.TradingState, now time.Time) Selection {
	sel := Selection{
		Cycle: events.TradeCycleCompletedPayload{CycleTime: now},
	}

	seen := make(map[string]bool, len(candidates))
	var eligible []*types.TradeProposal
	records := make(map[string]*events.CandidateRecord, len(candidates))

	for _, c := range candidates {
		if seen[c.Symbol] {
			continue
		}
		seen[c.Symbol] = true
		rec := &events.CandidateRecord{
			Symbol:         c.Symbol,
			Side:           c.Side,
			CompositeScore: c.CompositeScore,
			FundingScore:   c.FundingScore,
			LiquidityScore: c.LiquidityScore,
			TradeID:        c.TradeID,
		}
		records[c.Symbol] = rec

		switch {
		case st.Paused(now):
			rec.Rejection = types.ReasonStrategyPaused
		case st.NewsBlocked(c.Symbol, now):
			rec.Rejection = types.ReasonNewsBlocked
		default:
			if _, busy := st.Positions[c.Symbol]; busy {
				rec.Rejection = types.ReasonSymbolBusy
			} else {
				eligible = append(eligible, c)
			}
		}
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		if a.CompositeScore != b.CompositeScore {
			return a.CompositeScore > b.CompositeScore
		}
		if a.FundingScore != b.FundingScore {
			return a.FundingScore > b.FundingScore
		}
		if a.LiquidityScore != b.LiquidityScore {
			return a.LiquidityScore > b.LiquidityScore
		}
		return a.Symbol < b.Symbol
	})

	capacity := s.maxPositions - len(st.Positions)
	if capacity < 0 {
		capacity = 0
	}
	k := capacity
	if len(eligible) < k {
		k = len(eligible)
	}

	for i, c := range eligible {
		rec := records[c.Symbol]
		rec.Rank = i + 1
		if i < k {
			rec.Selected = true
			sel.Selected = append(sel.Selected, c)
			sel.Cycle.Selected = append(sel.Cycle.Selected, c.Symbol)
		} else if capacity == 0 {
			rec.Rejection = types.ReasonCapacityFull
		} else {
			rec.Rejection = types.ReasonNotSelected
		}
	}

	// Emit candidates in deterministic symbol order so identical inputs
	// produce byte-identical cycle records.
	symbols := make([]string, 0, len(records))
	for sym := range records {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		sel.Cycle.Candidates = append(sel.Cycle.Candidates, *records[sym])
	}
	return sel
}
