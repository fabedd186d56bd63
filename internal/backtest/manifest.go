package backtest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nautilus-trade/perpcore/pkg/types"
	"github.com/nautilus-trade/perpcore/pkg/utils"
)

const (
	markSourceSettlement = "settlement_mark"
	markSourceBarClose   = "bar_close"
)

// Manifest records what a replay consumed, so a run can be audited and
// reproduced. MarkPriceSource counts how each funding notional was
// priced: the settlement's own mark when the data had one, the bar
// close otherwise.
type Manifest struct {
	RunID           string          `json:"runId"`
	Symbols         []string        `json:"symbols"`
	Timeframe       types.Timeframe `json:"timeframe"`
	Start           time.Time       `json:"start"`
	End             time.Time       `json:"end"`
	WarmupBars      int             `json:"warmupBars"`
	Bars            int             `json:"bars"`
	FundingPoints   int             `json:"fundingPoints"`
	MarkPriceSource map[string]int  `json:"markPriceSource"`
	StartedAt       time.Time       `json:"startedAt"`
	FinishedAt      time.Time       `json:"finishedAt"`
}

func newManifest(cfg types.BacktestConfig) *Manifest {
	return &Manifest{
		RunID:           utils.NewTradeID(),
		Symbols:         cfg.Symbols,
		Timeframe:       cfg.Timeframe,
		Start:           cfg.Start,
		End:             cfg.End,
		WarmupBars:      cfg.WarmupBars,
		MarkPriceSource: map[string]int{markSourceSettlement: 0, markSourceBarClose: 0},
		StartedAt:       time.Now().UTC(),
	}
}

// Write persists the manifest as JSON under dir.
func (m *Manifest) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	raw, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "manifest.json"), raw, 0o644)
}

// EquityPoint is one sample of the realized equity curve.
type EquityPoint struct {
	Time   time.Time       `json:"time"`
	Equity decimal.Decimal `json:"equity"`
}

// Report summarizes a replay's outcomes.
type Report struct {
	InitialEquity decimal.Decimal `json:"initialEquity"`
	FinalEquity   decimal.Decimal `json:"finalEquity"`
	ReturnPct     decimal.Decimal `json:"returnPct"`
	MaxDrawdown   decimal.Decimal `json:"maxDrawdownPct"`
	Trades        int             `json:"trades"`
	Wins          int             `json:"wins"`
	Losses        int             `json:"losses"`
	EquityCurve   []EquityPoint   `json:"equityCurve"`

	peak decimal.Decimal
}

func newReport(initial decimal.Decimal) *Report {
	return &Report{InitialEquity: initial, FinalEquity: initial, peak: initial}
}

// mark appends an equity sample and updates the drawdown high-water.
func (rp *Report) mark(at time.Time, equity decimal.Decimal) {
	rp.EquityCurve = append(rp.EquityCurve, EquityPoint{Time: at, Equity: equity})
	if equity.GreaterThan(rp.peak) {
		rp.peak = equity
	}
	if rp.peak.IsPositive() {
		dd := rp.peak.Sub(equity).Div(rp.peak).Mul(decimal.NewFromInt(100))
		if dd.GreaterThan(rp.MaxDrawdown) {
			rp.MaxDrawdown = dd
		}
	}
}

func (rp *Report) finish(equity decimal.Decimal) {
	rp.FinalEquity = equity
	if rp.InitialEquity.IsPositive() {
		rp.ReturnPct = equity.Sub(rp.InitialEquity).Div(rp.InitialEquity).Mul(decimal.NewFromInt(100))
	}
}

// Write persists the report as JSON under dir.
func (rp *Report) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	raw, err := json.MarshalIndent(rp, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "report.json"), raw, 0o644)
}
