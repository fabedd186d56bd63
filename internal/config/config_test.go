package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != types.RunModePaper {
		t.Errorf("mode = %s, want paper", cfg.Mode)
	}
	if !cfg.InitialEquity.Equal(decimal.NewFromInt(10000)) {
		t.Errorf("initial_equity = %s, want 10000", cfg.InitialEquity)
	}
	if cfg.Risk.MaxPositions != 3 {
		t.Errorf("risk.max_positions = %d, want default 3", cfg.Risk.MaxPositions)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
mode: paper
symbols: [BTCUSDT, ETHUSDT]
initial_equity: "25000"
risk:
  max_positions: 5
  cooldown_after_loss: 4h
scoring:
  threshold: 0.7
news:
  high_risk_ttl: 90m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if len(cfg.Symbols) != 2 || cfg.Symbols[0] != "BTCUSDT" {
		t.Errorf("symbols = %v", cfg.Symbols)
	}
	if !cfg.InitialEquity.Equal(decimal.NewFromInt(25000)) {
		t.Errorf("initial_equity = %s, want 25000", cfg.InitialEquity)
	}
	if cfg.Risk.MaxPositions != 5 {
		t.Errorf("max_positions = %d, want 5", cfg.Risk.MaxPositions)
	}
	if cfg.Risk.CooldownAfterLoss != 4*time.Hour {
		t.Errorf("cooldown = %v, want 4h", cfg.Risk.CooldownAfterLoss)
	}
	if cfg.Scoring.Threshold != 0.7 {
		t.Errorf("threshold = %v, want 0.7", cfg.Scoring.Threshold)
	}
	if cfg.News.HighRiskTTL != 90*time.Minute {
		t.Errorf("high_risk_ttl = %v, want 90m", cfg.News.HighRiskTTL)
	}
	// Untouched sections keep defaults.
	if cfg.Risk.MaxLeverage != 5 {
		t.Errorf("max_leverage = %d, want default 5", cfg.Risk.MaxLeverage)
	}
}

func TestValidateModeGates(t *testing.T) {
	base := Default()

	testnet := base
	testnet.Mode = types.RunModeTestnet
	if err := testnet.Validate(); err == nil {
		t.Error("testnet without enable_trading should fail")
	}
	testnet.EnableTrading = true
	if err := testnet.Validate(); err == nil {
		t.Error("testnet without credentials should fail")
	}
	testnet.Credentials = Credentials{APIKey: "k", APISecret: "s"}
	if err := testnet.Validate(); err != nil {
		t.Errorf("testnet with gates satisfied: %v", err)
	}

	live := testnet
	live.Mode = types.RunModeLive
	if err := live.Validate(); err == nil {
		t.Error("live without confirm token should fail")
	}
	live.ConfirmToken = "yes please"
	if err := live.Validate(); err == nil {
		t.Error("live with wrong confirm token should fail")
	}
	live.ConfirmToken = LiveConfirmToken
	if err := live.Validate(); err != nil {
		t.Errorf("live with full gates: %v", err)
	}

	bad := base
	bad.Mode = "dry-run"
	if err := bad.Validate(); err == nil {
		t.Error("unknown mode should fail")
	}
}

func TestValidateStructuralLimits(t *testing.T) {
	cfg := Default()
	cfg.InitialEquity = decimal.Zero
	if err := cfg.Validate(); err == nil {
		t.Error("zero initial_equity should fail")
	}

	cfg = Default()
	cfg.Scoring.Threshold = 1.2
	if err := cfg.Validate(); err == nil {
		t.Error("threshold above 1 should fail")
	}

	cfg = Default()
	cfg.Server.Port = 0
	if err := cfg.Validate(); err == nil {
		t.Error("port 0 should fail")
	}
}

func TestEnvOverridesApply(t *testing.T) {
	t.Setenv("PERP_API_KEY", "env-key")
	t.Setenv("PERP_API_SECRET", "env-secret")
	t.Setenv("PERP_ENABLE_TRADING", "true")
	t.Setenv("PERP_MODE", "testnet")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Mode != types.RunModeTestnet {
		t.Errorf("mode = %s, want testnet", cfg.Mode)
	}
	if cfg.Credentials.APIKey != "env-key" || cfg.Credentials.APISecret != "env-secret" {
		t.Errorf("credentials = %+v", cfg.Credentials)
	}
	if !cfg.EnableTrading {
		t.Error("enable_trading not applied from env")
	}
}

func TestPlacementGate(t *testing.T) {
	paper := Default()
	if err := paper.PlacementGate()(); err != nil {
		t.Errorf("paper gate: %v", err)
	}

	live := Default()
	live.Mode = types.RunModeLive
	live.EnableTrading = true
	live.Credentials = Credentials{APIKey: "k", APISecret: "s"}
	if err := live.PlacementGate()(); err == nil {
		t.Error("live gate without token should fail")
	}
	live.ConfirmToken = LiveConfirmToken
	if err := live.PlacementGate()(); err != nil {
		t.Errorf("live gate with token: %v", err)
	}
}
