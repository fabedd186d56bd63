// Package types provides configuration types for the trading core.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// RiskLimits represents the deterministic hard limits applied to every
// trade proposal.
type RiskLimits struct {
	MaxPositions         int             `json:"maxPositions" mapstructure:"max_positions"`
	MaxLeverage          int             `json:"maxLeverage" mapstructure:"max_leverage"`
	RiskPerTradePct      decimal.Decimal `json:"riskPerTradePct" mapstructure:"risk_per_trade_pct"`
	MaxDrawdownPct       decimal.Decimal `json:"maxDrawdownPct" mapstructure:"max_drawdown_pct"`
	MaxDailyLossPct      decimal.Decimal `json:"maxDailyLossPct" mapstructure:"max_daily_loss_pct"`
	MaxConsecutiveLosses int             `json:"maxConsecutiveLosses" mapstructure:"max_consecutive_losses"`
	CooldownAfterLoss    time.Duration   `json:"cooldownAfterLoss" mapstructure:"cooldown_after_loss"`
	MaxFundingRatePct    decimal.Decimal `json:"maxFundingRatePct" mapstructure:"max_funding_rate_pct"`
	MinStopDistanceATR   decimal.Decimal `json:"minStopDistanceAtr" mapstructure:"min_stop_distance_atr"`
	MaxStopDistanceATR   decimal.Decimal `json:"maxStopDistanceAtr" mapstructure:"max_stop_distance_atr"`
}

// DefaultRiskLimits returns conservative defaults.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositions:         3,
		MaxLeverage:          5,
		RiskPerTradePct:      decimal.NewFromFloat(0.01), // 1% of equity
		MaxDrawdownPct:       decimal.NewFromFloat(0.15),
		MaxDailyLossPct:      decimal.NewFromFloat(0.05),
		MaxConsecutiveLosses: 4,
		CooldownAfterLoss:    2 * time.Hour,
		MaxFundingRatePct:    decimal.NewFromFloat(0.075),
		MinStopDistanceATR:   decimal.NewFromFloat(0.5),
		MaxStopDistanceATR:   decimal.NewFromFloat(4.0),
	}
}

// EntryTimeoutMode controls how long an unfilled entry order is allowed
// to work before its deadline action runs.
type EntryTimeoutMode string

const (
	TimeoutModeFixed     EntryTimeoutMode = "fixed"
	TimeoutModeTimeframe EntryTimeoutMode = "timeframe"
	TimeoutModeUnlimited EntryTimeoutMode = "unlimited"
)

// TimeoutAction is what happens to an entry order at its deadline.
type TimeoutAction string

const (
	TimeoutActionCancel        TimeoutAction = "cancel"
	TimeoutActionConvertMarket TimeoutAction = "convert_market"
	TimeoutActionConvertStop   TimeoutAction = "convert_stop"
)

// SpreadThresholds are the dynamic spread gates keyed by volatility bucket.
type SpreadThresholds struct {
	Enabled     bool            `json:"enabled" mapstructure:"enabled"`
	CalmPct     decimal.Decimal `json:"calmPct" mapstructure:"calm_pct"`
	NormalPct   decimal.Decimal `json:"normalPct" mapstructure:"normal_pct"`
	VolatilePct decimal.Decimal `json:"volatilePct" mapstructure:"volatile_pct"`
	// ATR%% boundaries between the buckets.
	CalmATRPct     decimal.Decimal `json:"calmAtrPct" mapstructure:"calm_atr_pct"`
	VolatileATRPct decimal.Decimal `json:"volatileAtrPct" mapstructure:"volatile_atr_pct"`
}

// ExecutionConfig configures the execution engine.
type ExecutionConfig struct {
	RetryAttempts       int              `json:"retryAttempts" mapstructure:"retry_attempts"`
	RetryBaseDelay      time.Duration    `json:"retryBaseDelay" mapstructure:"retry_base_delay"`
	RetryMaxDelay       time.Duration    `json:"retryMaxDelay" mapstructure:"retry_max_delay"`
	EntryTimeoutMode    EntryTimeoutMode `json:"entryTimeoutMode" mapstructure:"entry_timeout_mode"`
	EntryTimeoutSec     int              `json:"entryTimeoutSec" mapstructure:"entry_timeout_sec"`
	EntryMaxDurationSec int              `json:"entryMaxDurationSec" mapstructure:"entry_max_duration_sec"`
	TimeoutAction       TimeoutAction    `json:"timeoutAction" mapstructure:"timeout_action"`

	TrailingStartATR    decimal.Decimal `json:"trailingStartAtr" mapstructure:"trailing_start_atr"`
	TrailingDistanceATR decimal.Decimal `json:"trailingDistanceAtr" mapstructure:"trailing_distance_atr"`

	TakeProfitEnabled  bool            `json:"takeProfitEnabled" mapstructure:"take_profit_enabled"`
	TakeProfitATRMult  decimal.Decimal `json:"takeProfitAtrMult" mapstructure:"take_profit_atr_mult"`
	TakeProfitFraction decimal.Decimal `json:"takeProfitFraction" mapstructure:"take_profit_fraction"`

	MaxSpreadPct   decimal.Decimal  `json:"maxSpreadPct" mapstructure:"max_spread_pct"`
	DynamicSpread  SpreadThresholds `json:"dynamicSpread" mapstructure:"dynamic_spread"`
	MaxSlippagePct decimal.Decimal  `json:"maxSlippagePct" mapstructure:"max_slippage_pct"`

	MarginType   string `json:"marginType" mapstructure:"margin_type"`     // ISOLATED or CROSSED
	PositionMode string `json:"positionMode" mapstructure:"position_mode"` // ONEWAY or HEDGE
}

// DefaultExecutionConfig returns production defaults.
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		RetryAttempts:       3,
		RetryBaseDelay:      500 * time.Millisecond,
		RetryMaxDelay:       10 * time.Second,
		EntryTimeoutMode:    TimeoutModeTimeframe,
		EntryTimeoutSec:     900,
		EntryMaxDurationSec: 3600,
		TimeoutAction:       TimeoutActionCancel,
		TrailingStartATR:    decimal.NewFromFloat(1.5),
		TrailingDistanceATR: decimal.NewFromFloat(1.0),
		TakeProfitEnabled:   true,
		TakeProfitATRMult:   decimal.NewFromFloat(2.0),
		TakeProfitFraction:  decimal.NewFromFloat(0.5),
		MaxSpreadPct:        decimal.NewFromFloat(0.10),
		DynamicSpread: SpreadThresholds{
			Enabled:        true,
			CalmPct:        decimal.NewFromFloat(0.05),
			NormalPct:      decimal.NewFromFloat(0.10),
			VolatilePct:    decimal.NewFromFloat(0.20),
			CalmATRPct:     decimal.NewFromFloat(0.5),
			VolatileATRPct: decimal.NewFromFloat(2.0),
		},
		MaxSlippagePct: decimal.NewFromFloat(0.25),
		MarginType:     "ISOLATED",
		PositionMode:   "ONEWAY",
	}
}

// ScoringWeights are the multi-factor weights. They sum to 1 by
// convention but that is not enforced.
type ScoringWeights struct {
	Trend             float64 `json:"trend" mapstructure:"trend"`
	VolatilityRegime  float64 `json:"volatilityRegime" mapstructure:"volatility_regime"`
	EntryQuality      float64 `json:"entryQuality" mapstructure:"entry_quality"`
	Funding           float64 `json:"funding" mapstructure:"funding"`
	News              float64 `json:"news" mapstructure:"news"`
	Liquidity         float64 `json:"liquidity" mapstructure:"liquidity"`
	Crowding          float64 `json:"crowding" mapstructure:"crowding"`
	FundingVolatility float64 `json:"fundingVolatility" mapstructure:"funding_volatility"`
	OpenInterest      float64 `json:"openInterest" mapstructure:"open_interest"`
	TakerImbalance    float64 `json:"takerImbalance" mapstructure:"taker_imbalance"`
	VolumeRatio       float64 `json:"volumeRatio" mapstructure:"volume_ratio"`
}

// ScoringConfig configures the scoring engine.
type ScoringConfig struct {
	Weights   ScoringWeights `json:"weights" mapstructure:"weights"`
	Threshold float64        `json:"threshold" mapstructure:"threshold"`
}

// DefaultScoringConfig returns the default factor weights.
func DefaultScoringConfig() ScoringConfig {
	return ScoringConfig{
		Weights: ScoringWeights{
			Trend:             0.20,
			VolatilityRegime:  0.10,
			EntryQuality:      0.15,
			Funding:           0.10,
			News:              0.05,
			Liquidity:         0.10,
			Crowding:          0.10,
			FundingVolatility: 0.05,
			OpenInterest:      0.05,
			TakerImbalance:    0.05,
			VolumeRatio:       0.05,
		},
		Threshold: 0.60,
	}
}

// RegimeConfig configures the regime classifier thresholds.
type RegimeConfig struct {
	ADXTrending  float64 `json:"adxTrending" mapstructure:"adx_trending"`
	ADXRanging   float64 `json:"adxRanging" mapstructure:"adx_ranging"`
	ChopTrending float64 `json:"chopTrending" mapstructure:"chop_trending"`
	ChopRanging  float64 `json:"chopRanging" mapstructure:"chop_ranging"`
	// Volatility sub-regime boundaries relative to the ATR SMA.
	ContractionRatio float64 `json:"contractionRatio" mapstructure:"contraction_ratio"`
	ExpansionRatio   float64 `json:"expansionRatio" mapstructure:"expansion_ratio"`
}

// DefaultRegimeConfig returns the default classifier thresholds.
func DefaultRegimeConfig() RegimeConfig {
	return RegimeConfig{
		ADXTrending:      25,
		ADXRanging:       20,
		ChopTrending:     45,
		ChopRanging:      60,
		ContractionRatio: 0.75,
		ExpansionRatio:   1.35,
	}
}

// PaperConfig configures the paper/backtest execution simulator.
type PaperConfig struct {
	SlippageBaseBps  decimal.Decimal `json:"slippageBaseBps" mapstructure:"slippage_base_bps"`
	SlippageATRScale decimal.Decimal `json:"slippageAtrScale" mapstructure:"slippage_atr_scale"`
	MarketPenaltyBps decimal.Decimal `json:"marketPenaltyBps" mapstructure:"market_penalty_bps"`
	PartialFillRate  float64         `json:"partialFillRate" mapstructure:"partial_fill_rate"`
	Seed             int64           `json:"seed" mapstructure:"seed"`
	FeeRate          decimal.Decimal `json:"feeRate" mapstructure:"fee_rate"`
	InitialEquity    decimal.Decimal `json:"initialEquity" mapstructure:"initial_equity"`
}

// DefaultPaperConfig returns simulator defaults.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SlippageBaseBps:  decimal.NewFromInt(2),
		SlippageATRScale: decimal.NewFromFloat(0.8),
		MarketPenaltyBps: decimal.NewFromInt(3),
		PartialFillRate:  0.20,
		Seed:             42,
		FeeRate:          decimal.NewFromFloat(0.0004),
		InitialEquity:    decimal.NewFromInt(10000),
	}
}

// LoopConfig holds the cadences of the orchestrator loops.
type LoopConfig struct {
	UniverseInterval      time.Duration `json:"universeInterval" mapstructure:"universe_interval"`
	UniverseRetryInterval time.Duration `json:"universeRetryInterval" mapstructure:"universe_retry_interval"`
	NewsInterval          time.Duration `json:"newsInterval" mapstructure:"news_interval"`
	StrategyInterval      time.Duration `json:"strategyInterval" mapstructure:"strategy_interval"`
	ReconcileInterval     time.Duration `json:"reconcileInterval" mapstructure:"reconcile_interval"`
	WatchdogInterval      time.Duration `json:"watchdogInterval" mapstructure:"watchdog_interval"`
	TelemetryInterval     time.Duration `json:"telemetryInterval" mapstructure:"telemetry_interval"`
	TimeSyncInterval      time.Duration `json:"timeSyncInterval" mapstructure:"time_sync_interval"`
}

// DefaultLoopConfig returns the loop cadences.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		UniverseInterval:      24 * time.Hour,
		UniverseRetryInterval: 5 * time.Minute,
		NewsInterval:          15 * time.Minute,
		StrategyInterval:      15 * time.Minute,
		ReconcileInterval:     30 * time.Minute,
		WatchdogInterval:      5 * time.Minute,
		TelemetryInterval:     5 * time.Minute,
		TimeSyncInterval:      15 * time.Minute,
	}
}

// StrategyConfig configures the per-cycle evaluation pipeline.
type StrategyConfig struct {
	Timeframe     Timeframe       `json:"timeframe" mapstructure:"timeframe"`
	StopATRMult   decimal.Decimal `json:"stopAtrMult" mapstructure:"stop_atr_mult"`
	KlineLookback int             `json:"klineLookback" mapstructure:"kline_lookback"`
	Leverage      int             `json:"leverage" mapstructure:"leverage"`
}

// DefaultStrategyConfig returns the default evaluation settings.
func DefaultStrategyConfig() StrategyConfig {
	return StrategyConfig{
		Timeframe:     Timeframe15m,
		StopATRMult:   decimal.NewFromFloat(1.5),
		KlineLookback: 200,
		Leverage:      3,
	}
}

// ServerConfig configures the operator HTTP/WebSocket server.
type ServerConfig struct {
	Host         string        `json:"host" mapstructure:"host"`
	Port         int           `json:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `json:"readTimeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `json:"writeTimeout" mapstructure:"write_timeout"`
	EventTail    int           `json:"eventTail" mapstructure:"event_tail"`
}

// DefaultServerConfig binds to loopback only.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8880,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		EventTail:    256,
	}
}

// NewsConfig configures news ingestion and risk-flag lifetimes.
type NewsConfig struct {
	FeedPath      string        `json:"feedPath" mapstructure:"feed_path"`
	HighRiskTTL   time.Duration `json:"highRiskTtl" mapstructure:"high_risk_ttl"`
	MediumRiskTTL time.Duration `json:"mediumRiskTtl" mapstructure:"medium_risk_ttl"`
}

// DefaultNewsConfig returns the default flag lifetimes.
func DefaultNewsConfig() NewsConfig {
	return NewsConfig{
		HighRiskTTL:   2 * time.Hour,
		MediumRiskTTL: time.Hour,
	}
}

// BacktestConfig configures a historical replay run.
type BacktestConfig struct {
	Symbols    []string  `json:"symbols" mapstructure:"symbols"`
	Timeframe  Timeframe `json:"timeframe" mapstructure:"timeframe"`
	Start      time.Time `json:"start" mapstructure:"start"`
	End        time.Time `json:"end" mapstructure:"end"`
	WarmupBars int       `json:"warmupBars" mapstructure:"warmup_bars"`
	OutputDir  string    `json:"outputDir" mapstructure:"output_dir"`
}

// DefaultBacktestConfig returns replay defaults; Symbols and the time
// range must be supplied by the caller.
func DefaultBacktestConfig() BacktestConfig {
	return BacktestConfig{
		Timeframe:  Timeframe15m,
		WarmupBars: 120,
	}
}
