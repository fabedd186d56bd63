// Package config loads and validates the application configuration.
// Config is read from a YAML file with PERP_* environment overrides for
// credentials and run-mode gates. Validation enforces the mode gates:
// paper needs nothing, testnet needs the enable-trading flag plus
// credentials, live additionally needs the explicit confirmation token.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/nautilus-trade/perpcore/pkg/types"
)

// LiveConfirmToken must be supplied verbatim before live orders are
// allowed. Typing it is the operator's acknowledgment of real funds.
const LiveConfirmToken = "TRADE-LIVE-WITH-REAL-FUNDS"

// Credentials holds exchange API keys. Always overridable via
// PERP_API_KEY and PERP_API_SECRET.
type Credentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// Config is the top-level configuration. Maps directly to the YAML file.
type Config struct {
	Mode          types.RunMode `mapstructure:"mode"`
	EnableTrading bool          `mapstructure:"enable_trading"`
	ConfirmToken  string        `mapstructure:"confirm_token"`
	Symbols       []string      `mapstructure:"symbols"`

	DataDir       string          `mapstructure:"data_dir"`
	InitialEquity decimal.Decimal `mapstructure:"initial_equity"`
	LogLevel      string          `mapstructure:"log_level"`

	Credentials Credentials           `mapstructure:"credentials"`
	Risk        types.RiskLimits      `mapstructure:"risk"`
	Execution   types.ExecutionConfig `mapstructure:"execution"`
	Scoring     types.ScoringConfig   `mapstructure:"scoring"`
	Regime      types.RegimeConfig    `mapstructure:"regime"`
	Strategy    types.StrategyConfig  `mapstructure:"strategy"`
	Paper       types.PaperConfig     `mapstructure:"paper"`
	Loops       types.LoopConfig      `mapstructure:"loops"`
	News        types.NewsConfig      `mapstructure:"news"`
	Server      types.ServerConfig    `mapstructure:"server"`
}

// Default returns a complete paper-mode configuration.
func Default() Config {
	return Config{
		Mode:          types.RunModePaper,
		Symbols:       nil,
		DataDir:       "data",
		InitialEquity: decimal.NewFromInt(10000),
		LogLevel:      "info",
		Risk:          types.DefaultRiskLimits(),
		Execution:     types.DefaultExecutionConfig(),
		Scoring:       types.DefaultScoringConfig(),
		Regime:        types.DefaultRegimeConfig(),
		Strategy:      types.DefaultStrategyConfig(),
		Paper:         types.DefaultPaperConfig(),
		Loops:         types.DefaultLoopConfig(),
		News:          types.DefaultNewsConfig(),
		Server:        types.DefaultServerConfig(),
	}
}

// Load reads the YAML file at path over the defaults and applies
// environment overrides. A missing file yields pure defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("PERP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, missing := err.(viper.ConfigFileNotFoundError); !missing && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides pulls credentials and gates from the environment so
// they never need to live in the file.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("PERP_API_KEY"); key != "" {
		cfg.Credentials.APIKey = key
	}
	if secret := os.Getenv("PERP_API_SECRET"); secret != "" {
		cfg.Credentials.APISecret = secret
	}
	if token := os.Getenv("PERP_CONFIRM_TOKEN"); token != "" {
		cfg.ConfirmToken = token
	}
	switch os.Getenv("PERP_ENABLE_TRADING") {
	case "true", "1":
		cfg.EnableTrading = true
	}
	if mode := os.Getenv("PERP_MODE"); mode != "" {
		cfg.Mode = types.RunMode(mode)
	}
}

// Validate enforces structural limits and the run-mode gates.
func (c *Config) Validate() error {
	switch c.Mode {
	case types.RunModePaper:
	case types.RunModeTestnet:
		if !c.EnableTrading {
			return fmt.Errorf("testnet mode requires enable_trading (set PERP_ENABLE_TRADING)")
		}
		if c.Credentials.APIKey == "" || c.Credentials.APISecret == "" {
			return fmt.Errorf("testnet mode requires credentials (set PERP_API_KEY / PERP_API_SECRET)")
		}
	case types.RunModeLive:
		if !c.EnableTrading {
			return fmt.Errorf("live mode requires enable_trading (set PERP_ENABLE_TRADING)")
		}
		if c.Credentials.APIKey == "" || c.Credentials.APISecret == "" {
			return fmt.Errorf("live mode requires credentials (set PERP_API_KEY / PERP_API_SECRET)")
		}
		if c.ConfirmToken != LiveConfirmToken {
			return fmt.Errorf("live mode requires confirm_token %q (set PERP_CONFIRM_TOKEN)", LiveConfirmToken)
		}
	default:
		return fmt.Errorf("mode must be one of: paper, testnet, live (got %q)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if !c.InitialEquity.IsPositive() {
		return fmt.Errorf("initial_equity must be positive")
	}
	if c.Risk.MaxPositions <= 0 {
		return fmt.Errorf("risk.max_positions must be > 0")
	}
	if c.Risk.MaxLeverage <= 0 {
		return fmt.Errorf("risk.max_leverage must be > 0")
	}
	if !c.Risk.RiskPerTradePct.IsPositive() {
		return fmt.Errorf("risk.risk_per_trade_pct must be > 0")
	}
	if c.Strategy.KlineLookback <= 0 {
		return fmt.Errorf("strategy.kline_lookback must be > 0")
	}
	if c.Scoring.Threshold <= 0 || c.Scoring.Threshold >= 1 {
		return fmt.Errorf("scoring.threshold must be in (0, 1)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid port")
	}
	return nil
}

// PlacementGate returns the check execution re-runs before any order
// reaches a live venue. Paper mode never places live orders, so its
// gate always passes.
func (c *Config) PlacementGate() func() error {
	mode := c.Mode
	enabled := c.EnableTrading
	token := c.ConfirmToken
	return func() error {
		switch mode {
		case types.RunModePaper:
			return nil
		case types.RunModeTestnet:
			if !enabled {
				return fmt.Errorf("trading disabled")
			}
			return nil
		case types.RunModeLive:
			if !enabled {
				return fmt.Errorf("trading disabled")
			}
			if token != LiveConfirmToken {
				return fmt.Errorf("live confirmation token missing")
			}
			return nil
		default:
			return fmt.Errorf("unknown run mode %q", mode)
		}
	}
}

// decodeHooks extends the default viper hooks with decimal parsing so
// YAML numbers and strings land in decimal.Decimal fields exactly.
func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		decimalHook(),
	)
}

func decimalHook() mapstructure.DecodeHookFunc {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return decimal.NewFromString(val)
		case float64:
			return decimal.NewFromFloat(val), nil
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		default:
			return data, nil
		}
	}
}
