// Package config defines all configuration for the arbitrage bot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Log          LogConfig        `mapstructure:"log"`
	VenueA       VenueConfig      `mapstructure:"venue_a"`
	VenueB       VenueConfig      `mapstructure:"venue_b"`
	Symbols      []SymbolConfig   `mapstructure:"symbols"`
	Strategy     StrategyConfig   `mapstructure:"strategy"`
	Risk         RiskConfig       `mapstructure:"risk"`
	Storage      StorageConfig    `mapstructure:"storage"`
	Web          WebConfig        `mapstructure:"web"`
	Runtime      RuntimeConfig    `mapstructure:"runtime"`
	RateLimits   RateLimitsConfig `mapstructure:"rate_limits"`
	Scanner      ScannerConfig    `mapstructure:"scanner"`
	MarketWarmup WarmupConfig     `mapstructure:"market_warmup"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// VenueConfig holds connectivity and credentials for one venue.
// Which credential fields matter depends on the venue's auth scheme:
// venue A signs requests with api_key/api_secret/passphrase, venue B
// signs order payloads with private_key and scopes account queries by
// trading_account_id.
type VenueConfig struct {
	Name        string           `mapstructure:"name"`
	Environment string           `mapstructure:"environment"`
	RestURL     string           `mapstructure:"rest_url"`
	WsURL       string           `mapstructure:"ws_url"`
	ChainID     int64            `mapstructure:"chain_id"` // venue B order signing domain
	Credentials VenueCredentials `mapstructure:"credentials"`
}

// VenueCredentials is the union of both venues' secret material.
// Unused fields stay empty.
type VenueCredentials struct {
	APIKey           string `mapstructure:"api_key"`
	APISecret        string `mapstructure:"api_secret"`
	Passphrase       string `mapstructure:"passphrase"`
	PrivateKey       string `mapstructure:"private_key"`
	TradingAccountID string `mapstructure:"trading_account_id"`
}

// SymbolConfig maps one cross-venue symbol to its venue-native market ids.
type SymbolConfig struct {
	Symbol       string `mapstructure:"symbol"`
	VenueAMarket string `mapstructure:"venue_a_market"`
	VenueBMarket string `mapstructure:"venue_b_market"`
	Enabled      bool   `mapstructure:"enabled"`
}

// StrategyConfig tunes the spread engine and execution sizing.
// Money and threshold values are decimal strings in the YAML; they are
// parsed exactly once at load time.
type StrategyConfig struct {
	MAWindow   int `mapstructure:"ma_window"`
	StdWindow  int `mapstructure:"std_window"`
	MinSamples int `mapstructure:"min_samples"`

	ZEntry     decimal.Decimal `mapstructure:"z_entry"`
	ZExit      decimal.Decimal `mapstructure:"z_exit"`
	ZZeroEntry decimal.Decimal `mapstructure:"z_zero_entry"`
	ZZeroExit  decimal.Decimal `mapstructure:"z_zero_exit"`
	MinEdgeBps decimal.Decimal `mapstructure:"min_edge_bps"`

	BaseOrderQty decimal.Decimal `mapstructure:"base_order_qty"`
	MaxBatchQty  decimal.Decimal `mapstructure:"max_batch_qty"`
	MaxPosition  decimal.Decimal `mapstructure:"max_position"`

	LoopIntervalMs    int `mapstructure:"loop_interval_ms"`
	PositionSyncMs    int `mapstructure:"position_sync_ms"`
	RestConsistencyMs int `mapstructure:"rest_consistency_ms"`
}

// RiskConfig sets the freshness, consistency, and exposure gates.
type RiskConfig struct {
	StaleMs                 int             `mapstructure:"stale_ms"`
	ConsistencyToleranceBps decimal.Decimal `mapstructure:"consistency_tolerance_bps"`
	ConsistencyMaxFailures  int             `mapstructure:"consistency_max_failures"`
	WsIdleTimeoutSec        int             `mapstructure:"ws_idle_timeout_sec"`
	HealthFailThreshold     int             `mapstructure:"health_fail_threshold"`
	HealthCacheMs           int             `mapstructure:"health_cache_ms"`
	NetPosGuardMultiplier   decimal.Decimal `mapstructure:"net_pos_guard_multiplier"`
	HardNetLimitMultiplier  decimal.Decimal `mapstructure:"hard_net_limit_multiplier"`
}

// StorageConfig sets where audit data is persisted.
type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
	CSVDir     string `mapstructure:"csv_dir"`
}

// WebConfig controls the operator HTTP/WebSocket server.
type WebConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// RuntimeConfig holds the mutable runtime flags and their safety rails.
type RuntimeConfig struct {
	SimulatedMarketData         bool   `mapstructure:"simulated_market_data"`
	LiveOrderEnabled            bool   `mapstructure:"live_order_enabled"`
	EnableOrderConfirmationText string `mapstructure:"enable_order_confirmation_text"`
	DefaultMode                 string `mapstructure:"default_mode"`
}

// BucketConfig is one token bucket: sustained rate and burst capacity.
type BucketConfig struct {
	Rate     float64 `mapstructure:"rate"`
	Capacity float64 `mapstructure:"capacity"`
}

// VenueRateLimits groups the two buckets each venue gets.
type VenueRateLimits struct {
	MarketData BucketConfig `mapstructure:"market_data"`
	Order      BucketConfig `mapstructure:"order"`
}

type RateLimitsConfig struct {
	VenueA VenueRateLimits `mapstructure:"venue_a"`
	VenueB VenueRateLimits `mapstructure:"venue_b"`
}

// ScannerConfig controls universe discovery and ranking.
type ScannerConfig struct {
	ScanIntervalSec      int             `mapstructure:"scan_interval_sec"`
	TopLimit             int             `mapstructure:"top_limit"`
	MinEffectiveLeverage decimal.Decimal `mapstructure:"min_effective_leverage"`
}

// WarmupConfig controls the market-history warm-up that gates the
// market-facing API endpoints.
type WarmupConfig struct {
	Enabled                  bool `mapstructure:"enabled"`
	RequireReadyForMarketAPI bool `mapstructure:"require_ready_for_market_api"`
	TimeoutSec               int  `mapstructure:"timeout_sec"`
	HistoryRetention         int  `mapstructure:"history_retention"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_VENUE_A_API_KEY, ARB_VENUE_A_API_SECRET,
// ARB_VENUE_A_PASSPHRASE, ARB_VENUE_B_API_KEY, ARB_VENUE_B_PRIVATE_KEY,
// ARB_VENUE_B_TRADING_ACCOUNT_ID.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// decodeHook adds decimal parsing on top of mapstructure's defaults.
func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToDecimalHookFunc(),
	)
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc parses YAML strings (and bare numbers) into
// decimal.Decimal fields.
func stringToDecimalHookFunc() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("parse decimal %q: %w", v, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("venue_a.name", "venue_a")
	v.SetDefault("venue_a.environment", "testnet")
	v.SetDefault("venue_b.name", "venue_b")
	v.SetDefault("venue_b.environment", "testnet")
	v.SetDefault("venue_b.chain_id", 1)

	v.SetDefault("strategy.ma_window", 120)
	v.SetDefault("strategy.std_window", 120)
	v.SetDefault("strategy.min_samples", 60)
	v.SetDefault("strategy.z_entry", "1.8")
	v.SetDefault("strategy.z_exit", "0.6")
	v.SetDefault("strategy.z_zero_entry", "1.2")
	v.SetDefault("strategy.z_zero_exit", "0.3")
	v.SetDefault("strategy.min_edge_bps", "1.0")
	v.SetDefault("strategy.base_order_qty", "0.001")
	v.SetDefault("strategy.max_batch_qty", "0.005")
	v.SetDefault("strategy.max_position", "0.1")
	v.SetDefault("strategy.loop_interval_ms", 100)
	v.SetDefault("strategy.position_sync_ms", 1500)
	v.SetDefault("strategy.rest_consistency_ms", 1000)

	v.SetDefault("risk.stale_ms", 1200)
	v.SetDefault("risk.consistency_tolerance_bps", "0.08")
	v.SetDefault("risk.consistency_max_failures", 3)
	v.SetDefault("risk.ws_idle_timeout_sec", 8)
	v.SetDefault("risk.health_fail_threshold", 3)
	v.SetDefault("risk.health_cache_ms", 3000)
	v.SetDefault("risk.net_pos_guard_multiplier", "1.5")
	v.SetDefault("risk.hard_net_limit_multiplier", "3.0")

	v.SetDefault("storage.sqlite_path", "data/arbbot.db")
	v.SetDefault("storage.csv_dir", "data/csv")

	v.SetDefault("web.host", "0.0.0.0")
	v.SetDefault("web.port", 8000)

	v.SetDefault("runtime.simulated_market_data", true)
	v.SetDefault("runtime.live_order_enabled", false)
	v.SetDefault("runtime.enable_order_confirmation_text", "ENABLE_LIVE_ORDER")
	v.SetDefault("runtime.default_mode", "normal_arb")

	v.SetDefault("rate_limits.venue_a.market_data.rate", 15.0)
	v.SetDefault("rate_limits.venue_a.market_data.capacity", 25.0)
	v.SetDefault("rate_limits.venue_a.order.rate", 8.0)
	v.SetDefault("rate_limits.venue_a.order.capacity", 12.0)
	v.SetDefault("rate_limits.venue_b.market_data.rate", 15.0)
	v.SetDefault("rate_limits.venue_b.market_data.capacity", 25.0)
	v.SetDefault("rate_limits.venue_b.order.rate", 8.0)
	v.SetDefault("rate_limits.venue_b.order.capacity", 12.0)

	v.SetDefault("scanner.scan_interval_sec", 300)
	v.SetDefault("scanner.top_limit", 200)
	v.SetDefault("scanner.min_effective_leverage", "50")

	v.SetDefault("market_warmup.enabled", true)
	v.SetDefault("market_warmup.require_ready_for_market_api", true)
	v.SetDefault("market_warmup.timeout_sec", 12)
	v.SetDefault("market_warmup.history_retention", 2000)
}

// applyEnvOverrides copies secret env vars over whatever the file holds.
func applyEnvOverrides(cfg *Config) {
	set := func(dst *string, key string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	set(&cfg.VenueA.Credentials.APIKey, "ARB_VENUE_A_API_KEY")
	set(&cfg.VenueA.Credentials.APISecret, "ARB_VENUE_A_API_SECRET")
	set(&cfg.VenueA.Credentials.Passphrase, "ARB_VENUE_A_PASSPHRASE")
	set(&cfg.VenueB.Credentials.APIKey, "ARB_VENUE_B_API_KEY")
	set(&cfg.VenueB.Credentials.PrivateKey, "ARB_VENUE_B_PRIVATE_KEY")
	set(&cfg.VenueB.Credentials.TradingAccountID, "ARB_VENUE_B_TRADING_ACCOUNT_ID")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Strategy.MAWindow <= 0 || c.Strategy.StdWindow <= 0 {
		return fmt.Errorf("strategy.ma_window and strategy.std_window must be > 0")
	}
	if c.Strategy.MinSamples <= 0 {
		return fmt.Errorf("strategy.min_samples must be > 0")
	}
	if !c.Strategy.ZEntry.IsPositive() {
		return fmt.Errorf("strategy.z_entry must be > 0")
	}
	if c.Strategy.ZExit.Cmp(c.Strategy.ZEntry) >= 0 {
		return fmt.Errorf("strategy.z_exit must be < strategy.z_entry")
	}
	if c.Strategy.ZZeroExit.Cmp(c.Strategy.ZZeroEntry) >= 0 {
		return fmt.Errorf("strategy.z_zero_exit must be < strategy.z_zero_entry")
	}
	if !c.Strategy.BaseOrderQty.IsPositive() {
		return fmt.Errorf("strategy.base_order_qty must be > 0")
	}
	if !c.Strategy.MaxBatchQty.IsPositive() {
		return fmt.Errorf("strategy.max_batch_qty must be > 0")
	}
	if !c.Strategy.MaxPosition.IsPositive() {
		return fmt.Errorf("strategy.max_position must be > 0")
	}
	if c.Strategy.LoopIntervalMs <= 0 || c.Strategy.PositionSyncMs <= 0 || c.Strategy.RestConsistencyMs <= 0 {
		return fmt.Errorf("strategy loop cadences must be > 0")
	}
	if c.Risk.StaleMs <= 0 {
		return fmt.Errorf("risk.stale_ms must be > 0")
	}
	if !c.Risk.ConsistencyToleranceBps.IsPositive() {
		return fmt.Errorf("risk.consistency_tolerance_bps must be > 0")
	}
	if c.Risk.ConsistencyMaxFailures <= 0 {
		return fmt.Errorf("risk.consistency_max_failures must be > 0")
	}
	if c.Risk.WsIdleTimeoutSec <= 0 || c.Risk.HealthFailThreshold <= 0 || c.Risk.HealthCacheMs <= 0 {
		return fmt.Errorf("risk liveness gates must be > 0")
	}
	if !c.Risk.NetPosGuardMultiplier.IsPositive() || !c.Risk.HardNetLimitMultiplier.IsPositive() {
		return fmt.Errorf("risk position multipliers must be > 0")
	}
	if err := validateBuckets("venue_a", c.RateLimits.VenueA); err != nil {
		return err
	}
	if err := validateBuckets("venue_b", c.RateLimits.VenueB); err != nil {
		return err
	}
	if c.Runtime.EnableOrderConfirmationText == "" {
		return fmt.Errorf("runtime.enable_order_confirmation_text must not be empty")
	}
	if c.Runtime.LiveOrderEnabled && c.Runtime.SimulatedMarketData {
		return fmt.Errorf("runtime.live_order_enabled requires runtime.simulated_market_data=false")
	}
	switch c.Runtime.DefaultMode {
	case "normal_arb", "zero_wear":
	default:
		return fmt.Errorf("runtime.default_mode must be normal_arb or zero_wear")
	}
	if c.Scanner.ScanIntervalSec <= 0 {
		return fmt.Errorf("scanner.scan_interval_sec must be > 0")
	}
	if !c.Scanner.MinEffectiveLeverage.IsPositive() {
		return fmt.Errorf("scanner.min_effective_leverage must be > 0")
	}
	if c.MarketWarmup.HistoryRetention <= 0 {
		return fmt.Errorf("market_warmup.history_retention must be > 0")
	}
	if c.Web.Port <= 0 || c.Web.Port > 65535 {
		return fmt.Errorf("web.port must be in (0, 65535]")
	}
	for i, s := range c.Symbols {
		if s.Symbol == "" || s.VenueAMarket == "" || s.VenueBMarket == "" {
			return fmt.Errorf("symbols[%d]: symbol and both venue markets are required", i)
		}
	}
	return nil
}

func validateBuckets(venue string, rl VenueRateLimits) error {
	for _, b := range []struct {
		scope string
		cfg   BucketConfig
	}{
		{"market_data", rl.MarketData},
		{"order", rl.Order},
	} {
		if b.cfg.Rate <= 0 || b.cfg.Capacity <= 0 {
			return fmt.Errorf("rate_limits.%s.%s: rate and capacity must be > 0", venue, b.scope)
		}
	}
	return nil
}
