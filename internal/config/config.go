// FILE: config.go
// Package config – typed runtime configuration for the signal DCA bot.
//
// Mirrors the reference bot's config.go: a flat Config struct plus
// LoadFromEnv() with explicit defaults. This consolidates the most
// elaborated configuration surface found across the overlapping source
// variants (batch cap, quick-trail, scale-in, trend-filter, reversal-zone
// filter) per SPEC_FULL.md §9's Open Question resolution — earlier,
// smaller variants are prior art only.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration for one bot instance (one
// exchange account, any number of symbols).
type Config struct {
	// Account
	ExchangeAPIKey    string
	ExchangeAPISecret string
	Testnet           bool

	// Capital & Risk
	Leverage              int
	EquityPctPerTrade     float64
	MaxSimultaneousTrades int
	E1LimitOrder          bool
	E1TimeoutMinutes      int

	// DCA ladder
	DCAMultipliers []float64 // index 0 = E1 weight, always 1
	DCASpacingPct  []float64 // index 0 = 0 (entry), index k = % away from entry
	MaxDCALevels   int       // number of DCA levels beyond E1 (len(DCAMultipliers)-1)

	// Signal-target TPs (pre-DCA, E1-mode)
	TP1Pct               float64
	SignalTPClosePcts    []float64 // e.g. [50, 10, 10, 10] summing <= 100
	TrailingCallbackPct  float64
	BEBufferPct          float64 // buffer above/below entry for TP1 break-even move

	// Avg-based TPs (post-DCA)
	DCATPPcts           []float64 // e.g. [0.5, 1.25] percent from avg_price
	DCATPClosePcts      []float64 // e.g. [50, 20] summing <= 100
	DCATrailCallbackPct float64
	DCABEBufferPct      float64

	// Stops
	HardSLPct               float64
	SafetySLPct             float64
	DCAQuickTrailTriggerPct float64
	DCAQuickTrailBufferPct  float64

	// Scale-in (pyramiding)
	ScaleInEnabled bool

	// Admission / batching
	BatchWindowSeconds int
	MaxFillsPerBatch   int

	// Zone source / snapping
	ZoneSnapEnabled      bool
	ZoneSnapMinPct       float64
	ZoneAmendThreshold   float64 // min relative price delta (percent) to amend a DCA order
	ZoneLimitBufferPct   float64
	ZoneRefreshMinutes   int
	ZoneCandleCount      int
	ZoneCandleInterval   string
	ZoneFilterEnabled    bool
	ZoneStalenessMinutes int

	// Trend filter
	TrendFilterEnabled bool

	// Signal filters
	MinLeverageSignal     int
	MaxLeverageSignal     int
	DefaultLeverage       int
	AllowedCoins          []string
	BlockedCoins          []string

	// Loop periods
	PriceMonitorIntervalSec int
	ZoneRefreshIntervalMin  int
	SafetyLoopIntervalSec   int
	ClosedPnlSyncIntervalMin int
	InterTradeDelayMs        int

	// Server
	Host string
	Port int

	// Mode
	DryRun bool

	// Persistence
	DatabaseDSN string
	StateDir    string

	// Private websocket push feed (latency fast-path; poll loop remains
	// authoritative per SPEC_FULL.md §11)
	WSPushEnabled bool
	WSPushURL     string

	// Per-symbol overrides (nested structure; read via viper since the flat
	// env-var getters above are awkward for a map keyed by symbol).
	SymbolOverrides map[string]SymbolOverride
}

// SymbolOverride lets an operator tune leverage/equity-pct per symbol
// without a full YAML ladder preset.
type SymbolOverride struct {
	Leverage          int     `mapstructure:"leverage"`
	EquityPctPerTrade float64 `mapstructure:"equity_pct_per_trade"`
}

// SumMultipliers is the denominator used to compute E1 margin: the sum of
// all DCA weights actually in play (E1 weight + the first MaxDCALevels
// averaging weights).
func (c Config) SumMultipliers() float64 {
	sum := 0.0
	n := c.MaxDCALevels + 1
	if n > len(c.DCAMultipliers) {
		n = len(c.DCAMultipliers)
	}
	for i := 0; i < n; i++ {
		sum += c.DCAMultipliers[i]
	}
	return sum
}

// E1Margin is the USD margin committed to the primary entry.
func (c Config) E1Margin(equity float64) float64 {
	totalBudget := equity * c.EquityPctPerTrade / 100
	sm := c.SumMultipliers()
	if sm <= 0 {
		return 0
	}
	return totalBudget / sm
}

// DCAMargin is the USD margin for DCA level (0 = E1).
func (c Config) DCAMargin(equity float64, level int) float64 {
	base := c.E1Margin(equity)
	if level < 0 || level >= len(c.DCAMultipliers) {
		return 0
	}
	return base * c.DCAMultipliers[level]
}

// LoadFromEnv builds a Config from process environment variables (after
// LoadDotEnv has had a chance to populate them), with an optional YAML
// ladder-preset overlay and a viper-backed layered read for nested
// per-symbol overrides.
func LoadFromEnv() Config {
	v := viper.New()
	v.SetEnvPrefix("BOT")
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	cfg := Config{
		ExchangeAPIKey:    getEnv("EXCHANGE_API_KEY", ""),
		ExchangeAPISecret: getEnv("EXCHANGE_API_SECRET", ""),
		Testnet:           getEnvBool("EXCHANGE_TESTNET", true),

		Leverage:              getEnvInt("LEVERAGE", 20),
		EquityPctPerTrade:     getEnvFloat("EQUITY_PCT", 20.0),
		MaxSimultaneousTrades: getEnvInt("MAX_TRADES", 6),
		E1LimitOrder:          getEnvBool("E1_LIMIT_ORDER", true),
		E1TimeoutMinutes:      getEnvInt("E1_TIMEOUT_MINUTES", 10),

		DCAMultipliers: getEnvFloatCSV("DCA_MULTIPLIERS", []float64{1, 2, 4, 8}),
		DCASpacingPct:  getEnvFloatCSV("DCA_SPACING_PCT", []float64{0, 5, 11, 18}),
		MaxDCALevels:   getEnvInt("MAX_DCA_LEVELS", 3),

		TP1Pct:              getEnvFloat("TP1_PCT", 1.0),
		SignalTPClosePcts:   getEnvFloatCSV("SIGNAL_TP_CLOSE_PCTS", []float64{50, 10, 10, 10}),
		TrailingCallbackPct: getEnvFloat("TRAILING_CALLBACK_PCT", 0.5),
		BEBufferPct:         getEnvFloat("BE_BUFFER_PCT", 0.1),

		DCATPPcts:           getEnvFloatCSV("DCA_TP_PCTS", []float64{0.5, 1.25}),
		DCATPClosePcts:      getEnvFloatCSV("DCA_TP_CLOSE_PCTS", []float64{50, 20}),
		DCATrailCallbackPct: getEnvFloat("DCA_TRAIL_CALLBACK_PCT", 0.5),
		DCABEBufferPct:      getEnvFloat("DCA_BE_BUFFER_PCT", 0.1),

		HardSLPct:               getEnvFloat("HARD_SL_PCT", 3.0),
		SafetySLPct:             getEnvFloat("SAFETY_SL_PCT", 5.0),
		DCAQuickTrailTriggerPct: getEnvFloat("DCA_QUICK_TRAIL_TRIGGER_PCT", 1.0),
		DCAQuickTrailBufferPct:  getEnvFloat("DCA_QUICK_TRAIL_BUFFER_PCT", 0.5),

		ScaleInEnabled: getEnvBool("SCALE_IN_ENABLED", true),

		BatchWindowSeconds: getEnvInt("BATCH_WINDOW_SECONDS", 5),
		MaxFillsPerBatch:   getEnvInt("MAX_FILLS_PER_BATCH", 3),

		ZoneSnapEnabled:          getEnvBool("ZONE_SNAP_ENABLED", true),
		ZoneSnapMinPct:           getEnvFloat("ZONE_SNAP_MIN_PCT", 2.0),
		ZoneAmendThreshold:       getEnvFloat("ZONE_AMEND_THRESHOLD_PCT", 0.3),
		ZoneLimitBufferPct:       getEnvFloat("ZONE_LIMIT_BUFFER_PCT", 0.2),
		ZoneRefreshMinutes:       getEnvInt("ZONE_REFRESH_MINUTES", 15),
		ZoneCandleCount:          getEnvInt("ZONE_CANDLE_COUNT", 100),
		ZoneCandleInterval:       getEnv("ZONE_CANDLE_INTERVAL", "15"),
		ZoneFilterEnabled:        getEnvBool("ZONE_FILTER_ENABLED", true),
		ZoneStalenessMinutes:     getEnvInt("ZONE_STALENESS_MINUTES", 120),

		TrendFilterEnabled: getEnvBool("TREND_FILTER_ENABLED", true),

		MinLeverageSignal: getEnvInt("MIN_LEVERAGE_SIGNAL", 0),
		MaxLeverageSignal: getEnvInt("MAX_LEVERAGE_SIGNAL", 100),
		DefaultLeverage:   getEnvInt("DEFAULT_LEVERAGE", 20),
		AllowedCoins:      getEnvCSV("ALLOWED_COINS", nil),
		BlockedCoins:      getEnvCSV("BLOCKED_COINS", nil),

		PriceMonitorIntervalSec: getEnvInt("PRICE_MONITOR_INTERVAL_SEC", 2),
		ZoneRefreshIntervalMin:  getEnvInt("ZONE_REFRESH_INTERVAL_MIN", 15),
		SafetyLoopIntervalSec:   getEnvInt("SAFETY_LOOP_INTERVAL_SEC", 30),
		ClosedPnlSyncIntervalMin: getEnvInt("CLOSED_PNL_SYNC_INTERVAL_MIN", 2),
		InterTradeDelayMs:        getEnvInt("INTER_TRADE_DELAY_MS", 200),

		Host: getEnv("HOST", "0.0.0.0"),
		Port: getEnvInt("PORT", 8000),

		DryRun: getEnvBool("DRY_RUN", true),

		DatabaseDSN: getEnv("DATABASE_DSN", ""),
		StateDir:    getEnv("STATE_DIR", "./state"),

		WSPushEnabled: getEnvBool("WS_PUSH_ENABLED", false),
		WSPushURL:     getEnv("WS_PUSH_URL", "wss://stream.bybit.com/v5/private"),
	}

	if p := getEnv("DCA_PRESET_FILE", ""); p != "" {
		if err := applyYAMLPreset(&cfg, p); err != nil {
			fmt.Printf("[CONFIG] preset load failed (%s): %v — using env/defaults\n", p, err)
		}
	}

	if p := getEnv("SYMBOLS_CONFIG_FILE", ""); p != "" {
		v.SetConfigFile(p)
		if err := v.ReadInConfig(); err != nil {
			fmt.Printf("[CONFIG] symbol overrides load failed (%s): %v\n", p, err)
		} else {
			var overrides map[string]SymbolOverride
			if err := v.UnmarshalKey("symbols", &overrides); err != nil {
				fmt.Printf("[CONFIG] symbol overrides decode failed (%s): %v\n", p, err)
			} else {
				cfg.SymbolOverrides = overrides
			}
		}
	}

	return cfg
}

// ForSymbol applies any per-symbol override (leverage, equity pct) on top of
// the base config, returning an adjusted copy.
func (c Config) ForSymbol(symbol string) Config {
	ov, ok := c.SymbolOverrides[strings.ToUpper(symbol)]
	if !ok {
		return c
	}
	out := c
	if ov.Leverage > 0 {
		out.Leverage = ov.Leverage
	}
	if ov.EquityPctPerTrade > 0 {
		out.EquityPctPerTrade = ov.EquityPctPerTrade
	}
	return out
}

// dcaPreset is the subset of Config overridable by a YAML ladder preset, for
// operators who want to swap "conservative"/"aggressive" ladders without
// recompiling or juggling long CSV env vars.
type dcaPreset struct {
	DCAMultipliers    []float64 `yaml:"dca_multipliers"`
	DCASpacingPct     []float64 `yaml:"dca_spacing_pct"`
	MaxDCALevels      int       `yaml:"max_dca_levels"`
	SignalTPClosePcts []float64 `yaml:"signal_tp_close_pcts"`
	DCATPPcts         []float64 `yaml:"dca_tp_pcts"`
	DCATPClosePcts    []float64 `yaml:"dca_tp_close_pcts"`
	HardSLPct         float64   `yaml:"hard_sl_pct"`
}

func applyYAMLPreset(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var p dcaPreset
	if err := yaml.Unmarshal(data, &p); err != nil {
		return err
	}
	if len(p.DCAMultipliers) > 0 {
		cfg.DCAMultipliers = p.DCAMultipliers
	}
	if len(p.DCASpacingPct) > 0 {
		cfg.DCASpacingPct = p.DCASpacingPct
	}
	if p.MaxDCALevels > 0 {
		cfg.MaxDCALevels = p.MaxDCALevels
	}
	if len(p.SignalTPClosePcts) > 0 {
		cfg.SignalTPClosePcts = p.SignalTPClosePcts
	}
	if len(p.DCATPPcts) > 0 {
		cfg.DCATPPcts = p.DCATPPcts
	}
	if len(p.DCATPClosePcts) > 0 {
		cfg.DCATPClosePcts = p.DCATPClosePcts
	}
	if p.HardSLPct > 0 {
		cfg.HardSLPct = p.HardSLPct
	}
	return nil
}

// IsCoinAllowed applies the allow/block filters.
func (c Config) IsCoinAllowed(symbol string) bool {
	symbol = strings.ToUpper(symbol)
	for _, b := range c.BlockedCoins {
		if b == symbol {
			return false
		}
	}
	if len(c.AllowedCoins) == 0 {
		return true
	}
	for _, a := range c.AllowedCoins {
		if a == symbol {
			return true
		}
	}
	return false
}
