// Package config loads the process configuration: defaults, an optional
// YAML/JSON file, and environment overrides, the way the teacher's go.mod
// declares (but never wires) viper for.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration, covering every component's
// tunables. Defaults mirror the numeric constants fixed by spec.md.
type Config struct {
	Host         string   `mapstructure:"host"`
	Port         int      `mapstructure:"port"`
	MetricsPort  int      `mapstructure:"metricsPort"`
	DataDir      string   `mapstructure:"dataDir"`
	LogLevel     string   `mapstructure:"logLevel"`
	PaperTrading bool     `mapstructure:"paperTrading"`
	Symbols      []string `mapstructure:"symbols"`
	QuoteAsset   string   `mapstructure:"quoteAsset"`

	VenueAPIKey    string `mapstructure:"venueApiKey"`
	VenueAPISecret string `mapstructure:"venueApiSecret"`
	VenueTestnet   bool   `mapstructure:"venueTestnet"`

	CycleInterval    time.Duration `mapstructure:"cycleInterval"`
	CycleTimeout     time.Duration `mapstructure:"cycleTimeout"`
	LiveMonitorPoll  time.Duration `mapstructure:"liveMonitorPoll"`
	SentinelPoll     time.Duration `mapstructure:"sentinelPoll"`
	EquityReconcileEvery int       `mapstructure:"equityReconcileEvery"` // every N cycles
	FlushEvery           int       `mapstructure:"flushEvery"`           // every N cycles

	RiskFraction         float64 `mapstructure:"riskFraction"`
	RiskFractionCeiling  float64 `mapstructure:"riskFractionCeiling"`
	MaxMarginPerTrade    float64 `mapstructure:"maxMarginPerTrade"`
	MinMarginPerTrade    float64 `mapstructure:"minMarginPerTrade"`
	MaxLeverage          int     `mapstructure:"maxLeverage"`
	MaxDailyLossPct      float64 `mapstructure:"maxDailyLossPct"`
	MaxDrawdown          float64 `mapstructure:"maxDrawdown"`
	// MaxPositionsPerSymbol caps concurrent positions per symbol. The
	// state machine keys positions by (symbol, side), so only LONG+SHORT
	// can ever coexist for one symbol regardless of this value; it binds
	// only if that per-side keying is ever relaxed to allow stacking.
	MaxPositionsPerSymbol int `mapstructure:"maxPositionsPerSymbol"`

	SameSideCooldown     time.Duration `mapstructure:"sameSideCooldown"`
	ReversalCooldown     time.Duration `mapstructure:"reversalCooldown"`
	DuplicateGuardDebounce time.Duration `mapstructure:"duplicateGuardDebounce"`
	ExitDebounce         time.Duration `mapstructure:"exitDebounce"`
	MinNotional          float64       `mapstructure:"minNotional"`

	SentinelDebounce     time.Duration `mapstructure:"sentinelDebounce"`
	SentinelCycleDebounce int          `mapstructure:"sentinelCycleDebounce"`

	BreakerPause         time.Duration `mapstructure:"breakerPause"`

	DecisionTimeout      time.Duration `mapstructure:"decisionTimeout"`
	DecisionCacheCycles  int           `mapstructure:"decisionCacheCycles"`
	DecisionCacheConfidence float64    `mapstructure:"decisionCacheConfidence"`

	IndicatorCacheTTL    time.Duration `mapstructure:"indicatorCacheTtl"`
	IndicatorHardRefresh time.Duration `mapstructure:"indicatorHardRefresh"`

	PartialCloseROI      float64 `mapstructure:"partialCloseRoi"`
	PartialCloseFraction float64 `mapstructure:"partialCloseFraction"`

	ExchangeCallTimeout  time.Duration `mapstructure:"exchangeCallTimeout"`
	RetryBaseDelay       time.Duration `mapstructure:"retryBaseDelay"`
	RetryFactor          float64       `mapstructure:"retryFactor"`
	RetryMaxAttempts     int           `mapstructure:"retryMaxAttempts"`
}

// Default returns the configuration with every numeric constant spec.md
// fixes, before file/env overrides are layered on.
func Default() Config {
	return Config{
		Host:         "localhost",
		Port:         8080,
		MetricsPort:  9090,
		DataDir:      "./data",
		LogLevel:     "info",
		PaperTrading: true,
		Symbols:      []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		QuoteAsset:   "USDT",
		VenueTestnet: true,

		CycleInterval:        60 * time.Second,
		CycleTimeout:         90 * time.Second,
		LiveMonitorPoll:      5 * time.Second,
		SentinelPoll:         60 * time.Second,
		EquityReconcileEvery: 10,
		FlushEvery:           7,

		RiskFraction:          0.025,
		RiskFractionCeiling:   0.03,
		MaxMarginPerTrade:     600,
		MinMarginPerTrade:     600,
		MaxLeverage:           2,
		MaxDailyLossPct:       0.1,
		MaxDrawdown:           0.25,
		MaxPositionsPerSymbol: 3,

		SameSideCooldown:       900 * time.Second,
		ReversalCooldown:       600 * time.Second,
		DuplicateGuardDebounce: 2500 * time.Millisecond,
		ExitDebounce:           5 * time.Second,
		MinNotional:            10,

		SentinelDebounce:      60 * time.Second,
		SentinelCycleDebounce: 3,

		BreakerPause: 10 * time.Minute,

		DecisionTimeout:         2 * time.Second,
		DecisionCacheCycles:     4,
		DecisionCacheConfidence: 0.8,

		IndicatorCacheTTL:    30 * time.Second,
		IndicatorHardRefresh: 10 * time.Second,

		PartialCloseROI:      0.003,
		PartialCloseFraction: 0.5,

		ExchangeCallTimeout: 5 * time.Second,
		RetryBaseDelay:      200 * time.Millisecond,
		RetryFactor:         2.0,
		RetryMaxAttempts:    5,
	}
}

// Load builds a viper instance seeded with Default(), optionally merges a
// config file at path (if non-empty and present), and applies SENTINEL_
// prefixed environment overrides. Configuration loading itself is out of
// scope per spec.md; this is the ambient plumbing that gets a typed Config
// to the rest of the process.
func Load(path string) (Config, error) {
	v := viper.New()
	def := Default()

	v.SetConfigType("yaml")
	v.SetEnvPrefix("SENTINEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, def)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound && !os.IsNotExist(err) {
				return Config{}, err
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("metricsPort", d.MetricsPort)
	v.SetDefault("dataDir", d.DataDir)
	v.SetDefault("logLevel", d.LogLevel)
	v.SetDefault("paperTrading", d.PaperTrading)
	v.SetDefault("symbols", d.Symbols)
	v.SetDefault("quoteAsset", d.QuoteAsset)
	v.SetDefault("venueApiKey", d.VenueAPIKey)
	v.SetDefault("venueApiSecret", d.VenueAPISecret)
	v.SetDefault("venueTestnet", d.VenueTestnet)
	v.SetDefault("cycleInterval", d.CycleInterval)
	v.SetDefault("cycleTimeout", d.CycleTimeout)
	v.SetDefault("liveMonitorPoll", d.LiveMonitorPoll)
	v.SetDefault("sentinelPoll", d.SentinelPoll)
	v.SetDefault("equityReconcileEvery", d.EquityReconcileEvery)
	v.SetDefault("flushEvery", d.FlushEvery)
	v.SetDefault("riskFraction", d.RiskFraction)
	v.SetDefault("riskFractionCeiling", d.RiskFractionCeiling)
	v.SetDefault("maxMarginPerTrade", d.MaxMarginPerTrade)
	v.SetDefault("minMarginPerTrade", d.MinMarginPerTrade)
	v.SetDefault("maxLeverage", d.MaxLeverage)
	v.SetDefault("maxDailyLossPct", d.MaxDailyLossPct)
	v.SetDefault("maxDrawdown", d.MaxDrawdown)
	v.SetDefault("maxPositionsPerSymbol", d.MaxPositionsPerSymbol)
	v.SetDefault("sameSideCooldown", d.SameSideCooldown)
	v.SetDefault("reversalCooldown", d.ReversalCooldown)
	v.SetDefault("duplicateGuardDebounce", d.DuplicateGuardDebounce)
	v.SetDefault("exitDebounce", d.ExitDebounce)
	v.SetDefault("minNotional", d.MinNotional)
	v.SetDefault("sentinelDebounce", d.SentinelDebounce)
	v.SetDefault("sentinelCycleDebounce", d.SentinelCycleDebounce)
	v.SetDefault("breakerPause", d.BreakerPause)
	v.SetDefault("decisionTimeout", d.DecisionTimeout)
	v.SetDefault("decisionCacheCycles", d.DecisionCacheCycles)
	v.SetDefault("decisionCacheConfidence", d.DecisionCacheConfidence)
	v.SetDefault("indicatorCacheTtl", d.IndicatorCacheTTL)
	v.SetDefault("indicatorHardRefresh", d.IndicatorHardRefresh)
	v.SetDefault("partialCloseRoi", d.PartialCloseROI)
	v.SetDefault("partialCloseFraction", d.PartialCloseFraction)
	v.SetDefault("exchangeCallTimeout", d.ExchangeCallTimeout)
	v.SetDefault("retryBaseDelay", d.RetryBaseDelay)
	v.SetDefault("retryFactor", d.RetryFactor)
	v.SetDefault("retryMaxAttempts", d.RetryMaxAttempts)
}
