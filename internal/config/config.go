// Package config loads and validates the single YAML configuration file.
// Environment references like ${KITE_API_KEY} are expanded before decode;
// unknown keys are rejected so typos fail fast instead of silently
// defaulting.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/karanvir/opttrader/internal/models"
	"github.com/karanvir/opttrader/internal/options"
)

// Config is the full runtime configuration.
type Config struct {
	Mode models.ExecutionMode `yaml:"mode"`

	Logging  Logging             `yaml:"logging"`
	Broker   Broker              `yaml:"broker"`
	Storage  Storage             `yaml:"storage"`
	API      API                 `yaml:"api"`
	Cache    Cache               `yaml:"cache"`
	Market   Market              `yaml:"market"`
	Trading  Trading             `yaml:"trading"`
	Symbols  Symbols             `yaml:"symbols"`
	Runners  map[string]Runner   `yaml:"runners"`
	Strategy map[string]Strategy `yaml:"strategies"`
	Options  Options             `yaml:"options"`
}

// Logging selects handler format and level.
type Logging struct {
	// Format is "text" or "json"; default "text".
	Format string `yaml:"format"`
	// Level is "debug", "info", "warn" or "error"; default "info".
	Level string `yaml:"level"`
}

// Broker carries upstream credentials and throttling.
type Broker struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	AccessToken string `yaml:"access_token"`
	// RateLimitPerSec caps request rate; default 3.
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec"`
	// Stream enables the websocket tick feed.
	Stream    bool   `yaml:"stream"`
	StreamURL string `yaml:"stream_url"`
}

// Storage selects the persistence backend.
type Storage struct {
	// Backend is "memory" or "postgres"; default "memory".
	Backend string `yaml:"backend"`
	DSN     string `yaml:"dsn"`
}

// API configures the status HTTP server.
type API struct {
	// Addr defaults to "127.0.0.1:7777"; empty string keeps the default,
	// "off" disables the server.
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
}

// Cache tunes the historical cache and the optional Redis quote mirror.
type Cache struct {
	// RefreshTTLSeconds for the historical candle cache; default 300.
	RefreshTTLSeconds int `yaml:"refresh_ttl_seconds"`
	// RedisAddr enables the LTP write-through when set.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// Market describes the trading session.
type Market struct {
	// Open and Close are "HH:MM"; defaults 09:15 and 15:30.
	Open     string   `yaml:"open"`
	Close    string   `yaml:"close"`
	Timezone string   `yaml:"timezone"`
	Holidays []string `yaml:"holidays"`
}

// Trading gates the executor.
type Trading struct {
	Enabled        bool     `yaml:"enabled"`
	Capital        float64  `yaml:"capital"`
	AllowedSymbols []string `yaml:"allowed_symbols"`
	// MaxSignalAgeHours rejects stale signals; default 24.
	MaxSignalAgeHours int `yaml:"max_signal_age_hours"`
}

// Symbols is the polled universe per asset class.
type Symbols struct {
	Indices     []string `yaml:"indices"`
	Equities    []string `yaml:"equities"`
	Options     []string `yaml:"options"`
	Futures     []string `yaml:"futures"`
	Commodities []string `yaml:"commodities"`
}

// ForClass returns the universe for an asset class.
func (s Symbols) ForClass(class models.AssetClass) []string {
	switch class {
	case models.AssetIndex:
		return s.Indices
	case models.AssetEquity:
		return s.Equities
	case models.AssetOptions:
		return s.Options
	case models.AssetFutures:
		return s.Futures
	case models.AssetCommodity:
		return s.Commodities
	default:
		return nil
	}
}

// Runner is per-asset-class loop tuning.
type Runner struct {
	IntervalSeconds int      `yaml:"interval_seconds"`
	Timeframes      []string `yaml:"timeframes"`
}

// Strategy is one strategy's wiring.
type Strategy struct {
	Enabled         bool               `yaml:"enabled"`
	Symbols         []string           `yaml:"symbols"`
	Timeframe       string             `yaml:"timeframe"`
	LookbackPeriods int                `yaml:"lookback_periods"`
	MinPeriods      int                `yaml:"min_periods"`
	UseInProgress   bool               `yaml:"use_in_progress"`
	Parameters      map[string]float64 `yaml:"parameters"`
	AssetClasses    []string           `yaml:"supported_asset_classes"`
}

// Options covers strike selection, sizing and the monitor's exit tuning.
type Options struct {
	MaxConcurrentPositions int     `yaml:"max_concurrent_positions"`
	RiskPct                float64 `yaml:"risk_pct"`
	MaxPositionPct         float64 `yaml:"max_position_pct"`
	StopLossPct            float64 `yaml:"stop_loss_pct"`
	TargetPct              float64 `yaml:"target_pct"`
	MaxLotsPerTrade        int     `yaml:"max_lots_per_trade"`
	MinOI                  int64   `yaml:"min_oi"`
	MinVolume              int64   `yaml:"min_volume"`
	MaxSpreadPct           float64 `yaml:"max_spread_pct"`
	MinPremium             float64 `yaml:"min_premium"`
	MaxPremium             float64 `yaml:"max_premium"`
	StrikeMode             string  `yaml:"strike_mode"`
	ExpiryCutoffMin        int     `yaml:"expiry_cutoff_min"`
	TrailTriggerPct        float64 `yaml:"trail_trigger_pct"`
	MonitorIntervalSeconds int     `yaml:"monitor_interval_seconds"`
}

// Load reads, expands, strictly decodes, normalizes and validates path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse decodes an in-memory YAML document.
func Parse(raw []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.Mode == "" {
		c.Mode = models.ModeLogOnly
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Broker.RateLimitPerSec <= 0 {
		c.Broker.RateLimitPerSec = 3
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "memory"
	}
	if c.API.Addr == "" {
		c.API.Addr = "127.0.0.1:7777"
	}
	if c.Cache.RefreshTTLSeconds <= 0 {
		c.Cache.RefreshTTLSeconds = 300
	}
	if c.Market.Open == "" {
		c.Market.Open = "09:15"
	}
	if c.Market.Close == "" {
		c.Market.Close = "15:30"
	}
	if c.Market.Timezone == "" {
		c.Market.Timezone = "Asia/Kolkata"
	}
	if c.Trading.MaxSignalAgeHours <= 0 {
		c.Trading.MaxSignalAgeHours = 24
	}
	if c.Options.MaxConcurrentPositions <= 0 {
		c.Options.MaxConcurrentPositions = 3
	}
	if c.Options.RiskPct <= 0 {
		c.Options.RiskPct = 0.01
	}
	if c.Options.MaxPositionPct <= 0 {
		c.Options.MaxPositionPct = 0.10
	}
	if c.Options.StopLossPct <= 0 {
		c.Options.StopLossPct = 0.30
	}
	if c.Options.TargetPct <= 0 {
		c.Options.TargetPct = 0.60
	}
	if c.Options.MaxLotsPerTrade <= 0 {
		c.Options.MaxLotsPerTrade = 10
	}
	if c.Options.StrikeMode == "" {
		c.Options.StrikeMode = string(options.ModeConservative)
	}
	if c.Options.ExpiryCutoffMin <= 0 {
		c.Options.ExpiryCutoffMin = 60
	}
	if c.Options.MonitorIntervalSeconds <= 0 {
		c.Options.MonitorIntervalSeconds = 5
	}
}

// Validate returns the first violated constraint.
func (c *Config) Validate() error {
	if !c.Mode.Valid() {
		return fmt.Errorf("config: mode must be LOG_ONLY, PAPER or LIVE (got %q)", c.Mode)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: logging.level %q unknown", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: logging.format %q unknown", c.Logging.Format)
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config: storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: storage.backend %q unknown", c.Storage.Backend)
	}

	if c.Mode == models.ModeLive {
		if c.Broker.APIKey == "" || c.Broker.AccessToken == "" {
			return fmt.Errorf("config: broker.api_key and broker.access_token are required in LIVE mode")
		}
		if !c.Trading.Enabled {
			return fmt.Errorf("config: trading.enabled must be true in LIVE mode")
		}
	}
	if c.Trading.Enabled && c.Trading.Capital <= 0 {
		return fmt.Errorf("config: trading.capital must be > 0 when trading is enabled")
	}

	if _, _, err := parseClock(c.Market.Open); err != nil {
		return fmt.Errorf("config: market.open: %w", err)
	}
	if _, _, err := parseClock(c.Market.Close); err != nil {
		return fmt.Errorf("config: market.close: %w", err)
	}
	if _, err := c.HolidayDates(); err != nil {
		return err
	}

	for asset := range c.Runners {
		if !models.AssetClass(asset).Valid() {
			return fmt.Errorf("config: runners.%s: unknown asset class", asset)
		}
	}

	for name, s := range c.Strategy {
		if !s.Enabled {
			continue
		}
		if !models.Timeframe(s.Timeframe).Valid() {
			return fmt.Errorf("config: strategies.%s.timeframe %q unknown", name, s.Timeframe)
		}
		if s.MinPeriods <= 0 || s.LookbackPeriods < s.MinPeriods {
			return fmt.Errorf("config: strategies.%s: lookback_periods must be >= min_periods > 0", name)
		}
		if len(s.Symbols) == 0 {
			return fmt.Errorf("config: strategies.%s: symbols is empty", name)
		}
		for _, class := range s.AssetClasses {
			if !models.AssetClass(class).Valid() {
				return fmt.Errorf("config: strategies.%s: unknown asset class %q", name, class)
			}
		}
	}

	if !options.StrikeMode(c.Options.StrikeMode).Valid() {
		return fmt.Errorf("config: options.strike_mode %q unknown", c.Options.StrikeMode)
	}
	if c.Options.RiskPct > 1 || c.Options.MaxPositionPct > 1 {
		return fmt.Errorf("config: options.risk_pct and max_position_pct are fractions, not percents")
	}
	return nil
}

// SessionClock returns the configured open and close as hour/minute pairs.
func (c *Config) SessionClock() (openH, openM, closeH, closeM int) {
	openH, openM, _ = parseClock(c.Market.Open)
	closeH, closeM, _ = parseClock(c.Market.Close)
	return
}

// HolidayDates parses market.holidays ("2006-01-02").
func (c *Config) HolidayDates() ([]time.Time, error) {
	out := make([]time.Time, 0, len(c.Market.Holidays))
	for _, h := range c.Market.Holidays {
		d, err := time.Parse("2006-01-02", h)
		if err != nil {
			return nil, fmt.Errorf("config: market.holidays: %q is not YYYY-MM-DD", h)
		}
		out = append(out, d)
	}
	return out, nil
}

// RunnerInterval returns the configured polling period for an asset class,
// zero when unset (the runner then applies its own default).
func (c *Config) RunnerInterval(class models.AssetClass) time.Duration {
	if r, ok := c.Runners[string(class)]; ok && r.IntervalSeconds > 0 {
		return time.Duration(r.IntervalSeconds) * time.Second
	}
	return 0
}

// RunnerTimeframes returns the tracked timeframes for an asset class.
func (c *Config) RunnerTimeframes(class models.AssetClass) []models.Timeframe {
	r, ok := c.Runners[string(class)]
	if !ok {
		return nil
	}
	out := make([]models.Timeframe, 0, len(r.Timeframes))
	for _, tf := range r.Timeframes {
		out = append(out, models.Timeframe(tf))
	}
	return out
}

func parseClock(s string) (int, int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("%q is not HH:MM", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("%q is out of range", s)
	}
	return h, m, nil
}
