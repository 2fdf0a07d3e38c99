// Package config loads the risk control plane's configuration from YAML
// plus environment overlays, the way the teacher's configs package loads
// config.yml: read file, yaml.Unmarshal, wrap errors with fmt.Errorf.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk shape of config.yml.
type Config struct {
	MonitoringIntervalMS int            `yaml:"monitoring_interval_ms"`
	Limits               LimitsYAML     `yaml:"limits"`
	AlertBufferSize      int            `yaml:"alert_buffer_size"`
	DedupeWindow         int            `yaml:"dedupe_window"`
	Redis                RedisYAML      `yaml:"redis"`
	MySQL                MySQLYAML      `yaml:"mysql"`
	InfluxDB             InfluxDBYAML   `yaml:"influxdb"`
	Stream               StreamYAML     `yaml:"stream"`
	Exchanges            []ExchangeYAML `yaml:"exchanges"`
}

// LimitsYAML mirrors §6's recognized options.
type LimitsYAML struct {
	MaxTotalExposure      float64 `yaml:"max_total_exposure"`
	MaxConcentrationRatio float64 `yaml:"max_concentration_ratio"`
	MaxCorrelationExposure float64 `yaml:"max_correlation_exposure"`
	MaxLeverageRatio      float64 `yaml:"max_leverage_ratio"`
	StressTestThreshold   float64 `yaml:"stress_test_threshold"`
	RealtimePnLThreshold  float64 `yaml:"realtime_pnl_threshold"`
	MaxPortfolioVaR       float64 `yaml:"max_portfolio_var"`
	MaxDailyTrades        int     `yaml:"max_daily_trades"`
	MinSpreadThreshold    float64 `yaml:"min_spread_threshold"`
	MaxAlertsPerHour      int     `yaml:"max_alerts_per_hour"`
	MaxSingleTradeRisk    float64 `yaml:"max_single_trade_risk"`
}

// RedisYAML configures the KV store sink (position/alert/halt/limits).
type RedisYAML struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLYAML configures the audit-log sink.
type MySQLYAML struct {
	DSN string `yaml:"dsn"`
}

// InfluxDBYAML configures the time-series metrics sink.
type InfluxDBYAML struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// StreamYAML configures the websocket egress surface.
type StreamYAML struct {
	ListenAddr   string `yaml:"listen_addr"`
	SubscriberBufferSize int `yaml:"subscriber_buffer_size"`
}

// ExchangeYAML describes one rate-limited tenant and its encrypted API secret.
type ExchangeYAML struct {
	Name              string `yaml:"name"`
	RateLimitCapacity int    `yaml:"rate_limit_capacity"`
	RateLimitWindowMS int    `yaml:"rate_limit_window_ms"`
	EncryptedAPISecret string `yaml:"encrypted_api_secret"`
}

// LoadConfig reads and parses path into a Config struct.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return &cfg, nil
}

// LoadEnvOverlay loads a .env-style file (test/dev secrets, per-environment
// overrides) the way the teacher's cmd/main.go and tests load .env.test.local.
// A missing file is not an error; it is simply skipped.
func LoadEnvOverlay(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env overlay %s: %w", path, err)
	}
	return nil
}

// MonitoringInterval returns the configured tick cadence, defaulting to 1s
// per §4.6.
func (c *Config) MonitoringInterval() time.Duration {
	if c.MonitoringIntervalMS <= 0 {
		return time.Second
	}
	return time.Duration(c.MonitoringIntervalMS) * time.Millisecond
}

// ToRiskLimits builds an immutable RiskLimits snapshot from the YAML record,
// applying the defaults named in §6. Per design note "Global configuration
// singletons" (spec §9), this is the only place a Config becomes a
// RiskLimits; nothing downstream mutates the result in place.
func (c *Config) ToRiskLimits() *RiskLimits {
	l := c.Limits
	rl := &RiskLimits{
		MaxTotalExposure:       l.MaxTotalExposure,
		MaxConcentrationRatio:  orDefaultF(l.MaxConcentrationRatio, 0.25),
		MaxCorrelationExposure: orDefaultF(l.MaxCorrelationExposure, 0.5),
		MaxLeverageRatio:       orDefaultF(l.MaxLeverageRatio, 3.0),
		StressTestThreshold:    orDefaultF(l.StressTestThreshold, 0.15),
		RealtimePnLThreshold:   l.RealtimePnLThreshold,
		MaxPortfolioVaR:        l.MaxPortfolioVaR,
		MaxDailyTrades:         l.MaxDailyTrades,
		MinSpreadThreshold:     l.MinSpreadThreshold,
		MaxAlertsPerHour:       orDefaultI(l.MaxAlertsPerHour, 20),
		MaxSingleTradeRisk:     l.MaxSingleTradeRisk,
		Generation:             1,
	}
	return rl
}

func orDefaultF(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func orDefaultI(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// RiskLimits is the versioned configuration record consulted by the
// monitoring loop and risk evaluator (spec §3 "Risk limits"). It is always
// passed by value-like immutable pointer; reconfiguration replaces the
// pointer, never edits through it.
type RiskLimits struct {
	MaxTotalExposure       float64
	MaxConcentrationRatio  float64
	MaxCorrelationExposure float64
	MaxLeverageRatio       float64
	StressTestThreshold    float64
	RealtimePnLThreshold   float64
	MaxPortfolioVaR        float64
	MaxDailyTrades         int
	MinSpreadThreshold     float64
	MaxAlertsPerHour       int
	MaxSingleTradeRisk     float64
	Generation             uint64
}

// WithGeneration returns a copy of rl bumped to the given generation, used by
// UpdateRiskLimits to version a replacement snapshot.
func (rl *RiskLimits) WithGeneration(gen uint64) *RiskLimits {
	cp := *rl
	cp.Generation = gen
	return &cp
}
