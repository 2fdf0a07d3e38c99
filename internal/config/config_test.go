package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_ParsesYAMLIntoConfig(t *testing.T) {
	path := writeTempConfig(t, `
monitoring_interval_ms: 500
alert_buffer_size: 1000
limits:
  max_total_exposure: 100000
  max_daily_trades: 50
redis:
  addr: localhost:6379
exchanges:
  - name: binance
    rate_limit_capacity: 10
    rate_limit_window_ms: 1000
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 500, cfg.MonitoringIntervalMS)
	assert.Equal(t, 100000.0, cfg.Limits.MaxTotalExposure)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	require.Len(t, cfg.Exchanges, 1)
	assert.Equal(t, "binance", cfg.Exchanges[0].Name)
}

func TestLoadConfig_MissingFileReturnsError(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "does-not-exist.yml"))
	assert.Error(t, err)
}

func TestMonitoringInterval_DefaultsToOneSecond(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, time.Second, cfg.MonitoringInterval())

	cfg.MonitoringIntervalMS = 250
	assert.Equal(t, 250*time.Millisecond, cfg.MonitoringInterval())
}

func TestToRiskLimits_AppliesDefaultsForZeroFields(t *testing.T) {
	cfg := &Config{Limits: LimitsYAML{MaxTotalExposure: 50000}}
	limits := cfg.ToRiskLimits()

	assert.Equal(t, 50000.0, limits.MaxTotalExposure)
	assert.Equal(t, 0.25, limits.MaxConcentrationRatio)
	assert.Equal(t, 0.5, limits.MaxCorrelationExposure)
	assert.Equal(t, 3.0, limits.MaxLeverageRatio)
	assert.Equal(t, 0.15, limits.StressTestThreshold)
	assert.Equal(t, 20, limits.MaxAlertsPerHour)
	assert.Equal(t, uint64(1), limits.Generation)
}

func TestToRiskLimits_PreservesExplicitNonZeroValues(t *testing.T) {
	cfg := &Config{Limits: LimitsYAML{MaxConcentrationRatio: 0.4, MaxAlertsPerHour: 5}}
	limits := cfg.ToRiskLimits()

	assert.Equal(t, 0.4, limits.MaxConcentrationRatio)
	assert.Equal(t, 5, limits.MaxAlertsPerHour)
}

func TestRiskLimits_WithGenerationReturnsIndependentCopy(t *testing.T) {
	base := &RiskLimits{MaxTotalExposure: 1, Generation: 1}
	next := base.WithGeneration(2)

	assert.Equal(t, uint64(1), base.Generation)
	assert.Equal(t, uint64(2), next.Generation)
	assert.Equal(t, base.MaxTotalExposure, next.MaxTotalExposure)
}

func TestLoadEnvOverlay_MissingFileIsNotAnError(t *testing.T) {
	err := LoadEnvOverlay(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestLoadEnvOverlay_LoadsPresentFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("RISKCTL_TEST_VAR=present\n"), 0o600))

	require.NoError(t, LoadEnvOverlay(path))
	assert.Equal(t, "present", os.Getenv("RISKCTL_TEST_VAR"))
	os.Unsetenv("RISKCTL_TEST_VAR")
}
