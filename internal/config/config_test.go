package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/config"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settle.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "auto", cfg.Consistency.Mode)
	assert.Equal(t, 60*time.Second, cfg.Trade.MaxQuoteAge)
	assert.Equal(t, 30*time.Second, cfg.Trade.LateGrace)
	assert.True(t, cfg.Vault.BasePlatformRate.Equal(decimal.RequireFromString("0.05")))
	assert.True(t, cfg.Vault.InsuranceFeeRate.Equal(decimal.RequireFromString("0.06")))
	assert.Equal(t, 240*time.Hour, cfg.Vault.MinFundingHold)
	assert.Zero(t, cfg.Vault.FundingTimeout)
	assert.Equal(t, 10*time.Second, cfg.Recovery.SweepInterval)
	assert.Nil(t, cfg.ExposureLimiter())
}

func TestLoad_YAMLThenEnvironment(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9090"
database:
  url: postgres://localhost/settle
consistency:
  mode: strict
risk:
  max_per_symbol: 1000
  max_correlated: "5000"
vault:
  base_platform_rate: 0.07
  funding_timeout: 720h
recovery:
  sweep_interval: 15s
log:
  level: debug
  format: text
`)
	t.Setenv("SETTLE_SERVER_PORT", "7070")
	t.Setenv("SETTLE_RECOVERY_CONCURRENCY", "8")
	t.Setenv("SETTLE_VAULT_PREMIUM_SURCHARGE", "0.02")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "postgres://localhost/settle", cfg.Database.URL)
	assert.Equal(t, "strict", cfg.Consistency.Mode)
	assert.Equal(t, 15*time.Second, cfg.Recovery.SweepInterval)
	assert.Equal(t, 8, cfg.Recovery.Concurrency)
	assert.Equal(t, "debug", cfg.Log.Level)

	vc := cfg.VaultEngine()
	assert.True(t, vc.BasePlatformRate.Equal(decimal.RequireFromString("0.07")))
	assert.True(t, vc.PremiumSurcharge.Equal(decimal.RequireFromString("0.02")))
	assert.Equal(t, 720*time.Hour, vc.FundingTimeout)

	limiter := cfg.ExposureLimiter()
	require.NotNil(t, limiter)
	assert.True(t, limiter.MaxPerSymbol.Equal(decimal.NewFromInt(1000)))
	assert.True(t, limiter.MaxCorrelated.Equal(decimal.NewFromInt(5000)))
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown mode":       "consistency:\n  mode: sometimes\n",
		"best effort denied": "consistency:\n  mode: best-effort\n",
		"bad level":          "log:\n  level: loud\n",
		"rate over one":      "vault:\n  coverage_rate: 1.5\n",
		"grace over age":     "trade:\n  max_quote_age: 10s\n  late_grace: 20s\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeFile(t, body))
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_BestEffortAllowed(t *testing.T) {
	cfg, err := config.Load(writeFile(t, "consistency:\n  mode: best-effort\n  allow_best_effort: true\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Consistency.AllowBestEffort)
}

func TestSetupLogger_RotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settle.log")
	logger, closer := config.SetupLogger(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1})
	logger.Info("hello", "k", "v")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"hello"`)
}
