// Package config loads service configuration from a YAML file, an optional
// .env file and SETTLE_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/atmx/settlement-engine/internal/queue"
	"github.com/atmx/settlement-engine/internal/recovery"
	"github.com/atmx/settlement-engine/internal/risk"
	"github.com/atmx/settlement-engine/internal/trade"
	"github.com/atmx/settlement-engine/internal/vault"
)

// EnvPrefix prefixes every environment override, e.g. SETTLE_DATABASE_URL.
const EnvPrefix = "SETTLE"

var ErrInvalid = errors.New("config: invalid configuration")

type Config struct {
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
	Database    DatabaseConfig    `yaml:"database" envconfig:"DATABASE"`
	Redis       RedisConfig       `yaml:"redis" envconfig:"REDIS"`
	Consistency ConsistencyConfig `yaml:"consistency" envconfig:"CONSISTENCY"`
	Market      MarketConfig      `yaml:"market" envconfig:"MARKET"`
	Trade       TradeConfig       `yaml:"trade" envconfig:"TRADE"`
	Risk        RiskConfig        `yaml:"risk" envconfig:"RISK"`
	Vault       VaultConfig       `yaml:"vault" envconfig:"VAULT"`
	Queue       QueueConfig       `yaml:"queue" envconfig:"QUEUE"`
	Recovery    RecoveryConfig    `yaml:"recovery" envconfig:"RECOVERY"`
	Log         LogConfig         `yaml:"log" envconfig:"LOG"`
}

type ServerConfig struct {
	Port            string        `yaml:"port" envconfig:"PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
}

// DatabaseConfig selects the primary store. An empty URL means the
// in-memory store.
type DatabaseConfig struct {
	URL     string `yaml:"url" envconfig:"URL"`
	Migrate bool   `yaml:"migrate" envconfig:"MIGRATE"`
}

// RedisConfig enables the cache, the delayed queue and the quote feed.
type RedisConfig struct {
	URL      string        `yaml:"url" envconfig:"URL"`
	CacheTTL time.Duration `yaml:"cache_ttl" envconfig:"CACHE_TTL"`
	QueueKey string        `yaml:"queue_key" envconfig:"QUEUE_KEY"`
}

type ConsistencyConfig struct {
	Mode            string `yaml:"mode" envconfig:"MODE"` // auto | strict | best-effort
	AllowBestEffort bool   `yaml:"allow_best_effort" envconfig:"ALLOW_BEST_EFFORT"`
}

type MarketConfig struct {
	InstrumentsFile string        `yaml:"instruments_file" envconfig:"INSTRUMENTS_FILE"`
	CandleTTL       time.Duration `yaml:"candle_ttl" envconfig:"CANDLE_TTL"`
}

type TradeConfig struct {
	MaxQuoteAge time.Duration `yaml:"max_quote_age" envconfig:"MAX_QUOTE_AGE"`
	LateGrace   time.Duration `yaml:"late_grace" envconfig:"LATE_GRACE"`
	MaxExpiry   time.Duration `yaml:"max_expiry" envconfig:"MAX_EXPIRY"`
	MaxSkew     time.Duration `yaml:"max_skew" envconfig:"MAX_SKEW"`
}

// RiskConfig bounds open stake per user. Zero disables a limit.
type RiskConfig struct {
	MaxPerSymbol  decimal.Decimal `yaml:"max_per_symbol" envconfig:"MAX_PER_SYMBOL"`
	MaxCorrelated decimal.Decimal `yaml:"max_correlated" envconfig:"MAX_CORRELATED"`
}

type VaultConfig struct {
	BasePlatformRate decimal.Decimal `yaml:"base_platform_rate" envconfig:"BASE_PLATFORM_RATE"`
	PremiumSurcharge decimal.Decimal `yaml:"premium_surcharge" envconfig:"PREMIUM_SURCHARGE"`
	InsuranceFeeRate decimal.Decimal `yaml:"insurance_fee_rate" envconfig:"INSURANCE_FEE_RATE"`
	CoverageRate     decimal.Decimal `yaml:"coverage_rate" envconfig:"COVERAGE_RATE"`
	MinFundingHold   time.Duration   `yaml:"min_funding_hold" envconfig:"MIN_FUNDING_HOLD"`
	FundingTimeout   time.Duration   `yaml:"funding_timeout" envconfig:"FUNDING_TIMEOUT"`
}

type QueueConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"POLL_INTERVAL"`
	BatchSize    int           `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	RetryDelay   time.Duration `yaml:"retry_delay" envconfig:"RETRY_DELAY"`
}

type RecoveryConfig struct {
	SweepInterval     time.Duration `yaml:"sweep_interval" envconfig:"SWEEP_INTERVAL"`
	StuckTolerance    time.Duration `yaml:"stuck_tolerance" envconfig:"STUCK_TOLERANCE"`
	ResyncInterval    time.Duration `yaml:"resync_interval" envconfig:"RESYNC_INTERVAL"`
	VaultScanInterval time.Duration `yaml:"vault_scan_interval" envconfig:"VAULT_SCAN_INTERVAL"`
	Concurrency       int           `yaml:"concurrency" envconfig:"CONCURRENCY"`
	BatchSize         int           `yaml:"batch_size" envconfig:"BATCH_SIZE"`
	PriceRate         float64       `yaml:"price_rate" envconfig:"PRICE_RATE"` // settlements/sec during a sweep
	PriceBurst        int           `yaml:"price_burst" envconfig:"PRICE_BURST"`
}

type LogConfig struct {
	Level      string `yaml:"level" envconfig:"LEVEL"`   // debug | info | warn | error
	Format     string `yaml:"format" envconfig:"FORMAT"` // text | json
	File       string `yaml:"file" envconfig:"FILE"`     // rotated log file, in addition to stdout
	MaxSizeMB  int    `yaml:"max_size_mb" envconfig:"MAX_SIZE_MB"`
	MaxBackups int    `yaml:"max_backups" envconfig:"MAX_BACKUPS"`
	MaxAgeDays int    `yaml:"max_age_days" envconfig:"MAX_AGE_DAYS"`
}

// Load reads path (optional), applies .env and environment overrides, fills
// defaults and validates.
func Load(path string) (*Config, error) {
	// A missing .env is normal outside development.
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: environment: %w", err)
	}
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.ShutdownTimeout <= 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Redis.CacheTTL <= 0 {
		cfg.Redis.CacheTTL = 30 * time.Second
	}
	if cfg.Redis.QueueKey == "" {
		cfg.Redis.QueueKey = queue.DefaultKey
	}
	if cfg.Consistency.Mode == "" {
		cfg.Consistency.Mode = "auto"
	}
	if cfg.Market.CandleTTL <= 0 {
		cfg.Market.CandleTTL = 24 * time.Hour
	}

	td := trade.DefaultConfig()
	if cfg.Trade.MaxQuoteAge <= 0 {
		cfg.Trade.MaxQuoteAge = td.MaxQuoteAge
	}
	if cfg.Trade.LateGrace <= 0 {
		cfg.Trade.LateGrace = td.LateGrace
	}
	if cfg.Trade.MaxExpiry <= 0 {
		cfg.Trade.MaxExpiry = td.MaxExpiry
	}
	if cfg.Trade.MaxSkew <= 0 {
		cfg.Trade.MaxSkew = td.MaxSkew
	}

	vd := vault.DefaultConfig()
	if cfg.Vault.BasePlatformRate.IsZero() {
		cfg.Vault.BasePlatformRate = vd.BasePlatformRate
	}
	if cfg.Vault.PremiumSurcharge.IsZero() {
		cfg.Vault.PremiumSurcharge = vd.PremiumSurcharge
	}
	if cfg.Vault.InsuranceFeeRate.IsZero() {
		cfg.Vault.InsuranceFeeRate = vd.InsuranceFeeRate
	}
	if cfg.Vault.CoverageRate.IsZero() {
		cfg.Vault.CoverageRate = vd.CoverageRate
	}
	if cfg.Vault.MinFundingHold <= 0 {
		cfg.Vault.MinFundingHold = vd.MinFundingHold
	}

	if cfg.Queue.PollInterval <= 0 {
		cfg.Queue.PollInterval = time.Second
	}
	if cfg.Queue.BatchSize <= 0 {
		cfg.Queue.BatchSize = 100
	}
	if cfg.Queue.RetryDelay <= 0 {
		cfg.Queue.RetryDelay = 5 * time.Second
	}

	rd := recovery.DefaultConfig()
	if cfg.Recovery.SweepInterval <= 0 {
		cfg.Recovery.SweepInterval = rd.SweepInterval
	}
	if cfg.Recovery.StuckTolerance <= 0 {
		cfg.Recovery.StuckTolerance = rd.StuckTolerance
	}
	if cfg.Recovery.ResyncInterval <= 0 {
		cfg.Recovery.ResyncInterval = rd.ResyncInterval
	}
	if cfg.Recovery.VaultScanInterval <= 0 {
		cfg.Recovery.VaultScanInterval = rd.VaultScanInterval
	}
	if cfg.Recovery.Concurrency <= 0 {
		cfg.Recovery.Concurrency = rd.Concurrency
	}
	if cfg.Recovery.BatchSize <= 0 {
		cfg.Recovery.BatchSize = rd.BatchSize
	}
	if cfg.Recovery.PriceRate <= 0 {
		cfg.Recovery.PriceRate = float64(rd.PriceRate)
	}
	if cfg.Recovery.PriceBurst <= 0 {
		cfg.Recovery.PriceBurst = rd.PriceBurst
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB <= 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups <= 0 {
		cfg.Log.MaxBackups = 5
	}
	if cfg.Log.MaxAgeDays <= 0 {
		cfg.Log.MaxAgeDays = 30
	}
}

// Validate rejects configurations the engines cannot run with.
func (c *Config) Validate() error {
	var problems []string
	switch c.Consistency.Mode {
	case "auto", "strict", "best-effort":
	default:
		problems = append(problems, fmt.Sprintf("consistency.mode %q (want auto, strict or best-effort)", c.Consistency.Mode))
	}
	if c.Consistency.Mode == "best-effort" && !c.Consistency.AllowBestEffort {
		problems = append(problems, "consistency.mode best-effort requires allow_best_effort")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("log.level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q", c.Log.Format))
	}
	if c.Trade.LateGrace > c.Trade.MaxQuoteAge {
		problems = append(problems, "trade.late_grace must not exceed trade.max_quote_age")
	}
	if c.Risk.MaxPerSymbol.IsNegative() || c.Risk.MaxCorrelated.IsNegative() {
		problems = append(problems, "risk limits must not be negative")
	}
	for name, r := range map[string]decimal.Decimal{
		"vault.base_platform_rate": c.Vault.BasePlatformRate,
		"vault.premium_surcharge":  c.Vault.PremiumSurcharge,
		"vault.insurance_fee_rate": c.Vault.InsuranceFeeRate,
		"vault.coverage_rate":      c.Vault.CoverageRate,
	} {
		if r.IsNegative() || r.GreaterThan(decimal.NewFromInt(1)) {
			problems = append(problems, name+" must be a fraction in [0, 1]")
		}
	}
	if c.Vault.FundingTimeout < 0 {
		problems = append(problems, "vault.funding_timeout must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) TradeEngine() trade.Config {
	return trade.Config{
		MaxQuoteAge: c.Trade.MaxQuoteAge,
		LateGrace:   c.Trade.LateGrace,
		MaxExpiry:   c.Trade.MaxExpiry,
		MaxSkew:     c.Trade.MaxSkew,
	}
}

// ExposureLimiter returns nil when both limits are disabled.
func (c *Config) ExposureLimiter() *risk.ExposureLimiter {
	if c.Risk.MaxPerSymbol.IsZero() && c.Risk.MaxCorrelated.IsZero() {
		return nil
	}
	return risk.NewExposureLimiter(c.Risk.MaxPerSymbol, c.Risk.MaxCorrelated)
}

func (c *Config) VaultEngine() vault.Config {
	return vault.Config{
		BasePlatformRate: c.Vault.BasePlatformRate,
		PremiumSurcharge: c.Vault.PremiumSurcharge,
		InsuranceFeeRate: c.Vault.InsuranceFeeRate,
		CoverageRate:     c.Vault.CoverageRate,
		MinFundingHold:   c.Vault.MinFundingHold,
		FundingTimeout:   c.Vault.FundingTimeout,
	}
}

func (c *Config) Worker() queue.WorkerConfig {
	return queue.WorkerConfig{
		PollInterval: c.Queue.PollInterval,
		BatchSize:    c.Queue.BatchSize,
		RetryDelay:   c.Queue.RetryDelay,
	}
}

func (c *Config) Sweeper() recovery.Config {
	return recovery.Config{
		SweepInterval:     c.Recovery.SweepInterval,
		StuckTolerance:    c.Recovery.StuckTolerance,
		ResyncInterval:    c.Recovery.ResyncInterval,
		VaultScanInterval: c.Recovery.VaultScanInterval,
		Concurrency:       c.Recovery.Concurrency,
		BatchSize:         c.Recovery.BatchSize,
		PriceRate:         rate.Limit(c.Recovery.PriceRate),
		PriceBurst:        c.Recovery.PriceBurst,
	}
}
