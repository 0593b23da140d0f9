// Package recovery is the self-healing backstop of the engine: it settles
// trades whose scheduled settlement was lost, rebuilds the bots' cached
// active-trade counters and drives vault maturity.
package recovery

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/vault"
)

// TradeSettler settles one trade idempotently.
type TradeSettler interface {
	SettleTrade(ctx context.Context, id string) (*model.Trade, error)
}

// VaultSettler drives vault maturity and funding timeouts.
type VaultSettler interface {
	Settle(ctx context.Context, vaultID string) (*model.Vault, error)
	FailFunding(ctx context.Context, vaultID string) (*model.Vault, error)
}

// Config tunes the sweeper loops.
type Config struct {
	SweepInterval     time.Duration
	StuckTolerance    time.Duration // how long past expiry a trade counts as stuck
	ResyncInterval    time.Duration
	VaultScanInterval time.Duration
	Concurrency       int
	BatchSize         int
	PriceRate         rate.Limit // settlements per second during a sweep; 0 is unlimited
	PriceBurst        int
}

// DefaultConfig returns production sweep timings.
func DefaultConfig() Config {
	return Config{
		SweepInterval:     10 * time.Second,
		StuckTolerance:    5 * time.Second,
		ResyncInterval:    time.Minute,
		VaultScanInterval: 30 * time.Second,
		Concurrency:       4,
		BatchSize:         500,
		PriceRate:         20,
		PriceBurst:        5,
	}
}

// SweepResult summarizes one stuck-trade sweep.
type SweepResult struct {
	Found   int
	Settled int
	Failed  int
}

// VaultScanResult summarizes one vault scan.
type VaultScanResult struct {
	Settled  int
	Deferred int
	Failed   int
	Errors   int
}

// Sweeper runs the recovery loops.
type Sweeper struct {
	store   store.Store
	trades  TradeSettler
	vaults  VaultSettler
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger
	now     func() time.Time
}

// NewSweeper creates a sweeper. vaults may be nil to skip the vault scan.
func NewSweeper(s store.Store, trades TradeSettler, vaults VaultSettler, cfg Config, logger *slog.Logger) *Sweeper {
	def := DefaultConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.ResyncInterval <= 0 {
		cfg.ResyncInterval = def.ResyncInterval
	}
	if cfg.VaultScanInterval <= 0 {
		cfg.VaultScanInterval = def.VaultScanInterval
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	sw := &Sweeper{
		store:  s,
		trades: trades,
		vaults: vaults,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if cfg.PriceRate > 0 {
		burst := cfg.PriceBurst
		if burst <= 0 {
			burst = 1
		}
		sw.limiter = rate.NewLimiter(cfg.PriceRate, burst)
	}
	return sw
}

// WithClock overrides the sweeper's clock.
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

// Run drives all loops until ctx is cancelled. Each loop runs once
// immediately.
func (s *Sweeper) Run(ctx context.Context) {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()
	resync := time.NewTicker(s.cfg.ResyncInterval)
	defer resync.Stop()
	scan := time.NewTicker(s.cfg.VaultScanInterval)
	defer scan.Stop()

	s.logger.Info("recovery sweeper started",
		"sweep_interval", s.cfg.SweepInterval.String(),
		"resync_interval", s.cfg.ResyncInterval.String(),
		"vault_scan_interval", s.cfg.VaultScanInterval.String(),
	)
	s.runSweep(ctx)
	s.runResync(ctx)
	s.runVaultScan(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("recovery sweeper stopped")
			return
		case <-sweep.C:
			s.runSweep(ctx)
		case <-resync.C:
			s.runResync(ctx)
		case <-scan.C:
			s.runVaultScan(ctx)
		}
	}
}

func (s *Sweeper) runSweep(ctx context.Context) {
	if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("stuck trade sweep", "error", err)
	}
}

func (s *Sweeper) runResync(ctx context.Context) {
	if _, err := s.ResyncOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("bot counter resync", "error", err)
	}
}

func (s *Sweeper) runVaultScan(ctx context.Context) {
	if s.vaults == nil {
		return
	}
	if _, err := s.ScanVaultsOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("vault scan", "error", err)
	}
}

// SweepOnce settles OPEN trades that expired more than StuckTolerance ago.
// A failing trade is logged and left for the next sweep.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	cutoff := s.now().Add(-s.cfg.StuckTolerance)
	stuck, err := s.store.ListExpiredOpenTrades(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return SweepResult{}, err
	}
	res := SweepResult{Found: len(stuck)}
	if len(stuck) == 0 {
		return res, nil
	}

	var settled, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, t := range stuck {
		id := t.ID
		g.Go(func() error {
			if s.limiter != nil {
				if err := s.limiter.Wait(gctx); err != nil {
					return err
				}
			}
			if _, err := s.trades.SettleTrade(gctx, id); err != nil {
				failed.Add(1)
				s.logger.Warn("stuck trade not settled", "trade_id", id, "error", err)
				return nil
			}
			settled.Add(1)
			return nil
		})
	}
	err = g.Wait()

	res.Settled = int(settled.Load())
	res.Failed = int(failed.Load())
	metrics.StuckTradesRecovered.Add(float64(res.Settled))
	s.logger.Info("stuck trade sweep",
		"found", res.Found,
		"settled", res.Settled,
		"failed", res.Failed,
	)
	return res, err
}

// ResyncOnce rebuilds every bot's active-trade counter from a direct count
// of its OPEN trades and returns how many counters were corrected.
func (s *Sweeper) ResyncOnce(ctx context.Context) (int, error) {
	bots, err := s.store.ListBots(ctx)
	if err != nil {
		return 0, err
	}
	counts, err := s.store.CountOpenTradesByBot(ctx)
	if err != nil {
		return 0, err
	}

	corrected := 0
	for _, b := range bots {
		want := counts[b.ID]
		if b.Stats.ActiveTrades == want {
			continue
		}
		err := s.store.SetBotActiveTrades(ctx, b.ID, b.Stats.ActiveTrades, want)
		if errors.Is(err, store.ErrConflict) {
			// A trade opened or settled since the snapshot; next pass.
			s.logger.Debug("bot counter moved during resync", "bot_id", b.ID)
			continue
		}
		if err != nil {
			return corrected, err
		}
		corrected++
		metrics.BotCounterCorrections.Inc()
		s.logger.Warn("bot active trade counter corrected",
			"bot_id", b.ID,
			"cached", b.Stats.ActiveTrades,
			"actual", want,
		)
	}
	return corrected, nil
}

// ScanVaultsOnce settles matured ACTIVE vaults and fails FUNDING vaults
// whose funding window timed out.
func (s *Sweeper) ScanVaultsOnce(ctx context.Context) (VaultScanResult, error) {
	var res VaultScanResult
	now := s.now()

	active, err := s.store.ListVaults(ctx, model.VaultActive)
	if err != nil {
		return res, err
	}
	for i := range active {
		v := &active[i]
		if !vault.Matured(v, now) {
			continue
		}
		_, err := s.vaults.Settle(ctx, v.ID)
		switch {
		case err == nil:
			res.Settled++
		case errors.Is(err, vault.ErrTradesOpen):
			res.Deferred++
			s.logger.Info("vault settlement deferred", "vault_id", v.ID, "reason", err.Error())
		default:
			res.Errors++
			s.logger.Error("vault settlement", "vault_id", v.ID, "error", err)
		}
	}

	funding, err := s.store.ListVaults(ctx, model.VaultFunding)
	if err != nil {
		return res, err
	}
	for _, v := range funding {
		_, err := s.vaults.FailFunding(ctx, v.ID)
		switch {
		case err == nil:
			res.Failed++
		case errors.Is(err, vault.ErrFundingOpen):
		default:
			res.Errors++
			s.logger.Error("vault funding timeout", "vault_id", v.ID, "error", err)
		}
	}
	return res, nil
}
