// Package app wires configuration into the store, queue, market data and
// engines shared by the service and the operator CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/atmx/settlement-engine/internal/config"
	"github.com/atmx/settlement-engine/internal/consistency"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/queue"
	"github.com/atmx/settlement-engine/internal/store"
	"github.com/atmx/settlement-engine/internal/trade"
	"github.com/atmx/settlement-engine/internal/vault"
)

// MarketData is a live quote feed with minute candles.
type MarketData interface {
	market.PriceOracle
	market.CandleSource
}

// Deps is the wired object graph.
type Deps struct {
	Store       store.Store
	Runner      *consistency.Runner
	Cashier     *ledger.Cashier
	Queue       queue.Queue
	Market      MarketData
	Instruments *market.Registry
	Trades      *trade.Engine
	Vaults      *vault.Engine

	cleanup []func()
}

// Close releases connections in reverse order of acquisition.
func (d *Deps) Close() {
	for i := len(d.cleanup) - 1; i >= 0; i-- {
		d.cleanup[i]()
	}
}

// Build connects to the configured backends. Without a database URL the
// in-memory store is used; without a Redis URL the queue and quote feed are
// in-process. pub may be nil.
func Build(ctx context.Context, cfg *config.Config, pub events.Publisher, logger *slog.Logger) (*Deps, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Deps{}
	fail := func(err error) (*Deps, error) {
		d.Close()
		return nil, err
	}

	// --- Store ---
	var pg *store.PostgresStore
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fail(fmt.Errorf("app: connect database: %w", err))
		}
		d.cleanup = append(d.cleanup, pool.Close)
		pg = store.NewPostgresStore(pool)
		if cfg.Database.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return fail(fmt.Errorf("app: migrate: %w", err))
			}
		}
		d.Store = pg
		logger.Info("connected to PostgreSQL")
	} else {
		logger.Warn("database.url not set, using in-memory store (data will not persist)")
		d.Store = store.NewMemoryStore()
	}

	// --- Redis: cache, queue, quotes ---
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fail(fmt.Errorf("app: invalid redis url: %w", err))
		}
		rdb := redis.NewClient(opt)
		d.cleanup = append(d.cleanup, func() { rdb.Close() })

		if pg != nil {
			d.Store = store.NewCachedStore(pg, rdb, cfg.Redis.CacheTTL)
			logger.Info("Redis cache enabled", "ttl", cfg.Redis.CacheTTL.String())
		}
		d.Queue = queue.NewRedisQueue(rdb, cfg.Redis.QueueKey)
		d.Market = market.NewRedisQuotes(rdb, cfg.Market.CandleTTL)
	} else {
		logger.Warn("redis.url not set, settlement queue and quotes are in-process")
		d.Queue = queue.NewMemoryQueue()
		d.Market = market.NewQuoteBook()
	}

	// --- Consistency ---
	mode, err := consistency.Select(ctx, d.Store, cfg.Consistency.Mode, cfg.Consistency.AllowBestEffort)
	if err != nil {
		return fail(fmt.Errorf("app: consistency mode: %w", err))
	}
	d.Runner = consistency.NewRunner(d.Store, mode, logger)
	d.Cashier = ledger.NewCashier(d.Runner, logger)

	// --- Instruments ---
	if cfg.Market.InstrumentsFile != "" {
		reg, err := market.LoadRegistry(cfg.Market.InstrumentsFile)
		if err != nil {
			return fail(err)
		}
		d.Instruments = reg
		logger.Info("instruments loaded", "count", len(reg.List()))
	} else {
		logger.Warn("market.instruments_file not set, no instrument is tradable")
		d.Instruments = market.NewRegistry()
	}

	// --- Engines ---
	d.Trades = trade.NewEngine(trade.Deps{
		Runner:      d.Runner,
		Oracle:      d.Market,
		Candles:     d.Market,
		Instruments: d.Instruments,
		Scheduler:   d.Queue,
		Limiter:     cfg.ExposureLimiter(),
		Publisher:   pub,
	}, cfg.TradeEngine(), logger)
	d.Vaults = vault.NewEngine(vault.Deps{
		Runner:    d.Runner,
		Publisher: pub,
	}, cfg.VaultEngine(), logger)

	return d, nil
}
