// Package trade is the trade state machine: it opens stakes on short-dated
// directional predictions and settles them exactly once.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/consistency"
	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/market"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/queue"
	"github.com/atmx/settlement-engine/internal/risk"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	ErrInvalidRequest     = errors.New("trade: invalid request")
	ErrInstrumentDisabled = errors.New("trade: instrument disabled")
	ErrMarketClosed       = errors.New("trade: market closed")
	ErrStakeOutOfRange    = errors.New("trade: stake outside instrument limits")
	ErrNoPrice            = errors.New("trade: no live price")
	ErrStalePrice         = errors.New("trade: live price is stale")
	ErrFuturePrice        = errors.New("trade: live price is timestamped in the future")
	ErrBotNotActive       = errors.New("trade: bot is not active")
	ErrBotPrivate         = errors.New("trade: bot is private to its owner")
	ErrBotTradeLimit      = errors.New("trade: bot active trade limit reached")
	ErrVaultNotActive     = errors.New("trade: vault is not active")
	ErrVaultBotMismatch   = errors.New("trade: bot does not manage this vault")
	ErrVaultExpiry        = errors.New("trade: trade would expire after the vault ends")
	ErrNotExpired         = errors.New("trade: not expired yet")
	ErrNoExitPrice        = errors.New("trade: no exit price available")

	// ErrInsufficientFunds is the ledger's error, re-exported for callers.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
)

// Config holds the engine's timing rules.
type Config struct {
	MaxQuoteAge time.Duration // opening rejects older quotes
	LateGrace   time.Duration // past expiry, live prices are trusted this long
	MaxExpiry   time.Duration
	MaxSkew     time.Duration // quotes may be timestamped at most this far past now
}

// DefaultConfig returns the production timing rules.
func DefaultConfig() Config {
	return Config{
		MaxQuoteAge: 60 * time.Second,
		LateGrace:   30 * time.Second,
		MaxExpiry:   24 * time.Hour,
		MaxSkew:     2 * time.Second,
	}
}

// Deps are the engine's collaborators. Limiter, Publisher and Clock are
// optional.
type Deps struct {
	Runner      *consistency.Runner
	Oracle      market.PriceOracle
	Candles     market.CandleSource
	Instruments market.InstrumentRegistry
	Scheduler   queue.Scheduler
	Limiter     *risk.ExposureLimiter
	Publisher   events.Publisher
	Clock       func() time.Time
}

// Engine opens and settles trades.
type Engine struct {
	runner      *consistency.Runner
	store       store.Store
	oracle      market.PriceOracle
	candles     market.CandleSource
	instruments market.InstrumentRegistry
	scheduler   queue.Scheduler
	limiter     *risk.ExposureLimiter
	publisher   events.Publisher
	cfg         Config
	logger      *slog.Logger
	now         func() time.Time
}

// NewEngine creates a trade engine.
func NewEngine(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	def := DefaultConfig()
	if cfg.MaxQuoteAge <= 0 {
		cfg.MaxQuoteAge = def.MaxQuoteAge
	}
	if cfg.LateGrace <= 0 {
		cfg.LateGrace = def.LateGrace
	}
	if cfg.MaxExpiry <= 0 {
		cfg.MaxExpiry = def.MaxExpiry
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = def.MaxSkew
	}
	return &Engine{
		runner:      deps.Runner,
		store:       deps.Runner.Store(),
		oracle:      deps.Oracle,
		candles:     deps.Candles,
		instruments: deps.Instruments,
		scheduler:   deps.Scheduler,
		limiter:     deps.Limiter,
		publisher:   events.OrNop(deps.Publisher),
		cfg:         cfg,
		logger:      logger,
		now:         now,
	}
}

// OpenRequest is a request to stake on a price direction.
type OpenRequest struct {
	UserID        string
	Mode          model.Mode
	Symbol        string
	Direction     model.Direction
	Stake         decimal.Decimal
	ExpirySeconds int
	BotID         string
	VaultID       string // vault trades move the vault's NAV instead of a wallet
	IsInsured     bool
}

func (r *OpenRequest) validate(maxExpiry time.Duration) error {
	switch {
	case r.UserID == "":
		return fmt.Errorf("%w: user is required", ErrInvalidRequest)
	case r.Direction != model.DirectionUp && r.Direction != model.DirectionDown:
		return fmt.Errorf("%w: direction must be UP or DOWN", ErrInvalidRequest)
	case !r.Stake.IsPositive():
		return fmt.Errorf("%w: stake must be positive", ErrInvalidRequest)
	case r.ExpirySeconds <= 0 || int64(r.ExpirySeconds) > int64(maxExpiry/time.Second):
		return fmt.Errorf("%w: expiry must be between 1s and %s", ErrInvalidRequest, maxExpiry)
	case r.VaultID != "" && r.BotID == "":
		return fmt.Errorf("%w: vault trades must be bot-attributed", ErrInvalidRequest)
	case r.VaultID != "" && r.Mode != model.ModeLive:
		return fmt.Errorf("%w: vault trades are live", ErrInvalidRequest)
	case r.Mode != model.ModeLive && r.Mode != model.ModeDemo:
		return fmt.Errorf("%w: mode must be LIVE or DEMO", ErrInvalidRequest)
	}
	return nil
}

// OpenTrade validates the request, takes the entry price, holds the stake
// and schedules settlement, all in one unit.
func (e *Engine) OpenTrade(ctx context.Context, req OpenRequest) (*model.Trade, error) {
	if req.VaultID != "" && req.Mode == "" {
		req.Mode = model.ModeLive
	}
	if err := req.validate(e.cfg.MaxExpiry); err != nil {
		return nil, err
	}
	now := e.now()

	symbol, err := market.Canonical(req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	inst, err := e.instruments.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	switch {
	case !inst.Enabled:
		return nil, fmt.Errorf("%w: %s", ErrInstrumentDisabled, symbol)
	case !inst.IsMarketOpen(now):
		return nil, fmt.Errorf("%w: %s", ErrMarketClosed, symbol)
	case !inst.StakeAllowed(req.Stake):
		return nil, fmt.Errorf("%w: %s not in [%s, %s]", ErrStakeOutOfRange, req.Stake, inst.MinStake, inst.MaxStake)
	}

	quote, err := e.oracle.Quote(ctx, symbol)
	if errors.Is(err, market.ErrNoQuote) {
		return nil, fmt.Errorf("%w: %s", ErrNoPrice, symbol)
	}
	if err != nil {
		return nil, fmt.Errorf("quote %s: %w", symbol, err)
	}
	switch age := quote.Age(now); {
	case age > e.cfg.MaxQuoteAge:
		return nil, fmt.Errorf("%w: %s quote is %s old", ErrStalePrice, symbol, age.Round(time.Second))
	case age < -e.cfg.MaxSkew:
		return nil, fmt.Errorf("%w: %s quote is %s ahead", ErrFuturePrice, symbol, (-age).Round(time.Second))
	}

	var bot *model.Bot
	if req.BotID != "" {
		if bot, err = e.checkBot(ctx, req); err != nil {
			return nil, err
		}
	}

	expiresAt := now.Add(time.Duration(req.ExpirySeconds) * time.Second)
	t := &model.Trade{
		ID:            uuid.New().String(),
		UserID:        req.UserID,
		Mode:          req.Mode,
		Symbol:        symbol,
		Direction:     req.Direction,
		Stake:         req.Stake,
		PayoutPercent: inst.PayoutPercent,
		EntryPrice:    quote.Price,
		Status:        model.TradeOpen,
		BotID:         req.BotID,
		VaultID:       req.VaultID,
		IsInsured:     req.IsInsured,
		ExpiresAt:     expiresAt,
		CreatedAt:     now,
	}

	if req.VaultID != "" {
		err = e.checkVault(ctx, e.store, req, expiresAt)
	} else {
		err = e.checkWallet(ctx, t)
	}
	if errors.Is(err, ErrInsufficientFunds) {
		e.pauseOnInsufficientFunds(ctx, bot, req)
	}
	if err != nil {
		return nil, err
	}

	err = e.runner.Run(ctx, "open-trade", func(ctx context.Context, tx store.Tx) error {
		if t.VaultID != "" {
			// The vault may have been settled since the first check.
			if err := e.checkVault(ctx, tx, req, expiresAt); err != nil {
				return err
			}
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return err
		}
		hold := ledger.Line{Type: model.LedgerOpenHold, Amount: t.Stake.Neg()}
		posting := ledger.Posting{
			WalletID:      t.WalletID,
			UserID:        t.UserID,
			Mode:          t.Mode,
			ReferenceType: model.RefTrade,
			ReferenceID:   t.ID,
			At:            now,
		}
		var err error
		if t.VaultID != "" {
			_, err = ledger.PostVault(ctx, tx, t.VaultID, posting, hold)
		} else {
			_, err = ledger.Post(ctx, tx, posting, hold)
		}
		if err != nil {
			return err
		}
		if t.BotID != "" {
			if err := tx.RecordBotOpen(ctx, t.BotID); err != nil {
				return err
			}
		}
		return e.scheduler.Schedule(ctx, t.ID, t.ExpiresAt)
	})
	if errors.Is(err, ErrInsufficientFunds) {
		e.pauseOnInsufficientFunds(ctx, bot, req)
	}
	if err != nil {
		return nil, err
	}

	metrics.TradesOpened.WithLabelValues(string(t.Mode)).Inc()
	e.logger.Info("trade opened",
		"trade_id", t.ID,
		"user", t.UserID,
		"symbol", t.Symbol,
		"direction", t.Direction,
		"stake", t.Stake.String(),
		"entry_price", t.EntryPrice.String(),
		"expires_at", t.ExpiresAt.Format(time.RFC3339),
		"bot_id", t.BotID,
		"vault_id", t.VaultID,
	)
	e.publisher.Publish(events.Event{
		Type:    events.TradeOpened,
		TradeID: t.ID,
		UserID:  t.UserID,
		BotID:   t.BotID,
		VaultID: t.VaultID,
		Symbol:  t.Symbol,
		Amount:  t.Stake.String(),
		At:      now,
	})
	return t, nil
}

// fresh reports whether q can be trusted as the live price at now.
func (e *Engine) fresh(q *market.Quote, now time.Time) bool {
	age := q.Age(now)
	return age <= e.cfg.MaxQuoteAge && age >= -e.cfg.MaxSkew
}

func (e *Engine) checkBot(ctx context.Context, req OpenRequest) (*model.Bot, error) {
	bot, err := e.store.GetBot(ctx, req.BotID)
	if err != nil {
		return nil, err
	}
	switch {
	case bot.Status != model.BotActive:
		return nil, fmt.Errorf("%w: %s is %s", ErrBotNotActive, bot.ID, bot.Status)
	case !bot.IsPublic && bot.OwnerID != req.UserID:
		return nil, fmt.Errorf("%w: %s", ErrBotPrivate, bot.ID)
	case bot.MaxActiveTrades > 0 && bot.Stats.ActiveTrades >= bot.MaxActiveTrades:
		return nil, fmt.Errorf("%w: %d of %d", ErrBotTradeLimit, bot.Stats.ActiveTrades, bot.MaxActiveTrades)
	}
	return bot, nil
}

func (e *Engine) checkVault(ctx context.Context, tx store.Tx, req OpenRequest, expiresAt time.Time) error {
	v, err := tx.GetVault(ctx, req.VaultID)
	if err != nil {
		return err
	}
	switch {
	case v.Status != model.VaultActive:
		return fmt.Errorf("%w: %s is %s", ErrVaultNotActive, v.ID, v.Status)
	case v.BotID != req.BotID:
		return fmt.Errorf("%w: %s", ErrVaultBotMismatch, v.ID)
	case v.EndsAt != nil && expiresAt.After(*v.EndsAt):
		return fmt.Errorf("%w: %s ends %s", ErrVaultExpiry, v.ID, v.EndsAt.Format(time.RFC3339))
	case v.TotalPoolAmount().LessThan(req.Stake):
		return ErrInsufficientFunds
	}
	return nil
}

// checkWallet resolves the wallet, verifies sufficiency and applies the
// exposure limiter. Sets t.WalletID.
func (e *Engine) checkWallet(ctx context.Context, t *model.Trade) error {
	w, err := e.store.GetWallet(ctx, t.UserID)
	if err != nil {
		return err
	}
	t.WalletID = w.ID
	if w.Balance(t.Mode).LessThan(t.Stake) {
		return ErrInsufficientFunds
	}

	if e.limiter != nil {
		open, err := e.store.OpenStakeBySymbol(ctx, t.UserID)
		if err != nil {
			return fmt.Errorf("load open exposure: %w", err)
		}
		if err := e.limiter.CheckLimit(t.Symbol, t.Stake, open); err != nil {
			reason := "per_symbol"
			if errors.Is(err, risk.ErrCorrelatedLimitExceeded) {
				reason = "correlated"
			}
			metrics.ExposureRejections.WithLabelValues(reason).Inc()
			return err
		}
	}
	return nil
}

// pauseOnInsufficientFunds pauses an owner-run bot whose wallet can no longer
// fund its trades. It runs in its own unit, after the failed open.
func (e *Engine) pauseOnInsufficientFunds(ctx context.Context, bot *model.Bot, req OpenRequest) {
	if bot == nil || req.VaultID != "" || bot.OwnerID != req.UserID || bot.Status != model.BotActive {
		return
	}
	err := e.runner.Run(ctx, "pause-bot", func(ctx context.Context, tx store.Tx) error {
		return tx.SetBotStatus(ctx, bot.ID, model.BotPaused)
	})
	if err != nil {
		e.logger.Error("pause bot", "bot_id", bot.ID, "error", err)
		return
	}
	bot.Status = model.BotPaused
	metrics.BotStatusChanges.WithLabelValues(string(model.BotPaused), "insufficient-funds").Inc()
	e.logger.Warn("bot paused: insufficient funds", "bot_id", bot.ID, "user", req.UserID)
	e.publisher.Publish(events.Event{
		Type:   events.BotStatus,
		BotID:  bot.ID,
		UserID: req.UserID,
		Status: string(model.BotPaused),
		Reason: "insufficient-funds",
		At:     e.now(),
	})
}
