// Package vault is the vault state machine: crowdfunded, bot-managed trading
// pools that raise principal, trade for a fixed duration and then distribute
// their net asset value to investors.
package vault

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
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	ErrInvalidRequest       = errors.New("vault: invalid request")
	ErrBotNotPublic         = errors.New("vault: strategy bot must be public")
	ErrNotFunding           = errors.New("vault: not in funding")
	ErrTargetExceeded       = errors.New("vault: deposit exceeds remaining target")
	ErrInsuranceUnavailable = errors.New("vault: insurance unavailable without creator collateral")
	ErrTargetNotReached     = errors.New("vault: funding target not reached")
	ErrNotCreator           = errors.New("vault: only the creator may do this")
	ErrWithdrawLocked       = errors.New("vault: minimum funding hold not elapsed")
	ErrNoParticipation      = errors.New("vault: no active participation")
	ErrFundingOpen          = errors.New("vault: funding window still open")
	ErrNotActive            = errors.New("vault: not active")
	ErrNotMatured           = errors.New("vault: not matured yet")
	ErrTradesOpen           = errors.New("vault: trades still open")

	// ErrInsufficientFunds is the ledger's error, re-exported for callers.
	ErrInsufficientFunds = ledger.ErrInsufficientFunds
)

// Config holds the vault economics.
type Config struct {
	BasePlatformRate decimal.Decimal // fraction of investor profit
	PremiumSurcharge decimal.Decimal // added for premium strategy bots
	InsuranceFeeRate decimal.Decimal // fraction of each insured deposit
	CoverageRate     decimal.Decimal // coverage ceiling per insured deposit
	MinFundingHold   time.Duration   // since creation, before investors may withdraw
	FundingTimeout   time.Duration   // 0 disables automatic failure
}

// DefaultConfig returns the production vault economics.
func DefaultConfig() Config {
	return Config{
		BasePlatformRate: decimal.RequireFromString("0.05"),
		PremiumSurcharge: decimal.RequireFromString("0.05"),
		InsuranceFeeRate: decimal.RequireFromString("0.06"),
		CoverageRate:     decimal.RequireFromString("0.30"),
		MinFundingHold:   10 * 24 * time.Hour,
	}
}

// Deps are the engine's collaborators. Publisher and Clock are optional.
type Deps struct {
	Runner    *consistency.Runner
	Publisher events.Publisher
	Clock     func() time.Time
}

// Engine runs vault lifecycle operations.
type Engine struct {
	runner    *consistency.Runner
	store     store.Store
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
}

func NewEngine(deps Deps, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{
		runner:    deps.Runner,
		store:     deps.Runner.Store(),
		publisher: events.OrNop(deps.Publisher),
		cfg:       cfg,
		logger:    logger,
		now:       now,
	}
}

// Config returns the engine's economics.
func (e *Engine) Config() Config { return e.cfg }

// CreateRequest describes a new vault.
type CreateRequest struct {
	CreatorID                string
	BotID                    string
	Name                     string
	TargetAmount             decimal.Decimal
	DurationDays             int
	CreatorCollateralPercent decimal.Decimal
	ProfitSharePercent       decimal.Decimal
}

func validPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(model.Hundred)
}

// Create opens a vault for funding. The strategy bot must be public.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*model.Vault, error) {
	switch {
	case req.CreatorID == "" || req.BotID == "":
		return nil, fmt.Errorf("%w: creator and bot are required", ErrInvalidRequest)
	case !req.TargetAmount.IsPositive():
		return nil, fmt.Errorf("%w: target must be positive", ErrInvalidRequest)
	case req.DurationDays <= 0:
		return nil, fmt.Errorf("%w: duration must be at least one day", ErrInvalidRequest)
	case !validPercent(req.CreatorCollateralPercent) || !validPercent(req.ProfitSharePercent):
		return nil, fmt.Errorf("%w: percentages must be within [0, 100]", ErrInvalidRequest)
	}

	bot, err := e.store.GetBot(ctx, req.BotID)
	if err != nil {
		return nil, err
	}
	if !bot.IsPublic {
		return nil, fmt.Errorf("%w: %s", ErrBotNotPublic, bot.ID)
	}

	v := &model.Vault{
		ID:                       uuid.New().String(),
		CreatorID:                req.CreatorID,
		BotID:                    req.BotID,
		Name:                     req.Name,
		TargetAmount:             req.TargetAmount,
		DurationDays:             req.DurationDays,
		CreatorCollateralPercent: req.CreatorCollateralPercent,
		ProfitSharePercent:       req.ProfitSharePercent,
		Status:                   model.VaultFunding,
		Pool:                     model.FundingPool{Amount: decimal.Zero},
		CreatedAt:                e.now(),
	}
	err = e.runner.Run(ctx, "create-vault", func(ctx context.Context, tx store.Tx) error {
		return tx.CreateVault(ctx, v)
	})
	if err != nil {
		return nil, err
	}

	metrics.VaultTransitions.WithLabelValues(string(model.VaultFunding)).Inc()
	e.logger.Info("vault created",
		"vault_id", v.ID,
		"creator", v.CreatorID,
		"bot_id", v.BotID,
		"target", v.TargetAmount.String(),
	)
	return v, nil
}

// Deposit adds principal to a FUNDING vault. Principal is spent from the
// bonus balance first, then live; the insurance fee is always live.
func (e *Engine) Deposit(ctx context.Context, userID, vaultID string, amount decimal.Decimal, insured bool) (*model.VaultParticipation, error) {
	if userID == "" || !amount.IsPositive() {
		return nil, fmt.Errorf("%w: user and a positive amount are required", ErrInvalidRequest)
	}
	now := e.now()

	var part *model.VaultParticipation
	err := e.runner.Run(ctx, "vault-deposit", func(ctx context.Context, tx store.Tx) error {
		v, err := tx.GetVault(ctx, vaultID)
		if err != nil {
			return err
		}
		switch {
		case v.Status != model.VaultFunding:
			return fmt.Errorf("%w: %s is %s", ErrNotFunding, v.ID, v.Status)
		case amount.GreaterThan(v.Remaining()):
			return fmt.Errorf("%w: %s remaining", ErrTargetExceeded, v.Remaining())
		case insured && !v.CreatorCollateralPercent.IsPositive():
			return ErrInsuranceUnavailable
		}

		w, err := tx.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		var fee, coverage decimal.Decimal
		if insured {
			fee = amount.Mul(e.cfg.InsuranceFeeRate).Round(model.MoneyScale)
			coverage = amount.Mul(e.cfg.CoverageRate).Round(model.MoneyScale)
		}
		fromBonus := decimal.Min(w.BonusBalance, amount)
		fromLive := amount.Sub(fromBonus)
		if w.LiveBalance.LessThan(fromLive.Add(fee)) {
			return ErrInsufficientFunds
		}

		if err := tx.AddVaultPrincipal(ctx, v.ID, amount); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %s", ErrTargetExceeded, v.ID)
			}
			return err
		}

		posting := ledger.Posting{
			WalletID:      w.ID,
			UserID:        userID,
			ReferenceType: model.RefVault,
			ReferenceID:   v.ID,
			At:            now,
		}
		posting.Mode = model.ModeBonus
		if _, err := ledger.Post(ctx, tx, posting,
			ledger.Line{Type: model.LedgerVaultDeposit, Amount: fromBonus.Neg()},
		); err != nil {
			return err
		}
		posting.Mode = model.ModeLive
		if _, err := ledger.Post(ctx, tx, posting,
			ledger.Line{Type: model.LedgerVaultDeposit, Amount: fromLive.Neg()},
			ledger.Line{Type: model.LedgerInsuranceFee, Amount: fee.Neg()},
		); err != nil {
			return err
		}

		if err := tx.AddParticipation(ctx, &model.VaultParticipation{
			ID:                uuid.New().String(),
			VaultID:           v.ID,
			UserID:            userID,
			AmountLocked:      amount,
			IsInsured:         insured,
			InsuranceFeePaid:  fee,
			InsuranceCoverage: coverage,
			Status:            model.ParticipationActive,
			CreatedAt:         now,
		}); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: participation of %s already closed", ErrNotFunding, userID)
			}
			return err
		}
		part, err = tx.GetParticipation(ctx, v.ID, userID)
		return err
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("vault deposit",
		"vault_id", vaultID,
		"user", userID,
		"amount", amount.String(),
		"insured", insured,
	)
	e.publisher.Publish(events.Event{
		Type:    events.VaultDeposit,
		VaultID: vaultID,
		UserID:  userID,
		Amount:  amount.String(),
		At:      now,
	})
	return part, nil
}

// Activate starts trading once the target is fully raised. The creator's
// collateral is locked from their live balance.
func (e *Engine) Activate(ctx context.Context, creatorID, vaultID string) (*model.Vault, error) {
	now := e.now()

	var next model.Vault
	err := e.runner.Run(ctx, "activate-vault", func(ctx context.Context, tx store.Tx) error {
		v, err := tx.GetVault(ctx, vaultID)
		if err != nil {
			return err
		}
		switch {
		case v.CreatorID != creatorID:
			return ErrNotCreator
		case v.Status != model.VaultFunding:
			return fmt.Errorf("%w: %s is %s", ErrNotFunding, v.ID, v.Status)
		case v.UserPoolAmount().LessThan(v.TargetAmount):
			return fmt.Errorf("%w: %s of %s", ErrTargetNotReached, v.UserPoolAmount(), v.TargetAmount)
		}

		collateral := v.TargetAmount.Mul(v.CreatorCollateralPercent).Div(model.Hundred).Round(model.MoneyScale)
		w, err := tx.GetWallet(ctx, creatorID)
		if err != nil {
			return err
		}
		if w.LiveBalance.LessThan(collateral) {
			return ErrInsufficientFunds
		}

		next = *v
		endsAt := now.Add(time.Duration(v.DurationDays) * 24 * time.Hour)
		next.Status = model.VaultActive
		next.CreatorLockedAmount = collateral
		next.StartedAt = &now
		next.EndsAt = &endsAt
		if fp, ok := v.Pool.(model.FundingPool); ok {
			next.Pool = fp.Activate()
		}
		if err := tx.TransitionVault(ctx, model.VaultFunding, &next); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %s", ErrNotFunding, v.ID)
			}
			return err
		}

		_, err = ledger.Post(ctx, tx, ledger.Posting{
			WalletID:      w.ID,
			UserID:        creatorID,
			Mode:          model.ModeLive,
			ReferenceType: model.RefVault,
			ReferenceID:   v.ID,
			At:            now,
		}, ledger.Line{Type: model.LedgerCollateralLock, Amount: collateral.Neg()})
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.VaultTransitions.WithLabelValues(string(model.VaultActive)).Inc()
	e.logger.Info("vault activated",
		"vault_id", next.ID,
		"principal", next.UserPoolAmount().String(),
		"collateral", next.CreatorLockedAmount.String(),
		"ends_at", next.EndsAt.Format(time.RFC3339),
	)
	e.publisher.Publish(events.Event{
		Type:    events.VaultActivated,
		VaultID: next.ID,
		UserID:  creatorID,
		BotID:   next.BotID,
		Status:  string(next.Status),
		Amount:  next.UserPoolAmount().String(),
		At:      now,
	})
	return &next, nil
}
