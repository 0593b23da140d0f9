package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/consistency"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Cashier performs the wallet operations that sit outside trading: wallet
// creation, deposits, withdrawals, bonus grants and manual adjustments.
type Cashier struct {
	runner *consistency.Runner
	logger *slog.Logger
	now    func() time.Time
}

// NewCashier creates a cashier on top of the unit runner.
func NewCashier(runner *consistency.Runner, logger *slog.Logger) *Cashier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cashier{runner: runner, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// OpenWallet creates the user's wallet with zero balances. Calling it again
// returns the existing wallet.
func (c *Cashier) OpenWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	if w, err := c.runner.Store().GetWallet(ctx, userID); err == nil {
		return w, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	now := c.now()
	w := &model.Wallet{ID: uuid.New().String(), UserID: userID, CreatedAt: now, UpdatedAt: now}
	err := c.runner.Run(ctx, "open-wallet", func(ctx context.Context, tx store.Tx) error {
		return tx.CreateWallet(ctx, w)
	})
	if errors.Is(err, store.ErrDuplicate) {
		return c.runner.Store().GetWallet(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	c.logger.Info("wallet opened", "user", userID, "wallet_id", w.ID)
	return w, nil
}

// Deposit credits external money to the live or demo balance.
func (c *Cashier) Deposit(ctx context.Context, userID string, mode model.Mode, amount decimal.Decimal, reference string) (*model.LedgerEntry, error) {
	if mode == model.ModeBonus {
		return nil, fmt.Errorf("%w: bonus credit goes through GrantBonus", ErrInvalidMode)
	}
	return c.move(ctx, "deposit", userID, mode, model.LedgerDeposit, model.RefDeposit, reference, amount, false)
}

// Withdraw debits the live balance.
func (c *Cashier) Withdraw(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*model.LedgerEntry, error) {
	return c.move(ctx, "withdraw", userID, model.ModeLive, model.LedgerWithdrawal, model.RefTransfer, reference, amount, true)
}

// GrantBonus credits promotional money to the bonus balance.
func (c *Cashier) GrantBonus(ctx context.Context, userID string, amount decimal.Decimal, reference string) (*model.LedgerEntry, error) {
	return c.move(ctx, "grant-bonus", userID, model.ModeBonus, model.LedgerBonusGrant, model.RefManual, reference, amount, false)
}

// Adjust applies an operator correction with a signed amount.
func (c *Cashier) Adjust(ctx context.Context, userID string, mode model.Mode, amount decimal.Decimal, reason string) (*model.LedgerEntry, error) {
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	debit := amount.IsNegative()
	return c.move(ctx, "adjust", userID, mode, model.LedgerAdjustment, model.RefManual, reason, amount.Abs(), debit)
}

func (c *Cashier) move(ctx context.Context, op, userID string, mode model.Mode, typ model.LedgerType,
	refType, refID string, amount decimal.Decimal, debit bool) (*model.LedgerEntry, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if refID == "" {
		refID = uuid.New().String()
	}
	signed := amount
	if debit {
		signed = amount.Neg()
	}

	var entry model.LedgerEntry
	err := c.runner.Run(ctx, op, func(ctx context.Context, tx store.Tx) error {
		w, err := tx.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		entries, err := Post(ctx, tx, Posting{
			WalletID:      w.ID,
			UserID:        userID,
			Mode:          mode,
			ReferenceType: refType,
			ReferenceID:   refID,
			At:            c.now(),
		}, Line{Type: typ, Amount: signed})
		if err != nil {
			return err
		}
		entry = entries[0]
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info("wallet "+op,
		"user", userID,
		"mode", mode,
		"amount", signed.String(),
		"reference", refID,
	)
	return &entry, nil
}
