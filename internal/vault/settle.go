package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Share is one investor's line of a vault distribution.
type Share struct {
	UserID      string
	Principal   decimal.Decimal
	Gross       decimal.Decimal // pro-rata share of NAV
	PlatformFee decimal.Decimal
	CreatorFee  decimal.Decimal
	Insurance   decimal.Decimal
	Payout      decimal.Decimal // Gross - fees + Insurance
	PnL         decimal.Decimal // Payout - Principal
}

// Distribution is the full outcome of settling a vault.
type Distribution struct {
	PlatformRate       decimal.Decimal
	PnL                decimal.Decimal
	Shares             []Share
	CreatorFees        decimal.Decimal
	InsurancePaid      decimal.Decimal
	CollateralReleased decimal.Decimal
}

// PlatformRate is the base rate plus the premium surcharge for premium bots.
func (c Config) PlatformRate(premium bool) decimal.Decimal {
	if premium {
		return c.BasePlatformRate.Add(c.PremiumSurcharge)
	}
	return c.BasePlatformRate
}

// Distribute splits the vault's NAV among active participations in
// proportion to principal. Fees apply only to profit. On a losing vault,
// insured investors are compensated in order from one shared collateral
// pool, each bounded by their loss and their coverage ceiling.
func Distribute(v *model.Vault, parts []model.VaultParticipation, platformRate decimal.Decimal) Distribution {
	principal := v.UserPoolAmount()
	nav := v.TotalPoolAmount()
	dist := Distribution{
		PlatformRate: platformRate,
		PnL:          nav.Sub(principal),
	}
	profitable := dist.PnL.IsPositive()
	collateral := v.CreatorLockedAmount

	for _, p := range parts {
		if p.Status != model.ParticipationActive {
			continue
		}
		s := Share{UserID: p.UserID, Principal: p.AmountLocked}
		if principal.IsPositive() {
			s.Gross = nav.Mul(p.AmountLocked).Div(principal).Round(model.MoneyScale)
		}
		gain := s.Gross.Sub(p.AmountLocked)

		switch {
		case profitable && gain.IsPositive():
			s.PlatformFee = gain.Mul(platformRate).Round(model.MoneyScale)
			s.CreatorFee = gain.Mul(v.ProfitSharePercent).Div(model.Hundred).Round(model.MoneyScale)
		case !profitable && gain.IsNegative() && p.IsInsured && collateral.IsPositive():
			s.Insurance = decimal.Min(gain.Neg(), p.InsuranceCoverage, collateral)
			collateral = collateral.Sub(s.Insurance)
		}

		s.Payout = s.Gross.Sub(s.PlatformFee).Sub(s.CreatorFee).Add(s.Insurance)
		s.PnL = s.Payout.Sub(p.AmountLocked)
		dist.CreatorFees = dist.CreatorFees.Add(s.CreatorFee)
		dist.InsurancePaid = dist.InsurancePaid.Add(s.Insurance)
		dist.Shares = append(dist.Shares, s)
	}
	dist.CollateralReleased = collateral
	return dist
}

// Settle distributes a matured ACTIVE vault. Settling a SETTLED vault is a
// no-op. Returns ErrTradesOpen while the vault's bot still has open trades
// on it; the maturity scan retries.
func (e *Engine) Settle(ctx context.Context, vaultID string) (*model.Vault, error) {
	v, err := e.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if v.Status == model.VaultSettled {
		return v, nil
	}
	now := e.now()
	switch {
	case v.Status != model.VaultActive:
		return nil, fmt.Errorf("%w: %s is %s", ErrNotActive, v.ID, v.Status)
	case v.EndsAt == nil || now.Before(*v.EndsAt):
		return nil, fmt.Errorf("%w: %s", ErrNotMatured, v.ID)
	}
	open, err := e.store.CountOpenTradesByVault(ctx, v.ID)
	if err != nil {
		return nil, err
	}
	if open > 0 {
		return nil, fmt.Errorf("%w: %d on %s", ErrTradesOpen, open, v.ID)
	}

	premium := false
	if bot, err := e.store.GetBot(ctx, v.BotID); err == nil {
		premium = bot.IsPremium
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	rate := e.cfg.PlatformRate(premium)

	var next model.Vault
	var dist Distribution
	var lost bool
	err = e.runner.Run(ctx, "settle-vault", func(ctx context.Context, tx store.Tx) error {
		cur, err := tx.GetVault(ctx, vaultID)
		if err != nil {
			return err
		}
		next = *cur
		next.Status = model.VaultSettled
		next.SettledAt = &now
		// Claim first: a concurrent settle finds the vault no longer ACTIVE.
		if err := tx.TransitionVault(ctx, model.VaultActive, &next); err != nil {
			lost = errors.Is(err, store.ErrConflict)
			return err
		}
		// Counted after the claim: an open that committed before it is seen
		// here, and one that commits after it finds the vault not ACTIVE.
		open, err := tx.CountOpenTradesByVault(ctx, vaultID)
		if err != nil {
			return err
		}
		if open > 0 {
			if err := tx.TransitionVault(ctx, model.VaultSettled, cur); err != nil {
				return err
			}
			return fmt.Errorf("%w: %d on %s", ErrTradesOpen, open, vaultID)
		}

		parts, err := tx.ListParticipations(ctx, vaultID)
		if err != nil {
			return err
		}
		dist = Distribute(cur, parts, rate)

		posting := ledger.Posting{
			Mode:          model.ModeLive,
			ReferenceType: model.RefVault,
			ReferenceID:   vaultID,
			At:            now,
		}
		for _, s := range dist.Shares {
			p := parts[indexOf(parts, s.UserID)]
			p.Status = model.ParticipationSettled
			p.FinalPayout = s.Payout
			p.NetPnL = s.PnL
			p.PlatformFee = s.PlatformFee
			p.CreatorFee = s.CreatorFee
			p.InsurancePaid = s.Insurance
			p.SettledAt = &now
			if err := tx.CloseParticipation(ctx, &p); err != nil {
				return fmt.Errorf("close participation of %s: %w", s.UserID, err)
			}

			w, err := tx.GetWallet(ctx, s.UserID)
			if err != nil {
				return err
			}
			posting.WalletID, posting.UserID = w.ID, s.UserID
			if _, err := ledger.Post(ctx, tx, posting,
				ledger.Line{Type: model.LedgerPayout, Amount: s.Gross},
				ledger.Line{Type: model.LedgerFee, Amount: s.PlatformFee.Neg()},
				ledger.Line{Type: model.LedgerFee, Amount: s.CreatorFee.Neg()},
				ledger.Line{Type: model.LedgerInsurancePayout, Amount: s.Insurance},
			); err != nil {
				return err
			}
		}

		if dist.CreatorFees.IsZero() && dist.CollateralReleased.IsZero() {
			return nil
		}
		w, err := tx.GetWallet(ctx, cur.CreatorID)
		if err != nil {
			return err
		}
		posting.WalletID, posting.UserID = w.ID, cur.CreatorID
		_, err = ledger.Post(ctx, tx, posting,
			ledger.Line{Type: model.LedgerFee, Amount: dist.CreatorFees},
			ledger.Line{Type: model.LedgerCollateralRelease, Amount: dist.CollateralReleased},
		)
		return err
	})
	if lost {
		return e.store.GetVault(ctx, vaultID)
	}
	if err != nil {
		e.logger.Error("settle vault",
			"vault_id", vaultID,
			"consistency", e.runner.Mode().String(),
			"error", err,
		)
		return nil, err
	}

	metrics.VaultTransitions.WithLabelValues(string(model.VaultSettled)).Inc()
	e.logger.Info("vault settled",
		"vault_id", vaultID,
		"pnl", dist.PnL.String(),
		"platform_rate", rate.String(),
		"investors", len(dist.Shares),
		"creator_fees", dist.CreatorFees.String(),
		"insurance_paid", dist.InsurancePaid.String(),
		"collateral_released", dist.CollateralReleased.String(),
	)
	e.publisher.Publish(events.Event{
		Type:    events.VaultSettled,
		VaultID: vaultID,
		BotID:   next.BotID,
		Status:  string(model.VaultSettled),
		Amount:  next.TotalPoolAmount().String(),
		At:      now,
	})
	return &next, nil
}

func indexOf(parts []model.VaultParticipation, userID string) int {
	for i := range parts {
		if parts[i].UserID == userID {
			return i
		}
	}
	return -1
}

// Matured reports whether an ACTIVE vault has reached its end time.
func Matured(v *model.Vault, now time.Time) bool {
	return v.Status == model.VaultActive && v.EndsAt != nil && !now.Before(*v.EndsAt)
}
