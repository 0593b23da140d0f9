package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/atmx/settlement-engine/internal/events"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// Withdraw refunds an investor's principal and insurance fee from a FUNDING
// vault once the minimum hold has elapsed. Refunds land in live balance.
// A withdrawal that empties the pool cancels the vault.
func (e *Engine) Withdraw(ctx context.Context, userID, vaultID string) (*model.VaultParticipation, error) {
	now := e.now()

	var closed model.VaultParticipation
	var emptied bool
	err := e.runner.Run(ctx, "vault-withdraw", func(ctx context.Context, tx store.Tx) error {
		v, err := tx.GetVault(ctx, vaultID)
		if err != nil {
			return err
		}
		if v.Status != model.VaultFunding {
			return fmt.Errorf("%w: %s is %s", ErrNotFunding, v.ID, v.Status)
		}
		if unlock := v.CreatedAt.Add(e.cfg.MinFundingHold); now.Before(unlock) {
			return fmt.Errorf("%w: until %s", ErrWithdrawLocked, unlock.Format(time.RFC3339))
		}

		p, err := tx.GetParticipation(ctx, vaultID, userID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoParticipation
		}
		if err != nil {
			return err
		}
		if p.Status != model.ParticipationActive {
			return ErrNoParticipation
		}

		closed, err = refund(ctx, tx, p, now)
		if err != nil {
			return err
		}
		if err := tx.AddVaultPrincipal(ctx, vaultID, p.AmountLocked.Neg()); err != nil {
			return fmt.Errorf("release principal: %w", err)
		}

		after, err := tx.GetVault(ctx, vaultID)
		if err != nil {
			return err
		}
		if after.UserPoolAmount().IsZero() {
			after.Status = model.VaultCancelled
			if err := tx.TransitionVault(ctx, model.VaultFunding, after); err != nil {
				return err
			}
			emptied = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("vault withdrawal",
		"vault_id", vaultID,
		"user", userID,
		"refund", closed.FinalPayout.String(),
	)
	e.publisher.Publish(events.Event{
		Type:    events.VaultWithdrawal,
		VaultID: vaultID,
		UserID:  userID,
		Amount:  closed.FinalPayout.String(),
		At:      now,
	})
	if emptied {
		e.closed(vaultID, model.VaultCancelled, "emptied", now)
	}
	return &closed, nil
}

// CancelFunding lets the creator abandon a FUNDING vault. Every active
// participation is refunded.
func (e *Engine) CancelFunding(ctx context.Context, creatorID, vaultID string) (*model.Vault, error) {
	v, err := e.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if v.CreatorID != creatorID {
		return nil, ErrNotCreator
	}
	return e.abandon(ctx, v, model.VaultCancelled, "creator-cancel")
}

// FailFunding moves a FUNDING vault whose funding window timed out to FAILED
// and refunds every investor. Returns ErrFundingOpen while the window is
// open or when timeouts are disabled.
func (e *Engine) FailFunding(ctx context.Context, vaultID string) (*model.Vault, error) {
	v, err := e.store.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	if e.cfg.FundingTimeout <= 0 || e.now().Before(v.CreatedAt.Add(e.cfg.FundingTimeout)) {
		return nil, ErrFundingOpen
	}
	return e.abandon(ctx, v, model.VaultFailed, "funding-timeout")
}

func (e *Engine) abandon(ctx context.Context, v *model.Vault, to model.VaultStatus, reason string) (*model.Vault, error) {
	if v.Status != model.VaultFunding {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotFunding, v.ID, v.Status)
	}
	now := e.now()
	next := *v
	next.Status = to
	next.SettledAt = &now

	var refunded int
	err := e.runner.Run(ctx, "abandon-vault", func(ctx context.Context, tx store.Tx) error {
		if err := tx.TransitionVault(ctx, model.VaultFunding, &next); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("%w: %s", ErrNotFunding, v.ID)
			}
			return err
		}
		parts, err := tx.ListParticipations(ctx, v.ID)
		if err != nil {
			return err
		}
		for i := range parts {
			if parts[i].Status != model.ParticipationActive {
				continue
			}
			if _, err := refund(ctx, tx, &parts[i], now); err != nil {
				return err
			}
			refunded++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("vault funding abandoned",
		"vault_id", v.ID,
		"status", to,
		"reason", reason,
		"refunded", refunded,
	)
	e.closed(v.ID, to, reason, now)
	return &next, nil
}

// refund closes p as REFUNDED and credits principal plus insurance fee to
// the investor's live balance.
func refund(ctx context.Context, tx store.Tx, p *model.VaultParticipation, now time.Time) (model.VaultParticipation, error) {
	closed := *p
	closed.Status = model.ParticipationRefunded
	closed.FinalPayout = p.AmountLocked.Add(p.InsuranceFeePaid)
	closed.SettledAt = &now
	if err := tx.CloseParticipation(ctx, &closed); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return closed, ErrNoParticipation
		}
		return closed, err
	}

	w, err := tx.GetWallet(ctx, p.UserID)
	if err != nil {
		return closed, err
	}
	_, err = ledger.Post(ctx, tx, ledger.Posting{
		WalletID:      w.ID,
		UserID:        p.UserID,
		Mode:          model.ModeLive,
		ReferenceType: model.RefVault,
		ReferenceID:   p.VaultID,
		At:            now,
	},
		ledger.Line{Type: model.LedgerRefund, Amount: p.AmountLocked},
		ledger.Line{Type: model.LedgerRefund, Amount: p.InsuranceFeePaid},
	)
	return closed, err
}

func (e *Engine) closed(vaultID string, status model.VaultStatus, reason string, at time.Time) {
	metrics.VaultTransitions.WithLabelValues(string(status)).Inc()
	typ := events.VaultCancelled
	if status == model.VaultFailed {
		typ = events.VaultFailed
	}
	e.publisher.Publish(events.Event{
		Type:    typ,
		VaultID: vaultID,
		Status:  string(status),
		Reason:  reason,
		At:      at,
	})
}
