// Package ledger posts immutable ledger entries together with the balance
// delta they imply, and reconciles balances against the entry stream.
//
// A posting writes any number of entries for one (wallet, mode) pair but
// moves the balance with exactly one conditional increment of their signed
// sum, so a posting either fully applies or fails on insufficient funds.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

var (
	// ErrInsufficientFunds is returned when a posting would drive a wallet
	// balance or a vault NAV below zero.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInvalidAmount is returned for non-positive cash operation amounts.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInvalidMode is returned for an unknown balance mode.
	ErrInvalidMode = errors.New("ledger: invalid balance mode")
)

// Line is one movement of a posting before it is stamped.
type Line struct {
	Type   model.LedgerType
	Amount decimal.Decimal // signed
}

// Posting identifies the account and cause shared by a set of lines.
type Posting struct {
	WalletID      string
	UserID        string
	Mode          model.Mode
	ReferenceType string
	ReferenceID   string
	At            time.Time
}

// Post inserts one entry per non-zero line and applies their net sum to the
// wallet balance of p.Mode.
func Post(ctx context.Context, tx store.Tx, p Posting, lines ...Line) ([]model.LedgerEntry, error) {
	if !p.Mode.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, p.Mode)
	}
	entries, net := stamp(p, lines)
	if len(entries) == 0 {
		return nil, nil
	}

	if !net.IsZero() {
		if err := tx.AdjustBalance(ctx, p.WalletID, p.Mode, net); err != nil {
			if errors.Is(err, store.ErrInsufficientFunds) {
				return nil, ErrInsufficientFunds
			}
			return nil, fmt.Errorf("apply balance delta: %w", err)
		}
	}
	return entries, insert(ctx, tx, entries)
}

// PostVault is Post for a vault's notional NAV. Entries carry the vault ID
// and no wallet; p.WalletID is ignored.
func PostVault(ctx context.Context, tx store.Tx, vaultID string, p Posting, lines ...Line) ([]model.LedgerEntry, error) {
	p.WalletID = ""
	entries, net := stamp(p, lines)
	if len(entries) == 0 {
		return nil, nil
	}
	for i := range entries {
		entries[i].VaultID = vaultID
	}

	if !net.IsZero() {
		if err := tx.AdjustVaultNAV(ctx, vaultID, net); err != nil {
			if errors.Is(err, store.ErrInsufficientFunds) {
				return nil, ErrInsufficientFunds
			}
			return nil, fmt.Errorf("apply vault delta: %w", err)
		}
	}
	return entries, insert(ctx, tx, entries)
}

func stamp(p Posting, lines []Line) ([]model.LedgerEntry, decimal.Decimal) {
	at := p.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	net := decimal.Zero
	entries := make([]model.LedgerEntry, 0, len(lines))
	for _, l := range lines {
		if l.Amount.IsZero() {
			continue
		}
		net = net.Add(l.Amount)
		entries = append(entries, model.LedgerEntry{
			ID:            uuid.New().String(),
			WalletID:      p.WalletID,
			UserID:        p.UserID,
			Type:          l.Type,
			Mode:          p.Mode,
			Amount:        l.Amount,
			ReferenceType: p.ReferenceType,
			ReferenceID:   p.ReferenceID,
			CreatedAt:     at,
		})
	}
	return entries, net
}

func insert(ctx context.Context, tx store.Tx, entries []model.LedgerEntry) error {
	for i := range entries {
		if err := tx.InsertLedgerEntry(ctx, &entries[i]); err != nil {
			return fmt.Errorf("insert %s entry: %w", entries[i].Type, err)
		}
	}
	return nil
}
