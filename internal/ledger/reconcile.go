package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

// ModeReport compares one balance with the signed sum of its entries.
type ModeReport struct {
	Mode      model.Mode      `json:"mode"`
	Balance   decimal.Decimal `json:"balance"`
	LedgerSum decimal.Decimal `json:"ledger_sum"`
	Drift     decimal.Decimal `json:"drift"` // Balance - LedgerSum
}

// Report is the reconciliation result for one wallet.
type Report struct {
	UserID   string       `json:"user_id"`
	WalletID string       `json:"wallet_id"`
	Modes    []ModeReport `json:"modes"`
	Balanced bool         `json:"balanced"`
}

// Reconcile checks every balance mode of the user's wallet against its
// ledger stream. Drift is reported, never corrected.
func Reconcile(ctx context.Context, tx store.Tx, userID string) (*Report, error) {
	w, err := tx.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries, err := tx.LedgerEntriesByWallet(ctx, w.ID)
	if err != nil {
		return nil, fmt.Errorf("load ledger for %s: %w", w.ID, err)
	}

	sums := make(map[model.Mode]decimal.Decimal, 3)
	for _, e := range entries {
		sums[e.Mode] = sums[e.Mode].Add(e.Amount)
	}

	report := &Report{UserID: userID, WalletID: w.ID, Balanced: true}
	for _, mode := range []model.Mode{model.ModeLive, model.ModeBonus, model.ModeDemo} {
		r := ModeReport{
			Mode:      mode,
			Balance:   w.Balance(mode),
			LedgerSum: sums[mode],
		}
		r.Drift = r.Balance.Sub(r.LedgerSum)
		if !r.Drift.IsZero() {
			report.Balanced = false
			metrics.LedgerDrift.WithLabelValues(string(mode)).Inc()
		}
		report.Modes = append(report.Modes, r)
	}
	return report, nil
}

// VaultReport compares a vault's NAV with its principal plus the signed sum
// of the entries posted against it.
type VaultReport struct {
	VaultID   string            `json:"vault_id"`
	Status    model.VaultStatus `json:"status"`
	Principal decimal.Decimal   `json:"principal"`
	NAV       decimal.Decimal   `json:"nav"`
	LedgerSum decimal.Decimal   `json:"ledger_sum"`
	Drift     decimal.Decimal   `json:"drift"` // NAV - Principal - LedgerSum
	Entries   int               `json:"entries"`
	Balanced  bool              `json:"balanced"`
}

// ReconcileVault checks the vault's NAV against its ledger stream. Only
// trading moves NAV away from principal, so a funding vault balances with
// no entries.
func ReconcileVault(ctx context.Context, tx store.Tx, vaultID string) (*VaultReport, error) {
	v, err := tx.GetVault(ctx, vaultID)
	if err != nil {
		return nil, err
	}
	entries, err := tx.LedgerEntriesByVault(ctx, v.ID)
	if err != nil {
		return nil, fmt.Errorf("load ledger for vault %s: %w", v.ID, err)
	}

	r := &VaultReport{
		VaultID:   v.ID,
		Status:    v.Status,
		Principal: v.UserPoolAmount(),
		NAV:       v.TotalPoolAmount(),
		Entries:   len(entries),
	}
	for _, e := range entries {
		r.LedgerSum = r.LedgerSum.Add(e.Amount)
	}
	r.Drift = r.NAV.Sub(r.Principal).Sub(r.LedgerSum)
	r.Balanced = r.Drift.IsZero()
	if !r.Balanced {
		metrics.LedgerDrift.WithLabelValues("vault").Inc()
	}
	return r, nil
}
