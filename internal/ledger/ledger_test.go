package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/consistency"
	"github.com/atmx/settlement-engine/internal/ledger"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newCashier(t *testing.T) (*ledger.Cashier, *store.MemoryStore) {
	t.Helper()
	ms := store.NewMemoryStore()
	return ledger.NewCashier(consistency.NewRunner(ms, consistency.Strict, nil), nil), ms
}

func TestPost_AppliesOneNetDelta(t *testing.T) {
	cashier, ms := newCashier(t)
	ctx := context.Background()
	w, err := cashier.OpenWallet(ctx, "alice")
	require.NoError(t, err)

	var entries []model.LedgerEntry
	err = ms.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		entries, err = ledger.Post(ctx, tx, ledger.Posting{
			WalletID: w.ID, UserID: "alice", Mode: model.ModeLive,
			ReferenceType: model.RefTrade, ReferenceID: "t1",
		},
			ledger.Line{Type: model.LedgerPayout, Amount: d(185)},
			ledger.Line{Type: model.LedgerFee, Amount: d(-42.5)},
			ledger.Line{Type: model.LedgerAdjustment, Amount: decimal.Zero},
		)
		return err
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)

	got, _ := ms.GetWallet(ctx, "alice")
	assert.True(t, got.LiveBalance.Equal(d(142.5)), "balance: %s", got.LiveBalance)
}

func TestPost_InsufficientFundsLeavesNothing(t *testing.T) {
	cashier, ms := newCashier(t)
	ctx := context.Background()
	w, _ := cashier.OpenWallet(ctx, "alice")
	_, err := cashier.Deposit(ctx, "alice", model.ModeLive, d(20), "dep-1")
	require.NoError(t, err)

	err = ms.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := ledger.Post(ctx, tx, ledger.Posting{WalletID: w.ID, UserID: "alice", Mode: model.ModeLive},
			ledger.Line{Type: model.LedgerOpenHold, Amount: d(-50)})
		return err
	})
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	entries, _ := ms.LedgerEntriesByWallet(ctx, w.ID)
	assert.Len(t, entries, 1)
	got, _ := ms.GetWallet(ctx, "alice")
	assert.True(t, got.LiveBalance.Equal(d(20)))
}

func TestPostVault_MovesNAV(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	v := &model.Vault{ID: "v1", TargetAmount: d(1000), Status: model.VaultFunding, Pool: model.FundingPool{}}
	require.NoError(t, ms.CreateVault(ctx, v))
	require.NoError(t, ms.AddVaultPrincipal(ctx, "v1", d(1000)))
	v.Status = model.VaultActive
	require.NoError(t, ms.TransitionVault(ctx, model.VaultFunding, v))

	_, err := ledger.PostVault(ctx, ms, "v1", ledger.Posting{Mode: model.ModeLive, UserID: "creator"},
		ledger.Line{Type: model.LedgerOpenHold, Amount: d(-100)})
	require.NoError(t, err)
	_, err = ledger.PostVault(ctx, ms, "v1", ledger.Posting{Mode: model.ModeLive, UserID: "creator"},
		ledger.Line{Type: model.LedgerPayout, Amount: d(185)})
	require.NoError(t, err)

	got, _ := ms.GetVault(ctx, "v1")
	assert.True(t, got.TotalPoolAmount().Equal(d(1085)))
	assert.True(t, got.UserPoolAmount().Equal(d(1000)))

	entries, _ := ms.LedgerEntriesByVault(ctx, "v1")
	require.Len(t, entries, 2)
	assert.Empty(t, entries[0].WalletID)
}

func TestCashier_Operations(t *testing.T) {
	cashier, _ := newCashier(t)
	ctx := context.Background()

	w1, err := cashier.OpenWallet(ctx, "alice")
	require.NoError(t, err)
	w2, err := cashier.OpenWallet(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, w1.ID, w2.ID)

	_, err = cashier.Deposit(ctx, "alice", model.ModeLive, d(500), "dep-1")
	require.NoError(t, err)
	_, err = cashier.Deposit(ctx, "alice", model.ModeDemo, d(10000), "")
	require.NoError(t, err)
	_, err = cashier.GrantBonus(ctx, "alice", d(25), "welcome")
	require.NoError(t, err)
	_, err = cashier.Withdraw(ctx, "alice", d(120), "wd-1")
	require.NoError(t, err)
	_, err = cashier.Adjust(ctx, "alice", model.ModeLive, d(-30), "chargeback")
	require.NoError(t, err)

	_, err = cashier.Withdraw(ctx, "alice", d(1000), "wd-2")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	_, err = cashier.Deposit(ctx, "alice", model.ModeLive, d(-1), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
	_, err = cashier.Deposit(ctx, "alice", model.ModeBonus, d(1), "")
	assert.ErrorIs(t, err, ledger.ErrInvalidMode)
}

func TestReconcile(t *testing.T) {
	cashier, ms := newCashier(t)
	ctx := context.Background()
	w, _ := cashier.OpenWallet(ctx, "alice")
	_, err := cashier.Deposit(ctx, "alice", model.ModeLive, d(300), "")
	require.NoError(t, err)
	_, err = cashier.GrantBonus(ctx, "alice", d(10), "")
	require.NoError(t, err)

	report, err := ledger.Reconcile(ctx, ms, "alice")
	require.NoError(t, err)
	assert.True(t, report.Balanced)
	require.Len(t, report.Modes, 3)

	// A balance write that bypasses the ledger shows up as drift.
	require.NoError(t, ms.AdjustBalance(ctx, w.ID, model.ModeDemo, d(7)))
	report, err = ledger.Reconcile(ctx, ms, "alice")
	require.NoError(t, err)
	assert.False(t, report.Balanced)
	for _, m := range report.Modes {
		if m.Mode == model.ModeDemo {
			assert.True(t, m.Drift.Equal(d(7)))
		} else {
			assert.True(t, m.Drift.IsZero())
		}
	}
}

func TestReconcileVault(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.CreateVault(ctx, &model.Vault{
		ID: "v1", CreatorID: "carol", BotID: "bot-1", TargetAmount: d(1000),
		Status: model.VaultActive, Pool: model.ActivePool{Invested: d(1000), Current: d(1000)},
	}))

	report, err := ledger.ReconcileVault(ctx, ms, "v1")
	require.NoError(t, err)
	assert.True(t, report.Balanced)
	assert.Zero(t, report.Entries)

	p := ledger.Posting{ReferenceType: model.RefTrade, ReferenceID: "t1"}
	_, err = ledger.PostVault(ctx, ms, "v1", p, ledger.Line{Type: model.LedgerOpenHold, Amount: d(-100)})
	require.NoError(t, err)
	_, err = ledger.PostVault(ctx, ms, "v1", p, ledger.Line{Type: model.LedgerPayout, Amount: d(185)})
	require.NoError(t, err)

	report, err = ledger.ReconcileVault(ctx, ms, "v1")
	require.NoError(t, err)
	assert.True(t, report.Balanced)
	assert.Equal(t, 2, report.Entries)
	assert.True(t, report.NAV.Equal(d(1085)), "nav: %s", report.NAV)
	assert.True(t, report.LedgerSum.Equal(d(85)))

	// A NAV write that bypasses the ledger shows up as drift.
	require.NoError(t, ms.AdjustVaultNAV(ctx, "v1", d(-5)))
	report, err = ledger.ReconcileVault(ctx, ms, "v1")
	require.NoError(t, err)
	assert.False(t, report.Balanced)
	assert.True(t, report.Drift.Equal(d(-5)), "drift: %s", report.Drift)

	_, err = ledger.ReconcileVault(ctx, ms, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPost_StampsTime(t *testing.T) {
	ms := store.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, ms.CreateWallet(ctx, &model.Wallet{ID: "w1", UserID: "alice"}))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	entries, err := ledger.Post(ctx, ms, ledger.Posting{WalletID: "w1", UserID: "alice", Mode: model.ModeDemo, At: at},
		ledger.Line{Type: model.LedgerDeposit, Amount: d(1)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, at, entries[0].CreatedAt)
	assert.NotEmpty(t, entries[0].ID)
}
