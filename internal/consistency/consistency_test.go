package consistency_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/consistency"
	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func TestDetect(t *testing.T) {
	ctx := context.Background()

	mode, err := consistency.Detect(ctx, store.NewMemoryStore(), false)
	require.NoError(t, err)
	assert.Equal(t, consistency.Strict, mode)

	_, err = consistency.Detect(ctx, store.NewMemoryStore(store.WithoutTransactions()), false)
	assert.ErrorIs(t, err, consistency.ErrBestEffortNotAllowed)

	mode, err = consistency.Detect(ctx, store.NewMemoryStore(store.WithoutTransactions()), true)
	require.NoError(t, err)
	assert.Equal(t, consistency.BestEffort, mode)
}

func TestSelect(t *testing.T) {
	ctx := context.Background()
	noTx := store.NewMemoryStore(store.WithoutTransactions())

	tests := []struct {
		setting string
		st      store.Store
		allow   bool
		want    consistency.Mode
		wantErr error
	}{
		{"auto", store.NewMemoryStore(), false, consistency.Strict, nil},
		{"", noTx, true, consistency.BestEffort, nil},
		{"strict", noTx, true, consistency.Strict, store.ErrTransactionsUnsupported},
		{"best-effort", store.NewMemoryStore(), false, consistency.Strict, consistency.ErrBestEffortNotAllowed},
		{"best-effort", store.NewMemoryStore(), true, consistency.BestEffort, nil},
		{"eventual", noTx, true, consistency.Strict, consistency.ErrUnknownMode},
	}
	for _, tt := range tests {
		t.Run(tt.setting, func(t *testing.T) {
			got, err := consistency.Select(ctx, tt.st, tt.setting, tt.allow)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func seed(t *testing.T, s store.Store) *model.Wallet {
	t.Helper()
	w := &model.Wallet{ID: "w1", UserID: "alice"}
	require.NoError(t, s.CreateWallet(context.Background(), w))
	require.NoError(t, s.AdjustBalance(context.Background(), w.ID, model.ModeLive, decimal.NewFromInt(100)))
	return w
}

func TestRunner_StrictRollsBack(t *testing.T) {
	ms := store.NewMemoryStore()
	w := seed(t, ms)
	r := consistency.NewRunner(ms, consistency.Strict, nil)
	boom := errors.New("boom")

	err := r.Run(context.Background(), "test", func(ctx context.Context, tx store.Tx) error {
		if err := tx.AdjustBalance(ctx, w.ID, model.ModeLive, decimal.NewFromInt(-30)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	got, _ := ms.GetWallet(context.Background(), "alice")
	assert.True(t, got.LiveBalance.Equal(decimal.NewFromInt(100)))
}

func TestRunner_BestEffortHasNoIsolation(t *testing.T) {
	ms := store.NewMemoryStore(store.WithoutTransactions())
	w := seed(t, ms)
	r := consistency.NewRunner(ms, consistency.BestEffort, nil)
	boom := errors.New("boom")

	err := r.Run(context.Background(), "test", func(ctx context.Context, tx store.Tx) error {
		if err := tx.AdjustBalance(ctx, w.ID, model.ModeLive, decimal.NewFromInt(-30)); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	// The first write stays applied: nothing is rolled back in this mode.
	got, _ := ms.GetWallet(context.Background(), "alice")
	assert.True(t, got.LiveBalance.Equal(decimal.NewFromInt(70)))
	assert.Equal(t, consistency.BestEffort, r.Mode())
}
