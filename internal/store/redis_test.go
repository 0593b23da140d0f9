package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/store"
)

func newCached(t *testing.T) (*store.CachedStore, *store.MemoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	ms := store.NewMemoryStore()
	return store.NewCachedStore(ms, rdb, time.Minute), ms, mr
}

func TestCachedStore_WalletReadThroughAndInvalidate(t *testing.T) {
	cs, ms, mr := newCached(t)
	ctx := context.Background()
	w := seedWallet(t, cs, "alice", 100)

	got, err := cs.GetWallet(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, got.LiveBalance.Equal(d(100)))
	assert.True(t, mr.Exists("wallet:alice"))

	// A write behind the cache's back is not visible until invalidated.
	require.NoError(t, ms.AdjustBalance(ctx, w.ID, model.ModeLive, d(5)))
	got, _ = cs.GetWallet(ctx, "alice")
	assert.True(t, got.LiveBalance.Equal(d(100)))

	require.NoError(t, cs.AdjustBalance(ctx, w.ID, model.ModeLive, d(-50)))
	assert.False(t, mr.Exists("wallet:alice"))

	got, _ = cs.GetWallet(ctx, "alice")
	assert.True(t, got.LiveBalance.Equal(d(55)))
}

func TestCachedStore_AtomicInvalidatesTouchedRows(t *testing.T) {
	cs, _, mr := newCached(t)
	ctx := context.Background()
	w := seedWallet(t, cs, "alice", 100)
	require.NoError(t, cs.CreateBot(ctx, &model.Bot{ID: "b1", Status: model.BotActive}))

	_, err := cs.GetWallet(ctx, "alice")
	require.NoError(t, err)
	_, err = cs.GetBot(ctx, "b1")
	require.NoError(t, err)
	require.True(t, mr.Exists("bot:b1"))

	err = cs.Atomic(ctx, func(ctx context.Context, tx store.Tx) error {
		if err := tx.AdjustBalance(ctx, w.ID, model.ModeLive, d(-10)); err != nil {
			return err
		}
		return tx.RecordBotOpen(ctx, "b1")
	})
	require.NoError(t, err)
	assert.False(t, mr.Exists("wallet:alice"))
	assert.False(t, mr.Exists("bot:b1"))

	b, _ := cs.GetBot(ctx, "b1")
	assert.Equal(t, int64(1), b.Stats.ActiveTrades)
}

func TestCachedStore_VaultRoundTripKeepsPool(t *testing.T) {
	cs, _, _ := newCached(t)
	ctx := context.Background()
	require.NoError(t, cs.CreateVault(ctx, &model.Vault{
		ID: "v1", TargetAmount: d(1000), Status: model.VaultFunding,
		Pool: model.FundingPool{}, CreatedAt: time.Now().UTC(),
	}))
	require.NoError(t, cs.AddVaultPrincipal(ctx, "v1", d(300)))

	first, err := cs.GetVault(ctx, "v1")
	require.NoError(t, err)
	cached, err := cs.GetVault(ctx, "v1")
	require.NoError(t, err)

	assert.IsType(t, model.FundingPool{}, cached.Pool)
	assert.True(t, first.UserPoolAmount().Equal(cached.UserPoolAmount()))
	assert.True(t, cached.TotalPoolAmount().Equal(d(300)))
}
