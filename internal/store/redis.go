package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for wallets, bots and vaults. Writes go to the primary store and
// invalidate the touched keys; reads check Redis first then fall back to the
// primary. Reads inside Atomic always hit the primary transaction.
type CachedStore struct {
	Store // primary; everything not overridden passes through

	rdb *redis.Client
	ttl time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		Store: primary,
		rdb:   rdb,
		ttl:   ttl,
	}
}

// Atomic runs fn on the primary and drops every cached row the unit touched.
func (s *CachedStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var d dirty
	err := s.Store.Atomic(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, &trackingTx{Tx: tx, d: &d})
	})
	s.flush(ctx, &d)
	return err
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	if s.get(ctx, walletKey(userID), &w) {
		return &w, nil
	}

	wp, err := s.Store.GetWallet(ctx, userID)
	if err != nil {
		return nil, err
	}
	// The owner index never expires; wallet ownership is immutable.
	s.rdb.Set(ctx, walletOwnerKey(wp.ID), wp.UserID, 0)
	s.put(ctx, walletKey(userID), wp)
	return wp, nil
}

func (s *CachedStore) GetBot(ctx context.Context, id string) (*model.Bot, error) {
	var b model.Bot
	if s.get(ctx, botKey(id), &b) {
		return &b, nil
	}

	bp, err := s.Store.GetBot(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, botKey(id), bp)
	return bp, nil
}

func (s *CachedStore) GetVault(ctx context.Context, id string) (*model.Vault, error) {
	var v model.Vault
	if s.get(ctx, vaultKey(id), &v) {
		return &v, nil
	}

	vp, err := s.Store.GetVault(ctx, id)
	if err != nil {
		return nil, err
	}
	s.put(ctx, vaultKey(id), vp)
	return vp, nil
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateWallet(ctx context.Context, w *model.Wallet) error {
	return s.direct(ctx, func(tx Tx) error { return tx.CreateWallet(ctx, w) })
}

func (s *CachedStore) AdjustBalance(ctx context.Context, walletID string, mode model.Mode, delta decimal.Decimal) error {
	return s.direct(ctx, func(tx Tx) error { return tx.AdjustBalance(ctx, walletID, mode, delta) })
}

func (s *CachedStore) CreateBot(ctx context.Context, b *model.Bot) error {
	return s.direct(ctx, func(tx Tx) error { return tx.CreateBot(ctx, b) })
}

func (s *CachedStore) RecordBotOpen(ctx context.Context, id string) error {
	return s.direct(ctx, func(tx Tx) error { return tx.RecordBotOpen(ctx, id) })
}

func (s *CachedStore) RecordBotSettlement(ctx context.Context, id string, outcome model.Outcome, pnl decimal.Decimal) (*model.Bot, error) {
	var b *model.Bot
	err := s.direct(ctx, func(tx Tx) error {
		var err error
		b, err = tx.RecordBotSettlement(ctx, id, outcome, pnl)
		return err
	})
	return b, err
}

func (s *CachedStore) SetBotStatus(ctx context.Context, id string, status model.BotStatus) error {
	return s.direct(ctx, func(tx Tx) error { return tx.SetBotStatus(ctx, id, status) })
}

func (s *CachedStore) SetBotActiveTrades(ctx context.Context, id string, expected, n int64) error {
	return s.direct(ctx, func(tx Tx) error { return tx.SetBotActiveTrades(ctx, id, expected, n) })
}

func (s *CachedStore) CreateVault(ctx context.Context, v *model.Vault) error {
	return s.direct(ctx, func(tx Tx) error { return tx.CreateVault(ctx, v) })
}

func (s *CachedStore) AddVaultPrincipal(ctx context.Context, id string, delta decimal.Decimal) error {
	return s.direct(ctx, func(tx Tx) error { return tx.AddVaultPrincipal(ctx, id, delta) })
}

func (s *CachedStore) AdjustVaultNAV(ctx context.Context, id string, delta decimal.Decimal) error {
	return s.direct(ctx, func(tx Tx) error { return tx.AdjustVaultNAV(ctx, id, delta) })
}

func (s *CachedStore) TransitionVault(ctx context.Context, from model.VaultStatus, v *model.Vault) error {
	return s.direct(ctx, func(tx Tx) error { return tx.TransitionVault(ctx, from, v) })
}

// direct runs one primary write outside a transaction and invalidates what
// it touched, whether or not it succeeded.
func (s *CachedStore) direct(ctx context.Context, fn func(tx Tx) error) error {
	var d dirty
	err := fn(&trackingTx{Tx: s.Store, d: &d})
	s.flush(ctx, &d)
	return err
}

// --- Invalidation tracking ---

// dirty collects the cached rows a sequence of writes touched.
type dirty struct {
	users   []string
	wallets []string
	bots    []string
	vaults  []string
}

// trackingTx records every cached row a write touches.
type trackingTx struct {
	Tx
	d *dirty
}

func (t *trackingTx) CreateWallet(ctx context.Context, w *model.Wallet) error {
	t.d.users = append(t.d.users, w.UserID)
	return t.Tx.CreateWallet(ctx, w)
}

func (t *trackingTx) AdjustBalance(ctx context.Context, walletID string, mode model.Mode, delta decimal.Decimal) error {
	t.d.wallets = append(t.d.wallets, walletID)
	return t.Tx.AdjustBalance(ctx, walletID, mode, delta)
}

func (t *trackingTx) CreateBot(ctx context.Context, b *model.Bot) error {
	t.d.bots = append(t.d.bots, b.ID)
	return t.Tx.CreateBot(ctx, b)
}

func (t *trackingTx) RecordBotOpen(ctx context.Context, id string) error {
	t.d.bots = append(t.d.bots, id)
	return t.Tx.RecordBotOpen(ctx, id)
}

func (t *trackingTx) RecordBotSettlement(ctx context.Context, id string, outcome model.Outcome, pnl decimal.Decimal) (*model.Bot, error) {
	t.d.bots = append(t.d.bots, id)
	return t.Tx.RecordBotSettlement(ctx, id, outcome, pnl)
}

func (t *trackingTx) SetBotStatus(ctx context.Context, id string, status model.BotStatus) error {
	t.d.bots = append(t.d.bots, id)
	return t.Tx.SetBotStatus(ctx, id, status)
}

func (t *trackingTx) SetBotActiveTrades(ctx context.Context, id string, expected, n int64) error {
	t.d.bots = append(t.d.bots, id)
	return t.Tx.SetBotActiveTrades(ctx, id, expected, n)
}

func (t *trackingTx) CreateVault(ctx context.Context, v *model.Vault) error {
	t.d.vaults = append(t.d.vaults, v.ID)
	return t.Tx.CreateVault(ctx, v)
}

func (t *trackingTx) AddVaultPrincipal(ctx context.Context, id string, delta decimal.Decimal) error {
	t.d.vaults = append(t.d.vaults, id)
	return t.Tx.AddVaultPrincipal(ctx, id, delta)
}

func (t *trackingTx) AdjustVaultNAV(ctx context.Context, id string, delta decimal.Decimal) error {
	t.d.vaults = append(t.d.vaults, id)
	return t.Tx.AdjustVaultNAV(ctx, id, delta)
}

func (t *trackingTx) TransitionVault(ctx context.Context, from model.VaultStatus, v *model.Vault) error {
	t.d.vaults = append(t.d.vaults, v.ID)
	return t.Tx.TransitionVault(ctx, from, v)
}

// --- Cache helpers ---

func (s *CachedStore) flush(ctx context.Context, d *dirty) {
	keys := make([]string, 0, len(d.users)+len(d.wallets)+len(d.bots)+len(d.vaults))
	for _, uid := range d.users {
		keys = append(keys, walletKey(uid))
	}
	for _, wid := range d.wallets {
		// Unknown owner means the wallet was never cached.
		if uid, err := s.rdb.Get(ctx, walletOwnerKey(wid)).Result(); err == nil {
			keys = append(keys, walletKey(uid))
		}
	}
	for _, id := range d.bots {
		keys = append(keys, botKey(id))
	}
	for _, id := range d.vaults {
		keys = append(keys, vaultKey(id))
	}
	if len(keys) > 0 {
		s.rdb.Del(ctx, keys...)
	}
}

func (s *CachedStore) get(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) put(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func walletKey(uid string) string     { return fmt.Sprintf("wallet:%s", uid) }
func walletOwnerKey(id string) string { return fmt.Sprintf("wallet-owner:%s", id) }
func botKey(id string) string         { return fmt.Sprintf("bot:%s", id) }
func vaultKey(id string) string       { return fmt.Sprintf("vault:%s", id) }
