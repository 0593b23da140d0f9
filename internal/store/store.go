// Package store defines the persistence interface for the settlement engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-process development).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when inserting a row whose key already exists.
	ErrDuplicate = errors.New("store: already exists")

	// ErrInsufficientFunds is returned when a signed delta would push a
	// balance (wallet or vault NAV) below zero. Nothing is changed.
	ErrInsufficientFunds = errors.New("store: insufficient funds")

	// ErrConflict is returned when a conditional update finds the row in a
	// state other than the expected one.
	ErrConflict = errors.New("store: row not in expected state")

	// ErrAlreadySettled is returned by MarkTradeSettled when the trade was
	// settled by someone else. It is the only idempotent outcome of a claim.
	ErrAlreadySettled = errors.New("store: trade already settled")

	// ErrTransactionsUnsupported is returned by Atomic on deployments that
	// cannot run multi-statement transactions.
	ErrTransactionsUnsupported = errors.New("store: multi-statement transactions unsupported")
)

// Tx is the set of reads and writes available inside an atomic unit. Every
// balance mutation is a single conditional increment; no caller does
// read-modify-write on a balance.
type Tx interface {
	// --- Wallets ---

	// CreateWallet persists a new wallet with zero balances.
	CreateWallet(ctx context.Context, w *model.Wallet) error

	// GetWallet retrieves the wallet owned by userID.
	GetWallet(ctx context.Context, userID string) (*model.Wallet, error)

	// AdjustBalance applies a signed delta to one balance of a wallet.
	// Returns ErrInsufficientFunds if the result would be negative.
	AdjustBalance(ctx context.Context, walletID string, mode model.Mode, delta decimal.Decimal) error

	// --- Immutable ledger ---

	// InsertLedgerEntry appends an immutable ledger record.
	InsertLedgerEntry(ctx context.Context, entry *model.LedgerEntry) error

	// LedgerEntriesByWallet returns all entries for a wallet in insertion order.
	LedgerEntriesByWallet(ctx context.Context, walletID string) ([]model.LedgerEntry, error)

	// LedgerEntriesByVault returns all entries moving a vault's notional pool.
	LedgerEntriesByVault(ctx context.Context, vaultID string) ([]model.LedgerEntry, error)

	// --- Trades ---

	// InsertTrade persists a newly opened trade.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// GetTrade retrieves a trade by its ID.
	GetTrade(ctx context.Context, id string) (*model.Trade, error)

	// MarkTradeSettled writes the settlement fields of t, only if the stored
	// trade is still OPEN. Returns ErrAlreadySettled otherwise.
	MarkTradeSettled(ctx context.Context, t *model.Trade) error

	// ListExpiredOpenTrades returns OPEN trades with expires_at before the
	// given time, oldest first.
	ListExpiredOpenTrades(ctx context.Context, before time.Time, limit int) ([]model.Trade, error)

	// CountOpenTradesByBot returns bot ID → number of OPEN trades.
	CountOpenTradesByBot(ctx context.Context) (map[string]int64, error)

	// CountOpenTradesByVault returns the number of OPEN trades on a vault.
	CountOpenTradesByVault(ctx context.Context, vaultID string) (int64, error)

	// OpenStakeBySymbol returns symbol → total OPEN stake for a user.
	OpenStakeBySymbol(ctx context.Context, userID string) (map[string]decimal.Decimal, error)

	// --- Bots ---

	CreateBot(ctx context.Context, b *model.Bot) error
	GetBot(ctx context.Context, id string) (*model.Bot, error)
	ListBots(ctx context.Context) ([]model.Bot, error)

	// RecordBotOpen increments total and active trade counters.
	RecordBotOpen(ctx context.Context, id string) error

	// RecordBotSettlement decrements the active counter (never below zero),
	// bumps the outcome counter, accumulates pnl and returns the bot as it
	// is after the update.
	RecordBotSettlement(ctx context.Context, id string, outcome model.Outcome, pnl decimal.Decimal) (*model.Bot, error)

	SetBotStatus(ctx context.Context, id string, status model.BotStatus) error

	// SetBotActiveTrades overwrites the cached counter with n only if it
	// still equals expected. Returns ErrConflict otherwise.
	SetBotActiveTrades(ctx context.Context, id string, expected, n int64) error

	// --- Vaults ---

	CreateVault(ctx context.Context, v *model.Vault) error
	GetVault(ctx context.Context, id string) (*model.Vault, error)

	// ListVaults returns vaults in the given status, oldest first.
	ListVaults(ctx context.Context, status model.VaultStatus) ([]model.Vault, error)

	// AddVaultPrincipal moves principal and NAV of a FUNDING vault together
	// by delta. Returns ErrConflict if the vault is not FUNDING or the result
	// would leave [0, target].
	AddVaultPrincipal(ctx context.Context, id string, delta decimal.Decimal) error

	// AdjustVaultNAV applies a realized trading delta to an ACTIVE vault.
	// Returns ErrConflict if not ACTIVE, ErrInsufficientFunds if the NAV
	// would go negative.
	AdjustVaultNAV(ctx context.Context, id string, delta decimal.Decimal) error

	// TransitionVault writes status, collateral and timestamps of v if the
	// stored status equals from. Pool amounts are not written.
	TransitionVault(ctx context.Context, from model.VaultStatus, v *model.Vault) error

	// --- Participations ---

	GetParticipation(ctx context.Context, vaultID, userID string) (*model.VaultParticipation, error)

	// AddParticipation creates the (vault, user) participation or tops up the
	// existing ACTIVE one, summing amount, insurance fee and coverage.
	AddParticipation(ctx context.Context, p *model.VaultParticipation) error

	// ListParticipations returns a vault's participations in creation order.
	ListParticipations(ctx context.Context, vaultID string) ([]model.VaultParticipation, error)

	// CloseParticipation writes the final fields of p if the stored
	// participation is still ACTIVE. Returns ErrConflict otherwise.
	CloseParticipation(ctx context.Context, p *model.VaultParticipation) error
}

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	Tx

	// Atomic runs fn inside one transaction, committing if fn returns nil.
	// Returns ErrTransactionsUnsupported when the deployment cannot do so.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// SupportsTransactions reports whether Atomic can be used.
	SupportsTransactions(ctx context.Context) bool
}
