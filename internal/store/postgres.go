package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// Schema is applied by Migrate. Balances carry CHECK constraints as a last
// line of defence; the conditional updates below never rely on them.
const Schema = `
CREATE TABLE IF NOT EXISTS wallets (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL UNIQUE,
    live_balance  NUMERIC(28,8) NOT NULL DEFAULT 0 CHECK (live_balance >= 0),
    bonus_balance NUMERIC(28,8) NOT NULL DEFAULT 0 CHECK (bonus_balance >= 0),
    demo_balance  NUMERIC(28,8) NOT NULL DEFAULT 0 CHECK (demo_balance >= 0),
    created_at    TIMESTAMPTZ NOT NULL,
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
    seq            BIGSERIAL PRIMARY KEY,
    id             TEXT NOT NULL UNIQUE,
    wallet_id      TEXT NOT NULL DEFAULT '',
    user_id        TEXT NOT NULL DEFAULT '',
    vault_id       TEXT NOT NULL DEFAULT '',
    type           TEXT NOT NULL,
    mode           TEXT NOT NULL,
    amount         NUMERIC(28,8) NOT NULL,
    reference_type TEXT NOT NULL,
    reference_id   TEXT NOT NULL,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
    id             TEXT PRIMARY KEY,
    user_id        TEXT NOT NULL,
    wallet_id      TEXT NOT NULL,
    mode           TEXT NOT NULL,
    symbol         TEXT NOT NULL,
    direction      TEXT NOT NULL,
    stake          NUMERIC(28,8) NOT NULL,
    payout_percent NUMERIC(10,4) NOT NULL,
    entry_price    NUMERIC(28,10) NOT NULL,
    exit_price     NUMERIC(28,10),
    price_source   TEXT NOT NULL DEFAULT '',
    status         TEXT NOT NULL,
    outcome        TEXT NOT NULL DEFAULT '',
    payout_amount  NUMERIC(28,8) NOT NULL DEFAULT 0,
    platform_fee   NUMERIC(28,8) NOT NULL DEFAULT 0,
    bot_id         TEXT NOT NULL DEFAULT '',
    vault_id       TEXT NOT NULL DEFAULT '',
    is_insured     BOOLEAN NOT NULL DEFAULT FALSE,
    expires_at     TIMESTAMPTZ NOT NULL,
    settled_at     TIMESTAMPTZ,
    created_at     TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS bots (
    id                   TEXT PRIMARY KEY,
    owner_id             TEXT NOT NULL,
    name                 TEXT NOT NULL,
    status               TEXT NOT NULL,
    is_public            BOOLEAN NOT NULL DEFAULT FALSE,
    is_premium           BOOLEAN NOT NULL DEFAULT FALSE,
    profit_share_percent NUMERIC(10,4) NOT NULL DEFAULT 0,
    stop_loss            NUMERIC(28,8) NOT NULL DEFAULT 0,
    take_profit          NUMERIC(28,8) NOT NULL DEFAULT 0,
    max_active_trades    BIGINT NOT NULL DEFAULT 0,
    total_trades         BIGINT NOT NULL DEFAULT 0,
    wins                 BIGINT NOT NULL DEFAULT 0,
    losses               BIGINT NOT NULL DEFAULT 0,
    draws                BIGINT NOT NULL DEFAULT 0,
    net_pnl              NUMERIC(28,8) NOT NULL DEFAULT 0,
    active_trades        BIGINT NOT NULL DEFAULT 0,
    created_at           TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS vaults (
    id                         TEXT PRIMARY KEY,
    creator_id                 TEXT NOT NULL,
    bot_id                     TEXT NOT NULL,
    name                       TEXT NOT NULL,
    target_amount              NUMERIC(28,8) NOT NULL,
    duration_days              INTEGER NOT NULL,
    creator_collateral_percent NUMERIC(10,4) NOT NULL,
    profit_share_percent       NUMERIC(10,4) NOT NULL,
    status                     TEXT NOT NULL,
    total_pool_amount          NUMERIC(28,8) NOT NULL DEFAULT 0,
    user_pool_amount           NUMERIC(28,8) NOT NULL DEFAULT 0,
    creator_locked_amount      NUMERIC(28,8) NOT NULL DEFAULT 0,
    created_at                 TIMESTAMPTZ NOT NULL,
    started_at                 TIMESTAMPTZ,
    ends_at                    TIMESTAMPTZ,
    settled_at                 TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS vault_participations (
    id                 TEXT PRIMARY KEY,
    vault_id           TEXT NOT NULL,
    user_id            TEXT NOT NULL,
    amount_locked      NUMERIC(28,8) NOT NULL,
    is_insured         BOOLEAN NOT NULL DEFAULT FALSE,
    insurance_fee_paid NUMERIC(28,8) NOT NULL DEFAULT 0,
    insurance_coverage NUMERIC(28,8) NOT NULL DEFAULT 0,
    status             TEXT NOT NULL,
    final_payout       NUMERIC(28,8) NOT NULL DEFAULT 0,
    net_pnl            NUMERIC(28,8) NOT NULL DEFAULT 0,
    platform_fee       NUMERIC(28,8) NOT NULL DEFAULT 0,
    creator_fee        NUMERIC(28,8) NOT NULL DEFAULT 0,
    insurance_paid     NUMERIC(28,8) NOT NULL DEFAULT 0,
    created_at         TIMESTAMPTZ NOT NULL,
    settled_at         TIMESTAMPTZ,
    UNIQUE (vault_id, user_id)
);

CREATE INDEX IF NOT EXISTS idx_ledger_wallet   ON ledger_entries(wallet_id, seq);
CREATE INDEX IF NOT EXISTS idx_ledger_vault    ON ledger_entries(vault_id, seq) WHERE vault_id <> '';
CREATE INDEX IF NOT EXISTS idx_trades_open     ON trades(expires_at) WHERE status = 'OPEN';
CREATE INDEX IF NOT EXISTS idx_trades_user     ON trades(user_id, status);
CREATE INDEX IF NOT EXISTS idx_vaults_status   ON vaults(status, created_at);
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pgOps
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pgOps: pgOps{q: pool}, pool: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// SupportsTransactions opens and rolls back a trial transaction. Statement
// level poolers in front of PostgreSQL fail this check.
func (s *PostgresStore) SupportsTransactions(ctx context.Context) bool {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false
	}
	defer tx.Rollback(ctx)
	var one int
	if err := tx.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return false
	}
	return true
}

func (s *PostgresStore) Atomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(ctx, &pgOps{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	committed = true
	return nil
}

// pgOps implements Tx on top of a pool or an open transaction.
type pgOps struct {
	q querier
}

// numParser accumulates the first NUMERIC parse failure.
type numParser struct {
	err error
}

func (p *numParser) parse(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("parse numeric %q: %w", s, err)
	}
	return d
}

func mapErr(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", what, ErrDuplicate)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func balanceColumn(mode model.Mode) (string, error) {
	switch mode {
	case model.ModeLive:
		return "live_balance", nil
	case model.ModeBonus:
		return "bonus_balance", nil
	case model.ModeDemo:
		return "demo_balance", nil
	}
	return "", fmt.Errorf("unknown balance mode %q", mode)
}

// --- Wallets ---

func (s *pgOps) CreateWallet(ctx context.Context, w *model.Wallet) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO wallets (id, user_id, live_balance, bonus_balance, demo_balance, created_at, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7)`,
		w.ID, w.UserID,
		w.LiveBalance.String(), w.BonusBalance.String(), w.DemoBalance.String(),
		w.CreatedAt, w.UpdatedAt,
	)
	return mapErr(err, "create wallet "+w.UserID)
}

func (s *pgOps) GetWallet(ctx context.Context, userID string) (*model.Wallet, error) {
	var w model.Wallet
	var live, bonus, demo string

	err := s.q.QueryRow(ctx,
		`SELECT id, user_id, live_balance::TEXT, bonus_balance::TEXT, demo_balance::TEXT, created_at, updated_at
		 FROM wallets WHERE user_id = $1`, userID).
		Scan(&w.ID, &w.UserID, &live, &bonus, &demo, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "get wallet "+userID)
	}

	var p numParser
	w.LiveBalance = p.parse(live)
	w.BonusBalance = p.parse(bonus)
	w.DemoBalance = p.parse(demo)
	return &w, p.err
}

func (s *pgOps) AdjustBalance(ctx context.Context, walletID string, mode model.Mode, delta decimal.Decimal) error {
	col, err := balanceColumn(mode)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE wallets SET `+col+` = `+col+` + $2::NUMERIC, updated_at = now()
		 WHERE id = $1 AND `+col+` + $2::NUMERIC >= 0`,
		walletID, delta.String(),
	)
	if err != nil {
		return fmt.Errorf("adjust wallet %s: %w", walletID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallets WHERE id = $1)`, walletID).Scan(&exists); err != nil {
		return fmt.Errorf("adjust wallet %s: %w", walletID, err)
	}
	if !exists {
		return fmt.Errorf("wallet %s: %w", walletID, ErrNotFound)
	}
	return ErrInsufficientFunds
}

// --- Immutable ledger ---

func (s *pgOps) InsertLedgerEntry(ctx context.Context, e *model.LedgerEntry) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO ledger_entries (id, wallet_id, user_id, vault_id, type, mode, amount, reference_type, reference_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, $10)`,
		e.ID, e.WalletID, e.UserID, e.VaultID, string(e.Type), string(e.Mode),
		e.Amount.String(), e.ReferenceType, e.ReferenceID, e.CreatedAt,
	)
	return mapErr(err, "insert ledger entry")
}

const ledgerColumns = `id, wallet_id, user_id, vault_id, type, mode, amount::TEXT, reference_type, reference_id, created_at`

func (s *pgOps) LedgerEntriesByWallet(ctx context.Context, walletID string) ([]model.LedgerEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE wallet_id = $1 ORDER BY seq`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func (s *pgOps) LedgerEntriesByVault(ctx context.Context, vaultID string) ([]model.LedgerEntry, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+ledgerColumns+` FROM ledger_entries WHERE vault_id = $1 ORDER BY seq`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLedgerEntries(rows)
}

func scanLedgerEntries(rows pgx.Rows) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	var p numParser
	for rows.Next() {
		var e model.LedgerEntry
		var typ, mode, amount string

		if err := rows.Scan(&e.ID, &e.WalletID, &e.UserID, &e.VaultID, &typ, &mode,
			&amount, &e.ReferenceType, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Type = model.LedgerType(typ)
		e.Mode = model.Mode(mode)
		e.Amount = p.parse(amount)
		entries = append(entries, e)
	}
	if p.err != nil {
		return nil, p.err
	}
	return entries, rows.Err()
}

// --- Trades ---

const tradeColumns = `id, user_id, wallet_id, mode, symbol, direction,
	stake::TEXT, payout_percent::TEXT, entry_price::TEXT, exit_price::TEXT, price_source,
	status, outcome, payout_amount::TEXT, platform_fee::TEXT,
	bot_id, vault_id, is_insured, expires_at, settled_at, created_at`

func (s *pgOps) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO trades (id, user_id, wallet_id, mode, symbol, direction, stake, payout_percent,
		                     entry_price, status, bot_id, vault_id, is_insured, expires_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.UserID, t.WalletID, string(t.Mode), t.Symbol, string(t.Direction),
		t.Stake.String(), t.PayoutPercent.String(), t.EntryPrice.String(),
		string(t.Status), t.BotID, t.VaultID, t.IsInsured, t.ExpiresAt, t.CreatedAt,
	)
	return mapErr(err, "insert trade "+t.ID)
}

func (s *pgOps) GetTrade(ctx context.Context, id string) (*model.Trade, error) {
	rows, err := s.q.Query(ctx, `SELECT `+tradeColumns+` FROM trades WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	trades, err := scanTrades(rows)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, fmt.Errorf("trade %s: %w", id, ErrNotFound)
	}
	return &trades[0], nil
}

func (s *pgOps) MarkTradeSettled(ctx context.Context, t *model.Trade) error {
	var exit *string
	if t.ExitPrice != nil {
		v := t.ExitPrice.String()
		exit = &v
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE trades
		 SET status = 'SETTLED', exit_price = $2::NUMERIC, price_source = $3, outcome = $4,
		     payout_amount = $5::NUMERIC, platform_fee = $6::NUMERIC, settled_at = $7
		 WHERE id = $1 AND status = 'OPEN'`,
		t.ID, exit, string(t.PriceSource), string(t.Outcome),
		t.PayoutAmount.String(), t.PlatformFee.String(), t.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("settle trade %s: %w", t.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM trades WHERE id = $1)`, t.ID).Scan(&exists); err != nil {
			return fmt.Errorf("settle trade %s: %w", t.ID, err)
		}
		if !exists {
			return fmt.Errorf("trade %s: %w", t.ID, ErrNotFound)
		}
		return fmt.Errorf("trade %s: %w", t.ID, ErrAlreadySettled)
	}
	return nil
}

func (s *pgOps) ListExpiredOpenTrades(ctx context.Context, before time.Time, limit int) ([]model.Trade, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades
		 WHERE status = 'OPEN' AND expires_at < $1
		 ORDER BY expires_at LIMIT NULLIF($2, 0)`, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *pgOps) CountOpenTradesByBot(ctx context.Context) (map[string]int64, error) {
	rows, err := s.q.Query(ctx,
		`SELECT bot_id, COUNT(*) FROM trades WHERE status = 'OPEN' AND bot_id <> '' GROUP BY bot_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var botID string
		var n int64
		if err := rows.Scan(&botID, &n); err != nil {
			return nil, err
		}
		counts[botID] = n
	}
	return counts, rows.Err()
}

func (s *pgOps) CountOpenTradesByVault(ctx context.Context, vaultID string) (int64, error) {
	var n int64
	err := s.q.QueryRow(ctx,
		`SELECT COUNT(*) FROM trades WHERE status = 'OPEN' AND vault_id = $1`, vaultID).Scan(&n)
	return n, err
}

func (s *pgOps) OpenStakeBySymbol(ctx context.Context, userID string) (map[string]decimal.Decimal, error) {
	rows, err := s.q.Query(ctx,
		`SELECT symbol, COALESCE(SUM(stake), 0)::TEXT FROM trades
		 WHERE status = 'OPEN' AND user_id = $1 GROUP BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var p numParser
	stakes := make(map[string]decimal.Decimal)
	for rows.Next() {
		var symbol, total string
		if err := rows.Scan(&symbol, &total); err != nil {
			return nil, err
		}
		stakes[symbol] = p.parse(total)
	}
	if p.err != nil {
		return nil, p.err
	}
	return stakes, rows.Err()
}

func scanTrades(rows pgx.Rows) ([]model.Trade, error) {
	var trades []model.Trade
	var p numParser
	for rows.Next() {
		var t model.Trade
		var mode, direction, status, outcome, source string
		var stake, payoutPct, entry, payout, fee string
		var exit *string

		if err := rows.Scan(&t.ID, &t.UserID, &t.WalletID, &mode, &t.Symbol, &direction,
			&stake, &payoutPct, &entry, &exit, &source,
			&status, &outcome, &payout, &fee,
			&t.BotID, &t.VaultID, &t.IsInsured, &t.ExpiresAt, &t.SettledAt, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Mode = model.Mode(mode)
		t.Direction = model.Direction(direction)
		t.Status = model.TradeStatus(status)
		t.Outcome = model.Outcome(outcome)
		t.PriceSource = model.PriceSource(source)
		t.Stake = p.parse(stake)
		t.PayoutPercent = p.parse(payoutPct)
		t.EntryPrice = p.parse(entry)
		t.PayoutAmount = p.parse(payout)
		t.PlatformFee = p.parse(fee)
		if exit != nil {
			v := p.parse(*exit)
			t.ExitPrice = &v
		}
		trades = append(trades, t)
	}
	if p.err != nil {
		return nil, p.err
	}
	return trades, rows.Err()
}

// --- Bots ---

const botColumns = `id, owner_id, name, status, is_public, is_premium,
	profit_share_percent::TEXT, stop_loss::TEXT, take_profit::TEXT, max_active_trades,
	total_trades, wins, losses, draws, net_pnl::TEXT, active_trades, created_at`

func (s *pgOps) CreateBot(ctx context.Context, b *model.Bot) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO bots (id, owner_id, name, status, is_public, is_premium,
		                   profit_share_percent, stop_loss, take_profit, max_active_trades, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		b.ID, b.OwnerID, b.Name, string(b.Status), b.IsPublic, b.IsPremium,
		b.ProfitSharePercent.String(), b.StopLoss.String(), b.TakeProfit.String(),
		b.MaxActiveTrades, b.CreatedAt,
	)
	return mapErr(err, "create bot "+b.ID)
}

func (s *pgOps) GetBot(ctx context.Context, id string) (*model.Bot, error) {
	return scanBot(s.q.QueryRow(ctx, `SELECT `+botColumns+` FROM bots WHERE id = $1`, id), id)
}

func (s *pgOps) ListBots(ctx context.Context) ([]model.Bot, error) {
	rows, err := s.q.Query(ctx, `SELECT `+botColumns+` FROM bots ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var bots []model.Bot
	for rows.Next() {
		b, err := scanBot(rows, "")
		if err != nil {
			return nil, err
		}
		bots = append(bots, *b)
	}
	return bots, rows.Err()
}

func (s *pgOps) RecordBotOpen(ctx context.Context, id string) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE bots SET total_trades = total_trades + 1, active_trades = active_trades + 1 WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("record bot open %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *pgOps) RecordBotSettlement(ctx context.Context, id string, outcome model.Outcome, pnl decimal.Decimal) (*model.Bot, error) {
	var win, loss, draw int
	switch outcome {
	case model.OutcomeWin:
		win = 1
	case model.OutcomeLoss:
		loss = 1
	case model.OutcomeDraw:
		draw = 1
	}
	row := s.q.QueryRow(ctx,
		`UPDATE bots
		 SET active_trades = GREATEST(active_trades - 1, 0),
		     wins = wins + $2, losses = losses + $3, draws = draws + $4,
		     net_pnl = net_pnl + $5::NUMERIC
		 WHERE id = $1
		 RETURNING `+botColumns,
		id, win, loss, draw, pnl.String(),
	)
	return scanBot(row, id)
}

func (s *pgOps) SetBotStatus(ctx context.Context, id string, status model.BotStatus) error {
	tag, err := s.q.Exec(ctx, `UPDATE bots SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return fmt.Errorf("set bot status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("bot %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *pgOps) SetBotActiveTrades(ctx context.Context, id string, expected, n int64) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE bots SET active_trades = $3 WHERE id = $1 AND active_trades = $2`, id, expected, n)
	if err != nil {
		return fmt.Errorf("set bot active trades %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetBot(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("bot %s: %w", id, ErrConflict)
	}
	return nil
}

func scanBot(row pgx.Row, id string) (*model.Bot, error) {
	var b model.Bot
	var status, share, stopLoss, takeProfit, pnl string

	err := row.Scan(&b.ID, &b.OwnerID, &b.Name, &status, &b.IsPublic, &b.IsPremium,
		&share, &stopLoss, &takeProfit, &b.MaxActiveTrades,
		&b.Stats.TotalTrades, &b.Stats.Wins, &b.Stats.Losses, &b.Stats.Draws, &pnl,
		&b.Stats.ActiveTrades, &b.CreatedAt)
	if err != nil {
		return nil, mapErr(err, "bot "+id)
	}

	var p numParser
	b.Status = model.BotStatus(status)
	b.ProfitSharePercent = p.parse(share)
	b.StopLoss = p.parse(stopLoss)
	b.TakeProfit = p.parse(takeProfit)
	b.Stats.NetPnL = p.parse(pnl)
	return &b, p.err
}

// --- Vaults ---

const vaultColumns = `id, creator_id, bot_id, name, target_amount::TEXT, duration_days,
	creator_collateral_percent::TEXT, profit_share_percent::TEXT, status,
	total_pool_amount::TEXT, user_pool_amount::TEXT, creator_locked_amount::TEXT,
	created_at, started_at, ends_at, settled_at`

func (s *pgOps) CreateVault(ctx context.Context, v *model.Vault) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO vaults (id, creator_id, bot_id, name, target_amount, duration_days,
		                     creator_collateral_percent, profit_share_percent, status,
		                     total_pool_amount, user_pool_amount, creator_locked_amount, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7::NUMERIC, $8::NUMERIC, $9,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13)`,
		v.ID, v.CreatorID, v.BotID, v.Name, v.TargetAmount.String(), v.DurationDays,
		v.CreatorCollateralPercent.String(), v.ProfitSharePercent.String(), string(v.Status),
		v.TotalPoolAmount().String(), v.UserPoolAmount().String(), v.CreatorLockedAmount.String(),
		v.CreatedAt,
	)
	return mapErr(err, "create vault "+v.ID)
}

func (s *pgOps) GetVault(ctx context.Context, id string) (*model.Vault, error) {
	return scanVault(s.q.QueryRow(ctx, `SELECT `+vaultColumns+` FROM vaults WHERE id = $1`, id), id)
}

func (s *pgOps) ListVaults(ctx context.Context, status model.VaultStatus) ([]model.Vault, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+vaultColumns+` FROM vaults WHERE status = $1 ORDER BY created_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vaults []model.Vault
	for rows.Next() {
		v, err := scanVault(rows, "")
		if err != nil {
			return nil, err
		}
		vaults = append(vaults, *v)
	}
	return vaults, rows.Err()
}

func (s *pgOps) AddVaultPrincipal(ctx context.Context, id string, delta decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE vaults
		 SET user_pool_amount = user_pool_amount + $2::NUMERIC,
		     total_pool_amount = total_pool_amount + $2::NUMERIC
		 WHERE id = $1 AND status = 'FUNDING'
		   AND user_pool_amount + $2::NUMERIC >= 0
		   AND user_pool_amount + $2::NUMERIC <= target_amount`,
		id, delta.String(),
	)
	if err != nil {
		return fmt.Errorf("add vault principal %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.vaultMissOr(ctx, id, ErrConflict)
}

func (s *pgOps) AdjustVaultNAV(ctx context.Context, id string, delta decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE vaults SET total_pool_amount = total_pool_amount + $2::NUMERIC
		 WHERE id = $1 AND status = 'ACTIVE' AND total_pool_amount + $2::NUMERIC >= 0`,
		id, delta.String(),
	)
	if err != nil {
		return fmt.Errorf("adjust vault nav %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	var status string
	if err := s.q.QueryRow(ctx, `SELECT status FROM vaults WHERE id = $1`, id).Scan(&status); err != nil {
		return mapErr(err, "vault "+id)
	}
	if model.VaultStatus(status) != model.VaultActive {
		return ErrConflict
	}
	return ErrInsufficientFunds
}

func (s *pgOps) TransitionVault(ctx context.Context, from model.VaultStatus, v *model.Vault) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE vaults
		 SET status = $3, creator_locked_amount = $4::NUMERIC,
		     started_at = $5, ends_at = $6, settled_at = $7
		 WHERE id = $1 AND status = $2`,
		v.ID, string(from), string(v.Status), v.CreatorLockedAmount.String(),
		v.StartedAt, v.EndsAt, v.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("transition vault %s: %w", v.ID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	return s.vaultMissOr(ctx, v.ID, ErrConflict)
}

func (s *pgOps) vaultMissOr(ctx context.Context, id string, otherwise error) error {
	var exists bool
	if err := s.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM vaults WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("vault %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("vault %s: %w", id, ErrNotFound)
	}
	return otherwise
}

func scanVault(row pgx.Row, id string) (*model.Vault, error) {
	var v model.Vault
	var target, collateralPct, sharePct, status, total, user, locked string

	err := row.Scan(&v.ID, &v.CreatorID, &v.BotID, &v.Name, &target, &v.DurationDays,
		&collateralPct, &sharePct, &status, &total, &user, &locked,
		&v.CreatedAt, &v.StartedAt, &v.EndsAt, &v.SettledAt)
	if err != nil {
		return nil, mapErr(err, "vault "+id)
	}

	var p numParser
	v.Status = model.VaultStatus(status)
	v.TargetAmount = p.parse(target)
	v.CreatorCollateralPercent = p.parse(collateralPct)
	v.ProfitSharePercent = p.parse(sharePct)
	v.CreatorLockedAmount = p.parse(locked)
	totalAmt, userAmt := p.parse(total), p.parse(user)
	if p.err != nil {
		return nil, p.err
	}
	pool, err := model.RestorePool(v.Status, totalAmt, userAmt)
	if err != nil {
		return nil, fmt.Errorf("vault %s: %w", v.ID, err)
	}
	v.Pool = pool
	return &v, nil
}

// --- Participations ---

const participationColumns = `id, vault_id, user_id, amount_locked::TEXT, is_insured,
	insurance_fee_paid::TEXT, insurance_coverage::TEXT, status, final_payout::TEXT, net_pnl::TEXT,
	platform_fee::TEXT, creator_fee::TEXT, insurance_paid::TEXT, created_at, settled_at`

func (s *pgOps) GetParticipation(ctx context.Context, vaultID, userID string) (*model.VaultParticipation, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+participationColumns+` FROM vault_participations WHERE vault_id = $1 AND user_id = $2`,
		vaultID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	parts, err := scanParticipations(rows)
	if err != nil {
		return nil, err
	}
	if len(parts) == 0 {
		return nil, fmt.Errorf("participation %s/%s: %w", vaultID, userID, ErrNotFound)
	}
	return &parts[0], nil
}

func (s *pgOps) AddParticipation(ctx context.Context, p *model.VaultParticipation) error {
	tag, err := s.q.Exec(ctx,
		`INSERT INTO vault_participations (id, vault_id, user_id, amount_locked, is_insured,
		                                   insurance_fee_paid, insurance_coverage, status, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)
		 ON CONFLICT (vault_id, user_id) DO UPDATE SET
		     amount_locked = vault_participations.amount_locked + EXCLUDED.amount_locked,
		     insurance_fee_paid = vault_participations.insurance_fee_paid + EXCLUDED.insurance_fee_paid,
		     insurance_coverage = vault_participations.insurance_coverage + EXCLUDED.insurance_coverage,
		     is_insured = vault_participations.is_insured OR EXCLUDED.is_insured
		 WHERE vault_participations.status = 'ACTIVE'`,
		p.ID, p.VaultID, p.UserID, p.AmountLocked.String(), p.IsInsured,
		p.InsuranceFeePaid.String(), p.InsuranceCoverage.String(), string(p.Status), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("add participation %s/%s: %w", p.VaultID, p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func (s *pgOps) ListParticipations(ctx context.Context, vaultID string) ([]model.VaultParticipation, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+participationColumns+` FROM vault_participations
		 WHERE vault_id = $1 ORDER BY created_at, id`, vaultID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanParticipations(rows)
}

func (s *pgOps) CloseParticipation(ctx context.Context, p *model.VaultParticipation) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE vault_participations
		 SET status = $3, final_payout = $4::NUMERIC, net_pnl = $5::NUMERIC,
		     platform_fee = $6::NUMERIC, creator_fee = $7::NUMERIC, insurance_paid = $8::NUMERIC,
		     settled_at = $9
		 WHERE vault_id = $1 AND user_id = $2 AND status = 'ACTIVE'`,
		p.VaultID, p.UserID, string(p.Status), p.FinalPayout.String(), p.NetPnL.String(),
		p.PlatformFee.String(), p.CreatorFee.String(), p.InsurancePaid.String(), p.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("close participation %s/%s: %w", p.VaultID, p.UserID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

func scanParticipations(rows pgx.Rows) ([]model.VaultParticipation, error) {
	var parts []model.VaultParticipation
	var p numParser
	for rows.Next() {
		var vp model.VaultParticipation
		var amount, fee, coverage, status, payout, pnl, platformFee, creatorFee, paid string

		if err := rows.Scan(&vp.ID, &vp.VaultID, &vp.UserID, &amount, &vp.IsInsured,
			&fee, &coverage, &status, &payout, &pnl,
			&platformFee, &creatorFee, &paid, &vp.CreatedAt, &vp.SettledAt); err != nil {
			return nil, err
		}
		vp.Status = model.ParticipationStatus(status)
		vp.AmountLocked = p.parse(amount)
		vp.InsuranceFeePaid = p.parse(fee)
		vp.InsuranceCoverage = p.parse(coverage)
		vp.FinalPayout = p.parse(payout)
		vp.NetPnL = p.parse(pnl)
		vp.PlatformFee = p.parse(platformFee)
		vp.CreatorFee = p.parse(creatorFee)
		vp.InsurancePaid = p.parse(paid)
		parts = append(parts, vp)
	}
	if p.err != nil {
		return nil, p.err
	}
	return parts, rows.Err()
}
