// Package model defines the core domain types shared across the settlement engine.
// Money is shopspring/decimal throughout, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places kept on computed amounts.
const MoneyScale int32 = 8

// Hundred is used to turn percent fields into fractions.
var Hundred = decimal.NewFromInt(100)

// Mode selects one of a wallet's independent balances. Live and demo money
// never share a ledger entry; bonus credit has its own stream as well.
type Mode string

const (
	ModeLive  Mode = "LIVE"
	ModeBonus Mode = "BONUS"
	ModeDemo  Mode = "DEMO"
)

// Valid reports whether m names a wallet balance.
func (m Mode) Valid() bool {
	return m == ModeLive || m == ModeBonus || m == ModeDemo
}

// Wallet holds one user's balances. Balances are only changed by signed
// deltas applied by the store, never written as absolute values.
type Wallet struct {
	ID           string          `json:"id" db:"id"`
	UserID       string          `json:"user_id" db:"user_id"`
	LiveBalance  decimal.Decimal `json:"live_balance" db:"live_balance"`
	BonusBalance decimal.Decimal `json:"bonus_balance" db:"bonus_balance"`
	DemoBalance  decimal.Decimal `json:"demo_balance" db:"demo_balance"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}

// Balance returns the balance held in mode.
func (w *Wallet) Balance(mode Mode) decimal.Decimal {
	switch mode {
	case ModeLive:
		return w.LiveBalance
	case ModeBonus:
		return w.BonusBalance
	case ModeDemo:
		return w.DemoBalance
	}
	return decimal.Zero
}

// LedgerType classifies a financial movement.
type LedgerType string

const (
	LedgerOpenHold          LedgerType = "open-hold"
	LedgerPayout            LedgerType = "payout"
	LedgerFee               LedgerType = "fee"
	LedgerInsuranceFee      LedgerType = "insurance-fee"
	LedgerInsurancePayout   LedgerType = "insurance-payout"
	LedgerDeposit           LedgerType = "deposit"
	LedgerWithdrawal        LedgerType = "withdrawal"
	LedgerAdjustment        LedgerType = "adjustment"
	LedgerBonusGrant        LedgerType = "bonus-grant"
	LedgerVaultDeposit      LedgerType = "vault-deposit"
	LedgerCollateralLock    LedgerType = "collateral-lock"
	LedgerCollateralRelease LedgerType = "collateral-release"
	LedgerRefund            LedgerType = "refund"
)

// Reference types point a ledger entry at whatever caused it.
const (
	RefTrade    = "trade"
	RefVault    = "vault"
	RefDeposit  = "deposit"
	RefTransfer = "transfer"
	RefManual   = "manual"
)

// LedgerEntry is an immutable record of one financial movement.
// Once created, these are never modified or deleted. The signed sum of the
// entries for a (wallet, mode) pair equals that wallet's balance in mode.
//
// Entries that move a vault's notional pool carry VaultID and no WalletID.
type LedgerEntry struct {
	ID            string          `json:"id" db:"id"`
	WalletID      string          `json:"wallet_id,omitempty" db:"wallet_id"`
	UserID        string          `json:"user_id,omitempty" db:"user_id"`
	VaultID       string          `json:"vault_id,omitempty" db:"vault_id"`
	Type          LedgerType      `json:"type" db:"type"`
	Mode          Mode            `json:"mode" db:"mode"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed: +credit, -debit
	ReferenceType string          `json:"reference_type" db:"reference_type"`
	ReferenceID   string          `json:"reference_id" db:"reference_id"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// Direction is the predicted price move of a trade.
type Direction string

const (
	DirectionUp   Direction = "UP"
	DirectionDown Direction = "DOWN"
)

// TradeStatus is the lifecycle state of a trade. OPEN → SETTLED happens once.
type TradeStatus string

const (
	TradeOpen    TradeStatus = "OPEN"
	TradeSettled TradeStatus = "SETTLED"
)

// Outcome is the result of a settled trade; empty while the trade is open.
type Outcome string

const (
	OutcomeWin  Outcome = "WIN"
	OutcomeLoss Outcome = "LOSS"
	OutcomeDraw Outcome = "DRAW"
)

// PriceSource records where a settlement exit price came from.
type PriceSource string

const (
	PriceLive         PriceSource = "live"
	PriceCandle       PriceSource = "candle"
	PriceLiveFallback PriceSource = "live-fallback"
)

// Trade is one stake on a short-duration directional prediction.
// Created at open, mutated once at settlement, never deleted.
type Trade struct {
	ID            string           `json:"id" db:"id"`
	UserID        string           `json:"user_id" db:"user_id"`
	WalletID      string           `json:"wallet_id" db:"wallet_id"`
	Mode          Mode             `json:"mode" db:"mode"`
	Symbol        string           `json:"symbol" db:"symbol"`
	Direction     Direction        `json:"direction" db:"direction"`
	Stake         decimal.Decimal  `json:"stake" db:"stake"`
	PayoutPercent decimal.Decimal  `json:"payout_percent" db:"payout_percent"`
	EntryPrice    decimal.Decimal  `json:"entry_price" db:"entry_price"`
	ExitPrice     *decimal.Decimal `json:"exit_price" db:"exit_price"`
	PriceSource   PriceSource      `json:"price_source,omitempty" db:"price_source"`
	Status        TradeStatus      `json:"status" db:"status"`
	Outcome       Outcome          `json:"outcome,omitempty" db:"outcome"`
	PayoutAmount  decimal.Decimal  `json:"payout_amount" db:"payout_amount"`
	PlatformFee   decimal.Decimal  `json:"platform_fee" db:"platform_fee"`
	BotID         string           `json:"bot_id,omitempty" db:"bot_id"`
	VaultID       string           `json:"vault_id,omitempty" db:"vault_id"`
	IsInsured     bool             `json:"is_insured" db:"is_insured"`
	ExpiresAt     time.Time        `json:"expires_at" db:"expires_at"`
	SettledAt     *time.Time       `json:"settled_at" db:"settled_at"`
	CreatedAt     time.Time        `json:"created_at" db:"created_at"`
}

// BotStatus is the operating state of a trading bot.
type BotStatus string

const (
	BotActive   BotStatus = "ACTIVE"
	BotPaused   BotStatus = "PAUSED"
	BotStopped  BotStatus = "STOPPED"
	BotArchived BotStatus = "ARCHIVED"
)

// BotStats is the denormalized statistics block of a bot. ActiveTrades is a
// cache of the bot's OPEN trade count and is periodically rebuilt.
type BotStats struct {
	TotalTrades  int64           `json:"total_trades" db:"total_trades"`
	Wins         int64           `json:"wins" db:"wins"`
	Losses       int64           `json:"losses" db:"losses"`
	Draws        int64           `json:"draws" db:"draws"`
	NetPnL       decimal.Decimal `json:"net_pnl" db:"net_pnl"`
	ActiveTrades int64           `json:"active_trades" db:"active_trades"`
}

// Bot is an automated trading strategy owned by a user.
type Bot struct {
	ID                 string          `json:"id" db:"id"`
	OwnerID            string          `json:"owner_id" db:"owner_id"`
	Name               string          `json:"name" db:"name"`
	Status             BotStatus       `json:"status" db:"status"`
	IsPublic           bool            `json:"is_public" db:"is_public"`
	IsPremium          bool            `json:"is_premium" db:"is_premium"`
	ProfitSharePercent decimal.Decimal `json:"profit_share_percent" db:"profit_share_percent"`
	StopLoss           decimal.Decimal `json:"stop_loss" db:"stop_loss"`     // stop when NetPnL <= -StopLoss; 0 disables
	TakeProfit         decimal.Decimal `json:"take_profit" db:"take_profit"` // stop when NetPnL >= TakeProfit; 0 disables
	MaxActiveTrades    int64           `json:"max_active_trades" db:"max_active_trades"`
	Stats              BotStats        `json:"stats"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// ThresholdCrossed reports whether the bot's cumulative PnL has reached its
// stop-loss or take-profit level. It must be called on post-settlement stats.
func (b *Bot) ThresholdCrossed() (bool, string) {
	pnl := b.Stats.NetPnL
	if b.StopLoss.IsPositive() && pnl.LessThanOrEqual(b.StopLoss.Neg()) {
		return true, "stop-loss"
	}
	if b.TakeProfit.IsPositive() && pnl.GreaterThanOrEqual(b.TakeProfit) {
		return true, "take-profit"
	}
	return false, ""
}
