package model

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// VaultStatus is the lifecycle state of an investment vault.
type VaultStatus string

const (
	VaultFunding   VaultStatus = "FUNDING"
	VaultLocked    VaultStatus = "LOCKED"
	VaultActive    VaultStatus = "ACTIVE"
	VaultSettled   VaultStatus = "SETTLED"
	VaultCancelled VaultStatus = "CANCELLED"
	VaultFailed    VaultStatus = "FAILED"
)

// ErrPoolMismatch is returned when persisted pool amounts contradict the
// vault's status (a funding vault whose NAV differs from its principal).
var ErrPoolMismatch = errors.New("model: funding vault pool NAV differs from principal")

// Pool is the accounting state of a vault's capital. Before trading starts
// the pool is a FundingPool whose NAV is its principal by construction; once
// activated it is an ActivePool where NAV moves with trading P&L and the
// principal is frozen.
type Pool interface {
	Principal() decimal.Decimal
	NAV() decimal.Decimal
	isPool()
}

// FundingPool is the pool of a vault that has not started trading.
type FundingPool struct {
	Amount decimal.Decimal
}

func (p FundingPool) Principal() decimal.Decimal { return p.Amount }
func (p FundingPool) NAV() decimal.Decimal       { return p.Amount }
func (FundingPool) isPool()                      {}

// Add returns the pool after raising amount more principal.
func (p FundingPool) Add(amount decimal.Decimal) FundingPool {
	return FundingPool{Amount: p.Amount.Add(amount)}
}

// Activate freezes the raised principal as the investor reference.
func (p FundingPool) Activate() ActivePool {
	return ActivePool{Invested: p.Amount, Current: p.Amount}
}

// ActivePool is the pool of a trading (or settled) vault.
type ActivePool struct {
	Invested decimal.Decimal // investor principal, frozen at activation
	Current  decimal.Decimal // net asset value
}

func (p ActivePool) Principal() decimal.Decimal { return p.Invested }
func (p ActivePool) NAV() decimal.Decimal       { return p.Current }
func (ActivePool) isPool()                      {}

// Apply returns the pool after a realized trading delta.
func (p ActivePool) Apply(delta decimal.Decimal) ActivePool {
	return ActivePool{Invested: p.Invested, Current: p.Current.Add(delta)}
}

// PnL is NAV minus principal.
func (p ActivePool) PnL() decimal.Decimal { return p.Current.Sub(p.Invested) }

// RestorePool rebuilds the tagged pool from persisted totals.
func RestorePool(status VaultStatus, total, user decimal.Decimal) (Pool, error) {
	switch status {
	case VaultFunding, VaultCancelled, VaultFailed:
		if !total.Equal(user) {
			return nil, ErrPoolMismatch
		}
		return FundingPool{Amount: user}, nil
	default:
		return ActivePool{Invested: user, Current: total}, nil
	}
}

// Vault is a crowdfunded, bot-managed trading pool with a fixed duration.
type Vault struct {
	ID                       string
	CreatorID                string
	BotID                    string
	Name                     string
	TargetAmount             decimal.Decimal
	DurationDays             int
	CreatorCollateralPercent decimal.Decimal
	ProfitSharePercent       decimal.Decimal
	Status                   VaultStatus
	Pool                     Pool
	CreatorLockedAmount      decimal.Decimal
	CreatedAt                time.Time
	StartedAt                *time.Time
	EndsAt                   *time.Time
	SettledAt                *time.Time
}

// TotalPoolAmount is the vault's current NAV.
func (v *Vault) TotalPoolAmount() decimal.Decimal {
	if v.Pool == nil {
		return decimal.Zero
	}
	return v.Pool.NAV()
}

// UserPoolAmount is the investor principal.
func (v *Vault) UserPoolAmount() decimal.Decimal {
	if v.Pool == nil {
		return decimal.Zero
	}
	return v.Pool.Principal()
}

// Remaining is how much more principal the vault can raise.
func (v *Vault) Remaining() decimal.Decimal {
	r := v.TargetAmount.Sub(v.UserPoolAmount())
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

type vaultJSON struct {
	ID                       string          `json:"id"`
	CreatorID                string          `json:"creator_id"`
	BotID                    string          `json:"bot_id"`
	Name                     string          `json:"name"`
	TargetAmount             decimal.Decimal `json:"target_amount"`
	DurationDays             int             `json:"duration_days"`
	CreatorCollateralPercent decimal.Decimal `json:"creator_collateral_percent"`
	ProfitSharePercent       decimal.Decimal `json:"profit_share_percent"`
	Status                   VaultStatus     `json:"status"`
	TotalPoolAmount          decimal.Decimal `json:"total_pool_amount"`
	UserPoolAmount           decimal.Decimal `json:"user_pool_amount"`
	CreatorLockedAmount      decimal.Decimal `json:"creator_locked_amount"`
	CreatedAt                time.Time       `json:"created_at"`
	StartedAt                *time.Time      `json:"started_at"`
	EndsAt                   *time.Time      `json:"ends_at"`
	SettledAt                *time.Time      `json:"settled_at"`
}

// MarshalJSON flattens the tagged pool into total/user amounts.
func (v Vault) MarshalJSON() ([]byte, error) {
	return json.Marshal(vaultJSON{
		ID:                       v.ID,
		CreatorID:                v.CreatorID,
		BotID:                    v.BotID,
		Name:                     v.Name,
		TargetAmount:             v.TargetAmount,
		DurationDays:             v.DurationDays,
		CreatorCollateralPercent: v.CreatorCollateralPercent,
		ProfitSharePercent:       v.ProfitSharePercent,
		Status:                   v.Status,
		TotalPoolAmount:          v.TotalPoolAmount(),
		UserPoolAmount:           v.UserPoolAmount(),
		CreatorLockedAmount:      v.CreatorLockedAmount,
		CreatedAt:                v.CreatedAt,
		StartedAt:                v.StartedAt,
		EndsAt:                   v.EndsAt,
		SettledAt:                v.SettledAt,
	})
}

// UnmarshalJSON rebuilds the tagged pool from total/user amounts.
func (v *Vault) UnmarshalJSON(data []byte) error {
	var raw vaultJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	pool, err := RestorePool(raw.Status, raw.TotalPoolAmount, raw.UserPoolAmount)
	if err != nil {
		return err
	}
	*v = Vault{
		ID:                       raw.ID,
		CreatorID:                raw.CreatorID,
		BotID:                    raw.BotID,
		Name:                     raw.Name,
		TargetAmount:             raw.TargetAmount,
		DurationDays:             raw.DurationDays,
		CreatorCollateralPercent: raw.CreatorCollateralPercent,
		ProfitSharePercent:       raw.ProfitSharePercent,
		Status:                   raw.Status,
		Pool:                     pool,
		CreatorLockedAmount:      raw.CreatorLockedAmount,
		CreatedAt:                raw.CreatedAt,
		StartedAt:                raw.StartedAt,
		EndsAt:                   raw.EndsAt,
		SettledAt:                raw.SettledAt,
	}
	return nil
}

// ParticipationStatus is the state of one investor's stake in a vault.
type ParticipationStatus string

const (
	ParticipationActive   ParticipationStatus = "ACTIVE"
	ParticipationSettled  ParticipationStatus = "SETTLED"
	ParticipationRefunded ParticipationStatus = "REFUNDED"
)

// VaultParticipation is one investor's position in one vault.
type VaultParticipation struct {
	ID                string              `json:"id" db:"id"`
	VaultID           string              `json:"vault_id" db:"vault_id"`
	UserID            string              `json:"user_id" db:"user_id"`
	AmountLocked      decimal.Decimal     `json:"amount_locked" db:"amount_locked"`
	IsInsured         bool                `json:"is_insured" db:"is_insured"`
	InsuranceFeePaid  decimal.Decimal     `json:"insurance_fee_paid" db:"insurance_fee_paid"`
	InsuranceCoverage decimal.Decimal     `json:"insurance_coverage" db:"insurance_coverage"` // compensation ceiling
	Status            ParticipationStatus `json:"status" db:"status"`
	FinalPayout       decimal.Decimal     `json:"final_payout" db:"final_payout"`
	NetPnL            decimal.Decimal     `json:"net_pnl" db:"net_pnl"`
	PlatformFee       decimal.Decimal     `json:"platform_fee" db:"platform_fee"`
	CreatorFee        decimal.Decimal     `json:"creator_fee" db:"creator_fee"`
	InsurancePaid     decimal.Decimal     `json:"insurance_paid" db:"insurance_paid"`
	CreatedAt         time.Time           `json:"created_at" db:"created_at"`
	SettledAt         *time.Time          `json:"settled_at" db:"settled_at"`
}
