package trade

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
)

// DecideOutcome applies the directional rule: UP wins when the exit is above
// the entry, DOWN wins when it is below, an unchanged price is a draw.
func DecideOutcome(dir model.Direction, entry, exit decimal.Decimal) model.Outcome {
	switch cmp := exit.Cmp(entry); {
	case cmp == 0:
		return model.OutcomeDraw
	case cmp > 0 && dir == model.DirectionUp, cmp < 0 && dir == model.DirectionDown:
		return model.OutcomeWin
	default:
		return model.OutcomeLoss
	}
}

// Payout is the money side of one settled trade.
type Payout struct {
	Gross decimal.Decimal // payout ledger entry, before fee
	Fee   decimal.Decimal // profit-share fee, positive, ledgered as a debit
	Net   decimal.Decimal // credited amount: Gross - Fee
	PnL   decimal.Decimal // Net - stake
}

// ComputePayout prices an outcome.
//
//	WIN           gross = stake + stake*payoutPercent/100, fee = profit*profitShare/100
//	DRAW          gross = stake
//	LOSS insured  gross = stake (full refund)
//	LOSS          gross = 0
//
// The fee only ever applies to the profit portion of a WIN.
func ComputePayout(outcome model.Outcome, stake, payoutPercent decimal.Decimal, insured bool, profitSharePercent decimal.Decimal) Payout {
	var p Payout
	switch outcome {
	case model.OutcomeWin:
		profit := stake.Mul(payoutPercent).Div(model.Hundred).Round(model.MoneyScale)
		p.Gross = stake.Add(profit)
		if profitSharePercent.IsPositive() {
			p.Fee = profit.Mul(profitSharePercent).Div(model.Hundred).Round(model.MoneyScale)
		}
	case model.OutcomeDraw:
		p.Gross = stake
	case model.OutcomeLoss:
		if insured {
			p.Gross = stake
		}
	}
	p.Net = p.Gross.Sub(p.Fee)
	p.PnL = p.Net.Sub(stake)
	return p
}
