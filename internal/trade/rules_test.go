package trade_test

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/model"
	"github.com/atmx/settlement-engine/internal/trade"
)

func TestDecideOutcome(t *testing.T) {
	tests := []struct {
		dir         model.Direction
		entry, exit float64
		want        model.Outcome
	}{
		{model.DirectionUp, 100, 101, model.OutcomeWin},
		{model.DirectionUp, 100, 99, model.OutcomeLoss},
		{model.DirectionDown, 100, 99, model.OutcomeWin},
		{model.DirectionDown, 100, 101, model.OutcomeLoss},
		{model.DirectionUp, 100, 100, model.OutcomeDraw},
		{model.DirectionDown, 1.08525, 1.08525, model.OutcomeDraw},
	}
	for _, tt := range tests {
		got := trade.DecideOutcome(tt.dir, d(tt.entry), d(tt.exit))
		if got != tt.want {
			t.Errorf("DecideOutcome(%s, %v, %v) = %s, want %s", tt.dir, tt.entry, tt.exit, got, tt.want)
		}
	}
}

func TestComputePayout_Examples(t *testing.T) {
	tests := []struct {
		name                 string
		outcome              model.Outcome
		stake, pct, share    float64
		insured              bool
		gross, fee, net, pnl float64
	}{
		{"win", model.OutcomeWin, 100, 85, 0, false, 185, 0, 185, 85},
		{"win with profit share", model.OutcomeWin, 100, 85, 50, false, 185, 42.5, 142.5, 42.5},
		{"draw", model.OutcomeDraw, 100, 85, 50, false, 100, 0, 100, 0},
		{"insured loss", model.OutcomeLoss, 50, 85, 50, true, 50, 0, 50, 0},
		{"loss", model.OutcomeLoss, 50, 85, 0, false, 0, 0, 0, -50},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := trade.ComputePayout(tt.outcome, d(tt.stake), d(tt.pct), tt.insured, d(tt.share))
			if !p.Gross.Equal(d(tt.gross)) || !p.Fee.Equal(d(tt.fee)) || !p.Net.Equal(d(tt.net)) || !p.PnL.Equal(d(tt.pnl)) {
				t.Errorf("got gross=%s fee=%s net=%s pnl=%s, want %v %v %v %v",
					p.Gross, p.Fee, p.Net, p.PnL, tt.gross, tt.fee, tt.net, tt.pnl)
			}
		})
	}
}

func TestComputePayout_Properties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	cents := func(n int64) decimal.Decimal { return decimal.New(n, -2) }
	all := []model.Outcome{model.OutcomeWin, model.OutcomeLoss, model.OutcomeDraw}
	outcomes := gen.IntRange(0, len(all)-1).Map(func(i int) model.Outcome { return all[i] })

	properties.Property("net payout never negative and never above gross", prop.ForAll(
		func(o model.Outcome, stake, pct, share int64, insured bool) bool {
			p := trade.ComputePayout(o, cents(stake), decimal.NewFromInt(pct), insured, decimal.NewFromInt(share))
			return !p.Net.IsNegative() && p.Net.LessThanOrEqual(p.Gross) && p.Net.Equal(p.Gross.Sub(p.Fee))
		},
		outcomes, gen.Int64Range(1, 10_000_000), gen.Int64Range(1, 200), gen.Int64Range(0, 100), gen.Bool(),
	))

	properties.Property("fee only comes out of the profit of a win", prop.ForAll(
		func(o model.Outcome, stake, pct, share int64) bool {
			s := cents(stake)
			p := trade.ComputePayout(o, s, decimal.NewFromInt(pct), false, decimal.NewFromInt(share))
			if o != model.OutcomeWin {
				return p.Fee.IsZero()
			}
			return p.Net.GreaterThanOrEqual(s) && p.Fee.LessThanOrEqual(p.Gross.Sub(s))
		},
		outcomes, gen.Int64Range(1, 10_000_000), gen.Int64Range(1, 200), gen.Int64Range(0, 100),
	))

	properties.Property("UP and DOWN are mirror images unless the price is unchanged", prop.ForAll(
		func(entry, exit int64) bool {
			up := trade.DecideOutcome(model.DirectionUp, cents(entry), cents(exit))
			down := trade.DecideOutcome(model.DirectionDown, cents(entry), cents(exit))
			if entry == exit {
				return up == model.OutcomeDraw && down == model.OutcomeDraw
			}
			return (up == model.OutcomeWin) == (down == model.OutcomeLoss) && up != down
		},
		gen.Int64Range(1, 1_000_000), gen.Int64Range(1, 1_000_000),
	))

	properties.TestingRun(t)
}
