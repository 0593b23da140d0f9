// Package risk implements per-user exposure limits on open trade stake.
//
// A user holding UP trades on BTC/USDT, BTC/EUR and BTC/USDC carries one
// correlated bet on BTC. The limiter caps the open stake on any single symbol
// and the aggregate open stake across all symbols sharing a base asset.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/settlement-engine/internal/market"
)

var (
	// ErrPerSymbolLimitExceeded is returned when a trade would push a single
	// symbol's open stake beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("risk: per-symbol exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a trade would push the
	// aggregate open stake across symbols with the same base asset beyond
	// the correlated maximum.
	ErrCorrelatedLimitExceeded = errors.New("risk: correlated exposure limit exceeded")
)

// ExposureLimiter enforces open-stake limits with base-asset correlation.
// A zero limit disables that check.
type ExposureLimiter struct {
	// MaxPerSymbol is the maximum total open stake in any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxCorrelated is the maximum total open stake across all symbols
	// that share the same base asset.
	MaxCorrelated decimal.Decimal
}

// NewExposureLimiter creates a limiter with the given per-symbol and
// correlated limits.
func NewExposureLimiter(maxPerSymbol, maxCorrelated decimal.Decimal) *ExposureLimiter {
	return &ExposureLimiter{
		MaxPerSymbol:  maxPerSymbol,
		MaxCorrelated: maxCorrelated,
	}
}

// CheckLimit validates whether a new stake respects exposure limits.
//
// Parameters:
//   - symbol: canonical symbol of the trade being opened
//   - stake: stake of the new trade
//   - open: map of symbol → current open stake for this user
//
// Returns nil if the trade is within limits, or an error describing the violation.
func (l *ExposureLimiter) CheckLimit(symbol string, stake decimal.Decimal, open map[string]decimal.Decimal) error {
	if l == nil {
		return nil
	}

	// 1. Per-symbol limit.
	newPosition := open[symbol].Add(stake)
	if l.MaxPerSymbol.IsPositive() && newPosition.GreaterThan(l.MaxPerSymbol) {
		return ErrPerSymbolLimitExceeded
	}

	// 2. Correlated exposure: sum stake across symbols sharing the base.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	target := baseAsset(symbol)
	total := newPosition
	for sym, amount := range open {
		if sym == symbol {
			continue // already counted via newPosition above
		}
		if baseAsset(sym) == target {
			total = total.Add(amount)
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return ErrCorrelatedLimitExceeded
	}
	return nil
}

// baseAsset returns the base of a symbol; unparsable symbols are their own group.
func baseAsset(symbol string) string {
	s, err := market.ParseSymbol(symbol)
	if err != nil {
		return symbol
	}
	return s.Base
}
