// Package market holds the engine's view of market data: the price oracle,
// the historical candle source and the instrument registry, plus in-memory
// and Redis-backed implementations.
package market

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrNoQuote is returned when no live price exists for a symbol.
	ErrNoQuote = errors.New("market: no quote")

	// ErrNoCandle is returned when no historical bucket exists.
	ErrNoCandle = errors.New("market: no candle")
)

// Quote is the latest price of a symbol with the time it was observed.
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	At     time.Time       `json:"at"`
}

// Age is how old the quote is at now.
func (q *Quote) Age(now time.Time) time.Duration {
	return now.Sub(q.At)
}

// Candle is the close of one minute bucket.
type Candle struct {
	Symbol string          `json:"symbol"`
	Minute time.Time       `json:"minute"`
	Close  decimal.Decimal `json:"close"`
}

// PriceOracle returns live quotes. Implementations return ErrNoQuote when
// nothing is known for the symbol.
type PriceOracle interface {
	Quote(ctx context.Context, symbol string) (*Quote, error)
}

// CandleSource returns historical minute closes, used for late settlement.
// Implementations return ErrNoCandle for a missing bucket.
type CandleSource interface {
	Candle(ctx context.Context, symbol string, minute time.Time) (*Candle, error)
}

// InstrumentRegistry resolves tradable symbols.
type InstrumentRegistry interface {
	Lookup(symbol string) (*Instrument, error)
}

// MinuteBucket truncates t to the start of its UTC minute.
func MinuteBucket(t time.Time) time.Time {
	return t.UTC().Truncate(time.Minute)
}
