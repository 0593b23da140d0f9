package market

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches BASE/QUOTE pairs (BTC/USDT, EUR-USD) and single
// listings (AAPL, BRK.B).
var symbolRegex = regexp.MustCompile(`^([A-Z0-9.]{1,12})(?:[/\-]([A-Z0-9]{2,8}))?$`)

var ErrInvalidSymbol = errors.New("market: invalid symbol")

// Symbol is a parsed instrument symbol.
type Symbol struct {
	Base  string `json:"base"`
	Quote string `json:"quote,omitempty"`
}

// String returns the canonical form: BASE/QUOTE, or BASE for single listings.
func (s Symbol) String() string {
	if s.Quote == "" {
		return s.Base
	}
	return s.Base + "/" + s.Quote
}

// ParseSymbol parses and normalizes a symbol. Case and surrounding spaces
// are ignored; "-" is accepted as a pair separator.
func ParseSymbol(raw string) (Symbol, error) {
	norm := strings.ToUpper(strings.TrimSpace(raw))
	matches := symbolRegex.FindStringSubmatch(norm)
	if matches == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected BASE/QUOTE or TICKER)", ErrInvalidSymbol, raw)
	}
	if strings.Trim(matches[1], ".") == "" {
		return Symbol{}, fmt.Errorf("%w: %q", ErrInvalidSymbol, raw)
	}
	return Symbol{Base: matches[1], Quote: matches[2]}, nil
}

// Canonical parses raw and returns its canonical string.
func Canonical(raw string) (string, error) {
	s, err := ParseSymbol(raw)
	if err != nil {
		return "", err
	}
	return s.String(), nil
}
