package risk

import (
	"testing"

	"github.com/shopspring/decimal"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func TestCheckLimit_WithinLimits(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	err := limiter.CheckLimit("BTC/USDT", d(100), nil)
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheckLimit_PerSymbolExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	// Existing open stake of 950 + new 100 = 1050 > 1000.
	open := map[string]decimal.Decimal{
		"BTC/USDT": d(950),
	}

	err := limiter.CheckLimit("BTC/USDT", d(100), open)
	if err != ErrPerSymbolLimitExceeded {
		t.Errorf("expected ErrPerSymbolLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_ExactlyAtLimit(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(5000))

	open := map[string]decimal.Decimal{
		"BTC/USDT": d(900),
	}

	if err := limiter.CheckLimit("BTC/USDT", d(100), open); err != nil {
		t.Errorf("stake landing exactly on the limit should pass, got %v", err)
	}
}

func TestCheckLimit_CorrelatedExceeded(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(2000))

	open := map[string]decimal.Decimal{
		"BTC/USDT": d(800),
		"BTC/EUR":  d(800),
		"BTC/USDC": d(300),
	}

	// total = 200 + 800 + 800 + 300 = 2100 > 2000
	err := limiter.CheckLimit("BTC/GBP", d(200), open)
	if err != ErrCorrelatedLimitExceeded {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

func TestCheckLimit_OtherBasesIgnored(t *testing.T) {
	limiter := NewExposureLimiter(d(1000), d(2000))

	open := map[string]decimal.Decimal{
		"BTC/USDT": d(800),
		"ETH/USDT": d(900), // same quote, different base
	}

	// Correlated total = 500 + 800 = 1300 < 2000.
	if err := limiter.CheckLimit("BTC/EUR", d(500), open); err != nil {
		t.Errorf("other base assets should be ignored, got %v", err)
	}
}

func TestCheckLimit_ZeroDisables(t *testing.T) {
	limiter := NewExposureLimiter(decimal.Zero, decimal.Zero)

	open := map[string]decimal.Decimal{"AAPL": d(1e9)}
	if err := limiter.CheckLimit("AAPL", d(1e9), open); err != nil {
		t.Errorf("zero limits should disable checks, got %v", err)
	}

	var nilLimiter *ExposureLimiter
	if err := nilLimiter.CheckLimit("AAPL", d(1), nil); err != nil {
		t.Errorf("nil limiter should allow everything, got %v", err)
	}
}
