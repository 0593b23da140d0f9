package market_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/settlement-engine/internal/market"
)

func TestQuoteBook(t *testing.T) {
	ctx := context.Background()
	book := market.NewQuoteBook()
	at := time.Date(2026, 3, 4, 10, 15, 42, 0, time.UTC)

	_, err := book.Quote(ctx, "BTC/USDT")
	assert.ErrorIs(t, err, market.ErrNoQuote)

	book.SetQuote("BTC/USDT", decimal.NewFromInt(65000), at)
	q, err := book.Quote(ctx, "BTC/USDT")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.NewFromInt(65000)))
	assert.Equal(t, 18*time.Second, q.Age(at.Add(18*time.Second)))

	book.SetCandle("BTC/USDT", at, decimal.NewFromInt(64990))
	c, err := book.Candle(ctx, "BTC/USDT", at.Truncate(time.Minute).Add(59*time.Second))
	require.NoError(t, err)
	assert.True(t, c.Close.Equal(decimal.NewFromInt(64990)))

	_, err = book.Candle(ctx, "BTC/USDT", at.Add(time.Minute))
	assert.ErrorIs(t, err, market.ErrNoCandle)
}

func TestRedisQuotes(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	ctx := context.Background()
	rq := market.NewRedisQuotes(rdb, time.Hour)
	at := time.Date(2026, 3, 4, 10, 15, 42, 123_000_000, time.UTC)

	_, err := rq.Quote(ctx, "EUR/USD")
	assert.ErrorIs(t, err, market.ErrNoQuote)
	_, err = rq.Candle(ctx, "EUR/USD", at)
	assert.ErrorIs(t, err, market.ErrNoCandle)

	require.NoError(t, rq.SetQuote(ctx, "EUR/USD", decimal.RequireFromString("1.08525"), at))
	q, err := rq.Quote(ctx, "EUR/USD")
	require.NoError(t, err)
	assert.True(t, q.Price.Equal(decimal.RequireFromString("1.08525")))
	assert.True(t, q.At.Equal(at))

	require.NoError(t, rq.SetCandle(ctx, "EUR/USD", at, decimal.RequireFromString("1.0851")))
	c, err := rq.Candle(ctx, "EUR/USD", at.Truncate(time.Minute))
	require.NoError(t, err)
	assert.True(t, c.Close.Equal(decimal.RequireFromString("1.0851")))
	assert.True(t, mr.TTL(fmt.Sprintf("candle:EUR/USD:%d", at.Truncate(time.Minute).Unix())) > 0)
}
