package market

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// QuoteBook is an in-memory PriceOracle and CandleSource.
type QuoteBook struct {
	mu      sync.RWMutex
	quotes  map[string]Quote
	candles map[string]Candle
}

func NewQuoteBook() *QuoteBook {
	return &QuoteBook{
		quotes:  make(map[string]Quote),
		candles: make(map[string]Candle),
	}
}

// SetQuote records the latest price of symbol observed at at.
func (b *QuoteBook) SetQuote(symbol string, price decimal.Decimal, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quotes[symbol] = Quote{Symbol: symbol, Price: price, At: at}
}

// SetCandle records the close of the minute containing minute.
func (b *QuoteBook) SetCandle(symbol string, minute time.Time, closePrice decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := MinuteBucket(minute)
	b.candles[candleKey(symbol, m)] = Candle{Symbol: symbol, Minute: m, Close: closePrice}
}

func (b *QuoteBook) Quote(_ context.Context, symbol string) (*Quote, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	q, ok := b.quotes[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}
	return &q, nil
}

func (b *QuoteBook) Candle(_ context.Context, symbol string, minute time.Time) (*Candle, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.candles[candleKey(symbol, MinuteBucket(minute))]
	if !ok {
		return nil, fmt.Errorf("%w: %s@%s", ErrNoCandle, symbol, minute.UTC().Format(time.RFC3339))
	}
	return &c, nil
}

// RedisQuotes reads quotes and candles written into Redis by the market-data
// feed. Quotes live in a hash quote:{symbol} with fields price and ts (unix
// ms); candles are strings candle:{symbol}:{unix minute start}.
type RedisQuotes struct {
	rdb       *redis.Client
	candleTTL time.Duration
}

// NewRedisQuotes creates a Redis-backed oracle. candleTTL bounds how long
// written candles are kept; zero keeps them forever.
func NewRedisQuotes(rdb *redis.Client, candleTTL time.Duration) *RedisQuotes {
	return &RedisQuotes{rdb: rdb, candleTTL: candleTTL}
}

func (q *RedisQuotes) Quote(ctx context.Context, symbol string) (*Quote, error) {
	fields, err := q.rdb.HGetAll(ctx, quoteKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("read quote %s: %w", symbol, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoQuote, symbol)
	}

	price, err := decimal.NewFromString(fields["price"])
	if err != nil {
		return nil, fmt.Errorf("quote %s price %q: %w", symbol, fields["price"], err)
	}
	ms, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("quote %s ts %q: %w", symbol, fields["ts"], err)
	}
	return &Quote{Symbol: symbol, Price: price, At: time.UnixMilli(ms).UTC()}, nil
}

func (q *RedisQuotes) Candle(ctx context.Context, symbol string, minute time.Time) (*Candle, error) {
	m := MinuteBucket(minute)
	raw, err := q.rdb.Get(ctx, candleKey(symbol, m)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("%w: %s@%s", ErrNoCandle, symbol, m.Format(time.RFC3339))
	}
	if err != nil {
		return nil, fmt.Errorf("read candle %s: %w", symbol, err)
	}
	closePrice, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("candle %s close %q: %w", symbol, raw, err)
	}
	return &Candle{Symbol: symbol, Minute: m, Close: closePrice}, nil
}

// SetQuote writes a quote. Used by feeds and operator tooling.
func (q *RedisQuotes) SetQuote(ctx context.Context, symbol string, price decimal.Decimal, at time.Time) error {
	return q.rdb.HSet(ctx, quoteKey(symbol), map[string]any{
		"price": price.String(),
		"ts":    at.UnixMilli(),
	}).Err()
}

// SetCandle writes the close of one minute bucket.
func (q *RedisQuotes) SetCandle(ctx context.Context, symbol string, minute time.Time, closePrice decimal.Decimal) error {
	return q.rdb.Set(ctx, candleKey(symbol, MinuteBucket(minute)), closePrice.String(), q.candleTTL).Err()
}

func quoteKey(symbol string) string { return fmt.Sprintf("quote:%s", symbol) }

func candleKey(symbol string, minute time.Time) string {
	return fmt.Sprintf("candle:%s:%d", symbol, minute.Unix())
}
