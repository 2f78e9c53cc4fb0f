package quote

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"LevelWatch/internal/domain/models"
	"LevelWatch/pkg/cache"
	"LevelWatch/pkg/logger"

	"github.com/shopspring/decimal"
)

const keyPrefix = "levelwatch:quotes:"

// Cache keeps the most recent observed price per symbol. The stream
// multiplexer writes into it on every broadcast; the registration API
// reads it when a request carries no explicit reference price.
type Cache struct {
	store cache.Service
	ttl   time.Duration
	log   *logger.Logger
}

type storedQuote struct {
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewCache(store cache.Service, ttl time.Duration, log *logger.Logger) *Cache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Cache{store: store, ttl: ttl, log: log}
}

// SetLastTick records a tick. Failures are logged and swallowed; quote
// caching never interferes with the tick path.
func (c *Cache) SetLastTick(ctx context.Context, tick models.Tick) {
	q := storedQuote{Symbol: tick.Symbol, Price: tick.Price, Timestamp: tick.Timestamp}
	// Stored as a JSON string so memory and redis backends behave the same.
	b, err := json.Marshal(q)
	if err != nil {
		return
	}
	if err := c.store.Set(ctx, c.key(tick.Symbol), string(b), c.ttl); err != nil {
		c.log.Warn("quote cache write failed",
			logger.String("symbol", tick.Symbol),
			logger.Error(err))
	}
}

// LastPrice returns the freshest cached price for symbol.
func (c *Cache) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	var raw string
	err := c.store.Get(ctx, c.key(symbol), &raw)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			c.log.Warn("quote cache read failed",
				logger.String("symbol", symbol),
				logger.Error(err))
		}
		return decimal.Decimal{}, false
	}
	var q storedQuote
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return decimal.Decimal{}, false
	}
	return q.Price, true
}

func (c *Cache) key(symbol string) string {
	return keyPrefix + strings.ToUpper(symbol)
}
