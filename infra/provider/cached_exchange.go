package provider

import (
	"context"
	"log/slog"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/money"
	"github.com/amirasaad/cryptoledger/pkg/provider"
	"github.com/amirasaad/cryptoledger/pkg/provider/exchange"
	"golang.org/x/sync/singleflight"
)

// CachedExchangeRate caches quoted rates per currency pair. Concurrent
// misses on one pair share a single upstream call. Exchange is never cached.
type CachedExchangeRate struct {
	next     provider.ExchangeRate
	cache    exchange.RateCache
	inflight singleflight.Group
	logger   *slog.Logger
}

// NewCachedExchangeRate wraps next with cache.
func NewCachedExchangeRate(next provider.ExchangeRate, cache exchange.RateCache, logger *slog.Logger) *CachedExchangeRate {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedExchangeRate{
		next:   next,
		cache:  cache,
		logger: logger.With("provider", "cached_exchange"),
	}
}

var _ provider.ExchangeRate = (*CachedExchangeRate)(nil)

func (c *CachedExchangeRate) Rate(ctx context.Context, from, to currency.Code, amount money.Amount) (*provider.Quote, error) {
	key := exchange.CacheKey(from, to)
	if r, err := c.cache.GetRate(ctx, from, to); err != nil {
		c.logger.Warn("rate cache read failed", "key", key, "error", err)
	} else if r != nil {
		c.logger.Debug("rate cache hit", "key", key)
		return quote(from, to, amount, r.Rate, r.Timestamp)
	}

	v, err, shared := c.inflight.Do(key, func() (any, error) {
		q, err := c.next.Rate(ctx, from, to, amount)
		if err != nil {
			return nil, err
		}
		ts := q.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if err := c.cache.StoreRate(ctx, &exchange.Rate{From: from, To: to, Rate: q.Rate, Timestamp: ts}); err != nil {
			c.logger.Warn("rate cache write failed", "key", key, "error", err)
		}
		return q, nil
	})
	if err != nil {
		return nil, err
	}
	q := v.(*provider.Quote)
	if shared && !q.Amount.Equal(amount) {
		// another caller's amount was quoted; reprice ours at the same rate
		return quote(from, to, amount, q.Rate, q.Timestamp)
	}
	return q, nil
}

func (c *CachedExchangeRate) Exchange(ctx context.Context, exchangeID string, from, to currency.Code, amount money.Amount) (*provider.Confirmation, error) {
	return c.next.Exchange(ctx, exchangeID, from, to, amount)
}
