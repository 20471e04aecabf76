package provider

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
	"github.com/amirasaad/cryptoledger/pkg/provider/exchange"
	"github.com/redis/go-redis/v9"
)

// RedisRateCache implements exchange.RateCache using Redis.
type RedisRateCache struct {
	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// NewRedisRateCache creates a cache keeping rates for ttl under prefix.
func NewRedisRateCache(client redis.Cmdable, prefix string, ttl time.Duration, logger *slog.Logger) *RedisRateCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisRateCache{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

var _ exchange.RateCache = (*RedisRateCache)(nil)

func (r *RedisRateCache) key(from, to currency.Code) string {
	return r.prefix + exchange.CacheKey(from, to)
}

// GetRate returns the cached rate or nil on a miss.
func (r *RedisRateCache) GetRate(ctx context.Context, from, to currency.Code) (*exchange.Rate, error) {
	val, err := r.client.Get(ctx, r.key(from, to)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var rate exchange.Rate
	if err := json.Unmarshal([]byte(val), &rate); err != nil {
		r.logger.Error("Redis cache unmarshal error", "key", r.key(from, to), "error", err)
		return nil, err
	}
	return &rate, nil
}

func (r *RedisRateCache) StoreRate(ctx context.Context, rate *exchange.Rate) error {
	if rate == nil {
		return nil
	}
	data, err := json.Marshal(rate)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.key(rate.From, rate.To), data, r.ttl).Err()
}
