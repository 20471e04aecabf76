package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/amirasaad/cryptoledger/pkg/currency"
)

// Rate is a cached conversion rate for a currency pair.
type Rate struct {
	From      currency.Code `json:"from"`
	To        currency.Code `json:"to"`
	Rate      float64       `json:"rate"`
	Timestamp time.Time     `json:"timestamp"`
}

// RateCache stores rates for a limited time.
type RateCache interface {
	GetRate(ctx context.Context, from, to currency.Code) (*Rate, error)
	StoreRate(ctx context.Context, rate *Rate) error
}

// Cache provides an in-memory cache for exchange rates
type Cache struct {
	store map[string]rateCacheEntry
	mu    sync.RWMutex
	ttl   time.Duration
	now   func() time.Time
}

type rateCacheEntry struct {
	value     *Rate
	expiresAt time.Time
}

// NewCache creates a new cache with the given TTL
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		store: make(map[string]rateCacheEntry),
		ttl:   ttl,
		now:   time.Now,
	}
}

// GetRate returns a cached rate, or nil when absent or expired.
func (c *Cache) GetRate(_ context.Context, from, to currency.Code) (*Rate, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.store[CacheKey(from, to)]
	if !exists || c.now().After(entry.expiresAt) {
		return nil, nil
	}
	return entry.value, nil
}

// StoreRate stores a rate in the cache
func (c *Cache) StoreRate(_ context.Context, rate *Rate) error {
	if rate == nil {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.store[CacheKey(rate.From, rate.To)] = rateCacheEntry{
		value:     rate,
		expiresAt: c.now().Add(c.ttl),
	}
	return nil
}

// Clear removes all entries from the cache
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.store = make(map[string]rateCacheEntry)
}

// CacheKey generates a consistent cache key for a currency pair
func CacheKey(from, to currency.Code) string {
	return string(from) + "_" + string(to)
}
