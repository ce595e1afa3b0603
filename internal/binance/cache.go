package binance

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type cacheEntry[T any] struct {
	value     T
	fetchedAt time.Time
}

// Cache is a TTL cache for exchange responses. A stale entry is kept
// after expiry and served as a fallback when a refresh fails, so a
// flaky read path degrades to slightly old data instead of an error.
type Cache[T any] struct {
	mu      sync.Mutex
	entries map[string]cacheEntry[T]
	hits    uint64
	misses  uint64
	logger  zerolog.Logger
}

func NewCache[T any](logger zerolog.Logger) *Cache[T] {
	return &Cache[T]{
		entries: make(map[string]cacheEntry[T]),
		logger:  logger,
	}
}

// GetOrFetch returns the cached value when fresh, otherwise calls
// fetch. On fetch failure with a stale entry present the stale value
// is returned with a nil error and a degradation log.
func (c *Cache[T]) GetOrFetch(key string, ttl time.Duration, fetch func() (T, error)) (T, error) {
	c.mu.Lock()
	entry, ok := c.entries[key]
	if ok && time.Since(entry.fetchedAt) < ttl {
		c.hits++
		c.mu.Unlock()
		return entry.value, nil
	}
	c.misses++
	c.mu.Unlock()

	value, err := fetch()
	if err != nil {
		if ok {
			c.logger.Warn().Str("key", key).Err(err).
				Msg("refresh failed, serving stale cached value")
			return entry.value, nil
		}
		var zero T
		return zero, err
	}

	c.mu.Lock()
	c.entries[key] = cacheEntry[T]{value: value, fetchedAt: time.Now()}
	c.mu.Unlock()
	return value, nil
}

// Invalidate drops one key, forcing the next read to hit the exchange.
func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// CacheStats are cumulative hit/miss counters for the status endpoint.
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
}

func (c *Cache[T]) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Hits: c.hits, Misses: c.misses}
}
