package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"racecontrol/internal/models"
)

// Cache defines the interface for forecast caching implementations.
// Get returns cached data if present and not expired; GetStale also accepts
// expired entries up to maxStaleAge, for serving through upstream outages.
type Cache interface {
	Get(ctx context.Context, key string) (models.Forecast, bool, error)
	GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Forecast, bool, error)
	Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error
}

// Key builds the cache key for a coordinate pair. Coordinates are rounded to
// three decimals (~110 m) so nearby rally waypoints share a forecast slot.
func Key(lat, lon float64) string {
	return fmt.Sprintf("forecast:%.3f,%.3f", lat, lon)
}

// InMemoryCache implements Cache using an in-memory map with TTL-based
// expiration. Expired entries are retained up to staleRetention so GetStale
// can serve them, then dropped on access.
type InMemoryCache struct {
	mu             sync.Mutex
	data           map[string]cacheEntry
	staleRetention time.Duration
}

// cacheEntry stores a cached forecast with its expiration timestamp.
type cacheEntry struct {
	value     models.Forecast
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance. staleRetention is
// how long expired entries stay retrievable via GetStale (0 disables retention).
func NewInMemoryCache(staleRetention time.Duration) *InMemoryCache {
	return &InMemoryCache{
		data:           make(map[string]cacheEntry),
		staleRetention: staleRetention,
	}
}

// Get retrieves the cached forecast for the key if present and not expired.
// Returns (data, true, nil) on cache hit, (zero, false, nil) on miss or expiration.
func (c *InMemoryCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.Forecast{}, false, nil
	}

	now := time.Now()
	if now.After(entry.expiresAt) {
		if now.After(entry.expiresAt.Add(c.staleRetention)) {
			delete(c.data, key)
		}
		return models.Forecast{}, false, nil
	}

	return entry.value, true, nil
}

// GetStale retrieves the cached forecast even past its TTL, as long as its
// age (since FetchedAt) does not exceed maxStaleAge.
func (c *InMemoryCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Forecast, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return models.Forecast{}, false, nil
	}
	if time.Since(entry.value.FetchedAt) > maxStaleAge {
		return models.Forecast{}, false, nil
	}
	return entry.value, true, nil
}

// Set stores a forecast in cache with the specified TTL duration.
func (c *InMemoryCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}
