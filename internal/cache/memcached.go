package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"

	"racecontrol/internal/models"
)

// MemcachedCache implements Cache using memcached. Entries are stored past
// their logical TTL (by staleRetention) so GetStale can serve them during
// upstream outages; logical expiry is checked against FetchedAt on read.
type MemcachedCache struct {
	client         *memcache.Client
	staleRetention time.Duration
}

// memcachedEntry wraps a forecast with its logical expiry for JSON storage.
type memcachedEntry struct {
	Value     models.Forecast `json:"value"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// of host:port pairs.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int, staleRetention time.Duration) (*MemcachedCache, error) {
	servers := splitAddrs(addrs)
	if len(servers) == 0 {
		return nil, fmt.Errorf("memcached: no servers configured")
	}
	client := memcache.New(servers...)
	client.Timeout = timeout
	client.MaxIdleConns = maxIdleConns
	return &MemcachedCache{client: client, staleRetention: staleRetention}, nil
}

// Get retrieves the forecast for key if present and not logically expired.
func (c *MemcachedCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	entry, ok, err := c.fetch(key)
	if err != nil || !ok {
		return models.Forecast{}, false, err
	}
	if time.Now().After(entry.ExpiresAt) {
		return models.Forecast{}, false, nil
	}
	return entry.Value, true, nil
}

// GetStale retrieves the forecast past its logical TTL, as long as its age
// does not exceed maxStaleAge.
func (c *MemcachedCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Forecast, bool, error) {
	entry, ok, err := c.fetch(key)
	if err != nil || !ok {
		return models.Forecast{}, false, err
	}
	if time.Since(entry.Value.FetchedAt) > maxStaleAge {
		return models.Forecast{}, false, nil
	}
	return entry.Value, true, nil
}

// Set stores a forecast with physical expiry ttl+staleRetention and logical
// expiry ttl.
func (c *MemcachedCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	entry := memcachedEntry{Value: value, ExpiresAt: time.Now().Add(ttl)}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("memcached: marshal: %w", err)
	}
	physical := ttl + c.staleRetention
	return c.client.Set(&memcache.Item{
		Key:        key,
		Value:      data,
		Expiration: int32(physical.Seconds()),
	})
}

// Ping checks memcached reachability. Used by the health handler.
func (c *MemcachedCache) Ping() error {
	return c.client.Ping()
}

// Close releases idle connections.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}

func (c *MemcachedCache) fetch(key string) (memcachedEntry, bool, error) {
	item, err := c.client.Get(key)
	if err == memcache.ErrCacheMiss {
		return memcachedEntry{}, false, nil
	}
	if err != nil {
		return memcachedEntry{}, false, fmt.Errorf("memcached: get: %w", err)
	}
	var entry memcachedEntry
	if err := json.Unmarshal(item.Value, &entry); err != nil {
		return memcachedEntry{}, false, fmt.Errorf("memcached: unmarshal: %w", err)
	}
	return entry, true, nil
}

func splitAddrs(addrs string) []string {
	var out []string
	for _, a := range strings.Split(addrs, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}
