//go:build integration
// +build integration

package cache

import (
	"context"
	"os"
	"testing"
	"time"
)

func setupMemcached(t *testing.T) *MemcachedCache {
	t.Helper()
	addrs := os.Getenv("MEMCACHED_ADDRS")
	if addrs == "" {
		addrs = "localhost:11211"
	}
	mc, err := NewMemcachedCache(addrs, 500*time.Millisecond, 2, 30*time.Minute)
	if err != nil {
		t.Fatalf("NewMemcachedCache() error = %v", err)
	}
	if err := mc.Ping(); err != nil {
		t.Skipf("memcached not reachable at %s: %v", addrs, err)
	}
	t.Cleanup(func() { _ = mc.Close() })
	return mc
}

func TestMemcachedCache_SetAndGet_Integration(t *testing.T) {
	mc := setupMemcached(t)
	ctx := context.Background()
	forecast := sampleForecast(time.Now())
	key := Key(52.387, 4.540)

	if err := mc.Set(ctx, key, forecast, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, ok, err := mc.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatal("Get() ok = false, want true")
	}
	if got.Latitude != forecast.Latitude || len(got.Samples) != len(forecast.Samples) {
		t.Errorf("Get() = %+v, want stored forecast", got)
	}
}

func TestMemcachedCache_LogicalExpiryServedStale_Integration(t *testing.T) {
	mc := setupMemcached(t)
	ctx := context.Background()
	forecast := sampleForecast(time.Now().Add(-5 * time.Minute))
	key := Key(50.437, 5.971)

	// One-second logical TTL; physical expiry keeps the entry around for
	// staleRetention on top of that.
	if err := mc.Set(ctx, key, forecast, time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(1500 * time.Millisecond)

	if _, ok, _ := mc.Get(ctx, key); ok {
		t.Error("Get() ok = true past logical TTL, want false")
	}

	got, ok, err := mc.GetStale(ctx, key, 30*time.Minute)
	if err != nil {
		t.Fatalf("GetStale() error = %v", err)
	}
	if !ok {
		t.Fatal("GetStale() ok = false, want true within stale retention")
	}
	if got.Latitude != forecast.Latitude {
		t.Errorf("GetStale() = %+v, want stored forecast", got)
	}
}

func TestMemcachedCache_GetMiss_Integration(t *testing.T) {
	mc := setupMemcached(t)
	_, ok, err := mc.Get(context.Background(), Key(0, 0))
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Error("Get() ok = true for absent key, want false")
	}
}
