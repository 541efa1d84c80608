//go:build integration
// +build integration

package testhelpers

import (
	"os"
	"testing"
	"time"

	"racecontrol/internal/cache"
	"racecontrol/internal/circuits"
	"racecontrol/internal/client"
	"racecontrol/internal/route"
	"racecontrol/internal/service"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIURL        string
	CacheBackend  string // "in_memory" or "memcached"
	MemcachedAddr string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips the test unless INTEGRATION=1 is set (the forecast API is keyless but
// rate limited, so live calls stay opt-in).
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	if os.Getenv("INTEGRATION") == "" {
		t.Skip("INTEGRATION not set, skipping integration test")
	}

	apiURL := os.Getenv("OPEN_METEO_URL")
	if apiURL == "" {
		apiURL = "https://api.open-meteo.com/v1/forecast"
	}

	cacheBackend := os.Getenv("INTEGRATION_CACHE_BACKEND")
	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIURL:        apiURL,
		CacheBackend:  cacheBackend,
		MemcachedAddr: memcachedAddr,
	}
}

// SetupIntegrationService creates a fully configured service for integration tests.
// Returns strategy service, cache instance, and cleanup function.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.StrategyService, cache.Cache, func()) {
	forecastClient := SetupIntegrationClient(t, cfg)

	var cacheSvc cache.Cache
	var cleanup func()

	if cfg.CacheBackend == "memcached" {
		memcachedCache, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2, 30*time.Minute)
		if err == nil {
			cacheSvc = memcachedCache
			cleanup = func() { memcachedCache.Close() }
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
		} else {
			t.Logf("Memcached not available (%v), using in-memory cache", err)
			cacheSvc = cache.NewInMemoryCache(30 * time.Minute)
			cleanup = func() {}
		}
	} else {
		cacheSvc = cache.NewInMemoryCache(30 * time.Minute)
		cleanup = func() {}
	}

	registry := circuits.NewRegistry()
	routes := route.NewStore(t.TempDir(), 5)
	strategyService := service.NewStrategyService(forecastClient, cacheSvc, registry, routes, 2*time.Minute, 0, false, 0)

	return strategyService, cacheSvc, cleanup
}

// SetupIntegrationClient creates a forecast client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenMeteoClient {
	forecastClient, err := client.NewOpenMeteoClient(cfg.APIURL, 5*time.Second, 15*time.Minute, 3*time.Hour)
	if err != nil {
		t.Fatalf("NewOpenMeteoClient() error = %v", err)
	}
	return forecastClient
}
