package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"racecontrol/internal/cache"
	"racecontrol/internal/circuits"
	"racecontrol/internal/client"
	"racecontrol/internal/models"
	"racecontrol/internal/observability"
	"racecontrol/internal/strategy"
)

// RouteLoader lists rally routes and samples them into waypoints.
// Implemented by route.Store.
type RouteLoader interface {
	List() ([]string, error)
	Load(name string) ([]models.Waypoint, error)
}

// StrategyService orchestrates forecast retrieval using cache-aside pattern
// with upstream fallback, and composes tire-strategy responses on top.
type StrategyService struct {
	client          client.ForecastClient
	cache           cache.Cache
	registry        *circuits.Registry
	routes          RouteLoader
	ttl             time.Duration
	staleCacheTTL   time.Duration // Maximum age for stale cache fallback (0 = disabled)
	stampedeTracker *stampedeTracker
	coalescer       *requestCoalescer // Optional request coalescing (nil if disabled)
}

// NewStrategyService creates a StrategyService with the provided dependencies.
// ttl is the forecast cache TTL; staleCacheTTL is the maximum age for stale
// cache fallback (0 = disabled); coalesceEnabled and coalesceTimeout
// configure request coalescing (disabled if timeout 0).
func NewStrategyService(forecastClient client.ForecastClient, forecastCache cache.Cache, registry *circuits.Registry, routes RouteLoader, ttl, staleCacheTTL time.Duration, coalesceEnabled bool, coalesceTimeout time.Duration) *StrategyService {
	var coalescer *requestCoalescer
	if coalesceEnabled && coalesceTimeout > 0 {
		coalescer = newRequestCoalescer(coalesceTimeout)
	}
	return &StrategyService{
		client:          forecastClient,
		cache:           forecastCache,
		registry:        registry,
		routes:          routes,
		ttl:             ttl,
		staleCacheTTL:   staleCacheTTL,
		stampedeTracker: newStampedeTracker(),
		coalescer:       coalescer,
	}
}

// loggerFromContext extracts a zap.Logger from request context if present.
// Returns nil if logger is not found or context is invalid.
func loggerFromContext(ctx context.Context) *zap.Logger {
	if v := ctx.Value("logger"); v != nil {
		if l, ok := v.(*zap.Logger); ok && l != nil {
			return l
		}
	}
	return nil
}

// GetForecast retrieves the windowed forecast for a coordinate pair using
// the cache-aside pattern. Also satisfies cache.ForecastFetcher for warming.
func (s *StrategyService) GetForecast(ctx context.Context, lat, lon float64) (models.Forecast, error) {
	return s.getForecast(ctx, lat, lon, "")
}

// getForecast checks cache first, falls back to upstream on miss, and
// populates the cache on success. label feeds per-circuit metrics; empty
// means an ad-hoc coordinate query.
func (s *StrategyService) getForecast(ctx context.Context, lat, lon float64, label string) (models.Forecast, error) {
	key := cache.Key(lat, lon)
	start := time.Now()
	logger := loggerFromContext(ctx)

	getStart := time.Now()
	cached, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
	} else if ok {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
		observability.CacheHitsTotal.WithLabelValues("forecast").Inc()
		if logger != nil {
			logger.Debug("cache hit", zap.String("key", key))
			logger.Debug("forecast served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		}
		return cached, nil
	}

	concurrentMisses := s.stampedeTracker.RecordMiss(key)
	defer s.stampedeTracker.RecordHit(key)
	circuitLabel := observability.MetricCircuitLabel(label)
	if concurrentMisses > 1 {
		observability.CacheStampedeDetectedTotal.WithLabelValues(circuitLabel).Inc()
		observability.CacheStampedeConcurrency.WithLabelValues(circuitLabel).Observe(float64(concurrentMisses))
	}

	if logger != nil {
		logger.Debug("cache miss, fetching upstream", zap.String("key", key))
	}

	// Use coalescer if enabled to prevent concurrent upstream calls for same key
	var data models.Forecast
	var upstreamErr error
	if s.coalescer != nil {
		coalesceStart := time.Now()
		data, upstreamErr = s.coalescer.GetOrDo(ctx, key, func() (models.Forecast, error) {
			return s.client.GetForecast(ctx, lat, lon)
		})
		coalesceWait := time.Since(coalesceStart)
		if upstreamErr == nil {
			// Check if we waited (coalesced) vs initiated the request
			// If wait time > 0, we likely coalesced (approximate)
			if coalesceWait > 10*time.Millisecond {
				observability.RequestCoalescingHitsTotal.WithLabelValues(circuitLabel).Inc()
			}
			observability.RequestCoalescingWaitSeconds.Observe(coalesceWait.Seconds())
		}
	} else {
		data, upstreamErr = s.client.GetForecast(ctx, lat, lon)
	}
	if upstreamErr != nil {
		// Upstream failed - try stale cache if enabled
		if s.staleCacheTTL > 0 {
			stale, ok, staleErr := s.cache.GetStale(ctx, key, s.staleCacheTTL)
			if staleErr == nil && ok {
				staleAge := time.Since(stale.FetchedAt)
				observability.StaleCacheServesTotal.WithLabelValues(circuitLabel).Inc()
				observability.StaleCacheAgeSeconds.Observe(staleAge.Seconds())
				stale.Stale = true
				if logger != nil {
					logger.Info("serving stale forecast", zap.String("key", key), zap.Duration("age", staleAge))
				}
				return stale, nil
			}
		}
		return models.Forecast{}, fmt.Errorf("fetch forecast for %s: %w", key, upstreamErr)
	}

	setStart := time.Now()
	if setErr := s.cache.Set(ctx, key, data, s.ttl); setErr != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(setErr)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		if logger != nil {
			logger.Warn("cache set failed", zap.String("key", key), zap.Error(setErr))
		}
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
	}
	if logger != nil {
		logger.Debug("forecast served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	}
	return data, nil
}

// GetStrategyAt builds the strategy table for an arbitrary coordinate pair.
func (s *StrategyService) GetStrategyAt(ctx context.Context, lat, lon float64) (models.CircuitStrategy, error) {
	f, err := s.getForecast(ctx, lat, lon, "")
	if err != nil {
		return models.CircuitStrategy{}, err
	}
	return models.CircuitStrategy{
		Latitude:  lat,
		Longitude: lon,
		Rows:      strategy.BuildTable(f),
		Stale:     f.Stale,
	}, nil
}

// GetCircuitStrategy builds the strategy table for a registered circuit.
func (s *StrategyService) GetCircuitStrategy(ctx context.Context, name string) (models.CircuitStrategy, error) {
	c, err := s.registry.Get(name)
	if err != nil {
		return models.CircuitStrategy{}, err
	}
	f, err := s.getForecast(ctx, c.Latitude, c.Longitude, c.Name)
	if err != nil {
		return models.CircuitStrategy{}, err
	}
	return models.CircuitStrategy{
		Circuit:   c.Name,
		Latitude:  c.Latitude,
		Longitude: c.Longitude,
		Rows:      strategy.BuildTable(f),
		Stale:     f.Stale,
	}, nil
}

// GetRouteStrategy samples the named rally route and returns the current tire
// call per waypoint. The waypoint loop is sequential; the forecast cache keyed
// on rounded coordinates keeps repeat slots cheap.
func (s *StrategyService) GetRouteStrategy(ctx context.Context, name string) (models.RouteStrategy, error) {
	waypoints, err := s.routes.Load(name)
	if err != nil {
		return models.RouteStrategy{}, err
	}
	observability.RouteWaypoints.Observe(float64(len(waypoints)))

	calls := make([]models.WaypointCall, 0, len(waypoints))
	for _, wp := range waypoints {
		f, err := s.getForecast(ctx, wp.Latitude, wp.Longitude, name)
		if err != nil {
			return models.RouteStrategy{}, fmt.Errorf("waypoint %s: %w", wp.Name, err)
		}
		current, ok := f.Current()
		if !ok {
			return models.RouteStrategy{}, fmt.Errorf("waypoint %s: forecast window is empty", wp.Name)
		}
		calls = append(calls, models.WaypointCall{
			Waypoint: wp,
			Call:     strategy.Classify(current),
			Stale:    f.Stale,
		})
	}

	return models.RouteStrategy{Route: name, Calls: calls}, nil
}

// ListRoutes returns the available rally route names.
func (s *StrategyService) ListRoutes() ([]string, error) {
	return s.routes.List()
}

// ListCircuits returns the registered circuits.
func (s *StrategyService) ListCircuits() []circuits.Circuit {
	return s.registry.List()
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
