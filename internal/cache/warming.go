package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"racecontrol/internal/circuits"
	"racecontrol/internal/models"
	"racecontrol/internal/observability"
)

// ForecastFetcher is implemented by the service layer to fetch a forecast for
// a coordinate pair. Used by CacheWarmer to avoid a circular dependency on
// the service package.
type ForecastFetcher interface {
	GetForecast(ctx context.Context, lat, lon float64) (models.Forecast, error)
}

// CacheWarmer warms the cache by prefetching forecasts for tracked circuits.
type CacheWarmer struct {
	fetcher ForecastFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher ForecastFetcher, logger *zap.Logger) *CacheWarmer {
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches the forecast for each circuit concurrently and populates the
// cache via the fetcher. Returns an error if any circuit failed (aggregated).
func (w *CacheWarmer) Warm(ctx context.Context, tracked []circuits.Circuit) error {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	if w.logger != nil {
		w.logger.Info("warming cache", zap.Int("circuits", len(tracked)))
	}
	var wg sync.WaitGroup
	errCh := make(chan error, len(tracked))
	for _, c := range tracked {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := w.fetcher.GetForecast(ctx, c.Latitude, c.Longitude)
			if err != nil {
				errCh <- fmt.Errorf("warm %s: %w", c.Name, err)
			}
		}()
	}
	wg.Wait()
	close(errCh)
	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	if w.logger != nil {
		w.logger.Info("cache warming complete", zap.Int("circuits", len(tracked)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	}
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %v", errs)
	}
	return nil
}

// WarmPeriodic runs an initial Warm, then refreshes at the given interval until ctx is done.
func (w *CacheWarmer) WarmPeriodic(ctx context.Context, tracked []circuits.Circuit, interval time.Duration) error {
	if err := w.Warm(ctx, tracked); err != nil && w.logger != nil {
		w.logger.Warn("initial cache warm failed", zap.Error(err))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.Warm(ctx, tracked); err != nil && w.logger != nil {
				w.logger.Warn("periodic cache warm failed", zap.Error(err))
			}
		}
	}
}
