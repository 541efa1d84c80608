package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"racecontrol/internal/overload"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per request. Watch for: p95/p99 latency increases, SLO breaches.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation, capacity limits.
	HTTPRequestsInFlight prometheus.Gauge

	// Open-Meteo API call rate. Watch for: error vs success ratio.
	ForecastAPICallsTotal *prometheus.CounterVec

	// External API latency per request. Watch for: p95 > 2s (upstream degradation), p99 > 5s (timeout risk).
	ForecastAPIDuration *prometheus.HistogramVec

	// Retry attempts for forecast API. Watch for: high retries = unstable upstream.
	ForecastAPIRetriesTotal prometheus.Counter

	// Cache hits. Hit rate = hits/(hits+forecastApiCallsTotal).
	CacheHitsTotal *prometheus.CounterVec

	// Cache backend errors by operation and category.
	CacheErrorsTotal *prometheus.CounterVec

	// Cache operation latency (get/set) by outcome.
	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Stale forecasts served after upstream failure. Watch for: sustained serves = upstream outage.
	StaleCacheServesTotal *prometheus.CounterVec

	// Age of stale forecasts at serve time.
	StaleCacheAgeSeconds prometheus.Histogram

	// Concurrent misses on the same forecast key. Watch for: popular circuits at session start.
	CacheStampedeDetectedTotal *prometheus.CounterVec

	// Concurrency observed per detected stampede.
	CacheStampedeConcurrency *prometheus.HistogramVec

	// Requests that piggybacked on an in-flight upstream fetch.
	RequestCoalescingHitsTotal *prometheus.CounterVec

	// Time spent waiting on a coalesced fetch.
	RequestCoalescingWaitSeconds prometheus.Histogram

	// Cache warming runs, failures, duration.
	CacheWarmingTotal           prometheus.Counter
	CacheWarmingErrorsTotal     prometheus.Counter
	CacheWarmingDurationSeconds prometheus.Histogram

	// Total strategy lookups. Watch for: traffic volume, rate() for QPS.
	StrategyQueriesTotal prometheus.Counter

	// Per-circuit query count (allow-list; others go to "other"). Watch for: top circuits, traffic distribution.
	StrategyQueriesByCircuitTotal *prometheus.CounterVec

	// Rally route lookups by outcome.
	RouteQueriesTotal *prometheus.CounterVec

	// Waypoints produced per sampled route. Watch for: routes sampling far above interval expectations.
	RouteWaypoints prometheus.Histogram

	// Rate limit denials. Watch for: overload, capacity exceeded.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state transitions and current state per component.
	CircuitBreakerTransitionsTotal *prometheus.CounterVec
	CircuitBreakerState            *prometheus.GaugeVec

	// In-flight requests observed when shutdown began.
	ShutdownInFlightRequests prometheus.Gauge

	// trackedCircuits is built from config; used to resolve circuit labels for metrics.
	trackedCircuitsMu sync.RWMutex
	trackedCircuits   map[string]struct{}

	rateLimitGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	ForecastAPICallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "forecastApiCallsTotal",
			Help: "Total number of Open-Meteo API calls",
		},
		[]string{"status"},
	)
	ForecastAPIDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "forecastApiDurationSeconds",
			Help:    "Open-Meteo API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)
	ForecastAPIRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "forecastApiRetriesTotal",
			Help: "Total number of retry attempts for forecast API calls",
		},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of forecast cache hits",
		},
		[]string{"cacheType"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache operation latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5},
		},
		[]string{"operation", "outcome"},
	)
	StaleCacheServesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "staleCacheServesTotal",
			Help: "Stale forecasts served because upstream failed",
		},
		[]string{"circuit"},
	)
	StaleCacheAgeSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "staleCacheAgeSeconds",
			Help:    "Age of stale forecasts at serve time",
			Buckets: []float64{120, 300, 600, 1200, 1800, 3600},
		},
	)
	CacheStampedeDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheStampedeDetectedTotal",
			Help: "Concurrent cache misses detected for the same forecast key",
		},
		[]string{"circuit"},
	)
	CacheStampedeConcurrency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent miss count per detected stampede",
			Buckets: []float64{2, 3, 5, 10, 25, 50},
		},
		[]string{"circuit"},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Requests that piggybacked on an in-flight upstream fetch",
		},
		[]string{"circuit"},
	)
	RequestCoalescingWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "requestCoalescingWaitSeconds",
			Help:    "Time spent waiting on a coalesced upstream fetch",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)
	CacheWarmingTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingTotal",
			Help: "Cache warming runs",
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs that had at least one failure",
		},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Duration of cache warming runs in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30},
		},
	)
	StrategyQueriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "strategyQueriesTotal",
			Help: "Total number of strategy lookups",
		},
	)
	StrategyQueriesByCircuitTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "strategyQueriesByCircuitTotal",
			Help: "Strategy queries by circuit (allow-list; others use circuit=other)",
		},
		[]string{"circuit"},
	)
	RouteQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "routeQueriesTotal",
			Help: "Rally route strategy lookups by outcome",
		},
		[]string{"outcome"},
	)
	RouteWaypoints = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "routeWaypoints",
			Help:    "Waypoints produced per sampled route",
			Buckets: []float64{2, 5, 10, 20, 50, 100},
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"component"},
	)
	ShutdownInFlightRequests = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shutdownInFlightRequests",
			Help: "In-flight requests observed when graceful shutdown began",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		ForecastAPICallsTotal, ForecastAPIDuration, ForecastAPIRetriesTotal,
		CacheHitsTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		StaleCacheServesTotal, StaleCacheAgeSeconds,
		CacheStampedeDetectedTotal, CacheStampedeConcurrency,
		RequestCoalescingHitsTotal, RequestCoalescingWaitSeconds,
		CacheWarmingTotal, CacheWarmingErrorsTotal, CacheWarmingDurationSeconds,
		StrategyQueriesTotal, StrategyQueriesByCircuitTotal,
		RouteQueriesTotal, RouteWaypoints,
		RateLimitDeniedTotal,
		CircuitBreakerTransitionsTotal, CircuitBreakerState,
		ShutdownInFlightRequests,
	)
}

// RegisterRateLimitGauges registers load and rejects gauges for the rate-limited path.
// Call from main after config load with cfg.OverloadWindow. Uses same window as lifecycle.
func RegisterRateLimitGauges(window time.Duration) {
	rateLimitGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRequestsInWindow",
					Help: "Requests hitting rate-limited path in sliding window; load/capacity planning",
				},
				func() float64 { return float64(overload.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in sliding window; are we rejecting requests",
				},
				func() float64 { return float64(overload.DenialCount(window)) },
			),
		)
	})
}

// SetTrackedCircuits sets the allow-list for circuit metrics. Non-tracked circuits increment "other".
func SetTrackedCircuits(circuits []string) {
	trackedCircuitsMu.Lock()
	defer trackedCircuitsMu.Unlock()
	trackedCircuits = make(map[string]struct{}, len(circuits))
	for _, c := range circuits {
		trackedCircuits[normalizeCircuitForMetrics(c)] = struct{}{}
	}
}

// MetricCircuitLabel maps a circuit/cache key to its metric label: the
// normalized name when tracked, otherwise "other" to bound cardinality.
func MetricCircuitLabel(circuit string) string {
	c := normalizeCircuitForMetrics(circuit)
	trackedCircuitsMu.RLock()
	_, ok := trackedCircuits[c] // nil map read is safe in Go
	trackedCircuitsMu.RUnlock()
	if ok {
		return c
	}
	return "other"
}

// RecordStrategyQuery records a strategy lookup for the given circuit label.
func RecordStrategyQuery(circuit string) {
	StrategyQueriesTotal.Inc()
	StrategyQueriesByCircuitTotal.WithLabelValues(MetricCircuitLabel(circuit)).Inc()
}

// RecordCircuitBreakerTransition records one breaker state change for a component.
func RecordCircuitBreakerTransition(component, from, to string) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
}

// SetCircuitBreakerStateGauge sets the current breaker state gauge for a component.
func SetCircuitBreakerStateGauge(component string, state float64) {
	CircuitBreakerState.WithLabelValues(component).Set(state)
}

// RecordShutdownInFlight records the in-flight count observed at shutdown start.
func RecordShutdownInFlight(count int64) {
	ShutdownInFlightRequests.Set(float64(count))
}

func normalizeCircuitForMetrics(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ToLower(s)
	return s
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
