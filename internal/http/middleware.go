package http

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"racecontrol/internal/observability"
	"racecontrol/internal/overload"
)

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// CorrelationIDMiddleware attaches a correlation ID to each request. An
// incoming X-Correlation-ID header is honored; otherwise a new UUID is
// generated. The ID is stored in the request context together with a
// request-scoped logger and echoed back in the response header.
func CorrelationIDMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			corrID := r.Header.Get("X-Correlation-ID")
			if corrID == "" {
				corrID = uuid.New().String()
			}

			reqLogger := logger.With(zap.String("correlation_id", corrID))
			ctx := context.WithValue(r.Context(), "correlation_id", corrID)
			ctx = context.WithValue(ctx, "logger", reqLogger)

			w.Header().Set("X-Correlation-ID", corrID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// MetricsMiddleware records request count, duration, and in-flight gauge
// for every request. inFlight may be nil (metrics-only mode).
func MetricsMiddleware(inFlight *InFlightTracker) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := getRoute(r.URL.Path)
			observability.HTTPRequestsInFlight.Inc()
			if inFlight != nil {
				inFlight.Inc()
			}
			start := time.Now()

			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			duration := time.Since(start).Seconds()
			observability.HTTPRequestsInFlight.Dec()
			if inFlight != nil {
				inFlight.Dec()
			}
			observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
			observability.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(duration)
		})
	}
}

// RateLimitMiddleware enforces a global token-bucket rate limit. Denied
// requests are recorded for overload tracking and receive a 429.
func RateLimitMiddleware(limiter *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter != nil && !limiter.Allow() {
				overload.RecordDenial()
				observability.RateLimitDeniedTotal.Inc()
				writeError(w, r, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests, please retry later")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TimeoutMiddleware bounds request handling with a context deadline.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// getRoute maps a request path to a low-cardinality route label for metrics.
func getRoute(path string) string {
	switch {
	case path == "/health":
		return "/health"
	case path == "/metrics":
		return "/metrics"
	case path == "/circuits":
		return "/circuits"
	case path == "/routes":
		return "/routes"
	case path == "/forecast":
		return "/forecast"
	case path == "/strategy":
		return "/strategy"
	case strings.HasPrefix(path, "/strategy/circuit/"):
		return "/strategy/circuit/{name}"
	case strings.HasPrefix(path, "/strategy/route/"):
		return "/strategy/route/{name}"
	case path == "/test" || strings.HasPrefix(path, "/test/"):
		return "/test"
	default:
		return "other"
	}
}
