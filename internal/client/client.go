package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"racecontrol/internal/circuitbreaker"
	"racecontrol/internal/models"
	"racecontrol/internal/observability"
)

// ForecastClient fetches the minutely forecast window for a coordinate pair.
type ForecastClient interface {
	GetForecast(ctx context.Context, lat, lon float64) (models.Forecast, error)
	Ping(ctx context.Context) error
}

var (
	ErrCoordinatesRejected = errors.New("coordinates rejected by upstream")
	ErrUpstreamFailure     = errors.New("upstream failure")
	ErrRateLimited         = errors.New("rate limited")
)

// minutelyVariables are the Open-Meteo 15-minutely fields the strategy
// engine consumes. Order matters only for the query string.
var minutelyVariables = []string{
	"temperature_2m",
	"apparent_temperature",
	"precipitation",
	"wind_speed_10m",
	"wind_direction_10m",
	"cloud_cover_low",
	"cloud_cover_mid",
	"cloud_cover_high",
}

// OpenMeteoClient calls the Open-Meteo forecast API. The API is keyless;
// reliability comes from bounded retries with exponential backoff and an
// optional circuit breaker.
type OpenMeteoClient struct {
	apiURL         string
	timeout        time.Duration
	client         *http.Client
	retryAttempts  int
	retryBaseDelay time.Duration
	retryMaxDelay  time.Duration
	lookback       time.Duration
	horizon        time.Duration
	breaker        *circuitbreaker.CircuitBreaker
	now            func() time.Time // test seam
}

// NewOpenMeteoClient creates a client with default retry settings.
// lookback and horizon bound the returned window around "now".
func NewOpenMeteoClient(apiURL string, timeout, lookback, horizon time.Duration) (*OpenMeteoClient, error) {
	return NewOpenMeteoClientWithRetry(apiURL, timeout, lookback, horizon, 3, 100*time.Millisecond, 2*time.Second)
}

// NewOpenMeteoClientWithRetry creates a client with explicit retry settings.
func NewOpenMeteoClientWithRetry(apiURL string, timeout, lookback, horizon time.Duration, retryAttempts int, retryBaseDelay, retryMaxDelay time.Duration) (*OpenMeteoClient, error) {
	if apiURL == "" {
		return nil, fmt.Errorf("API URL is required")
	}
	if _, err := url.Parse(apiURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if lookback <= 0 {
		lookback = 15 * time.Minute
	}
	if horizon <= 0 {
		horizon = 3 * time.Hour
	}

	return &OpenMeteoClient{
		apiURL:         apiURL,
		timeout:        timeout,
		retryAttempts:  retryAttempts,
		retryBaseDelay: retryBaseDelay,
		retryMaxDelay:  retryMaxDelay,
		lookback:       lookback,
		horizon:        horizon,
		now:            time.Now,
		client: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// SetCircuitBreaker wraps upstream calls with the given breaker.
func (c *OpenMeteoClient) SetCircuitBreaker(cb *circuitbreaker.CircuitBreaker) {
	c.breaker = cb
}

// openMeteoResponse mirrors the columnar JSON of /v1/forecast with
// timeformat=unixtime.
type openMeteoResponse struct {
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	Minutely15 struct {
		Time          []int64   `json:"time"`
		Temperature   []float64 `json:"temperature_2m"`
		ApparentTemp  []float64 `json:"apparent_temperature"`
		Precipitation []float64 `json:"precipitation"`
		WindSpeed     []float64 `json:"wind_speed_10m"`
		WindDirection []float64 `json:"wind_direction_10m"`
		CloudLow      []float64 `json:"cloud_cover_low"`
		CloudMid      []float64 `json:"cloud_cover_mid"`
		CloudHigh     []float64 `json:"cloud_cover_high"`
	} `json:"minutely_15"`
}

// openMeteoError is the upstream error envelope ({"error":true,"reason":...}).
type openMeteoError struct {
	Error  bool   `json:"error"`
	Reason string `json:"reason"`
}

// GetForecast fetches the forecast for (lat, lon) with retries and returns
// the samples inside the now-lookback..now+horizon window.
func (c *OpenMeteoClient) GetForecast(ctx context.Context, lat, lon float64) (models.Forecast, error) {
	var lastErr error

	for attempt := 0; attempt < c.retryAttempts; attempt++ {
		if attempt > 0 {
			observability.ForecastAPIRetriesTotal.Inc()
			delay := c.calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return models.Forecast{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		result, err := c.fetch(ctx, lat, lon)
		if err == nil {
			return result, nil
		}

		lastErr = err
		if !c.isRetryable(err) {
			return models.Forecast{}, err
		}
	}

	return models.Forecast{}, fmt.Errorf("exhausted retries: %w", lastErr)
}

// fetch performs one upstream call, through the breaker when configured.
func (c *OpenMeteoClient) fetch(ctx context.Context, lat, lon float64) (models.Forecast, error) {
	if c.breaker == nil {
		return c.callAPI(ctx, lat, lon)
	}
	var result models.Forecast
	err := c.breaker.Call(ctx, func() error {
		var callErr error
		result, callErr = c.callAPI(ctx, lat, lon)
		return callErr
	})
	if err != nil {
		return models.Forecast{}, err
	}
	return result, nil
}

func (c *OpenMeteoClient) callAPI(ctx context.Context, lat, lon float64) (models.Forecast, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, lat, lon)
	if err != nil {
		observability.ForecastAPICallsTotal.WithLabelValues("error").Inc()
		return models.Forecast{}, fmt.Errorf("build request: %w", err)
	}

	corrID := extractCorrelationID(ctx)
	if corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		duration := time.Since(start).Seconds()
		observability.ForecastAPICallsTotal.WithLabelValues("error").Inc()
		observability.ForecastAPIDuration.WithLabelValues("error").Observe(duration)

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return models.Forecast{}, fmt.Errorf("request timeout: %w", err)
		}
		return models.Forecast{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	duration := time.Since(start).Seconds()
	status := statusLabel(resp.StatusCode)
	observability.ForecastAPICallsTotal.WithLabelValues(status).Inc()
	observability.ForecastAPIDuration.WithLabelValues(status).Observe(duration)

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return models.Forecast{}, fmt.Errorf("read response body: %w", err)
	}

	if err := c.handleErrorResponse(resp.StatusCode, body); err != nil {
		return models.Forecast{}, err
	}

	var apiResp openMeteoResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return models.Forecast{}, fmt.Errorf("parse response: %w", err)
	}

	return c.mapResponse(apiResp, lat, lon)
}

func (c *OpenMeteoClient) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, ErrUpstreamFailure) {
		return true
	}

	errStr := err.Error()
	if strings.Contains(errStr, "timeout") || strings.Contains(errStr, "context deadline exceeded") || strings.Contains(errStr, "context canceled") {
		return true
	}

	return false
}

func (c *OpenMeteoClient) calculateBackoff(attempt int) time.Duration {
	delay := float64(c.retryBaseDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(c.retryMaxDelay) {
		delay = float64(c.retryMaxDelay)
	}

	jitter := delay * 0.1 * rand.Float64()
	return time.Duration(delay + jitter)
}

func (c *OpenMeteoClient) buildRequest(ctx context.Context, lat, lon float64) (*http.Request, error) {
	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}

	params := url.Values{}
	params.Set("latitude", formatCoord(lat))
	params.Set("longitude", formatCoord(lon))
	params.Set("minutely_15", strings.Join(minutelyVariables, ","))
	params.Set("forecast_days", "1")
	params.Set("models", "best_match")
	params.Set("timeformat", "unixtime")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *OpenMeteoClient) handleErrorResponse(statusCode int, body []byte) error {
	switch statusCode {
	case http.StatusBadRequest:
		var apiErr openMeteoError
		if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Reason != "" {
			return fmt.Errorf("%w: %s", ErrCoordinatesRejected, apiErr.Reason)
		}
		return fmt.Errorf("%w", ErrCoordinatesRejected)
	case http.StatusTooManyRequests:
		return fmt.Errorf("%w", ErrRateLimited)
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, statusCode)
	}

	if statusCode < 200 || statusCode >= 300 {
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, statusCode)
	}

	return nil
}

// mapResponse converts columnar arrays into row samples and applies the
// window filter. Short columns are tolerated; a slot missing any column is
// dropped rather than zero-filled into a misleading DRY call.
func (c *OpenMeteoClient) mapResponse(apiResp openMeteoResponse, lat, lon float64) (models.Forecast, error) {
	m := apiResp.Minutely15
	if len(m.Time) == 0 {
		return models.Forecast{}, fmt.Errorf("parse response: no minutely_15 data")
	}

	now := c.now().UTC()
	windowStart := now.Add(-c.lookback)
	windowEnd := now.Add(c.horizon)

	samples := make([]models.ForecastSample, 0, len(m.Time))
	for i, unix := range m.Time {
		if i >= len(m.Temperature) || i >= len(m.ApparentTemp) || i >= len(m.Precipitation) ||
			i >= len(m.WindSpeed) || i >= len(m.WindDirection) ||
			i >= len(m.CloudLow) || i >= len(m.CloudMid) || i >= len(m.CloudHigh) {
			break
		}
		t := time.Unix(unix, 0).UTC()
		if t.Before(windowStart) || t.After(windowEnd) {
			continue
		}
		samples = append(samples, models.ForecastSample{
			Time:         t,
			Temperature:  m.Temperature[i],
			ApparentTemp: m.ApparentTemp[i],
			Precip:       m.Precipitation[i],
			WindSpeed:    m.WindSpeed[i],
			WindDir:      m.WindDirection[i],
			CloudLow:     m.CloudLow[i],
			CloudMid:     m.CloudMid[i],
			CloudHigh:    m.CloudHigh[i],
		})
	}

	return models.Forecast{
		Latitude:  lat,
		Longitude: lon,
		Samples:   samples,
		FetchedAt: now,
	}, nil
}

// Ping performs a minimal upstream call to verify reachability. Used by the
// health handler and degraded recovery in place of an API key check
// (Open-Meteo is keyless).
func (c *OpenMeteoClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	baseURL, err := url.Parse(c.apiURL)
	if err != nil {
		return fmt.Errorf("invalid API URL: %w", err)
	}
	params := url.Values{}
	params.Set("latitude", "52.387")
	params.Set("longitude", "4.54")
	params.Set("current", "temperature_2m")
	baseURL.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, "GET", baseURL.String(), nil)
	if err != nil {
		return fmt.Errorf("build ping request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("ping request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping failed: HTTP %d", resp.StatusCode)
	}

	return nil
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == 429 {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
