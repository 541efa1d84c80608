package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"racecontrol/internal/circuits"
	"racecontrol/internal/client"
	"racecontrol/internal/degraded"
	"racecontrol/internal/lifecycle"
	"racecontrol/internal/models"
	"racecontrol/internal/route"
	"racecontrol/internal/service"
)

type mockForecastClient struct {
	forecast models.Forecast
	err      error
	pingErr  error
}

func (m *mockForecastClient) GetForecast(ctx context.Context, lat, lon float64) (models.Forecast, error) {
	if m.err != nil {
		return models.Forecast{}, m.err
	}
	f := m.forecast
	f.Latitude = lat
	f.Longitude = lon
	return f, nil
}

func (m *mockForecastClient) Ping(ctx context.Context) error {
	return m.pingErr
}

type mockCache struct {
	data map[string]models.Forecast
	err  error
}

func (m *mockCache) Get(ctx context.Context, key string) (models.Forecast, bool, error) {
	if m.err != nil {
		return models.Forecast{}, false, m.err
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *mockCache) GetStale(ctx context.Context, key string, maxStaleAge time.Duration) (models.Forecast, bool, error) {
	if m.err != nil {
		return models.Forecast{}, false, m.err
	}
	val, ok := m.data[key]
	return val, ok, nil
}

func (m *mockCache) Set(ctx context.Context, key string, value models.Forecast, ttl time.Duration) error {
	if m.err != nil {
		return m.err
	}
	if m.data == nil {
		m.data = make(map[string]models.Forecast)
	}
	m.data[key] = value
	return nil
}

type mockRouteLoader struct {
	names     []string
	waypoints map[string][]models.Waypoint
	listErr   error
}

func (m *mockRouteLoader) List() ([]string, error) {
	return m.names, m.listErr
}

func (m *mockRouteLoader) Load(name string) ([]models.Waypoint, error) {
	wps, ok := m.waypoints[name]
	if !ok {
		return nil, route.ErrRouteNotFound
	}
	if len(wps) == 0 {
		return nil, route.ErrEmptyRoute
	}
	return wps, nil
}

// testForecast returns a forecast whose first sample covers "now".
func testForecast() models.Forecast {
	return models.Forecast{
		Samples: []models.ForecastSample{
			{
				Time:        time.Now().Truncate(15 * time.Minute),
				Temperature: 18.0,
				Precip:      0,
				WindSpeed:   12.0,
				CloudLow:    20,
				CloudMid:    10,
			},
			{
				Time:        time.Now().Truncate(15 * time.Minute).Add(15 * time.Minute),
				Temperature: 17.5,
				Precip:      0.8,
				WindSpeed:   14.0,
			},
		},
		FetchedAt: time.Now(),
	}
}

// newTestHandler wires a Handler with mocks. routes may be nil.
func newTestHandler(t *testing.T, mc *mockForecastClient, routes service.RouteLoader) *Handler {
	t.Helper()
	if routes == nil {
		routes = &mockRouteLoader{}
	}
	cacheSvc := &mockCache{data: make(map[string]models.Forecast)}
	svc := service.NewStrategyService(mc, cacheSvc, circuits.NewRegistry(), routes, 5*time.Minute, 0, false, 0)
	logger, _ := zap.NewDevelopment()
	return NewHandler(svc, mc, nil, logger, nil, 0)
}

func newTestRouter(h *Handler) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/forecast", h.GetForecast).Methods("GET")
	router.HandleFunc("/strategy", h.GetStrategy).Methods("GET")
	router.HandleFunc("/strategy/circuit/{name}", h.GetCircuitStrategy).Methods("GET")
	router.HandleFunc("/strategy/route/{name}", h.GetRouteStrategy).Methods("GET")
	router.HandleFunc("/circuits", h.ListCircuits).Methods("GET")
	router.HandleFunc("/routes", h.ListRoutes).Methods("GET")
	router.HandleFunc("/health", h.GetHealth).Methods("GET")
	router.HandleFunc("/test", h.GetTestStatus).Methods("GET")
	router.HandleFunc("/test/{action}", h.PostTestAction).Methods("POST")
	return router
}

func doRequest(router *mux.Router, method, target string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	logger, _ := zap.NewDevelopment()
	ctx := context.WithValue(req.Context(), "logger", logger)
	ctx = context.WithValue(ctx, "correlation_id", "test-correlation-id")
	req = req.WithContext(ctx)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeErrorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var errorResp map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&errorResp); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}
	errorObj, ok := errorResp["error"].(map[string]interface{})
	if !ok {
		t.Fatal("Error response missing 'error' field")
	}
	code, _ := errorObj["code"].(string)
	return code
}

// TestHandler_GetStrategy_Success verifies that GetStrategy returns a strategy
// table with correct HTTP status and rows when the upstream fetch succeeds.
func TestHandler_GetStrategy_Success(t *testing.T) {
	degraded.Reset()
	handler := newTestHandler(t, &mockForecastClient{forecast: testForecast()}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/strategy?lat=52.387&lon=4.540")

	if w.Code != http.StatusOK {
		t.Fatalf("GetStrategy() status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}

	var response models.CircuitStrategy
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Latitude != 52.387 {
		t.Errorf("Response.Latitude = %v, want 52.387", response.Latitude)
	}
	if len(response.Rows) != 2 {
		t.Errorf("len(Response.Rows) = %d, want 2", len(response.Rows))
	}
	degraded.Reset()
}

// TestHandler_GetForecast_InvalidCoordinates verifies 400 responses for
// missing and out-of-range coordinates.
func TestHandler_GetForecast_InvalidCoordinates(t *testing.T) {
	handler := newTestHandler(t, &mockForecastClient{forecast: testForecast()}, nil)
	router := newTestRouter(handler)

	tests := []struct {
		name   string
		target string
	}{
		{"missing both", "/forecast"},
		{"missing lon", "/forecast?lat=52.3"},
		{"non-numeric", "/forecast?lat=abc&lon=4.5"},
		{"lat out of range", "/forecast?lat=91&lon=4.5"},
		{"lon out of range", "/forecast?lat=52.3&lon=181"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(router, "GET", tt.target)
			if w.Code != http.StatusBadRequest {
				t.Errorf("GetForecast() status = %d, want %d", w.Code, http.StatusBadRequest)
			}
			if code := decodeErrorCode(t, w); code != "INVALID_COORDINATES" {
				t.Errorf("Error code = %q, want INVALID_COORDINATES", code)
			}
		})
	}
}

// TestHandler_GetForecast_UpstreamError verifies that upstream failures map to
// 503 with UPSTREAM_UNAVAILABLE.
func TestHandler_GetForecast_UpstreamError(t *testing.T) {
	degraded.Reset()
	handler := newTestHandler(t, &mockForecastClient{err: errors.New("upstream unavailable")}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/forecast?lat=52.387&lon=4.540")

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("GetForecast() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if code := decodeErrorCode(t, w); code != "UPSTREAM_UNAVAILABLE" {
		t.Errorf("Error code = %q, want UPSTREAM_UNAVAILABLE", code)
	}
	degraded.Reset()
}

// TestHandler_GetForecast_CoordinatesRejected verifies that provider-side
// coordinate rejection maps to 400, not 503.
func TestHandler_GetForecast_CoordinatesRejected(t *testing.T) {
	degraded.Reset()
	handler := newTestHandler(t, &mockForecastClient{err: client.ErrCoordinatesRejected}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/forecast?lat=52.387&lon=4.540")

	if w.Code != http.StatusBadRequest {
		t.Errorf("GetForecast() status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := decodeErrorCode(t, w); code != "INVALID_COORDINATES" {
		t.Errorf("Error code = %q, want INVALID_COORDINATES", code)
	}
	degraded.Reset()
}

// TestHandler_GetCircuitStrategy_Default verifies the built-in circuit resolves
// and produces a strategy table.
func TestHandler_GetCircuitStrategy_Default(t *testing.T) {
	degraded.Reset()
	handler := newTestHandler(t, &mockForecastClient{forecast: testForecast()}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/strategy/circuit/zandvoort")

	if w.Code != http.StatusOK {
		t.Fatalf("GetCircuitStrategy() status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}

	var response models.CircuitStrategy
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Circuit != "zandvoort" {
		t.Errorf("Response.Circuit = %q, want zandvoort", response.Circuit)
	}
	degraded.Reset()
}

// TestHandler_GetCircuitStrategy_NotFound verifies 404 for unknown circuits.
func TestHandler_GetCircuitStrategy_NotFound(t *testing.T) {
	handler := newTestHandler(t, &mockForecastClient{forecast: testForecast()}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/strategy/circuit/nowhere")

	if w.Code != http.StatusNotFound {
		t.Errorf("GetCircuitStrategy() status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if code := decodeErrorCode(t, w); code != "CIRCUIT_NOT_FOUND" {
		t.Errorf("Error code = %q, want CIRCUIT_NOT_FOUND", code)
	}
}

// TestHandler_GetCircuitStrategy_InvalidName verifies 400 for names carrying
// disallowed characters.
func TestHandler_GetCircuitStrategy_InvalidName(t *testing.T) {
	handler := newTestHandler(t, &mockForecastClient{forecast: testForecast()}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/strategy/circuit/zand!voort")

	if w.Code != http.StatusBadRequest {
		t.Errorf("GetCircuitStrategy() status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if code := decodeErrorCode(t, w); code != "INVALID_NAME" {
		t.Errorf("Error code = %q, want INVALID_NAME", code)
	}
}

// TestHandler_GetRouteStrategy_Success verifies the per-waypoint tire calls
// for a known route.
func TestHandler_GetRouteStrategy_Success(t *testing.T) {
	degraded.Reset()
	routes := &mockRouteLoader{
		names: []string{"col-de-turini"},
		waypoints: map[string][]models.Waypoint{
			"col-de-turini": {
				{Name: "START", Latitude: 43.97, Longitude: 7.39},
				{Name: "WP-01", Latitude: 43.98, Longitude: 7.40},
				{Name: "FINISH", Latitude: 43.99, Longitude: 7.41},
			},
		},
	}
	handler := newTestHandler(t, &mockForecastClient{forecast: testForecast()}, routes)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/strategy/route/col-de-turini")

	if w.Code != http.StatusOK {
		t.Fatalf("GetRouteStrategy() status = %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}

	var response models.RouteStrategy
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response.Route != "col-de-turini" {
		t.Errorf("Response.Route = %q, want col-de-turini", response.Route)
	}
	if len(response.Calls) != 3 {
		t.Fatalf("len(Response.Calls) = %d, want 3", len(response.Calls))
	}
	if response.Calls[0].Waypoint.Name != "START" || response.Calls[2].Waypoint.Name != "FINISH" {
		t.Errorf("Waypoint names = %q..%q, want START..FINISH",
			response.Calls[0].Waypoint.Name, response.Calls[2].Waypoint.Name)
	}
	degraded.Reset()
}

// TestHandler_GetRouteStrategy_NotFound verifies 404 for unknown routes.
func TestHandler_GetRouteStrategy_NotFound(t *testing.T) {
	handler := newTestHandler(t, &mockForecastClient{forecast: testForecast()}, &mockRouteLoader{})
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/strategy/route/nowhere")

	if w.Code != http.StatusNotFound {
		t.Errorf("GetRouteStrategy() status = %d, want %d", w.Code, http.StatusNotFound)
	}
	if code := decodeErrorCode(t, w); code != "ROUTE_NOT_FOUND" {
		t.Errorf("Error code = %q, want ROUTE_NOT_FOUND", code)
	}
}

// TestHandler_GetRouteStrategy_EmptyRoute verifies 422 for routes with no
// track points.
func TestHandler_GetRouteStrategy_EmptyRoute(t *testing.T) {
	routes := &mockRouteLoader{
		waypoints: map[string][]models.Waypoint{"blank": {}},
	}
	handler := newTestHandler(t, &mockForecastClient{forecast: testForecast()}, routes)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/strategy/route/blank")

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("GetRouteStrategy() status = %d, want %d", w.Code, http.StatusUnprocessableEntity)
	}
	if code := decodeErrorCode(t, w); code != "EMPTY_ROUTE" {
		t.Errorf("Error code = %q, want EMPTY_ROUTE", code)
	}
}

// TestHandler_ListCircuits verifies the circuits listing.
func TestHandler_ListCircuits(t *testing.T) {
	handler := newTestHandler(t, &mockForecastClient{}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/circuits")

	if w.Code != http.StatusOK {
		t.Fatalf("ListCircuits() status = %d, want %d", w.Code, http.StatusOK)
	}
	var response struct {
		Circuits []circuits.Circuit `json:"circuits"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response.Circuits) == 0 {
		t.Error("ListCircuits() returned no circuits, want at least the default")
	}
}

// TestHandler_ListRoutes verifies the routes listing, including the empty case.
func TestHandler_ListRoutes(t *testing.T) {
	routes := &mockRouteLoader{names: []string{"col-de-turini", "ouninpohja"}}
	handler := newTestHandler(t, &mockForecastClient{}, routes)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/routes")

	if w.Code != http.StatusOK {
		t.Fatalf("ListRoutes() status = %d, want %d", w.Code, http.StatusOK)
	}
	var response struct {
		Routes []string `json:"routes"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if len(response.Routes) != 2 {
		t.Errorf("len(Routes) = %d, want 2", len(response.Routes))
	}
}

// TestHandler_GetHealth_Healthy verifies 200 with healthy status when the
// upstream probe succeeds and no health config is set.
func TestHandler_GetHealth_Healthy(t *testing.T) {
	lifecycle.SetShuttingDown(false)
	handler := newTestHandler(t, &mockForecastClient{}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/health")

	if w.Code != http.StatusOK {
		t.Fatalf("GetHealth() status = %d, want %d", w.Code, http.StatusOK)
	}
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", response["status"])
	}
}

// TestHandler_GetHealth_UpstreamUnreachable verifies 503 with degraded status
// when the upstream probe fails.
func TestHandler_GetHealth_UpstreamUnreachable(t *testing.T) {
	lifecycle.SetShuttingDown(false)
	handler := newTestHandler(t, &mockForecastClient{pingErr: errors.New("connection refused")}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/health")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "degraded" {
		t.Errorf("status = %v, want degraded", response["status"])
	}
}

// TestHandler_GetHealth_ShuttingDown verifies the shutdown flag takes priority
// over all other health conditions.
func TestHandler_GetHealth_ShuttingDown(t *testing.T) {
	lifecycle.SetShuttingDown(true)
	defer lifecycle.SetShuttingDown(false)

	handler := newTestHandler(t, &mockForecastClient{}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/health")

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GetHealth() status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != "shutting-down" {
		t.Errorf("status = %v, want shutting-down", response["status"])
	}
}

// TestHandler_PostTestAction_ResetAndShutdown exercises the testing-mode
// action endpoints.
func TestHandler_PostTestAction_ResetAndShutdown(t *testing.T) {
	handler := newTestHandler(t, &mockForecastClient{}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "POST", "/test/shutdown")
	if w.Code != http.StatusOK {
		t.Fatalf("PostTestAction(shutdown) status = %d, want %d", w.Code, http.StatusOK)
	}
	if !lifecycle.IsShuttingDown() {
		t.Error("shutdown action did not set shutting-down flag")
	}

	w = doRequest(router, "POST", "/test/reset")
	if w.Code != http.StatusOK {
		t.Fatalf("PostTestAction(reset) status = %d, want %d", w.Code, http.StatusOK)
	}
	if lifecycle.IsShuttingDown() {
		t.Error("reset action did not clear shutting-down flag")
	}

	w = doRequest(router, "POST", "/test/bogus")
	if w.Code != http.StatusNotFound {
		t.Errorf("PostTestAction(bogus) status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

// TestHandler_GetTestStatus verifies the testing-mode status endpoint shape.
func TestHandler_GetTestStatus(t *testing.T) {
	handler := newTestHandler(t, &mockForecastClient{}, nil)
	router := newTestRouter(handler)

	w := doRequest(router, "GET", "/test")
	if w.Code != http.StatusOK {
		t.Fatalf("GetTestStatus() status = %d, want %d", w.Code, http.StatusOK)
	}
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if _, ok := response["window_length"]; !ok {
		t.Error("GetTestStatus() response missing window_length")
	}
	if _, ok := response["auto_clear"]; !ok {
		t.Error("GetTestStatus() response missing auto_clear")
	}
}
