//go:build integration
// +build integration

package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"racecontrol/internal/models"
	"racecontrol/internal/testhelpers"
)

// setupIntegrationRouter builds a full router against the live forecast API.
func setupIntegrationRouter(t *testing.T) *mux.Router {
	t.Helper()
	cfg := testhelpers.GetIntegrationConfig(t)
	svc, _, cleanup := testhelpers.SetupIntegrationService(t, cfg)
	t.Cleanup(cleanup)

	forecastClient := testhelpers.SetupIntegrationClient(t, cfg)
	logger, _ := zap.NewDevelopment()
	handler := NewHandler(svc, forecastClient, nil, logger, nil, 0)

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware(nil))
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.HandleFunc("/forecast", handler.GetForecast).Methods("GET")
	router.HandleFunc("/strategy", handler.GetStrategy).Methods("GET")
	router.HandleFunc("/strategy/circuit/{name}", handler.GetCircuitStrategy).Methods("GET")
	router.HandleFunc("/circuits", handler.ListCircuits).Methods("GET")
	return router
}

func TestIntegration_StrategyEndToEnd(t *testing.T) {
	router := setupIntegrationRouter(t)

	req := httptest.NewRequest("GET", "/strategy/circuit/zandvoort", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var response models.CircuitStrategy
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response.Circuit != "zandvoort" {
		t.Errorf("Circuit = %q, want zandvoort", response.Circuit)
	}
	if len(response.Rows) == 0 {
		t.Error("strategy table has no rows")
	}
	for _, row := range response.Rows {
		if row.Tire == "" || row.Condition == "" {
			t.Errorf("row at %v missing tire call or condition", row.Time)
		}
	}
	if got := w.Header().Get("X-Correlation-ID"); got == "" {
		t.Error("response missing X-Correlation-ID header")
	}
}

func TestIntegration_ForecastCachedSecondCall(t *testing.T) {
	router := setupIntegrationRouter(t)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("GET", "/forecast?lat=52.387&lon=4.540", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("call %d status = %d, want 200 (body %s)", i, w.Code, w.Body.String())
		}
		var forecast models.Forecast
		if err := json.NewDecoder(w.Body).Decode(&forecast); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if len(forecast.Samples) == 0 {
			t.Fatalf("call %d returned no samples", i)
		}
	}
}

func TestIntegration_HealthReflectsUpstream(t *testing.T) {
	router := setupIntegrationRouter(t)

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200 (body %s)", w.Code, w.Body.String())
	}
	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if response["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", response["status"])
	}
}
