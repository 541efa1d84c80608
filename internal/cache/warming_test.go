package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"racecontrol/internal/circuits"
	"racecontrol/internal/models"
)

type mockFetcher struct {
	mu      sync.Mutex
	fetched []string
	failFor map[string]error // keyed by "lat,lon" via Key()
}

func (m *mockFetcher) GetForecast(ctx context.Context, lat, lon float64) (models.Forecast, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := Key(lat, lon)
	m.fetched = append(m.fetched, k)
	if err, ok := m.failFor[k]; ok {
		return models.Forecast{}, err
	}
	return models.Forecast{Latitude: lat, Longitude: lon, FetchedAt: time.Now()}, nil
}

func trackedCircuits() []circuits.Circuit {
	return []circuits.Circuit{
		{Name: "zandvoort", Latitude: 52.387, Longitude: 4.540},
		{Name: "spa", Latitude: 50.437, Longitude: 5.971},
	}
}

func TestCacheWarmer_WarmsAllCircuits(t *testing.T) {
	fetcher := &mockFetcher{}
	logger, _ := zap.NewDevelopment()
	warmer := NewCacheWarmer(fetcher, logger)

	if err := warmer.Warm(context.Background(), trackedCircuits()); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if len(fetcher.fetched) != 2 {
		t.Errorf("fetched %d circuits, want 2", len(fetcher.fetched))
	}
}

func TestCacheWarmer_AggregatesErrors(t *testing.T) {
	fetcher := &mockFetcher{
		failFor: map[string]error{
			Key(50.437, 5.971): errors.New("upstream down"),
		},
	}
	logger, _ := zap.NewDevelopment()
	warmer := NewCacheWarmer(fetcher, logger)

	err := warmer.Warm(context.Background(), trackedCircuits())
	if err == nil {
		t.Fatal("Warm() error = nil, want aggregated error")
	}
	if !strings.Contains(err.Error(), "spa") {
		t.Errorf("Warm() error = %v, want failing circuit named", err)
	}
	// The healthy circuit is still fetched.
	if len(fetcher.fetched) != 2 {
		t.Errorf("fetched %d circuits, want 2 (failures do not stop other circuits)", len(fetcher.fetched))
	}
}

func TestCacheWarmer_EmptyTrackedList(t *testing.T) {
	warmer := NewCacheWarmer(&mockFetcher{}, nil)
	if err := warmer.Warm(context.Background(), nil); err != nil {
		t.Errorf("Warm() error = %v, want nil for empty list", err)
	}
}

func TestCacheWarmer_WarmPeriodic_StopsOnContextCancel(t *testing.T) {
	fetcher := &mockFetcher{}
	warmer := NewCacheWarmer(fetcher, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- warmer.WarmPeriodic(ctx, trackedCircuits(), 10*time.Millisecond)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("WarmPeriodic() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("WarmPeriodic() did not stop after context cancel")
	}

	fetcher.mu.Lock()
	fetches := len(fetcher.fetched)
	fetcher.mu.Unlock()
	// Initial warm plus at least one tick.
	if fetches < 4 {
		t.Errorf("fetched %d times, want at least 4 (initial + ticks)", fetches)
	}
}
