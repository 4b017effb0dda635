package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/kjstillabower/weather-dashboard-api/internal/models"
)

type mockConditionsFetcher struct {
	mu    sync.Mutex
	calls []models.Coordinates
	fail  map[models.Coordinates]error
}

func (m *mockConditionsFetcher) CurrentConditions(ctx context.Context, lat, lon float64) (models.Snapshot, error) {
	c := models.Coordinates{Lat: lat, Lon: lon}
	m.mu.Lock()
	m.calls = append(m.calls, c)
	m.mu.Unlock()
	if err := m.fail[c]; err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{Lat: lat, Lon: lon}, nil
}

func TestCacheWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockConditionsFetcher{}
	warmer := NewCacheWarmer(fetcher, nil)

	locs := []models.Coordinates{{Lat: 47.6062, Lon: -122.3321}, {Lat: 42.3601, Lon: -71.0589}}
	if err := warmer.Warm(context.Background(), locs); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if len(fetcher.calls) != 2 {
		t.Errorf("fetcher called %d times, want 2", len(fetcher.calls))
	}
}

func TestCacheWarmer_Warm_EmptyLocations(t *testing.T) {
	warmer := NewCacheWarmer(&mockConditionsFetcher{}, nil)
	if err := warmer.Warm(context.Background(), nil); err != nil {
		t.Fatalf("Warm() with nil locations error = %v, want nil", err)
	}
}

// TestCacheWarmer_Warm_PartialFailure verifies one failed location does not stop the rest.
func TestCacheWarmer_Warm_PartialFailure(t *testing.T) {
	bad := models.Coordinates{Lat: 1, Lon: 2}
	fetcher := &mockConditionsFetcher{fail: map[models.Coordinates]error{bad: errors.New("api down")}}
	warmer := NewCacheWarmer(fetcher, nil)

	err := warmer.Warm(context.Background(), []models.Coordinates{bad, {Lat: 3, Lon: 4}})
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "api down") || !strings.Contains(err.Error(), "1.0000,2.0000") {
		t.Errorf("Warm() error = %q, want failing location and cause", err)
	}
	if len(fetcher.calls) != 2 {
		t.Errorf("fetcher called %d times, want 2", len(fetcher.calls))
	}
}
