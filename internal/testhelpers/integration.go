//go:build integration
// +build integration

// Package testhelpers builds live dependencies for integration tests.
package testhelpers

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/kjstillabower/weather-dashboard-api/internal/cache"
	"github.com/kjstillabower/weather-dashboard-api/internal/client"
	"github.com/kjstillabower/weather-dashboard-api/internal/service"
	"github.com/kjstillabower/weather-dashboard-api/internal/store"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey        string
	APIURL        string
	CacheBackend  string // "in_memory", "memcached" or "redis"
	MemcachedAddr string
	RedisURL      string
	DatabaseURL   string // postgres DSN; empty uses an in-memory sqlite store
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}
	return IntegrationTestConfig{
		APIKey:        apiKey,
		APIURL:        envOr("WEATHER_API_URL", "https://api.openweathermap.org"),
		CacheBackend:  os.Getenv("INTEGRATION_CACHE_BACKEND"),
		MemcachedAddr: envOr("MEMCACHED_ADDRS", "localhost:11211"),
		RedisURL:      envOr("REDIS_URL", "redis://localhost:6379/0"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// SetupIntegrationClient creates a weather client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	t.Helper()
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, 5*time.Second)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// SetupIntegrationCache connects the configured backend, falling back to the
// in-memory cache when it is unreachable. Closed on test cleanup.
func SetupIntegrationCache(t *testing.T, cfg IntegrationTestConfig) cache.Cache {
	t.Helper()
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddr, 500*time.Millisecond, 2)
		if err == nil {
			t.Cleanup(func() { _ = mc.Close() })
			t.Logf("Using Memcached cache at %s", cfg.MemcachedAddr)
			return mc
		}
		t.Logf("Memcached not available (%v), using in-memory cache", err)
	case "redis":
		rc, err := cache.NewRedisCache(context.Background(), cache.RedisOptions{URL: cfg.RedisURL})
		if err == nil {
			t.Cleanup(func() { _ = rc.Close() })
			t.Logf("Using Redis cache at %s", cfg.RedisURL)
			return rc
		}
		t.Logf("Redis not available (%v), using in-memory cache", err)
	}
	return cache.NewInMemoryCache()
}

// SetupIntegrationStore opens postgres when DATABASE_URL is set and an
// in-memory sqlite database otherwise.
func SetupIntegrationStore(t *testing.T, cfg IntegrationTestConfig) store.UserStore {
	t.Helper()
	ctx := context.Background()
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, store.PostgresOptions{DSN: cfg.DatabaseURL})
		if err != nil {
			t.Fatalf("NewPostgresStore() error = %v", err)
		}
		t.Cleanup(func() { _ = pg.Close() })
		return pg
	}
	lite, err := store.NewSQLiteStore(ctx, ":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = lite.Close() })
	return lite
}

// SetupIntegrationService creates a weather service over the live client.
// Returns the service and the cache it reads through.
func SetupIntegrationService(t *testing.T, cfg IntegrationTestConfig) (*service.WeatherService, cache.Cache) {
	t.Helper()
	c := SetupIntegrationCache(t, cfg)
	return service.NewWeatherService(SetupIntegrationClient(t, cfg), c, service.WeatherOptions{}), c
}
