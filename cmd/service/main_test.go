package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-api/internal/cache"
	"github.com/kjstillabower/weather-dashboard-api/internal/circuitbreaker"
	"github.com/kjstillabower/weather-dashboard-api/internal/client"
	"github.com/kjstillabower/weather-dashboard-api/internal/config"
	"github.com/kjstillabower/weather-dashboard-api/internal/models"
	"github.com/kjstillabower/weather-dashboard-api/internal/store"
)

func TestNewCache_LocalBackends(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		backend string
		check   func(cache.Cache) bool
	}{
		{"in_memory", func(c cache.Cache) bool { _, ok := c.(*cache.InMemoryCache); return ok }},
		{"ristretto", func(c cache.Cache) bool { _, ok := c.(*cache.RistrettoCache); return ok }},
	}
	for _, tt := range tests {
		t.Run(tt.backend, func(t *testing.T) {
			cfg := &config.Config{CacheBackend: tt.backend, RistrettoMaxCost: 1 << 20}
			c, b, err := newCache(ctx, cfg)
			if err != nil {
				t.Fatalf("newCache() error = %v", err)
			}
			defer b.close(zap.NewNop(), "cache")
			if !tt.check(c) {
				t.Errorf("newCache(%q) = %T", tt.backend, c)
			}
			if b.ping != nil {
				t.Error("local cache should not register a health probe")
			}
			if err := c.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if v, ok, err := c.Get(ctx, "k"); err != nil || !ok || string(v) != "v" {
				t.Errorf("Get() = %q, %v, %v", v, ok, err)
			}
		})
	}
}

func TestNewCache_UnreachableRedis(t *testing.T) {
	cfg := &config.Config{CacheBackend: "redis", RedisURL: "redis://127.0.0.1:1/0", RedisTimeout: 50 * time.Millisecond}
	if _, _, err := newCache(context.Background(), cfg); err == nil {
		t.Fatal("newCache() expected error for unreachable redis")
	}
}

func TestNewStore_Backends(t *testing.T) {
	ctx := context.Background()
	for _, backend := range []string{"memory", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := &config.Config{StoreBackend: backend, SQLitePath: filepath.Join(t.TempDir(), "users.db")}
			users, b, err := newStore(ctx, cfg)
			if err != nil {
				t.Fatalf("newStore() error = %v", err)
			}
			defer b.close(zap.NewNop(), "store")
			if (backend == "sqlite") != (b.ping != nil) {
				t.Errorf("ping registered = %v for %s", b.ping != nil, backend)
			}

			if err := users.Create(ctx, &models.User{ID: "u1", Name: "Ada"}); err != nil {
				t.Fatalf("Create() error = %v", err)
			}
			u, err := users.Load(ctx, "u1")
			if err != nil || u.Name != "Ada" {
				t.Fatalf("Load() = %+v, %v", u, err)
			}
			if _, err := users.Load(ctx, "missing"); !errors.Is(err, store.ErrUserNotFound) {
				t.Errorf("Load(missing) error = %v, want ErrUserNotFound", err)
			}
		})
	}
}

func TestNewCircuitBreaker_IgnoresNotFound(t *testing.T) {
	cfg := &config.Config{
		CircuitBreakerFailureThreshold: 1,
		CircuitBreakerSuccessThreshold: 1,
		CircuitBreakerTimeout:          time.Minute,
	}
	cb := newCircuitBreaker(cfg)
	ctx := context.Background()

	_ = cb.Call(ctx, func() error { return client.ErrLocationNotFound })
	if cb.State() != circuitbreaker.StateClosed {
		t.Fatalf("state after not-found = %v, want closed", cb.State())
	}
	_ = cb.Call(ctx, func() error { return client.ErrUpstreamFailure })
	if cb.State() != circuitbreaker.StateOpen {
		t.Errorf("state after upstream failure = %v, want open", cb.State())
	}
}
