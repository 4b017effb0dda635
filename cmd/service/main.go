package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-dashboard-api/internal/cache"
	"github.com/kjstillabower/weather-dashboard-api/internal/circuitbreaker"
	"github.com/kjstillabower/weather-dashboard-api/internal/client"
	"github.com/kjstillabower/weather-dashboard-api/internal/config"
	httphandler "github.com/kjstillabower/weather-dashboard-api/internal/http"
	"github.com/kjstillabower/weather-dashboard-api/internal/lifecycle"
	"github.com/kjstillabower/weather-dashboard-api/internal/observability"
	"github.com/kjstillabower/weather-dashboard-api/internal/service"
	"github.com/kjstillabower/weather-dashboard-api/internal/store"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// backend is a cache or store with its optional health probe and closer.
type backend struct {
	ping    func(context.Context) error
	closers []io.Closer
}

func (b *backend) close(logger *zap.Logger, name string) {
	for _, c := range b.closers {
		if err := c.Close(); err != nil {
			logger.Error(name+" close", zap.Error(err))
		}
	}
}

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	weatherClient, err := client.NewOpenWeatherClient(cfg.WeatherAPIKey, cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather client", zap.Error(err))
	}
	if cfg.CircuitBreakerEnabled {
		weatherClient.WithCircuitBreaker(newCircuitBreaker(cfg))
		logger.Info("circuit breaker enabled", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	ctx := context.Background()
	cacheSvc, cacheBackend, err := newCache(ctx, cfg)
	if err != nil {
		logger.Fatal("cache", zap.String("backend", cfg.CacheBackend), zap.Error(err))
	}
	logger.Info("cache backend", zap.String("backend", cfg.CacheBackend), zap.Bool("l1", cfg.L1Enabled))

	users, storeBackend, err := newStore(ctx, cfg)
	if err != nil {
		logger.Fatal("store", zap.String("backend", cfg.StoreBackend), zap.Error(err))
	}
	logger.Info("store backend", zap.String("backend", cfg.StoreBackend))

	weatherService := service.NewWeatherService(weatherClient, cacheSvc, service.WeatherOptions{
		WeatherTTL: cfg.WeatherTTL,
		StaleTTL:   cfg.StaleTTL,
		SearchTTL:  cfg.SearchTTL,
		Coalesce:   cfg.CoalesceEnabled,
	})
	favoritesService := service.NewFavoritesService(users, service.FavoritesOptions{
		MaxFavorites:    cfg.FavoritesMax,
		ConflictRetries: cfg.FavoritesConflictRetries,
	})

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	handler := httphandler.NewHandler(httphandler.Deps{
		Weather:   weatherService,
		Favorites: favoritesService,
		Users:     users,
		Client:    weatherClient,
		Health: &httphandler.HealthConfig{
			OverloadWindow:       cfg.OverloadWindow,
			OverloadThresholdPct: cfg.OverloadThresholdPct,
			RateLimitRPS:         cfg.RateLimitRPS,
			RateLimitBurst:       cfg.RateLimitBurst,
			DegradedWindow:       cfg.DegradedWindow,
			DegradedErrorPct:     cfg.DegradedErrorPct,
			Version:              version,
			CachePing:            cacheBackend.ping,
			StorePing:            storeBackend.ping,
		},
		Logger:      logger,
		RateLimiter: limiter,
	})

	lifecycle.MarkReadyAfter(cfg.ReadyDelay)
	observability.RegisterTrafficGauges(cfg.OverloadWindow)

	if len(cfg.WarmLocations) > 0 {
		warmer := cache.NewCacheWarmer(weatherService, logger)
		warmCtx, warmCancel := context.WithTimeout(ctx, 30*time.Second)
		if err := warmer.Warm(warmCtx, cfg.WarmLocations); err != nil {
			logger.Warn("cache warming failed", zap.Error(err))
		}
		warmCancel()
	}

	if cfg.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoints exposed")
	}
	router := httphandler.NewRouter(handler, httphandler.RouterOptions{
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		TestingMode:    cfg.TestingMode,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	<-sigCtx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	logger.Info("waiting for in-flight requests", zap.Int64("count", httphandler.InFlightCount()))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	storeBackend.close(logger, "store")
	cacheBackend.close(logger, "cache")

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newCircuitBreaker(cfg *config.Config) *circuitbreaker.CircuitBreaker {
	const component = "weather_api"
	return circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreakerFailureThreshold,
		SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
		Timeout:          cfg.CircuitBreakerTimeout,
		Component:        component,
		IsFailure:        client.IsBreakerFailure,
		OnStateChange: func(from, to circuitbreaker.State) {
			observability.RecordCircuitBreakerTransition(component, from.String(), to.String(), int(to))
		},
	})
}

// newCache builds the configured cache backend, optionally fronted by an
// in-process ristretto L1.
func newCache(ctx context.Context, cfg *config.Config) (cache.Cache, *backend, error) {
	b := &backend{}
	var shared cache.Cache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns)
		if err != nil {
			return nil, nil, err
		}
		b.ping, b.closers = mc.Ping, append(b.closers, mc)
		shared = mc
	case "redis":
		rc, err := cache.NewRedisCache(ctx, cache.RedisOptions{
			URL:          cfg.RedisURL,
			PoolSize:     cfg.RedisPoolSize,
			DialTimeout:  cfg.RedisTimeout,
			ReadTimeout:  cfg.RedisTimeout,
			WriteTimeout: cfg.RedisTimeout,
		})
		if err != nil {
			return nil, nil, err
		}
		b.ping, b.closers = rc.Ping, append(b.closers, rc)
		shared = rc
	case "ristretto":
		rc, err := cache.NewRistrettoCache(cfg.RistrettoMaxCost)
		if err != nil {
			return nil, nil, err
		}
		b.closers = append(b.closers, rc)
		return rc, b, nil
	default:
		return cache.NewInMemoryCache(), b, nil
	}

	if !cfg.L1Enabled {
		return shared, b, nil
	}
	l1, err := cache.NewRistrettoCache(cfg.L1MaxCost)
	if err != nil {
		b.close(zap.NewNop(), "cache")
		return nil, nil, fmt.Errorf("l1 cache: %w", err)
	}
	b.closers = append(b.closers, l1)
	return cache.NewTieredCache(l1, shared, cfg.L1TTL), b, nil
}

// newStore opens the configured user store. Database-backed stores run their
// migrations on open.
func newStore(ctx context.Context, cfg *config.Config) (store.UserStore, *backend, error) {
	b := &backend{}
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, store.PostgresOptions{
			DSN:      cfg.DatabaseURL,
			MaxConns: cfg.PostgresMaxConns,
		})
		if err != nil {
			return nil, nil, err
		}
		b.ping, b.closers = pg.Ping, append(b.closers, pg)
		return pg, b, nil
	case "sqlite":
		lite, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		b.ping, b.closers = lite.Ping, append(b.closers, lite)
		return lite, b, nil
	default:
		return store.NewMemoryStore(), b, nil
	}
}
