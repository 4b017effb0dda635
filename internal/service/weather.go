package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-dashboard-api/internal/cache"
	"github.com/kjstillabower/weather-dashboard-api/internal/client"
	"github.com/kjstillabower/weather-dashboard-api/internal/models"
	"github.com/kjstillabower/weather-dashboard-api/internal/observability"
)

const (
	DefaultWeatherTTL = time.Hour
	DefaultStaleTTL   = 24 * time.Hour
	DefaultSearchTTL  = 24 * time.Hour

	nsWeather   = "weather"
	nsGeocoding = "geocoding"

	// staleReadTimeout bounds the stale lookup, which ignores request cancellation.
	staleReadTimeout = 250 * time.Millisecond
)

// WeatherOptions configures cache lifetimes and request coalescing.
type WeatherOptions struct {
	WeatherTTL time.Duration // primary entry; default 1h
	StaleTTL   time.Duration // stale fallback entry; default 24h, negative disables the stale tier
	SearchTTL  time.Duration // geocoding results; default 24h
	// Coalesce shares one upstream fetch between concurrent misses for the
	// same coordinates. Off by default: every miss calls upstream.
	Coalesce bool
}

// WeatherService serves current conditions and city search through a
// read-through cache. Weather lookups fall back to a separately stored stale
// copy when the upstream fails; search has no stale tier.
type WeatherService struct {
	client     client.WeatherClient
	cache      cache.Cache
	weatherTTL time.Duration
	staleTTL   time.Duration
	searchTTL  time.Duration
	stampede   *stampedeTracker
	group      *singleflight.Group // nil unless coalescing is enabled
}

// NewWeatherService creates a WeatherService. Zero TTLs take the defaults.
func NewWeatherService(c client.WeatherClient, store cache.Cache, opts WeatherOptions) *WeatherService {
	if opts.WeatherTTL <= 0 {
		opts.WeatherTTL = DefaultWeatherTTL
	}
	if opts.StaleTTL == 0 {
		opts.StaleTTL = DefaultStaleTTL
	}
	if opts.SearchTTL <= 0 {
		opts.SearchTTL = DefaultSearchTTL
	}
	s := &WeatherService{
		client:     c,
		cache:      store,
		weatherTTL: opts.WeatherTTL,
		staleTTL:   opts.StaleTTL,
		searchTTL:  opts.SearchTTL,
		stampede:   newStampedeTracker(),
	}
	if opts.Coalesce {
		s.group = &singleflight.Group{}
	}
	return s
}

// WeatherKey is the primary cache key for a coordinate pair.
func WeatherKey(lat, lon float64) string {
	return "weather:v2:" + models.Coordinates{Lat: lat, Lon: lon}.Key(":")
}

// StaleWeatherKey is the fallback cache key for a coordinate pair.
func StaleWeatherKey(lat, lon float64) string {
	return "weather:stale:" + models.Coordinates{Lat: lat, Lon: lon}.Key(":")
}

// SearchKey is the cache key for a geocoding query.
func SearchKey(query string, limit int) string {
	return "geocoding:" + strings.ToLower(query) + ":" + strconv.Itoa(limit)
}

// CurrentConditions returns the snapshot for a coordinate pair. A primary hit
// makes no upstream call. On a miss the upstream result is written to both the
// primary and stale keys. If the upstream fails, the stale entry is served in
// its place; only when that is also absent does the upstream error propagate.
// Coordinates must already be range-checked.
func (s *WeatherService) CurrentConditions(ctx context.Context, lat, lon float64) (models.Snapshot, error) {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx)
	key := WeatherKey(lat, lon)

	var snap models.Snapshot
	if s.readCache(ctx, nsWeather, key, &snap) {
		logger.Debug("weather served", zap.String("key", key), zap.Bool("cached", true), zap.Duration("duration", time.Since(start)))
		return snap, nil
	}

	snap, err := s.fetchCurrent(ctx, key, lat, lon)
	if err != nil {
		logger.Debug("upstream weather fetch failed", zap.String("key", key), zap.String("category", string(client.CategorizeError(err))), zap.Error(err))
		if s.staleTTL > 0 {
			var stale models.Snapshot
			staleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), staleReadTimeout)
			found := s.readCache(staleCtx, "", StaleWeatherKey(lat, lon), &stale)
			cancel()
			if found {
				observability.StaleCacheServesTotal.Inc()
				logger.Info("serving stale weather after upstream failure", zap.String("key", key), zap.Error(err))
				return stale, nil
			}
		}
		observability.StaleCacheMissesTotal.Inc()
		return models.Snapshot{}, fmt.Errorf("fetch weather for %.4f,%.4f: %w", lat, lon, err)
	}

	if payload, ok := s.encode(ctx, key, snap); ok {
		s.writeCache(ctx, key, payload, s.weatherTTL)
		if s.staleTTL > 0 {
			s.writeCache(ctx, StaleWeatherKey(lat, lon), payload, s.staleTTL)
		}
	}
	logger.Debug("weather served", zap.String("key", key), zap.Bool("cached", false), zap.Duration("duration", time.Since(start)))
	return snap, nil
}

// fetchCurrent calls the upstream once for this miss, or joins an identical
// in-flight call when coalescing is enabled.
func (s *WeatherService) fetchCurrent(ctx context.Context, key string, lat, lon float64) (models.Snapshot, error) {
	pending, done := s.stampede.begin(key)
	defer done()
	if pending > 1 {
		observability.CacheStampedeConcurrency.Observe(float64(pending))
	}

	if s.group == nil {
		return s.client.CurrentWeather(ctx, lat, lon)
	}

	// The shared call must outlive any single caller's cancellation; the
	// client's own timeout still bounds it.
	ch := s.group.DoChan(key, func() (any, error) {
		return s.client.CurrentWeather(context.WithoutCancel(ctx), lat, lon)
	})
	select {
	case res := <-ch:
		if res.Shared {
			observability.RequestCoalescingHitsTotal.Inc()
		}
		if res.Err != nil {
			return models.Snapshot{}, res.Err
		}
		return res.Val.(models.Snapshot), nil
	case <-ctx.Done():
		return models.Snapshot{}, fmt.Errorf("%w: %w", client.ErrTransport, ctx.Err())
	}
}

// SearchLocations resolves a city query. limit 0 means 5. Results are cached
// for the search TTL; an upstream failure on a miss propagates directly.
func (s *WeatherService) SearchLocations(ctx context.Context, query string, limit int) ([]models.City, error) {
	if limit <= 0 {
		limit = 5
	}
	logger := observability.LoggerFromContext(ctx)
	key := SearchKey(query, limit)

	var cities []models.City
	if s.readCache(ctx, nsGeocoding, key, &cities) {
		return cities, nil
	}

	cities, err := s.client.Geocode(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search locations %q: %w", query, err)
	}
	if cities == nil {
		cities = []models.City{}
	}
	if payload, ok := s.encode(ctx, key, cities); ok {
		s.writeCache(ctx, key, payload, s.searchTTL)
	}
	logger.Debug("search served", zap.String("key", key), zap.Int("results", len(cities)))
	return cities, nil
}

// GetBatch looks up every location concurrently and returns snapshots in input
// order. Every lookup runs to completion; if any fails, the batch fails with
// the first error in input order.
func (s *WeatherService) GetBatch(ctx context.Context, locs []models.Coordinates) ([]models.Snapshot, error) {
	observability.BatchSize.Observe(float64(len(locs)))
	results := make([]models.Snapshot, len(locs))
	errs := make([]error, len(locs))

	var g errgroup.Group
	for i, loc := range locs {
		g.Go(func() error {
			results[i], errs[i] = s.CurrentConditions(ctx, loc.Lat, loc.Lon)
			return nil
		})
	}
	_ = g.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("batch weather: %w", err)
		}
	}
	return results, nil
}

// BatchResult is one location's outcome in a partial batch.
type BatchResult struct {
	Location models.Coordinates
	Snapshot models.Snapshot
	Err      error
}

// GetBatchPartial is GetBatch without the all-or-nothing rule: each location
// carries its own snapshot or error.
func (s *WeatherService) GetBatchPartial(ctx context.Context, locs []models.Coordinates) []BatchResult {
	observability.BatchSize.Observe(float64(len(locs)))
	results := make([]BatchResult, len(locs))

	var g errgroup.Group
	for i, loc := range locs {
		g.Go(func() error {
			snap, err := s.CurrentConditions(ctx, loc.Lat, loc.Lon)
			results[i] = BatchResult{Location: loc, Snapshot: snap, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// readCache decodes key into out. Backend errors and undecodable payloads
// count as misses. ns labels hit/miss metrics; "" skips them.
func (s *WeatherService) readCache(ctx context.Context, ns, key string, out any) bool {
	logger := observability.LoggerFromContext(ctx)
	getStart := time.Now()
	raw, ok, err := s.cache.Get(ctx, key)
	getDuration := time.Since(getStart).Seconds()
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("get", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "error").Observe(getDuration)
		logger.Warn("cache get failed", zap.String("key", key), zap.Error(err))
		ok = false
	} else {
		observability.CacheOperationDurationSeconds.WithLabelValues("get", "success").Observe(getDuration)
	}
	if ok {
		if err := json.Unmarshal(raw, out); err != nil {
			observability.CacheErrorsTotal.WithLabelValues("decode", "corrupt").Inc()
			logger.Warn("cache entry undecodable", zap.String("key", key), zap.Error(err))
			ok = false
		}
	}
	if ns != "" {
		if ok {
			observability.CacheHitsTotal.WithLabelValues(ns).Inc()
		} else {
			observability.CacheMissesTotal.WithLabelValues(ns).Inc()
		}
	}
	return ok
}

func (s *WeatherService) encode(ctx context.Context, key string, v any) ([]byte, bool) {
	payload, err := json.Marshal(v)
	if err != nil {
		observability.CacheErrorsTotal.WithLabelValues("encode", "unknown").Inc()
		observability.LoggerFromContext(ctx).Warn("cache encode failed", zap.String("key", key), zap.Error(err))
		return nil, false
	}
	return payload, true
}

// writeCache stores payload. Failures are logged and counted, never returned.
func (s *WeatherService) writeCache(ctx context.Context, key string, payload []byte, ttl time.Duration) {
	setStart := time.Now()
	if err := s.cache.Set(ctx, key, payload, ttl); err != nil {
		observability.CacheErrorsTotal.WithLabelValues("set", categorizeCacheError(err)).Inc()
		observability.CacheOperationDurationSeconds.WithLabelValues("set", "error").Observe(time.Since(setStart).Seconds())
		observability.LoggerFromContext(ctx).Warn("cache set failed", zap.String("key", key), zap.Error(err))
		return
	}
	observability.CacheOperationDurationSeconds.WithLabelValues("set", "success").Observe(time.Since(setStart).Seconds())
}

// categorizeCacheError returns a stable label for cache error metrics (timeout, connection, unknown).
func categorizeCacheError(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	errStr := err.Error()
	if strings.Contains(errStr, "timeout") {
		return "timeout"
	}
	if strings.Contains(errStr, "connection") || strings.Contains(errStr, "network") {
		return "connection"
	}
	return "unknown"
}
