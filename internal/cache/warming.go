package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-api/internal/models"
	"github.com/kjstillabower/weather-dashboard-api/internal/observability"
)

// ConditionsFetcher is implemented by the service layer. Used by CacheWarmer to
// avoid a dependency on the service package.
type ConditionsFetcher interface {
	CurrentConditions(ctx context.Context, lat, lon float64) (models.Snapshot, error)
}

// CacheWarmer prefetches current conditions for a fixed list of coordinates at
// startup so the first dashboard loads hit the cache. It runs once; entries
// then expire passively like any other.
type CacheWarmer struct {
	fetcher ConditionsFetcher
	logger  *zap.Logger
}

// NewCacheWarmer creates a CacheWarmer that uses the given fetcher and logger.
func NewCacheWarmer(fetcher ConditionsFetcher, logger *zap.Logger) *CacheWarmer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CacheWarmer{fetcher: fetcher, logger: logger}
}

// Warm fetches every location concurrently through the fetcher, which populates
// both cache tiers. Unlike a batch request, one failed location does not stop the
// others; all failures are joined into the returned error.
func (w *CacheWarmer) Warm(ctx context.Context, locations []models.Coordinates) error {
	start := time.Now()
	w.logger.Info("warming cache", zap.Int("locations", len(locations)))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, loc := range locations {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := w.fetcher.CurrentConditions(ctx, loc.Lat, loc.Lon); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", loc.Key(","), err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	duration := time.Since(start).Seconds()
	observability.CacheWarmingDurationSeconds.Observe(duration)
	w.logger.Info("cache warming complete", zap.Int("locations", len(locations)), zap.Int("errors", len(errs)), zap.Float64("duration_seconds", duration))
	if len(errs) > 0 {
		observability.CacheWarmingErrorsTotal.Inc()
		return fmt.Errorf("cache warming: %w", errors.Join(errs...))
	}
	return nil
}
