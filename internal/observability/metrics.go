package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kjstillabower/weather-dashboard-api/internal/traffic"
)

var (
	registry *prometheus.Registry

	// HTTP request rate. Watch for: sudden drops (service down) or spikes (traffic surge).
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTP request latency per route template.
	HTTPRequestDuration *prometheus.HistogramVec

	// Concurrent requests in flight. Watch for: saturation.
	HTTPRequestsInFlight prometheus.Gauge

	// OpenWeatherMap calls by endpoint (weather, geocoding) and status label.
	UpstreamCallsTotal *prometheus.CounterVec

	// OpenWeatherMap latency. Watch for: p95 approaching weather_api.timeout.
	UpstreamDuration *prometheus.HistogramVec

	// Cache hits and misses by namespace (weather, geocoding). Hit rate = hits/(hits+misses).
	CacheHitsTotal   *prometheus.CounterVec
	CacheMissesTotal *prometheus.CounterVec

	// Cache backend failures by operation and category. Reads that fail are treated as misses.
	CacheErrorsTotal *prometheus.CounterVec

	CacheOperationDurationSeconds *prometheus.HistogramVec

	// Stale entries served after an upstream failure. Watch for: any sustained rate = upstream outage.
	StaleCacheServesTotal prometheus.Counter

	// Upstream failures with no stale entry to fall back on; these reach the caller.
	StaleCacheMissesTotal prometheus.Counter

	// Concurrent misses for one key observed at miss time (values > 1 = stampede).
	CacheStampedeConcurrency prometheus.Histogram

	// Requests that shared another caller's upstream fetch (coalesce.enabled only).
	RequestCoalescingHitsTotal prometheus.Counter

	// Locations per batch request.
	BatchSize prometheus.Histogram

	// Favorites operations by operation and result (ok or error kind).
	FavoritesOperationsTotal *prometheus.CounterVec

	// Load-mutate-save cycles re-run after a version conflict.
	FavoritesConflictRetriesTotal prometheus.Counter

	// Rate limit denials.
	RateLimitDeniedTotal prometheus.Counter

	// Circuit breaker state (0 closed, 1 open, 2 half-open) and transitions.
	CircuitBreakerState            *prometheus.GaugeVec
	CircuitBreakerTransitionsTotal *prometheus.CounterVec

	CacheWarmingDurationSeconds prometheus.Histogram
	CacheWarmingErrorsTotal     prometheus.Counter

	trafficGaugesOnce sync.Once
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "httpRequestsTotal",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "statusCode"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "httpRequestDurationSeconds",
			Help:    "HTTP request latency in seconds (per request)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
	HTTPRequestsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "httpRequestsInFlight",
			Help: "Number of HTTP requests currently being served",
		},
	)
	UpstreamCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "upstreamCallsTotal",
			Help: "Total number of OpenWeatherMap API calls",
		},
		[]string{"endpoint", "status"},
	)
	UpstreamDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstreamDurationSeconds",
			Help:    "OpenWeatherMap API latency in seconds (per request)",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"endpoint", "status"},
	)
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheHitsTotal",
			Help: "Total number of primary cache hits",
		},
		[]string{"namespace"},
	)
	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheMissesTotal",
			Help: "Total number of primary cache misses",
		},
		[]string{"namespace"},
	)
	CacheErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cacheErrorsTotal",
			Help: "Cache backend errors by operation and category",
		},
		[]string{"operation", "category"},
	)
	CacheOperationDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cacheOperationDurationSeconds",
			Help:    "Cache backend operation latency in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5},
		},
		[]string{"operation", "result"},
	)
	StaleCacheServesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "staleCacheServesTotal",
			Help: "Weather lookups answered from the stale tier after an upstream failure",
		},
	)
	StaleCacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "staleCacheMissesTotal",
			Help: "Upstream failures with no stale entry available",
		},
	)
	CacheStampedeConcurrency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheStampedeConcurrency",
			Help:    "Concurrent cache misses for the same key observed at miss time",
			Buckets: []float64{1, 2, 4, 8, 16, 32},
		},
	)
	RequestCoalescingHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "requestCoalescingHitsTotal",
			Help: "Requests that shared an in-flight upstream fetch",
		},
	)
	BatchSize = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "weatherBatchSize",
			Help:    "Number of locations per batch request",
			Buckets: []float64{1, 2, 5, 10, 20, 50},
		},
	)
	FavoritesOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "favoritesOperationsTotal",
			Help: "Favorites operations by operation and result",
		},
		[]string{"operation", "result"},
	)
	FavoritesConflictRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "favoritesConflictRetriesTotal",
			Help: "Favorites read-modify-write cycles retried after a version conflict",
		},
	)
	RateLimitDeniedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rateLimitDeniedTotal",
			Help: "Total number of requests denied by rate limiter (429)",
		},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state: 0 closed, 1 open, 2 half-open",
		},
		[]string{"component"},
	)
	CircuitBreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuitBreakerTransitionsTotal",
			Help: "Circuit breaker state transitions",
		},
		[]string{"component", "from", "to"},
	)
	CacheWarmingDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "cacheWarmingDurationSeconds",
			Help:    "Startup cache warming duration in seconds",
			Buckets: []float64{.5, 1, 2.5, 5, 10, 30},
		},
	)
	CacheWarmingErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cacheWarmingErrorsTotal",
			Help: "Cache warming runs that had at least one failed location",
		},
	)

	registry.MustRegister(
		HTTPRequestsTotal, HTTPRequestDuration, HTTPRequestsInFlight,
		UpstreamCallsTotal, UpstreamDuration,
		CacheHitsTotal, CacheMissesTotal, CacheErrorsTotal, CacheOperationDurationSeconds,
		StaleCacheServesTotal, StaleCacheMissesTotal,
		CacheStampedeConcurrency, RequestCoalescingHitsTotal, BatchSize,
		FavoritesOperationsTotal, FavoritesConflictRetriesTotal,
		RateLimitDeniedTotal,
		CircuitBreakerState, CircuitBreakerTransitionsTotal,
		CacheWarmingDurationSeconds, CacheWarmingErrorsTotal,
	)
}

// RegisterTrafficGauges registers sliding-window load gauges backed by the traffic tracker.
// Call once from main after config load; later calls are no-ops.
func RegisterTrafficGauges(window time.Duration) {
	trafficGaugesOnce.Do(func() {
		registry.MustRegister(
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "requestsInWindow",
					Help: "Requests (success + error + denied) in the health sliding window",
				},
				func() float64 { return float64(traffic.RequestCount(window)) },
			),
			prometheus.NewGaugeFunc(
				prometheus.GaugeOpts{
					Name: "rateLimitRejectsInWindow",
					Help: "429 responses in the health sliding window",
				},
				func() float64 { return float64(traffic.DenialCount(window)) },
			),
		)
	})
}

// RecordCircuitBreakerTransition updates the state gauge and transition counter.
func RecordCircuitBreakerTransition(component, from, to string, toValue int) {
	CircuitBreakerTransitionsTotal.WithLabelValues(component, from, to).Inc()
	CircuitBreakerState.WithLabelValues(component).Set(float64(toValue))
}

// MetricsHandler returns an http.Handler that serves application and runtime metrics.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
