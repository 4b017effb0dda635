package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-dashboard-api/internal/client"
	"github.com/kjstillabower/weather-dashboard-api/internal/lifecycle"
	"github.com/kjstillabower/weather-dashboard-api/internal/observability"
	"github.com/kjstillabower/weather-dashboard-api/internal/service"
	"github.com/kjstillabower/weather-dashboard-api/internal/store"
	"github.com/kjstillabower/weather-dashboard-api/internal/traffic"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// HealthConfig holds lifecycle thresholds for the health handler.
type HealthConfig struct {
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	RateLimitRPS         int // 0 when rate limiter disabled
	RateLimitBurst       int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
	Version              string
	// CachePing and StorePing, when set, report backend reachability in the
	// checks map. They do not change the overall status.
	CachePing func(ctx context.Context) error
	StorePing func(ctx context.Context) error
}

// Deps are the collaborators served by the handlers.
type Deps struct {
	Weather   *service.WeatherService
	Favorites *service.FavoritesService
	// Users creates documents for POST /test/users.
	Users       store.UserStore
	Client      client.WeatherClient
	Health      *HealthConfig
	Logger      *zap.Logger
	RateLimiter *rate.Limiter
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather          *service.WeatherService
	favorites        *service.FavoritesService
	users            store.UserStore
	client           client.WeatherClient
	healthConfig     *HealthConfig
	logger           *zap.Logger
	rateLimiter      *rate.Limiter
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		weather:      d.Weather,
		favorites:    d.Favorites,
		users:        d.Users,
		client:       d.Client,
		healthConfig: d.Health,
		logger:       logger,
		rateLimiter:  d.RateLimiter,
	}
}

type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if result.reason == "api_key_invalid" {
		checks["weatherApi"] = "unhealthy"
	}
	version := "dev"
	if h.healthConfig != nil {
		if h.healthConfig.Version != "" {
			version = h.healthConfig.Version
		}
		if h.healthConfig.CachePing != nil {
			checks["cache"] = pingStatus(r.Context(), h.healthConfig.CachePing)
		}
		if h.healthConfig.StorePing != nil {
			checks["store"] = pingStatus(r.Context(), h.healthConfig.StorePing)
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "weather-dashboard-api",
		"version":   version,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func pingStatus(ctx context.Context, ping func(context.Context) error) string {
	if ping(ctx) != nil {
		return "unhealthy"
	}
	return "healthy"
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > starting > degraded (api key) > overloaded > degraded (error rate) > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if !lifecycle.IsReady() {
		return healthResult{"starting", http.StatusServiceUnavailable, "ready_delay"}
	}
	if err := h.client.ValidateAPIKey(ctx); err != nil {
		return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
	}
	cfg := h.healthConfig
	if cfg == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if cfg.RateLimitRPS > 0 && cfg.OverloadWindow > 0 {
		threshold := float64(cfg.RateLimitRPS) * cfg.OverloadWindow.Seconds() * float64(cfg.OverloadThresholdPct) / 100
		if float64(traffic.RequestCount(cfg.OverloadWindow)) > threshold {
			return healthResult{"overloaded", http.StatusServiceUnavailable, "overload_threshold"}
		}
	}
	if cfg.DegradedWindow > 0 && cfg.DegradedErrorPct > 0 {
		errs, total := traffic.ErrorRate(cfg.DegradedWindow)
		if total > 0 && float64(errs)*100/float64(total) >= float64(cfg.DegradedErrorPct) {
			return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
		}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId"`
}

// writeError writes the standard error envelope. requestId is the
// correlation id of the request.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]errorBody{
		"error": {Code: code, Message: message, RequestID: observability.CorrelationID(r.Context())},
	})
}

// decodeBody decodes a JSON request body into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(v)
}

// classify maps a service error to its HTTP status, error code and public message.
func classify(err error) (int, string, string) {
	switch {
	case errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound, "USER_NOT_FOUND", "User not found"
	case errors.Is(err, service.ErrEntryNotFound):
		return http.StatusNotFound, "FAVORITE_NOT_FOUND", "City not found in favorites"
	case errors.Is(err, service.ErrDuplicateEntry):
		return http.StatusConflict, "FAVORITE_EXISTS", "City already in favorites"
	case errors.Is(err, service.ErrLimitExceeded):
		return http.StatusBadRequest, "FAVORITES_LIMIT", "Favorite cities limit reached"
	case errors.Is(err, service.ErrInvalidReorder):
		return http.StatusBadRequest, "INVALID_REORDER", "Invalid city IDs provided for reordering"
	case errors.Is(err, store.ErrConflict):
		return http.StatusConflict, "CONFLICT", "User document was modified concurrently"
	case errors.Is(err, store.ErrUserExists):
		return http.StatusConflict, "USER_EXISTS", "User already exists"
	case errors.Is(err, client.ErrLocationNotFound):
		return http.StatusNotFound, "LOCATION_NOT_FOUND", "Location not found"
	case errors.Is(err, client.ErrInvalidAPIKey):
		return http.StatusBadGateway, "UPSTREAM_AUTH", "Weather provider rejected the API key"
	case errors.Is(err, client.ErrRateLimited):
		return http.StatusTooManyRequests, "RATE_LIMITED", "Weather provider rate limit reached"
	case errors.Is(err, client.ErrUpstreamFailure), errors.Is(err, client.ErrTransport),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data"
	default:
		return http.StatusInternalServerError, "INTERNAL", "Internal server error"
	}
}

// writeServiceError maps err to the error envelope and records the outcome
// in the traffic tracker. 5xx outcomes count toward the health error rate.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message := classify(err)
	logger := observability.LoggerFromContext(r.Context())
	if status >= http.StatusInternalServerError {
		traffic.RecordError()
		if status == http.StatusInternalServerError {
			logger.Error("request failed", zap.Error(err))
		} else {
			logger.Debug("upstream error", zap.Error(err))
		}
	} else {
		traffic.RecordSuccess()
		logger.Debug("request rejected", zap.String("code", code), zap.Error(err))
	}
	writeError(w, r, status, code, message)
}

// writeResult records a successful service call and writes v.
func writeResult(w http.ResponseWriter, status int, v interface{}) {
	traffic.RecordSuccess()
	writeJSON(w, status, v)
}
