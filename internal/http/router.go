package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-dashboard-api/internal/observability"
)

// RouterOptions controls per-route middleware and optional endpoints.
type RouterOptions struct {
	Logger         *zap.Logger
	RequestTimeout time.Duration
	// TestingMode mounts /test, /test/users and /test/{action}.
	TestingMode bool
}

// NewRouter mounts every endpoint served by h.
func NewRouter(h *Handler, opts RouterOptions) *mux.Router {
	logger := opts.Logger
	if logger == nil {
		logger = h.logger
	}

	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.NotFoundHandler = CorrelationIDMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "NOT_FOUND", "Route not found")
	}))
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)

	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(RateLimitMiddleware(h.rateLimiter))
	weatherRouter.Use(TimeoutMiddleware(opts.RequestTimeout))
	weatherRouter.HandleFunc("/current", h.GetCurrentWeather).Methods(http.MethodGet)
	weatherRouter.HandleFunc("/search", h.SearchLocations).Methods(http.MethodGet)
	weatherRouter.HandleFunc("/batch", h.GetBatchWeather).Methods(http.MethodPost)

	favRouter := router.PathPrefix("/users/me/favorites").Subrouter()
	favRouter.Use(RateLimitMiddleware(h.rateLimiter))
	favRouter.Use(UserIDMiddleware)
	favRouter.Use(TimeoutMiddleware(opts.RequestTimeout))
	favRouter.HandleFunc("", h.ListFavorites).Methods(http.MethodGet)
	favRouter.HandleFunc("", h.AddFavorite).Methods(http.MethodPost)
	favRouter.HandleFunc("", h.ClearFavorites).Methods(http.MethodDelete)
	favRouter.HandleFunc("/order", h.ReorderFavorites).Methods(http.MethodPut)
	favRouter.HandleFunc("/{cityId}", h.RemoveFavorite).Methods(http.MethodDelete)

	if opts.TestingMode {
		logger.Warn("Testing mode enabled; /test endpoints exposed")
		router.HandleFunc("/test", h.GetTestStatus).Methods(http.MethodGet)
		router.HandleFunc("/test/users", h.CreateTestUser).Methods(http.MethodPost)
		router.HandleFunc("/test/{action}", h.PostTestAction).Methods(http.MethodPost)
	}
	return router
}
