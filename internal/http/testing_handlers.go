package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/oklog/ulid/v2"

	"github.com/kjstillabower/weather-dashboard-api/internal/lifecycle"
	"github.com/kjstillabower/weather-dashboard-api/internal/models"
	"github.com/kjstillabower/weather-dashboard-api/internal/observability"
	"github.com/kjstillabower/weather-dashboard-api/internal/traffic"
)

// The handlers in this file are mounted only when testing_mode is enabled.

type createUserRequest struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// CreateTestUser handles POST /test/users. The user document normally comes
// from the auth collaborator; this endpoint seeds one for local runs.
func (h *Handler) CreateTestUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := decodeBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON")
		return
	}
	u := &models.User{
		ID:    strings.TrimSpace(req.ID),
		Name:  strings.TrimSpace(req.Name),
		Email: strings.TrimSpace(req.Email),
	}
	if u.ID == "" {
		u.ID = ulid.Make().String()
	}
	if err := h.users.Create(r.Context(), u); err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.LoggerFromContext(r.Context()).Debug("test user created")
	writeJSON(w, http.StatusCreated, u)
}

func (h *Handler) trafficWindow() time.Duration {
	if h.healthConfig != nil && h.healthConfig.DegradedWindow > 0 {
		return h.healthConfig.DegradedWindow
	}
	return 60 * time.Second
}

// GetTestStatus handles GET /test. Returns current simulated state.
func (h *Handler) GetTestStatus(w http.ResponseWriter, r *http.Request) {
	window := h.trafficWindow()
	errs, _ := traffic.ErrorRate(window)

	cfg := make(map[string]interface{})
	if h.healthConfig != nil {
		overloadThreshold := 0
		if h.healthConfig.RateLimitRPS > 0 {
			overloadThreshold = int(float64(h.healthConfig.RateLimitRPS) *
				h.healthConfig.OverloadWindow.Seconds() *
				float64(h.healthConfig.OverloadThresholdPct) / 100)
		}
		cfg["rate_limit_rps"] = h.healthConfig.RateLimitRPS
		cfg["rate_limit_burst"] = h.healthConfig.RateLimitBurst
		cfg["overload_threshold"] = overloadThreshold
		cfg["degraded_error_pct"] = h.healthConfig.DegradedErrorPct
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_requests_in_window":  traffic.RequestCount(window),
		"denied_requests_in_window": traffic.DenialCount(window),
		"errors_in_window":          errs,
		"window_length":             window.String(),
		"in_flight":                 InFlightCount(),
		"config":                    cfg,
	})
}

// PostTestAction handles POST /test/{action} for load, error, reset and shutdown.
func (h *Handler) PostTestAction(w http.ResponseWriter, r *http.Request) {
	switch action := mux.Vars(r)["action"]; action {
	case "load":
		h.postTestLoad(w, r)
	case "error":
		h.postTestError(w, r)
	case "reset":
		traffic.Reset()
		lifecycle.SetShuttingDown(false)
		writeJSON(w, http.StatusOK, testActionResult("reset", "All simulated state cleared"))
	case "shutdown":
		lifecycle.SetShuttingDown(true)
		writeJSON(w, http.StatusOK, testActionResult("shutdown", "Shutting-down flag set"))
	default:
		writeError(w, r, http.StatusNotFound, "UNKNOWN_ACTION", "unknown test action: "+action)
	}
}

func testActionResult(action, message string) map[string]interface{} {
	return map[string]interface{}{"ok": true, "action": action, "message": message}
}

func readCount(w http.ResponseWriter, r *http.Request, def int) int {
	var body struct {
		Count int `json:"count"`
	}
	if err := decodeBody(w, r, &body); err != nil || body.Count <= 0 {
		return def
	}
	return body.Count
}

// postTestLoad records count requests, passing each through the rate limiter
// when one is configured.
func (h *Handler) postTestLoad(w http.ResponseWriter, r *http.Request) {
	count := readCount(w, r, 10)
	var accepted, denied int
	for i := 0; i < count; i++ {
		if h.rateLimiter != nil && !h.rateLimiter.Allow() {
			traffic.RecordDenied()
			observability.RateLimitDeniedTotal.Inc()
			denied++
			continue
		}
		traffic.RecordSuccess()
		accepted++
	}
	msg := "Recorded " + strconv.Itoa(accepted) + " accepted"
	if denied > 0 {
		msg += ", " + strconv.Itoa(denied) + " denied"
	}
	resp := testActionResult("load", msg)
	resp["state"] = h.computeHealthStatus(r.Context()).status
	resp["accepted"] = accepted
	resp["denied"] = denied
	writeJSON(w, http.StatusOK, resp)
}

// postTestError records count errors and reports the resulting error rate.
func (h *Handler) postTestError(w http.ResponseWriter, r *http.Request) {
	count := readCount(w, r, 1)
	for i := 0; i < count; i++ {
		traffic.RecordError()
	}
	errs, total := traffic.ErrorRate(h.trafficWindow())
	pct := 0
	if total > 0 {
		pct = errs * 100 / total
	}
	resp := testActionResult("error", "Recorded "+strconv.Itoa(count)+" errors")
	resp["state"] = h.computeHealthStatus(r.Context()).status
	resp["error_rate_pct"] = pct
	writeJSON(w, http.StatusOK, resp)
}
