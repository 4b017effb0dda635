package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/kjstillabower/weather-dashboard-api/internal/models"
	"github.com/kjstillabower/weather-dashboard-api/internal/validation"
)

var errMissingCoordinates = errors.New("lat and lon are required")

// GetCurrentWeather handles GET /weather/current?lat={lat}&lon={lon}.
func (h *Handler) GetCurrentWeather(w http.ResponseWriter, r *http.Request) {
	loc, err := parseCoordinates(r)
	if err == nil {
		err = validation.ValidateCoordinates(loc)
	}
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	snap, err := h.weather.CurrentConditions(r.Context(), loc.Lat, loc.Lon)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, snap)
}

func parseCoordinates(r *http.Request) (models.Coordinates, error) {
	q := r.URL.Query()
	latStr, lonStr := strings.TrimSpace(q.Get("lat")), strings.TrimSpace(q.Get("lon"))
	if latStr == "" || lonStr == "" {
		return models.Coordinates{}, errMissingCoordinates
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil {
		return models.Coordinates{}, errors.New("lat must be a number")
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return models.Coordinates{}, errors.New("lon must be a number")
	}
	return models.Coordinates{Lat: lat, Lon: lon}, nil
}

// SearchLocations handles GET /weather/search?query={q}&limit={n}.
func (h *Handler) SearchLocations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := q.Get("query")
	if query == "" {
		query = q.Get("q")
	}
	req, err := validation.ValidateSearch(query, q.Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	cities, err := h.weather.SearchLocations(r.Context(), req.Query, req.Limit)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, cities)
}

type batchRequest struct {
	Locations []models.Coordinates `json:"locations"`
	// Partial returns one result per location instead of failing the whole
	// batch on the first error.
	Partial bool `json:"partial"`
}

type batchItemError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type batchItem struct {
	Location models.Coordinates `json:"location"`
	Data     *models.Snapshot   `json:"data"`
	Error    *batchItemError    `json:"error"`
}

// GetBatchWeather handles POST /weather/batch.
func (h *Handler) GetBatchWeather(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON")
		return
	}
	if err := validation.ValidateBatch(req.Locations); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	if !req.Partial {
		snaps, err := h.weather.GetBatch(r.Context(), req.Locations)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeResult(w, http.StatusOK, snaps)
		return
	}

	results := h.weather.GetBatchPartial(r.Context(), req.Locations)
	items := make([]batchItem, len(results))
	for i, res := range results {
		items[i].Location = res.Location
		if res.Err != nil {
			_, code, message := classify(res.Err)
			items[i].Error = &batchItemError{Code: code, Message: message}
			continue
		}
		snap := res.Snapshot
		items[i].Data = &snap
	}
	writeResult(w, http.StatusOK, map[string]interface{}{"results": items})
}
