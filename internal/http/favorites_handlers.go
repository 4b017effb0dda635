package http

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kjstillabower/weather-dashboard-api/internal/models"
	"github.com/kjstillabower/weather-dashboard-api/internal/observability"
	"github.com/kjstillabower/weather-dashboard-api/internal/validation"
)

// ListFavorites handles GET /users/me/favorites.
func (h *Handler) ListFavorites(w http.ResponseWriter, r *http.Request) {
	favs, err := h.favorites.List(r.Context(), observability.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, favs)
}

// AddFavorite handles POST /users/me/favorites and returns the updated user.
func (h *Handler) AddFavorite(w http.ResponseWriter, r *http.Request) {
	var in models.FavoriteInput
	if err := decodeBody(w, r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON")
		return
	}
	city, err := validation.ValidateFavorite(in)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	u, err := h.favorites.Add(r.Context(), observability.UserID(r.Context()), city)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, http.StatusCreated, u)
}

// RemoveFavorite handles DELETE /users/me/favorites/{cityId}.
func (h *Handler) RemoveFavorite(w http.ResponseWriter, r *http.Request) {
	u, err := h.favorites.Remove(r.Context(), observability.UserID(r.Context()), mux.Vars(r)["cityId"])
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, u)
}

type reorderRequest struct {
	CityIDs []string `json:"cityIds"`
}

// ReorderFavorites handles PUT /users/me/favorites/order.
func (h *Handler) ReorderFavorites(w http.ResponseWriter, r *http.Request) {
	var req reorderRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", "request body must be JSON")
		return
	}
	if err := validation.ValidateCityIDs(req.CityIDs); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	u, err := h.favorites.Reorder(r.Context(), observability.UserID(r.Context()), req.CityIDs)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, u)
}

// ClearFavorites handles DELETE /users/me/favorites.
func (h *Handler) ClearFavorites(w http.ResponseWriter, r *http.Request) {
	u, err := h.favorites.Clear(r.Context(), observability.UserID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeResult(w, http.StatusOK, u)
}
