package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-dashboard-api/internal/cache"
	"github.com/kjstillabower/weather-dashboard-api/internal/client"
	"github.com/kjstillabower/weather-dashboard-api/internal/lifecycle"
	"github.com/kjstillabower/weather-dashboard-api/internal/models"
	"github.com/kjstillabower/weather-dashboard-api/internal/service"
	"github.com/kjstillabower/weather-dashboard-api/internal/store"
	"github.com/kjstillabower/weather-dashboard-api/internal/traffic"
)

type mockWeatherClient struct {
	mu          sync.Mutex
	calls       int
	failFor     map[string]error // keyed by Coordinates.Key(",")
	cities      []models.City
	geocodeErr  error
	validateErr error
}

func (m *mockWeatherClient) CurrentWeather(ctx context.Context, lat, lon float64) (models.Snapshot, error) {
	m.mu.Lock()
	m.calls++
	err := m.failFor[models.Coordinates{Lat: lat, Lon: lon}.Key(",")]
	m.mu.Unlock()
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{
		Lat:      lat,
		Lon:      lon,
		Timezone: "UTC",
		Current:  models.CurrentWeather{Dt: 1700000000, Temp: 12.5, Weather: []models.Condition{}},
	}, nil
}

func (m *mockWeatherClient) Geocode(ctx context.Context, query string, limit int) ([]models.City, error) {
	if m.geocodeErr != nil {
		return nil, m.geocodeErr
	}
	if len(m.cities) > limit {
		return m.cities[:limit], nil
	}
	return m.cities, nil
}

func (m *mockWeatherClient) ValidateAPIKey(ctx context.Context) error {
	return m.validateErr
}

type envOptions struct {
	health       *HealthConfig
	limiter      *rate.Limiter
	maxFavorites int
	testingMode  bool
	logger       *zap.Logger
}

type testEnv struct {
	handler *Handler
	router  *mux.Router
	client  *mockWeatherClient
	users   *store.MemoryStore
}

// newTestEnv wires real services over an in-memory cache and store. User
// "user-1" exists with no favorites.
func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	traffic.Reset()
	lifecycle.SetShuttingDown(false)
	lifecycle.MarkReadyAfter(0)

	mc := &mockWeatherClient{failFor: map[string]error{}}
	users := store.NewMemoryStore()
	if err := users.Create(context.Background(), &models.User{ID: "user-1", Name: "Ada", Email: "ada@example.com"}); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	logger := opts.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := NewHandler(Deps{
		Weather:     service.NewWeatherService(mc, cache.NewInMemoryCache(), service.WeatherOptions{}),
		Favorites:   service.NewFavoritesService(users, service.FavoritesOptions{MaxFavorites: opts.maxFavorites}),
		Users:       users,
		Client:      mc,
		Health:      opts.health,
		Logger:      logger,
		RateLimiter: opts.limiter,
	})
	return &testEnv{
		handler: h,
		router:  NewRouter(h, RouterOptions{Logger: logger, RequestTimeout: time.Second, TestingMode: opts.testingMode}),
		client:  mc,
		users:   users,
	}
}

func (e *testEnv) do(method, path, body, userID string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-Correlation-ID", "test-correlation-id")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return env.Error
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d. Body: %s", w.Code, status, w.Body.String())
	}
	body := decodeError(t, w)
	if body.Code != code {
		t.Errorf("error code = %q, want %q", body.Code, code)
	}
	if body.RequestID != "test-correlation-id" {
		t.Errorf("requestId = %q, want test-correlation-id", body.RequestID)
	}
}

func TestHandler_GetCurrentWeather_Success(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do("GET", "/weather/current?lat=40.7128&lon=-74.006", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var snap models.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Lat != 40.7128 || snap.Lon != -74.006 {
		t.Errorf("snapshot coordinates = %v,%v", snap.Lat, snap.Lon)
	}
	if snap.Current.Temp != 12.5 {
		t.Errorf("Temp = %v, want 12.5", snap.Current.Temp)
	}

	// Second request is served from cache.
	env.do("GET", "/weather/current?lat=40.7128&lon=-74.006", "", "")
	if env.client.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", env.client.calls)
	}
}

func TestHandler_GetCurrentWeather_InvalidInput(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"missing lat", "?lon=10"},
		{"missing both", ""},
		{"non-numeric lat", "?lat=abc&lon=10"},
		{"non-numeric lon", "?lat=10&lon=east"},
		{"lat out of range", "?lat=91&lon=0"},
		{"lon out of range", "?lat=0&lon=-180.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{})
			w := env.do("GET", "/weather/current"+tt.query, "", "")
			assertError(t, w, http.StatusBadRequest, "INVALID_REQUEST")
			if env.client.calls != 0 {
				t.Errorf("upstream called %d times for invalid input", env.client.calls)
			}
		})
	}
}

func TestHandler_GetCurrentWeather_ServiceErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", client.ErrLocationNotFound, http.StatusNotFound, "LOCATION_NOT_FOUND"},
		{"bad key", client.ErrInvalidAPIKey, http.StatusBadGateway, "UPSTREAM_AUTH"},
		{"upstream 500", &client.UpstreamError{Endpoint: client.EndpointWeather, StatusCode: 500}, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"upstream 429", &client.UpstreamError{Endpoint: client.EndpointWeather, StatusCode: 429}, http.StatusTooManyRequests, "RATE_LIMITED"},
		{"transport", fmt.Errorf("%w: dial tcp", client.ErrTransport), http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{})
			env.client.failFor["10.0000,20.0000"] = tt.err

			w := env.do("GET", "/weather/current?lat=10&lon=20", "", "")
			assertError(t, w, tt.wantStatus, tt.wantCode)
		})
	}
}

func TestHandler_ServiceErrorsCountTowardErrorRate(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.client.failFor["10.0000,20.0000"] = fmt.Errorf("%w: refused", client.ErrTransport)

	env.do("GET", "/weather/current?lat=10&lon=20", "", "")
	env.do("GET", "/weather/current?lat=11&lon=20", "", "")

	errs, total := traffic.ErrorRate(time.Minute)
	if errs != 1 || total != 2 {
		t.Errorf("ErrorRate = %d/%d, want 1/2", errs, total)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("x: %w", service.ErrUserNotFound), http.StatusNotFound, "USER_NOT_FOUND"},
		{fmt.Errorf("x: %w", service.ErrEntryNotFound), http.StatusNotFound, "FAVORITE_NOT_FOUND"},
		{fmt.Errorf("x: %w", service.ErrDuplicateEntry), http.StatusConflict, "FAVORITE_EXISTS"},
		{fmt.Errorf("x: %w", service.ErrLimitExceeded), http.StatusBadRequest, "FAVORITES_LIMIT"},
		{fmt.Errorf("x: %w", service.ErrInvalidReorder), http.StatusBadRequest, "INVALID_REORDER"},
		{fmt.Errorf("x: %w", store.ErrConflict), http.StatusConflict, "CONFLICT"},
		{fmt.Errorf("x: %w", store.ErrUserExists), http.StatusConflict, "USER_EXISTS"},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, tt := range tests {
		status, code, _ := classify(tt.err)
		if status != tt.wantStatus || code != tt.wantCode {
			t.Errorf("classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.wantStatus, tt.wantCode)
		}
	}
}

func TestHandler_SearchLocations(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.client.cities = []models.City{
		{ID: "51.5073_-0.1276", Name: "London", Country: "GB", Lat: 51.5073, Lon: -0.1276},
		{ID: "42.9834_-81.2330", Name: "London", Country: "CA", Lat: 42.9834, Lon: -81.233},
	}

	w := env.do("GET", "/weather/search?query=London&limit=1", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var cities []models.City
	if err := json.Unmarshal(w.Body.Bytes(), &cities); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cities) != 1 || cities[0].Country != "GB" {
		t.Errorf("cities = %+v, want London GB only", cities)
	}
}

func TestHandler_SearchLocations_EmptyResultIsArray(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.client.cities = []models.City{}

	w := env.do("GET", "/weather/search?query=Nowhere", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("body = %s, want []", got)
	}
}

func TestHandler_SearchLocations_InvalidInput(t *testing.T) {
	for _, query := range []string{
		"",
		"?query=%20%20",
		"?query=Paris&limit=11",
		"?query=Paris&limit=-1",
		"?query=Paris&limit=0",
		"?query=Paris&limit=many",
		"?query=" + strings.Repeat("a", 101),
	} {
		env := newTestEnv(t, envOptions{})
		w := env.do("GET", "/weather/search"+query, "", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("GET /weather/search%s status = %d, want 400", query, w.Code)
		}
	}
}

func TestHandler_GetBatchWeather(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do("POST", "/weather/batch", `{"locations":[{"lat":1,"lon":2},{"lat":3,"lon":4}]}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var snaps []models.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snaps); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snaps) != 2 || snaps[0].Lat != 1 || snaps[1].Lat != 3 {
		t.Errorf("snapshots out of input order: %+v", snaps)
	}
}

func TestHandler_GetBatchWeather_AllOrNothing(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.client.failFor["3.0000,4.0000"] = client.ErrLocationNotFound

	w := env.do("POST", "/weather/batch", `{"locations":[{"lat":1,"lon":2},{"lat":3,"lon":4}]}`, "")
	assertError(t, w, http.StatusNotFound, "LOCATION_NOT_FOUND")
}

func TestHandler_GetBatchWeather_Partial(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.client.failFor["3.0000,4.0000"] = client.ErrLocationNotFound

	w := env.do("POST", "/weather/batch", `{"locations":[{"lat":1,"lon":2},{"lat":3,"lon":4}],"partial":true}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200. Body: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Results []batchItem `json:"results"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %d, want 2", len(resp.Results))
	}
	if resp.Results[0].Data == nil || resp.Results[0].Error != nil {
		t.Errorf("results[0] = %+v, want data", resp.Results[0])
	}
	if resp.Results[1].Data != nil || resp.Results[1].Error == nil || resp.Results[1].Error.Code != "LOCATION_NOT_FOUND" {
		t.Errorf("results[1] = %+v, want LOCATION_NOT_FOUND error", resp.Results[1])
	}
}

func TestHandler_GetBatchWeather_InvalidBody(t *testing.T) {
	for _, body := range []string{
		`not json`,
		`{"locations":[]}`,
		`{"locations":[{"lat":100,"lon":0}]}`,
	} {
		env := newTestEnv(t, envOptions{})
		w := env.do("POST", "/weather/batch", body, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
	}
}

const parisJSON = `{"id":"48.8566_2.3522","name":"Paris","country":"FR","lat":48.8566,"lon":2.3522}`

func favoriteJSON(id string) string {
	return fmt.Sprintf(`{"id":%q,"name":"City %s","country":"XX","lat":1,"lon":2}`, id, id)
}

func TestHandler_Favorites_RequireUser(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for _, tc := range []struct{ method, path, body string }{
		{"GET", "/users/me/favorites", ""},
		{"POST", "/users/me/favorites", parisJSON},
		{"DELETE", "/users/me/favorites", ""},
		{"DELETE", "/users/me/favorites/1", ""},
		{"PUT", "/users/me/favorites/order", `{"cityIds":[]}`},
	} {
		w := env.do(tc.method, tc.path, tc.body, "")
		assertError(t, w, http.StatusUnauthorized, "UNAUTHENTICATED")
	}
}

func TestHandler_Favorites_UnknownUser(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	w := env.do("GET", "/users/me/favorites", "", "ghost")
	assertError(t, w, http.StatusNotFound, "USER_NOT_FOUND")
}

func TestHandler_Favorites_Lifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do("GET", "/users/me/favorites", "", "user-1")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Fatalf("initial list = %d %s, want 200 []", w.Code, w.Body.String())
	}

	for _, id := range []string{"1", "2", "3"} {
		w = env.do("POST", "/users/me/favorites", favoriteJSON(id), "user-1")
		if w.Code != http.StatusCreated {
			t.Fatalf("add %s: status = %d, want 201. Body: %s", id, w.Code, w.Body.String())
		}
	}
	var u models.User
	if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if u.ID != "user-1" || len(u.Favorites) != 3 || u.Favorites[2].AddedAt.IsZero() {
		t.Errorf("add response = %+v", u)
	}

	w = env.do("POST", "/users/me/favorites", favoriteJSON("2"), "user-1")
	assertError(t, w, http.StatusConflict, "FAVORITE_EXISTS")

	w = env.do("PUT", "/users/me/favorites/order", `{"cityIds":["3","1","2"]}`, "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("reorder status = %d. Body: %s", w.Code, w.Body.String())
	}

	w = env.do("PUT", "/users/me/favorites/order", `{"cityIds":["3","1"]}`, "user-1")
	assertError(t, w, http.StatusBadRequest, "INVALID_REORDER")

	w = env.do("DELETE", "/users/me/favorites/1", "", "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("remove status = %d. Body: %s", w.Code, w.Body.String())
	}
	w = env.do("DELETE", "/users/me/favorites/1", "", "user-1")
	assertError(t, w, http.StatusNotFound, "FAVORITE_NOT_FOUND")

	w = env.do("GET", "/users/me/favorites", "", "user-1")
	var favs []models.FavoriteCity
	if err := json.Unmarshal(w.Body.Bytes(), &favs); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(favs) != 2 || favs[0].ID != "3" || favs[1].ID != "2" {
		t.Errorf("favorites = %+v, want [3 2]", favs)
	}

	w = env.do("DELETE", "/users/me/favorites", "", "user-1")
	if w.Code != http.StatusOK {
		t.Fatalf("clear status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if len(u.Favorites) != 0 {
		t.Errorf("favorites after clear = %+v", u.Favorites)
	}
}

func TestHandler_AddFavorite_Limit(t *testing.T) {
	env := newTestEnv(t, envOptions{maxFavorites: 1})

	if w := env.do("POST", "/users/me/favorites", favoriteJSON("1"), "user-1"); w.Code != http.StatusCreated {
		t.Fatalf("first add status = %d", w.Code)
	}
	w := env.do("POST", "/users/me/favorites", favoriteJSON("2"), "user-1")
	assertError(t, w, http.StatusBadRequest, "FAVORITES_LIMIT")
}

func TestHandler_AddFavorite_InvalidInput(t *testing.T) {
	for _, body := range []string{
		`{`,
		`{"name":"Paris","country":"FR","lat":1,"lon":2}`,
		`{"id":"x","country":"FR","lat":1,"lon":2}`,
		`{"id":"x","name":"Paris","country":"FR","lat":95,"lon":2}`,
		`{"id":"x","name":"Nowhere","country":"ZZ"}`,
		`{"id":"x","name":"Nowhere","country":"ZZ","lat":0}`,
	} {
		env := newTestEnv(t, envOptions{})
		w := env.do("POST", "/users/me/favorites", body, "user-1")
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %s: status = %d, want 400", body, w.Code)
		}
		if w = env.do("GET", "/users/me/favorites", "", "user-1"); strings.TrimSpace(w.Body.String()) != "[]" {
			t.Errorf("body %s: favorites after rejected add = %s, want []", body, w.Body.String())
		}
	}
}

func TestHandler_ReorderFavorites_InvalidBody(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for _, body := range []string{`{}`, `{"cityIds":[""]}`, `[]`} {
		w := env.do("PUT", "/users/me/favorites/order", body, "user-1")
		assertError(t, w, http.StatusBadRequest, "INVALID_REQUEST")
	}
}

func TestHandler_GetHealth(t *testing.T) {
	env := newTestEnv(t, envOptions{})

	w := env.do("GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("status = %v, want healthy", resp["status"])
	}
	if resp["service"] != "weather-dashboard-api" {
		t.Errorf("service = %v", resp["service"])
	}
	checks, _ := resp["checks"].(map[string]interface{})
	if checks["weatherApi"] != "healthy" {
		t.Errorf("checks = %v", checks)
	}
}

func TestHandler_GetHealth_States(t *testing.T) {
	tests := []struct {
		name       string
		health     *HealthConfig
		setup      func(env *testEnv)
		wantStatus string
		wantCode   int
	}{
		{
			name:       "shutting down wins over everything",
			setup:      func(env *testEnv) { env.client.validateErr = client.ErrInvalidAPIKey; lifecycle.SetShuttingDown(true) },
			wantStatus: "shutting-down",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "starting",
			setup:      func(env *testEnv) { lifecycle.MarkReadyAfter(time.Hour) },
			wantStatus: "starting",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:       "invalid api key",
			setup:      func(env *testEnv) { env.client.validateErr = client.ErrInvalidAPIKey },
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:   "overloaded",
			health: &HealthConfig{RateLimitRPS: 1, OverloadWindow: 10 * time.Second, OverloadThresholdPct: 50},
			setup: func(env *testEnv) {
				for i := 0; i < 6; i++ {
					traffic.RecordSuccess()
				}
			},
			wantStatus: "overloaded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:   "error rate breach",
			health: &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50},
			setup: func(env *testEnv) {
				traffic.RecordSuccess()
				traffic.RecordError()
			},
			wantStatus: "degraded",
			wantCode:   http.StatusServiceUnavailable,
		},
		{
			name:   "error rate below threshold",
			health: &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50},
			setup: func(env *testEnv) {
				traffic.RecordSuccess()
				traffic.RecordSuccess()
				traffic.RecordError()
			},
			wantStatus: "healthy",
			wantCode:   http.StatusOK,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, envOptions{health: tt.health})
			defer lifecycle.SetShuttingDown(false)
			defer lifecycle.MarkReadyAfter(0)
			tt.setup(env)

			w := env.do("GET", "/health", "", "")
			if w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", w.Code, tt.wantCode)
			}
			var resp map[string]interface{}
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %s", resp["status"], tt.wantStatus)
			}
		})
	}
}

func TestHandler_GetHealth_BackendChecks(t *testing.T) {
	env := newTestEnv(t, envOptions{health: &HealthConfig{
		Version:   "1.2.3",
		CachePing: func(context.Context) error { return errors.New("connection refused") },
		StorePing: func(context.Context) error { return nil },
	}})

	w := env.do("GET", "/health", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	var resp struct {
		Version string            `json:"version"`
		Checks  map[string]string `json:"checks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Version != "1.2.3" {
		t.Errorf("version = %q", resp.Version)
	}
	if resp.Checks["cache"] != "unhealthy" || resp.Checks["store"] != "healthy" {
		t.Errorf("checks = %v", resp.Checks)
	}
}

func TestHandler_GetHealth_LogsTransition(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	env := newTestEnv(t, envOptions{
		health: &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50},
		logger: zap.New(core),
	})

	traffic.RecordSuccess()
	traffic.RecordSuccess()
	env.do("GET", "/health", "", "")
	if n := logs.FilterMessage("health status transition").Len(); n != 0 {
		t.Fatalf("first call logged %d transitions, want 0", n)
	}

	traffic.RecordError()
	traffic.RecordError()
	env.do("GET", "/health", "", "")
	env.do("GET", "/health", "", "")

	entries := logs.FilterMessage("health status transition").All()
	if len(entries) != 1 {
		t.Fatalf("want 1 transition log, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["previous_status"] != "healthy" || fields["current_status"] != "degraded" || fields["reason"] != "error_rate_breach" {
		t.Errorf("transition fields = %v", fields)
	}
}

func TestHandler_TestEndpoints_DisabledByDefault(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for _, path := range []string{"/test/users", "/test/reset"} {
		w := env.do("POST", path, "", "")
		if w.Code != http.StatusNotFound {
			t.Errorf("POST %s status = %d, want 404", path, w.Code)
		}
	}
}

func TestHandler_CreateTestUser(t *testing.T) {
	env := newTestEnv(t, envOptions{testingMode: true})

	w := env.do("POST", "/test/users", `{"name":"Grace","email":"grace@example.com"}`, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201. Body: %s", w.Code, w.Body.String())
	}
	var u models.User
	if err := json.Unmarshal(w.Body.Bytes(), &u); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(u.ID) != 26 {
		t.Errorf("generated id = %q, want a 26 character ULID", u.ID)
	}
	if u.Favorites == nil || len(u.Favorites) != 0 {
		t.Errorf("favorites = %v, want empty", u.Favorites)
	}

	if w := env.do("POST", "/users/me/favorites", parisJSON, u.ID); w.Code != http.StatusCreated {
		t.Errorf("add for created user status = %d. Body: %s", w.Code, w.Body.String())
	}

	w = env.do("POST", "/test/users", `{"id":"user-1"}`, "")
	assertError(t, w, http.StatusConflict, "USER_EXISTS")
}

func TestHandler_PostTestActions(t *testing.T) {
	env := newTestEnv(t, envOptions{
		testingMode: true,
		health:      &HealthConfig{DegradedWindow: time.Minute, DegradedErrorPct: 50},
	})
	defer lifecycle.SetShuttingDown(false)

	w := env.do("POST", "/test/load", `{"count":3}`, "")
	if w.Code != http.StatusOK {
		t.Fatalf("load status = %d", w.Code)
	}
	if got := traffic.RequestCount(time.Minute); got != 3 {
		t.Errorf("RequestCount = %d, want 3", got)
	}

	w = env.do("POST", "/test/error", `{"count":3}`, "")
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["state"] != "degraded" || resp["error_rate_pct"] != float64(50) {
		t.Errorf("error action response = %v", resp)
	}

	env.do("POST", "/test/shutdown", "", "")
	if !lifecycle.IsShuttingDown() {
		t.Error("shutdown action did not set the flag")
	}

	env.do("POST", "/test/reset", "", "")
	if lifecycle.IsShuttingDown() || traffic.RequestCount(time.Minute) != 0 {
		t.Error("reset action did not clear state")
	}

	w = env.do("POST", "/test/explode", "", "")
	assertError(t, w, http.StatusNotFound, "UNKNOWN_ACTION")
}

func TestHandler_PostTestLoad_RespectsRateLimiter(t *testing.T) {
	env := newTestEnv(t, envOptions{testingMode: true, limiter: rate.NewLimiter(rate.Limit(1), 2)})

	w := env.do("POST", "/test/load", `{"count":5}`, "")
	var resp struct {
		Accepted int `json:"accepted"`
		Denied   int `json:"denied"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Accepted != 2 || resp.Denied != 3 {
		t.Errorf("accepted/denied = %d/%d, want 2/3", resp.Accepted, resp.Denied)
	}
	if got := traffic.DenialCount(time.Minute); got != 3 {
		t.Errorf("DenialCount = %d, want 3", got)
	}
}

func TestHandler_GetTestStatus(t *testing.T) {
	env := newTestEnv(t, envOptions{testingMode: true, health: &HealthConfig{RateLimitRPS: 10, RateLimitBurst: 20, OverloadWindow: 10 * time.Second, OverloadThresholdPct: 80}})
	traffic.RecordError()

	w := env.do("GET", "/test", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Errors int                    `json:"errors_in_window"`
		Config map[string]interface{} `json:"config"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Errors != 1 {
		t.Errorf("errors_in_window = %d, want 1", resp.Errors)
	}
	if resp.Config["overload_threshold"] != float64(80) {
		t.Errorf("overload_threshold = %v, want 80", resp.Config["overload_threshold"])
	}
}
