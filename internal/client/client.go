package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/kjstillabower/weather-dashboard-api/internal/circuitbreaker"
	"github.com/kjstillabower/weather-dashboard-api/internal/models"
	"github.com/kjstillabower/weather-dashboard-api/internal/observability"
)

// WeatherClient is the upstream provider port used by the weather service.
type WeatherClient interface {
	CurrentWeather(ctx context.Context, lat, lon float64) (models.Snapshot, error)
	Geocode(ctx context.Context, query string, limit int) ([]models.City, error)
	ValidateAPIKey(ctx context.Context) error
}

var (
	ErrInvalidAPIKey    = errors.New("invalid API key")
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrRateLimited      = errors.New("rate limited")
	// ErrTransport covers failures where no usable HTTP response arrived:
	// network errors, timeouts and an open circuit.
	ErrTransport = errors.New("upstream transport failure")
)

// Endpoint labels used in errors and metrics.
const (
	EndpointWeather   = "weather"
	EndpointGeocoding = "geocoding"
)

const maxErrorBody = 512

// UpstreamError is a non-success HTTP status from the provider other than 401
// and (for current weather) 404.
type UpstreamError struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s API error: HTTP %d %s - %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode), e.Body)
}

// Is lets errors.Is match ErrUpstreamFailure, and ErrRateLimited for 429s.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUpstreamFailure:
		return true
	case ErrRateLimited:
		return e.StatusCode == http.StatusTooManyRequests
	}
	return false
}

// OpenWeatherClient calls the OpenWeatherMap current weather and direct geocoding APIs.
// Calls are never retried; the caller's cache tiers absorb upstream failures.
type OpenWeatherClient struct {
	apiKey  string
	baseURL string
	timeout time.Duration
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewOpenWeatherClient returns a client for the API rooted at baseURL
// (e.g. https://api.openweathermap.org). timeout bounds each call.
func NewOpenWeatherClient(apiKey, baseURL string, timeout time.Duration) (*OpenWeatherClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: API key is required", ErrInvalidAPIKey)
	}
	if len(apiKey) < 10 {
		return nil, fmt.Errorf("%w: API key appears invalid (too short)", ErrInvalidAPIKey)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OpenWeatherClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}, nil
}

// WithCircuitBreaker guards every upstream call with cb. Returns c for chaining.
func (c *OpenWeatherClient) WithCircuitBreaker(cb *circuitbreaker.CircuitBreaker) *OpenWeatherClient {
	c.breaker = cb
	return c
}

// IsBreakerFailure reports whether err should count against the circuit.
// A city the provider does not know is a caller problem, not an outage.
func IsBreakerFailure(err error) bool {
	return err != nil && !errors.Is(err, ErrLocationNotFound)
}

type owmCurrentResponse struct {
	Coord struct {
		Lat float64 `json:"lat"`
		Lon float64 `json:"lon"`
	} `json:"coord"`
	Dt  int64 `json:"dt"`
	Sys struct {
		Sunrise *int64 `json:"sunrise"`
		Sunset  *int64 `json:"sunset"`
	} `json:"sys"`
	Main struct {
		Temp      float64 `json:"temp"`
		FeelsLike float64 `json:"feels_like"`
		Pressure  float64 `json:"pressure"`
		Humidity  float64 `json:"humidity"`
	} `json:"main"`
	Clouds struct {
		All float64 `json:"all"`
	} `json:"clouds"`
	Visibility *float64 `json:"visibility"`
	Wind       struct {
		Speed float64  `json:"speed"`
		Deg   float64  `json:"deg"`
		Gust  *float64 `json:"gust"`
	} `json:"wind"`
	Rain    *owmPrecipitation  `json:"rain"`
	Snow    *owmPrecipitation  `json:"snow"`
	Weather []models.Condition `json:"weather"`
}

type owmPrecipitation struct {
	OneHour *float64 `json:"1h"`
}

type owmGeocodeResult struct {
	Name       string            `json:"name"`
	LocalNames map[string]string `json:"local_names"`
	Lat        float64           `json:"lat"`
	Lon        float64           `json:"lon"`
	Country    string            `json:"country"`
	State      string            `json:"state"`
}

// CurrentWeather fetches current conditions for a point and maps them to a Snapshot.
func (c *OpenWeatherClient) CurrentWeather(ctx context.Context, lat, lon float64) (models.Snapshot, error) {
	params := url.Values{}
	params.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	params.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	params.Set("units", "metric")

	var raw owmCurrentResponse
	if err := c.call(ctx, EndpointWeather, "/data/2.5/weather", params, &raw); err != nil {
		return models.Snapshot{}, err
	}
	return mapCurrent(raw), nil
}

// Geocode resolves a free-text city query to at most limit candidates.
// An empty result is not an error.
func (c *OpenWeatherClient) Geocode(ctx context.Context, query string, limit int) ([]models.City, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("limit", strconv.Itoa(limit))

	var raw []owmGeocodeResult
	if err := c.call(ctx, EndpointGeocoding, "/geo/1.0/direct", params, &raw); err != nil {
		return nil, err
	}
	cities := make([]models.City, 0, len(raw))
	for _, r := range raw {
		cities = append(cities, models.City{
			ID:         models.CityID(r.Lat, r.Lon),
			Name:       r.Name,
			LocalNames: r.LocalNames,
			Lat:        r.Lat,
			Lon:        r.Lon,
			Country:    r.Country,
			State:      r.State,
		})
	}
	return cities, nil
}

// ValidateAPIKey makes a minimal geocoding call to confirm the key is active.
func (c *OpenWeatherClient) ValidateAPIKey(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.Geocode(ctx, "London", 1); err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return fmt.Errorf("%w: API key is invalid or not activated", ErrInvalidAPIKey)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

func (c *OpenWeatherClient) call(ctx context.Context, endpoint, path string, params url.Values, out any) error {
	if c.breaker == nil {
		return c.do(ctx, endpoint, path, params, out)
	}
	err := c.breaker.Call(ctx, func() error {
		return c.do(ctx, endpoint, path, params, out)
	})
	if errors.Is(err, circuitbreaker.ErrOpen) {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "circuit_open").Inc()
		return fmt.Errorf("%w: %w", ErrTransport, err)
	}
	return err
}

func (c *OpenWeatherClient) do(ctx context.Context, endpoint, path string, params url.Values, out any) error {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := c.buildRequest(reqCtx, path, params)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.UpstreamCallsTotal.WithLabelValues(endpoint, "error").Inc()
		observability.UpstreamDuration.WithLabelValues(endpoint, "error").Observe(time.Since(start).Seconds())
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return fmt.Errorf("%w: request timeout: %w", ErrTransport, err)
		}
		return fmt.Errorf("%w: http request failed: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.UpstreamCallsTotal.WithLabelValues(endpoint, status).Inc()
	observability.UpstreamDuration.WithLabelValues(endpoint, status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(endpoint, resp); err != nil {
		return err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response body: %w", ErrTransport, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: "parse response: " + err.Error()}
	}
	return nil
}

func (c *OpenWeatherClient) buildRequest(ctx context.Context, path string, params url.Values) (*http.Request, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL: %w", err)
	}
	params.Set("appid", c.apiKey)
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if id := observability.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	return req, nil
}

func handleErrorResponse(endpoint string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: invalid OpenWeatherMap API key", ErrInvalidAPIKey)
	case resp.StatusCode == http.StatusNotFound && endpoint == EndpointWeather:
		return ErrLocationNotFound
	}
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &UpstreamError{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: string(excerpt)}
}

func mapCurrent(raw owmCurrentResponse) models.Snapshot {
	weather := raw.Weather
	if weather == nil {
		weather = []models.Condition{}
	}
	return models.Snapshot{
		Lat:            raw.Coord.Lat,
		Lon:            raw.Coord.Lon,
		Timezone:       "UTC",
		TimezoneOffset: 0,
		Current: models.CurrentWeather{
			Dt:         raw.Dt,
			Sunrise:    nonZero(raw.Sys.Sunrise),
			Sunset:     nonZero(raw.Sys.Sunset),
			Temp:       raw.Main.Temp,
			FeelsLike:  raw.Main.FeelsLike,
			Pressure:   raw.Main.Pressure,
			Humidity:   raw.Main.Humidity,
			DewPoint:   raw.Main.Temp, // not provided by this endpoint
			UVI:        0,
			Clouds:     raw.Clouds.All,
			Visibility: nonZero(raw.Visibility),
			WindSpeed:  raw.Wind.Speed,
			WindDeg:    raw.Wind.Deg,
			WindGust:   nonZero(raw.Wind.Gust),
			Rain:       mapPrecipitation(raw.Rain),
			Snow:       mapPrecipitation(raw.Snow),
			Weather:    weather,
		},
	}
}

func mapPrecipitation(p *owmPrecipitation) *models.Precipitation {
	if p == nil {
		return nil
	}
	out := &models.Precipitation{}
	if p.OneHour != nil {
		out.OneHour = *p.OneHour
	}
	return out
}

// nonZero drops values the provider reports as absent or zero.
func nonZero[T int64 | float64](v *T) *T {
	if v == nil || *v == 0 {
		return nil
	}
	return v
}

func statusLabel(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "success"
	}
	if statusCode == http.StatusTooManyRequests {
		return "rate_limited"
	}
	if statusCode >= 400 && statusCode < 500 {
		return "client_error"
	}
	if statusCode >= 500 {
		return "server_error"
	}
	return "error"
}
