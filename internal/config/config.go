package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kjstillabower/weather-dashboard-api/internal/models"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	TestingMode bool

	ServerPort string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	RequestTimeout time.Duration

	CacheBackend    string // "in_memory", "memcached", "redis" or "ristretto"
	WeatherTTL      time.Duration
	StaleTTL        time.Duration // negative disables the stale fallback tier
	SearchTTL       time.Duration
	CoalesceEnabled bool

	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RedisURL      string
	RedisPoolSize int
	RedisTimeout  time.Duration

	RistrettoMaxCost int64

	// L1 puts a ristretto cache in front of a shared memcached or redis backend.
	L1Enabled bool
	L1TTL     time.Duration
	L1MaxCost int64

	WarmLocations []models.Coordinates

	StoreBackend     string // "memory", "postgres" or "sqlite"
	DatabaseURL      string
	PostgresMaxConns int32
	SQLitePath       string

	FavoritesMax             int
	FavoritesConflictRetries int

	RateLimitRPS   int
	RateLimitBurst int

	CircuitBreakerEnabled          bool
	CircuitBreakerFailureThreshold int
	CircuitBreakerSuccessThreshold int
	CircuitBreakerTimeout          time.Duration

	ShutdownTimeout               time.Duration
	ShutdownInFlightTimeout       time.Duration
	ShutdownInFlightCheckInterval time.Duration

	ReadyDelay           time.Duration
	OverloadWindow       time.Duration
	OverloadThresholdPct int
	DegradedWindow       time.Duration
	DegradedErrorPct     int
}

type fileConfig struct {
	TestingMode *bool `yaml:"testing_mode"`

	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Cache struct {
		Backend   string `yaml:"backend"`
		TTL       string `yaml:"ttl"`
		StaleTTL  string `yaml:"stale_ttl"`
		SearchTTL string `yaml:"search_ttl"`
		Coalesce  struct {
			Enabled bool `yaml:"enabled"`
		} `yaml:"coalesce"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
		Redis struct {
			URL      string `yaml:"url"`
			PoolSize int    `yaml:"pool_size"`
			Timeout  string `yaml:"timeout"`
		} `yaml:"redis"`
		Ristretto struct {
			MaxCost int64 `yaml:"max_cost"`
		} `yaml:"ristretto"`
		L1 struct {
			Enabled bool   `yaml:"enabled"`
			TTL     string `yaml:"ttl"`
			MaxCost int64  `yaml:"max_cost"`
		} `yaml:"l1"`
		WarmLocations []models.Coordinates `yaml:"warm_locations"`
	} `yaml:"cache"`

	Store struct {
		Backend  string `yaml:"backend"`
		Postgres struct {
			DSN      string `yaml:"dsn"`
			MaxConns int32  `yaml:"max_conns"`
		} `yaml:"postgres"`
		SQLite struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
	} `yaml:"store"`

	Favorites struct {
		Max             int  `yaml:"max"`
		ConflictRetries *int `yaml:"conflict_retries"`
	} `yaml:"favorites"`

	Reliability struct {
		RateLimitRPS   int `yaml:"rate_limit_rps"`
		RateLimitBurst int `yaml:"rate_limit_burst"`
		CircuitBreaker struct {
			Enabled          bool   `yaml:"enabled"`
			FailureThreshold int    `yaml:"failure_threshold"`
			SuccessThreshold int    `yaml:"success_threshold"`
			Timeout          string `yaml:"timeout"`
		} `yaml:"circuit_breaker"`
	} `yaml:"reliability"`

	Shutdown struct {
		Timeout               string `yaml:"timeout"`
		InFlightTimeout       string `yaml:"in_flight_timeout"`
		InFlightCheckInterval string `yaml:"in_flight_check_interval"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		ReadyDelay           string `yaml:"ready_delay"`
		OverloadWindow       string `yaml:"overload_window"`
		OverloadThresholdPct int    `yaml:"overload_threshold_pct"`
		DegradedWindow       string `yaml:"degraded_window"`
		DegradedErrorPct     int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
	DatabaseURL   string `yaml:"database_url"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev) and config/secrets.yaml.
// A .env file in the working directory, when present, seeds unset environment variables.
// Environment variables override file values. Call from project root.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	sec, err := loadSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if fc.TestingMode != nil {
		cfg.TestingMode = *fc.TestingMode
	}

	cfg.ServerPort = firstNonEmpty(fc.Server.Port, "8080")

	cfg.WeatherAPIKey = firstNonEmpty(os.Getenv("WEATHER_API_KEY"), sec.WeatherAPIKey)
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env or config/secrets.yaml weather_api_key)")
	}
	cfg.WeatherAPIURL = firstNonEmpty(fc.WeatherAPI.URL, "https://api.openweathermap.org")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 2*time.Second)
	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 5*time.Second)

	cfg.CacheBackend = normalize(firstNonEmpty(os.Getenv("CACHE_BACKEND"), fc.Cache.Backend, "in_memory"))
	cfg.WeatherTTL = parseDuration(fc.Cache.TTL, time.Hour)
	cfg.StaleTTL = parseDurationOrZero(fc.Cache.StaleTTL, 24*time.Hour)
	if cfg.StaleTTL == 0 {
		cfg.StaleTTL = 24 * time.Hour
	}
	cfg.SearchTTL = parseDuration(fc.Cache.SearchTTL, 24*time.Hour)
	cfg.CoalesceEnabled = fc.Cache.Coalesce.Enabled

	cfg.MemcachedAddrs = firstNonEmpty(os.Getenv("MEMCACHED_ADDRS"), fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = positiveOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.RedisURL = firstNonEmpty(os.Getenv("REDIS_URL"), fc.Cache.Redis.URL, "redis://localhost:6379/0")
	cfg.RedisPoolSize = positiveOr(fc.Cache.Redis.PoolSize, 10)
	cfg.RedisTimeout = parseDuration(fc.Cache.Redis.Timeout, 500*time.Millisecond)

	cfg.RistrettoMaxCost = fc.Cache.Ristretto.MaxCost
	if cfg.RistrettoMaxCost <= 0 {
		cfg.RistrettoMaxCost = 64 << 20
	}
	cfg.L1Enabled = fc.Cache.L1.Enabled
	cfg.L1TTL = parseDuration(fc.Cache.L1.TTL, time.Minute)
	cfg.L1MaxCost = fc.Cache.L1.MaxCost
	if cfg.L1MaxCost <= 0 {
		cfg.L1MaxCost = 16 << 20
	}
	cfg.WarmLocations = fc.Cache.WarmLocations

	cfg.StoreBackend = normalize(firstNonEmpty(os.Getenv("STORE_BACKEND"), fc.Store.Backend, "memory"))
	cfg.DatabaseURL = firstNonEmpty(os.Getenv("DATABASE_URL"), sec.DatabaseURL, fc.Store.Postgres.DSN)
	cfg.PostgresMaxConns = fc.Store.Postgres.MaxConns
	if cfg.PostgresMaxConns <= 0 {
		cfg.PostgresMaxConns = 10
	}
	cfg.SQLitePath = firstNonEmpty(os.Getenv("SQLITE_PATH"), fc.Store.SQLite.Path, "weather-dashboard.db")

	cfg.FavoritesMax = positiveOr(fc.Favorites.Max, 20)
	cfg.FavoritesConflictRetries = 3
	if fc.Favorites.ConflictRetries != nil {
		cfg.FavoritesConflictRetries = *fc.Favorites.ConflictRetries
	}

	cfg.RateLimitRPS = positiveOr(fc.Reliability.RateLimitRPS, 100)
	cfg.RateLimitBurst = positiveOr(fc.Reliability.RateLimitBurst, 250)
	cb := fc.Reliability.CircuitBreaker
	cfg.CircuitBreakerEnabled = cb.Enabled
	cfg.CircuitBreakerFailureThreshold = positiveOr(cb.FailureThreshold, 5)
	cfg.CircuitBreakerSuccessThreshold = positiveOr(cb.SuccessThreshold, 2)
	cfg.CircuitBreakerTimeout = parseDuration(cb.Timeout, 30*time.Second)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)
	cfg.ShutdownInFlightCheckInterval = parseDuration(fc.Shutdown.InFlightCheckInterval, 100*time.Millisecond)

	cfg.ReadyDelay = parseDurationOrZero(fc.Lifecycle.ReadyDelay, 3*time.Second)
	cfg.OverloadWindow = parseDuration(fc.Lifecycle.OverloadWindow, 60*time.Second)
	cfg.OverloadThresholdPct = positiveOr(fc.Lifecycle.OverloadThresholdPct, 80)
	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = positiveOr(fc.Lifecycle.DegradedErrorPct, 5)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadSecrets reads config/secrets.yaml. A missing file yields empty secrets.
func loadSecrets(path string) (secretsFile, error) {
	var sec secretsFile
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sec, nil
		}
		return sec, fmt.Errorf("read secrets file: %w", err)
	}
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return sec, fmt.Errorf("parse secrets file: %w", err)
	}
	return sec, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Returns zero or negative durations as-is (caller should handle fallback).
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout is raised above
// WeatherAPITimeout so a handler never gives up before its upstream call.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("WEATHER_API_TIMEOUT must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.CacheBackend {
	case "in_memory", "memcached", "redis", "ristretto":
	default:
		return fmt.Errorf("cache.backend must be in_memory, memcached, redis or ristretto, got %q", cfg.CacheBackend)
	}
	if cfg.L1Enabled && cfg.CacheBackend != "memcached" && cfg.CacheBackend != "redis" {
		return fmt.Errorf("cache.l1 requires a shared backend (memcached or redis), got %q", cfg.CacheBackend)
	}
	switch cfg.StoreBackend {
	case "memory", "sqlite":
	case "postgres":
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL required for store.backend postgres")
		}
	default:
		return fmt.Errorf("store.backend must be memory, postgres or sqlite, got %q", cfg.StoreBackend)
	}
	for i, loc := range cfg.WarmLocations {
		if loc.Lat < -90 || loc.Lat > 90 || loc.Lon < -180 || loc.Lon > 180 {
			return fmt.Errorf("cache.warm_locations[%d] out of range: %s", i, loc.Key(","))
		}
	}
	return nil
}
