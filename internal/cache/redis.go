package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisCache.
type RedisOptions struct {
	URL          string
	PoolSize     int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisCache implements Cache using Redis GET and SET with EX.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache parses opts.URL (redis://[:password@]host:port/db), applies pool and
// timeout overrides, and verifies connectivity with a PING.
func NewRedisCache(ctx context.Context, opts RedisOptions) (*RedisCache, error) {
	opt, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	if opts.PoolSize > 0 {
		opt.PoolSize = opts.PoolSize
	}
	if opts.DialTimeout > 0 {
		opt.DialTimeout = opts.DialTimeout
	}
	if opts.ReadTimeout > 0 {
		opt.ReadTimeout = opts.ReadTimeout
	}
	if opts.WriteTimeout > 0 {
		opt.WriteTimeout = opts.WriteTimeout
	}
	// The service never retries; a slow Redis is treated like a miss instead.
	opt.MaxRetries = -1

	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis at %s: %w", opt.Addr, err)
	}
	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client. Used by tests and callers that share a pool.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get implements Cache.Get.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}
	return val, true, nil
}

// Set implements Cache.Set (SET key value EX ttl).
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < time.Second {
		ttl = time.Second
	}
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// TTL implements TTLReader with PTTL. Keys without an expiry report ok=false.
func (c *RedisCache) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := c.client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("redis pttl: %w", err)
	}
	if d <= 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// Ping checks if redis is reachable. Used for health checks.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the connection pool. Call during shutdown.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
