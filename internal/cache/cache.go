package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is the key-value port used by the weather service. Values are opaque
// serialized payloads. Get returns (nil, false, nil) on a miss or an expired
// entry; an error means the backend itself failed.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// InMemoryCache implements Cache with a map and per-entry expiry.
// Expired entries are removed lazily on access; there is no sweeper.
// Safe for concurrent use.
type InMemoryCache struct {
	mu   sync.Mutex
	now  func() time.Time
	data map[string]cacheEntry
}

// cacheEntry stores a copy of the cached bytes with their expiration time.
type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		now:  time.Now,
		data: make(map[string]cacheEntry),
	}
}

// Get returns a copy of the cached value for key if present and not expired.
func (c *InMemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.data, key)
		return nil, false, nil
	}
	return append([]byte(nil), entry.value...), true, nil
}

// Set stores a copy of value under key for ttl. A non-positive ttl deletes the key.
func (c *InMemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ttl <= 0 {
		delete(c.data, key)
		return nil
	}
	c.data[key] = cacheEntry{
		value:     append([]byte(nil), value...),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// TTL implements TTLReader.
func (c *InMemoryCache) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.data[key]
	if !ok {
		return 0, false, nil
	}
	remaining := entry.expiresAt.Sub(c.now())
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// Len returns the number of stored entries, expired ones included until next access.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
