package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

// maxRelativeExp is the largest expiration memcached treats as relative seconds;
// larger values are read as a unix timestamp.
const maxRelativeExp = 30 * 24 * 60 * 60

// MemcachedCache implements Cache using memcached.
type MemcachedCache struct {
	client *memcache.Client
}

// NewMemcachedCache creates a MemcachedCache. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// configure the client; both use package defaults if zero.
func NewMemcachedCache(addrs string, timeout time.Duration, maxIdleConns int) (*MemcachedCache, error) {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedCache{client: client}, nil
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Get implements Cache.Get. Returns false, nil on cache miss; false, err on error.
func (c *MemcachedCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if ctx.Err() != nil {
		return nil, false, ctx.Err()
	}
	item, err := c.client.Get(memcachedKey(key))
	if err != nil {
		if errors.Is(err, memcache.ErrCacheMiss) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return item.Value, true, nil
}

// Set implements Cache.Set. TTLs are rounded down to whole seconds and capped at 30 days.
func (c *MemcachedCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return c.client.Set(&memcache.Item{
		Key:        memcachedKey(key),
		Value:      value,
		Expiration: memcachedExpiration(ttl),
	})
}

// memcachedKey maps keys memcached would reject (over 250 bytes, whitespace or
// control characters, e.g. a search for "new york") to a stable hashed form.
func memcachedKey(key string) string {
	if len(key) <= 250 && strings.IndexFunc(key, func(r rune) bool { return r <= ' ' || r == 0x7f }) < 0 {
		return key
	}
	sum := sha256.Sum256([]byte(key))
	return "h:" + hex.EncodeToString(sum[:])
}

func memcachedExpiration(ttl time.Duration) int32 {
	sec := int64(ttl / time.Second)
	if sec < 1 {
		sec = 1
	}
	if sec > maxRelativeExp {
		sec = maxRelativeExp
	}
	return int32(sec)
}

// Ping checks if memcached is reachable. Used for health checks.
func (c *MemcachedCache) Ping(ctx context.Context) error {
	return c.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (c *MemcachedCache) Close() error {
	return c.client.Close()
}
