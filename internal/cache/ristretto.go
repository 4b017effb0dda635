package cache

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// RistrettoCache is a size-bounded in-process cache. Used alone as a backend
// or as the L1 of a TieredCache.
type RistrettoCache struct {
	c *ristretto.Cache[string, []byte]
}

// NewRistrettoCache creates a cache holding at most maxCostBytes of values.
func NewRistrettoCache(maxCostBytes int64) (*RistrettoCache, error) {
	if maxCostBytes <= 0 {
		maxCostBytes = 64 << 20
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: max(maxCostBytes/1024*10, 1000), // 10x the item count at ~1KB per value
		MaxCost:     maxCostBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &RistrettoCache{c: c}, nil
}

// Get implements Cache.Get.
func (c *RistrettoCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	val, found := c.c.Get(key)
	if !found {
		return nil, false, nil
	}
	return val, true, nil
}

// Set implements Cache.Set. Waits for the write buffer to drain so a Get that
// follows a Set observes it; ristretto may still reject the item under cost pressure.
func (c *RistrettoCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.c.SetWithTTL(key, value, int64(len(value)), ttl)
	c.c.Wait()
	return nil
}

// Close stops ristretto's background goroutines.
func (c *RistrettoCache) Close() error {
	c.c.Close()
	return nil
}
