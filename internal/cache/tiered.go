package cache

import (
	"context"
	"time"
)

// TieredCache combines an in-process L1 with a shared L2 (redis or memcached).
// Get checks L1, then L2, backfilling L1 on an L2 hit. Set writes both levels.
type TieredCache struct {
	l1    Cache
	l2    Cache
	l1TTL time.Duration
}

// TTLReader is implemented by backends that can report how long an entry has
// left. ok is false when the key is missing or has no expiry.
type TTLReader interface {
	TTL(ctx context.Context, key string) (remaining time.Duration, ok bool, err error)
}

// NewTieredCache returns a TieredCache. l1TTL caps how long any entry lives in
// L1. An L2 hit is backfilled for the smaller of l1TTL and the L2 entry's
// remaining lifetime when L2 implements TTLReader (redis, in-memory).
// Memcached does not report it, so there an entry may outlive its L2 copy by
// at most l1TTL.
func NewTieredCache(l1, l2 Cache, l1TTL time.Duration) *TieredCache {
	return &TieredCache{l1: l1, l2: l2, l1TTL: l1TTL}
}

// Get implements Cache.Get. L1 failures fall through to L2.
func (c *TieredCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if val, found, err := c.l1.Get(ctx, key); err == nil && found {
		return val, true, nil
	}
	val, found, err := c.l2.Get(ctx, key)
	if err != nil || !found {
		return nil, false, err
	}
	ttl := c.l1TTL
	if r, ok := c.l2.(TTLReader); ok {
		if remaining, known, err := r.TTL(ctx, key); err == nil && known && remaining < ttl {
			ttl = remaining
		}
	}
	if ttl > 0 {
		_ = c.l1.Set(ctx, key, val, ttl)
	}
	return val, true, nil
}

// Set implements Cache.Set. The L2 result is authoritative.
func (c *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	l1TTL := ttl
	if c.l1TTL > 0 && c.l1TTL < l1TTL {
		l1TTL = c.l1TTL
	}
	_ = c.l1.Set(ctx, key, value, l1TTL)
	return c.l2.Set(ctx, key, value, ttl)
}
