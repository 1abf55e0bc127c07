// Package cache defines the small-value store used for rate counters,
// token nonces, kill-switch state, and short-lived statistics.
package cache

import (
	"context"
	"time"
)

// Cache is the minimal KV contract the broker depends on. Implementations
// must make Incr and SetNX atomic.
type Cache interface {
	// Get returns the value for key, or ("", false, nil) if absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value for key with an optional TTL (zero means no expiry).
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX sets value for key only if it does not already exist, returning
	// whether the set happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Incr atomically increments the integer stored at key (defaulting to
	// 0) and returns the new value. If ttl > 0 and the key did not
	// previously exist, the new key expires after ttl.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Expire sets a TTL on an existing key. A no-op if the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error
	// Del removes a key.
	Del(ctx context.Context, key string) error
}
