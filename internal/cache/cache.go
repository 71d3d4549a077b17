// Package cache defines the shared key/value store behind the size and count caches.
package cache

import (
	"context"
	"time"
)

// Interface is the L2 store. MGet omits missing keys from its result.
type Interface interface {
	MGet(ctx context.Context, keys []string) (map[string][]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}
