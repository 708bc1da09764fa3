// Package cache implements the idempotency/result cache: a key to result
// store with TTL, backed by Redis with automatic fallback to an in-process
// map while Redis is unreachable.
//
// Degraded mode is per process.  A client that retries against a
// different instance during an outage may re-execute its request; the
// operations behind the cache carry their own uniqueness constraints.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by a Backend when the key is absent or expired.  It
// is the only error that does not indicate a backend failure.
var ErrMiss = errors.New("cache miss")

// Backend is one storage implementation behind the cache.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cache is what callers see.  Get never surfaces backend failures: a
// failure is a miss.  Set is best effort and returns nothing.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration)
}
