package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/iliyamo/expert-settlement/internal/metrics"
)

// FallbackCache is the single place where the backend is chosen.  It
// uses the distributed backend while it answers and the local backend
// otherwise.  A connection failure switches to local for retryInterval
// before the distributed backend is tried again; a miss never does.
type FallbackCache struct {
	distributed   Backend
	local         *LocalBackend
	opTimeout     time.Duration
	retryInterval time.Duration
	now           func() time.Time
	log           *zap.Logger

	mu            sync.Mutex
	degradedUntil time.Time
}

// Options configures a FallbackCache.  Zero values pick defaults.
type Options struct {
	OpTimeout     time.Duration
	RetryInterval time.Duration
	Now           func() time.Time
	Logger        *zap.Logger
}

// NewFallbackCache composes the two backends.  A nil distributed backend
// yields a local-only cache.
func NewFallbackCache(distributed Backend, local *LocalBackend, opts Options) *FallbackCache {
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 200 * time.Millisecond
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 30 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if local == nil {
		local = NewLocalBackend(opts.Now)
	}
	return &FallbackCache{
		distributed:   distributed,
		local:         local,
		opTimeout:     opts.OpTimeout,
		retryInterval: opts.RetryInterval,
		now:           opts.Now,
		log:           opts.Logger,
	}
}

// Degraded reports whether the cache is currently serving from the local
// backend because the distributed one failed.
func (c *FallbackCache) Degraded() bool {
	if c.distributed == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now().Before(c.degradedUntil)
}

func (c *FallbackCache) useDistributed() bool {
	return c.distributed != nil && !c.Degraded()
}

func (c *FallbackCache) degrade(op, key string, err error) {
	c.mu.Lock()
	already := c.now().Before(c.degradedUntil)
	c.degradedUntil = c.now().Add(c.retryInterval)
	c.mu.Unlock()
	if !already {
		metrics.CacheDegradations.Inc()
		c.log.Warn("idempotency cache degraded to local store",
			zap.String("op", op), zap.String("key", key),
			zap.Duration("retry_in", c.retryInterval), zap.Error(err))
	}
}

// Get looks key up in the active backend.  Entries written to the local
// backend during an outage stay visible after recovery until they expire.
func (c *FallbackCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if c.useDistributed() {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		v, err := c.distributed.Get(opCtx, key)
		cancel()
		switch {
		case err == nil:
			metrics.CacheLookups.WithLabelValues("hit", "redis").Inc()
			return v, true
		case errors.Is(err, ErrMiss), ctx.Err() != nil:
		default:
			c.degrade("get", key, err)
		}
	}
	v, err := c.local.Get(ctx, key)
	if err != nil {
		metrics.CacheLookups.WithLabelValues("miss", "local").Inc()
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit", "local").Inc()
	return v, true
}

// Set stores value in the active backend, falling back to local when the
// distributed write fails.  Errors are logged, never returned.
func (c *FallbackCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if c.useDistributed() {
		opCtx, cancel := context.WithTimeout(ctx, c.opTimeout)
		err := c.distributed.Set(opCtx, key, value, ttl)
		cancel()
		if err == nil {
			return
		}
		if ctx.Err() == nil {
			c.degrade("set", key, err)
		}
	}
	_ = c.local.Set(ctx, key, value, ttl)
}
