package config

import "time"

// IdempotencyConfig defines settings for the idempotency/result cache.
// TTL is how long a stored result answers replays.  OpTimeout bounds every
// call to the distributed backend.  RetryInterval is how long the cache
// stays on the local fallback after a connection failure before probing
// Redis again.  SweepInterval paces eviction of expired local entries.
type IdempotencyConfig struct {
	Prefix        string
	TTL           time.Duration
	OpTimeout     time.Duration
	RetryInterval time.Duration
	SweepInterval time.Duration
}

// LoadIdempotencyConfig reads IDEMPOTENCY_* variables.  Defaults are used
// when variables are not set.
func LoadIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		Prefix:        envStr("IDEMPOTENCY_PREFIX", "idem"),
		TTL:           envDur("IDEMPOTENCY_TTL", 10*time.Minute),
		OpTimeout:     envDur("IDEMPOTENCY_OP_TIMEOUT", 200*time.Millisecond),
		RetryInterval: envDur("IDEMPOTENCY_RETRY_INTERVAL", 30*time.Second),
		SweepInterval: envDur("IDEMPOTENCY_SWEEP_INTERVAL", time.Minute),
	}
}
