package config

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SettlementConfig tunes the transfer scheduler and the booking flow.
//
// MaxRetries is the number of transient failures tolerated before a record
// is escalated.  Backoff grows from BackoffBase by doubling and never
// exceeds BackoffMax.  LeaseDuration bounds how long a claimed record stays
// invisible to other ticks and is always longer than RemoteTimeout.
// HoldTTL is how long an unpaid reservation keeps its slot.  It is also the
// lifetime of the checkout session, so it stays within the processor's
// accepted session window.
type SettlementConfig struct {
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	LeaseDuration    time.Duration
	RemoteTimeout    time.Duration
	BatchSize        int
	Concurrency      int
	HoldTTL          time.Duration
	PlatformFeeRate  decimal.Decimal
	DefaultDelayDays int
}

// Checkout sessions must live at least 30 minutes at the processor; the
// extra minute absorbs request latency.
const (
	MinHoldTTL = 31 * time.Minute
	MaxHoldTTL = 24 * time.Hour
)

// LoadSettlementConfig reads SETTLEMENT_* variables, applying defaults
// and clamping values that would break the scheduler.
func LoadSettlementConfig() SettlementConfig {
	c := SettlementConfig{
		MaxRetries:       envInt("SETTLEMENT_MAX_RETRIES", 3),
		BackoffBase:      envDur("SETTLEMENT_BACKOFF_BASE", 5*time.Minute),
		BackoffMax:       envDur("SETTLEMENT_BACKOFF_MAX", 6*time.Hour),
		LeaseDuration:    envDur("SETTLEMENT_LEASE", 2*time.Minute),
		RemoteTimeout:    envDur("SETTLEMENT_REMOTE_TIMEOUT", 30*time.Second),
		BatchSize:        envInt("SETTLEMENT_BATCH_SIZE", 100),
		Concurrency:      envInt("SETTLEMENT_CONCURRENCY", 8),
		HoldTTL:          envDur("RESERVATION_HOLD_TTL", 35*time.Minute),
		PlatformFeeRate:  envDecimal("PLATFORM_FEE_RATE", decimal.RequireFromString("0.15")),
		DefaultDelayDays: envInt("DEFAULT_MIN_DELAY_DAYS", 7),
	}
	return c.Normalize()
}

// Normalize fills zero values with defaults and enforces the relations
// between fields.
func (c SettlementConfig) Normalize() SettlementConfig {
	if c.MaxRetries < 0 { c.MaxRetries = 0 }
	if c.BackoffBase <= 0 { c.BackoffBase = time.Minute }
	if c.BackoffMax < c.BackoffBase { c.BackoffMax = c.BackoffBase }
	if c.RemoteTimeout <= 0 { c.RemoteTimeout = 30 * time.Second }
	if c.LeaseDuration <= c.RemoteTimeout { c.LeaseDuration = 2 * c.RemoteTimeout }
	if c.BatchSize < 1 { c.BatchSize = 100 }
	if c.Concurrency < 1 { c.Concurrency = 1 }
	if c.HoldTTL < MinHoldTTL { c.HoldTTL = MinHoldTTL }
	if c.HoldTTL > MaxHoldTTL { c.HoldTTL = MaxHoldTTL }
	if c.PlatformFeeRate.IsNegative() || c.PlatformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		zap.L().Warn("PLATFORM_FEE_RATE out of range, using 0", zap.String("rate", c.PlatformFeeRate.String()))
		c.PlatformFeeRate = decimal.Zero
	}
	if c.DefaultDelayDays < 1 { c.DefaultDelayDays = 7 }
	return c
}
