package cache

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// LocalBackend is an in-process map guarded by a RWMutex.  Expired
// entries are hidden on read and removed by Sweep.
type LocalBackend struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

// NewLocalBackend returns an empty store.  A nil clock uses time.Now.
func NewLocalBackend(now func() time.Time) *LocalBackend {
	if now == nil {
		now = time.Now
	}
	return &LocalBackend{entries: make(map[string]entry), now: now}
}

// Get returns the stored value or ErrMiss when absent or expired.
func (l *LocalBackend) Get(_ context.Context, key string) ([]byte, error) {
	l.mu.RLock()
	e, ok := l.entries[key]
	l.mu.RUnlock()
	if !ok || !l.now().Before(e.expiresAt) {
		return nil, ErrMiss
	}
	return e.value, nil
}

// Set stores a copy of value until now+ttl.
func (l *LocalBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	l.mu.Lock()
	l.entries[key] = entry{value: v, expiresAt: l.now().Add(ttl)}
	l.mu.Unlock()
	return nil
}

// Len reports how many entries are held, expired or not.
func (l *LocalBackend) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Sweep removes expired entries and returns how many were dropped.
func (l *LocalBackend) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, e := range l.entries {
		if !now.Before(e.expiresAt) {
			delete(l.entries, k)
			n++
		}
	}
	return n
}

// RunSweeper calls Sweep every interval until ctx is cancelled.
func (l *LocalBackend) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}
