package validation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

// Cache holds recent validation results and probe failure streaks.
// Writers overwrite unconditionally; the last validation wins.
type Cache interface {
	Get(ctx context.Context, key domain.CredentialKey) (domain.HealthStatus, bool, error)
	Set(ctx context.Context, key domain.CredentialKey, hs domain.HealthStatus, ttl time.Duration) error
	Invalidate(ctx context.Context, key domain.CredentialKey) error

	IncrFailures(ctx context.Context, key domain.CredentialKey) (int, error)
	ResetFailures(ctx context.Context, key domain.CredentialKey) error
	Failures(ctx context.Context, key domain.CredentialKey) (int, error)
}

// CacheStats is a snapshot of MemoryCache counters.
type CacheStats struct {
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Sets      int64 `json:"sets"`
	Evictions int64 `json:"evictions"`
	Size      int   `json:"size"`
}

type cachedStatus struct {
	status    domain.HealthStatus
	expiresAt time.Time
}

// MemoryCache is an in-process Cache bounded by maxSize.
type MemoryCache struct {
	mu      sync.RWMutex
	entries map[domain.CredentialKey]*cachedStatus
	streaks map[domain.CredentialKey]int
	maxSize int
	now     func() time.Time

	// counters
	hits      int64
	misses    int64
	sets      int64
	evictions int64
}

// NewMemoryCache creates a cache. maxSize <= 0 uses 10000 entries.
func NewMemoryCache(maxSize int) *MemoryCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryCache{
		entries: make(map[domain.CredentialKey]*cachedStatus),
		streaks: make(map[domain.CredentialKey]int),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns an unexpired entry.
func (c *MemoryCache) Get(_ context.Context, key domain.CredentialKey) (domain.HealthStatus, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[key]
	now := c.now()
	c.mu.RUnlock()

	if !ok || !now.Before(entry.expiresAt) {
		atomic.AddInt64(&c.misses, 1)
		return domain.HealthStatus{}, false, nil
	}
	atomic.AddInt64(&c.hits, 1)
	return entry.status, true, nil
}

// Set stores hs until ttl elapses.
func (c *MemoryCache) Set(_ context.Context, key domain.CredentialKey, hs domain.HealthStatus, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxSize {
		c.evictLocked(now)
	}
	c.entries[key] = &cachedStatus{status: hs, expiresAt: now.Add(ttl)}
	atomic.AddInt64(&c.sets, 1)
	return nil
}

// evictLocked drops expired entries, or one arbitrary entry if none expired.
func (c *MemoryCache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if !now.Before(e.expiresAt) {
			delete(c.entries, k)
			atomic.AddInt64(&c.evictions, 1)
		}
	}
	if len(c.entries) < c.maxSize {
		return
	}
	for k := range c.entries {
		delete(c.entries, k)
		atomic.AddInt64(&c.evictions, 1)
		break
	}
}

// Invalidate drops the entry for key.
func (c *MemoryCache) Invalidate(_ context.Context, key domain.CredentialKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// IncrFailures bumps the probe failure streak.
func (c *MemoryCache) IncrFailures(_ context.Context, key domain.CredentialKey) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.streaks[key]++
	return c.streaks[key], nil
}

// ResetFailures clears the probe failure streak.
func (c *MemoryCache) ResetFailures(_ context.Context, key domain.CredentialKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.streaks, key)
	return nil
}

// Failures returns the probe failure streak.
func (c *MemoryCache) Failures(_ context.Context, key domain.CredentialKey) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streaks[key], nil
}

// Len returns the number of cached entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Stats returns cache statistics.
func (c *MemoryCache) Stats() CacheStats {
	return CacheStats{
		Hits:      atomic.LoadInt64(&c.hits),
		Misses:    atomic.LoadInt64(&c.misses),
		Sets:      atomic.LoadInt64(&c.sets),
		Evictions: atomic.LoadInt64(&c.evictions),
		Size:      c.Len(),
	}
}
