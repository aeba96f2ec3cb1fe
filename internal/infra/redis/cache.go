package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

// streakTTL bounds how long an idle probe failure streak is remembered.
const streakTTL = 24 * time.Hour

// HealthCache stores validation results and probe failure streaks in Redis
// so every replica sees the same cache window.
type HealthCache struct {
	client *Client
}

// NewHealthCache creates a cache on top of a connected client.
func NewHealthCache(client *Client) *HealthCache {
	return &HealthCache{client: client}
}

// Get returns the cached status for key, if any.
func (c *HealthCache) Get(
	ctx context.Context,
	key domain.CredentialKey,
) (domain.HealthStatus, bool, error) {
	data, err := c.client.rdb.Get(ctx, c.client.healthKey(key.String())).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.HealthStatus{}, false, nil
	}
	if err != nil {
		return domain.HealthStatus{}, false, fmt.Errorf("get failed: %w", err)
	}

	var hs domain.HealthStatus
	if err := json.Unmarshal(data, &hs); err != nil {
		return domain.HealthStatus{}, false, fmt.Errorf("failed to unmarshal health status: %w", err)
	}
	return hs, true, nil
}

// Set caches status for ttl.
func (c *HealthCache) Set(
	ctx context.Context,
	key domain.CredentialKey,
	hs domain.HealthStatus,
	ttl time.Duration,
) error {
	data, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("failed to marshal health status: %w", err)
	}
	if err := c.client.rdb.Set(ctx, c.client.healthKey(key.String()), data, ttl).Err(); err != nil {
		return fmt.Errorf("set failed: %w", err)
	}
	return nil
}

// Invalidate drops the cached status for key.
func (c *HealthCache) Invalidate(ctx context.Context, key domain.CredentialKey) error {
	return c.client.rdb.Del(ctx, c.client.healthKey(key.String())).Err()
}

// IncrFailures bumps the probe failure streak and returns the new length.
func (c *HealthCache) IncrFailures(ctx context.Context, key domain.CredentialKey) (int, error) {
	k := c.client.streakKey(key.String())
	pipe := c.client.rdb.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, streakTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("incr failed: %w", err)
	}
	return int(incr.Val()), nil
}

// ResetFailures clears the probe failure streak.
func (c *HealthCache) ResetFailures(ctx context.Context, key domain.CredentialKey) error {
	return c.client.rdb.Del(ctx, c.client.streakKey(key.String())).Err()
}

// Failures returns the current probe failure streak.
func (c *HealthCache) Failures(ctx context.Context, key domain.CredentialKey) (int, error) {
	n, err := c.client.rdb.Get(ctx, c.client.streakKey(key.String())).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get failed: %w", err)
	}
	return n, nil
}
