package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const lockPollInterval = 25 * time.Millisecond

// releaseScript deletes the lock only if the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Locker is a cross-process keyed lock built on SET NX with a lease TTL.
type Locker struct {
	client *Client
}

// NewLocker creates a lock on top of a connected client.
func NewLocker(client *Client) *Locker {
	return &Locker{client: client}
}

// Acquire polls until key is free or ctx is done. The lease expires after ttl
// even if the holder never releases it.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := l.client.lockKey(key)
	token := uuid.NewString()

	ticker := time.NewTicker(lockPollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.rdb.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("setnx failed: %w", err)
		}
		if ok {
			return l.releaser(k, token), nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *Locker) releaser(k, token string) func() {
	return func() {
		// Release must run even when the caller's context is already gone.
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client.rdb, []string{k}, token).Err()
	}
}
