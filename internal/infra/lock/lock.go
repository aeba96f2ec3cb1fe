package lock

import (
	"context"
	"sync"
	"time"
)

// lease is one holder of a key. released is closed exactly once, when the
// lease leaves the map either by release or by forced expiry.
type lease struct {
	token    uint64
	expires  time.Time
	released chan struct{}
}

// Memory is an in-process keyed lock with lease expiry. A holder that
// outlives its TTL loses the key to the next waiter.
type Memory struct {
	mu   sync.Mutex
	held map[string]*lease
	seq  uint64
}

// NewMemory creates an empty lock table.
func NewMemory() *Memory {
	return &Memory{held: make(map[string]*lease)}
}

// Acquire blocks until key is free, its lease expires, or ctx is done.
// The returned release func is safe to call more than once.
func (m *Memory) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		m.mu.Lock()
		now := time.Now()
		cur, ok := m.held[key]
		if !ok || !now.Before(cur.expires) {
			if ok {
				close(cur.released)
			}
			m.seq++
			l := &lease{
				token:    m.seq,
				expires:  now.Add(ttl),
				released: make(chan struct{}),
			}
			m.held[key] = l
			m.mu.Unlock()
			return m.releaser(key, l), nil
		}
		wait := cur.released
		remaining := cur.expires.Sub(now)
		m.mu.Unlock()

		timer := time.NewTimer(remaining)
		select {
		case <-wait:
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
}

func (m *Memory) releaser(key string, l *lease) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			// A lease taken over after expiry belongs to someone else now.
			if cur, ok := m.held[key]; ok && cur.token == l.token {
				delete(m.held, key)
				close(l.released)
			}
		})
	}
}

// Held reports whether key currently has an unexpired holder.
func (m *Memory) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.held[key]
	return ok && time.Now().Before(cur.expires)
}
