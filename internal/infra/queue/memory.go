package queue

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/cloudlink/internal/core/notify"
)

// incident holds the keys already queued for one credential's current
// failure run. A newer IncidentStartedAt replaces it.
type incident struct {
	startedAt time.Time
	keys      map[string]struct{}
}

// MemoryQueue keeps intents in process, dropping repeated idempotency keys
// within the same incident.
type MemoryQueue struct {
	mu      sync.Mutex
	seen    map[string]*incident
	intents []notify.EmailIntent
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{seen: make(map[string]*incident)}
}

// Push records intent unless its key was already seen in the same incident.
func (q *MemoryQueue) Push(ctx context.Context, intent notify.EmailIntent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	cred := intent.UserID + ":" + intent.Provider
	inc, ok := q.seen[cred]
	switch {
	case !ok || intent.IncidentStartedAt.After(inc.startedAt):
		inc = &incident{startedAt: intent.IncidentStartedAt, keys: make(map[string]struct{})}
		q.seen[cred] = inc
	case intent.IncidentStartedAt.Before(inc.startedAt):
		// Stale intent from an incident that has already been resolved.
		return nil
	}

	key := intent.IdempotencyKey()
	if _, ok := inc.keys[key]; ok {
		return nil
	}
	inc.keys[key] = struct{}{}
	q.intents = append(q.intents, intent)
	return nil
}

// Intents returns a copy of everything queued so far.
func (q *MemoryQueue) Intents() []notify.EmailIntent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]notify.EmailIntent(nil), q.intents...)
}

// Len returns the number of queued intents.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.intents)
}
