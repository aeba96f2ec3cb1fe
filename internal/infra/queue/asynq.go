package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hibiken/asynq"

	"github.com/vietddude/cloudlink/internal/core/notify"
)

// TypeEmailIntent is the asynq task type consumed by the mail worker.
const TypeEmailIntent = "cloudlink:email_intent"

// Config holds intent queue configuration.
type Config struct {
	// Backend is "asynq" or "memory".
	Backend   string `yaml:"queue"`
	QueueName string `yaml:"queue_name"`
	MaxRetry  int    `yaml:"max_retry"`
}

// AsynqQueue pushes email intents as asynq tasks on Redis.
type AsynqQueue struct {
	client   *asynq.Client
	queue    string
	maxRetry int
	log      *slog.Logger
	mu       sync.RWMutex
}

// NewAsynqQueue connects an asynq client to the Redis at redisURL.
func NewAsynqQueue(redisURL string, cfg Config) (*AsynqQueue, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	queue := cfg.QueueName
	if queue == "" {
		queue = "notifications"
	}
	maxRetry := cfg.MaxRetry
	if maxRetry <= 0 {
		maxRetry = 5
	}

	return &AsynqQueue{
		client:   asynq.NewClient(opt),
		queue:    queue,
		maxRetry: maxRetry,
		log:      slog.Default().With("component", "queue"),
	}, nil
}

// Push enqueues intent. The idempotency key doubles as the asynq task ID,
// so a repeated intent is a no-op.
func (q *AsynqQueue) Push(ctx context.Context, intent notify.EmailIntent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	payload, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("failed to marshal email intent: %w", err)
	}

	task := asynq.NewTask(TypeEmailIntent, payload)
	_, err = q.client.EnqueueContext(ctx, task,
		asynq.TaskID(intent.IdempotencyKey()),
		asynq.Queue(q.queue),
		asynq.MaxRetry(q.maxRetry),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		q.log.Debug("Email intent already queued", "key", intent.IdempotencyKey())
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

// Close closes the asynq client.
func (q *AsynqQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.client.Close(); err != nil {
		return fmt.Errorf("failed to close asynq client: %w", err)
	}
	return nil
}

// DecodeEmailIntent parses a task payload produced by Push.
func DecodeEmailIntent(task *asynq.Task) (notify.EmailIntent, error) {
	var intent notify.EmailIntent
	if task.Type() != TypeEmailIntent {
		return intent, fmt.Errorf("unexpected task type %q", task.Type())
	}
	if err := json.Unmarshal(task.Payload(), &intent); err != nil {
		return intent, fmt.Errorf("failed to unmarshal email intent: %w", err)
	}
	return intent, nil
}
