package notify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/cloudlink/internal/core/classify"
	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/metrics"
)

// EmailIntent is the structured request handed to the mail collaborator.
type EmailIntent struct {
	UserID       string           `json:"user_id"`
	Provider     string           `json:"provider"`
	Kind         domain.ErrorKind `json:"kind"`
	AttemptCount int              `json:"attempt_count"`
	Decision     Decision         `json:"decision"`
	Severity     domain.Severity  `json:"severity"`
	Posture      classify.Posture `json:"posture"`
	// IncidentStartedAt is the last healthy point before the failure run,
	// so a reconnect or successful refresh opens a new incident.
	IncidentStartedAt time.Time `json:"incident_started_at"`
	CreatedAt         time.Time `json:"created_at"`
}

// IdempotencyKey identifies one notification within one unresolved incident.
func (i EmailIntent) IdempotencyKey() string {
	return fmt.Sprintf("%s:%s:%s:%d:%d",
		i.UserID, i.Provider, i.Kind, i.AttemptCount, i.IncidentStartedAt.UnixMicro())
}

// IntentQueue accepts email intents. Implementations must treat a repeated
// idempotency key as already delivered and return nil.
type IntentQueue interface {
	Push(ctx context.Context, intent EmailIntent) error
}

// Dispatcher applies the policy and pushes intents that need sending.
type Dispatcher struct {
	queue IntentQueue
	log   *slog.Logger
	now   func() time.Time
}

// NewDispatcher creates a dispatcher. A nil queue disables delivery.
func NewDispatcher(queue IntentQueue) *Dispatcher {
	return &Dispatcher{
		queue: queue,
		log:   slog.Default().With("component", "notify"),
		now:   time.Now,
	}
}

// Dispatch decides and, when warranted, enqueues an intent for the credential.
// Queue failures are logged and returned but never change the decision.
func (d *Dispatcher) Dispatch(
	ctx context.Context,
	key domain.CredentialKey,
	kind domain.ErrorKind,
	severity domain.Severity,
	attemptCount int,
	incidentStartedAt time.Time,
) (Decision, error) {
	decision := Decide(kind, attemptCount)
	if !decision.ShouldNotify() || d == nil || d.queue == nil {
		return decision, nil
	}

	intent := EmailIntent{
		UserID:       key.UserID,
		Provider:     key.Provider,
		Kind:         kind,
		AttemptCount: attemptCount,
		Decision:     decision,
		Severity:     severity,
		Posture:      classify.PostureFor(kind, attemptCount),

		IncidentStartedAt: incidentStartedAt.UTC(),
		CreatedAt:         d.now(),
	}

	if err := d.queue.Push(ctx, intent); err != nil {
		d.log.Error("Failed to enqueue email intent",
			"user", key.UserID, "provider", key.Provider, "kind", kind, "error", err)
		return decision, fmt.Errorf("enqueue email intent: %w", err)
	}

	metrics.NotificationsTotal.WithLabelValues(key.Provider, string(kind), string(decision)).Inc()
	d.log.Info("Email intent enqueued",
		"user", key.UserID, "provider", key.Provider, "kind", kind,
		"attempt", attemptCount, "decision", decision)
	return decision, nil
}
