package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/infra/storage"
	"github.com/vietddude/cloudlink/internal/metrics"
)

// Event carries what happened alongside a target status.
type Event struct {
	Reason  string
	Kind    domain.ErrorKind
	Message string
	// Success marks a successful provider operation.
	Success bool
}

// Recorder persists ConsolidatedHealthRecord changes through the state machine.
type Recorder struct {
	repo storage.HealthRecordRepository
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	callback func(key domain.CredentialKey, t Transition)
}

// NewRecorder creates a recorder on top of a record repository.
func NewRecorder(repo storage.HealthRecordRepository) *Recorder {
	return &Recorder{
		repo: repo,
		log:  slog.Default().With("component", "status"),
		now:  time.Now,
	}
}

// SetClock overrides the time source.
func (r *Recorder) SetClock(now func() time.Time) {
	r.now = now
}

// SetTransitionCallback registers a callback for status changes.
func (r *Recorder) SetTransitionCallback(fn func(key domain.CredentialKey, t Transition)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callback = fn
}

// Current returns the persisted status, or not_connected when no record exists.
func (r *Recorder) Current(
	ctx context.Context,
	key domain.CredentialKey,
) (*domain.ConsolidatedHealthRecord, error) {
	rec, err := r.repo.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return &domain.ConsolidatedHealthRecord{
			UserID:   key.UserID,
			Provider: key.Provider,
			Status:   domain.StatusNotConnected,
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health record: %w", err)
	}
	return rec, nil
}

// Record moves the credential's record to status `to`.
func (r *Recorder) Record(
	ctx context.Context,
	key domain.CredentialKey,
	to domain.Status,
	ev Event,
) (*domain.ConsolidatedHealthRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.Current(ctx, key)
	if err != nil {
		return nil, err
	}

	from := rec.Status
	if !CanTransition(from, to) {
		return rec, fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, to)
	}

	now := r.now()
	rec.Status = to
	rec.UpdatedAt = now
	if ev.Success {
		rec.LastSuccessfulOperationAt = &now
	}
	if to == domain.StatusHealthy {
		rec.LastErrorKind = domain.ErrorKindNone
		rec.LastErrorMessage = ""
	}
	if ev.Kind != domain.ErrorKindNone {
		rec.LastErrorKind = ev.Kind
		rec.LastErrorMessage = ev.Message
	}

	if err := r.repo.Save(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to save health record: %w", err)
	}

	if from != to {
		t := NewTransition(from, to, ev.Reason)
		t.Timestamp = now
		metrics.StatusTransitionsTotal.WithLabelValues(key.Provider, string(from), string(to)).Inc()
		r.log.Info("Status transition",
			"user", key.UserID, "provider", key.Provider,
			"from", from, "to", to, "reason", ev.Reason)
		if r.callback != nil {
			r.callback(key, t)
		}
	}

	return rec, nil
}

// Touch stamps a successful operation without changing the status.
func (r *Recorder) Touch(ctx context.Context, key domain.CredentialKey) error {
	rec, err := r.Current(ctx, key)
	if err != nil {
		return err
	}
	_, err = r.Record(ctx, key, rec.Status, Event{Reason: "operation succeeded", Success: true})
	return err
}
