// Package consolidation merges credential state, live validation and
// operational error history into the one status every surface displays.
package consolidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/cloudlink/internal/core/classify"
	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/core/status"
	"github.com/vietddude/cloudlink/internal/infra/storage"
	"github.com/vietddude/cloudlink/internal/lifecycle"
	"github.com/vietddude/cloudlink/internal/metrics"
)

// Credentials reads stored credentials. A missing credential is
// lifecycle.ErrNotConnected.
type Credentials interface {
	Get(ctx context.Context, key domain.CredentialKey) (*domain.Credential, error)
}

// Validator returns the latest, possibly cached, validation result.
type Validator interface {
	Validate(ctx context.Context, key domain.CredentialKey) (domain.HealthStatus, error)
}

// Recorder persists the consolidated record.
type Recorder interface {
	Current(ctx context.Context, key domain.CredentialKey) (*domain.ConsolidatedHealthRecord, error)
	Record(ctx context.Context, key domain.CredentialKey, to domain.Status, ev status.Event) (*domain.ConsolidatedHealthRecord, error)
	Touch(ctx context.Context, key domain.CredentialKey) error
}

// Config holds consolidation configuration.
type Config struct {
	// DegradedThreshold is the failure count at which degraded becomes
	// connection_issues.
	DegradedThreshold int `yaml:"degraded_threshold"`
	// OperationalErrorWindow bounds how far back operational errors count.
	OperationalErrorWindow time.Duration `yaml:"operational_error_window"`
}

// DefaultConfig returns the default consolidation settings.
func DefaultConfig() Config {
	return Config{
		DegradedThreshold:      status.DefaultDegradedThreshold,
		OperationalErrorWindow: 15 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = def.DegradedThreshold
	}
	if c.OperationalErrorWindow <= 0 {
		c.OperationalErrorWindow = def.OperationalErrorWindow
	}
	return c
}

// Evaluation is a consolidated status with the detail behind it.
type Evaluation struct {
	Status        domain.Status    `json:"status"`
	Kind          domain.ErrorKind `json:"error_type,omitempty"`
	Message       string           `json:"message"`
	Posture       classify.Posture `json:"posture,omitempty"`
	Failures      int              `json:"consecutive_failures"`
	LastSuccessAt *time.Time       `json:"last_success_at,omitempty"`
}

// Consolidator is the HealthStatusConsolidator.
type Consolidator struct {
	cfg       Config
	creds     Credentials
	validator Validator
	recorder  Recorder
	opErrors  storage.OperationalErrorRepository
	log       *slog.Logger
	now       func() time.Time
}

// NewConsolidator creates a consolidator.
func NewConsolidator(
	cfg Config,
	creds Credentials,
	validator Validator,
	recorder Recorder,
	opErrors storage.OperationalErrorRepository,
) *Consolidator {
	return &Consolidator{
		cfg:       cfg.withDefaults(),
		creds:     creds,
		validator: validator,
		recorder:  recorder,
		opErrors:  opErrors,
		log:       slog.Default().With("component", "consolidation"),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (c *Consolidator) SetClock(now func() time.Time) {
	c.now = now
}

// Determine returns the consolidated status of key. It never fails.
func (c *Consolidator) Determine(ctx context.Context, key domain.CredentialKey) domain.Status {
	return c.Evaluate(ctx, key).Status
}

// Evaluate computes and persists the consolidated status of key. Anything
// that prevents the computation degrades to not_connected.
func (c *Consolidator) Evaluate(ctx context.Context, key domain.CredentialKey) Evaluation {
	ev, persist := c.evaluate(ctx, key)
	switch ev.Status {
	case domain.StatusAuthenticationRequired:
		ev.Posture = classify.PostureReconnectRequired
	case domain.StatusDegraded, domain.StatusConnectionIssues:
		ev.Posture = classify.PostureRetrying
	}
	if !persist {
		return ev
	}

	rec, err := c.recorder.Record(ctx, key, ev.Status, status.Event{
		Reason:  "consolidated",
		Kind:    ev.Kind,
		Message: ev.Message,
	})
	switch {
	case errors.Is(err, status.ErrInvalidTransition):
		c.log.Warn("Consolidated status rejected by state machine",
			"user", key.UserID, "provider", key.Provider, "status", ev.Status, "error", err)
	case err != nil:
		c.log.Warn("Failed to persist consolidated status",
			"user", key.UserID, "provider", key.Provider, "status", ev.Status, "error", err)
	}
	if rec != nil {
		ev.LastSuccessAt = rec.LastSuccessfulOperationAt
	}
	return ev
}

// evaluate applies the precedence rules. The bool reports whether the
// result reflects real state and may be persisted.
func (c *Consolidator) evaluate(ctx context.Context, key domain.CredentialKey) (Evaluation, bool) {
	cred, err := c.creds.Get(ctx, key)
	if errors.Is(err, lifecycle.ErrNotConnected) {
		return notConnected(), true
	}
	if err != nil {
		c.log.Warn("Failed to load credential, reporting not_connected",
			"user", key.UserID, "provider", key.Provider, "error", err)
		return notConnected(), false
	}

	if cred.RequiresUserIntervention {
		return Evaluation{
			Status:   domain.StatusAuthenticationRequired,
			Kind:     cred.LastErrorKind,
			Message:  status.Message(domain.StatusAuthenticationRequired),
			Failures: cred.RefreshFailureCount,
		}, true
	}

	hs, err := c.validator.Validate(ctx, key)
	if err != nil {
		c.log.Warn("Validation failed, reporting not_connected",
			"user", key.UserID, "provider", key.Provider, "error", err)
		return notConnected(), false
	}

	switch hs.Status {
	case domain.StatusAuthenticationRequired:
		return Evaluation{
			Status:   domain.StatusAuthenticationRequired,
			Kind:     hs.ErrorType,
			Message:  status.Message(domain.StatusAuthenticationRequired),
			Failures: hs.ConsecutiveFailures,
		}, true
	case domain.StatusNotConnected:
		return notConnected(), true
	}

	recent, err := c.recentErrors(ctx, key)
	if err != nil {
		c.log.Warn("Failed to count operational errors",
			"user", key.UserID, "provider", key.Provider, "error", err)
	}

	if !hs.IsHealthy {
		failures := hs.ConsecutiveFailures + recent
		st := status.ForFailures(failures, c.cfg.DegradedThreshold)
		return Evaluation{
			Status:   st,
			Kind:     hs.ErrorType,
			Message:  status.Message(st),
			Failures: failures,
		}, true
	}

	if recent > 0 {
		ev := Evaluation{
			Status:   domain.StatusDegraded,
			Message:  status.Message(domain.StatusDegraded),
			Failures: recent,
		}
		if latest, err := c.opErrors.Latest(ctx, key); err == nil {
			ev.Kind = latest.Kind
		}
		return ev, true
	}

	return Evaluation{
		Status:  domain.StatusHealthy,
		Message: status.Message(domain.StatusHealthy),
	}, true
}

// recentErrors counts operational errors inside the window that happened
// after the last successful operation.
func (c *Consolidator) recentErrors(ctx context.Context, key domain.CredentialKey) (int, error) {
	since := c.now().Add(-c.cfg.OperationalErrorWindow)

	rec, err := c.recorder.Current(ctx, key)
	if err != nil {
		return 0, err
	}
	if last := rec.LastSuccessfulOperationAt; last != nil && last.After(since) {
		since = *last
	}
	return c.opErrors.CountSince(ctx, key, since)
}

// RecordOperationalError classifies and stores a failure reported by a
// collaborator, then re-consolidates.
func (c *Consolidator) RecordOperationalError(
	ctx context.Context,
	key domain.CredentialKey,
	op domain.Operation,
	opErr error,
) (Evaluation, error) {
	if opErr == nil {
		return Evaluation{}, fmt.Errorf("record operational error for %s: nil error", key)
	}
	if op == "" {
		op = domain.OperationOther
	}

	kind := classify.Classify(opErr)
	e := &domain.OperationalError{
		ID:         uuid.NewString(),
		UserID:     key.UserID,
		Provider:   key.Provider,
		Operation:  op,
		Kind:       kind,
		Message:    opErr.Error(),
		OccurredAt: c.now(),
	}
	if err := c.opErrors.Add(ctx, e); err != nil {
		return Evaluation{}, fmt.Errorf("failed to store operational error: %w", err)
	}

	metrics.ClassifiedErrorsTotal.WithLabelValues(key.Provider, string(op), string(kind)).Inc()
	c.log.Info("Operational error recorded",
		"user", key.UserID, "provider", key.Provider, "operation", op, "kind", kind, "id", e.ID)

	return c.Evaluate(ctx, key), nil
}

// RecordOperationalSuccess stamps last_successful_operation_at. Errors
// reported before it stop counting towards degraded.
func (c *Consolidator) RecordOperationalSuccess(ctx context.Context, key domain.CredentialKey) error {
	if err := c.recorder.Touch(ctx, key); err != nil {
		return fmt.Errorf("failed to record operational success: %w", err)
	}
	return nil
}

func notConnected() Evaluation {
	return Evaluation{
		Status:  domain.StatusNotConnected,
		Message: status.Message(domain.StatusNotConnected),
	}
}
