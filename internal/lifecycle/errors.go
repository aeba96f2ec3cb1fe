package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

var (
	// ErrAuthRequired means the user must reconnect; no automatic retry will happen.
	ErrAuthRequired = errors.New("authentication required")

	// ErrNotConnected is returned when no credential exists for the user and provider.
	ErrNotConnected = errors.New("not connected")

	// ErrManualRefreshUnsupported is returned when the provider disallows manual refresh.
	ErrManualRefreshUnsupported = errors.New("manual refresh not supported by provider")

	// ErrInterventionRequired rejects a manual refresh on a credential awaiting reconnect.
	ErrInterventionRequired = errors.New("credential requires user intervention")

	// ErrLockTimeout means the per-credential lock could not be held in time.
	ErrLockTimeout = errors.New("credential lock timeout")
)

// AuthRequiredError carries the classification that ended automatic retries.
type AuthRequiredError struct {
	Kind    domain.ErrorKind
	Attempt int
}

func (e *AuthRequiredError) Error() string {
	if e.Kind == domain.ErrorKindNone {
		return ErrAuthRequired.Error()
	}
	return fmt.Sprintf("%s: %s after %d attempt(s)", ErrAuthRequired, e.Kind, e.Attempt)
}

func (e *AuthRequiredError) Unwrap() error {
	return ErrAuthRequired
}

// RetryScheduledError signals a recoverable failure. The caller should try
// again after RetryAt; nothing needs the user's attention.
type RetryScheduledError struct {
	Kind    domain.ErrorKind
	Attempt int
	RetryAt time.Time
	Cause   error
}

func (e *RetryScheduledError) Error() string {
	return fmt.Sprintf("refresh retry scheduled at %s: %s (attempt %d)",
		e.RetryAt.Format(time.RFC3339), e.Kind, e.Attempt)
}

func (e *RetryScheduledError) Unwrap() error {
	return e.Cause
}
