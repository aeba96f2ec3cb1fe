package status

import (
	"errors"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid status transition")

// ValidTransitions defines allowed status transitions.
// Key is the current status, value is the list of valid next statuses.
// Staying in the same status is always allowed.
var ValidTransitions = map[domain.Status][]domain.Status{
	domain.StatusNotConnected: {
		domain.StatusHealthy,
		domain.StatusDegraded,
		domain.StatusConnectionIssues,
		domain.StatusAuthenticationRequired,
	},
	domain.StatusHealthy: {
		domain.StatusDegraded,
		domain.StatusConnectionIssues,
		domain.StatusAuthenticationRequired,
		domain.StatusNotConnected,
	},
	domain.StatusDegraded: {
		domain.StatusHealthy,
		domain.StatusConnectionIssues,
		domain.StatusAuthenticationRequired,
		domain.StatusNotConnected,
	},
	domain.StatusConnectionIssues: {
		domain.StatusHealthy,
		domain.StatusDegraded,
		domain.StatusAuthenticationRequired,
		domain.StatusNotConnected,
	},
	// Intervention is only left by a successful refresh/reconnect or a disconnect.
	domain.StatusAuthenticationRequired: {
		domain.StatusHealthy,
		domain.StatusNotConnected,
	},
}

// CanTransition checks if a transition from one status to another is valid.
func CanTransition(from, to domain.Status) bool {
	if from == to {
		_, ok := ValidTransitions[from]
		return ok
	}

	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, target := range validTargets {
		if target == to {
			return true
		}
	}
	return false
}

// Transition represents a status change with metadata.
type Transition struct {
	From      domain.Status
	To        domain.Status
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to domain.Status, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// DefaultDegradedThreshold is the failure streak at which degraded becomes
// connection_issues.
const DefaultDegradedThreshold = 3

// ForFailures picks degraded or connection_issues for a failure streak.
// Streaks below threshold are considered "just started failing".
func ForFailures(consecutive, threshold int) domain.Status {
	if threshold <= 0 {
		threshold = DefaultDegradedThreshold
	}
	if consecutive < threshold {
		return domain.StatusDegraded
	}
	return domain.StatusConnectionIssues
}

// Message returns the user-facing sentence for a status. The six error kinds
// collapse into two postures: retrying automatically or reconnect required.
func Message(s domain.Status) string {
	switch s {
	case domain.StatusHealthy:
		return "Connected and working normally."
	case domain.StatusDegraded:
		return "Connection issues detected, retrying automatically. No action needed."
	case domain.StatusConnectionIssues:
		return "Connection issues, retrying automatically. No action needed."
	case domain.StatusAuthenticationRequired:
		return "Reconnect required. Please sign in to your storage account again."
	case domain.StatusNotConnected:
		return "Not connected."
	default:
		return "Unknown status"
	}
}
