package classify

import (
	"math"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

// BackoffStrategy selects how retry delays grow with the attempt number.
type BackoffStrategy int

const (
	BackoffNone BackoffStrategy = iota
	BackoffExponential
	BackoffLinear
	BackoffFixed
)

// Backoff describes a retry delay curve. Attempts are 1-indexed.
type Backoff struct {
	Strategy BackoffStrategy
	Base     time.Duration
	Max      time.Duration
}

// Delay returns the wait before retrying after the given failed attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch b.Strategy {
	case BackoffExponential:
		delay = time.Duration(float64(b.Base) * math.Pow(2, float64(attempt-1)))
	case BackoffLinear:
		delay = b.Base * time.Duration(attempt)
	case BackoffFixed:
		delay = b.Base
	default:
		return 0
	}

	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// Policy is the immutable retry and notification metadata of an ErrorKind.
type Policy struct {
	Kind                     domain.ErrorKind
	Recoverable              bool
	RequiresUserIntervention bool
	Severity                 domain.Severity
	MaxRetryAttempts         int
	Backoff                  Backoff
	NotifyImmediately        bool
}

// RetryDelay returns the delay after the given failed attempt.
func (p Policy) RetryDelay(attempt int) time.Duration {
	return p.Backoff.Delay(attempt)
}

// Exhausted reports whether attempt has reached the retry ceiling.
func (p Policy) Exhausted(attempt int) bool {
	return attempt >= p.MaxRetryAttempts
}

var policies = map[domain.ErrorKind]Policy{
	domain.ErrorKindNetworkTimeout: {
		Kind:             domain.ErrorKindNetworkTimeout,
		Recoverable:      true,
		Severity:         domain.SeverityLow,
		MaxRetryAttempts: 5,
		Backoff:          Backoff{Strategy: BackoffExponential, Base: time.Second, Max: 16 * time.Second},
	},
	domain.ErrorKindAPIQuotaExceeded: {
		Kind:             domain.ErrorKindAPIQuotaExceeded,
		Recoverable:      true,
		Severity:         domain.SeverityMedium,
		MaxRetryAttempts: 3,
		Backoff:          Backoff{Strategy: BackoffFixed, Base: time.Hour},
	},
	domain.ErrorKindServiceUnavailable: {
		Kind:             domain.ErrorKindServiceUnavailable,
		Recoverable:      true,
		Severity:         domain.SeverityMedium,
		MaxRetryAttempts: 3,
		Backoff:          Backoff{Strategy: BackoffLinear, Base: time.Minute, Max: 5 * time.Minute},
	},
	domain.ErrorKindInvalidRefreshToken: {
		Kind:                     domain.ErrorKindInvalidRefreshToken,
		RequiresUserIntervention: true,
		Severity:                 domain.SeverityHigh,
		NotifyImmediately:        true,
	},
	domain.ErrorKindExpiredRefreshToken: {
		Kind:                     domain.ErrorKindExpiredRefreshToken,
		RequiresUserIntervention: true,
		Severity:                 domain.SeverityHigh,
		NotifyImmediately:        true,
	},
	domain.ErrorKindUnknown: {
		Kind:              domain.ErrorKindUnknown,
		Severity:          domain.SeverityHigh,
		NotifyImmediately: true,
	},
}

// PolicyFor returns the static policy of kind. Unrecognised kinds get the
// unknown_error policy.
func PolicyFor(kind domain.ErrorKind) Policy {
	if p, ok := policies[kind]; ok {
		return p
	}
	return policies[domain.ErrorKindUnknown]
}

// Posture is the user-facing collapse of the six kinds.
type Posture string

const (
	PostureNone              Posture = ""
	PostureRetrying          Posture = "retrying"
	PostureReconnectRequired Posture = "reconnect_required"
)

// PostureFor maps a kind and its attempt count to what the user should see.
func PostureFor(kind domain.ErrorKind, attempt int) Posture {
	if kind == domain.ErrorKindNone {
		return PostureNone
	}
	p := PolicyFor(kind)
	if !p.Recoverable || p.Exhausted(attempt) {
		return PostureReconnectRequired
	}
	return PostureRetrying
}
