// Package notify decides when a credential failure is worth a human's
// attention and hands the resulting intent to an outbound queue.
package notify

import (
	"github.com/vietddude/cloudlink/internal/core/classify"
	"github.com/vietddude/cloudlink/internal/core/domain"
)

// Decision is the outcome of the notification policy.
type Decision string

const (
	DecisionNone                 Decision = "none"
	DecisionNotifyNow            Decision = "notify_now"
	DecisionNotifyAfterExhausted Decision = "notify_after_exhausted"
)

// ShouldNotify reports whether the decision asks for an intent to be sent.
func (d Decision) ShouldNotify() bool {
	return d == DecisionNotifyNow || d == DecisionNotifyAfterExhausted
}

// Decide maps a classification and the number of failed attempts so far to a
// notification decision. It is stateless; de-duplication is the dispatcher's job.
func Decide(kind domain.ErrorKind, attemptCount int) Decision {
	if kind == domain.ErrorKindNone {
		return DecisionNone
	}

	p := classify.PolicyFor(kind)
	if p.NotifyImmediately || !p.Recoverable {
		return DecisionNotifyNow
	}
	if p.Exhausted(attemptCount) {
		return DecisionNotifyAfterExhausted
	}
	return DecisionNone
}
