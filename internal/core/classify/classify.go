package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strings"

	"golang.org/x/oauth2"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

var (
	// Status codes inside free text only count as whole numbers, so
	// "1500ms" is not a 500.
	quotaStatus       = regexp.MustCompile(`\b429\b`)
	unavailableStatus = regexp.MustCompile(`\b50[023]\b`)

	quotaPatterns = []string{
		"quota",
		"rate limit",
		"ratelimit",
		"too many requests",
		"too_many_requests",
		"rate_limit_exceeded",
		"user_rate_limit",
	}
	expiredGrantPatterns = []string{
		"expired",
		"token has been expired",
	}
	timeoutPatterns = []string{
		"timeout",
		"timed out",
		"deadline exceeded",
		"connection reset",
		"connection refused",
		"no such host",
		"eof",
	}
	unavailablePatterns = []string{
		"service unavailable",
		"temporarily unavailable",
		"bad gateway",
		"internal server error",
		"backend error",
	}
)

// Classify maps a raw provider failure to its ErrorKind. It is pure and
// never returns ErrorKindNone for a non-nil error.
func Classify(err error) domain.ErrorKind {
	if err == nil {
		return domain.ErrorKindNone
	}

	// Transport deadlines first; they can wrap anything below.
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.ErrorKindNetworkTimeout
	}

	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		status := 0
		if retrieveErr.Response != nil {
			status = retrieveErr.Response.StatusCode
		}
		return classifyResponse(
			status,
			retrieveErr.ErrorCode,
			retrieveErr.ErrorDescription,
			string(retrieveErr.Body),
		)
	}

	var providerErr *domain.ProviderError
	if errors.As(err, &providerErr) {
		return classifyResponse(
			providerErr.StatusCode,
			providerErr.Code,
			providerErr.Description,
			providerErr.Body,
		)
	}

	// *url.Error satisfies net.Error too, so only trust it for real
	// timeouts. TLS and scheme faults fall through to the text patterns.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return domain.ErrorKindNetworkTimeout
	}

	return classifyMessage(err.Error())
}

func classifyResponse(status int, code, description, body string) domain.ErrorKind {
	code = strings.ToLower(code)
	text := strings.ToLower(description + " " + body)

	switch code {
	case "invalid_grant":
		if containsAny(text, expiredGrantPatterns) {
			return domain.ErrorKindExpiredRefreshToken
		}
		return domain.ErrorKindInvalidRefreshToken
	case "temporarily_unavailable":
		return domain.ErrorKindServiceUnavailable
	}

	switch {
	case status == http.StatusTooManyRequests:
		return domain.ErrorKindAPIQuotaExceeded
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return domain.ErrorKindNetworkTimeout
	case status >= 500:
		return domain.ErrorKindServiceUnavailable
	case status == http.StatusForbidden && containsAny(text, quotaPatterns):
		return domain.ErrorKindAPIQuotaExceeded
	case status == http.StatusUnauthorized && strings.Contains(text, "invalid_grant"):
		return domain.ErrorKindInvalidRefreshToken
	}

	if containsAny(text, quotaPatterns) {
		return domain.ErrorKindAPIQuotaExceeded
	}
	return domain.ErrorKindUnknown
}

// classifyMessage is the fallback for opaque errors that only carry text.
func classifyMessage(msg string) domain.ErrorKind {
	s := strings.ToLower(msg)

	if strings.Contains(s, "invalid_grant") {
		if containsAny(s, expiredGrantPatterns) {
			return domain.ErrorKindExpiredRefreshToken
		}
		return domain.ErrorKindInvalidRefreshToken
	}
	if quotaStatus.MatchString(s) || containsAny(s, quotaPatterns) {
		return domain.ErrorKindAPIQuotaExceeded
	}
	if containsAny(s, timeoutPatterns) {
		return domain.ErrorKindNetworkTimeout
	}
	if unavailableStatus.MatchString(s) || containsAny(s, unavailablePatterns) {
		return domain.ErrorKindServiceUnavailable
	}
	return domain.ErrorKindUnknown
}

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}
