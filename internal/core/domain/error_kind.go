package domain

// ErrorKind is the closed set of classifications for provider failures.
type ErrorKind string

const (
	ErrorKindNone                ErrorKind = ""
	ErrorKindNetworkTimeout      ErrorKind = "network_timeout"
	ErrorKindInvalidRefreshToken ErrorKind = "invalid_refresh_token"
	ErrorKindExpiredRefreshToken ErrorKind = "expired_refresh_token"
	ErrorKindAPIQuotaExceeded    ErrorKind = "api_quota_exceeded"
	ErrorKindServiceUnavailable  ErrorKind = "service_unavailable"
	ErrorKindUnknown             ErrorKind = "unknown_error"
)

// ErrorKinds lists every classification in a stable order.
var ErrorKinds = []ErrorKind{
	ErrorKindNetworkTimeout,
	ErrorKindInvalidRefreshToken,
	ErrorKindExpiredRefreshToken,
	ErrorKindAPIQuotaExceeded,
	ErrorKindServiceUnavailable,
	ErrorKindUnknown,
}

// Valid reports whether k is one of the six known kinds.
func (k ErrorKind) Valid() bool {
	for _, known := range ErrorKinds {
		if k == known {
			return true
		}
	}
	return false
}

// Severity ranks how loudly a failure should be surfaced.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)
