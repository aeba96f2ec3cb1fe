package domain

import "time"

// Status is the consolidated connection state shown on every dashboard.
type Status string

const (
	StatusHealthy                Status = "healthy"
	StatusDegraded               Status = "degraded"
	StatusConnectionIssues       Status = "connection_issues"
	StatusAuthenticationRequired Status = "authentication_required"
	StatusNotConnected           Status = "not_connected"
)

// HealthStatus is the result of one validation. It is produced fresh on
// every call; only its Status is ever persisted.
type HealthStatus struct {
	IsHealthy           bool      `json:"is_healthy"`
	Status              Status    `json:"status"`
	ErrorType           ErrorKind `json:"error_type,omitempty"`
	ErrorMessage        string    `json:"error_message,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	ValidatedAt         time.Time `json:"validated_at"`
	CacheTTLSeconds     int       `json:"cache_ttl_seconds"`
}

// FreshAt reports whether the status is still inside its cache window.
func (h HealthStatus) FreshAt(now time.Time) bool {
	return now.Sub(h.ValidatedAt) < time.Duration(h.CacheTTLSeconds)*time.Second
}

// ConsolidatedHealthRecord is the persisted single source of truth per credential.
type ConsolidatedHealthRecord struct {
	UserID                    string
	Provider                  string
	Status                    Status
	LastErrorKind             ErrorKind
	LastErrorMessage          string
	LastSuccessfulOperationAt *time.Time
	UpdatedAt                 time.Time
}

// Key returns the record's identity.
func (r *ConsolidatedHealthRecord) Key() CredentialKey {
	return CredentialKey{UserID: r.UserID, Provider: r.Provider}
}

// Clone returns a deep copy.
func (r *ConsolidatedHealthRecord) Clone() *ConsolidatedHealthRecord {
	if r == nil {
		return nil
	}
	out := *r
	if r.LastSuccessfulOperationAt != nil {
		t := *r.LastSuccessfulOperationAt
		out.LastSuccessfulOperationAt = &t
	}
	return &out
}
