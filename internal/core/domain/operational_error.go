package domain

import "time"

// Operation names the kind of provider interaction that failed.
type Operation string

const (
	OperationRefresh Operation = "refresh"
	OperationProbe   Operation = "probe"
	OperationUpload  Operation = "upload"
	OperationOther   Operation = "other"
)

// OperationalError is a historical, already-classified failure reported
// against a credential by the core or one of its collaborators.
type OperationalError struct {
	ID         string
	UserID     string
	Provider   string
	Operation  Operation
	Kind       ErrorKind
	Message    string
	OccurredAt time.Time
}
