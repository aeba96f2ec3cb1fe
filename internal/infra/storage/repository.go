package storage

import (
	"context"
	"errors"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

var (
	// ErrNotFound is returned when a credential or record doesn't exist
	ErrNotFound = errors.New("not found")
)

// CredentialRepository handles credential storage operations
type CredentialRepository interface {
	// Get retrieves the credential for a user and provider
	Get(ctx context.Context, key domain.CredentialKey) (*domain.Credential, error)

	// Save inserts or updates a credential
	Save(ctx context.Context, cred *domain.Credential) error

	// Delete removes a credential (explicit user disconnect only)
	Delete(ctx context.Context, key domain.CredentialKey) error

	// List retrieves all credentials
	List(ctx context.Context) ([]*domain.Credential, error)
}

// HealthRecordRepository handles consolidated health record storage
type HealthRecordRepository interface {
	// Get retrieves the record for a user and provider
	Get(ctx context.Context, key domain.CredentialKey) (*domain.ConsolidatedHealthRecord, error)

	// Save inserts or updates a record
	Save(ctx context.Context, rec *domain.ConsolidatedHealthRecord) error

	// List retrieves all records
	List(ctx context.Context) ([]*domain.ConsolidatedHealthRecord, error)
}

// OperationalErrorRepository handles historical operational errors
type OperationalErrorRepository interface {
	// Add stores a classified error
	Add(ctx context.Context, e *domain.OperationalError) error

	// CountSince counts errors for a credential that occurred after since
	CountSince(ctx context.Context, key domain.CredentialKey, since time.Time) (int, error)

	// Latest retrieves the most recent error for a credential
	Latest(ctx context.Context, key domain.CredentialKey) (*domain.OperationalError, error)

	// Prune deletes errors older than before
	Prune(ctx context.Context, before time.Time) (int, error)
}
