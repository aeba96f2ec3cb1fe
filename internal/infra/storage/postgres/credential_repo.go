package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/infra/storage"
)

type credentialRow struct {
	UserID                   string         `db:"user_id"`
	Provider                 string         `db:"provider"`
	AccessToken              string         `db:"access_token"`
	RefreshToken             string         `db:"refresh_token"`
	ExpiresAt                time.Time      `db:"expires_at"`
	Scopes                   pq.StringArray `db:"scopes"`
	RefreshFailureCount      int            `db:"refresh_failure_count"`
	RequiresUserIntervention bool           `db:"requires_user_intervention"`
	LastSuccessfulRefreshAt  sql.NullTime   `db:"last_successful_refresh_at"`
	LastErrorKind            string         `db:"last_error_kind"`
	NextRetryAt              sql.NullTime   `db:"next_retry_at"`
	CreatedAt                time.Time      `db:"created_at"`
	UpdatedAt                time.Time      `db:"updated_at"`
}

const credentialColumns = `user_id, provider, access_token, refresh_token, expires_at, scopes,
	refresh_failure_count, requires_user_intervention, last_successful_refresh_at,
	last_error_kind, next_retry_at, created_at, updated_at`

// CredentialRepo implements storage.CredentialRepository using PostgreSQL.
type CredentialRepo struct {
	db *DB
}

// NewCredentialRepo creates a new PostgreSQL credential repository.
func NewCredentialRepo(db *DB) *CredentialRepo {
	return &CredentialRepo{db: db}
}

// Get retrieves a credential by user and provider.
func (r *CredentialRepo) Get(ctx context.Context, key domain.CredentialKey) (*domain.Credential, error) {
	var row credentialRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+credentialColumns+` FROM provider_credentials WHERE user_id = $1 AND provider = $2`,
		key.UserID, key.Provider,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}
	return row.toDomain(), nil
}

// Save inserts or updates a credential.
func (r *CredentialRepo) Save(ctx context.Context, cred *domain.Credential) error {
	row := credentialRowFrom(cred)
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO provider_credentials (
			user_id, provider, access_token, refresh_token, expires_at, scopes,
			refresh_failure_count, requires_user_intervention, last_successful_refresh_at,
			last_error_kind, next_retry_at, created_at, updated_at
		) VALUES (
			:user_id, :provider, :access_token, :refresh_token, :expires_at, :scopes,
			:refresh_failure_count, :requires_user_intervention, :last_successful_refresh_at,
			:last_error_kind, :next_retry_at, now(), now()
		)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			refresh_failure_count = EXCLUDED.refresh_failure_count,
			requires_user_intervention = EXCLUDED.requires_user_intervention,
			last_successful_refresh_at = EXCLUDED.last_successful_refresh_at,
			last_error_kind = EXCLUDED.last_error_kind,
			next_retry_at = EXCLUDED.next_retry_at,
			updated_at = now()`, row)
	if err != nil {
		return fmt.Errorf("failed to save credential: %w", err)
	}
	return nil
}

// Delete removes a credential.
func (r *CredentialRepo) Delete(ctx context.Context, key domain.CredentialKey) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM provider_credentials WHERE user_id = $1 AND provider = $2`,
		key.UserID, key.Provider,
	)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return nil
}

// List retrieves all credentials.
func (r *CredentialRepo) List(ctx context.Context) ([]*domain.Credential, error) {
	var rows []credentialRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+credentialColumns+` FROM provider_credentials ORDER BY user_id, provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}

	creds := make([]*domain.Credential, 0, len(rows))
	for i := range rows {
		creds = append(creds, rows[i].toDomain())
	}
	return creds, nil
}

func credentialRowFrom(c *domain.Credential) credentialRow {
	scopes := c.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	return credentialRow{
		UserID:                   c.UserID,
		Provider:                 c.Provider,
		AccessToken:              c.AccessToken,
		RefreshToken:             c.RefreshToken,
		ExpiresAt:                c.ExpiresAt,
		Scopes:                   pq.StringArray(scopes),
		RefreshFailureCount:      c.RefreshFailureCount,
		RequiresUserIntervention: c.RequiresUserIntervention,
		LastSuccessfulRefreshAt:  nullTime(c.LastSuccessfulRefreshAt),
		LastErrorKind:            string(c.LastErrorKind),
		NextRetryAt:              nullTime(c.NextRetryAt),
	}
}

func (row credentialRow) toDomain() *domain.Credential {
	return &domain.Credential{
		UserID:                   row.UserID,
		Provider:                 row.Provider,
		AccessToken:              row.AccessToken,
		RefreshToken:             row.RefreshToken,
		ExpiresAt:                row.ExpiresAt,
		Scopes:                   []string(row.Scopes),
		RefreshFailureCount:      row.RefreshFailureCount,
		RequiresUserIntervention: row.RequiresUserIntervention,
		LastSuccessfulRefreshAt:  timePtr(row.LastSuccessfulRefreshAt),
		LastErrorKind:            domain.ErrorKind(row.LastErrorKind),
		NextRetryAt:              timePtr(row.NextRetryAt),
		CreatedAt:                row.CreatedAt,
		UpdatedAt:                row.UpdatedAt,
	}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
