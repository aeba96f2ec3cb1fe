package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/infra/storage"
)

type healthRecordRow struct {
	UserID                    string       `db:"user_id"`
	Provider                  string       `db:"provider"`
	Status                    string       `db:"consolidated_status"`
	LastErrorKind             string       `db:"last_error_kind"`
	LastErrorMessage          string       `db:"last_error_message"`
	LastSuccessfulOperationAt sql.NullTime `db:"last_successful_operation_at"`
	UpdatedAt                 time.Time    `db:"updated_at"`
}

const healthRecordColumns = `user_id, provider, consolidated_status, last_error_kind,
	last_error_message, last_successful_operation_at, updated_at`

// HealthRecordRepo implements storage.HealthRecordRepository using PostgreSQL.
type HealthRecordRepo struct {
	db *DB
}

// NewHealthRecordRepo creates a new PostgreSQL health record repository.
func NewHealthRecordRepo(db *DB) *HealthRecordRepo {
	return &HealthRecordRepo{db: db}
}

// Get retrieves a record by user and provider.
func (r *HealthRecordRepo) Get(
	ctx context.Context,
	key domain.CredentialKey,
) (*domain.ConsolidatedHealthRecord, error) {
	var row healthRecordRow
	err := r.db.GetContext(ctx, &row,
		`SELECT `+healthRecordColumns+` FROM provider_health_records WHERE user_id = $1 AND provider = $2`,
		key.UserID, key.Provider,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get health record: %w", err)
	}
	return row.toDomain(), nil
}

// Save inserts or updates a record.
func (r *HealthRecordRepo) Save(ctx context.Context, rec *domain.ConsolidatedHealthRecord) error {
	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	row := healthRecordRow{
		UserID:                    rec.UserID,
		Provider:                  rec.Provider,
		Status:                    string(rec.Status),
		LastErrorKind:             string(rec.LastErrorKind),
		LastErrorMessage:          rec.LastErrorMessage,
		LastSuccessfulOperationAt: nullTime(rec.LastSuccessfulOperationAt),
		UpdatedAt:                 updatedAt,
	}

	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO provider_health_records (
			user_id, provider, consolidated_status, last_error_kind,
			last_error_message, last_successful_operation_at, updated_at
		) VALUES (
			:user_id, :provider, :consolidated_status, :last_error_kind,
			:last_error_message, :last_successful_operation_at, :updated_at
		)
		ON CONFLICT (user_id, provider) DO UPDATE SET
			consolidated_status = EXCLUDED.consolidated_status,
			last_error_kind = EXCLUDED.last_error_kind,
			last_error_message = EXCLUDED.last_error_message,
			last_successful_operation_at = EXCLUDED.last_successful_operation_at,
			updated_at = EXCLUDED.updated_at`, row)
	if err != nil {
		return fmt.Errorf("failed to save health record: %w", err)
	}
	return nil
}

// List retrieves all records.
func (r *HealthRecordRepo) List(ctx context.Context) ([]*domain.ConsolidatedHealthRecord, error) {
	var rows []healthRecordRow
	err := r.db.SelectContext(ctx, &rows,
		`SELECT `+healthRecordColumns+` FROM provider_health_records ORDER BY user_id, provider`)
	if err != nil {
		return nil, fmt.Errorf("failed to list health records: %w", err)
	}

	recs := make([]*domain.ConsolidatedHealthRecord, 0, len(rows))
	for i := range rows {
		recs = append(recs, rows[i].toDomain())
	}
	return recs, nil
}

func (row healthRecordRow) toDomain() *domain.ConsolidatedHealthRecord {
	return &domain.ConsolidatedHealthRecord{
		UserID:                    row.UserID,
		Provider:                  row.Provider,
		Status:                    domain.Status(row.Status),
		LastErrorKind:             domain.ErrorKind(row.LastErrorKind),
		LastErrorMessage:          row.LastErrorMessage,
		LastSuccessfulOperationAt: timePtr(row.LastSuccessfulOperationAt),
		UpdatedAt:                 row.UpdatedAt,
	}
}
