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

type operationalErrorRow struct {
	ID         string    `db:"id"`
	UserID     string    `db:"user_id"`
	Provider   string    `db:"provider"`
	Operation  string    `db:"operation"`
	Kind       string    `db:"kind"`
	Message    string    `db:"message"`
	OccurredAt time.Time `db:"occurred_at"`
}

// OperationalErrorRepo implements storage.OperationalErrorRepository using PostgreSQL.
type OperationalErrorRepo struct {
	db *DB
}

// NewOperationalErrorRepo creates a new PostgreSQL operational error repository.
func NewOperationalErrorRepo(db *DB) *OperationalErrorRepo {
	return &OperationalErrorRepo{db: db}
}

// Add stores a classified error.
func (r *OperationalErrorRepo) Add(ctx context.Context, e *domain.OperationalError) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO provider_operational_errors (id, user_id, provider, operation, kind, message, occurred_at)
		VALUES (:id, :user_id, :provider, :operation, :kind, :message, :occurred_at)`,
		operationalErrorRow{
			ID:         e.ID,
			UserID:     e.UserID,
			Provider:   e.Provider,
			Operation:  string(e.Operation),
			Kind:       string(e.Kind),
			Message:    e.Message,
			OccurredAt: e.OccurredAt,
		})
	if err != nil {
		return fmt.Errorf("failed to add operational error: %w", err)
	}
	return nil
}

// CountSince counts errors for a credential after since.
func (r *OperationalErrorRepo) CountSince(
	ctx context.Context,
	key domain.CredentialKey,
	since time.Time,
) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT count(*) FROM provider_operational_errors
		WHERE user_id = $1 AND provider = $2 AND occurred_at > $3`,
		key.UserID, key.Provider, since,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count operational errors: %w", err)
	}
	return count, nil
}

// Latest retrieves the most recent error for a credential.
func (r *OperationalErrorRepo) Latest(
	ctx context.Context,
	key domain.CredentialKey,
) (*domain.OperationalError, error) {
	var row operationalErrorRow
	err := r.db.GetContext(ctx, &row, `
		SELECT id, user_id, provider, operation, kind, message, occurred_at
		FROM provider_operational_errors
		WHERE user_id = $1 AND provider = $2
		ORDER BY occurred_at DESC LIMIT 1`,
		key.UserID, key.Provider,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest operational error: %w", err)
	}
	return &domain.OperationalError{
		ID:         row.ID,
		UserID:     row.UserID,
		Provider:   row.Provider,
		Operation:  domain.Operation(row.Operation),
		Kind:       domain.ErrorKind(row.Kind),
		Message:    row.Message,
		OccurredAt: row.OccurredAt,
	}, nil
}

// Prune deletes errors older than before.
func (r *OperationalErrorRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM provider_operational_errors WHERE occurred_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune operational errors: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read pruned rows: %w", err)
	}
	return int(n), nil
}
