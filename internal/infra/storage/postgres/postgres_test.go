package postgres

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/infra/storage"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("CLOUDLINK_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("CLOUDLINK_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	db, err := NewDB(ctx, Config{URL: url})
	if err != nil {
		t.Fatalf("NewDB failed: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestCredentialRepo_RoundTrip(t *testing.T) {
	db := setupDB(t)
	repo := NewCredentialRepo(db)
	ctx := context.Background()

	key := domain.CredentialKey{UserID: "user-" + uuid.NewString(), Provider: "gdrive"}
	t.Cleanup(func() { _ = repo.Delete(ctx, key) })

	retryAt := time.Now().Add(time.Minute).UTC().Truncate(time.Microsecond)
	cred := &domain.Credential{
		UserID:              key.UserID,
		Provider:            key.Provider,
		AccessToken:         "access",
		RefreshToken:        "refresh",
		ExpiresAt:           time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond),
		Scopes:              []string{"drive.file", "drive.metadata"},
		RefreshFailureCount: 2,
		LastErrorKind:       domain.ErrorKindNetworkTimeout,
		NextRetryAt:         &retryAt,
	}
	if err := repo.Save(ctx, cred); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.RefreshFailureCount != 2 || got.LastErrorKind != domain.ErrorKindNetworkTimeout {
		t.Errorf("unexpected failure state: %+v", got)
	}
	if len(got.Scopes) != 2 || got.Scopes[1] != "drive.metadata" {
		t.Errorf("scopes = %v", got.Scopes)
	}
	if got.NextRetryAt == nil || !got.NextRetryAt.Equal(retryAt) {
		t.Errorf("NextRetryAt = %v, want %v", got.NextRetryAt, retryAt)
	}
	if got.LastSuccessfulRefreshAt != nil {
		t.Errorf("LastSuccessfulRefreshAt should be nil, got %v", got.LastSuccessfulRefreshAt)
	}

	// Upsert
	cred.RefreshFailureCount = 0
	cred.NextRetryAt = nil
	if err := repo.Save(ctx, cred); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, _ = repo.Get(ctx, key)
	if got.RefreshFailureCount != 0 || got.NextRetryAt != nil {
		t.Errorf("upsert did not apply: %+v", got)
	}

	if err := repo.Delete(ctx, key); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHealthRecordRepo_Upsert(t *testing.T) {
	db := setupDB(t)
	repo := NewHealthRecordRepo(db)
	ctx := context.Background()

	key := domain.CredentialKey{UserID: "user-" + uuid.NewString(), Provider: "dropbox"}
	rec := &domain.ConsolidatedHealthRecord{
		UserID:   key.UserID,
		Provider: key.Provider,
		Status:   domain.StatusDegraded,
	}
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	rec.Status = domain.StatusHealthy
	if err := repo.Save(ctx, rec); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := repo.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != domain.StatusHealthy {
		t.Errorf("Status = %s, want healthy", got.Status)
	}
}

func TestOperationalErrorRepo_CountAndPrune(t *testing.T) {
	db := setupDB(t)
	repo := NewOperationalErrorRepo(db)
	ctx := context.Background()

	key := domain.CredentialKey{UserID: "user-" + uuid.NewString(), Provider: "onedrive"}
	base := time.Now().Add(-time.Hour)
	for i := range 3 {
		err := repo.Add(ctx, &domain.OperationalError{
			ID:         uuid.NewString(),
			UserID:     key.UserID,
			Provider:   key.Provider,
			Operation:  domain.OperationUpload,
			Kind:       domain.ErrorKindServiceUnavailable,
			OccurredAt: base.Add(time.Duration(i) * 10 * time.Minute),
		})
		if err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	n, err := repo.CountSince(ctx, key, base.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("CountSince failed: %v", err)
	}
	if n != 2 {
		t.Errorf("CountSince = %d, want 2", n)
	}

	latest, err := repo.Latest(ctx, key)
	if err != nil {
		t.Fatalf("Latest failed: %v", err)
	}
	if latest.Kind != domain.ErrorKindServiceUnavailable {
		t.Errorf("Latest kind = %s", latest.Kind)
	}

	if _, err := repo.Prune(ctx, time.Now()); err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if _, err := repo.Latest(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound after prune, got %v", err)
	}
}
