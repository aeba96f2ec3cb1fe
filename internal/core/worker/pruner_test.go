package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/infra/storage/memory"
)

type failingRepo struct {
	*memory.OperationalErrorRepo
}

func (failingRepo) Prune(context.Context, time.Time) (int, error) {
	return 0, errors.New("db down")
}

func TestPruner_Prune(t *testing.T) {
	store := memory.NewMemoryStorage()
	repo := memory.NewOperationalErrorRepo(store)
	ctx := context.Background()
	now := time.Now()
	key := domain.CredentialKey{UserID: "u1", Provider: "gdrive"}

	for _, age := range []time.Duration{time.Minute, 2 * time.Hour, 48 * time.Hour} {
		_ = repo.Add(ctx, &domain.OperationalError{
			ID:         age.String(),
			UserID:     key.UserID,
			Provider:   key.Provider,
			Kind:       domain.ErrorKindNetworkTimeout,
			OccurredAt: now.Add(-age),
		})
	}

	p := NewPruner(24*time.Hour, repo)
	p.now = func() time.Time { return now }

	if n := p.Prune(ctx); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	count, _ := repo.CountSince(ctx, key, now.Add(-72*time.Hour))
	if count != 2 {
		t.Errorf("remaining = %d, want 2", count)
	}
}

func TestPruner_Disabled(t *testing.T) {
	repo := memory.NewOperationalErrorRepo(memory.NewMemoryStorage())
	p := NewPruner(0, repo)

	if n := p.Prune(context.Background()); n != 0 {
		t.Errorf("pruned %d, want 0", n)
	}

	done := make(chan struct{})
	go func() {
		p.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return for disabled pruner")
	}
}

func TestPruner_RepoError(t *testing.T) {
	p := NewPruner(time.Hour, failingRepo{})
	if n := p.Prune(context.Background()); n != 0 {
		t.Errorf("pruned %d, want 0 on error", n)
	}
}
