package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/infra/storage"
)

type MemoryStorage struct {
	credentials map[domain.CredentialKey]*domain.Credential
	records     map[domain.CredentialKey]*domain.ConsolidatedHealthRecord
	opErrors    map[domain.CredentialKey][]*domain.OperationalError
	mu          sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		credentials: make(map[domain.CredentialKey]*domain.Credential),
		records:     make(map[domain.CredentialKey]*domain.ConsolidatedHealthRecord),
		opErrors:    make(map[domain.CredentialKey][]*domain.OperationalError),
	}
}

// -----------------------------------------------------------------------------
// Credential Repository
// -----------------------------------------------------------------------------

type CredentialRepo struct {
	store *MemoryStorage
}

func NewCredentialRepo(store *MemoryStorage) *CredentialRepo {
	return &CredentialRepo{store: store}
}

func (r *CredentialRepo) Get(ctx context.Context, key domain.CredentialKey) (*domain.Credential, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	c, ok := r.store.credentials[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return c.Clone(), nil
}

func (r *CredentialRepo) Save(ctx context.Context, cred *domain.Credential) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	c := cred.Clone()
	now := time.Now()
	if existing, ok := r.store.credentials[c.Key()]; ok {
		c.CreatedAt = existing.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	r.store.credentials[c.Key()] = c
	return nil
}

func (r *CredentialRepo) Delete(ctx context.Context, key domain.CredentialKey) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	delete(r.store.credentials, key)
	return nil
}

func (r *CredentialRepo) List(ctx context.Context) ([]*domain.Credential, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.Credential, 0, len(r.store.credentials))
	for _, c := range r.store.credentials {
		out = append(out, c.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

// -----------------------------------------------------------------------------
// Health Record Repository
// -----------------------------------------------------------------------------

type HealthRecordRepo struct {
	store *MemoryStorage
}

func NewHealthRecordRepo(store *MemoryStorage) *HealthRecordRepo {
	return &HealthRecordRepo{store: store}
}

func (r *HealthRecordRepo) Get(ctx context.Context, key domain.CredentialKey) (*domain.ConsolidatedHealthRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *HealthRecordRepo) Save(ctx context.Context, rec *domain.ConsolidatedHealthRecord) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.records[rec.Key()] = rec.Clone()
	return nil
}

func (r *HealthRecordRepo) List(ctx context.Context) ([]*domain.ConsolidatedHealthRecord, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.ConsolidatedHealthRecord, 0, len(r.store.records))
	for _, rec := range r.store.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key().String() < out[j].Key().String() })
	return out, nil
}

// -----------------------------------------------------------------------------
// Operational Error Repository
// -----------------------------------------------------------------------------

type OperationalErrorRepo struct {
	store *MemoryStorage
}

func NewOperationalErrorRepo(store *MemoryStorage) *OperationalErrorRepo {
	return &OperationalErrorRepo{store: store}
}

func (r *OperationalErrorRepo) Add(ctx context.Context, e *domain.OperationalError) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	key := domain.CredentialKey{UserID: e.UserID, Provider: e.Provider}
	cp := *e
	r.store.opErrors[key] = append(r.store.opErrors[key], &cp)
	return nil
}

func (r *OperationalErrorRepo) CountSince(ctx context.Context, key domain.CredentialKey, since time.Time) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	count := 0
	for _, e := range r.store.opErrors[key] {
		if e.OccurredAt.After(since) {
			count++
		}
	}
	return count, nil
}

func (r *OperationalErrorRepo) Latest(ctx context.Context, key domain.CredentialKey) (*domain.OperationalError, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	var latest *domain.OperationalError
	for _, e := range r.store.opErrors[key] {
		if latest == nil || e.OccurredAt.After(latest.OccurredAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, storage.ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *OperationalErrorRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	pruned := 0
	for key, list := range r.store.opErrors {
		kept := list[:0]
		for _, e := range list {
			if e.OccurredAt.Before(before) {
				pruned++
				continue
			}
			kept = append(kept, e)
		}
		r.store.opErrors[key] = kept
	}
	return pruned, nil
}
