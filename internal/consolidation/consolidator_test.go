package consolidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/cloudlink/internal/core/classify"
	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/core/status"
	"github.com/vietddude/cloudlink/internal/infra/provider"
	"github.com/vietddude/cloudlink/internal/infra/storage/memory"
	"github.com/vietddude/cloudlink/internal/lifecycle"
)

var testKey = domain.CredentialKey{UserID: "u1", Provider: "gdrive"}

type stubCreds struct {
	cred *domain.Credential
	err  error
}

func (s *stubCreds) Get(_ context.Context, _ domain.CredentialKey) (*domain.Credential, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.cred == nil {
		return nil, lifecycle.ErrNotConnected
	}
	return s.cred.Clone(), nil
}

type stubValidator struct {
	mu    sync.Mutex
	hs    domain.HealthStatus
	err   error
	calls int
}

func (s *stubValidator) Validate(_ context.Context, _ domain.CredentialKey) (domain.HealthStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.hs, s.err
}

type fixture struct {
	consolidator *Consolidator
	creds        *stubCreds
	validator    *stubValidator
	records      *memory.HealthRecordRepo
	recorder     *status.Recorder
	now          time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	f := &fixture{
		creds: &stubCreds{cred: &domain.Credential{
			UserID:    testKey.UserID,
			Provider:  testKey.Provider,
			ExpiresAt: time.Now().Add(time.Hour),
		}},
		validator: &stubValidator{hs: domain.HealthStatus{IsHealthy: true, Status: domain.StatusHealthy}},
		records:   memory.NewHealthRecordRepo(store),
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return f.now }

	f.recorder = status.NewRecorder(f.records)
	f.recorder.SetClock(clock)
	f.consolidator = NewConsolidator(
		DefaultConfig(),
		f.creds,
		f.validator,
		f.recorder,
		memory.NewOperationalErrorRepo(store),
	)
	f.consolidator.SetClock(clock)
	return f
}

func (f *fixture) persisted(t *testing.T) domain.Status {
	t.Helper()
	rec, err := f.recorder.Current(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Current failed: %v", err)
	}
	return rec.Status
}

func TestDetermine_Precedence(t *testing.T) {
	tests := []struct {
		name  string
		setup func(f *fixture)
		want  domain.Status
	}{
		{
			name: "healthy",
			want: domain.StatusHealthy,
		},
		{
			name:  "no credential",
			setup: func(f *fixture) { f.creds.cred = nil },
			want:  domain.StatusNotConnected,
		},
		{
			name: "intervention wins over a healthy probe",
			setup: func(f *fixture) {
				f.creds.cred.RequiresUserIntervention = true
				f.creds.cred.LastErrorKind = domain.ErrorKindInvalidRefreshToken
			},
			want: domain.StatusAuthenticationRequired,
		},
		{
			name: "probe just started failing",
			setup: func(f *fixture) {
				f.validator.hs = domain.HealthStatus{
					Status:              domain.StatusDegraded,
					ErrorType:           domain.ErrorKindNetworkTimeout,
					ConsecutiveFailures: 1,
				}
			},
			want: domain.StatusDegraded,
		},
		{
			name: "probe failing past threshold",
			setup: func(f *fixture) {
				f.validator.hs = domain.HealthStatus{
					Status:              domain.StatusConnectionIssues,
					ErrorType:           domain.ErrorKindServiceUnavailable,
					ConsecutiveFailures: 3,
				}
			},
			want: domain.StatusConnectionIssues,
		},
		{
			name: "validator reports reconnect",
			setup: func(f *fixture) {
				f.validator.hs = domain.HealthStatus{Status: domain.StatusAuthenticationRequired}
			},
			want: domain.StatusAuthenticationRequired,
		},
		{
			name:  "validator error degrades",
			setup: func(f *fixture) { f.validator.err = provider.ErrProviderNotRegistered },
			want:  domain.StatusNotConnected,
		},
		{
			name:  "storage error degrades",
			setup: func(f *fixture) { f.creds.err = errors.New("connection refused") },
			want:  domain.StatusNotConnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			if tt.setup != nil {
				tt.setup(f)
			}
			if got := f.consolidator.Determine(context.Background(), testKey); got != tt.want {
				t.Errorf("Determine = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetermine_Idempotent(t *testing.T) {
	f := newFixture(t)
	f.validator.hs = domain.HealthStatus{
		Status:              domain.StatusDegraded,
		ErrorType:           domain.ErrorKindNetworkTimeout,
		ConsecutiveFailures: 1,
	}
	ctx := context.Background()

	first := f.consolidator.Determine(ctx, testKey)
	second := f.consolidator.Determine(ctx, testKey)
	if first != second {
		t.Errorf("Determine not idempotent: %s then %s", first, second)
	}
}

func TestEvaluate_PersistsRecord(t *testing.T) {
	f := newFixture(t)
	f.validator.hs = domain.HealthStatus{
		Status:              domain.StatusDegraded,
		ErrorType:           domain.ErrorKindNetworkTimeout,
		ConsecutiveFailures: 1,
	}

	ev := f.consolidator.Evaluate(context.Background(), testKey)
	if ev.Kind != domain.ErrorKindNetworkTimeout {
		t.Errorf("Kind = %s, want network_timeout", ev.Kind)
	}
	if ev.Posture != classify.PostureRetrying {
		t.Errorf("Posture = %q, want retrying", ev.Posture)
	}
	if ev.Message != status.Message(domain.StatusDegraded) {
		t.Errorf("Message = %q", ev.Message)
	}
	if got := f.persisted(t); got != domain.StatusDegraded {
		t.Errorf("persisted = %s, want degraded", got)
	}

	rec, _ := f.records.Get(context.Background(), testKey)
	if rec.LastErrorKind != domain.ErrorKindNetworkTimeout {
		t.Errorf("LastErrorKind = %s", rec.LastErrorKind)
	}
}

func TestEvaluate_ComputeFailureNotPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if got := f.consolidator.Determine(ctx, testKey); got != domain.StatusHealthy {
		t.Fatalf("Determine = %s, want healthy", got)
	}
	f.validator.err = errors.New("cache unreachable")
	if got := f.consolidator.Determine(ctx, testKey); got != domain.StatusNotConnected {
		t.Errorf("Determine = %s, want not_connected", got)
	}
	if got := f.persisted(t); got != domain.StatusHealthy {
		t.Errorf("persisted = %s, want healthy kept", got)
	}
}

func TestEvaluate_InvalidTransitionStillReturned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, _ = f.recorder.Record(ctx, testKey, domain.StatusAuthenticationRequired, status.Event{Reason: "setup"})
	f.validator.hs = domain.HealthStatus{Status: domain.StatusDegraded, ConsecutiveFailures: 1}

	if got := f.consolidator.Determine(ctx, testKey); got != domain.StatusDegraded {
		t.Errorf("Determine = %s, want degraded", got)
	}
	if got := f.persisted(t); got != domain.StatusAuthenticationRequired {
		t.Errorf("persisted = %s, want authentication_required kept", got)
	}
}

func TestRecordOperationalError_DegradesHealthyCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ev, err := f.consolidator.RecordOperationalError(ctx, testKey, domain.OperationUpload,
		&domain.ProviderError{StatusCode: 429, Body: "rate limit"})
	if err != nil {
		t.Fatalf("RecordOperationalError failed: %v", err)
	}
	if ev.Status != domain.StatusDegraded {
		t.Errorf("Status = %s, want degraded", ev.Status)
	}
	if ev.Kind != domain.ErrorKindAPIQuotaExceeded {
		t.Errorf("Kind = %s, want api_quota_exceeded", ev.Kind)
	}
	if got := f.persisted(t); got != domain.StatusDegraded {
		t.Errorf("persisted = %s, want degraded", got)
	}
}

func TestRecordOperationalError_AddsToProbeFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.validator.hs = domain.HealthStatus{
		Status:              domain.StatusDegraded,
		ErrorType:           domain.ErrorKindNetworkTimeout,
		ConsecutiveFailures: 2,
	}

	ev, err := f.consolidator.RecordOperationalError(ctx, testKey, domain.OperationUpload,
		errors.New("upload timed out"))
	if err != nil {
		t.Fatalf("RecordOperationalError failed: %v", err)
	}
	if ev.Failures != 3 || ev.Status != domain.StatusConnectionIssues {
		t.Errorf("evaluation = %+v, want 3 failures and connection_issues", ev)
	}
}

func TestRecordOperationalError_WindowAndSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, _ = f.consolidator.RecordOperationalError(ctx, testKey, domain.OperationUpload, errors.New("503 backend error"))

	t.Run("success clears", func(t *testing.T) {
		f.now = f.now.Add(time.Minute)
		if err := f.consolidator.RecordOperationalSuccess(ctx, testKey); err != nil {
			t.Fatalf("RecordOperationalSuccess failed: %v", err)
		}
		f.now = f.now.Add(time.Second)
		ev := f.consolidator.Evaluate(ctx, testKey)
		if ev.Status != domain.StatusHealthy {
			t.Errorf("Status = %s, want healthy", ev.Status)
		}
		if ev.LastSuccessAt == nil {
			t.Error("LastSuccessAt not set")
		}
	})

	t.Run("window expires", func(t *testing.T) {
		_, _ = f.consolidator.RecordOperationalError(ctx, testKey, domain.OperationUpload, errors.New("503"))
		if got := f.consolidator.Determine(ctx, testKey); got != domain.StatusDegraded {
			t.Fatalf("Determine = %s, want degraded", got)
		}
		f.now = f.now.Add(16 * time.Minute)
		if got := f.consolidator.Determine(ctx, testKey); got != domain.StatusHealthy {
			t.Errorf("Determine = %s, want healthy after window", got)
		}
	})
}

func TestRecordOperationalError_NilError(t *testing.T) {
	f := newFixture(t)
	if _, err := f.consolidator.RecordOperationalError(context.Background(), testKey, domain.OperationUpload, nil); err == nil {
		t.Error("expected error for nil operational error")
	}
}
