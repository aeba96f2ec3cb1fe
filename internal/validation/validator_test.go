package validation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/core/notify"
	"github.com/vietddude/cloudlink/internal/core/status"
	"github.com/vietddude/cloudlink/internal/infra/lock"
	"github.com/vietddude/cloudlink/internal/infra/provider"
	"github.com/vietddude/cloudlink/internal/infra/storage/memory"
	"github.com/vietddude/cloudlink/internal/lifecycle"
)

var testKey = domain.CredentialKey{UserID: "u1", Provider: "gdrive"}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	validator *Validator
	mgr       *lifecycle.Manager
	cache     *MemoryCache
	creds     *memory.CredentialRepo
	fake      *provider.Fake
	clock     *clock
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store := memory.NewMemoryStorage()
	fake := provider.NewFake("gdrive")
	registry := provider.NewRegistry(fake)
	creds := memory.NewCredentialRepo(store)

	mgr := lifecycle.NewManager(
		lifecycle.DefaultConfig(),
		creds,
		registry,
		lock.NewMemory(),
		status.NewRecorder(memory.NewHealthRecordRepo(store)),
		notify.NewDispatcher(nil),
	)

	clk := &clock{now: time.Now()}
	cache := NewMemoryCache(0)
	cache.SetClock(clk.Now)
	v := NewValidator(cfg, mgr, registry, cache)
	v.SetClock(clk.Now)
	mgr.SetChangeCallback(v.CredentialChanged)

	return &fixture{validator: v, mgr: mgr, cache: cache, creds: creds, fake: fake, clock: clk}
}

func (f *fixture) seed(t *testing.T, mutate func(c *domain.Credential)) {
	t.Helper()
	cred := &domain.Credential{
		UserID:       testKey.UserID,
		Provider:     testKey.Provider,
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	}
	if mutate != nil {
		mutate(cred)
	}
	if err := f.creds.Save(context.Background(), cred); err != nil {
		t.Fatalf("seed failed: %v", err)
	}
}

func TestValidate_CachedWithinTTL(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seed(t, nil)
	ctx := context.Background()

	first, err := f.validator.Validate(ctx, testKey)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	f.clock.Advance(10 * time.Second)
	second, err := f.validator.Validate(ctx, testKey)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if f.fake.ProbeCalls() != 1 {
		t.Errorf("probe calls = %d, want 1", f.fake.ProbeCalls())
	}
	if !first.IsHealthy || first.Status != domain.StatusHealthy {
		t.Errorf("first = %+v, want healthy", first)
	}
	if first.CacheTTLSeconds != 30 {
		t.Errorf("CacheTTLSeconds = %d, want 30", first.CacheTTLSeconds)
	}
	if !second.ValidatedAt.Equal(first.ValidatedAt) {
		t.Error("second call did not return the cached result")
	}
}

func TestValidate_ExpiredEntryProbesAgain(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seed(t, nil)
	ctx := context.Background()

	_, _ = f.validator.Validate(ctx, testKey)
	f.clock.Advance(31 * time.Second)
	_, _ = f.validator.Validate(ctx, testKey)

	if f.fake.ProbeCalls() != 2 {
		t.Errorf("probe calls = %d, want 2", f.fake.ProbeCalls())
	}
}

func TestValidateNow_BypassesCache(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seed(t, nil)
	ctx := context.Background()

	_, _ = f.validator.Validate(ctx, testKey)
	if _, err := f.validator.ValidateNow(ctx, testKey); err != nil {
		t.Fatalf("ValidateNow failed: %v", err)
	}

	if f.fake.ProbeCalls() != 2 {
		t.Errorf("probe calls = %d, want 2", f.fake.ProbeCalls())
	}
}

func TestValidate_AuthRequiredSkipsProbe(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seed(t, func(c *domain.Credential) {
		c.RequiresUserIntervention = true
		c.LastErrorKind = domain.ErrorKindExpiredRefreshToken
	})

	hs, err := f.validator.Validate(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if hs.IsHealthy || hs.Status != domain.StatusAuthenticationRequired {
		t.Errorf("status = %+v, want authentication_required", hs)
	}
	if hs.ErrorType != domain.ErrorKindExpiredRefreshToken {
		t.Errorf("ErrorType = %s", hs.ErrorType)
	}
	if f.fake.ProbeCalls() != 0 || f.fake.ExchangeCalls() != 0 {
		t.Error("provider called for a credential that needs reconnect")
	}
}

func TestValidate_ExpiredTokenRefreshedBeforeProbe(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seed(t, func(c *domain.Credential) { c.ExpiresAt = time.Now().Add(-time.Minute) })

	var probedWith string
	f.fake.OnProbe(func(_ context.Context, token string) error {
		probedWith = token
		return nil
	})

	hs, err := f.validator.Validate(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !hs.IsHealthy {
		t.Errorf("status = %+v, want healthy", hs)
	}
	if probedWith == "access" {
		t.Error("probe used the stale access token")
	}
}

func TestValidate_ProbeFailureDoesNotCountAsRefresh(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seed(t, func(c *domain.Credential) { c.RefreshFailureCount = 1 })
	f.fake.FailProbe(&domain.ProviderError{StatusCode: 503, Body: "backend error"})
	ctx := context.Background()

	for want := 1; want <= 3; want++ {
		hs, err := f.validator.ValidateNow(ctx, testKey)
		if err != nil {
			t.Fatalf("ValidateNow failed: %v", err)
		}
		if hs.IsHealthy || hs.ErrorType != domain.ErrorKindServiceUnavailable {
			t.Errorf("status = %+v, want service_unavailable failure", hs)
		}
		if hs.ConsecutiveFailures != want {
			t.Errorf("ConsecutiveFailures = %d, want %d", hs.ConsecutiveFailures, want)
		}
		if hs.CacheTTLSeconds != 10 {
			t.Errorf("CacheTTLSeconds = %d, want 10", hs.CacheTTLSeconds)
		}
	}

	if n, _ := f.cache.Failures(ctx, testKey); n != 3 {
		t.Errorf("streak = %d, want 3", n)
	}

	cred, _ := f.creds.Get(ctx, testKey)
	if cred.RefreshFailureCount != 1 {
		t.Errorf("RefreshFailureCount = %d, want unchanged 1", cred.RefreshFailureCount)
	}
}

func TestValidate_FailureStatusFollowsStreak(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seed(t, nil)
	f.fake.FailProbe(errors.New("connection reset by peer"))
	ctx := context.Background()

	var statuses []domain.Status
	for range 3 {
		hs, _ := f.validator.ValidateNow(ctx, testKey)
		statuses = append(statuses, hs.Status)
	}
	want := []domain.Status{domain.StatusDegraded, domain.StatusDegraded, domain.StatusConnectionIssues}
	for i := range want {
		if statuses[i] != want[i] {
			t.Errorf("status[%d] = %s, want %s", i, statuses[i], want[i])
		}
	}

	// Recovery resets the streak.
	f.fake.OnProbe(func(context.Context, string) error { return nil })
	if hs, _ := f.validator.ValidateNow(ctx, testKey); !hs.IsHealthy {
		t.Errorf("status = %+v, want healthy", hs)
	}
	if n, _ := f.cache.Failures(ctx, testKey); n != 0 {
		t.Errorf("streak = %d, want 0", n)
	}
}

func TestValidate_ReconnectClearsFailureStreak(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seed(t, nil)
	f.fake.FailProbe(errors.New("connection reset by peer"))
	ctx := context.Background()

	for range 4 {
		_, _ = f.validator.ValidateNow(ctx, testKey)
	}
	if n, _ := f.cache.Failures(ctx, testKey); n != 4 {
		t.Fatalf("streak = %d, want 4", n)
	}

	if err := f.mgr.Disconnect(ctx, testKey); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	_, err := f.mgr.Connect(ctx, testKey, domain.TokenGrant{
		AccessToken:  "access2",
		RefreshToken: "refresh2",
		ExpiresAt:    time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	hs, _ := f.validator.ValidateNow(ctx, testKey)
	if hs.Status != domain.StatusDegraded {
		t.Errorf("status = %s, want degraded", hs.Status)
	}
	if n, _ := f.cache.Failures(ctx, testKey); n != 1 {
		t.Errorf("streak = %d, want 1", n)
	}
}

func TestCredentialChanged_KeepsStreakUnlessConnectionReplaced(t *testing.T) {
	tests := []struct {
		change lifecycle.Change
		want   int
	}{
		{lifecycle.ChangeRefreshed, 2},
		{lifecycle.ChangeRefreshFailed, 2},
		{lifecycle.ChangeFailuresReset, 2},
		{lifecycle.ChangeConnected, 0},
		{lifecycle.ChangeDisconnected, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.change), func(t *testing.T) {
			f := newFixture(t, DefaultConfig())
			ctx := context.Background()
			for range 2 {
				_, _ = f.cache.IncrFailures(ctx, testKey)
			}
			_ = f.cache.Set(ctx, testKey, domain.HealthStatus{IsHealthy: true, Status: domain.StatusHealthy}, time.Minute)

			f.validator.CredentialChanged(ctx, testKey, tt.change)

			if _, ok, _ := f.cache.Get(ctx, testKey); ok {
				t.Error("cached status survived the change")
			}
			if n, _ := f.cache.Failures(ctx, testKey); n != tt.want {
				t.Errorf("streak = %d, want %d", n, tt.want)
			}
		})
	}
}

func TestValidateNow_ResetsRefreshFailures(t *testing.T) {
	tests := []struct {
		name  string
		reset bool
		want  int
	}{
		{"enabled", true, 0},
		{"disabled", false, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.ResetFailuresOnTest = tt.reset
			f := newFixture(t, cfg)
			retryAt := time.Now().Add(-time.Second)
			f.seed(t, func(c *domain.Credential) {
				c.RefreshFailureCount = 2
				c.LastErrorKind = domain.ErrorKindNetworkTimeout
				c.NextRetryAt = &retryAt
			})

			if _, err := f.validator.ValidateNow(context.Background(), testKey); err != nil {
				t.Fatalf("ValidateNow failed: %v", err)
			}
			cred, _ := f.creds.Get(context.Background(), testKey)
			if cred.RefreshFailureCount != tt.want {
				t.Errorf("RefreshFailureCount = %d, want %d", cred.RefreshFailureCount, tt.want)
			}
		})
	}
}

func TestValidate_NotConnected(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	hs, err := f.validator.Validate(context.Background(), testKey)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if hs.Status != domain.StatusNotConnected {
		t.Errorf("status = %s, want not_connected", hs.Status)
	}
	if f.fake.ProbeCalls() != 0 {
		t.Error("probe without a credential")
	}
}

func TestValidate_UnknownProvider(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	_, err := f.validator.Validate(context.Background(), domain.CredentialKey{UserID: "u1", Provider: "box"})
	if !errors.Is(err, provider.ErrProviderNotRegistered) {
		t.Errorf("expected ErrProviderNotRegistered, got %v", err)
	}
}

func TestValidate_CanceledProbeIsNotCached(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.seed(t, nil)
	f.fake.OnProbe(func(ctx context.Context, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := f.validator.Validate(ctx, testKey); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.cache.Len() != 0 {
		t.Error("canceled validation was cached")
	}
}

func TestMemoryCache_EvictsWhenFull(t *testing.T) {
	c := NewMemoryCache(2)
	ctx := context.Background()
	hs := domain.HealthStatus{Status: domain.StatusHealthy}

	for _, user := range []string{"a", "b", "c"} {
		_ = c.Set(ctx, domain.CredentialKey{UserID: user, Provider: "gdrive"}, hs, time.Minute)
	}

	stats := c.Stats()
	if stats.Size != 2 {
		t.Errorf("Size = %d, want 2", stats.Size)
	}
	if stats.Evictions != 1 || stats.Sets != 3 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestMemoryCache_HitMissCounters(t *testing.T) {
	c := NewMemoryCache(0)
	ctx := context.Background()

	_, ok, _ := c.Get(ctx, testKey)
	if ok {
		t.Fatal("unexpected hit")
	}
	_ = c.Set(ctx, testKey, domain.HealthStatus{Status: domain.StatusHealthy}, time.Minute)
	if _, ok, _ := c.Get(ctx, testKey); !ok {
		t.Fatal("expected hit")
	}
	_ = c.Invalidate(ctx, testKey)
	if _, ok, _ := c.Get(ctx, testKey); ok {
		t.Fatal("hit after invalidate")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 2 {
		t.Errorf("stats = %+v, want 1 hit 2 misses", stats)
	}
}
