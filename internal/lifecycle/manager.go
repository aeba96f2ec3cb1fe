// Package lifecycle keeps provider access tokens usable. It refreshes
// expiring tokens under a per-credential lock, applies the retry policy of
// each failure kind and records every outcome.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/cloudlink/internal/core/classify"
	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/core/notify"
	"github.com/vietddude/cloudlink/internal/core/status"
	"github.com/vietddude/cloudlink/internal/infra/provider"
	"github.com/vietddude/cloudlink/internal/infra/storage"
	"github.com/vietddude/cloudlink/internal/metrics"
)

const persistTimeout = 5 * time.Second

// Locker serializes work on one credential.
type Locker interface {
	// Acquire blocks until key is held or ctx is done. The lease ends after
	// ttl even if release is never called.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// Providers resolves a provider by name.
type Providers interface {
	Get(name string) (provider.Provider, error)
}

// Config holds token lifecycle configuration.
type Config struct {
	ExpiryMargin    time.Duration `yaml:"expiry_margin"`
	LockTimeout     time.Duration `yaml:"lock_timeout"`
	LockTTL         time.Duration `yaml:"lock_ttl"`
	ExchangeTimeout time.Duration `yaml:"exchange_timeout"`

	// DegradedThreshold is copied from the consolidation settings.
	DegradedThreshold int `yaml:"-"`
}

// DefaultConfig returns the default lifecycle settings.
func DefaultConfig() Config {
	return Config{
		ExpiryMargin:      5 * time.Minute,
		LockTimeout:       10 * time.Second,
		LockTTL:           30 * time.Second,
		ExchangeTimeout:   15 * time.Second,
		DegradedThreshold: status.DefaultDegradedThreshold,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ExpiryMargin <= 0 {
		c.ExpiryMargin = def.ExpiryMargin
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = def.LockTTL
	}
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = def.ExchangeTimeout
	}
	if c.ExchangeTimeout > c.LockTTL {
		c.ExchangeTimeout = c.LockTTL
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = def.DegradedThreshold
	}
	return c
}

type mode int

const (
	modeAuto mode = iota
	modeManual
)

// RefreshResult describes the outcome of one refresh request.
type RefreshResult struct {
	Credential *domain.Credential
	// Refreshed is false when a concurrent caller had already refreshed.
	Refreshed bool
	Status    domain.Status
	Kind      domain.ErrorKind
	Attempt   int
	Decision  notify.Decision
	RetryAt   *time.Time
}

// Manager is the token lifecycle manager.
type Manager struct {
	cfg        Config
	creds      storage.CredentialRepository
	providers  Providers
	locker     Locker
	recorder   *status.Recorder
	dispatcher *notify.Dispatcher
	log        *slog.Logger
	now        func() time.Time
	onChange   func(ctx context.Context, key domain.CredentialKey, change Change)
}

// Change names the credential mutation reported to the change callback.
type Change string

const (
	ChangeConnected     Change = "connected"
	ChangeDisconnected  Change = "disconnected"
	ChangeRefreshed     Change = "refreshed"
	ChangeRefreshFailed Change = "refresh_failed"
	ChangeFailuresReset Change = "failures_reset"
)

// StartsOver reports whether the change replaces the connection itself, so
// no health history from before it applies.
func (c Change) StartsOver() bool {
	return c == ChangeConnected || c == ChangeDisconnected
}

// NewManager creates a lifecycle manager.
func NewManager(
	cfg Config,
	creds storage.CredentialRepository,
	providers Providers,
	locker Locker,
	recorder *status.Recorder,
	dispatcher *notify.Dispatcher,
) *Manager {
	return &Manager{
		cfg:        cfg.withDefaults(),
		creds:      creds,
		providers:  providers,
		locker:     locker,
		recorder:   recorder,
		dispatcher: dispatcher,
		log:        slog.Default().With("component", "lifecycle"),
		now:        time.Now,
	}
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// SetChangeCallback registers fn to run after any credential mutation.
func (m *Manager) SetChangeCallback(fn func(ctx context.Context, key domain.CredentialKey, change Change)) {
	m.onChange = fn
}

// Get returns the stored credential.
func (m *Manager) Get(ctx context.Context, key domain.CredentialKey) (*domain.Credential, error) {
	return m.load(ctx, key)
}

// EnsureFresh returns a credential whose access token is valid beyond the
// expiry margin, refreshing it at most once.
//
// Errors: ErrNotConnected, *AuthRequiredError when the user must reconnect,
// *RetryScheduledError for recoverable failures, or ctx.Err().
func (m *Manager) EnsureFresh(ctx context.Context, key domain.CredentialKey) (*domain.Credential, error) {
	cred, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if cred.RequiresUserIntervention {
		return nil, &AuthRequiredError{Kind: cred.LastErrorKind, Attempt: cred.RefreshFailureCount}
	}

	now := m.now()
	if !cred.ExpiresWithin(now, m.cfg.ExpiryMargin) {
		return cred, nil
	}
	if cred.InBackoff(now) {
		return nil, retryFrom(cred)
	}

	res, err := m.refresh(ctx, key, modeAuto)
	if err != nil {
		return nil, err
	}
	return res.Credential, nil
}

// RefreshToken is the explicit manual refresh. It ignores token freshness
// and the backoff window.
func (m *Manager) RefreshToken(ctx context.Context, key domain.CredentialKey) (RefreshResult, error) {
	p, err := m.providers.Get(key.Provider)
	if err != nil {
		return RefreshResult{}, err
	}
	if !provider.CapabilitiesOf(p).ManualRefresh {
		return RefreshResult{}, ErrManualRefreshUnsupported
	}

	cred, err := m.load(ctx, key)
	if err != nil {
		return RefreshResult{}, err
	}
	if cred.RequiresUserIntervention {
		return RefreshResult{
			Credential: cred,
			Status:     domain.StatusAuthenticationRequired,
			Kind:       cred.LastErrorKind,
			Attempt:    cred.RefreshFailureCount,
		}, ErrInterventionRequired
	}

	return m.refresh(ctx, key, modeManual)
}

// Connect stores the tokens of a completed OAuth handshake. Any previous
// failure state is discarded.
func (m *Manager) Connect(
	ctx context.Context,
	key domain.CredentialKey,
	grant domain.TokenGrant,
) (*domain.Credential, error) {
	if grant.AccessToken == "" || grant.RefreshToken == "" {
		return nil, fmt.Errorf("connect %s: access and refresh tokens are required", key)
	}
	if _, err := m.providers.Get(key.Provider); err != nil {
		return nil, err
	}

	release, err := m.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	defer release()

	now := m.now()
	cred := &domain.Credential{
		UserID:                  key.UserID,
		Provider:                key.Provider,
		AccessToken:             grant.AccessToken,
		RefreshToken:            grant.RefreshToken,
		ExpiresAt:               grant.ExpiresAt,
		Scopes:                  grant.Scopes,
		LastSuccessfulRefreshAt: &now,
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	existing, err := m.creds.Get(ctx, key)
	switch {
	case err == nil:
		cred.CreatedAt = existing.CreatedAt
	case !errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("get credential: %w", err)
	}

	if err := m.creds.Save(ctx, cred); err != nil {
		return nil, fmt.Errorf("save credential: %w", err)
	}
	m.record(ctx, key, domain.StatusHealthy, status.Event{Reason: "connected", Success: true})
	m.changed(ctx, key, ChangeConnected)

	m.log.Info("Credential connected", "user", key.UserID, "provider", key.Provider)
	return cred.Clone(), nil
}

// Disconnect deletes the credential. This is the only path that removes one.
func (m *Manager) Disconnect(ctx context.Context, key domain.CredentialKey) error {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	if err := m.creds.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	m.record(ctx, key, domain.StatusNotConnected, status.Event{Reason: "disconnected"})
	m.changed(ctx, key, ChangeDisconnected)

	m.log.Info("Credential disconnected", "user", key.UserID, "provider", key.Provider)
	return nil
}

// ResetFailureCount clears recoverable failure state after a verified
// connection. Intervention is left untouched.
func (m *Manager) ResetFailureCount(ctx context.Context, key domain.CredentialKey) error {
	release, err := m.acquire(ctx, key)
	if err != nil {
		return err
	}
	defer release()

	cred, err := m.load(ctx, key)
	if err != nil {
		return err
	}
	if cred.RequiresUserIntervention {
		return nil
	}
	if cred.RefreshFailureCount == 0 && cred.NextRetryAt == nil {
		return nil
	}

	cred.RefreshFailureCount = 0
	cred.NextRetryAt = nil
	cred.LastErrorKind = domain.ErrorKindNone
	cred.UpdatedAt = m.now()
	if err := m.creds.Save(ctx, cred); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	m.changed(ctx, key, ChangeFailuresReset)
	return nil
}

// refresh runs one exchange under the credential lock. The credential is
// re-read after the lock is held so waiters reuse a token published by the
// previous holder.
func (m *Manager) refresh(ctx context.Context, key domain.CredentialKey, md mode) (RefreshResult, error) {
	p, err := m.providers.Get(key.Provider)
	if err != nil {
		return RefreshResult{}, err
	}

	release, err := m.acquire(ctx, key)
	if err != nil {
		return RefreshResult{Kind: domain.ErrorKindServiceUnavailable}, err
	}
	defer release()

	// Work under the lock must end with the lease.
	workCtx, cancel := context.WithTimeout(ctx, m.cfg.LockTTL)
	defer cancel()

	cred, err := m.load(workCtx, key)
	if err != nil {
		return RefreshResult{}, err
	}

	if cred.RequiresUserIntervention {
		res := RefreshResult{
			Credential: cred,
			Status:     domain.StatusAuthenticationRequired,
			Kind:       cred.LastErrorKind,
			Attempt:    cred.RefreshFailureCount,
		}
		if md == modeManual {
			return res, ErrInterventionRequired
		}
		return res, &AuthRequiredError{Kind: cred.LastErrorKind, Attempt: cred.RefreshFailureCount}
	}

	now := m.now()
	if md == modeAuto {
		if !cred.ExpiresWithin(now, m.cfg.ExpiryMargin) {
			m.log.Debug("Reusing token refreshed by another caller",
				"user", key.UserID, "provider", key.Provider)
			return RefreshResult{Credential: cred, Status: domain.StatusHealthy}, nil
		}
		if cred.InBackoff(now) {
			return RefreshResult{
				Credential: cred,
				Kind:       cred.LastErrorKind,
				Attempt:    cred.RefreshFailureCount,
				RetryAt:    cred.NextRetryAt,
			}, retryFrom(cred)
		}
	}

	exCtx, cancelEx := context.WithTimeout(workCtx, m.cfg.ExchangeTimeout)
	start := time.Now()
	grant, exErr := p.ExchangeRefreshToken(exCtx, cred.RefreshToken)
	cancelEx()
	metrics.RefreshLatency.WithLabelValues(key.Provider).Observe(time.Since(start).Seconds())

	if exErr != nil {
		if err := ctx.Err(); err != nil {
			metrics.RefreshTotal.WithLabelValues(key.Provider, "canceled").Inc()
			return RefreshResult{}, err
		}
		if workCtx.Err() != nil {
			// Lease is gone and the credential may belong to another caller.
			metrics.RefreshTotal.WithLabelValues(key.Provider, "lease_expired").Inc()
			m.log.Warn("Credential lease expired during exchange",
				"user", key.UserID, "provider", key.Provider, "error", exErr)
			return RefreshResult{Kind: domain.ErrorKindServiceUnavailable}, m.lockFailure(exErr)
		}
	}

	// The provider has acted; persist even if the caller goes away now.
	pctx, cancelP := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancelP()

	if exErr == nil {
		return m.applySuccess(pctx, key, cred, grant)
	}
	return m.applyFailure(pctx, key, cred, exErr)
}

func (m *Manager) applySuccess(
	ctx context.Context,
	key domain.CredentialKey,
	cred *domain.Credential,
	grant domain.TokenGrant,
) (RefreshResult, error) {
	now := m.now()
	cred.AccessToken = grant.AccessToken
	cred.ExpiresAt = grant.ExpiresAt
	if grant.RefreshToken != "" {
		cred.RefreshToken = grant.RefreshToken
	}
	if len(grant.Scopes) > 0 {
		cred.Scopes = grant.Scopes
	}
	cred.RefreshFailureCount = 0
	cred.RequiresUserIntervention = false
	cred.LastErrorKind = domain.ErrorKindNone
	cred.NextRetryAt = nil
	cred.LastSuccessfulRefreshAt = &now
	cred.UpdatedAt = now

	if err := m.creds.Save(ctx, cred); err != nil {
		m.log.Error("Failed to persist refreshed credential",
			"user", key.UserID, "provider", key.Provider, "error", err)
		return RefreshResult{}, fmt.Errorf("save credential: %w", err)
	}

	metrics.RefreshTotal.WithLabelValues(key.Provider, "success").Inc()
	m.record(ctx, key, domain.StatusHealthy, status.Event{Reason: "token refreshed", Success: true})
	m.changed(ctx, key, ChangeRefreshed)

	m.log.Info("Token refreshed",
		"user", key.UserID, "provider", key.Provider, "expires_at", cred.ExpiresAt)
	return RefreshResult{Credential: cred.Clone(), Refreshed: true, Status: domain.StatusHealthy}, nil
}

func (m *Manager) applyFailure(
	ctx context.Context,
	key domain.CredentialKey,
	cred *domain.Credential,
	cause error,
) (RefreshResult, error) {
	kind := classify.Classify(cause)
	policy := classify.PolicyFor(kind)
	now := m.now()

	cred.RefreshFailureCount++
	attempt := cred.RefreshFailureCount
	cred.LastErrorKind = kind
	cred.UpdatedAt = now

	res := RefreshResult{Kind: kind, Attempt: attempt}
	if !policy.Recoverable || policy.Exhausted(attempt) {
		cred.RequiresUserIntervention = true
		cred.NextRetryAt = nil
		res.Status = domain.StatusAuthenticationRequired
	} else {
		retryAt := now.Add(policy.RetryDelay(attempt))
		cred.NextRetryAt = &retryAt
		res.RetryAt = &retryAt
		res.Status = status.ForFailures(attempt, m.cfg.DegradedThreshold)
	}

	if err := m.creds.Save(ctx, cred); err != nil {
		m.log.Error("Failed to persist refresh failure",
			"user", key.UserID, "provider", key.Provider, "error", err)
		return res, fmt.Errorf("save credential: %w", err)
	}
	res.Credential = cred.Clone()

	metrics.RefreshTotal.WithLabelValues(key.Provider, "failure").Inc()
	metrics.ClassifiedErrorsTotal.WithLabelValues(key.Provider, string(domain.OperationRefresh), string(kind)).Inc()
	m.log.Warn("Token refresh failed",
		"user", key.UserID, "provider", key.Provider, "kind", kind,
		"attempt", attempt, "intervention", cred.RequiresUserIntervention, "error", cause)

	m.record(ctx, key, res.Status, status.Event{
		Reason:  "token refresh failed",
		Kind:    kind,
		Message: cause.Error(),
	})

	// Queue failures are logged by the dispatcher and don't change the outcome.
	res.Decision, _ = m.dispatcher.Dispatch(ctx, key, kind, policy.Severity, attempt, incidentStart(cred))
	m.changed(ctx, key, ChangeRefreshFailed)

	if cred.RequiresUserIntervention {
		return res, &AuthRequiredError{Kind: kind, Attempt: attempt}
	}
	return res, &RetryScheduledError{Kind: kind, Attempt: attempt, RetryAt: *res.RetryAt, Cause: cause}
}

// acquire takes the credential lock within LockTimeout. A timeout is a
// recoverable service_unavailable failure and never touches the credential.
func (m *Manager) acquire(ctx context.Context, key domain.CredentialKey) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, m.cfg.LockTimeout)
	defer cancel()

	start := time.Now()
	release, err := m.locker.Acquire(lockCtx, key.String(), m.cfg.LockTTL)
	waited := time.Since(start).Seconds()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			metrics.LockWaitSeconds.WithLabelValues(key.Provider, "canceled").Observe(waited)
			return nil, ctxErr
		}
		metrics.LockWaitSeconds.WithLabelValues(key.Provider, "timeout").Observe(waited)
		m.log.Warn("Credential lock not acquired",
			"user", key.UserID, "provider", key.Provider, "error", err)
		return nil, m.lockFailure(err)
	}

	metrics.LockWaitSeconds.WithLabelValues(key.Provider, "acquired").Observe(waited)
	return release, nil
}

func (m *Manager) lockFailure(cause error) error {
	policy := classify.PolicyFor(domain.ErrorKindServiceUnavailable)
	return &RetryScheduledError{
		Kind:    domain.ErrorKindServiceUnavailable,
		RetryAt: m.now().Add(policy.RetryDelay(1)),
		Cause:   fmt.Errorf("%w: %w", ErrLockTimeout, cause),
	}
}

func (m *Manager) load(ctx context.Context, key domain.CredentialKey) (*domain.Credential, error) {
	cred, err := m.creds.Get(ctx, key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotConnected
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return cred, nil
}

func (m *Manager) record(ctx context.Context, key domain.CredentialKey, to domain.Status, ev status.Event) {
	if m.recorder == nil {
		return
	}
	if _, err := m.recorder.Record(ctx, key, to, ev); err != nil {
		m.log.Warn("Failed to record status",
			"user", key.UserID, "provider", key.Provider, "status", to, "error", err)
	}
}

func (m *Manager) changed(ctx context.Context, key domain.CredentialKey, change Change) {
	if m.onChange != nil {
		m.onChange(ctx, key, change)
	}
}

// incidentStart is the last point the credential was known good. Connect and
// every successful refresh move it forward.
func incidentStart(cred *domain.Credential) time.Time {
	if cred.LastSuccessfulRefreshAt != nil {
		return *cred.LastSuccessfulRefreshAt
	}
	return cred.CreatedAt
}

func retryFrom(cred *domain.Credential) *RetryScheduledError {
	e := &RetryScheduledError{Kind: cred.LastErrorKind, Attempt: cred.RefreshFailureCount}
	if cred.NextRetryAt != nil {
		e.RetryAt = *cred.NextRetryAt
	}
	return e
}
