// Package validation performs live connectivity probes and caches their
// results per credential.
package validation

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/vietddude/cloudlink/internal/core/classify"
	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/core/status"
	"github.com/vietddude/cloudlink/internal/infra/provider"
	"github.com/vietddude/cloudlink/internal/lifecycle"
	"github.com/vietddude/cloudlink/internal/metrics"
)

// Tokens supplies fresh credentials.
type Tokens interface {
	EnsureFresh(ctx context.Context, key domain.CredentialKey) (*domain.Credential, error)
	ResetFailureCount(ctx context.Context, key domain.CredentialKey) error
}

// Providers resolves a provider by name.
type Providers interface {
	Get(name string) (provider.Provider, error)
}

// Config holds validation configuration.
type Config struct {
	CacheTTL        time.Duration `yaml:"cache_ttl"`
	FailureCacheTTL time.Duration `yaml:"failure_cache_ttl"`
	AuthCacheTTL    time.Duration `yaml:"auth_cache_ttl"`
	ProbeTimeout    time.Duration `yaml:"probe_timeout"`
	CacheSize       int           `yaml:"cache_size"`

	// Copied from the consolidation and top-level settings.
	DegradedThreshold   int  `yaml:"-"`
	ResetFailuresOnTest bool `yaml:"-"`
}

// DefaultConfig returns the default validation settings.
func DefaultConfig() Config {
	return Config{
		CacheTTL:            30 * time.Second,
		FailureCacheTTL:     10 * time.Second,
		AuthCacheTTL:        60 * time.Second,
		ProbeTimeout:        5 * time.Second,
		CacheSize:           10000,
		DegradedThreshold:   status.DefaultDegradedThreshold,
		ResetFailuresOnTest: true,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CacheTTL <= 0 {
		c.CacheTTL = def.CacheTTL
	}
	if c.FailureCacheTTL <= 0 {
		c.FailureCacheTTL = def.FailureCacheTTL
	}
	if c.AuthCacheTTL <= 0 {
		c.AuthCacheTTL = def.AuthCacheTTL
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	if c.DegradedThreshold <= 0 {
		c.DegradedThreshold = def.DegradedThreshold
	}
	return c
}

// Validator is the real-time health validator.
type Validator struct {
	cfg       Config
	tokens    Tokens
	providers Providers
	cache     Cache
	log       *slog.Logger
	now       func() time.Time
}

// NewValidator creates a validator.
func NewValidator(cfg Config, tokens Tokens, providers Providers, cache Cache) *Validator {
	return &Validator{
		cfg:       cfg.withDefaults(),
		tokens:    tokens,
		providers: providers,
		cache:     cache,
		log:       slog.Default().With("component", "validation"),
		now:       time.Now,
	}
}

// SetClock overrides the time source.
func (v *Validator) SetClock(now func() time.Time) {
	v.now = now
}

// Validate returns the cached status while it is fresh, otherwise probes
// the provider once.
func (v *Validator) Validate(ctx context.Context, key domain.CredentialKey) (domain.HealthStatus, error) {
	return v.validate(ctx, key, false)
}

// ValidateNow always probes. A success may reset the refresh failure count.
func (v *Validator) ValidateNow(ctx context.Context, key domain.CredentialKey) (domain.HealthStatus, error) {
	return v.validate(ctx, key, true)
}

// Invalidate drops the cached status of key.
func (v *Validator) Invalidate(ctx context.Context, key domain.CredentialKey) {
	if err := v.cache.Invalidate(ctx, key); err != nil {
		v.log.Warn("Failed to invalidate validation cache",
			"user", key.UserID, "provider", key.Provider, "error", err)
	}
}

// CredentialChanged is the lifecycle change callback. Every change drops the
// cached status. A connect or disconnect also clears the probe failure
// streak so a new connection starts from zero.
func (v *Validator) CredentialChanged(ctx context.Context, key domain.CredentialKey, change lifecycle.Change) {
	v.Invalidate(ctx, key)
	if !change.StartsOver() {
		return
	}
	if err := v.cache.ResetFailures(ctx, key); err != nil {
		v.log.Warn("Failed to reset probe failure streak",
			"user", key.UserID, "provider", key.Provider, "change", change, "error", err)
	}
}

// Failures returns the current probe failure streak.
func (v *Validator) Failures(ctx context.Context, key domain.CredentialKey) (int, error) {
	return v.cache.Failures(ctx, key)
}

func (v *Validator) validate(
	ctx context.Context,
	key domain.CredentialKey,
	force bool,
) (domain.HealthStatus, error) {
	if !force {
		hs, ok, err := v.cache.Get(ctx, key)
		if err != nil {
			v.log.Warn("Validation cache read failed",
				"user", key.UserID, "provider", key.Provider, "error", err)
		}
		if ok && hs.FreshAt(v.now()) {
			metrics.ValidationCacheTotal.WithLabelValues("hit").Inc()
			return hs, nil
		}
		metrics.ValidationCacheTotal.WithLabelValues("miss").Inc()
	}

	p, err := v.providers.Get(key.Provider)
	if err != nil {
		return domain.HealthStatus{}, err
	}

	cred, err := v.tokens.EnsureFresh(ctx, key)
	if err != nil {
		return v.fromTokenError(ctx, key, err)
	}

	probeCtx, cancel := context.WithTimeout(ctx, v.cfg.ProbeTimeout)
	probeErr := p.ProbeConnectivity(probeCtx, cred.AccessToken)
	cancel()

	if probeErr != nil {
		if err := ctx.Err(); err != nil {
			return domain.HealthStatus{}, err
		}
		return v.probeFailed(ctx, key, probeErr), nil
	}

	metrics.ProbesTotal.WithLabelValues(key.Provider, "success").Inc()
	if err := v.cache.ResetFailures(ctx, key); err != nil {
		v.log.Warn("Failed to reset probe failure streak",
			"user", key.UserID, "provider", key.Provider, "error", err)
	}
	if force && v.cfg.ResetFailuresOnTest {
		if err := v.tokens.ResetFailureCount(ctx, key); err != nil {
			v.log.Warn("Failed to reset refresh failure count",
				"user", key.UserID, "provider", key.Provider, "error", err)
		}
	}

	hs := domain.HealthStatus{
		IsHealthy:   true,
		Status:      domain.StatusHealthy,
		ValidatedAt: v.now(),
	}
	return v.store(ctx, key, hs, v.cfg.CacheTTL), nil
}

// fromTokenError maps an EnsureFresh failure to a status. Credentials that
// need the user never reach the provider.
func (v *Validator) fromTokenError(
	ctx context.Context,
	key domain.CredentialKey,
	err error,
) (domain.HealthStatus, error) {
	now := v.now()

	var authErr *lifecycle.AuthRequiredError
	var retryErr *lifecycle.RetryScheduledError
	switch {
	case errors.Is(err, lifecycle.ErrNotConnected):
		return domain.HealthStatus{Status: domain.StatusNotConnected, ValidatedAt: now}, nil

	case errors.Is(err, lifecycle.ErrAuthRequired):
		hs := domain.HealthStatus{
			Status:       domain.StatusAuthenticationRequired,
			ErrorMessage: status.Message(domain.StatusAuthenticationRequired),
			ValidatedAt:  now,
		}
		if errors.As(err, &authErr) {
			hs.ErrorType = authErr.Kind
			hs.ConsecutiveFailures = authErr.Attempt
		}
		return v.store(ctx, key, hs, v.cfg.AuthCacheTTL), nil

	case errors.As(err, &retryErr):
		st := status.ForFailures(retryErr.Attempt, v.cfg.DegradedThreshold)
		hs := domain.HealthStatus{
			Status:              st,
			ErrorType:           retryErr.Kind,
			ErrorMessage:        status.Message(st),
			ConsecutiveFailures: retryErr.Attempt,
			ValidatedAt:         now,
		}
		return v.store(ctx, key, hs, v.cfg.FailureCacheTTL), nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return domain.HealthStatus{}, ctxErr
	}
	return domain.HealthStatus{}, err
}

func (v *Validator) probeFailed(ctx context.Context, key domain.CredentialKey, probeErr error) domain.HealthStatus {
	kind := classify.Classify(probeErr)

	streak, err := v.cache.IncrFailures(ctx, key)
	if err != nil {
		v.log.Warn("Failed to record probe failure streak",
			"user", key.UserID, "provider", key.Provider, "error", err)
	}
	streak = max(streak, 1)

	metrics.ProbesTotal.WithLabelValues(key.Provider, "failure").Inc()
	metrics.ClassifiedErrorsTotal.WithLabelValues(key.Provider, string(domain.OperationProbe), string(kind)).Inc()
	v.log.Warn("Connectivity probe failed",
		"user", key.UserID, "provider", key.Provider, "kind", kind, "streak", streak, "error", probeErr)

	hs := domain.HealthStatus{
		Status:              status.ForFailures(streak, v.cfg.DegradedThreshold),
		ErrorType:           kind,
		ErrorMessage:        probeErr.Error(),
		ConsecutiveFailures: streak,
		ValidatedAt:         v.now(),
	}
	return v.store(ctx, key, hs, v.cfg.FailureCacheTTL)
}

func (v *Validator) store(
	ctx context.Context,
	key domain.CredentialKey,
	hs domain.HealthStatus,
	ttl time.Duration,
) domain.HealthStatus {
	hs.CacheTTLSeconds = int(ttl / time.Second)
	if err := v.cache.Set(ctx, key, hs, ttl); err != nil {
		v.log.Warn("Failed to cache validation result",
			"user", key.UserID, "provider", key.Provider, "error", err)
	}
	return hs
}
