package control

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vietddude/cloudlink/internal/consolidation"
	"github.com/vietddude/cloudlink/internal/core/domain"
	"github.com/vietddude/cloudlink/internal/infra/storage"
	"github.com/vietddude/cloudlink/internal/lifecycle"
	"github.com/vietddude/cloudlink/internal/validation"
)

const defaultSweepConcurrency = 8

// Service is the entry point dashboards, job queues and the CLI use. Every
// surface reads status through it so they never diverge.
type Service struct {
	tokens       *lifecycle.Manager
	validator    *validation.Validator
	consolidator *consolidation.Consolidator
	creds        storage.CredentialRepository
	sweepLimit   int
	log          *slog.Logger
}

// NewService creates the facade.
func NewService(
	tokens *lifecycle.Manager,
	validator *validation.Validator,
	consolidator *consolidation.Consolidator,
	creds storage.CredentialRepository,
	sweepConcurrency int,
) *Service {
	if sweepConcurrency <= 0 {
		sweepConcurrency = defaultSweepConcurrency
	}
	return &Service{
		tokens:       tokens,
		validator:    validator,
		consolidator: consolidator,
		creds:        creds,
		sweepLimit:   sweepConcurrency,
		log:          slog.Default().With("component", "control"),
	}
}

// GetConsolidatedStatus returns the status shown on every dashboard. It may
// run a cached validation but never fails.
func (s *Service) GetConsolidatedStatus(ctx context.Context, key domain.CredentialKey) consolidation.Evaluation {
	return s.consolidator.Evaluate(ctx, key)
}

// TestConnectionNow forces a fresh probe and re-consolidates.
func (s *Service) TestConnectionNow(ctx context.Context, key domain.CredentialKey) (domain.HealthStatus, error) {
	hs, err := s.validator.ValidateNow(ctx, key)
	if err != nil {
		return hs, err
	}
	if hs.IsHealthy {
		if err := s.consolidator.RecordOperationalSuccess(ctx, key); err != nil {
			s.log.Warn("Failed to record successful test",
				"user", key.UserID, "provider", key.Provider, "error", err)
		}
	}
	s.consolidator.Determine(ctx, key)
	return hs, nil
}

// RefreshToken is the explicit manual refresh.
func (s *Service) RefreshToken(ctx context.Context, key domain.CredentialKey) (lifecycle.RefreshResult, error) {
	return s.tokens.RefreshToken(ctx, key)
}

// Connect stores the tokens of a completed OAuth handshake.
func (s *Service) Connect(
	ctx context.Context,
	key domain.CredentialKey,
	grant domain.TokenGrant,
) (*domain.Credential, error) {
	return s.tokens.Connect(ctx, key, grant)
}

// Disconnect removes the credential.
func (s *Service) Disconnect(ctx context.Context, key domain.CredentialKey) error {
	return s.tokens.Disconnect(ctx, key)
}

// ResetFailureCount clears recoverable refresh failures.
func (s *Service) ResetFailureCount(ctx context.Context, key domain.CredentialKey) error {
	if err := s.tokens.ResetFailureCount(ctx, key); err != nil {
		return err
	}
	s.consolidator.Determine(ctx, key)
	return nil
}

// RecordOperationalError stores a failure reported by a collaborator.
func (s *Service) RecordOperationalError(
	ctx context.Context,
	key domain.CredentialKey,
	op domain.Operation,
	opErr error,
) (consolidation.Evaluation, error) {
	return s.consolidator.RecordOperationalError(ctx, key, op, opErr)
}

// RecordOperationalSuccess stamps a successful provider operation.
func (s *Service) RecordOperationalSuccess(ctx context.Context, key domain.CredentialKey) error {
	if err := s.consolidator.RecordOperationalSuccess(ctx, key); err != nil {
		return err
	}
	s.consolidator.Determine(ctx, key)
	return nil
}

// SweepReport summarises one sweep.
type SweepReport struct {
	Total    int                   `json:"total"`
	ByStatus map[domain.Status]int `json:"by_status"`
	Duration time.Duration         `json:"duration"`
}

// Sweep re-consolidates every stored credential with bounded concurrency.
func (s *Service) Sweep(ctx context.Context) (SweepReport, error) {
	start := time.Now()
	report := SweepReport{ByStatus: make(map[domain.Status]int)}

	creds, err := s.creds.List(ctx)
	if err != nil {
		return report, fmt.Errorf("failed to list credentials: %w", err)
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.sweepLimit)

	for _, cred := range creds {
		key := cred.Key()
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			st := s.consolidator.Determine(gctx, key)

			mu.Lock()
			report.Total++
			report.ByStatus[st]++
			mu.Unlock()
			return nil
		})
	}

	err = g.Wait()
	report.Duration = time.Since(start)
	if err != nil {
		return report, err
	}

	s.log.Info("Sweep complete", "credentials", report.Total, "duration", report.Duration)
	return report, nil
}
