package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/cloudlink/internal/infra/storage"
)

// Pruner deletes operational errors older than the retention period.
type Pruner struct {
	retention time.Duration
	repo      storage.OperationalErrorRepository
	log       *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker. A retention <= 0 disables it.
func NewPruner(retention time.Duration, repo storage.OperationalErrorRepository) *Pruner {
	return &Pruner{
		retention: retention,
		repo:      repo,
		log:       slog.Default().With("component", "pruner"),
		now:       time.Now,
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	// 10% of the retention period, between 1 minute and 1 hour.
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune runs one pass and returns the number of deleted errors.
func (p *Pruner) Prune(ctx context.Context) int {
	if p.retention <= 0 {
		return 0
	}
	n, err := p.repo.Prune(ctx, p.now().Add(-p.retention))
	if err != nil {
		p.log.Error("Failed to prune operational errors", "error", err)
		return 0
	}
	if n > 0 {
		p.log.Info("Pruned operational errors", "count", n, "retention", p.retention)
	}
	return n
}
