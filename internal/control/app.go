package control

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vietddude/cloudlink/internal/consolidation"
	"github.com/vietddude/cloudlink/internal/core/notify"
	"github.com/vietddude/cloudlink/internal/core/status"
	"github.com/vietddude/cloudlink/internal/core/worker"
	"github.com/vietddude/cloudlink/internal/infra/lock"
	"github.com/vietddude/cloudlink/internal/infra/provider"
	"github.com/vietddude/cloudlink/internal/infra/queue"
	redisclient "github.com/vietddude/cloudlink/internal/infra/redis"
	"github.com/vietddude/cloudlink/internal/infra/storage"
	"github.com/vietddude/cloudlink/internal/infra/storage/memory"
	"github.com/vietddude/cloudlink/internal/infra/storage/postgres"
	"github.com/vietddude/cloudlink/internal/lifecycle"
	"github.com/vietddude/cloudlink/internal/server"
	"github.com/vietddude/cloudlink/internal/validation"
)

// Config holds the application configuration.
type Config struct {
	Port          int
	Providers     []provider.Config
	Lifecycle     lifecycle.Config
	Validation    validation.Config
	Consolidation consolidation.Config
	Notifications queue.Config
	Redis         redisclient.Config
	Database      postgres.Config

	ErrorRetention   time.Duration
	SweepInterval    time.Duration
	SweepConcurrency int
}

// App owns every component and their lifetimes.
type App struct {
	cfg         Config
	service     *Service
	registry    *provider.Registry
	server      *server.Server
	pruner      *worker.Pruner
	db          *postgres.DB
	redisClient *redisclient.Client
	asynqQueue  *queue.AsynqQueue
	log         *slog.Logger
}

// NewApp creates a new App with all dependencies initialized.
func NewApp(ctx context.Context, cfg Config) (*App, error) {
	app := &App{cfg: cfg, log: slog.Default()}

	// 1. Storage
	var credRepo storage.CredentialRepository
	var recordRepo storage.HealthRecordRepository
	var opErrorRepo storage.OperationalErrorRepository

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := db.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		app.db = db

		credRepo = postgres.NewCredentialRepo(db)
		recordRepo = postgres.NewHealthRecordRepo(db)
		opErrorRepo = postgres.NewOperationalErrorRepo(db)
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		credRepo = memory.NewCredentialRepo(store)
		recordRepo = memory.NewHealthRecordRepo(store)
		opErrorRepo = memory.NewOperationalErrorRepo(store)
		slog.Info("Using Memory storage")
	}

	// 2. Providers
	app.registry = provider.NewRegistry()
	for _, pc := range cfg.Providers {
		p, err := provider.NewOAuth2Provider(pc)
		if err != nil {
			app.closeStores()
			return nil, fmt.Errorf("failed to create provider %s: %w", pc.Name, err)
		}
		app.registry.Register(p)
		slog.Info("Provider registered", "provider", pc.Name)
	}

	// 3. Redis backed lock and cache, falling back to in-process ones
	var locker lifecycle.Locker = lock.NewMemory()
	var cache validation.Cache = validation.NewMemoryCache(cfg.Validation.CacheSize)

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Failed to connect to Redis, using in-process lock and cache", "error", err)
		} else {
			app.redisClient = client
			locker = redisclient.NewLocker(client)
			cache = redisclient.NewHealthCache(client)
			slog.Info("Using Redis lock and validation cache")
		}
	}

	// 4. Notifications
	var intents notify.IntentQueue
	if cfg.Notifications.Backend == "asynq" {
		q, err := queue.NewAsynqQueue(cfg.Redis.URL, cfg.Notifications)
		if err != nil {
			app.closeStores()
			return nil, fmt.Errorf("failed to init notification queue: %w", err)
		}
		app.asynqQueue = q
		intents = q
	} else {
		intents = queue.NewMemoryQueue()
	}

	// 5. Core
	recorder := status.NewRecorder(recordRepo)
	tokens := lifecycle.NewManager(
		cfg.Lifecycle,
		credRepo,
		app.registry,
		locker,
		recorder,
		notify.NewDispatcher(intents),
	)
	validator := validation.NewValidator(cfg.Validation, tokens, app.registry, cache)
	tokens.SetChangeCallback(validator.CredentialChanged)
	consolidator := consolidation.NewConsolidator(
		cfg.Consolidation,
		tokens,
		validator,
		recorder,
		opErrorRepo,
	)

	app.service = NewService(tokens, validator, consolidator, credRepo, cfg.SweepConcurrency)
	app.pruner = worker.NewPruner(cfg.ErrorRetention, opErrorRepo)
	app.server = server.NewServer(app.service, cfg.Port, app.checks())

	return app, nil
}

// Service returns the facade.
func (a *App) Service() *Service {
	return a.service
}

// Providers returns the provider registry.
func (a *App) Providers() *provider.Registry {
	return a.registry
}

// Start starts the background workers and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	go func() {
		if err := a.server.Start(); err != nil {
			a.log.Error("HTTP server failed", "error", err)
		}
	}()

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	go a.pruner.Start(ctx)

	if a.cfg.SweepInterval > 0 {
		go a.runSweeper(ctx)
	}

	return nil
}

// Stop stops the app.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping cloudlink...")

	err := a.server.Stop(ctx)
	a.closeStores()
	return err
}

func (a *App) closeStores() {
	if a.asynqQueue != nil {
		if err := a.asynqQueue.Close(); err != nil {
			a.log.Warn("Failed to close notification queue", "error", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
	}
}

func (a *App) checks() map[string]server.Check {
	checks := make(map[string]server.Check)
	if a.db != nil {
		checks["database"] = a.db.Health
	}
	if a.redisClient != nil {
		checks["redis"] = a.redisClient.Health
	}
	return checks
}

func (a *App) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.service.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.log.Error("Sweep failed", "error", err)
			}
		}
	}
}
