package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/cloudlink/internal/control"
	"github.com/vietddude/cloudlink/internal/core/config"
	"github.com/vietddude/cloudlink/internal/core/domain"
)

var (
	cfgPath      string
	isDebug      bool
	providerName string
)

var rootCmd = &cobra.Command{
	Use:   "cloudlink",
	Short: "Cloud storage connection health service",
	Long:  `Cloudlink keeps OAuth cloud storage connections fresh and reports one consistent health status per user.`,
	Run:   runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status API and background workers",
	Run:   runServe,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&providerName, "provider", "", "provider name (default is default_provider)")
	rootCmd.AddCommand(serveCmd)
}

// loadConfig reads .env and the config file, then sets up logging.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	switch {
	case isDebug || cfg.Logging.Level == "debug":
		slogLevel = slog.LevelDebug
	case cfg.Logging.Level == "warn":
		slogLevel = slog.LevelWarn
	case cfg.Logging.Level == "error":
		slogLevel = slog.LevelError
	}

	if cfg.Logging.Format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slogLevel})))
	} else {
		stylelog.InitDefault(&tint.Options{
			Level:      slogLevel,
			TimeFormat: time.RFC3339,
		})
	}
	return cfg
}

func controlConfig(cfg *config.AppConfig) control.Config {
	return control.Config{
		Port:             cfg.Server.Port,
		Providers:        cfg.Providers,
		Lifecycle:        cfg.Lifecycle,
		Validation:       cfg.Validation,
		Consolidation:    cfg.Consolidation,
		Notifications:    cfg.Notifications,
		Redis:            cfg.Redis,
		Database:         cfg.Database,
		ErrorRetention:   cfg.ErrorRetention,
		SweepInterval:    cfg.Sweep.Interval,
		SweepConcurrency: cfg.Sweep.Concurrency,
	}
}

// newApp builds the application for one-shot commands.
func newApp(ctx context.Context) (*config.AppConfig, *control.App) {
	cfg := loadConfig()
	app, err := control.NewApp(ctx, controlConfig(cfg))
	if err != nil {
		slog.Error("Failed to initialize cloudlink", "error", err)
		os.Exit(1)
	}
	return cfg, app
}

// credentialKey resolves the user argument and --provider flag.
func credentialKey(cfg *config.AppConfig, user string) domain.CredentialKey {
	name := providerName
	if name == "" {
		name = cfg.DefaultProvider
	}
	if name == "" {
		slog.Error("No provider given and no default_provider configured")
		os.Exit(1)
	}
	return domain.CredentialKey{UserID: user, Provider: name}
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := control.NewApp(ctx, controlConfig(cfg))
	if err != nil {
		slog.Error("Failed to initialize cloudlink", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start cloudlink", "error", err)
		os.Exit(1)
	}

	slog.Info("Cloudlink started", "config", cfgPath, "port", cfg.Server.Port, "providers", app.Providers().Names())

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}

func printFields(w *os.File, pairs ...any) {
	for i := 0; i+1 < len(pairs); i += 2 {
		_, _ = fmt.Fprintf(w, "%-22s %v\n", fmt.Sprint(pairs[i])+":", pairs[i+1])
	}
}
