package cli

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/cloudlink/internal/lifecycle"
)

var testCmd = &cobra.Command{
	Use:   "test [user_id]",
	Short: "Probe the provider now, bypassing the validation cache",
	Args:  cobra.ExactArgs(1),
	Run:   runTest,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [user_id]",
	Short: "Refresh the access token now, ignoring any scheduled retry",
	Args:  cobra.ExactArgs(1),
	Run:   runRefresh,
}

var resetFailuresCmd = &cobra.Command{
	Use:   "reset-failures [user_id]",
	Short: "Clear the refresh failure count of a connection",
	Args:  cobra.ExactArgs(1),
	Run:   runResetFailures,
}

func init() {
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(resetFailuresCmd)
}

func runTest(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	cfg, app := newApp(ctx)
	defer func() {
		_ = app.Stop(ctx)
	}()

	key := credentialKey(cfg, args[0])
	hs, err := app.Service().TestConnectionNow(ctx, key)
	if err != nil {
		slog.Error("Connection test failed", "user", key.UserID, "provider", key.Provider, "error", err)
		os.Exit(1)
	}

	printFields(os.Stdout,
		"user", key.UserID,
		"provider", key.Provider,
		"healthy", hs.IsHealthy,
		"status", hs.Status,
		"validated_at", hs.ValidatedAt.Format(time.RFC3339),
	)
	if hs.ErrorType != "" {
		printFields(os.Stdout,
			"error_type", hs.ErrorType,
			"error_message", hs.ErrorMessage,
			"consecutive_failures", hs.ConsecutiveFailures,
		)
	}
	if !hs.IsHealthy {
		os.Exit(2)
	}
}

func runRefresh(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	cfg, app := newApp(ctx)
	defer func() {
		_ = app.Stop(ctx)
	}()

	key := credentialKey(cfg, args[0])
	res, err := app.Service().RefreshToken(ctx, key)

	var retryErr *lifecycle.RetryScheduledError
	switch {
	case err == nil:
		printFields(os.Stdout,
			"status", res.Status,
			"refreshed", res.Refreshed,
			"expires_at", res.Credential.ExpiresAt.Format(time.RFC3339),
		)
	case errors.As(err, &retryErr):
		printFields(os.Stdout,
			"status", res.Status,
			"error_type", retryErr.Kind,
			"attempt", retryErr.Attempt,
			"retry_at", retryErr.RetryAt.Format(time.RFC3339),
		)
		os.Exit(2)
	default:
		slog.Error("Refresh failed", "user", key.UserID, "provider", key.Provider,
			"status", res.Status, "error", err)
		os.Exit(1)
	}
}

func runResetFailures(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	cfg, app := newApp(ctx)
	defer func() {
		_ = app.Stop(ctx)
	}()

	key := credentialKey(cfg, args[0])
	if err := app.Service().ResetFailureCount(ctx, key); err != nil {
		slog.Error("Failed to reset failure count", "user", key.UserID, "provider", key.Provider, "error", err)
		os.Exit(1)
	}
	slog.Info("Failure count reset", "user", key.UserID, "provider", key.Provider)
}
