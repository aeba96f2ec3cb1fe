package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vietddude/cloudlink/internal/core/config"
	"github.com/vietddude/cloudlink/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status [user_id]",
	Short: "Show the consolidated status of one user, or of every stored connection",
	Args:  cobra.MaximumNArgs(1),
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	if len(args) == 0 {
		listStatuses(loadConfig())
		return
	}

	ctx := context.Background()
	cfg, app := newApp(ctx)
	defer func() {
		_ = app.Stop(ctx)
	}()

	key := credentialKey(cfg, args[0])
	ev := app.Service().GetConsolidatedStatus(ctx, key)

	printFields(os.Stdout,
		"user", key.UserID,
		"provider", key.Provider,
		"status", ev.Status,
		"message", ev.Message,
	)
	if ev.Kind != "" {
		printFields(os.Stdout, "error_type", ev.Kind, "consecutive_failures", ev.Failures)
	}
	if ev.LastSuccessAt != nil {
		printFields(os.Stdout, "last_success_at", ev.LastSuccessAt.Format(time.RFC3339))
	}
}

// listStatuses prints the persisted records without probing any provider.
func listStatuses(cfg *config.AppConfig) {
	if cfg.Database.URL == "" {
		slog.Error("Listing all statuses requires database.url")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	records, err := postgres.NewHealthRecordRepo(db).List(ctx)
	if err != nil {
		slog.Error("Failed to list health records", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "USER\tPROVIDER\tSTATUS\tLAST ERROR\tLAST SUCCESS\tUPDATED")

	for _, rec := range records {
		lastSuccess := "-"
		if rec.LastSuccessfulOperationAt != nil {
			lastSuccess = rec.LastSuccessfulOperationAt.Format(time.RFC3339)
		}
		lastError := string(rec.LastErrorKind)
		if lastError == "" {
			lastError = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.UserID, rec.Provider, rec.Status, lastError, lastSuccess,
			rec.UpdatedAt.Format(time.RFC3339))
	}
	_ = w.Flush()
}
