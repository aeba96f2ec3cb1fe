package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/cloudlink/internal/core/domain"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-consolidate the status of every stored connection",
	Run:   runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	_, app := newApp(ctx)
	defer func() {
		_ = app.Stop(ctx)
	}()

	report, err := app.Service().Sweep(ctx)
	if err != nil {
		slog.Error("Sweep failed", "error", err)
		os.Exit(1)
	}

	statuses := make([]domain.Status, 0, len(report.ByStatus))
	for st := range report.ByStatus {
		statuses = append(statuses, st)
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "STATUS\tCOUNT")
	for _, st := range statuses {
		_, _ = fmt.Fprintf(w, "%s\t%d\n", st, report.ByStatus[st])
	}
	_, _ = fmt.Fprintf(w, "total\t%d\n", report.Total)
	_ = w.Flush()
}
