package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/ocrbatch/internal/models"
	"github.com/raphaelgruber/ocrbatch/internal/progress"
	"github.com/spf13/cobra"
)

var (
	statsJSON   bool
	statsRecent int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus progress, timing and recent activity",
	Long: `Show how far the corpus has progressed: per-status counts, completion
percentage, attempt timings, throughput, ETA and the latest attempts.

Examples:
  ocrbatch stats
  ocrbatch stats --recent 25
  ocrbatch stats --json`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "print the report as JSON")
	statsCmd.Flags().IntVar(&statsRecent, "recent", 10, "recent attempts to show")
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	rep, err := progress.NewReporter(store, logger).Report(ctx)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	var recent []models.Activity
	if statsRecent > 0 {
		if recent, err = store.RecentActivity(ctx, statsRecent); err != nil {
			return fmt.Errorf("recent activity: %w", err)
		}
	}

	if statsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Report progress.Report   `json:"report"`
			Recent []models.Activity `json:"recent_activity"`
		}{rep, recent})
	}

	printReport(rep)
	printActivity(recent)
	return nil
}

func printReport(r progress.Report) {
	fmt.Printf("Files: %d total\n", r.Total)
	fmt.Printf("  Completed:  %d (%.1f%%)\n", r.Completed, r.CompletionPct)
	fmt.Printf("  Failed:     %d\n", r.Failed)
	fmt.Printf("  Processing: %d\n", r.Processing)
	fmt.Printf("  Pending:    %d\n", r.Pending)

	fmt.Printf("\nAttempts: %d completed, %d failed\n", r.CompletedAttempts, r.FailedAttempts)
	if r.CompletedAttempts > 0 {
		fmt.Printf("  Time per file: avg %.0f ms, min %d ms, max %d ms\n",
			r.MeanProcessingMs, r.MinProcessingMs, r.MaxProcessingMs)
		fmt.Printf("  Throughput:    %.1f files/min per worker\n", r.ThroughputPerMinute)
	}
	fmt.Printf("  ETA:           %s\n", r.ETAString())
}

func printActivity(recent []models.Activity) {
	if len(recent) == 0 {
		return
	}
	fmt.Printf("\nRecent activity (%d):\n", len(recent))
	fmt.Printf("%-19s %-10s %-3s %8s  %s\n", "TIME", "OUTCOME", "#", "MS", "PATH")
	for _, a := range recent {
		line := fmt.Sprintf("%-19s %-10s %-3d %8d  %s",
			a.At.Local().Format(time.DateTime), a.Outcome, a.AttemptNumber, a.ProcessingTimeMs, a.Path)
		if a.ErrorDetail != nil && *a.ErrorDetail != "" {
			line += "  (" + *a.ErrorDetail + ")"
		}
		fmt.Println(line)
	}
}
