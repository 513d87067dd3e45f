package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var sweepMaxAttempts int

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Return retryable failures to the queue",
	Long: `Reset failed files that have used fewer than --max-attempts attempts back
to pending. Files that exhausted their attempts stay failed.

'ocrbatch run' sweeps automatically unless --no-sweep is given.`,
	Args: cobra.NoArgs,
	RunE: runSweep,
}

func init() {
	sweepCmd.Flags().IntVar(&sweepMaxAttempts, "max-attempts", 0, "attempt limit (default from config)")
}

func runSweep(cmd *cobra.Command, args []string) error {
	maxAttempts := cfg.Dispatch.MaxAttempts
	if sweepMaxAttempts > 0 {
		maxAttempts = sweepMaxAttempts
	}

	n, err := store.Sweep(cmd.Context(), maxAttempts)
	if err != nil {
		return fmt.Errorf("sweep: %w", err)
	}
	fmt.Printf("Reset %d failed files for retry (max attempts %d)\n", n, maxAttempts)
	return nil
}
