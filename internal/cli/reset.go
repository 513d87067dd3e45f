package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

var resetYes bool

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all checkpoint state",
	Long: `Delete every file record, attempt log entry and output pointer from the
checkpoint store. Extracted text already written by the sink is kept.

This cannot be undone. Pass --yes to confirm.`,
	Args: cobra.NoArgs,
	RunE: runReset,
}

func init() {
	resetCmd.Flags().BoolVar(&resetYes, "yes", false, "confirm deletion")
}

func runReset(cmd *cobra.Command, args []string) error {
	if !resetYes {
		return errors.New("refusing to reset without --yes")
	}
	if err := store.Reset(cmd.Context()); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	logger.Warn("checkpoint state cleared")
	fmt.Println("Checkpoint store cleared.")
	return nil
}
