package cli

import (
	"fmt"

	"github.com/raphaelgruber/ocrbatch/internal/models"
	"github.com/spf13/cobra"
)

var (
	listStatus string
	listPrefix string
	listLimit  int
	listOffset int
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List file records",
	Long: `List file records in registration order with optional filtering.

Examples:
  ocrbatch list
  ocrbatch list --status failed
  ocrbatch list --status processing     # files left behind by a crash
  ocrbatch list --prefix /data/scans/1987 --limit 200`,
	Args: cobra.NoArgs,
	RunE: runList,
}

func init() {
	listCmd.Flags().StringVarP(&listStatus, "status", "s", "", "filter by status (pending, processing, completed, failed)")
	listCmd.Flags().StringVarP(&listPrefix, "prefix", "p", "", "filter by path prefix")
	listCmd.Flags().IntVarP(&listLimit, "limit", "n", 50, "max results")
	listCmd.Flags().IntVar(&listOffset, "offset", 0, "skip this many results")
}

func runList(cmd *cobra.Command, args []string) error {
	filter := models.FileFilter{
		PathPrefix: listPrefix,
		Limit:      listLimit,
		Offset:     listOffset,
	}
	if listStatus != "" {
		st, ok := models.ParseStatus(listStatus)
		if !ok {
			return fmt.Errorf("unknown status %q", listStatus)
		}
		filter.Status = &st
	}

	recs, err := store.List(cmd.Context(), filter)
	if err != nil {
		return fmt.Errorf("list files: %w", err)
	}

	if len(recs) == 0 {
		fmt.Println("No files found.")
		return nil
	}

	fmt.Printf("%-36s %-10s %-8s %10s  %s\n", "ID", "STATUS", "ATTEMPTS", "SIZE", "PATH")
	fmt.Println("--------------------------------------------------------------------------------------")
	for _, r := range recs {
		fmt.Printf("%-36s %-10s %-8d %10d  %s\n", r.ID, r.Status, r.Attempts, r.SizeBytes, r.Path)
	}
	if verbose {
		fmt.Printf("\n%d files\n", len(recs))
	}
	return nil
}
