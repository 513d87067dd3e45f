package cli

import (
	"fmt"

	"github.com/raphaelgruber/ocrbatch/internal/discovery"
	"github.com/spf13/cobra"
)

var discoverCmd = &cobra.Command{
	Use:   "discover [root]",
	Short: "Register corpus images in the checkpoint store",
	Long: `Walk a directory tree and register every image with a recognised
extension. Files already registered are left untouched, so discovery can be
repeated at any time to pick up new files.

Examples:
  ocrbatch discover /data/scans
  OCRBATCH_EXTENSIONS=".tif,.png" ocrbatch discover /data/scans`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	root := cfg.Corpus.Root
	if len(args) == 1 {
		root = args[0]
	}
	if root == "" {
		return fmt.Errorf("no corpus root: pass one or set corpus.root")
	}

	scanner := discovery.NewScanner(store, cfg.Corpus.Extensions, logger)
	stats, err := scanner.Scan(cmd.Context(), root)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	printDiscovery(stats)
	return nil
}

func printDiscovery(s discovery.Stats) {
	fmt.Printf("Discovery: %d scanned, %d matched, %d new, %d already registered",
		s.Scanned, s.Matched, s.Registered, s.Existing)
	if s.Skipped > 0 {
		fmt.Printf(", %d skipped", s.Skipped)
	}
	fmt.Println()
}
