// Package cli provides the command-line interface for ocrbatch.
package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/raphaelgruber/ocrbatch/internal/config"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time.
	Version = "0.1.0"

	// Global flags
	verbose    bool
	configPath string
	storeFlag  string
	dbPath     string

	// Global config, logger and checkpoint store
	cfg        config.Config
	logger     *slog.Logger
	logCleanup func() error
	store      checkpoint.Store
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "ocrbatch",
	Short: "Resumable batch OCR over large image corpora",
	Long: `ocrbatch extracts text from a corpus of scanned images and records every
attempt in a durable checkpoint store, so an interrupted run resumes where it
stopped instead of starting over.

Typical workflow:
  ocrbatch discover /data/scans
  ocrbatch run --workers 4
  ocrbatch stats`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip setup for help and completion commands
		if cmd.Name() == "help" || (cmd.HasParent() && cmd.Parent().Name() == "completion") {
			return nil
		}

		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		applyRootFlags(cmd)
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		level := cfg.LogLevel()
		if verbose {
			level = slog.LevelDebug
		}
		logger, logCleanup = config.SetupLogger(cfg.Log.File, level, consoleFor(cmd))
		slog.SetDefault(logger)

		// Worker processes never touch the store
		if cmd == workerCmd {
			return nil
		}

		store, err = openStore(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		teardown()
	},
}

// teardown closes the checkpoint store and the log file. Safe to call twice.
func teardown() {
	if store != nil {
		if err := store.Close(context.Background()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close checkpoint store: %v\n", err)
		}
		store = nil
	}
	if logCleanup != nil {
		_ = logCleanup()
		logCleanup = nil
	}
}

// applyRootFlags lets global flags override loaded configuration.
func applyRootFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	if flags.Changed("store") {
		cfg.Store.Backend = storeFlag
	}
	if flags.Changed("db") {
		cfg.Store.SQLitePath = dbPath
	}
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	// PersistentPostRun is skipped when a command fails
	defer teardown()
	return rootCmd.ExecuteContext(context.Background())
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (default $OCRBATCH_CONFIG)")
	rootCmd.PersistentFlags().StringVar(&storeFlag, "store", "", "checkpoint backend: sqlite, postgres, surrealdb or memory")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite checkpoint file")

	// Add subcommands
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(workerCmd)
}
