package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/raphaelgruber/ocrbatch/internal/config"
	"github.com/raphaelgruber/ocrbatch/internal/discovery"
	"github.com/raphaelgruber/ocrbatch/internal/dispatcher"
	"github.com/raphaelgruber/ocrbatch/internal/metrics"
	"github.com/raphaelgruber/ocrbatch/internal/progress"
	"github.com/raphaelgruber/ocrbatch/internal/shutdown"
	"github.com/spf13/cobra"
)

var (
	runRoot          string
	runBatchSize     int
	runWorkers       int
	runMaxAttempts   int
	runMaxFiles      int
	runWorkerModel   string
	runEngine        string
	runOutputDir     string
	runMinTextLength int
	runQualityGate   bool
	runNoSweep       bool
	runNoResume      bool
	runTUI           bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Extract text from pending files",
	Long: `Process pending files until none remain, --max-files is reached or the
run is interrupted.

With --root the corpus is discovered first. Failed files with attempts left are
swept back to pending before the first batch unless --no-sweep is given.

Ctrl+C stops claiming new files; files already being extracted finish and are
recorded. Run again to resume. A second Ctrl+C exits immediately and leaves the
in-flight files in the processing state.

Examples:
  ocrbatch run --root /data/scans --workers 4
  ocrbatch run --engine bedrock --worker-model process-pool
  ocrbatch run --max-files 100 --tui`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runRoot, "root", "", "discover this corpus root before processing")
	f.IntVarP(&runBatchSize, "batch-size", "b", 0, "files claimed per batch")
	f.IntVarP(&runWorkers, "workers", "w", 0, "concurrent extraction workers")
	f.IntVar(&runMaxAttempts, "max-attempts", 0, "attempts per file before it stays failed")
	f.IntVarP(&runMaxFiles, "max-files", "n", 0, "stop after this many attempts (0 = no limit)")
	f.StringVar(&runWorkerModel, "worker-model", "", "threaded or process-pool")
	f.StringVarP(&runEngine, "engine", "e", "", "OCR engine: tesseract, bedrock or ollama")
	f.StringVarP(&runOutputDir, "output", "o", "", "write text under this directory instead of next to the images")
	f.IntVar(&runMinTextLength, "min-text-length", 0, "characters needed to count as completed")
	f.BoolVar(&runQualityGate, "quality-gate", false, "record low-quality text as failed so it is retried")
	f.BoolVar(&runNoSweep, "no-sweep", false, "do not retry failed files")
	f.BoolVar(&runNoResume, "no-resume", false, "clear all checkpoint state before starting")
	f.BoolVar(&runTUI, "tui", false, "show a live progress view (terminal only)")
}

// applyRunFlags copies explicitly set flags over the loaded configuration.
func applyRunFlags(cmd *cobra.Command, c *config.Config) {
	f := cmd.Flags()
	if f.Changed("root") {
		c.Corpus.Root = runRoot
	}
	if f.Changed("batch-size") {
		c.Dispatch.BatchSize = runBatchSize
	}
	if f.Changed("workers") {
		c.Dispatch.MaxWorkers = runWorkers
	}
	if f.Changed("max-attempts") {
		c.Dispatch.MaxAttempts = runMaxAttempts
	}
	if f.Changed("max-files") {
		c.Dispatch.MaxFiles = runMaxFiles
	}
	if f.Changed("worker-model") {
		c.Dispatch.WorkerModel = runWorkerModel
	}
	if f.Changed("engine") {
		c.Engine.Name = runEngine
	}
	if f.Changed("output") {
		c.Output.Dir = runOutputDir
	}
	if f.Changed("min-text-length") {
		c.Dispatch.MinTextLength = runMinTextLength
	}
	if f.Changed("quality-gate") {
		c.Dispatch.QualityGate = runQualityGate
	}
	if runNoSweep {
		c.Dispatch.Sweep = false
	}
}

// dispatcherConfig translates configuration into dispatcher settings.
func dispatcherConfig(c config.Config, worker []string) (dispatcher.Config, error) {
	model, err := dispatcher.ParseWorkerModel(c.Dispatch.WorkerModel)
	if err != nil {
		return dispatcher.Config{}, err
	}
	dc := dispatcher.Config{
		BatchSize:     c.Dispatch.BatchSize,
		MaxWorkers:    c.Dispatch.MaxWorkers,
		MaxAttempts:   c.Dispatch.MaxAttempts,
		WorkerModel:   model,
		MaxFiles:      c.Dispatch.MaxFiles,
		MinTextLength: c.Dispatch.MinTextLength,
		QualityGate:   c.Dispatch.QualityGate,
		SweepFirst:    c.Dispatch.Sweep,
	}
	if model == dispatcher.ProcessPool {
		dc.WorkerCommand = worker
		dc.WorkerEnv = workerEnv(c)
	}
	return dc, nil
}

// workerCommand re-executes this binary in worker mode.
func workerCommand() ([]string, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	cmd := []string{exe, "worker"}
	if configPath != "" {
		cmd = append(cmd, "--config", configPath)
	}
	return cmd, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	applyRunFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var worker []string
	if cfg.Dispatch.WorkerModel == config.WorkerModelProcessPool {
		var err error
		if worker, err = workerCommand(); err != nil {
			return err
		}
	}
	dcfg, err := dispatcherConfig(cfg, worker)
	if err != nil {
		return err
	}

	co := shutdown.New(cmd.Context(), logger)
	defer co.Stop()
	co.OnForce(func() {
		logger.Error("forced exit, in-flight files stay processing")
		os.Exit(130)
	})
	ctx := co.Context()

	collector := metrics.NewCollector()
	factory, cleanup, err := buildFactory(ctx, cfg, collector, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	sink, err := buildSink(ctx, cfg, cfg.Corpus.Root)
	if err != nil {
		return fmt.Errorf("create output sink: %w", err)
	}

	d, err := dispatcher.New(store, factory, sink, dcfg,
		dispatcher.WithLogger(logger),
		dispatcher.WithMetrics(collector),
	)
	if err != nil {
		return err
	}

	if root := cfg.Corpus.Root; root != "" {
		if _, err := discovery.CheckRoot(root); err != nil {
			return err
		}
	}

	// Configuration is valid; state changes start here
	if runNoResume {
		logger.Warn("clearing checkpoint state before run")
		if err := store.Reset(ctx); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}

	if cfg.Corpus.Root != "" {
		scanner := discovery.NewScanner(store, cfg.Corpus.Extensions, logger)
		stats, err := scanner.Scan(ctx, cfg.Corpus.Root)
		if err != nil {
			return fmt.Errorf("discover: %w", err)
		}
		if !useTUI() {
			printDiscovery(stats)
		}
	}

	reporter := progress.NewReporter(store, logger)

	var sum dispatcher.Summary
	var runErr error
	if useTUI() {
		sum, runErr = runWithProgressView(co, d, reporter)
	} else {
		watchCtx, stopWatch := context.WithCancel(context.WithoutCancel(ctx))
		go reporter.Watch(watchCtx, cfg.Progress.Interval)
		sum, runErr = d.Run(ctx)
		stopWatch()
	}

	rep, err := reporter.Report(context.WithoutCancel(ctx))
	if err != nil {
		logger.Warn("final report unavailable", "error", err)
	}
	printSummary(sum, rep, err == nil)
	if verbose {
		printMetrics(collector.Snapshot())
	}
	return runErr
}

func printSummary(sum dispatcher.Summary, rep progress.Report, haveReport bool) {
	fmt.Println()
	fmt.Printf("Run finished in %s\n", sum.Elapsed.Round(time.Millisecond))
	fmt.Printf("  Examined:   %d\n", sum.TotalExamined)
	fmt.Printf("  Completed:  %d\n", sum.Completed)
	fmt.Printf("  Failed:     %d\n", sum.Failed)
	if sum.Swept > 0 {
		fmt.Printf("  Swept:      %d\n", sum.Swept)
	}
	if sum.RecordErrors > 0 {
		fmt.Printf("  Unrecorded: %d (left processing, see log)\n", sum.RecordErrors)
	}
	if haveReport {
		fmt.Printf("\nCorpus: %d/%d completed (%.1f%%), %d failed, %d pending, ETA %s\n",
			rep.Completed, rep.Total, rep.CompletionPct, rep.Failed, rep.Pending, rep.ETAString())
	}
	if sum.StoppedEarly {
		fmt.Println("\nStopped early. Run again to resume.")
	}
}

func printMetrics(s metrics.Snapshot) {
	fmt.Println("\nTimings:")
	for _, op := range []struct {
		name string
		snap *metrics.OperationSnapshot
	}{
		{"extract", s.Extract},
		{"preprocess", s.Preprocess},
		{"store read", s.StoreRead},
		{"store write", s.StoreWrite},
	} {
		if op.snap == nil {
			continue
		}
		fmt.Printf("  %-12s %6d calls  avg %8.1f ms  max %6d ms\n",
			op.name, op.snap.Count, op.snap.AvgTimeMs, op.snap.MaxTimeMs)
	}
	fmt.Printf("  cache        %d hits, %d shared hits, %d misses\n", s.CacheHits, s.CacheRemoteHits, s.CacheMisses)
}
