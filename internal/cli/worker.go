package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/raphaelgruber/ocrbatch/internal/extract"
	"github.com/raphaelgruber/ocrbatch/internal/metrics"
	"github.com/spf13/cobra"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Serve extraction requests on stdin/stdout (process-pool child)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	// The terminal's interrupt reaches the whole process group. The parent
	// decides when to stop and closes stdin; an attempt in flight must finish.
	signal.Ignore(os.Interrupt)

	ctx := cmd.Context()
	factory, cleanup, err := buildFactory(ctx, cfg, metrics.NewCollector(), logger)
	if err != nil {
		return err
	}
	defer cleanup()

	ex, err := factory.New()
	if err != nil {
		return fmt.Errorf("create %s extractor: %w", factory.Name, err)
	}
	if c, ok := ex.(io.Closer); ok {
		defer c.Close()
	}

	logger.Debug("worker ready", "engine", factory.Name, "pid", os.Getpid())
	return extract.Serve(ctx, os.Stdin, os.Stdout, ex)
}
