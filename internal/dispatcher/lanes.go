package dispatcher

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/raphaelgruber/ocrbatch/internal/extract"
	"golang.org/x/sync/errgroup"
)

// lanes holds one extractor per worker. With a shared-safe factory every
// lane points at the same instance.
type lanes struct {
	extractors []extract.Extractor
	shared     bool
	owned      []extract.Extractor // distinct instances to close
}

// buildLanes constructs the worker extractors. A process pool always gets
// one worker process per lane.
func (d *Dispatcher) buildLanes() (*lanes, error) {
	factory := d.factory
	if d.cfg.WorkerModel == ProcessPool {
		factory = extract.ProcessFactory(d.factory.Name, extract.ProcessConfig{
			Command: d.cfg.WorkerCommand,
			Env:     d.cfg.WorkerEnv,
			Logger:  d.logger,
		})
	}

	n := d.cfg.MaxWorkers
	l := &lanes{extractors: make([]extract.Extractor, n), shared: factory.SharedSafe}

	if factory.SharedSafe {
		ex, err := factory.New()
		if err != nil {
			return nil, fmt.Errorf("create %s extractor: %w", factory.Name, err)
		}
		for i := range l.extractors {
			l.extractors[i] = ex
		}
		l.owned = []extract.Extractor{ex}
		return l, nil
	}

	var g errgroup.Group
	for i := range l.extractors {
		g.Go(func() error {
			ex, err := factory.New()
			if err != nil {
				return fmt.Errorf("create %s extractor %d: %w", factory.Name, i, err)
			}
			l.extractors[i] = ex
			return nil
		})
	}
	err := g.Wait()
	for _, ex := range l.extractors {
		if ex != nil {
			l.owned = append(l.owned, ex)
		}
	}
	if err != nil {
		l.close(d.logger)
		return nil, err
	}
	return l, nil
}

func (l *lanes) close(logger *slog.Logger) {
	for _, ex := range l.owned {
		c, ok := ex.(io.Closer)
		if !ok {
			continue
		}
		if err := c.Close(); err != nil {
			logger.Warn("closing extractor", "error", err)
		}
	}
}
