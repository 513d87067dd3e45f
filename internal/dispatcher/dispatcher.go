// Package dispatcher drives the claim, extract and record cycle over the checkpoint store.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/raphaelgruber/ocrbatch/internal/extract"
	"github.com/raphaelgruber/ocrbatch/internal/metrics"
	"github.com/raphaelgruber/ocrbatch/internal/models"
)

// Summary describes one Run.
type Summary struct {
	TotalExamined int           `json:"total_examined"`
	Completed     int           `json:"completed"`
	Failed        int           `json:"failed"`
	Swept         int           `json:"swept"`
	RecordErrors  int           `json:"record_errors"`
	Elapsed       time.Duration `json:"elapsed"`

	// StoppedEarly is true when shutdown interrupted a run that still had
	// pending work. Running again resumes it.
	StoppedEarly bool `json:"stopped_early"`
}

// Dispatcher moves pending files through extraction. Several dispatchers,
// in one process or many, may share a store.
type Dispatcher struct {
	store   checkpoint.Store
	factory extract.Factory
	sink    extract.Sink
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Collector
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMetrics records store timings.
func WithMetrics(m *metrics.Collector) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New validates the configuration and returns a dispatcher. Nothing is
// started and the store is not touched.
func New(store checkpoint.Store, factory extract.Factory, sink extract.Sink, cfg Config, opts ...Option) (*Dispatcher, error) {
	if store == nil {
		return nil, errors.New("dispatcher: nil store")
	}
	if sink == nil {
		return nil, errors.New("dispatcher: nil output sink")
	}
	if err := factory.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("dispatcher config: %w", err)
	}

	d := &Dispatcher{
		store:   store,
		factory: factory,
		sink:    sink,
		cfg:     cfg,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Sweep returns retryable failures to Pending.
func (d *Dispatcher) Sweep(ctx context.Context) (int, error) {
	n, err := d.store.Sweep(ctx, d.cfg.MaxAttempts)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if n > 0 {
		d.logger.Info("failed files reset for retry", "count", n, "max_attempts", d.cfg.MaxAttempts)
	}
	return n, nil
}

type job struct {
	rec     models.FileRecord
	attempt int
	done    *sync.WaitGroup
}

type tally struct {
	completed    atomic.Int64
	failed       atomic.Int64
	recordErrors atomic.Int64

	mu   sync.Mutex
	errs []error
}

func (t *tally) recordError(err error) {
	t.recordErrors.Add(1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.errs) < 5 {
		t.errs = append(t.errs, err)
	}
}

// Run processes pending files until none remain, MaxFiles is reached or
// ctx is cancelled. Cancellation stops new claims; attempts already marked
// Processing always finish and are recorded.
func (d *Dispatcher) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var sum Summary

	lanes, err := d.buildLanes()
	if err != nil {
		return sum, err
	}
	defer lanes.close(d.logger)

	if d.cfg.SweepFirst {
		n, err := d.Sweep(ctx)
		if err != nil {
			return sum, err
		}
		sum.Swept = n
	}

	d.logger.Info("dispatcher started",
		"engine", d.factory.Name,
		"worker_model", d.cfg.WorkerModel,
		"workers", len(lanes.extractors),
		"shared", lanes.shared,
		"batch_size", d.cfg.BatchSize,
		"max_files", d.cfg.MaxFiles)

	var t tally
	jobs := make(chan job)
	var workers sync.WaitGroup
	for i, ex := range lanes.extractors {
		workers.Add(1)
		go func() {
			defer workers.Done()
			for j := range jobs {
				d.attempt(ctx, i, ex, j, &t)
			}
		}()
	}

	loopErr := d.loop(ctx, jobs, &sum)
	close(jobs)
	workers.Wait()

	sum.Completed = int(t.completed.Load())
	sum.Failed = int(t.failed.Load())
	sum.RecordErrors = int(t.recordErrors.Load())

	if ctx.Err() != nil {
		remaining, err := d.store.ClaimPending(context.WithoutCancel(ctx), 1)
		if err != nil {
			d.logger.Warn("could not check remaining work", "error", err)
		}
		sum.StoppedEarly = len(remaining) > 0
	}
	sum.Elapsed = time.Since(start)

	d.logger.Info("dispatcher finished",
		"examined", sum.TotalExamined,
		"completed", sum.Completed,
		"failed", sum.Failed,
		"stopped_early", sum.StoppedEarly,
		"elapsed", sum.Elapsed.Round(time.Millisecond).String())

	if len(t.errs) > 0 {
		loopErr = errors.Join(loopErr, fmt.Errorf("%d outcomes not recorded: %w", sum.RecordErrors, errors.Join(t.errs...)))
	}
	return sum, loopErr
}

// loop claims batches and hands marked records to the workers, waiting for
// each batch to drain before the next claim.
func (d *Dispatcher) loop(ctx context.Context, jobs chan<- job, sum *Summary) error {
	for ctx.Err() == nil {
		limit := d.cfg.BatchSize
		if d.cfg.MaxFiles > 0 {
			left := d.cfg.MaxFiles - sum.TotalExamined
			if left <= 0 {
				d.logger.Info("file cap reached", "max_files", d.cfg.MaxFiles)
				return nil
			}
			limit = min(limit, left)
		}

		readStart := time.Now()
		batch, err := d.store.ClaimPending(ctx, limit)
		d.metrics.RecordTiming(metrics.OpStoreRead, time.Since(readStart))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("claim pending: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}
		d.logger.Debug("batch claimed", "size", len(batch))

		var batchDone sync.WaitGroup
		var markErr error
		dispatched := 0
		for _, rec := range batch {
			if ctx.Err() != nil {
				break
			}
			attempt := rec.Attempts + 1

			// Once claimed, the attempt must run to its recorded outcome
			writeStart := time.Now()
			err := d.store.MarkProcessing(context.WithoutCancel(ctx), rec.ID, attempt)
			d.metrics.RecordTiming(metrics.OpStoreWrite, time.Since(writeStart))
			if err != nil {
				if errors.Is(err, checkpoint.ErrInvalidTransition) || errors.Is(err, checkpoint.ErrNotFound) {
					d.logger.Debug("file claimed elsewhere", "file_id", rec.ID, "path", rec.Path)
					continue
				}
				markErr = fmt.Errorf("mark processing: %w", err)
				break
			}

			dispatched++
			sum.TotalExamined++
			batchDone.Add(1)
			jobs <- job{rec: rec, attempt: attempt, done: &batchDone}
		}
		batchDone.Wait()

		if markErr != nil {
			return markErr
		}
		d.logger.Debug("batch drained", "dispatched", dispatched, "skipped", len(batch)-dispatched)
	}
	return nil
}

// attempt runs one extraction and records its outcome.
func (d *Dispatcher) attempt(ctx context.Context, worker int, ex extract.Extractor, j job, t *tally) {
	defer j.done.Done()

	// In-flight work is never cut short by shutdown
	ctx = context.WithoutCancel(ctx)
	logger := d.logger.With("file_id", j.rec.ID, "path", j.rec.Path, "attempt", j.attempt, "worker", worker)

	start := time.Now()
	res := extract.Call(ctx, ex, j.rec.Path)
	elapsed := time.Since(start)

	out := models.OutcomeInput{
		FileID:           j.rec.ID,
		AttemptNumber:    j.attempt,
		ProcessingTimeMs: elapsed.Milliseconds(),
		EngineMetadata:   d.metadata(res.Metadata, worker),
	}

	if reason := d.reject(res); reason != "" {
		out.Outcome = models.StatusFailed
		out.ErrorDetail = &reason
	} else {
		pointer, err := d.sink.Write(ctx, j.rec.Path, res.Text)
		if err != nil {
			detail := fmt.Sprintf("write output: %v", err)
			out.Outcome = models.StatusFailed
			out.ErrorDetail = &detail
		} else {
			out.Outcome = models.StatusCompleted
			out.OutputLength = utf8.RuneCountInString(res.Text)
			out.ContentPointer = pointer
		}
	}

	writeStart := time.Now()
	err := d.store.RecordOutcome(ctx, out)
	d.metrics.RecordTiming(metrics.OpStoreWrite, time.Since(writeStart))
	if err != nil {
		logger.Error("outcome not recorded, file left processing", "outcome", out.Outcome, "error", err)
		t.recordError(fmt.Errorf("%s: %w", j.rec.Path, err))
		return
	}

	if out.Outcome == models.StatusCompleted {
		t.completed.Add(1)
		logger.Info("attempt completed", "chars", out.OutputLength, "duration_ms", out.ProcessingTimeMs)
		return
	}
	t.failed.Add(1)
	logger.Warn("attempt failed", "error", *out.ErrorDetail, "duration_ms", out.ProcessingTimeMs)
}

// reject returns why a result cannot count as Completed, or "".
func (d *Dispatcher) reject(res extract.Result) string {
	if !res.Success {
		if res.Error == "" {
			return "extraction failed"
		}
		return res.Error
	}
	if n := utf8.RuneCountInString(strings.TrimSpace(res.Text)); n < d.cfg.MinTextLength {
		return fmt.Sprintf("text too short: %d chars, need %d", n, d.cfg.MinTextLength)
	}
	if d.cfg.QualityGate {
		if q := extract.Assess(res.Text); q.Low {
			return "low quality: " + q.Reason
		}
	}
	return ""
}

func (d *Dispatcher) metadata(engine map[string]string, worker int) map[string]string {
	md := make(map[string]string, len(engine)+3)
	for k, v := range engine {
		md[k] = v
	}
	if md["engine"] == "" {
		md["engine"] = d.factory.Name
	}
	md["worker_model"] = string(d.cfg.WorkerModel)
	md["worker"] = strconv.Itoa(worker)
	return md
}
