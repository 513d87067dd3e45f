package dispatcher

import (
	"errors"
	"fmt"
)

// WorkerModel selects how extraction calls are isolated.
type WorkerModel string

const (
	// Threaded runs extractors on goroutines inside this process.
	Threaded WorkerModel = "threaded"
	// ProcessPool runs one worker process per lane.
	ProcessPool WorkerModel = "process-pool"
)

// ParseWorkerModel validates user input.
func ParseWorkerModel(s string) (WorkerModel, error) {
	switch WorkerModel(s) {
	case Threaded, "":
		return Threaded, nil
	case ProcessPool:
		return ProcessPool, nil
	}
	return "", fmt.Errorf("invalid worker model %q (want %s or %s)", s, Threaded, ProcessPool)
}

// Defaults.
const (
	DefaultBatchSize     = 100
	DefaultMaxWorkers    = 2
	DefaultMaxAttempts   = 3
	DefaultMinTextLength = 1
)

// Config controls a Dispatcher.
type Config struct {
	BatchSize   int
	MaxWorkers  int
	MaxAttempts int
	WorkerModel WorkerModel

	// MaxFiles caps the attempts made by one Run; 0 means no cap.
	MaxFiles int

	// MinTextLength is the trimmed character count a successful extraction
	// needs to be recorded as Completed.
	MinTextLength int

	// QualityGate records text judged low quality as Failed, so it is
	// retried within MaxAttempts.
	QualityGate bool

	// SweepFirst resets retryable failures before the first claim.
	SweepFirst bool

	// WorkerCommand launches a worker process (process-pool only).
	WorkerCommand []string
	WorkerEnv     []string
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:     DefaultBatchSize,
		MaxWorkers:    DefaultMaxWorkers,
		MaxAttempts:   DefaultMaxAttempts,
		WorkerModel:   Threaded,
		MinTextLength: DefaultMinTextLength,
		SweepFirst:    true,
	}
}

// Validate reports configuration errors that must stop a run before it starts.
func (c Config) Validate() error {
	var errs []error
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("batch size must be positive, got %d", c.BatchSize))
	}
	if c.MaxWorkers < 1 {
		errs = append(errs, fmt.Errorf("max workers must be positive, got %d", c.MaxWorkers))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be positive, got %d", c.MaxAttempts))
	}
	if c.MaxFiles < 0 {
		errs = append(errs, fmt.Errorf("max files must not be negative, got %d", c.MaxFiles))
	}
	if c.MinTextLength < 0 {
		errs = append(errs, fmt.Errorf("min text length must not be negative, got %d", c.MinTextLength))
	}
	switch c.WorkerModel {
	case Threaded:
	case ProcessPool:
		if len(c.WorkerCommand) == 0 {
			errs = append(errs, errors.New("process-pool worker model needs a worker command"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid worker model %q", c.WorkerModel))
	}
	return errors.Join(errs...)
}
