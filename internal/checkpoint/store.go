// Package checkpoint defines the durable record of per-file processing state.
package checkpoint

import (
	"context"
	"errors"

	"github.com/raphaelgruber/ocrbatch/internal/models"
)

// Sentinel errors for store operations.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrInvalidTransition indicates the record was not in the state the
	// operation requires. Under concurrent dispatchers this means another
	// dispatcher already owns the file.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrNotFound indicates the requested file does not exist.
	ErrNotFound = errors.New("file not found")
)

// Store is the checkpoint store. Implementations must serialize mutating
// operations per record and must never lose a write silently.
type Store interface {
	// Register inserts a file if its path is unknown. For a known path it
	// returns the existing id with created=false and changes nothing.
	Register(ctx context.Context, in models.FileInput) (id string, created bool, err error)

	// ClaimPending returns up to limit pending records, oldest registration
	// first. It does not change any state.
	ClaimPending(ctx context.Context, limit int) ([]models.FileRecord, error)

	// MarkProcessing moves a record from Pending to Processing and logs the
	// start of the attempt. attempt must be exactly one more than the
	// record's previous attempt number.
	MarkProcessing(ctx context.Context, id string, attempt int) error

	// RecordOutcome logs the terminal entry of the current attempt and moves
	// the record to Completed or Failed. Completed outcomes replace the
	// record's ExtractedOutput.
	RecordOutcome(ctx context.Context, out models.OutcomeInput) error

	// Sweep returns Failed records with attempts < maxAttempts to Pending and
	// logs the reset. Returns the number of records reset.
	Sweep(ctx context.Context, maxAttempts int) (int, error)

	Statistics(ctx context.Context) (models.AggregateStats, error)

	// Get and GetByPath return nil, nil when the record does not exist.
	Get(ctx context.Context, id string) (*models.FileRecord, error)
	GetByPath(ctx context.Context, path string) (*models.FileRecord, error)
	List(ctx context.Context, filter models.FileFilter) ([]models.FileRecord, error)

	// AttemptLog returns the file's log entries in write order.
	AttemptLog(ctx context.Context, id string) ([]models.AttemptLogEntry, error)
	Output(ctx context.Context, id string) (*models.ExtractedOutput, error)
	RecentActivity(ctx context.Context, limit int) ([]models.Activity, error)

	// Reset deletes every record. Maintenance only; never called by the dispatcher.
	Reset(ctx context.Context) error
	Close(ctx context.Context) error
}

// ValidateOutcome checks the fields of an outcome before it reaches a backend.
func ValidateOutcome(out models.OutcomeInput) error {
	if !out.Terminal() {
		return errors.Join(ErrInvalidTransition, errors.New("outcome must be completed or failed"))
	}
	if out.AttemptNumber < 1 {
		return errors.Join(ErrInvalidTransition, errors.New("attempt number must be positive"))
	}
	return nil
}
