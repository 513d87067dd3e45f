package db

import (
	"errors"
	"fmt"
	"strings"

	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/surrealdb/surrealdb.go"
)

// ErrTransactionConflict indicates a SurrealDB transaction conflict.
// This occurs when concurrent dispatchers modify the same file record.
var ErrTransactionConflict = errors.New("transaction conflict")

// Messages thrown by the transition queries.
const (
	throwNotFound          = "file not found"
	throwInvalidTransition = "invalid transition"
)

// wrapQueryError inspects a SurrealDB error and wraps it with the matching
// sentinel. Failed transactions report every statement as failed, so the
// whole message is searched rather than only the first QueryError.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if !errors.As(err, &queryErr) {
		return err
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, throwInvalidTransition):
		return fmt.Errorf("%w: %s", checkpoint.ErrInvalidTransition, queryErr.Message)
	case strings.Contains(msg, throwNotFound):
		return fmt.Errorf("%w: %s", checkpoint.ErrNotFound, queryErr.Message)
	case strings.Contains(msg, "already contains"), strings.Contains(msg, "already exists"):
		return fmt.Errorf("%w: %s", errDuplicatePath, queryErr.Message)
	case strings.Contains(msg, "Transaction conflict"), strings.Contains(msg, "Resource busy"):
		return fmt.Errorf("%w: %s", ErrTransactionConflict, queryErr.Message)
	}
	return err
}

// errDuplicatePath is returned when a concurrent register won the unique path index.
var errDuplicatePath = errors.New("path already registered")
