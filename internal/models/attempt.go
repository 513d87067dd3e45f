package models

import (
	"time"
)

// AttemptLogEntry is one immutable row of a file's attempt history.
//
// Every attempt writes a Processing entry when it starts and a Completed or
// Failed entry when it ends, both carrying the same attempt number. A sweep
// that returns a failed file to the queue writes a Pending entry under the
// attempt number it is resetting.
type AttemptLogEntry struct {
	Seq              int64             `json:"seq"`
	FileID           string            `json:"file_id"`
	AttemptNumber    int               `json:"attempt_number"`
	Outcome          Status            `json:"outcome"`
	ProcessingTimeMs int64             `json:"processing_time_ms"`
	OutputLength     int               `json:"output_length"`
	ErrorDetail      *string           `json:"error_detail,omitempty"`
	EngineMetadata   map[string]string `json:"engine_metadata,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// OutcomeInput is the terminal result of an attempt submitted to the store.
type OutcomeInput struct {
	FileID           string
	AttemptNumber    int
	Outcome          Status // StatusCompleted or StatusFailed
	ProcessingTimeMs int64
	OutputLength     int
	ErrorDetail      *string
	EngineMetadata   map[string]string

	// ContentPointer locates the persisted text. Only used for completed outcomes.
	ContentPointer string
}

// Terminal reports whether the outcome ends an attempt.
func (o OutcomeInput) Terminal() bool {
	return o.Outcome == StatusCompleted || o.Outcome == StatusFailed
}

// Activity is an attempt-log entry joined with its file, for recent-activity views.
type Activity struct {
	FileID           string    `json:"file_id"`
	Path             string    `json:"path"`
	AttemptNumber    int       `json:"attempt_number"`
	Outcome          Status    `json:"outcome"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	ErrorDetail      *string   `json:"error_detail,omitempty"`
	At               time.Time `json:"at"`
}

// AggregateStats summarises the store.
type AggregateStats struct {
	Total      int
	Pending    int
	Processing int
	Completed  int
	Failed     int

	// Timing over attempts whose terminal outcome was Completed.
	CompletedAttempts int
	MeanProcessingMs  float64
	MinProcessingMs   int64
	MaxProcessingMs   int64

	FailedAttempts int
}

// CountFor returns the per-status count.
func (s AggregateStats) CountFor(st Status) int {
	switch st {
	case StatusPending:
		return s.Pending
	case StatusProcessing:
		return s.Processing
	case StatusCompleted:
		return s.Completed
	case StatusFailed:
		return s.Failed
	}
	return 0
}

// StringPtr returns a pointer to s, or nil when s is empty.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
