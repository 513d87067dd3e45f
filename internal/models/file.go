// Package models defines the data structures tracked by the checkpoint store.
package models

import (
	"time"
)

// Status is the processing state of a corpus file.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus converts user input into a Status.
func ParseStatus(s string) (Status, bool) {
	st := Status(s)
	return st, st.Valid()
}

// FileRecord is one file of the corpus.
type FileRecord struct {
	ID           string    `json:"id"`
	Path         string    `json:"path"`
	Name         string    `json:"name"`
	SizeBytes    int64     `json:"size_bytes"`
	Type         string    `json:"type"`
	Status       Status    `json:"status"`
	Attempts     int       `json:"attempts"` // Attempt number of the latest started attempt (0 = never started)
	RegisteredAt time.Time `json:"registered_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FileInput carries the attributes submitted when registering a file.
type FileInput struct {
	Path      string
	Name      string
	SizeBytes int64
	Type      string
}

// FileFilter narrows List results. Zero values mean "no restriction".
type FileFilter struct {
	Status     *Status
	PathPrefix string
	Limit      int
	Offset     int
}

// ExtractedOutput points at the persisted text of a completed file.
type ExtractedOutput struct {
	FileID         string    `json:"file_id"`
	ContentPointer string    `json:"content_pointer"`
	ContentLength  int       `json:"content_length"`
	ProducedAt     time.Time `json:"produced_at"`
}
