package db

import (
	"fmt"
	"math"
	"time"

	"github.com/raphaelgruber/ocrbatch/internal/models"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Row types mirror the stored documents; conversion unwraps record ids.

type fileRow struct {
	ID           surrealmodels.RecordID `json:"id"`
	Path         string                 `json:"path"`
	Name         string                 `json:"name"`
	SizeBytes    int64                  `json:"size_bytes"`
	Type         string                 `json:"type"`
	Status       string                 `json:"status"`
	Attempts     int                    `json:"attempts"`
	RegisteredAt time.Time              `json:"registered_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

func (r fileRow) toRecord() (models.FileRecord, error) {
	id, err := models.RecordIDString(r.ID)
	if err != nil {
		return models.FileRecord{}, fmt.Errorf("file %s: %w", r.Path, err)
	}
	return models.FileRecord{
		ID:           id,
		Path:         r.Path,
		Name:         r.Name,
		SizeBytes:    r.SizeBytes,
		Type:         r.Type,
		Status:       models.Status(r.Status),
		Attempts:     r.Attempts,
		RegisteredAt: r.RegisteredAt,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

type attemptRow struct {
	File             surrealmodels.RecordID `json:"file"`
	AttemptNumber    int                    `json:"attempt_number"`
	Outcome          string                 `json:"outcome"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
	OutputLength     int                    `json:"output_length"`
	ErrorDetail      string                 `json:"error_detail"`
	EngineMetadata   map[string]any         `json:"engine_metadata"`
	CreatedAt        time.Time              `json:"created_at"`
}

func (r attemptRow) toEntry() (models.AttemptLogEntry, error) {
	fileID, err := models.RecordIDString(r.File)
	if err != nil {
		return models.AttemptLogEntry{}, fmt.Errorf("attempt log: %w", err)
	}
	return models.AttemptLogEntry{
		FileID:           fileID,
		AttemptNumber:    r.AttemptNumber,
		Outcome:          models.Status(r.Outcome),
		ProcessingTimeMs: r.ProcessingTimeMs,
		OutputLength:     r.OutputLength,
		ErrorDetail:      models.StringPtr(r.ErrorDetail),
		EngineMetadata:   stringMap(r.EngineMetadata),
		CreatedAt:        r.CreatedAt,
	}, nil
}

type outputRow struct {
	File           surrealmodels.RecordID `json:"file"`
	ContentPointer string                 `json:"content_pointer"`
	ContentLength  int                    `json:"content_length"`
	ProducedAt     time.Time              `json:"produced_at"`
}

func (r outputRow) toOutput() (models.ExtractedOutput, error) {
	fileID, err := models.RecordIDString(r.File)
	if err != nil {
		return models.ExtractedOutput{}, fmt.Errorf("text output: %w", err)
	}
	return models.ExtractedOutput{
		FileID:         fileID,
		ContentPointer: r.ContentPointer,
		ContentLength:  r.ContentLength,
		ProducedAt:     r.ProducedAt,
	}, nil
}

type activityRow struct {
	FileID           surrealmodels.RecordID `json:"file_id"`
	Path             string                 `json:"path"`
	AttemptNumber    int                    `json:"attempt_number"`
	Outcome          string                 `json:"outcome"`
	ProcessingTimeMs int64                  `json:"processing_time_ms"`
	ErrorDetail      string                 `json:"error_detail"`
	CreatedAt        time.Time              `json:"created_at"`
}

func (r activityRow) toActivity() (models.Activity, error) {
	fileID, err := models.RecordIDString(r.FileID)
	if err != nil {
		return models.Activity{}, fmt.Errorf("activity: %w", err)
	}
	return models.Activity{
		FileID:           fileID,
		Path:             r.Path,
		AttemptNumber:    r.AttemptNumber,
		Outcome:          models.Status(r.Outcome),
		ProcessingTimeMs: r.ProcessingTimeMs,
		ErrorDetail:      models.StringPtr(r.ErrorDetail),
		At:               r.CreatedAt,
	}, nil
}

// stringMap flattens a FLEXIBLE object into string values.
func stringMap(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// toInt64 converts the numeric types the CBOR decoder produces.
func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int64:
		return n, true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
