package db

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/raphaelgruber/ocrbatch/internal/models"
	"github.com/surrealdb/surrealdb.go"
)

var _ checkpoint.Store = (*Store)(nil)

// outcomeRetries bounds how often RecordOutcome is retried on transaction conflicts.
const outcomeRetries = 3

const fileFields = `id, path, name, size_bytes, type, status, attempts, registered_at, updated_at`

// Register creates the file record unless its path is already known.
func (s *Store) Register(ctx context.Context, in models.FileInput) (string, bool, error) {
	if in.Path == "" {
		return "", false, fmt.Errorf("register: empty path")
	}

	existing, err := s.GetByPath(ctx, in.Path)
	if err != nil {
		return "", false, err
	}
	if existing != nil {
		return existing.ID, false, nil
	}

	id := uuid.NewString()
	_, err = surrealdb.Query[any](ctx, s.db, `
		CREATE type::record("file", $id) CONTENT {
			path: $path,
			name: $name,
			size_bytes: $size_bytes,
			type: $type,
			status: "pending",
			attempts: 0,
			registered_at: time::now(),
			updated_at: time::now()
		}
	`, map[string]any{
		"id":         id,
		"path":       in.Path,
		"name":       in.Name,
		"size_bytes": in.SizeBytes,
		"type":       in.Type,
	})
	if err := wrapQueryError(err); err != nil {
		if errors.Is(err, errDuplicatePath) {
			// Lost a race against another dispatcher registering the same path
			existing, getErr := s.GetByPath(ctx, in.Path)
			if getErr != nil {
				return "", false, getErr
			}
			if existing != nil {
				return existing.ID, false, nil
			}
		}
		return "", false, fmt.Errorf("register %s: %w", in.Path, err)
	}
	return id, true, nil
}

func (s *Store) ClaimPending(ctx context.Context, limit int) ([]models.FileRecord, error) {
	if limit <= 0 {
		return []models.FileRecord{}, nil
	}
	sql := fmt.Sprintf(`
		SELECT %s FROM file
		WHERE status = "pending"
		ORDER BY registered_at ASC, id ASC
		LIMIT $limit
	`, fileFields)
	return s.queryFiles(ctx, sql, map[string]any{"limit": limit})
}

// MarkProcessing checks and applies the transition inside one transaction.
// A conflict with a concurrent writer means another dispatcher claimed the file.
func (s *Store) MarkProcessing(ctx context.Context, id string, attempt int) error {
	_, err := surrealdb.Query[any](ctx, s.db, `
		BEGIN TRANSACTION;
		LET $rec = type::record("file", $id);
		LET $cur = (SELECT status, attempts FROM $rec)[0];
		IF !$cur {
			THROW "file not found"
		};
		IF $cur.status != "pending" OR $cur.attempts + 1 != $attempt {
			THROW "invalid transition"
		};
		UPDATE $rec SET status = "processing", attempts = $attempt, updated_at = time::now();
		CREATE attempt_log CONTENT {
			file: $rec,
			attempt_number: $attempt,
			outcome: "processing",
			created_at: time::now()
		};
		COMMIT TRANSACTION;
	`, map[string]any{"id": id, "attempt": attempt})

	err = wrapQueryError(err)
	if errors.Is(err, ErrTransactionConflict) {
		err = fmt.Errorf("%w: %w", checkpoint.ErrInvalidTransition, err)
	}
	if err != nil {
		return fmt.Errorf("mark processing %s: %w", id, err)
	}
	return nil
}

func (s *Store) RecordOutcome(ctx context.Context, out models.OutcomeInput) error {
	if err := checkpoint.ValidateOutcome(out); err != nil {
		return fmt.Errorf("record outcome %s: %w", out.FileID, err)
	}

	metadata := out.EngineMetadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	detail := ""
	if out.ErrorDetail != nil {
		detail = *out.ErrorDetail
	}
	vars := map[string]any{
		"id":       out.FileID,
		"attempt":  out.AttemptNumber,
		"outcome":  string(out.Outcome),
		"time_ms":  out.ProcessingTimeMs,
		"length":   out.OutputLength,
		"detail":   detail,
		"metadata": metadata,
		"pointer":  out.ContentPointer,
	}

	var err error
	for range outcomeRetries {
		_, err = surrealdb.Query[any](ctx, s.db, `
			BEGIN TRANSACTION;
			LET $rec = type::record("file", $id);
			LET $cur = (SELECT status, attempts FROM $rec)[0];
			IF !$cur {
				THROW "file not found"
			};
			IF $cur.status != "processing" OR $cur.attempts != $attempt {
				THROW "invalid transition"
			};
			UPDATE $rec SET status = $outcome, updated_at = time::now();
			CREATE attempt_log CONTENT {
				file: $rec,
				attempt_number: $attempt,
				outcome: $outcome,
				processing_time_ms: $time_ms,
				output_length: $length,
				error_detail: $detail,
				engine_metadata: $metadata,
				created_at: time::now()
			};
			IF $outcome = "completed" {
				UPSERT type::record("text_output", $id) CONTENT {
					file: $rec,
					content_pointer: $pointer,
					content_length: $length,
					produced_at: time::now()
				};
			};
			COMMIT TRANSACTION;
		`, vars)
		err = wrapQueryError(err)
		if !errors.Is(err, ErrTransactionConflict) {
			break
		}
		s.logger.Warn("retrying outcome after transaction conflict", "file_id", out.FileID)
	}
	if err != nil {
		return fmt.Errorf("record outcome %s: %w", out.FileID, err)
	}
	return nil
}

func (s *Store) Sweep(ctx context.Context, maxAttempts int) (int, error) {
	results, err := surrealdb.Query[any](ctx, s.db, `
		BEGIN TRANSACTION;
		LET $reset = (
			UPDATE file SET status = "pending", updated_at = time::now()
			WHERE status = "failed" AND attempts < $max
			RETURN AFTER
		);
		FOR $f IN $reset {
			CREATE attempt_log CONTENT {
				file: $f.id,
				attempt_number: $f.attempts,
				outcome: "pending",
				error_detail: $detail,
				engine_metadata: { action: "sweep" },
				created_at: time::now()
			};
		};
		RETURN array::len($reset);
		COMMIT TRANSACTION;
	`, map[string]any{"max": maxAttempts, "detail": checkpoint.SweepDetail})
	if err := wrapQueryError(err); err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	if results == nil {
		return 0, nil
	}
	// Only the RETURN statement yields a number
	for _, r := range *results {
		if n, ok := toInt64(r.Result); ok {
			return int(n), nil
		}
	}
	return 0, nil
}

type statusCount struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

type timingRow struct {
	Count int     `json:"count"`
	Mean  float64 `json:"mean"`
	Min   int64   `json:"min"`
	Max   int64   `json:"max"`
}

func (s *Store) Statistics(ctx context.Context) (models.AggregateStats, error) {
	var stats models.AggregateStats

	counts, err := surrealdb.Query[[]statusCount](ctx, s.db,
		`SELECT status, count() AS count FROM file GROUP BY status`, nil)
	if err != nil {
		return stats, fmt.Errorf("count statuses: %w", wrapQueryError(err))
	}
	if counts != nil && len(*counts) > 0 {
		for _, c := range (*counts)[0].Result {
			stats.Total += c.Count
			switch models.Status(c.Status) {
			case models.StatusPending:
				stats.Pending = c.Count
			case models.StatusProcessing:
				stats.Processing = c.Count
			case models.StatusCompleted:
				stats.Completed = c.Count
			case models.StatusFailed:
				stats.Failed = c.Count
			}
		}
	}

	timing, err := surrealdb.Query[[]timingRow](ctx, s.db, `
		SELECT
			count() AS count,
			<float> math::mean(processing_time_ms) AS mean,
			<int> math::min(processing_time_ms) AS min,
			<int> math::max(processing_time_ms) AS max
		FROM attempt_log
		WHERE outcome = "completed"
		GROUP ALL
	`, nil)
	if err != nil {
		return stats, fmt.Errorf("timing: %w", wrapQueryError(err))
	}
	if timing != nil && len(*timing) > 0 && len((*timing)[0].Result) > 0 {
		row := (*timing)[0].Result[0]
		stats.CompletedAttempts = row.Count
		if row.Count > 0 {
			stats.MeanProcessingMs = row.Mean
			stats.MinProcessingMs = row.Min
			stats.MaxProcessingMs = row.Max
		}
	}

	failed, err := surrealdb.Query[[]struct {
		Count int `json:"count"`
	}](ctx, s.db, `SELECT count() AS count FROM attempt_log WHERE outcome = "failed" GROUP ALL`, nil)
	if err != nil {
		return stats, fmt.Errorf("failed attempts: %w", wrapQueryError(err))
	}
	if failed != nil && len(*failed) > 0 && len((*failed)[0].Result) > 0 {
		stats.FailedAttempts = (*failed)[0].Result[0].Count
	}
	return stats, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	recs, err := s.queryFiles(ctx,
		fmt.Sprintf(`SELECT %s FROM type::record("file", $id)`, fileFields),
		map[string]any{"id": id})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *Store) GetByPath(ctx context.Context, path string) (*models.FileRecord, error) {
	recs, err := s.queryFiles(ctx,
		fmt.Sprintf(`SELECT %s FROM file WHERE path = $path LIMIT 1`, fileFields),
		map[string]any{"path": path})
	if err != nil || len(recs) == 0 {
		return nil, err
	}
	return &recs[0], nil
}

func (s *Store) List(ctx context.Context, filter models.FileFilter) ([]models.FileRecord, error) {
	var conditions []string
	vars := map[string]any{}

	if filter.Status != nil {
		conditions = append(conditions, "status = $status")
		vars["status"] = string(*filter.Status)
	}
	if filter.PathPrefix != "" {
		conditions = append(conditions, "string::starts_with(path, $prefix)")
		vars["prefix"] = filter.PathPrefix
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	limitClause := ""
	if filter.Limit > 0 {
		limitClause = "LIMIT $limit"
		vars["limit"] = filter.Limit
	}
	startClause := ""
	if filter.Offset > 0 {
		startClause = "START $start"
		vars["start"] = filter.Offset
	}

	sql := fmt.Sprintf(`SELECT %s FROM file %s ORDER BY registered_at ASC, id ASC %s %s`,
		fileFields, whereClause, limitClause, startClause)
	return s.queryFiles(ctx, sql, vars)
}

func (s *Store) AttemptLog(ctx context.Context, id string) ([]models.AttemptLogEntry, error) {
	results, err := surrealdb.Query[[]attemptRow](ctx, s.db, `
		SELECT * FROM attempt_log
		WHERE file = type::record("file", $id)
		ORDER BY created_at ASC
	`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("attempt log %s: %w", id, wrapQueryError(err))
	}

	entries := make([]models.AttemptLogEntry, 0)
	if results == nil || len(*results) == 0 {
		return entries, nil
	}
	for i, row := range (*results)[0].Result {
		e, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		// Sequence is positional within one file's log
		e.Seq = int64(i + 1)
		entries = append(entries, e)
	}
	return entries, nil
}

func (s *Store) Output(ctx context.Context, id string) (*models.ExtractedOutput, error) {
	results, err := surrealdb.Query[[]outputRow](ctx, s.db,
		`SELECT * FROM type::record("text_output", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("output %s: %w", id, wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, nil
	}
	out, err := (*results)[0].Result[0].toOutput()
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *Store) RecentActivity(ctx context.Context, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		return []models.Activity{}, nil
	}
	results, err := surrealdb.Query[[]activityRow](ctx, s.db, `
		SELECT
			file AS file_id,
			file.path AS path,
			attempt_number,
			outcome,
			processing_time_ms,
			error_detail,
			created_at
		FROM attempt_log
		ORDER BY created_at DESC
		LIMIT $limit
	`, map[string]any{"limit": limit})
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", wrapQueryError(err))
	}

	activity := make([]models.Activity, 0, limit)
	if results == nil || len(*results) == 0 {
		return activity, nil
	}
	for _, row := range (*results)[0].Result {
		a, err := row.toActivity()
		if err != nil {
			return nil, err
		}
		activity = append(activity, a)
	}
	return activity, nil
}

func (s *Store) queryFiles(ctx context.Context, sql string, vars map[string]any) ([]models.FileRecord, error) {
	results, err := surrealdb.Query[[]fileRow](ctx, s.db, sql, vars)
	if err != nil {
		return nil, wrapQueryError(err)
	}
	recs := make([]models.FileRecord, 0)
	if results == nil || len(*results) == 0 {
		return recs, nil
	}
	for _, row := range (*results)[0].Result {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}
