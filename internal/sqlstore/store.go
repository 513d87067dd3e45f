// Package sqlstore implements the checkpoint store on database/sql, backed by
// SQLite for single-host runs or PostgreSQL for dispatchers spread over hosts.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/raphaelgruber/ocrbatch/internal/checkpoint"
	"github.com/raphaelgruber/ocrbatch/internal/models"
	_ "modernc.org/sqlite"
)

// Config holds SQL connection configuration.
type Config struct {
	Driver string // "sqlite" or "postgres"
	DSN    string // file path for sqlite, connection URL for postgres
}

// Store is a checkpoint.Store on a SQL database.
type Store struct {
	db     *sql.DB
	d      dialect
	logger *slog.Logger

	clockMu sync.Mutex
	last    int64
}

var _ checkpoint.Store = (*Store)(nil)

// Open connects, applies the schema and returns a ready store.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d, err := dialectFor(cfg.Driver)
	if err != nil {
		return nil, err
	}

	dsn := cfg.DSN
	if d.name == DriverSQLite {
		dsn = sqliteDSN(dsn)
	}

	logger.Info("opening checkpoint database", "driver", d.name)
	db, err := sql.Open(d.sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", d.name, err)
	}
	if d.name == DriverSQLite {
		// One writer at a time; transactions serialize on the single connection.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", d.name, err)
	}

	s := &Store{db: db, d: d, logger: logger}
	if err := s.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN appends the pragmas the store relies on to a file path.
func sqliteDSN(path string) string {
	if path == "" {
		path = "ocr_progress.db"
	}
	if strings.Contains(path, "_pragma=") {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + "_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
}

// InitSchema creates tables and indexes when missing.
func (s *Store) InitSchema(ctx context.Context) error {
	s.logger.Info("initializing checkpoint schema")
	for _, stmt := range schemaStatements(s.d) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	s.logger.Info("schema initialization complete")
	return nil
}

// DB returns the underlying handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close(context.Context) error {
	s.logger.Info("closing checkpoint database")
	return s.db.Close()
}

// q rebinds placeholders for the active dialect.
func (s *Store) q(query string) string {
	return s.d.rebind(query)
}

// stamp returns a unix-microsecond timestamp strictly greater than the last
// one issued by this store.
func (s *Store) stamp() int64 {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	now := time.Now().UnixMicro()
	if now <= s.last {
		now = s.last + 1
	}
	s.last = now
	return now
}

func fromMicros(us int64) time.Time {
	return time.UnixMicro(us).UTC()
}

func (s *Store) Register(ctx context.Context, in models.FileInput) (string, bool, error) {
	if in.Path == "" {
		return "", false, fmt.Errorf("register: empty path")
	}

	id := uuid.NewString()
	now := s.stamp()
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO files (id, path, name, size_bytes, type, status, attempts, registered_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT (path) DO NOTHING
	`), id, in.Path, in.Name, in.SizeBytes, in.Type, string(models.StatusPending), now, now)
	if err != nil {
		return "", false, fmt.Errorf("register %s: %w", in.Path, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return "", false, fmt.Errorf("register %s: %w", in.Path, err)
	}
	if n == 1 {
		return id, true, nil
	}

	var existing string
	err = s.db.QueryRowContext(ctx, s.q(`SELECT id FROM files WHERE path = ?`), in.Path).Scan(&existing)
	if err != nil {
		return "", false, fmt.Errorf("register %s: lookup existing: %w", in.Path, err)
	}
	return existing, false, nil
}

const fileColumns = `id, path, name, size_bytes, type, status, attempts, registered_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(r rowScanner) (models.FileRecord, error) {
	var (
		rec        models.FileRecord
		status     string
		registered int64
		updated    int64
	)
	err := r.Scan(&rec.ID, &rec.Path, &rec.Name, &rec.SizeBytes, &rec.Type, &status, &rec.Attempts, &registered, &updated)
	if err != nil {
		return rec, err
	}
	rec.Status = models.Status(status)
	rec.RegisteredAt = fromMicros(registered)
	rec.UpdatedAt = fromMicros(updated)
	return rec, nil
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...any) ([]models.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	recs := make([]models.FileRecord, 0)
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) ClaimPending(ctx context.Context, limit int) ([]models.FileRecord, error) {
	if limit <= 0 {
		return []models.FileRecord{}, nil
	}
	recs, err := s.queryFiles(ctx, `
		SELECT `+fileColumns+` FROM files
		WHERE status = ?
		ORDER BY registered_at, id
		LIMIT ?
	`, string(models.StatusPending), limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	return recs, nil
}

// withTx runs fn in a transaction, committing on success.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// transitionError explains why a conditional update matched no row.
func (s *Store) transitionError(ctx context.Context, tx *sql.Tx, op, id string) error {
	var (
		status   string
		attempts int
	)
	err := tx.QueryRowContext(ctx, s.q(`SELECT status, attempts FROM files WHERE id = ?`), id).Scan(&status, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", op, id, checkpoint.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s %s: %w", op, id, err)
	}
	return fmt.Errorf("%s %s: status %s attempt %d: %w", op, id, status, attempts, checkpoint.ErrInvalidTransition)
}

func (s *Store) insertLog(ctx context.Context, tx *sql.Tx, e models.AttemptLogEntry, at int64) error {
	var meta sql.NullString
	if len(e.EngineMetadata) > 0 {
		b, err := json.Marshal(e.EngineMetadata)
		if err != nil {
			return fmt.Errorf("marshal engine metadata: %w", err)
		}
		meta = sql.NullString{String: string(b), Valid: true}
	}
	var detail sql.NullString
	if e.ErrorDetail != nil {
		detail = sql.NullString{String: *e.ErrorDetail, Valid: true}
	}

	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO processing_log
			(file_id, attempt_number, outcome, processing_time_ms, output_length, error_detail, engine_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), e.FileID, e.AttemptNumber, string(e.Outcome), e.ProcessingTimeMs, e.OutputLength, detail, meta, at)
	if err != nil {
		return fmt.Errorf("append attempt log: %w", err)
	}
	return nil
}

func (s *Store) MarkProcessing(ctx context.Context, id string, attempt int) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.stamp()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE files SET status = ?, attempts = ?, updated_at = ?
			WHERE id = ? AND status = ? AND attempts = ?
		`), string(models.StatusProcessing), attempt, now, id, string(models.StatusPending), attempt-1)
		if err != nil {
			return fmt.Errorf("mark processing %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return s.transitionError(ctx, tx, "mark processing", id)
		}
		return s.insertLog(ctx, tx, models.AttemptLogEntry{
			FileID:        id,
			AttemptNumber: attempt,
			Outcome:       models.StatusProcessing,
		}, now)
	})
}

func (s *Store) RecordOutcome(ctx context.Context, out models.OutcomeInput) error {
	if err := checkpoint.ValidateOutcome(out); err != nil {
		return fmt.Errorf("record outcome %s: %w", out.FileID, err)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.stamp()
		res, err := tx.ExecContext(ctx, s.q(`
			UPDATE files SET status = ?, updated_at = ?
			WHERE id = ? AND status = ? AND attempts = ?
		`), string(out.Outcome), now, out.FileID, string(models.StatusProcessing), out.AttemptNumber)
		if err != nil {
			return fmt.Errorf("record outcome %s: %w", out.FileID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return s.transitionError(ctx, tx, "record outcome", out.FileID)
		}

		err = s.insertLog(ctx, tx, models.AttemptLogEntry{
			FileID:           out.FileID,
			AttemptNumber:    out.AttemptNumber,
			Outcome:          out.Outcome,
			ProcessingTimeMs: out.ProcessingTimeMs,
			OutputLength:     out.OutputLength,
			ErrorDetail:      out.ErrorDetail,
			EngineMetadata:   out.EngineMetadata,
		}, now)
		if err != nil {
			return err
		}

		if out.Outcome != models.StatusCompleted {
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`
			INSERT INTO text_output (file_id, content_pointer, content_length, produced_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (file_id) DO UPDATE SET
				content_pointer = excluded.content_pointer,
				content_length = excluded.content_length,
				produced_at = excluded.produced_at
		`), out.FileID, out.ContentPointer, out.OutputLength, now)
		if err != nil {
			return fmt.Errorf("upsert output %s: %w", out.FileID, err)
		}
		return nil
	})
}

func (s *Store) Sweep(ctx context.Context, maxAttempts int) (int, error) {
	reset := 0
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		type candidate struct {
			id       string
			attempts int
		}
		rows, err := tx.QueryContext(ctx, s.q(`
			SELECT id, attempts FROM files WHERE status = ? AND attempts < ?
		`), string(models.StatusFailed), maxAttempts)
		if err != nil {
			return fmt.Errorf("sweep: %w", err)
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.attempts); err != nil {
				rows.Close()
				return fmt.Errorf("sweep: %w", err)
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("sweep: %w", err)
		}

		for _, c := range candidates {
			now := s.stamp()
			res, err := tx.ExecContext(ctx, s.q(`
				UPDATE files SET status = ?, updated_at = ? WHERE id = ? AND status = ?
			`), string(models.StatusPending), now, c.id, string(models.StatusFailed))
			if err != nil {
				return fmt.Errorf("sweep %s: %w", c.id, err)
			}
			if n, _ := res.RowsAffected(); n != 1 {
				continue
			}
			err = s.insertLog(ctx, tx, models.AttemptLogEntry{
				FileID:         c.id,
				AttemptNumber:  c.attempts,
				Outcome:        models.StatusPending,
				ErrorDetail:    models.StringPtr(checkpoint.SweepDetail),
				EngineMetadata: map[string]string{"action": "sweep"},
			}, now)
			if err != nil {
				return err
			}
			reset++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return reset, nil
}

func (s *Store) Statistics(ctx context.Context) (models.AggregateStats, error) {
	var stats models.AggregateStats

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM files GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("statistics: %w", err)
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			rows.Close()
			return stats, fmt.Errorf("statistics: %w", err)
		}
		stats.Total += count
		switch models.Status(status) {
		case models.StatusPending:
			stats.Pending = count
		case models.StatusProcessing:
			stats.Processing = count
		case models.StatusCompleted:
			stats.Completed = count
		case models.StatusFailed:
			stats.Failed = count
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("statistics: %w", err)
	}

	err = s.db.QueryRowContext(ctx, s.q(`
		SELECT COUNT(*),
			COALESCE(AVG(CAST(processing_time_ms AS DOUBLE PRECISION)), 0),
			COALESCE(MIN(processing_time_ms), 0),
			COALESCE(MAX(processing_time_ms), 0)
		FROM processing_log WHERE outcome = ?
	`), string(models.StatusCompleted)).Scan(
		&stats.CompletedAttempts, &stats.MeanProcessingMs, &stats.MinProcessingMs, &stats.MaxProcessingMs)
	if err != nil {
		return stats, fmt.Errorf("statistics timing: %w", err)
	}

	err = s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM processing_log WHERE outcome = ?`),
		string(models.StatusFailed)).Scan(&stats.FailedAttempts)
	if err != nil {
		return stats, fmt.Errorf("statistics failures: %w", err)
	}
	return stats, nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	rec, err := scanFile(s.db.QueryRowContext(ctx, s.q(`SELECT `+fileColumns+` FROM files WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) GetByPath(ctx context.Context, path string) (*models.FileRecord, error) {
	rec, err := scanFile(s.db.QueryRowContext(ctx, s.q(`SELECT `+fileColumns+` FROM files WHERE path = ?`), path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file by path: %w", err)
	}
	return &rec, nil
}

func (s *Store) List(ctx context.Context, filter models.FileFilter) ([]models.FileRecord, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.PathPrefix != "" {
		where = append(where, `path LIKE ? ESCAPE '\'`)
		args = append(args, escapeLike(filter.PathPrefix)+"%")
	}

	query := `SELECT ` + fileColumns + ` FROM files`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY registered_at, id"
	switch {
	case filter.Limit > 0:
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	case filter.Offset > 0:
		query += " LIMIT " + s.d.noLimit
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	recs, err := s.queryFiles(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return recs, nil
}

func (s *Store) AttemptLog(ctx context.Context, id string) ([]models.AttemptLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT seq, file_id, attempt_number, outcome, processing_time_ms, output_length,
			error_detail, engine_metadata, created_at
		FROM processing_log WHERE file_id = ? ORDER BY seq
	`), id)
	if err != nil {
		return nil, fmt.Errorf("attempt log %s: %w", id, err)
	}
	defer rows.Close()

	entries := make([]models.AttemptLogEntry, 0)
	for rows.Next() {
		var (
			e       models.AttemptLogEntry
			outcome string
			detail  sql.NullString
			meta    sql.NullString
			created int64
		)
		if err := rows.Scan(&e.Seq, &e.FileID, &e.AttemptNumber, &outcome, &e.ProcessingTimeMs,
			&e.OutputLength, &detail, &meta, &created); err != nil {
			return nil, fmt.Errorf("attempt log %s: %w", id, err)
		}
		e.Outcome = models.Status(outcome)
		e.CreatedAt = fromMicros(created)
		if detail.Valid {
			e.ErrorDetail = &detail.String
		}
		if meta.Valid && meta.String != "" {
			if err := json.Unmarshal([]byte(meta.String), &e.EngineMetadata); err != nil {
				return nil, fmt.Errorf("decode engine metadata: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *Store) Output(ctx context.Context, id string) (*models.ExtractedOutput, error) {
	var (
		out      models.ExtractedOutput
		produced int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT file_id, content_pointer, content_length, produced_at FROM text_output WHERE file_id = ?
	`), id).Scan(&out.FileID, &out.ContentPointer, &out.ContentLength, &produced)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get output %s: %w", id, err)
	}
	out.ProducedAt = fromMicros(produced)
	return &out, nil
}

func (s *Store) RecentActivity(ctx context.Context, limit int) ([]models.Activity, error) {
	if limit <= 0 {
		return []models.Activity{}, nil
	}
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT l.file_id, f.path, l.attempt_number, l.outcome, l.processing_time_ms, l.error_detail, l.created_at
		FROM processing_log l JOIN files f ON f.id = l.file_id
		ORDER BY l.seq DESC
		LIMIT ?
	`), limit)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	activity := make([]models.Activity, 0, limit)
	for rows.Next() {
		var (
			a       models.Activity
			outcome string
			detail  sql.NullString
			at      int64
		)
		if err := rows.Scan(&a.FileID, &a.Path, &a.AttemptNumber, &outcome, &a.ProcessingTimeMs, &detail, &at); err != nil {
			return nil, fmt.Errorf("recent activity: %w", err)
		}
		a.Outcome = models.Status(outcome)
		a.At = fromMicros(at)
		if detail.Valid {
			a.ErrorDetail = &detail.String
		}
		activity = append(activity, a)
	}
	return activity, rows.Err()
}

func (s *Store) Reset(ctx context.Context) error {
	s.logger.Warn("clearing all checkpoint records")
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, table := range []string{"text_output", "processing_log", "files"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return fmt.Errorf("delete %s: %w", table, err)
			}
		}
		return nil
	})
}
