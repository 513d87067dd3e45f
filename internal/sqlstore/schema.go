package sqlstore

import "fmt"

// schemaStatements returns the DDL for the checkpoint tables.
// files holds current state, processing_log the append-only attempt history,
// text_output at most one output pointer per file.
func schemaStatements(d dialect) []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS files (
			id            TEXT PRIMARY KEY,
			path          TEXT NOT NULL UNIQUE,
			name          TEXT NOT NULL,
			size_bytes    BIGINT NOT NULL DEFAULT 0,
			type          TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL CHECK (status IN ('pending','processing','completed','failed')),
			attempts      INTEGER NOT NULL DEFAULT 0,
			registered_at BIGINT NOT NULL,
			updated_at    BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_files_status ON files (status, registered_at)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS processing_log (
			seq                %s,
			file_id            TEXT NOT NULL REFERENCES files (id) ON DELETE CASCADE,
			attempt_number     INTEGER NOT NULL,
			outcome            TEXT NOT NULL,
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			output_length      INTEGER NOT NULL DEFAULT 0,
			error_detail       TEXT,
			engine_metadata    TEXT,
			created_at         BIGINT NOT NULL
		)`, d.serialPK),
		`CREATE INDEX IF NOT EXISTS idx_processing_log_file ON processing_log (file_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_processing_log_outcome ON processing_log (outcome)`,
		`CREATE TABLE IF NOT EXISTS text_output (
			file_id         TEXT PRIMARY KEY REFERENCES files (id) ON DELETE CASCADE,
			content_pointer TEXT NOT NULL,
			content_length  INTEGER NOT NULL,
			produced_at     BIGINT NOT NULL
		)`,
	}
}
