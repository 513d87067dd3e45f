package db

// SchemaSQL defines the checkpoint tables.
// file holds current state, attempt_log the append-only history,
// text_output one output pointer per file (record id mirrors the file id).
const SchemaSQL = `
    -- ==========================================================================
    -- FILE TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS file SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS path ON file TYPE string;
    DEFINE FIELD IF NOT EXISTS name ON file TYPE string;
    DEFINE FIELD IF NOT EXISTS size_bytes ON file TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS type ON file TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS status ON file TYPE string
        ASSERT $value IN ["pending", "processing", "completed", "failed"];
    DEFINE FIELD IF NOT EXISTS attempts ON file TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS registered_at ON file TYPE datetime DEFAULT time::now();
    DEFINE FIELD IF NOT EXISTS updated_at ON file TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS file_path ON file FIELDS path UNIQUE;
    DEFINE INDEX IF NOT EXISTS file_status ON file FIELDS status, registered_at;

    -- ==========================================================================
    -- ATTEMPT LOG TABLE (append-only)
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS attempt_log SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS file ON attempt_log TYPE record<file>;
    DEFINE FIELD IF NOT EXISTS attempt_number ON attempt_log TYPE int;
    DEFINE FIELD IF NOT EXISTS outcome ON attempt_log TYPE string;
    DEFINE FIELD IF NOT EXISTS processing_time_ms ON attempt_log TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS output_length ON attempt_log TYPE int DEFAULT 0;
    -- Empty string means no error
    DEFINE FIELD IF NOT EXISTS error_detail ON attempt_log TYPE string DEFAULT "";
    DEFINE FIELD IF NOT EXISTS engine_metadata ON attempt_log TYPE object FLEXIBLE DEFAULT {};
    DEFINE FIELD IF NOT EXISTS created_at ON attempt_log TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS attempt_log_file ON attempt_log FIELDS file;
    DEFINE INDEX IF NOT EXISTS attempt_log_outcome ON attempt_log FIELDS outcome;
    DEFINE INDEX IF NOT EXISTS attempt_log_created ON attempt_log FIELDS created_at;

    -- ==========================================================================
    -- TEXT OUTPUT TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS text_output SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS file ON text_output TYPE record<file>;
    DEFINE FIELD IF NOT EXISTS content_pointer ON text_output TYPE string;
    DEFINE FIELD IF NOT EXISTS content_length ON text_output TYPE int;
    DEFINE FIELD IF NOT EXISTS produced_at ON text_output TYPE datetime DEFAULT time::now();
`
