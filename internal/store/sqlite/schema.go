package sqlite

// schemaSQL is applied on every Open. Statements are idempotent so an
// existing database is left untouched.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS conversion_jobs (
	id                  TEXT PRIMARY KEY,
	batch_id            TEXT,
	video_url           TEXT NOT NULL,
	video_hash          TEXT,
	new_video_url       TEXT,
	mp3_url             TEXT,
	keyframes           TEXT,
	audio_analysis      TEXT,
	duration_seconds    REAL NOT NULL DEFAULT 0,
	file_size_bytes     INTEGER NOT NULL DEFAULT 0,
	content_type        TEXT,
	status              TEXT NOT NULL,
	progress            INTEGER NOT NULL DEFAULT 0,
	error_message       TEXT,
	processing_attempts INTEGER NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	last_attempt_at     INTEGER,
	completed_at        INTEGER
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON conversion_jobs (status);
CREATE INDEX IF NOT EXISTS idx_jobs_batch_id ON conversion_jobs (batch_id);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON conversion_jobs (created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status_last_attempt ON conversion_jobs (status, last_attempt_at);

CREATE TABLE IF NOT EXISTS batch_jobs (
	id           TEXT PRIMARY KEY,
	created_at   INTEGER NOT NULL,
	completed_at INTEGER
);

CREATE TABLE IF NOT EXISTS media_items (
	id               TEXT PRIMARY KEY,
	video_hash       TEXT NOT NULL UNIQUE,
	video_url        TEXT,
	audio_url        TEXT,
	keyframes        TEXT,
	keyframe_urls    TEXT,
	audio_analysis   TEXT,
	duration_seconds REAL NOT NULL DEFAULT 0,
	file_size_bytes  INTEGER NOT NULL DEFAULT 0,
	content_type     TEXT,
	archived         INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	last_accessed_at INTEGER
);

CREATE TABLE IF NOT EXISTS conversion_logs (
	id                 TEXT PRIMARY KEY,
	job_id             TEXT,
	batch_id           TEXT,
	event_type         INTEGER NOT NULL,
	job_status         TEXT,
	timestamp          INTEGER NOT NULL,
	message            TEXT,
	details            TEXT,
	error_message      TEXT,
	error_stack_trace  TEXT,
	video_url          TEXT,
	mp3_url            TEXT,
	file_size_bytes    INTEGER NOT NULL DEFAULT 0,
	duration_seconds   REAL NOT NULL DEFAULT 0,
	processing_rate    REAL NOT NULL DEFAULT 0,
	step               INTEGER NOT NULL DEFAULT 0,
	total_steps        INTEGER NOT NULL DEFAULT 0,
	attempt_number     INTEGER NOT NULL DEFAULT 0,
	queue_time_ms      INTEGER NOT NULL DEFAULT 0,
	wait_reason        TEXT
);

CREATE INDEX IF NOT EXISTS idx_logs_job_id_timestamp ON conversion_logs (job_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_batch_id ON conversion_logs (batch_id);
CREATE INDEX IF NOT EXISTS idx_logs_timestamp ON conversion_logs (timestamp);
CREATE INDEX IF NOT EXISTS idx_logs_event_type_timestamp ON conversion_logs (event_type, timestamp);
`
