package store

// Schema versioning follows the probe contract: versions in
// [minWritableSchema, maxWritableSchema] open read-write, versions in
// (maxWritableSchema, maxSupportedSchema] open read-only, and anything
// above maxSupportedSchema is refused outright. Down-migrations are
// forbidden; migrations only ever add tables/columns.
const (
	minWritableSchema  = 1
	maxWritableSchema  = 1
	maxSupportedSchema = 2
)

// migrations holds one entry per schema version, applied in order starting
// from the version currently recorded in schema_meta. It defines version 1
// only: a database at version 2 opens read-only through the
// readable_forward path, and this binary never writes version 2.
var migrations = []string{
	// version 1
	`
	CREATE TABLE IF NOT EXISTS schema_meta (
		version INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS runs (
		id              TEXT PRIMARY KEY,
		repo            TEXT NOT NULL,
		issue           TEXT NOT NULL,
		task_ref        TEXT NOT NULL,
		attempt_kind    TEXT NOT NULL,
		started_at      TEXT NOT NULL,
		completed_at    TEXT,
		outcome         TEXT NOT NULL,
		completion_kind TEXT,
		pr_url          TEXT,
		token_input     INTEGER,
		token_output    INTEGER,
		token_reasoning INTEGER,
		is_latest       INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_runs_repo_issue_latest ON runs(repo, issue, is_latest);

	CREATE TABLE IF NOT EXISTS gate_results (
		run_id        TEXT NOT NULL,
		gate          TEXT NOT NULL,
		status        TEXT NOT NULL,
		command       TEXT,
		skip_reason   TEXT,
		reason        TEXT,
		url           TEXT,
		pr_number     INTEGER,
		classifier_json TEXT,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (run_id, gate)
	);

	CREATE TABLE IF NOT EXISTS gate_artifacts (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id          TEXT NOT NULL,
		gate            TEXT NOT NULL,
		kind            TEXT NOT NULL,
		content         TEXT NOT NULL,
		truncated       INTEGER NOT NULL DEFAULT 0,
		truncation_mode TEXT,
		original_chars  INTEGER NOT NULL,
		original_lines  INTEGER NOT NULL,
		policy_version  INTEGER NOT NULL,
		created_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gate_artifacts_run_gate ON gate_artifacts(run_id, gate);

	CREATE TABLE IF NOT EXISTS idempotency_keys (
		key     TEXT NOT NULL,
		scope   TEXT NOT NULL,
		payload TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (scope, key)
	);

	CREATE TABLE IF NOT EXISTS alert_deliveries (
		alert_id      TEXT NOT NULL,
		channel       TEXT NOT NULL,
		marker_id     TEXT NOT NULL,
		target_type   TEXT,
		target_number INTEGER,
		status        TEXT NOT NULL,
		attempts      INTEGER NOT NULL DEFAULT 0,
		last_error    TEXT,
		comment_id    TEXT,
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (channel, marker_id)
	);

	CREATE TABLE IF NOT EXISTS loop_triage_attempts (
		repo         TEXT NOT NULL,
		issue_number INTEGER NOT NULL,
		signature    TEXT NOT NULL,
		attempts     INTEGER NOT NULL DEFAULT 0,
		updated_at   TEXT NOT NULL,
		PRIMARY KEY (repo, issue_number, signature)
	);
	`,
}
