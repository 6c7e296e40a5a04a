package dbqueue

// schema is applied in order at startup by Migrate. Each statement is
// idempotent (IF NOT EXISTS) so every process that calls Migrate converges
// on the same schema without a separate migration tool — the whole system
// is small enough that a teacher-style embedded-SQL runner is simpler than
// pulling in a full migration framework for a handful of tables.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS submission (
		commitfest_id INTEGER NOT NULL,
		submission_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL,
		authors TEXT NOT NULL DEFAULT '',
		last_email_time TIMESTAMPTZ,
		last_email_time_checked TIMESTAMPTZ,
		last_message_id TEXT,
		last_branch_message_id TEXT,
		last_branch_commit_id TEXT,
		last_branch_time TIMESTAMPTZ,
		backoff_until TIMESTAMPTZ,
		last_backoff_seconds BIGINT,
		PRIMARY KEY (commitfest_id, submission_id)
	)`,
	`CREATE TABLE IF NOT EXISTS branch (
		id BIGSERIAL PRIMARY KEY,
		submission_id INTEGER NOT NULL,
		commitfest_id INTEGER NOT NULL,
		commit_id TEXT,
		build_id TEXT,
		status TEXT NOT NULL,
		url TEXT,
		created TIMESTAMPTZ NOT NULL DEFAULT now(),
		modified TIMESTAMPTZ NOT NULL DEFAULT now(),
		version TEXT NOT NULL DEFAULT '',
		patch_count INTEGER NOT NULL DEFAULT 0,
		first_additions INTEGER NOT NULL DEFAULT 0,
		first_deletions INTEGER NOT NULL DEFAULT 0,
		all_additions INTEGER NOT NULL DEFAULT 0,
		all_deletions INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS branch_submission_commit_idx ON branch (submission_id, commit_id)`,
	`CREATE TABLE IF NOT EXISTS build (
		build_id TEXT PRIMARY KEY,
		branch_name TEXT NOT NULL,
		commit_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL DEFAULT now(),
		modified TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS build_branch_commit_idx ON build (branch_name, commit_id)`,
	`CREATE TABLE IF NOT EXISTS task (
		task_id TEXT PRIMARY KEY,
		build_id TEXT NOT NULL REFERENCES build(build_id),
		position INTEGER NOT NULL,
		task_name TEXT NOT NULL,
		commit_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created TIMESTAMPTZ NOT NULL DEFAULT now(),
		modified TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS task_build_idx ON task (build_id)`,
	`CREATE TABLE IF NOT EXISTS build_status_history (
		entity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		received TIMESTAMPTZ NOT NULL,
		source TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS build_status_history_entity_idx ON build_status_history (entity_id, received)`,
	`CREATE TABLE IF NOT EXISTS task_status_history (
		entity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		received TIMESTAMPTZ NOT NULL,
		source TEXT NOT NULL,
		recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS task_status_history_entity_idx ON task_status_history (entity_id, received)`,
	`CREATE TABLE IF NOT EXISTS artifact (
		task_id TEXT NOT NULL REFERENCES task(task_id),
		name TEXT NOT NULL,
		path TEXT NOT NULL,
		size BIGINT NOT NULL DEFAULT 0,
		body BYTEA,
		PRIMARY KEY (task_id, name, path)
	)`,
	`CREATE TABLE IF NOT EXISTS task_command (
		task_id TEXT NOT NULL REFERENCES task(task_id),
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		log BYTEA,
		PRIMARY KEY (task_id, name)
	)`,
	`CREATE TABLE IF NOT EXISTS test (
		task_id TEXT NOT NULL REFERENCES task(task_id),
		command TEXT NOT NULL,
		suite TEXT NOT NULL,
		name TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL,
		duration DOUBLE PRECISION NOT NULL DEFAULT 0,
		PRIMARY KEY (task_id, command, suite, name)
	)`,
	`CREATE TABLE IF NOT EXISTS highlight (
		task_id TEXT NOT NULL REFERENCES task(task_id),
		type TEXT NOT NULL,
		source TEXT NOT NULL,
		excerpt TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS highlight_task_type_idx ON highlight (task_id, type)`,
	`CREATE TABLE IF NOT EXISTS work_queue (
		id BIGSERIAL PRIMARY KEY,
		type TEXT NOT NULL,
		key TEXT,
		status TEXT NOT NULL DEFAULT 'NEW',
		retries INTEGER NOT NULL DEFAULT 0,
		lease TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS work_queue_claim_idx ON work_queue (status, lease)`,
	`CREATE INDEX IF NOT EXISTS work_queue_type_key_idx ON work_queue (type, key)`,
	`CREATE TABLE IF NOT EXISTS build_status_statistics (
		branch_name TEXT NOT NULL,
		status TEXT NOT NULL,
		avg_elapsed DOUBLE PRECISION NOT NULL,
		stddev_elapsed DOUBLE PRECISION NOT NULL,
		n INTEGER NOT NULL,
		PRIMARY KEY (branch_name, status)
	)`,
	`CREATE TABLE IF NOT EXISTS task_status_statistics (
		branch_name TEXT NOT NULL,
		task_name TEXT NOT NULL,
		status TEXT NOT NULL,
		avg_elapsed DOUBLE PRECISION NOT NULL,
		stddev_elapsed DOUBLE PRECISION NOT NULL,
		n INTEGER NOT NULL,
		PRIMARY KEY (branch_name, task_name, status)
	)`,
}

// Migrate applies every statement in schema, in order. Safe to call from
// every process at startup; CREATE ... IF NOT EXISTS makes concurrent
// callers harmless.
func (s *Store) Migrate() error {
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
