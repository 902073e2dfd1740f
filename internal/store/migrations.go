package store

import (
	"context"
	"database/sql"
)

// schema contains the DDL for all engine tables. Each statement uses IF NOT
// EXISTS for idempotency, following the teacher's migration pattern.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS workflows (
		id           TEXT PRIMARY KEY,
		source_ref   TEXT NOT NULL,
		content_hash TEXT NOT NULL DEFAULT '',
		inputs       TEXT NOT NULL DEFAULT '{}',
		options      TEXT NOT NULL DEFAULT '{}',
		labels       TEXT NOT NULL DEFAULT '{}',
		imports_ref  TEXT NOT NULL DEFAULT '',
		root_output  TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT 'Submitted',
		created_at   TEXT NOT NULL,
		started_at   TEXT,
		completed_at TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_workflows_status ON workflows(status)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_workflows_content_hash ON workflows(content_hash) WHERE content_hash != ''`,

	// shard_index is -1 for a non-scattered Call; CallKey's (workflow, task,
	// shard, attempt) tuple is otherwise exactly the primary key.
	`CREATE TABLE IF NOT EXISTS calls (
		workflow_id     TEXT NOT NULL,
		task_name       TEXT NOT NULL,
		shard_index     INTEGER NOT NULL DEFAULT -1,
		attempt         INTEGER NOT NULL DEFAULT 1,
		status          TEXT NOT NULL DEFAULT 'NotStarted',
		runtime         TEXT NOT NULL DEFAULT '{}',
		inputs          TEXT NOT NULL DEFAULT '{}',
		execution_root  TEXT NOT NULL DEFAULT '',
		outputs         TEXT NOT NULL DEFAULT '{}',
		detritus        TEXT NOT NULL DEFAULT '{}',
		execution_info  TEXT NOT NULL DEFAULT '{}',
		fingerprint     TEXT NOT NULL DEFAULT '',
		cache_hit       INTEGER NOT NULL DEFAULT 0,
		return_code     INTEGER,
		failure_reason  TEXT NOT NULL DEFAULT '',
		created_at      TEXT NOT NULL,
		started_at      TEXT,
		completed_at    TEXT,
		PRIMARY KEY (workflow_id, task_name, shard_index, attempt)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_workflow_id ON calls(workflow_id)`,
	`CREATE INDEX IF NOT EXISTS idx_calls_workflow_status ON calls(workflow_id, status)`,

	// call_cache is append-only: one row per successful Call recorded as a
	// cache candidate, most-recent-first by rowid (spec.md §4.C).
	`CREATE TABLE IF NOT EXISTS call_cache (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint    TEXT NOT NULL,
		workflow_id    TEXT NOT NULL,
		task_name      TEXT NOT NULL,
		shard_index    INTEGER NOT NULL DEFAULT -1,
		attempt        INTEGER NOT NULL DEFAULT 1,
		outputs        TEXT NOT NULL DEFAULT '{}',
		detritus       TEXT NOT NULL DEFAULT '{}',
		created_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_call_cache_fingerprint ON call_cache(fingerprint)`,
}

// migrate executes all schema DDL statements.
func migrate(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
