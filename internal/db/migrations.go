package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create tasks and history",
		sql: `
CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	queue TEXT NOT NULL,
	priority TEXT NOT NULL DEFAULT 'P2',
	role TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL,
	branch TEXT NOT NULL,
	project_id TEXT NOT NULL DEFAULT '',
	blocked_by TEXT,
	claimed_by TEXT NOT NULL DEFAULT '',
	orchestrator_id TEXT NOT NULL DEFAULT '',
	lease_expires_at TEXT,
	version INTEGER NOT NULL DEFAULT 1,
	commits_count INTEGER NOT NULL DEFAULT 0,
	turns_used INTEGER NOT NULL DEFAULT 0,
	check_results TEXT NOT NULL DEFAULT '',
	execution_notes TEXT NOT NULL DEFAULT '',
	rejection_count INTEGER NOT NULL DEFAULT 0,
	submitted_at TEXT,
	completed_at TEXT,
	hooks TEXT NOT NULL DEFAULT '',
	flow TEXT NOT NULL DEFAULT '',
	flow_overrides TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	FOREIGN KEY(blocked_by) REFERENCES tasks(id) ON DELETE SET NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_scope ON tasks(scope);
CREATE INDEX IF NOT EXISTS idx_tasks_queue ON tasks(queue);
CREATE INDEX IF NOT EXISTS idx_tasks_scope_queue_priority ON tasks(scope, queue, priority, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_blocked_by ON tasks(blocked_by);
CREATE INDEX IF NOT EXISTS idx_tasks_lease_expires_at ON tasks(lease_expires_at);

CREATE TABLE IF NOT EXISTS task_history (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id TEXT NOT NULL,
	event TEXT NOT NULL,
	agent TEXT NOT NULL DEFAULT '',
	details TEXT NOT NULL DEFAULT '',
	timestamp TEXT NOT NULL,
	FOREIGN KEY(task_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_history_task_id ON task_history(task_id, timestamp);
`,
	},
	{
		version: 2,
		name:    "create orchestrators",
		sql: `
CREATE TABLE IF NOT EXISTS orchestrators (
	id TEXT PRIMARY KEY,
	cluster TEXT NOT NULL,
	machine_id TEXT NOT NULL,
	scope TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	last_heartbeat TEXT NOT NULL,
	registered_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orchestrators_status ON orchestrators(status);
CREATE INDEX IF NOT EXISTS idx_orchestrators_scope ON orchestrators(scope);
`,
	},
	{
		version: 3,
		name:    "create roles and flows",
		sql: `
CREATE TABLE IF NOT EXISTS roles (
	name TEXT PRIMARY KEY,
	claims_from TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS flows (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	phases TEXT NOT NULL DEFAULT '[]'
);
`,
	},
}

func RunMigrations(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`); err != nil {
		return fmt.Errorf("failed to ensure _meta table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO _meta (key, value) VALUES ('schema_version', '0')`); err != nil {
		return fmt.Errorf("failed to initialize schema version: %w", err)
	}

	var currentRaw string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&currentRaw); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	currentVersion, err := strconv.Atoi(currentRaw)
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", currentRaw, err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("failed migration %03d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE _meta SET value = ? WHERE key = 'schema_version'`, strconv.Itoa(m.version)); err != nil {
			return fmt.Errorf("failed to set schema version %03d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}

	return nil
}
