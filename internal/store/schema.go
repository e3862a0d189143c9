package store

const schemaDDL = `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id               INTEGER PRIMARY KEY AUTOINCREMENT,
	name             TEXT NOT NULL UNIQUE,
	job_id           TEXT NOT NULL UNIQUE,
	task_type        TEXT NOT NULL,
	cron_expression  TEXT NOT NULL DEFAULT '',
	interval_seconds INTEGER NOT NULL DEFAULT 0,
	enabled          INTEGER NOT NULL DEFAULT 0,
	paused           INTEGER NOT NULL DEFAULT 0,
	config_json      TEXT NOT NULL DEFAULT '{}',
	max_retries      INTEGER NOT NULL DEFAULT 0,
	retry_interval   INTEGER NOT NULL DEFAULT 0,
	created_by       TEXT NOT NULL DEFAULT '',
	created_time     DATETIME NOT NULL,
	updated_by       TEXT NOT NULL DEFAULT '',
	updated_time     DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS task_executions (
	id                        INTEGER PRIMARY KEY AUTOINCREMENT,
	task_id                   INTEGER NOT NULL,
	status                    TEXT NOT NULL,
	start_time                DATETIME NOT NULL,
	end_time                  DATETIME,
	duration_seconds          REAL,
	progress_percent          REAL NOT NULL DEFAULT 0,
	current_item              TEXT,
	total_items               INTEGER NOT NULL DEFAULT 0,
	processed_items           INTEGER NOT NULL DEFAULT 0,
	estimated_end_time        DATETIME,
	is_paused                 INTEGER NOT NULL DEFAULT 0,
	terminate_requested       INTEGER NOT NULL DEFAULT 0,
	result_json               TEXT,
	error_message             TEXT,
	retry_count               INTEGER NOT NULL DEFAULT 0,
	resume_from_execution_id  INTEGER,
	created_by                TEXT NOT NULL DEFAULT '',
	updated_by                TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_task_executions_task_id ON task_executions(task_id);
CREATE INDEX IF NOT EXISTS idx_task_executions_status ON task_executions(task_id, status);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_enabled ON scheduled_tasks(enabled, paused);
`
