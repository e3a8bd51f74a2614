package queue

import "github.com/brainkernel/brain/internal/store"

// Migrations is the Job Queue DB's forward-only migration list.
var Migrations = []store.Migration{
	{Version: 1, SQL: `
		CREATE TABLE IF NOT EXISTS jobs (
			id            TEXT PRIMARY KEY,
			type          TEXT NOT NULL,
			data          TEXT NOT NULL DEFAULT '{}',
			metadata      TEXT NOT NULL DEFAULT '{}',
			priority      INTEGER NOT NULL DEFAULT 0,
			status        TEXT NOT NULL,
			root_job_id   TEXT NOT NULL,
			parent_job_id TEXT NOT NULL DEFAULT '',
			attempts      INTEGER NOT NULL DEFAULT 0,
			max_attempts  INTEGER NOT NULL DEFAULT 3,
			last_error    TEXT NOT NULL DEFAULT '',
			progress_current INTEGER NOT NULL DEFAULT 0,
			progress_total   INTEGER NOT NULL DEFAULT 0,
			progress_message TEXT NOT NULL DEFAULT '',
			created_at    DATETIME NOT NULL,
			updated_at    DATETIME NOT NULL,
			started_at    DATETIME,
			finished_at   DATETIME,
			next_run_at   DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_scheduling ON jobs(status, priority DESC, created_at ASC);
		CREATE INDEX IF NOT EXISTS idx_jobs_root ON jobs(root_job_id);

		CREATE TABLE IF NOT EXISTS batches (
			id          TEXT PRIMARY KEY,
			total       INTEGER NOT NULL,
			succeeded   INTEGER NOT NULL DEFAULT 0,
			failed      INTEGER NOT NULL DEFAULT 0,
			status      TEXT NOT NULL,
			created_at  DATETIME NOT NULL,
			updated_at  DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS batch_jobs (
			batch_id TEXT NOT NULL,
			job_id   TEXT NOT NULL,
			PRIMARY KEY (batch_id, job_id)
		);
	`},
}
