package registry

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id                  TEXT PRIMARY KEY,
	workflow_name           TEXT NOT NULL,
	session_id              TEXT NOT NULL,
	session_name            TEXT,
	user_id                 TEXT,
	status                  TEXT NOT NULL,
	started_at              TEXT,
	completed_at            TEXT,
	workspace_path          TEXT,
	workspace_persistent    INTEGER NOT NULL DEFAULT 0,
	git_branch              TEXT,
	repository_url          TEXT,
	callback_url            TEXT,
	input_format            TEXT NOT NULL DEFAULT 'text',
	max_turns               INTEGER,
	timeout_seconds         INTEGER NOT NULL,
	create_pr_on_success    INTEGER NOT NULL DEFAULT 0,
	pr_title                TEXT,
	pr_body                 TEXT,
	auto_merge              INTEGER NOT NULL DEFAULT 0,
	pr_url                  TEXT,
	pr_number               INTEGER,
	provider_key            TEXT,
	encrypted_access_token  TEXT,
	turns                   INTEGER NOT NULL DEFAULT 0,
	input_tokens            INTEGER NOT NULL DEFAULT 0,
	output_tokens           INTEGER NOT NULL DEFAULT 0,
	cache_created_tokens    INTEGER NOT NULL DEFAULT 0,
	cache_read_tokens       INTEGER NOT NULL DEFAULT 0,
	cost_usd                REAL NOT NULL DEFAULT 0,
	tools_used              TEXT NOT NULL DEFAULT '[]',
	last_heartbeat          TEXT,
	final_success           INTEGER,
	final_result_text       TEXT,
	final_files_created      TEXT,
	final_git_commits        TEXT,
	error_kind              TEXT,
	error_message           TEXT,
	error_phase             TEXT,
	trace_id                TEXT,
	created_at              TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_session_id ON runs(session_id);
CREATE INDEX IF NOT EXISTS idx_runs_session_name ON runs(session_name);
CREATE INDEX IF NOT EXISTS idx_runs_workflow_name ON runs(workflow_name);
`
