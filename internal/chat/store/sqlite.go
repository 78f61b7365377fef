package store

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/chatrunner/chatrunner/internal/db"
)

// Repository implements Store over a db.Pool (writer/reader split), portable
// across SQLite and PostgreSQL via internal/db/dialect, mirroring
// internal/task/repository/sqlite.Repository's shape.
type Repository struct {
	pool *db.Pool
}

var _ Store = (*Repository)(nil)

// NewRepository wraps an already-connected db.Pool and ensures the schema
// exists.
func NewRepository(pool *db.Pool) (*Repository, error) {
	r := &Repository{pool: pool}
	if err := r.initSchema(); err != nil {
		return nil, fmt.Errorf("chat store: failed to initialize schema: %w", err)
	}
	return r, nil
}

func (r *Repository) writer() *sqlx.DB { return r.pool.Writer() }
func (r *Repository) reader() *sqlx.DB { return r.pool.Reader() }

func (r *Repository) Close() error { return r.pool.Close() }

func (r *Repository) initSchema() error {
	_, err := r.writer().Exec(`
	CREATE TABLE IF NOT EXISTS chat_sessions (
		id TEXT PRIMARY KEY,
		title TEXT DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		summary TEXT DEFAULT '',
		archive_ref TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chat_agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		runner_type TEXT NOT NULL,
		system_prompt TEXT DEFAULT '',
		tools_enabled TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chat_agents_name ON chat_agents(name);

	CREATE TABLE IF NOT EXISTS chat_session_agents (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		state TEXT NOT NULL DEFAULT 'idle',
		workspace_path TEXT DEFAULT '',
		executor_session_handle TEXT DEFAULT '',
		executor_message_handle TEXT DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		UNIQUE(session_id, agent_id),
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE,
		FOREIGN KEY (agent_id) REFERENCES chat_agents(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chat_session_agents_session ON chat_session_agents(session_id);

	CREATE TABLE IF NOT EXISTS chat_messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		sender_type TEXT NOT NULL,
		sender_id TEXT DEFAULT '',
		content TEXT NOT NULL,
		mentions TEXT DEFAULT '[]',
		meta TEXT DEFAULT '{}',
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS chat_runs (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		session_agent_id TEXT NOT NULL,
		run_index INTEGER NOT NULL,
		run_dir TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(session_agent_id, run_index),
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE,
		FOREIGN KEY (session_agent_id) REFERENCES chat_session_agents(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS chat_session_compression_states (
		session_id TEXT PRIMARY KEY,
		source_fingerprint TEXT NOT NULL,
		source_message_count INTEGER NOT NULL,
		token_threshold INTEGER NOT NULL,
		compression_percentage INTEGER NOT NULL,
		source_tokens INTEGER NOT NULL,
		effective_tokens INTEGER NOT NULL,
		compression_type TEXT NOT NULL,
		result TEXT NOT NULL DEFAULT '[]',
		warning TEXT DEFAULT '',
		updated_at TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES chat_sessions(id) ON DELETE CASCADE
	);
	`)
	return err
}
