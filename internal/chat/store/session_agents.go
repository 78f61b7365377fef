package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/db/dialect"
)

func (r *Repository) UpsertSessionAgent(ctx context.Context, sa *model.SessionAgent) error {
	now := nowUTC()
	if sa.CreatedAt.IsZero() {
		sa.CreatedAt = now
	}
	sa.UpdatedAt = now
	if sa.State == "" {
		sa.State = model.StateIdle
	}

	driver := r.writer().DriverName()
	var query string
	if dialect.IsPostgres(driver) {
		query = `
			INSERT INTO chat_session_agents
				(id, session_id, agent_id, state, workspace_path, executor_session_handle, executor_message_handle, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (session_id, agent_id) DO UPDATE SET
				state = EXCLUDED.state,
				workspace_path = EXCLUDED.workspace_path,
				executor_session_handle = EXCLUDED.executor_session_handle,
				executor_message_handle = EXCLUDED.executor_message_handle,
				updated_at = EXCLUDED.updated_at
		`
	} else {
		query = r.writer().Rebind(`
			INSERT INTO chat_session_agents
				(id, session_id, agent_id, state, workspace_path, executor_session_handle, executor_message_handle, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id, agent_id) DO UPDATE SET
				state = excluded.state,
				workspace_path = excluded.workspace_path,
				executor_session_handle = excluded.executor_session_handle,
				executor_message_handle = excluded.executor_message_handle,
				updated_at = excluded.updated_at
		`)
	}

	_, err := r.writer().ExecContext(ctx, query,
		sa.ID, sa.SessionID, sa.AgentID, sa.State, sa.WorkspacePath,
		sa.ExecutorSessionHandle, sa.ExecutorMessageHandle, sa.CreatedAt, sa.UpdatedAt)
	return err
}

func (r *Repository) GetSessionAgent(ctx context.Context, sessionID, agentID string) (*model.SessionAgent, error) {
	var sa model.SessionAgent
	query := r.reader().Rebind(`SELECT * FROM chat_session_agents WHERE session_id = ? AND agent_id = ?`)
	err := r.reader().GetContext(ctx, &sa, query, sessionID, agentID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session_agent", ID: sessionID + "/" + agentID}
	}
	if err != nil {
		return nil, err
	}
	return &sa, nil
}

func (r *Repository) ListSessionAgents(ctx context.Context, sessionID string) ([]*model.SessionAgent, error) {
	var sas []*model.SessionAgent
	query := r.reader().Rebind(`SELECT * FROM chat_session_agents WHERE session_id = ? ORDER BY created_at ASC`)
	if err := r.reader().SelectContext(ctx, &sas, query, sessionID); err != nil {
		return nil, err
	}
	return sas, nil
}

func (r *Repository) UpdateSessionAgentState(ctx context.Context, id string, state model.SessionAgentState) error {
	query := r.writer().Rebind(`UPDATE chat_session_agents SET state = ?, updated_at = ? WHERE id = ?`)
	res, err := r.writer().ExecContext(ctx, query, state, nowUTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session_agent", id)
}

func (r *Repository) SetSessionAgentWorkspace(ctx context.Context, id, workspacePath string) error {
	query := r.writer().Rebind(`UPDATE chat_session_agents SET workspace_path = ?, updated_at = ? WHERE id = ?`)
	res, err := r.writer().ExecContext(ctx, query, workspacePath, nowUTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session_agent", id)
}

func (r *Repository) SetSessionAgentHandles(ctx context.Context, id, sessionHandle, messageHandle string) error {
	query := r.writer().Rebind(`
		UPDATE chat_session_agents
		SET executor_session_handle = ?, executor_message_handle = ?, updated_at = ?
		WHERE id = ?
	`)
	res, err := r.writer().ExecContext(ctx, query, sessionHandle, messageHandle, nowUTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session_agent", id)
}

// ClearSessionAgentHandles blanks both executor handles, required whenever a
// SessionAgent transitions to Dead.
func (r *Repository) ClearSessionAgentHandles(ctx context.Context, id string) error {
	return r.SetSessionAgentHandles(ctx, id, "", "")
}

