package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/chatrunner/chatrunner/internal/chat/model"
)

// NextRunIndex returns max(run_index)+1 for sessionAgentID. Uniqueness of the
// resulting (session_agent_id, run_index) pair is ultimately enforced by the
// table's UNIQUE constraint; callers racing on the
// same SessionAgent must already hold that row's advisory state lock
//.
func (r *Repository) NextRunIndex(ctx context.Context, sessionAgentID string) (int, error) {
	var max sql.NullInt64
	query := r.writer().Rebind(`SELECT MAX(run_index) FROM chat_runs WHERE session_agent_id = ?`)
	if err := r.writer().GetContext(ctx, &max, query, sessionAgentID); err != nil {
		return 0, err
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

func (r *Repository) CreateRun(ctx context.Context, run *model.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = nowUTC()
	}
	query := r.writer().Rebind(`
		INSERT INTO chat_runs (id, session_id, session_agent_id, run_index, run_dir, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	_, err := r.writer().ExecContext(ctx, query,
		run.ID, run.SessionID, run.SessionAgentID, run.RunIndex, run.RunDir, run.CreatedAt)
	return err
}

func (r *Repository) GetRun(ctx context.Context, id string) (*model.Run, error) {
	var run model.Run
	query := r.reader().Rebind(`SELECT * FROM chat_runs WHERE id = ?`)
	err := r.reader().GetContext(ctx, &run, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "run", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
