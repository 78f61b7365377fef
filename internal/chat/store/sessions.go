package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/chatrunner/chatrunner/internal/chat/model"
)

func (r *Repository) CreateSession(ctx context.Context, s *model.Session) error {
	now := nowUTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = model.SessionActive
	}

	query := r.writer().Rebind(`
		INSERT INTO chat_sessions (id, title, status, summary, archive_ref, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := r.writer().ExecContext(ctx, query,
		s.ID, s.Title, s.Status, s.Summary, s.ArchiveRef, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r *Repository) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	query := r.reader().Rebind(`SELECT * FROM chat_sessions WHERE id = ?`)
	err := r.reader().GetContext(ctx, &s, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "session", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func (r *Repository) ArchiveSession(ctx context.Context, id, archiveRef string) error {
	query := r.writer().Rebind(`
		UPDATE chat_sessions SET status = ?, archive_ref = ?, updated_at = ? WHERE id = ?
	`)
	res, err := r.writer().ExecContext(ctx, query, model.SessionArchived, archiveRef, nowUTC(), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &ErrNotFound{Entity: entity, ID: id}
	}
	return nil
}
