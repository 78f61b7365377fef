package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/chatrunner/chatrunner/internal/chat/model"
)

// messageRow mirrors chat_messages columns; Mentions/Meta are stored as JSON
// text and decoded into model.Message separately.
type messageRow struct {
	ID         string       `db:"id"`
	SessionID  string       `db:"session_id"`
	SenderType string       `db:"sender_type"`
	SenderID   string       `db:"sender_id"`
	Content    string       `db:"content"`
	Mentions   string       `db:"mentions"`
	Meta       string       `db:"meta"`
	CreatedAt  sql.NullTime `db:"created_at"`
}

func (r *Repository) CreateMessage(ctx context.Context, m *model.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = nowUTC()
	}
	mentionsJSON, err := json.Marshal(nonNilStrings(m.Mentions))
	if err != nil {
		return err
	}
	metaJSON, err := json.Marshal(m.Meta)
	if err != nil {
		return err
	}

	query := r.writer().Rebind(`
		INSERT INTO chat_messages (id, session_id, sender_type, sender_id, content, mentions, meta, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.writer().ExecContext(ctx, query,
		m.ID, m.SessionID, m.SenderType, m.SenderID, m.Content, string(mentionsJSON), string(metaJSON), m.CreatedAt)
	return err
}

func (r *Repository) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	var row messageRow
	query := r.reader().Rebind(`SELECT * FROM chat_messages WHERE id = ?`)
	err := r.reader().GetContext(ctx, &row, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "message", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return rowToMessage(&row)
}

func (r *Repository) ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error) {
	var rows []*messageRow
	query := r.reader().Rebind(`SELECT * FROM chat_messages WHERE session_id = ? ORDER BY created_at ASC`)
	if err := r.reader().SelectContext(ctx, &rows, query, sessionID); err != nil {
		return nil, err
	}
	out := make([]*model.Message, 0, len(rows))
	for _, row := range rows {
		m, err := rowToMessage(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// UpdateMessageMentionStatus advances a single mentioned agent's status
// within a message's meta.mention_statuses map,
// refusing to move backward in the lattice (model.AdvancesFrom).
func (r *Repository) UpdateMessageMentionStatus(ctx context.Context, messageID, agentName string, status model.MentionStatus) error {
	msg, err := r.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.Meta.MentionStatuses == nil {
		msg.Meta.MentionStatuses = make(map[string]model.MentionStatus)
	}
	if prev, ok := msg.Meta.MentionStatuses[agentName]; ok && !model.AdvancesFrom(prev, status) {
		return nil
	}
	msg.Meta.MentionStatuses[agentName] = status

	metaJSON, err := json.Marshal(msg.Meta)
	if err != nil {
		return err
	}
	query := r.writer().Rebind(`UPDATE chat_messages SET meta = ? WHERE id = ?`)
	res, err := r.writer().ExecContext(ctx, query, string(metaJSON), messageID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "message", messageID)
}

func rowToMessage(row *messageRow) (*model.Message, error) {
	m := &model.Message{
		ID:         row.ID,
		SessionID:  row.SessionID,
		SenderType: model.SenderType(row.SenderType),
		SenderID:   row.SenderID,
		Content:    row.Content,
	}
	if row.CreatedAt.Valid {
		m.CreatedAt = row.CreatedAt.Time
	}
	if row.Mentions != "" {
		if err := json.Unmarshal([]byte(row.Mentions), &m.Mentions); err != nil {
			return nil, err
		}
	}
	if row.Meta != "" {
		if err := json.Unmarshal([]byte(row.Meta), &m.Meta); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
