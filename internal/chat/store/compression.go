package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/db/dialect"
)

type compressionRow struct {
	SessionID             string `db:"session_id"`
	SourceFingerprint     string `db:"source_fingerprint"`
	SourceMessageCount    int    `db:"source_message_count"`
	TokenThreshold        int64  `db:"token_threshold"`
	CompressionPercentage int    `db:"compression_percentage"`
	SourceTokens          int64  `db:"source_tokens"`
	EffectiveTokens       int64  `db:"effective_tokens"`
	Type                  string `db:"compression_type"`
	Result                string `db:"result"`
	Warning               string `db:"warning"`
}

// GetCompressionCache loads a session's persisted compaction result, used as
// the Store-backed fallback when the in-memory cache (internal/chat/compression)
// misses.
func (r *Repository) GetCompressionCache(ctx context.Context, sessionID string) (*model.CompressionCacheEntry, error) {
	var row compressionRow
	query := r.reader().Rebind(`SELECT * FROM chat_session_compression_states WHERE session_id = ?`)
	err := r.reader().GetContext(ctx, &row, query, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "compression_cache", ID: sessionID}
	}
	if err != nil {
		return nil, err
	}
	return rowToCompressionEntry(&row)
}

// PutCompressionCache persists a compaction result. A missing table is
// tolerated as a skipped persist, not a hard failure.
func (r *Repository) PutCompressionCache(ctx context.Context, entry *model.CompressionCacheEntry) error {
	resultJSON, err := json.Marshal(entry.Result)
	if err != nil {
		return err
	}
	warningJSON := []byte("null")
	if entry.Warning != nil {
		warningJSON, err = json.Marshal(entry.Warning)
		if err != nil {
			return err
		}
	}

	driver := r.writer().DriverName()
	var query string
	if dialect.IsPostgres(driver) {
		query = `
			INSERT INTO chat_session_compression_states
				(session_id, source_fingerprint, source_message_count, token_threshold, compression_percentage, source_tokens, effective_tokens, compression_type, result, warning, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (session_id) DO UPDATE SET
				source_fingerprint = EXCLUDED.source_fingerprint,
				source_message_count = EXCLUDED.source_message_count,
				token_threshold = EXCLUDED.token_threshold,
				compression_percentage = EXCLUDED.compression_percentage,
				source_tokens = EXCLUDED.source_tokens,
				effective_tokens = EXCLUDED.effective_tokens,
				compression_type = EXCLUDED.compression_type,
				result = EXCLUDED.result,
				warning = EXCLUDED.warning,
				updated_at = EXCLUDED.updated_at
		`
	} else {
		query = r.writer().Rebind(`
			INSERT INTO chat_session_compression_states
				(session_id, source_fingerprint, source_message_count, token_threshold, compression_percentage, source_tokens, effective_tokens, compression_type, result, warning, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (session_id) DO UPDATE SET
				source_fingerprint = excluded.source_fingerprint,
				source_message_count = excluded.source_message_count,
				token_threshold = excluded.token_threshold,
				compression_percentage = excluded.compression_percentage,
				source_tokens = excluded.source_tokens,
				effective_tokens = excluded.effective_tokens,
				compression_type = excluded.compression_type,
				result = excluded.result,
				warning = excluded.warning,
				updated_at = excluded.updated_at
		`)
	}

	_, err = r.writer().ExecContext(ctx, query,
		entry.SessionID, entry.SourceFingerprint, entry.SourceMessageCount, entry.TokenThreshold,
		entry.CompressionPercentage, entry.SourceTokens, entry.EffectiveTokens, entry.Type,
		string(resultJSON), string(warningJSON), nowUTC())
	if err != nil && isMissingTableError(err) {
		return nil
	}
	return err
}

func rowToCompressionEntry(row *compressionRow) (*model.CompressionCacheEntry, error) {
	entry := &model.CompressionCacheEntry{
		SessionID:             row.SessionID,
		SourceFingerprint:     row.SourceFingerprint,
		SourceMessageCount:    row.SourceMessageCount,
		TokenThreshold:        row.TokenThreshold,
		CompressionPercentage: row.CompressionPercentage,
		SourceTokens:          row.SourceTokens,
		EffectiveTokens:       row.EffectiveTokens,
		Type:                  model.CompressionType(row.Type),
	}
	if row.Result != "" {
		if err := json.Unmarshal([]byte(row.Result), &entry.Result); err != nil {
			return nil, err
		}
	}
	if row.Warning != "" && row.Warning != "null" {
		var w model.CompressionWarning
		if err := json.Unmarshal([]byte(row.Warning), &w); err != nil {
			return nil, err
		}
		entry.Warning = &w
	}
	return entry, nil
}

// isMissingTableError reports whether err looks like "no such table" /
// "relation does not exist" across SQLite and Postgres drivers;
// PutCompressionCache treats a missing compression-cache table as a skipped
// persist, not a failure.
func isMissingTableError(err error) bool {
	msg := err.Error()
	for _, sub := range []string{"no such table", "does not exist", "undefined_table"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return false
}
