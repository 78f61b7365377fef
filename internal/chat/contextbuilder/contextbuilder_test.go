package contextbuilder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/chat/store"
	"github.com/chatrunner/chatrunner/internal/db"
)

func newTestRepo(t *testing.T) store.Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chatrunner.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)

	pool := db.NewPool(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	repo, err := store.NewRepository(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

type recordingCompactor struct {
	calls []string
}

func (c *recordingCompactor) TriggerAsync(sessionID, workspaceDir string, full []model.SimplifiedMessage) {
	c.calls = append(c.calls, sessionID)
}

func TestBuilder_Build_WritesFullContextWhenNoCache(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := &model.Session{ID: "sess-1", Status: model.SessionActive}
	require.NoError(t, repo.CreateSession(ctx, session))
	agent := &model.Agent{ID: "agent-1", Name: "Reviewer", RunnerType: "mock"}
	require.NoError(t, repo.CreateAgent(ctx, agent))

	base := time.Date(2026, 7, 30, 12, 0, 0, 0, time.UTC)
	require.NoError(t, repo.CreateMessage(ctx, &model.Message{
		ID: "m1", SessionID: "sess-1", SenderType: model.SenderUser, SenderID: "alice",
		Content: "hello @Reviewer", CreatedAt: base,
	}))
	require.NoError(t, repo.CreateMessage(ctx, &model.Message{
		ID: "m2", SessionID: "sess-1", SenderType: model.SenderAgent, SenderID: "agent-1",
		Content: "looking now", CreatedAt: base.Add(time.Second),
	}))
	require.NoError(t, repo.CreateMessage(ctx, &model.Message{
		ID: "m3", SessionID: "sess-1", SenderType: model.SenderSystem, SenderID: "",
		Content: "session archived", CreatedAt: base.Add(2 * time.Second),
	}))

	compactor := &recordingCompactor{}
	b := NewBuilder(repo, compactor, nil)

	workspaceDir := t.TempDir()
	runDir := t.TempDir()

	result, err := b.Build(ctx, "sess-1", workspaceDir, runDir)
	require.NoError(t, err)
	require.Equal(t, 3, result.MessageCount)
	require.False(t, result.Compacted)
	require.Nil(t, result.Warning)

	wantContextPath := filepath.Join(workspaceDir, ".agents_chatgroup", "context", "sess-1", "messages.jsonl")
	require.Equal(t, wantContextPath, result.ContextPath)
	wantRunContextPath := filepath.Join(runDir, "context.jsonl")
	require.Equal(t, wantRunContextPath, result.RunContextPath)

	contextBytes, err := os.ReadFile(result.ContextPath)
	require.NoError(t, err)
	runBytes, err := os.ReadFile(result.RunContextPath)
	require.NoError(t, err)
	require.Equal(t, contextBytes, runBytes)

	f, err := os.Open(result.ContextPath)
	require.NoError(t, err)
	defer f.Close()
	msgs, err := model.DecodeJSONL(f)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	require.Equal(t, "user:alice", msgs[0].Sender)
	require.Equal(t, "agent:Reviewer", msgs[1].Sender)
	require.Equal(t, "system", msgs[2].Sender)

	require.Equal(t, []string{"sess-1"}, compactor.calls)
}

func TestBuilder_Build_UsesCachedCompactionResult(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	session := &model.Session{ID: "sess-2", Status: model.SessionActive}
	require.NoError(t, repo.CreateSession(ctx, session))
	require.NoError(t, repo.CreateMessage(ctx, &model.Message{
		ID: "m1", SessionID: "sess-2", SenderType: model.SenderUser, SenderID: "bob",
		Content: "message one", CreatedAt: time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC),
	}))

	warning := &model.CompressionWarning{Code: "COMPRESSION_FALLBACK", Message: "archived 1 message"}
	require.NoError(t, repo.PutCompressionCache(ctx, &model.CompressionCacheEntry{
		SessionID:          "sess-2",
		SourceMessageCount: 1,
		Type:               model.CompressionTruncated,
		Result: []model.SimplifiedMessage{
			{Sender: "system:summary", Content: "[History Summary - Fallback] archived 1 message", Timestamp: time.Now()},
		},
		Warning: warning,
	}))

	b := NewBuilder(repo, nil, nil)
	workspaceDir := t.TempDir()
	runDir := t.TempDir()

	result, err := b.Build(ctx, "sess-2", workspaceDir, runDir)
	require.NoError(t, err)
	require.True(t, result.Compacted)
	require.Equal(t, warning, result.Warning)
	require.Equal(t, 1, result.MessageCount)

	f, err := os.Open(result.ContextPath)
	require.NoError(t, err)
	defer f.Close()
	msgs, err := model.DecodeJSONL(f)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "system:summary", msgs[0].Sender)
}

func TestBuilder_Build_EmptySessionWritesEmptyFileNoError(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, &model.Session{ID: "sess-empty", Status: model.SessionActive}))

	b := NewBuilder(repo, nil, nil)
	result, err := b.Build(ctx, "sess-empty", t.TempDir(), t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 0, result.MessageCount)

	data, err := os.ReadFile(result.ContextPath)
	require.NoError(t, err)
	require.Empty(t, data)
}
