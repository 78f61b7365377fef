package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/chatrunner/chatrunner/internal/chat/contextbuilder"
	"github.com/chatrunner/chatrunner/internal/chat/eventbus"
	"github.com/chatrunner/chatrunner/internal/chat/executor"
	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/chat/scheduler"
	"github.com/chatrunner/chatrunner/internal/chat/store"
	"github.com/chatrunner/chatrunner/internal/common/config"
	"github.com/chatrunner/chatrunner/internal/common/logger"
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

func newTestSupervisor(t *testing.T, repo store.Store) *Supervisor {
	t.Helper()
	catalog := executor.NewDefaultCatalog(config.DockerConfig{})
	builder := contextbuilder.NewBuilder(repo, nil, nil)
	bus := eventbus.New(64, nil, nil)
	assetDir := t.TempDir()
	return New(repo, catalog, builder, bus, assetDir, 0, 0, logger.Default())
}

func seedMockAgent(t *testing.T, repo store.Store, sessionID, agentID string) *model.SessionAgent {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, &model.Session{ID: sessionID, Status: model.SessionActive}))
	require.NoError(t, repo.CreateAgent(ctx, &model.Agent{
		ID:           agentID,
		Name:         "helper",
		RunnerType:   "mock",
		SystemPrompt: "You help with the codebase. Keep answers short.",
	}))
	sa := &model.SessionAgent{ID: "sa-" + agentID, SessionID: sessionID, AgentID: agentID, State: model.StateIdle}
	require.NoError(t, repo.UpsertSessionAgent(ctx, sa))
	return sa
}

func seedUserMessage(t *testing.T, repo store.Store, sessionID, content string) *model.Message {
	t.Helper()
	msg := &model.Message{
		ID:         "msg-" + sessionID,
		SessionID:  sessionID,
		SenderType: model.SenderUser,
		SenderID:   "user-1",
		Content:    content,
	}
	require.NoError(t, repo.CreateMessage(context.Background(), msg))
	return msg
}

// TestInvoke_SimpleMessage exercises the full Run Supervisor pipeline end
// to end against the in-process Mock executor: a single mention, a clean
// "simple-message" scenario, and the resulting artifact files and reply
// message.
func TestInvoke_SimpleMessage(t *testing.T) {
	repo := newTestRepo(t)
	sup := newTestSupervisor(t, repo)

	sessionID, agentID := "sess-1", "agent-1"
	sa := seedMockAgent(t, repo, sessionID, agentID)
	msg := seedUserMessage(t, repo, sessionID, "@helper /e2e:simple-message say hi")

	job := scheduler.Job{
		SessionID:      sessionID,
		SessionAgentID: sa.ID,
		AgentID:        agentID,
		AgentName:      "helper",
		Message:        msg,
	}

	final := sup.Invoke(context.Background(), job)
	require.Equal(t, model.StateIdle, final)

	updated, err := repo.GetSessionAgent(context.Background(), sessionID, agentID)
	require.NoError(t, err)
	require.NotEmpty(t, updated.WorkspacePath)
	require.NotEmpty(t, updated.ExecutorSessionHandle)
	require.NotEmpty(t, updated.ExecutorMessageHandle)

	reply, err := repo.GetMessage(context.Background(), updated.ExecutorMessageHandle)
	require.NoError(t, err)
	require.Equal(t, model.SenderAgent, reply.SenderType)
	require.Equal(t, agentID, reply.SenderID)
	require.NotEmpty(t, reply.Content)
	require.Equal(t, 1, reply.Meta.ChainDepth)

	runDir := filepath.Join(updated.WorkspacePath, ".agents_chatgroup", "runs", sessionID, "run_records", "session_agent_"+sa.ID+"_run_0001")
	for _, name := range []string{"input.md", "output.md", "meta.json", "raw.log"} {
		_, statErr := os.Stat(filepath.Join(runDir, name))
		require.NoErrorf(t, statErr, "expected %s to exist", name)
	}
}

// TestInvoke_ToolUseScenario exercises a multi-step scenario involving a
// tool_use log entry, confirming the run still ends Idle and leaves a
// non-empty reply message.
func TestInvoke_ToolUseScenario(t *testing.T) {
	repo := newTestRepo(t)
	sup := newTestSupervisor(t, repo)

	sessionID, agentID := "sess-2", "agent-2"
	sa := seedMockAgent(t, repo, sessionID, agentID)
	msg := seedUserMessage(t, repo, sessionID, "@helper /e2e:tool-use read the readme")

	job := scheduler.Job{SessionID: sessionID, SessionAgentID: sa.ID, AgentID: agentID, AgentName: "helper", Message: msg}

	final := sup.Invoke(context.Background(), job)
	require.Equal(t, model.StateIdle, final)

	updated, err := repo.GetSessionAgent(context.Background(), sessionID, agentID)
	require.NoError(t, err)
	reply, err := repo.GetMessage(context.Background(), updated.ExecutorMessageHandle)
	require.NoError(t, err)
	require.NotEmpty(t, reply.Content)
}

// TestInvoke_ErrorScenario confirms a simulated executor failure surfaces
// as a Dead terminal state with no reply message created.
func TestInvoke_ErrorScenario(t *testing.T) {
	repo := newTestRepo(t)
	sup := newTestSupervisor(t, repo)

	sessionID, agentID := "sess-3", "agent-3"
	sa := seedMockAgent(t, repo, sessionID, agentID)
	msg := seedUserMessage(t, repo, sessionID, "@helper /e2e:error do something impossible")

	job := scheduler.Job{SessionID: sessionID, SessionAgentID: sa.ID, AgentID: agentID, AgentName: "helper", Message: msg}

	final := sup.Invoke(context.Background(), job)
	require.Equal(t, model.StateDead, final)
}

// TestInvoke_FollowUp confirms a second mention against an already-
// Idle SessionAgent with a persisted executor_session_handle (the
// SpawnFollowUp path) also ends Idle and keeps an executor session handle.
func TestInvoke_FollowUp(t *testing.T) {
	repo := newTestRepo(t)
	sup := newTestSupervisor(t, repo)

	sessionID, agentID := "sess-4", "agent-4"
	sa := seedMockAgent(t, repo, sessionID, agentID)
	first := seedUserMessage(t, repo, sessionID, "@helper /e2e:simple-message first")

	job := scheduler.Job{SessionID: sessionID, SessionAgentID: sa.ID, AgentID: agentID, AgentName: "helper", Message: first}
	require.Equal(t, model.StateIdle, sup.Invoke(context.Background(), job))

	afterFirst, err := repo.GetSessionAgent(context.Background(), sessionID, agentID)
	require.NoError(t, err)
	require.NotEmpty(t, afterFirst.ExecutorSessionHandle)

	second := &model.Message{
		ID:         "msg-follow-" + sessionID,
		SessionID:  sessionID,
		SenderType: model.SenderUser,
		SenderID:   "user-1",
		Content:    "@helper /e2e:simple-message second",
		Meta:       model.MessageMeta{ChainDepth: 0},
	}
	require.NoError(t, repo.CreateMessage(context.Background(), second))

	job2 := scheduler.Job{SessionID: sessionID, SessionAgentID: sa.ID, AgentID: agentID, AgentName: "helper", Message: second}
	require.Equal(t, model.StateIdle, sup.Invoke(context.Background(), job2))

	afterSecond, err := repo.GetSessionAgent(context.Background(), sessionID, agentID)
	require.NoError(t, err)
	require.NotEmpty(t, afterSecond.ExecutorSessionHandle)
}
