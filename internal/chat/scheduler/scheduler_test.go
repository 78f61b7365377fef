package scheduler

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/require"

	"github.com/chatrunner/chatrunner/internal/chat/eventbus"
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

func seed(t *testing.T, repo store.Store, sessionID, agentID, agentName string, state model.SessionAgentState) *model.SessionAgent {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, &model.Session{ID: sessionID, Status: model.SessionActive}))
	require.NoError(t, repo.CreateAgent(ctx, &model.Agent{ID: agentID, Name: agentName, RunnerType: "mock"}))
	sa := &model.SessionAgent{ID: "sa-" + agentID, SessionID: sessionID, AgentID: agentID, State: state}
	require.NoError(t, repo.UpsertSessionAgent(ctx, sa))
	return sa
}

// scriptedInvoker hands back a scripted terminal state per call, recording
// every Job it was invoked with and blocking on a release channel until
// told to proceed (so tests can observe the Running state mid-flight).
type scriptedInvoker struct {
	mu       sync.Mutex
	calls    []Job
	result   model.SessionAgentState
	release  chan struct{}
	blocking bool
}

func newScriptedInvoker(result model.SessionAgentState) *scriptedInvoker {
	return &scriptedInvoker{result: result, release: make(chan struct{})}
}

func (s *scriptedInvoker) Invoke(ctx context.Context, job Job) model.SessionAgentState {
	s.mu.Lock()
	s.calls = append(s.calls, job)
	blocking := s.blocking
	s.mu.Unlock()

	if blocking {
		select {
		case <-s.release:
		case <-ctx.Done():
			return model.StateDead
		}
	}
	return s.result
}

func (s *scriptedInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func TestScheduler_HandleMessage_SingleMentionCleanRun(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "sess-1", "agent-1", "Reviewer", model.StateIdle)

	invoker := newScriptedInvoker(model.StateIdle)
	sched := New(repo, eventbus.New(16, nil, nil), invoker, 0, nil)

	msg := &model.Message{ID: "m1", SessionID: "sess-1", SenderType: model.SenderUser, SenderID: "alice", Content: "@Reviewer please look", CreatedAt: time.Now()}
	require.NoError(t, repo.CreateMessage(ctx, msg))

	require.NoError(t, sched.HandleMessage(ctx, "sess-1", msg))

	require.Eventually(t, func() bool {
		sa, err := repo.GetSessionAgent(ctx, "sess-1", "agent-1")
		return err == nil && sa.State == model.StateIdle
	}, time.Second, 5*time.Millisecond)

	got, err := repo.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, model.MentionCompleted, got.Meta.MentionStatuses["Reviewer"])
	require.Equal(t, 1, invoker.callCount())
}

func TestScheduler_HandleMessage_QueuesWhileRunning(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "sess-2", "agent-1", "Reviewer", model.StateIdle)

	invoker := newScriptedInvoker(model.StateIdle)
	invoker.blocking = true
	sched := New(repo, eventbus.New(16, nil, nil), invoker, 0, nil)

	msg1 := &model.Message{ID: "m1", SessionID: "sess-2", SenderType: model.SenderUser, SenderID: "alice", Content: "@Reviewer first", CreatedAt: time.Now()}
	require.NoError(t, repo.CreateMessage(ctx, msg1))
	require.NoError(t, sched.HandleMessage(ctx, "sess-2", msg1))

	require.Eventually(t, func() bool {
		sa, err := repo.GetSessionAgent(ctx, "sess-2", "agent-1")
		return err == nil && sa.State == model.StateRunning
	}, time.Second, 5*time.Millisecond)

	msg2 := &model.Message{ID: "m2", SessionID: "sess-2", SenderType: model.SenderUser, SenderID: "alice", Content: "@Reviewer second", CreatedAt: time.Now().Add(time.Second)}
	require.NoError(t, repo.CreateMessage(ctx, msg2))
	require.NoError(t, sched.HandleMessage(ctx, "sess-2", msg2))

	got2, err := repo.GetMessage(ctx, "m2")
	require.NoError(t, err)
	require.Equal(t, model.MentionReceived, got2.Meta.MentionStatuses["Reviewer"])
	require.Equal(t, 1, invoker.callCount())

	close(invoker.release)

	require.Eventually(t, func() bool {
		return invoker.callCount() == 2
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := repo.GetMessage(ctx, "m2")
		return err == nil && got.Meta.MentionStatuses["Reviewer"] == model.MentionCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_HandleMessage_MentionFailureForNonMember(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, &model.Session{ID: "sess-3", Status: model.SessionActive}))

	invoker := newScriptedInvoker(model.StateIdle)
	sched := New(repo, eventbus.New(16, nil, nil), invoker, 0, nil)

	msg := &model.Message{ID: "m1", SessionID: "sess-3", SenderType: model.SenderUser, SenderID: "alice", Content: "@Nobody help", CreatedAt: time.Now()}
	require.NoError(t, repo.CreateMessage(ctx, msg))

	require.NoError(t, sched.HandleMessage(ctx, "sess-3", msg))

	got, err := repo.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Equal(t, model.MentionFailed, got.Meta.MentionStatuses["Nobody"])
	require.Equal(t, 0, invoker.callCount())

	all, err := repo.ListMessages(ctx, "sess-3")
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, model.SenderSystem, all[1].SenderType)
	require.Contains(t, all[1].Content, `"Nobody"`)
}

func TestScheduler_HandleMessage_ChainDepthGuardBlocksNewRuns(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "sess-4", "agent-1", "Reviewer", model.StateIdle)

	invoker := newScriptedInvoker(model.StateIdle)
	sched := New(repo, eventbus.New(16, nil, nil), invoker, 0, nil)

	msg := &model.Message{
		ID: "m1", SessionID: "sess-4", SenderType: model.SenderAgent, SenderID: "some-other-agent",
		Content: "[sendMessageTo@@Reviewer] please continue", CreatedAt: time.Now(),
		Meta: model.MessageMeta{ChainDepth: model.MaxAgentChainDepth},
	}
	require.NoError(t, repo.CreateMessage(ctx, msg))

	require.NoError(t, sched.HandleMessage(ctx, "sess-4", msg))
	require.Equal(t, 0, invoker.callCount())

	sa, err := repo.GetSessionAgent(ctx, "sess-4", "agent-1")
	require.NoError(t, err)
	require.Equal(t, model.StateIdle, sa.State)
}

func TestScheduler_HandleMessage_SelfMentionSkipped(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "sess-5", "agent-1", "Reviewer", model.StateIdle)

	invoker := newScriptedInvoker(model.StateIdle)
	sched := New(repo, eventbus.New(16, nil, nil), invoker, 0, nil)

	msg := &model.Message{
		ID: "m1", SessionID: "sess-5", SenderType: model.SenderAgent, SenderID: "agent-1",
		Content: "[sendMessageTo@@Reviewer] talking to myself", CreatedAt: time.Now(),
	}
	require.NoError(t, repo.CreateMessage(ctx, msg))

	require.NoError(t, sched.HandleMessage(ctx, "sess-5", msg))
	require.Equal(t, 0, invoker.callCount())
}

func TestScheduler_HandleMessage_RunFailureFailsQueuedMentions(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "sess-6", "agent-1", "Reviewer", model.StateIdle)

	invoker := newScriptedInvoker(model.StateDead)
	invoker.blocking = true
	sched := New(repo, eventbus.New(16, nil, nil), invoker, 0, nil)

	msg1 := &model.Message{ID: "m1", SessionID: "sess-6", SenderType: model.SenderUser, SenderID: "alice", Content: "@Reviewer first", CreatedAt: time.Now()}
	require.NoError(t, repo.CreateMessage(ctx, msg1))
	require.NoError(t, sched.HandleMessage(ctx, "sess-6", msg1))

	require.Eventually(t, func() bool {
		sa, err := repo.GetSessionAgent(ctx, "sess-6", "agent-1")
		return err == nil && sa.State == model.StateRunning
	}, time.Second, 5*time.Millisecond)

	msg2 := &model.Message{ID: "m2", SessionID: "sess-6", SenderType: model.SenderUser, SenderID: "alice", Content: "@Reviewer second", CreatedAt: time.Now().Add(time.Second)}
	require.NoError(t, repo.CreateMessage(ctx, msg2))
	require.NoError(t, sched.HandleMessage(ctx, "sess-6", msg2))

	close(invoker.release)

	require.Eventually(t, func() bool {
		sa, err := repo.GetSessionAgent(ctx, "sess-6", "agent-1")
		return err == nil && sa.State == model.StateDead
	}, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		got, err := repo.GetMessage(ctx, "m2")
		return err == nil && got.Meta.MentionStatuses["Reviewer"] == model.MentionFailed
	}, time.Second, 5*time.Millisecond)
}

func TestScheduler_StopAgent_CancelsRunAndFailsQueue(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	seed(t, repo, "sess-7", "agent-1", "Reviewer", model.StateIdle)

	invoker := newScriptedInvoker(model.StateIdle)
	invoker.blocking = true
	sched := New(repo, eventbus.New(16, nil, nil), invoker, 0, nil)

	msg1 := &model.Message{ID: "m1", SessionID: "sess-7", SenderType: model.SenderUser, SenderID: "alice", Content: "@Reviewer first", CreatedAt: time.Now()}
	require.NoError(t, repo.CreateMessage(ctx, msg1))
	require.NoError(t, sched.HandleMessage(ctx, "sess-7", msg1))

	require.Eventually(t, func() bool {
		sa, err := repo.GetSessionAgent(ctx, "sess-7", "agent-1")
		return err == nil && sa.State == model.StateRunning
	}, time.Second, 5*time.Millisecond)

	msg2 := &model.Message{ID: "m2", SessionID: "sess-7", SenderType: model.SenderUser, SenderID: "alice", Content: "@Reviewer second", CreatedAt: time.Now().Add(time.Second)}
	require.NoError(t, repo.CreateMessage(ctx, msg2))
	require.NoError(t, sched.HandleMessage(ctx, "sess-7", msg2))

	require.NoError(t, sched.StopAgent(ctx, "sess-7", "sa-agent-1"))

	sa, err := repo.GetSessionAgent(ctx, "sess-7", "agent-1")
	require.NoError(t, err)
	require.Equal(t, model.StateDead, sa.State)

	got2, err := repo.GetMessage(ctx, "m2")
	require.NoError(t, err)
	require.Equal(t, model.MentionFailed, got2.Meta.MentionStatuses["Reviewer"])

	// the cancelled run's own late completion (via the released invoker)
	// must not resurrect state or re-process anything.
	close(invoker.release)
	time.Sleep(50 * time.Millisecond)
	sa, err = repo.GetSessionAgent(ctx, "sess-7", "agent-1")
	require.NoError(t, err)
	require.Equal(t, model.StateDead, sa.State)
}

func TestScheduler_HandleMessage_AmbiguousMentionSkipped(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.CreateSession(ctx, &model.Session{ID: "sess-8", Status: model.SessionActive}))
	require.NoError(t, repo.CreateAgent(ctx, &model.Agent{ID: "agent-a", Name: "reviewer", RunnerType: "mock"}))
	require.NoError(t, repo.CreateAgent(ctx, &model.Agent{ID: "agent-b", Name: "Reviewer", RunnerType: "mock"}))
	require.NoError(t, repo.UpsertSessionAgent(ctx, &model.SessionAgent{ID: "sa-a", SessionID: "sess-8", AgentID: "agent-a"}))
	require.NoError(t, repo.UpsertSessionAgent(ctx, &model.SessionAgent{ID: "sa-b", SessionID: "sess-8", AgentID: "agent-b"}))

	invoker := newScriptedInvoker(model.StateIdle)
	sched := New(repo, eventbus.New(16, nil, nil), invoker, 0, nil)

	msg := &model.Message{ID: "m1", SessionID: "sess-8", SenderType: model.SenderUser, SenderID: "alice", Content: "@REVIEWER help", CreatedAt: time.Now()}
	require.NoError(t, repo.CreateMessage(ctx, msg))

	require.NoError(t, sched.HandleMessage(ctx, "sess-8", msg))
	require.Equal(t, 0, invoker.callCount())

	got, err := repo.GetMessage(ctx, "m1")
	require.NoError(t, err)
	require.Empty(t, got.Meta.MentionStatuses)
}
