// Package scheduler implements the Scheduler & Queue (C7): the
// per-SessionAgent four-state machine, its FIFO message queue, mention
// resolution on message arrival, and the chain-depth guard, grounded on the
// state-machine/queue pattern already used for mention-status lattices in
// internal/chat/model and wired onto internal/chat/mention and
// internal/chat/eventbus.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chatrunner/chatrunner/internal/chat/eventbus"
	"github.com/chatrunner/chatrunner/internal/chat/mention"
	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/chat/store"
	"github.com/chatrunner/chatrunner/internal/common/logger"
)

// Job describes one mention's worth of work handed to a RunInvoker.
type Job struct {
	SessionID      string
	SessionAgentID string
	AgentID        string
	AgentName      string
	Message        *model.Message
}

// RunInvoker is the Scheduler's sole collaborator for actually driving a
// subprocess; internal/chat/supervisor implements it. Invoke runs
// synchronously from the Scheduler's point of view (the Scheduler calls it
// from its own background goroutine) and must honor ctx cancellation from
// StopAgent. It returns the terminal SessionAgentState the run finalized
// into: StateIdle on success, StateDead on failure.
type RunInvoker interface {
	Invoke(ctx context.Context, job Job) model.SessionAgentState
}

// queuedMention is one FIFO entry awaiting a SessionAgent to become Idle.
// AgentName is the mention text as written, not the resolved Agent.Name, so
// a rename between enqueue and pop re-resolves correctly (or fails cleanly
// if the name no longer exists).
type queuedMention struct {
	agentName string
	agentID   string
	message   *model.Message
}

// Scheduler owns per-SessionAgent scheduling state. It holds no reference to
// a Run Supervisor type; RunInvoker is the only coupling, kept swappable for
// tests (the scenario tests substitute a scripted RunInvoker).
type Scheduler struct {
	store         store.Store
	bus           *eventbus.Bus
	invoker       RunInvoker
	log           *logger.Logger
	maxChainDepth int

	mu         sync.Mutex
	queues     map[string][]queuedMention    // sessionAgentID -> FIFO queue
	cancels    map[string]context.CancelFunc // sessionAgentID -> live run's cancel
	generation map[string]int64              // sessionAgentID -> bumped each Running transition
}

// New wires a Scheduler to st, bus, and invoker. maxChainDepth bounds
// agent-to-agent mention chains (config's runner.maxAgentChainDepth); a
// value <= 0 falls back to model.MaxAgentChainDepth.
func New(st store.Store, bus *eventbus.Bus, invoker RunInvoker, maxChainDepth int, log *logger.Logger) *Scheduler {
	if log == nil {
		log = logger.Default()
	}
	if maxChainDepth <= 0 {
		maxChainDepth = model.MaxAgentChainDepth
	}
	return &Scheduler{
		store:         st,
		bus:           bus,
		invoker:       invoker,
		maxChainDepth: maxChainDepth,
		log:           log,
		queues:        make(map[string][]queuedMention),
		cancels:       make(map[string]context.CancelFunc),
		generation:    make(map[string]int64),
	}
}

// HandleMessage runs the message-arrival logic (spec §4.7 steps 1-6) for
// every mention/directive found in msg. It never blocks on a spawned run:
// runs that transition a SessionAgent to Running are launched on their own
// goroutine.
func (s *Scheduler) HandleMessage(ctx context.Context, sessionID string, msg *model.Message) error {
	if msg.Meta.ChainDepth >= s.maxChainDepth {
		s.log.WithContext(ctx).Warn("message at max chain depth, no new runs triggered",
			zap.String("message_id", msg.ID), zap.Int("chain_depth", msg.Meta.ChainDepth))
		return nil
	}

	var handles []string
	switch msg.SenderType {
	case model.SenderUser:
		handles = mention.ParseMentions(msg.Content)
	case model.SenderAgent:
		handles = mention.ParseSendMessageDirectives(msg.Content)
	default:
		return nil
	}

	for _, handle := range handles {
		if err := s.arrive(ctx, sessionID, msg, handle); err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("mention arrival failed",
				zap.String("message_id", msg.ID), zap.String("mention", handle))
		}
	}
	return nil
}

// arrive implements steps 1-5 for one resolved mention.
func (s *Scheduler) arrive(ctx context.Context, sessionID string, msg *model.Message, handle string) error {
	agent, sa, err := s.store.ResolveAgentByName(ctx, sessionID, handle)
	if err != nil {
		var ambiguous *store.ErrAmbiguousName
		if errors.As(err, &ambiguous) {
			s.log.WithContext(ctx).Warn("ambiguous mention, skipping", zap.String("mention", handle))
			return nil
		}
		return s.reportMentionFailure(ctx, sessionID, msg, handle, "not a member of this session")
	}

	// Step 3: self-mentions and @you are never new runs.
	if msg.SenderType == model.SenderAgent && agent.ID == msg.SenderID {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if sa.State == model.StateRunning {
		s.queues[sa.ID] = append(s.queues[sa.ID], queuedMention{agentName: handle, agentID: agent.ID, message: msg})
		return s.store.UpdateMessageMentionStatus(ctx, msg.ID, handle, model.MentionReceived)
	}

	return s.startRunLocked(ctx, sessionID, sa, agent, handle, msg)
}

// reportMentionFailure implements step 2: a System message and a terminal
// Failed mention status.
func (s *Scheduler) reportMentionFailure(ctx context.Context, sessionID string, msg *model.Message, handle, reason string) error {
	sys := &model.Message{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		SenderType: model.SenderSystem,
		Content:    fmt.Sprintf("Agent %q failed to execute this mention: %s", handle, reason),
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, sys); err != nil {
		return err
	}
	s.bus.Publish(ctx, eventbus.NewMessageEvent(sessionID, sys))

	if err := s.store.UpdateMessageMentionStatus(ctx, msg.ID, handle, model.MentionFailed); err != nil {
		return err
	}
	s.bus.Publish(ctx, eventbus.NewMentionAcknowledgedEvent(sessionID, eventbus.MentionAcknowledgedPayload{
		MessageID:      msg.ID,
		MentionedAgent: handle,
		Status:         model.MentionFailed,
	}))
	return nil
}

// startRunLocked implements step 5: transition to Running and launch the
// invoker on its own goroutine. Caller must hold s.mu.
func (s *Scheduler) startRunLocked(ctx context.Context, sessionID string, sa *model.SessionAgent, agent *model.Agent, handle string, msg *model.Message) error {
	if err := s.store.UpdateSessionAgentState(ctx, sa.ID, model.StateRunning); err != nil {
		return err
	}
	if err := s.store.UpdateMessageMentionStatus(ctx, msg.ID, handle, model.MentionRunning); err != nil {
		return err
	}

	started := time.Now().UTC()
	s.bus.Publish(ctx, eventbus.NewAgentStateEvent(sessionID, eventbus.AgentStatePayload{
		SessionAgentID: sa.ID, AgentID: agent.ID, State: model.StateRunning, StartedAt: &started,
	}))
	s.bus.Publish(ctx, eventbus.NewMentionAcknowledgedEvent(sessionID, eventbus.MentionAcknowledgedPayload{
		MessageID: msg.ID, MentionedAgent: handle, AgentID: agent.ID, Status: model.MentionRunning,
	}))

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancels[sa.ID] = cancel
	s.generation[sa.ID]++
	gen := s.generation[sa.ID]

	job := Job{SessionID: sessionID, SessionAgentID: sa.ID, AgentID: agent.ID, AgentName: handle, Message: msg}
	go s.runAndAdvance(runCtx, cancel, sessionID, sa.ID, agent.ID, gen, job)
	return nil
}

// runAndAdvance invokes the RunInvoker, then applies step 6: on Idle it
// pops the next queued mention and re-enters step 1; on Dead it fails the
// whole queue. A stale generation (meaning StopAgent already forced Dead
// and drained the queue for this SessionAgent) is a no-op here.
func (s *Scheduler) runAndAdvance(ctx context.Context, cancel context.CancelFunc, sessionID, sessionAgentID, agentID string, gen int64, job Job) {
	defer cancel()
	final := s.invoker.Invoke(ctx, job)

	s.mu.Lock()
	if s.generation[sessionAgentID] != gen {
		// StopAgent (or a later run) already resolved this SessionAgent;
		// this completion is stale and must not re-advance anything.
		s.mu.Unlock()
		return
	}
	delete(s.cancels, sessionAgentID)
	queue := s.queues[sessionAgentID]
	if final == model.StateDead {
		delete(s.queues, sessionAgentID)
	}
	s.mu.Unlock()

	if err := s.store.UpdateSessionAgentState(context.Background(), sessionAgentID, final); err != nil {
		s.log.WithError(err).Warn("failed to persist terminal session-agent state",
			zap.String("session_agent_id", sessionAgentID))
	}
	if final == model.StateDead {
		if err := s.store.ClearSessionAgentHandles(context.Background(), sessionAgentID); err != nil {
			s.log.WithError(err).Warn("failed to clear executor handles on Dead transition",
				zap.String("session_agent_id", sessionAgentID))
		}
	}
	s.bus.Publish(context.Background(), eventbus.NewAgentStateEvent(sessionID, eventbus.AgentStatePayload{
		SessionAgentID: sessionAgentID, AgentID: agentID, State: final,
	}))

	// The mention that triggered this very run reaches its own terminal
	// status here; queued mentions (if any) are handled separately below.
	terminalStatus := model.MentionCompleted
	if final == model.StateDead {
		terminalStatus = model.MentionFailed
	}
	if err := s.store.UpdateMessageMentionStatus(context.Background(), job.Message.ID, job.AgentName, terminalStatus); err != nil {
		s.log.WithError(err).Warn("failed to finalize triggering mention status")
	}
	s.bus.Publish(context.Background(), eventbus.NewMentionAcknowledgedEvent(sessionID, eventbus.MentionAcknowledgedPayload{
		MessageID: job.Message.ID, MentionedAgent: job.AgentName, AgentID: agentID, Status: terminalStatus,
	}))

	if final == model.StateDead {
		s.failQueue(context.Background(), sessionID, queue)
		return
	}

	s.popNext(context.Background(), sessionID, sessionAgentID)
}

// popNext implements the Idle half of step 6: dequeue the oldest pending
// mention (if any) and re-run the full arrival logic for it, so a renamed
// or since-removed agent is handled exactly as a fresh mention would be.
func (s *Scheduler) popNext(ctx context.Context, sessionID, sessionAgentID string) {
	s.mu.Lock()
	queue := s.queues[sessionAgentID]
	if len(queue) == 0 {
		s.mu.Unlock()
		return
	}
	next := queue[0]
	s.queues[sessionAgentID] = queue[1:]
	s.mu.Unlock()

	if err := s.arrive(ctx, sessionID, next.message, next.agentName); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("failed to re-enter queued mention",
			zap.String("session_agent_id", sessionAgentID))
	}
}

// failQueue implements the Dead half of step 6: every queued mention is
// marked Failed and the queue is dropped.
func (s *Scheduler) failQueue(ctx context.Context, sessionID string, queue []queuedMention) {
	for _, q := range queue {
		if err := s.store.UpdateMessageMentionStatus(ctx, q.message.ID, q.agentName, model.MentionFailed); err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("failed to mark queued mention failed")
			continue
		}
		s.bus.Publish(ctx, eventbus.NewMentionAcknowledgedEvent(sessionID, eventbus.MentionAcknowledgedPayload{
			MessageID:      q.message.ID,
			MentionedAgent: q.agentName,
			AgentID:        q.agentID,
			Status:         model.MentionFailed,
		}))
	}
}

// StopAgent implements the cooperative cancellation path from §5: it
// triggers the stored cancellation token, forces state to Dead, emits
// AgentState{Dead}, fails any queued mentions, and removes the token so a
// late exit signal from the cancelled run cannot resurrect it.
func (s *Scheduler) StopAgent(ctx context.Context, sessionID, sessionAgentID string) error {
	s.mu.Lock()
	cancel, hasRun := s.cancels[sessionAgentID]
	queue := s.queues[sessionAgentID]
	delete(s.cancels, sessionAgentID)
	delete(s.queues, sessionAgentID)
	s.generation[sessionAgentID]++
	s.mu.Unlock()

	if hasRun {
		cancel()
	}

	if err := s.store.UpdateSessionAgentState(ctx, sessionAgentID, model.StateDead); err != nil {
		return err
	}
	if err := s.store.ClearSessionAgentHandles(ctx, sessionAgentID); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("failed to clear executor handles on manual stop",
			zap.String("session_agent_id", sessionAgentID))
	}
	agentID := s.lookupAgentID(ctx, sessionID, sessionAgentID)
	s.bus.Publish(ctx, eventbus.NewAgentStateEvent(sessionID, eventbus.AgentStatePayload{
		SessionAgentID: sessionAgentID, AgentID: agentID, State: model.StateDead,
	}))
	s.failQueue(ctx, sessionID, queue)
	return nil
}

// lookupAgentID resolves sessionAgentID's underlying AgentID for event
// payloads; it returns sessionAgentID unchanged if the row can't be found
// (e.g. it was already deleted), which only affects event metadata, never
// control flow.
func (s *Scheduler) lookupAgentID(ctx context.Context, sessionID, sessionAgentID string) string {
	sas, err := s.store.ListSessionAgents(ctx, sessionID)
	if err != nil {
		return sessionAgentID
	}
	for _, sa := range sas {
		if sa.ID == sessionAgentID {
			return sa.AgentID
		}
	}
	return sessionAgentID
}
