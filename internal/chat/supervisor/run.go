package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatrunner/chatrunner/internal/chat/eventbus"
	"github.com/chatrunner/chatrunner/internal/chat/executor"
	"github.com/chatrunner/chatrunner/internal/chat/gitcapture"
	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/chat/scheduler"
	"github.com/chatrunner/chatrunner/internal/chat/tokenest"
	"github.com/chatrunner/chatrunner/internal/common/appctx"
	"github.com/chatrunner/chatrunner/internal/common/constants"
)

// streamBridge implements §4.6's Streaming & Delta Protocol: it tracks the
// last-seen content per normalized-entry index so repeated entries at the
// same index can be reduced to an incremental delta, and accumulates the
// latest full assistant text for the synthetic is_final event emitted at
// finalize.
type streamBridge struct {
	mu              sync.Mutex
	nextIndex       int
	lastContent     map[int]string
	latestAssistant string
	tokenUsage      *model.TokenUsage
}

func newStreamBridge() *streamBridge {
	return &streamBridge{lastContent: make(map[int]string)}
}

// ingest normalizes one raw output line and publishes the resulting
// AgentDelta events, implementing the per-entry half of §4.6.
func (s *Supervisor) ingest(ctx context.Context, exec executor.Executor, bridge *streamBridge, job scheduler.Job, raw string) {
	bridge.mu.Lock()
	entries := exec.NormalizeLogs(raw, bridge.nextIndex)
	for range entries {
		bridge.nextIndex++
	}
	bridge.mu.Unlock()

	for _, entry := range entries {
		switch entry.Kind {
		case executor.LogAssistantMessage, executor.LogThinking:
			s.emitDelta(ctx, bridge, job, entry)
		case executor.LogTokenUsage:
			bridge.mu.Lock()
			bridge.tokenUsage = &model.TokenUsage{
				TotalTokens:  entry.TotalTokens,
				InputTokens:  entry.InputTokens,
				OutputTokens: entry.OutputTokens,
			}
			bridge.mu.Unlock()
		}
	}
}

// emitDelta computes current-minus-prior for entry.Index and publishes an
// AgentDelta when the result is non-empty, per §4.6.
func (s *Supervisor) emitDelta(ctx context.Context, bridge *streamBridge, job scheduler.Job, entry executor.LogEntry) {
	bridge.mu.Lock()
	prior := bridge.lastContent[entry.Index]
	current := entry.Content
	var delta string
	isDelta := strings.HasPrefix(current, prior)
	if isDelta {
		delta = current[len(prior):]
	} else {
		delta = current
	}
	bridge.lastContent[entry.Index] = current
	streamType := eventbus.StreamThinking
	if entry.Kind == executor.LogAssistantMessage {
		streamType = eventbus.StreamAssistant
		bridge.latestAssistant = current
	}
	bridge.mu.Unlock()

	if delta == "" {
		return
	}
	s.bus.Publish(ctx, eventbus.NewAgentDeltaEvent(job.SessionID, eventbus.AgentDeltaPayload{
		SessionAgentID: job.SessionAgentID,
		AgentID:        job.AgentID,
		StreamType:     streamType,
		Content:        delta,
		Delta:          isDelta,
		IsFinal:        false,
	}))
}

// streamAndFinalize implements steps 9-11: concurrent stdout/stderr
// forwarding with raw.log capture, exit watching, and on completion the
// diff capture / meta.json / output.md / final message sequence.
func (s *Supervisor) streamAndFinalize(ctx context.Context, exec executor.Executor, child *executor.SpawnedChild, job scheduler.Job, agent *model.Agent, sa *model.SessionAgent, run *model.Run, fullPrompt string) (runOutcome, error) {
	rawLog := newRawLogAppender(run.RawLogPath())
	bridge := newStreamBridge()

	var fwg errgroup.Group
	fwg.Go(func() error {
		for line := range child.Stdout {
			_ = rawLog.append(line)
			s.ingest(ctx, exec, bridge, job, line)
		}
		return nil
	})
	fwg.Go(func() error {
		for line := range child.Stderr {
			_ = rawLog.append(line)
		}
		return nil
	})

	outcome := waitForExit(ctx, child, s.exitPollInterval)

	drainCtx, cancel := context.WithTimeout(context.Background(), constants.FinishedDrainTimeout)
	defer cancel()
	drained := make(chan struct{})
	go func() { _ = fwg.Wait(); close(drained) }()
	select {
	case <-drained:
	case <-drainCtx.Done():
	}

	if outcome.cancelled {
		return outcome, nil
	}

	if err := s.finalize(ctx, job, agent, sa, run, bridge, fullPrompt); err != nil {
		return outcome, err
	}
	return outcome, nil
}

// finalize is the artifact-producing half of step 11: git capture,
// meta.json, output.md, the final Agent message, and re-dispatching that
// message through the Scheduler so any mentions inside it keep chaining.
func (s *Supervisor) finalize(ctx context.Context, job scheduler.Job, agent *model.Agent, sa *model.SessionAgent, run *model.Run, bridge *streamBridge, fullPrompt string) error {
	gitResult, err := gitcapture.Capture(sa.WorkspacePath, run.RunDir)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("git capture failed", zap.String("run_id", run.ID))
	}

	bridge.mu.Lock()
	usage := bridge.tokenUsage
	latestAssistant := bridge.latestAssistant
	bridge.mu.Unlock()

	if latestAssistant != "" {
		s.bus.Publish(ctx, eventbus.NewAgentDeltaEvent(job.SessionID, eventbus.AgentDeltaPayload{
			SessionAgentID: job.SessionAgentID,
			AgentID:        job.AgentID,
			StreamType:     eventbus.StreamAssistant,
			Content:        latestAssistant,
			Delta:          false,
			IsFinal:        true,
		}))
	}

	if usage == nil {
		usage = &model.TokenUsage{
			InputTokens:  tokenest.EstimateTokens(fullPrompt),
			OutputTokens: tokenest.EstimateTokens(latestAssistant),
			IsEstimated:  true,
		}
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}

	if err := os.WriteFile(run.OutputPath(), []byte(latestAssistant), 0o644); err != nil {
		return fmt.Errorf("write output.md: %w", err)
	}

	chainDepth := job.Message.Meta.ChainDepth + 1
	meta := runMeta{
		RunID:          run.ID,
		SessionID:      job.SessionID,
		SessionAgentID: sa.ID,
		AgentID:        agent.ID,
		FinishedAt:     time.Now().UTC(),
		ChainDepth:     chainDepth,
		TokenUsage:     *usage,
		DiffAvailable:  gitResult.DiffAvailable,
		DiffTruncated:  gitResult.DiffTruncated,
		UntrackedFiles: gitResult.UntrackedFiles,
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal meta.json: %w", err)
	}
	if err := os.WriteFile(run.MetaPath(), metaJSON, 0o644); err != nil {
		return fmt.Errorf("write meta.json: %w", err)
	}

	if latestAssistant == "" {
		return nil
	}

	reply := &model.Message{
		ID:         uuid.New().String(),
		SessionID:  job.SessionID,
		SenderType: model.SenderAgent,
		SenderID:   agent.ID,
		Content:    applyReplyPrefix(latestAssistant, replyHandle(job.Message)),
		Meta: model.MessageMeta{
			ChainDepth: chainDepth,
			TokenUsage: usage,
		},
	}
	if err := s.store.CreateMessage(ctx, reply); err != nil {
		return fmt.Errorf("create agent reply message: %w", err)
	}
	if err := s.store.SetSessionAgentHandles(ctx, sa.ID, sa.ExecutorSessionHandle, reply.ID); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("failed to persist executor message handle",
			zap.String("session_agent_id", sa.ID))
	}
	s.bus.Publish(ctx, eventbus.NewMessageEvent(job.SessionID, reply))

	// Re-dispatching chained mentions must not be cut short just because
	// this run's own context (bounded by s.spawnTimeout) is about to expire
	// or was already cancelled by the time streaming finished.
	dispatchCtx, cancelDispatch := appctx.Detached(ctx, nil, constants.ChainDispatchTimeout)
	defer cancelDispatch()
	if err := s.dispatcher.HandleMessage(dispatchCtx, job.SessionID, reply); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("failed to re-dispatch agent reply for mentions",
			zap.String("message_id", reply.ID))
	}
	return nil
}

// runMeta mirrors the meta.json fields the artifact layout requires.
type runMeta struct {
	RunID          string           `json:"run_id"`
	SessionID      string           `json:"session_id"`
	SessionAgentID string           `json:"session_agent_id"`
	AgentID        string           `json:"agent_id"`
	FinishedAt     time.Time        `json:"finished_at"`
	ChainDepth     int              `json:"chain_depth"`
	TokenUsage     model.TokenUsage `json:"token_usage"`
	DiffAvailable  bool             `json:"diff_available,omitempty"`
	DiffTruncated  bool             `json:"diff_truncated,omitempty"`
	UntrackedFiles []string         `json:"untracked_files,omitempty"`
}

// rawLogAppender serializes concurrent stdout/stderr writers onto raw.log
// under an exclusive flock, grounded on the syscall.Flock pattern used
// elsewhere in the retrieved pack for cross-writer file locking.
type rawLogAppender struct {
	path string
	mu   sync.Mutex
}

func newRawLogAppender(path string) *rawLogAppender {
	return &rawLogAppender{path: path}
}

func (a *rawLogAppender) append(line string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return err
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	_, err = f.WriteString(line + "\n")
	return err
}
