// Package supervisor implements the Run Supervisor (C6): given a mention
// already classified as triggering an agent, it prepares the agent's
// workspace and run directory, snapshots context via internal/chat/contextbuilder,
// assembles the deterministic prompt via internal/chat/prompt, spawns or
// resumes an Executor from internal/chat/executor's catalog, bridges its
// streamed output into internal/chat/eventbus AgentDelta events, and on
// completion captures the working-tree diff via internal/chat/gitcapture,
// writes the run's artifact files, and creates the agent's reply message.
// Grounded stylistically on internal/agent/lifecycle's run-orchestration
// files (the closest donor analogue to a per-invocation supervised task),
// generalized from a single CLI-passthrough task to the chat group's
// spawn/resume/stream/finalize lifecycle.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chatrunner/chatrunner/internal/chat/contextbuilder"
	"github.com/chatrunner/chatrunner/internal/chat/eventbus"
	"github.com/chatrunner/chatrunner/internal/chat/executor"
	"github.com/chatrunner/chatrunner/internal/chat/gitcapture"
	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/chat/prompt"
	"github.com/chatrunner/chatrunner/internal/chat/scheduler"
	"github.com/chatrunner/chatrunner/internal/chat/store"
	"github.com/chatrunner/chatrunner/internal/common/constants"
	"github.com/chatrunner/chatrunner/internal/common/logger"
	"github.com/chatrunner/chatrunner/internal/common/stringutil"
	"github.com/chatrunner/chatrunner/internal/common/tracing"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var _ scheduler.RunInvoker = (*Supervisor)(nil)

// MessageDispatcher re-enters the Scheduler for a message the Supervisor
// itself created (the agent's reply), so mentions inside a chain reply keep
// triggering further runs. Kept as a narrow interface here — matching the
// Compactor/RunInvoker decoupling already used between contextbuilder,
// compression and scheduler — so supervisor never imports the concrete
// Scheduler type it is driven by.
type MessageDispatcher interface {
	HandleMessage(ctx context.Context, sessionID string, msg *model.Message) error
}

// noopDispatcher is used until the composition root wires a real Scheduler,
// so Invoke never needs a nil check at the call site.
type noopDispatcher struct{}

func (noopDispatcher) HandleMessage(context.Context, string, *model.Message) error { return nil }

// Supervisor implements scheduler.RunInvoker.
type Supervisor struct {
	store            store.Store
	catalog          *executor.Catalog
	builder          *contextbuilder.Builder
	bus              *eventbus.Bus
	dispatcher       MessageDispatcher
	assetDir         string
	spawnTimeout     time.Duration
	exitPollInterval time.Duration
	log              *logger.Logger
}

// New wires a Supervisor. assetDir roots default per-agent workspace_path
// derivation (spec.md §4.5 step 1). dispatcher may be set later via
// SetDispatcher once the composition root has built its Scheduler, breaking
// the Scheduler <-> Supervisor construction cycle. spawnTimeout bounds one
// run end to end (config's runner.spawnTimeoutSeconds); exitPollInterval is
// the cooperative exit-poll cadence (runner.exitPollIntervalMillis). Either
// falling back to its constants default when <= 0.
func New(st store.Store, catalog *executor.Catalog, builder *contextbuilder.Builder, bus *eventbus.Bus, assetDir string, spawnTimeout, exitPollInterval time.Duration, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	if spawnTimeout <= 0 {
		spawnTimeout = constants.PromptTimeout
	}
	if exitPollInterval <= 0 {
		exitPollInterval = constants.ExitPollInterval
	}
	return &Supervisor{
		store:            st,
		catalog:          catalog,
		builder:          builder,
		bus:              bus,
		dispatcher:       noopDispatcher{},
		assetDir:         assetDir,
		spawnTimeout:     spawnTimeout,
		exitPollInterval: exitPollInterval,
		log:              log,
	}
}

// SetDispatcher wires the Scheduler that re-enters message arrival for the
// agent replies this Supervisor creates.
func (s *Supervisor) SetDispatcher(d MessageDispatcher) {
	if d == nil {
		d = noopDispatcher{}
	}
	s.dispatcher = d
}

// Invoke runs one full Run Supervisor cycle for job and returns the terminal
// SessionAgentState; callers (the Scheduler) own persisting state, queue
// draining and mention-status finalization, Invoke owns everything that
// happens inside the run itself.
func (s *Supervisor) Invoke(ctx context.Context, job scheduler.Job) model.SessionAgentState {
	if err := s.run(ctx, job); err != nil {
		if errors.Is(err, context.Canceled) {
			s.log.WithContext(ctx).Info("run cancelled", zap.String("session_agent_id", job.SessionAgentID))
		} else {
			s.log.WithContext(ctx).WithError(err).Warn("run failed",
				zap.String("session_agent_id", job.SessionAgentID), zap.String("agent_id", job.AgentID))
		}
		return model.StateDead
	}
	return model.StateIdle
}

// run implements spec.md §4.5 steps 1-11 end to end.
func (s *Supervisor) run(ctx context.Context, job scheduler.Job) (err error) {
	ctx, span := tracing.Tracer("chat-runner/supervisor").Start(ctx, "supervisor.run",
		trace.WithAttributes(
			attribute.String("session_id", job.SessionID),
			attribute.String("session_agent_id", job.SessionAgentID),
			attribute.String("agent_id", job.AgentID),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	agent, err := s.store.GetAgent(ctx, job.AgentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	sa, err := s.store.GetSessionAgent(ctx, job.SessionID, job.AgentID)
	if err != nil {
		return fmt.Errorf("load session agent: %w", err)
	}

	runnerType, err := executor.ParseRunnerType(agent.RunnerType)
	if err != nil {
		return fmt.Errorf("parse runner type: %w", err)
	}
	exec, ok := s.catalog.Get(runnerType)
	if !ok {
		return fmt.Errorf("no executor registered for runner type %q", runnerType)
	}

	workspace, err := s.ensureWorkspace(ctx, job.SessionID, agent.ID, sa)
	if err != nil {
		return fmt.Errorf("ensure workspace: %w", err)
	}

	run, err := s.createRunRecord(ctx, job.SessionID, sa.ID, workspace)
	if err != nil {
		return fmt.Errorf("create run record: %w", err)
	}

	ctxResult, err := s.builder.Build(ctx, job.SessionID, workspace, run.RunDir)
	if err != nil {
		return fmt.Errorf("build context snapshot: %w", err)
	}
	if ctxResult.Warning != nil {
		s.bus.Publish(ctx, eventbus.NewCompressionWarningEvent(job.SessionID, *ctxResult.Warning))
	}

	if err := s.stageReferenceAndAttachments(ctx, job.Message, run.RunDir); err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("failed to stage references/attachments",
			zap.String("run_id", run.ID))
	}

	members, err := s.groupMemberSummary(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("build group member summary: %w", err)
	}

	absContext, err := filepath.Abs(ctxResult.ContextPath)
	if err != nil {
		absContext = ctxResult.ContextPath
	}

	promptInput := prompt.Input{
		AgentSystemPrompt: agent.SystemPrompt,
		Members:           members,
		ContextPath:       absContext,
		SessionID:         job.SessionID,
		FromLabel:         s.senderLabel(ctx, job.Message),
		ToAgentName:       agent.Name,
		MessageID:         job.Message.ID,
		Timestamp:         job.Message.CreatedAt,
		ReferenceMessage:  s.renderReference(ctx, job.Message),
		Attachments:       renderAttachments(job.Message.Meta.Attachments),
		SenderHandle:      senderHandle(job.Message),
		MessageContent:    job.Message.Content,
	}
	systemPrompt := prompt.BuildSystem(promptInput)
	userPrompt := prompt.BuildUser(promptInput)
	fullPrompt := systemPrompt + "\n\n" + userPrompt

	if err := os.WriteFile(run.InputPath(), []byte(fullPrompt), 0o644); err != nil {
		return fmt.Errorf("write input.md: %w", err)
	}

	env := map[string]string{
		"VK_CHAT_SESSION_ID":       job.SessionID,
		"VK_CHAT_AGENT_ID":         agent.ID,
		"VK_CHAT_SESSION_AGENT_ID": sa.ID,
		"VK_CHAT_RUN_ID":           run.ID,
		"VK_CHAT_CONTEXT_PATH":     absContext,
		"VK_CHAT_CONTEXT_RUN_PATH": run.ContextPath(),
	}
	if variant := agent.ExecutorProfileVariant(); variant != "" {
		env["VK_CHAT_EXECUTOR_PROFILE_VARIANT"] = variant
	}

	spawnOpts := executor.SpawnOptions{
		Workspace:             workspace,
		Prompt:                fullPrompt,
		Env:                   env,
		ExecutorSessionHandle: sa.ExecutorSessionHandle,
		ExecutorMessageHandle: sa.ExecutorMessageHandle,
	}

	runCtx, cancelRun := context.WithTimeout(ctx, s.spawnTimeout)
	defer cancelRun()

	var child *executor.SpawnedChild
	if sa.ExecutorSessionHandle != "" {
		child, err = exec.SpawnFollowUp(runCtx, spawnOpts)
	} else {
		child, err = exec.Spawn(runCtx, spawnOpts)
	}
	if err != nil {
		return fmt.Errorf("spawn executor: %w", err)
	}

	if child.SessionID != "" && child.SessionID != sa.ExecutorSessionHandle {
		if err := s.store.SetSessionAgentHandles(ctx, sa.ID, child.SessionID, sa.ExecutorMessageHandle); err != nil {
			s.log.WithContext(ctx).WithError(err).Warn("failed to persist executor session handle")
		}
		sa.ExecutorSessionHandle = child.SessionID
	}

	outcome, err := s.streamAndFinalize(runCtx, exec, child, job, agent, sa, run, fullPrompt)
	if err != nil {
		return err
	}
	if outcome.cancelled {
		return context.Canceled
	}
	if !outcome.success {
		return fmt.Errorf("executor run did not succeed")
	}
	return nil
}

// ensureWorkspace implements step 1.
func (s *Supervisor) ensureWorkspace(ctx context.Context, sessionID, agentID string, sa *model.SessionAgent) (string, error) {
	if sa.WorkspacePath != "" {
		return sa.WorkspacePath, nil
	}
	workspace := filepath.Join(s.assetDir, "chat", "session_"+sessionID, "agents", agentID)
	if err := os.MkdirAll(workspace, 0o755); err != nil {
		return "", err
	}
	if err := s.store.SetSessionAgentWorkspace(ctx, sa.ID, workspace); err != nil {
		return "", err
	}
	sa.WorkspacePath = workspace
	return workspace, nil
}

// createRunRecord implements step 2.
func (s *Supervisor) createRunRecord(ctx context.Context, sessionID, sessionAgentID, workspace string) (*model.Run, error) {
	runIndex, err := s.store.NextRunIndex(ctx, sessionAgentID)
	if err != nil {
		return nil, err
	}
	runDir := filepath.Join(workspace, ".agents_chatgroup", "runs", sessionID, "run_records",
		fmt.Sprintf("session_agent_%s_run_%04d", sessionAgentID, runIndex))
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, err
	}
	run := &model.Run{
		ID:             uuid.New().String(),
		SessionID:      sessionID,
		SessionAgentID: sessionAgentID,
		RunIndex:       runIndex,
		RunDir:         runDir,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// stageReferenceAndAttachments implements step 4, rejecting any path that is
// absolute or contains "..", same rule as gitcapture's untracked-file mirror.
func (s *Supervisor) stageReferenceAndAttachments(ctx context.Context, msg *model.Message, runDir string) error {
	if msg.Meta.ReferenceMessageID != "" {
		ref, err := s.store.GetMessage(ctx, msg.Meta.ReferenceMessageID)
		if err != nil {
			var nf *store.ErrNotFound
			if !errors.As(err, &nf) {
				return err
			}
		} else {
			if err := copyAttachments(ref.Meta.Attachments, filepath.Join(runDir, "references", ref.ID)); err != nil {
				return err
			}
		}
	}
	return copyAttachments(msg.Meta.Attachments, filepath.Join(runDir, "attachments", msg.ID))
}

func copyAttachments(attachments []model.Attachment, destDir string) error {
	for _, a := range attachments {
		if gitcapture.IsRejectedPath(a.Path) {
			continue
		}
		data, err := os.ReadFile(a.Path)
		if err != nil {
			continue
		}
		name := filepath.Base(a.FileName)
		if name == "" || name == "." {
			name = filepath.Base(a.Path)
		}
		if err := os.MkdirAll(destDir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(filepath.Join(destDir, name), data, 0o644); err != nil {
			return err
		}
	}
	return nil
}

// groupMemberSummary implements step 5.
func (s *Supervisor) groupMemberSummary(ctx context.Context, sessionID string) ([]prompt.GroupMember, error) {
	sas, err := s.store.ListSessionAgents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	members := make([]prompt.GroupMember, 0, len(sas))
	for _, sa := range sas {
		a, err := s.store.GetAgent(ctx, sa.AgentID)
		if err != nil {
			continue
		}
		members = append(members, prompt.GroupMember{
			Name:        a.Name,
			Description: describeAgent(a),
			State:       sa.State,
		})
	}
	return members, nil
}

// describeAgent derives a one-line member description from an agent's
// system prompt, since Agent carries no separate description field.
func describeAgent(a *model.Agent) string {
	first := strings.TrimSpace(a.SystemPrompt)
	if idx := strings.IndexAny(first, ".\n"); idx >= 0 {
		first = first[:idx]
	}
	first = strings.TrimSpace(stringutil.TruncateStringWithEllipsis(first, 120))
	if first == "" {
		return string(a.RunnerType) + " agent"
	}
	return first
}

// senderLabel and senderHandle render the ENVELOPE "from" value and the
// USER_MESSAGE handle prefix for msg.
func (s *Supervisor) senderLabel(ctx context.Context, msg *model.Message) string {
	switch msg.SenderType {
	case model.SenderUser:
		return "user:" + msg.SenderID
	case model.SenderAgent:
		if a, err := s.store.GetAgent(ctx, msg.SenderID); err == nil {
			return "agent:" + a.Name
		}
		return "agent:" + msg.SenderID
	default:
		return "system"
	}
}

func senderHandle(msg *model.Message) string {
	switch msg.SenderType {
	case model.SenderUser:
		return msg.SenderID
	case model.SenderAgent:
		return msg.SenderID
	default:
		return "system"
	}
}

// replyHandle derives the @-handle an agent's reply should be addressed to,
// sanitized down to the characters a mention can contain. Falls back to
// "you" when the triggering sender has no usable handle.
func replyHandle(msg *model.Message) string {
	var b strings.Builder
	for _, r := range senderHandle(msg) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "you"
	}
	return b.String()
}

// applyReplyPrefix prepends "@handle " to content so chained agent replies
// stay addressed to whoever triggered the run, unless it's already there.
func applyReplyPrefix(content, handle string) string {
	prefix := "@" + handle + " "
	trimmed := strings.TrimLeft(content, " \t\n\r")
	if strings.HasPrefix(trimmed, prefix) {
		return content
	}
	return prefix + trimmed
}

func (s *Supervisor) renderReference(ctx context.Context, msg *model.Message) string {
	if msg.Meta.ReferenceMessageID == "" {
		return ""
	}
	ref, err := s.store.GetMessage(ctx, msg.Meta.ReferenceMessageID)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", s.senderLabel(ctx, ref), strings.TrimSpace(ref.Content))
}

func renderAttachments(attachments []model.Attachment) string {
	if len(attachments) == 0 {
		return ""
	}
	var b strings.Builder
	for i, a := range attachments {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "- %s (%s)", a.FileName, a.Path)
	}
	return b.String()
}

// runOutcome carries the exit-watch result (step 10) into finalize (step 11).
type runOutcome struct {
	success   bool
	cancelled bool
}

// waitForExit implements step 10: a poll loop racing the executor's own
// exit signal, whichever resolves first wins, with manual cancellation
// (ctx.Done from StopAgent) taking priority over both.
func waitForExit(ctx context.Context, child *executor.SpawnedChild, pollInterval time.Duration) runOutcome {
	resultCh := make(chan runOutcome, 2)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-child.Done:
				resultCh <- runOutcome{success: child.Wait() == nil}
				return nil
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	g.Go(func() error {
		select {
		case outcome, ok := <-child.ExitCh:
			if ok {
				resultCh <- runOutcome{success: outcome == executor.ExitSuccess}
			}
			return nil
		case <-gctx.Done():
			return nil
		}
	})

	select {
	case <-ctx.Done():
		child.Cancel()
		_ = g.Wait()
		return runOutcome{cancelled: true}
	case out := <-resultCh:
		child.Cancel()
		_ = g.Wait()
		return out
	}
}
