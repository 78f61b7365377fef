// Package compression implements the Compression Engine (C4): it keeps a
// session's context under a token budget by replacing the oldest share of
// history with either an AI-written summary or, failing that, a truncation
// record, memoizing the result by a fingerprint of the source sequence so
// repeat runs over unchanged history are free.
package compression

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/chatrunner/chatrunner/internal/chat/executor"
	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/chat/store"
	"github.com/chatrunner/chatrunner/internal/chat/tokenest"
	"github.com/chatrunner/chatrunner/internal/common/config"
	"github.com/chatrunner/chatrunner/internal/common/constants"
	"github.com/chatrunner/chatrunner/internal/common/logger"
	"github.com/chatrunner/chatrunner/internal/common/tracing"
)

const summaryPromptHeader = "Summarize the following chat history while preserving key tasks, decisions, constraints, and references. Keep under 500 words. Return only the summary body. Do not ask follow-up questions. Do not run any tools or shell commands."

// Engine implements Compactor for internal/chat/contextbuilder and exposes
// Compute directly for tests and for a synchronous pre-check, but
// background callers should always go through TriggerAsync.
type Engine struct {
	store   store.Store
	catalog *executor.Catalog
	cfg     config.CompressionConfig
	log     *logger.Logger

	mu    sync.RWMutex
	cache map[string]*model.CompressionCacheEntry

	sf singleflight.Group
}

// NewEngine wires an Engine. A zero-value cfg falls back to the package
// constants.Default* thresholds.
func NewEngine(st store.Store, catalog *executor.Catalog, cfg config.CompressionConfig, log *logger.Logger) *Engine {
	if cfg.TokenThreshold == 0 {
		cfg.TokenThreshold = constants.DefaultCompressionTokenThreshold
	}
	if cfg.CompressionPercentage == 0 {
		cfg.CompressionPercentage = constants.DefaultCompressionPercentage
	}
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		store:   st,
		catalog: catalog,
		cfg:     cfg,
		log:     log,
		cache:   make(map[string]*model.CompressionCacheEntry),
	}
}

// TriggerAsync kicks a background recompute of sessionID's compression
// cache, deduplicated per session_id: a trigger arriving while one is
// already in flight for the same session is dropped rather than queued,
// per the concurrency model's "subsequent triggers are dropped" rule.
func (e *Engine) TriggerAsync(sessionID, workspaceDir string, full []model.SimplifiedMessage) {
	go func() {
		_, _, _ = e.sf.Do(sessionID, func() (any, error) {
			ctx, cancel := context.WithTimeout(context.Background(), constants.SummaryExecutionTimeout+constants.SummaryReapTimeout)
			defer cancel()
			entry, err := e.Compute(ctx, sessionID, workspaceDir, full)
			if err != nil {
				e.log.WithContext(ctx).WithError(err).Warn("background compaction failed")
				return nil, err
			}
			return entry, nil
		})
	}()
}

// Compute runs the full Compression Engine algorithm over full and persists
// the resulting cache entry to both the in-memory cache and Store.
func (e *Engine) Compute(ctx context.Context, sessionID, workspaceDir string, full []model.SimplifiedMessage) (result *model.CompressionCacheEntry, err error) {
	ctx, span := tracing.Tracer("chat-runner/compression").Start(ctx, "compression.Compute",
		trace.WithAttributes(
			attribute.String("session_id", sessionID),
			attribute.Int("message_count", len(full)),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	fingerprint := Fingerprint(full)

	cached := e.cachedEntry(ctx, sessionID)
	if cached != nil && cached.SourceFingerprint == fingerprint &&
		cached.TokenThreshold == e.cfg.TokenThreshold && cached.CompressionPercentage == e.cfg.CompressionPercentage {
		return cached, nil
	}

	base := full
	if cached != nil && cached.SourceMessageCount > 0 && cached.SourceMessageCount < len(full) {
		prefixFingerprint := Fingerprint(full[:cached.SourceMessageCount])
		if prefixFingerprint == cached.SourceFingerprint {
			base = append(append([]model.SimplifiedMessage{}, cached.Result...), full[cached.SourceMessageCount:]...)
		}
	}

	totalTokens := estimateSequenceTokens(base)
	if totalTokens <= e.cfg.TokenThreshold {
		entry := &model.CompressionCacheEntry{
			SessionID:             sessionID,
			SourceFingerprint:     fingerprint,
			SourceMessageCount:    len(full),
			TokenThreshold:        e.cfg.TokenThreshold,
			CompressionPercentage: e.cfg.CompressionPercentage,
			SourceTokens:          totalTokens,
			EffectiveTokens:       totalTokens,
			Type:                  model.CompressionNone,
			Result:                base,
		}
		e.persist(ctx, entry)
		return entry, nil
	}

	cutIndex := selectCutIndex(base, e.cfg.CompressionPercentage)
	prefix := base[:cutIndex]
	suffix := base[cutIndex:]

	if summary, ok := e.attemptAISummary(ctx, sessionID, prefix); ok {
		summarized := append([]model.SimplifiedMessage{{
			Sender:    "system:summary",
			Content:   "[History Summary]\n" + summary,
			Timestamp: time.Now().UTC(),
		}}, suffix...)
		newTokens := estimateSequenceTokens(summarized)
		if newTokens < totalTokens {
			entry := &model.CompressionCacheEntry{
				SessionID:             sessionID,
				SourceFingerprint:     fingerprint,
				SourceMessageCount:    len(full),
				TokenThreshold:        e.cfg.TokenThreshold,
				CompressionPercentage: e.cfg.CompressionPercentage,
				SourceTokens:          totalTokens,
				EffectiveTokens:       newTokens,
				Type:                  model.CompressionAiSummarized,
				Result:                summarized,
			}
			e.persist(ctx, entry)
			return entry, nil
		}
	}

	splitPath, err := e.writeCutoffFile(workspaceDir, sessionID, prefix)
	if err != nil {
		return nil, fmt.Errorf("compression: write cutoff file: %w", err)
	}

	warning := &model.CompressionWarning{
		Code:          "COMPRESSION_FALLBACK",
		Message:       fmt.Sprintf("[History Summary - Fallback] archived %d messages (~%d tokens) to %s", len(prefix), estimateSequenceTokens(prefix), splitPath),
		SplitFilePath: splitPath,
	}
	truncated := append([]model.SimplifiedMessage{{
		Sender:    "system:summary",
		Content:   warning.Message,
		Timestamp: time.Now().UTC(),
	}}, suffix...)

	entry := &model.CompressionCacheEntry{
		SessionID:             sessionID,
		SourceFingerprint:     fingerprint,
		SourceMessageCount:    len(full),
		TokenThreshold:        e.cfg.TokenThreshold,
		CompressionPercentage: e.cfg.CompressionPercentage,
		SourceTokens:          totalTokens,
		EffectiveTokens:       estimateSequenceTokens(truncated),
		Type:                  model.CompressionTruncated,
		Result:                truncated,
		Warning:               warning,
	}
	e.persist(ctx, entry)
	return entry, nil
}

func (e *Engine) cachedEntry(ctx context.Context, sessionID string) *model.CompressionCacheEntry {
	e.mu.RLock()
	entry, ok := e.cache[sessionID]
	e.mu.RUnlock()
	if ok {
		return entry
	}

	persisted, err := e.store.GetCompressionCache(ctx, sessionID)
	if err != nil {
		return nil
	}
	e.mu.Lock()
	e.cache[sessionID] = persisted
	e.mu.Unlock()
	return persisted
}

func (e *Engine) persist(ctx context.Context, entry *model.CompressionCacheEntry) {
	e.mu.Lock()
	e.cache[entry.SessionID] = entry
	e.mu.Unlock()

	if err := e.store.PutCompressionCache(ctx, entry); err != nil {
		e.log.WithContext(ctx).WithError(err).Warn("persisting compression cache failed")
	}
}

// writeCutoffFile writes prefix to the smallest unused
// cutoff_message_<n>.json under the session's context directory.
func (e *Engine) writeCutoffFile(workspaceDir, sessionID string, prefix []model.SimplifiedMessage) (string, error) {
	contextDir := filepath.Join(workspaceDir, ".agents_chatgroup", "context", sessionID)
	if err := os.MkdirAll(contextDir, 0o755); err != nil {
		return "", err
	}

	n := 0
	var path string
	for {
		path = filepath.Join(contextDir, fmt.Sprintf("cutoff_message_%d.json", n))
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		n++
	}

	data, err := json.MarshalIndent(prefix, "", "  ")
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

// Fingerprint hashes (sender‖0x1f‖content‖0x1e‖timestamp‖0x1d) for each
// message in order, so any change anywhere in the sequence changes the
// digest and a strict prefix of an unchanged sequence keeps a stable
// digest over that prefix (used for incremental-base detection).
func Fingerprint(messages []model.SimplifiedMessage) string {
	h := sha256.New()
	for _, m := range messages {
		h.Write([]byte(m.Sender))
		h.Write([]byte{0x1f})
		h.Write([]byte(m.Content))
		h.Write([]byte{0x1e})
		h.Write([]byte(m.Timestamp.UTC().Format(time.RFC3339Nano)))
		h.Write([]byte{0x1d})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func estimateSequenceTokens(messages []model.SimplifiedMessage) int64 {
	lines := make([]string, len(messages))
	for i, m := range messages {
		lines[i] = m.Sender + ": " + m.Content
	}
	return tokenest.EstimateMessages(lines)
}

// selectCutIndex returns the shortest prefix length whose cumulative token
// count is >= ceil(total * percentage / 100), at least 1 message.
func selectCutIndex(messages []model.SimplifiedMessage, percentage int) int {
	total := estimateSequenceTokens(messages)
	target := (total*int64(percentage) + 99) / 100
	var cumulative int64
	for i, m := range messages {
		cumulative += tokenest.EstimateTokens(m.Sender + ": " + m.Content)
		if cumulative >= target {
			return i + 1
		}
	}
	if len(messages) > 0 {
		return 1
	}
	return 0
}

// agentStatePriority orders SessionAgentState for summary-candidate
// selection: Idle < WaitingApproval < Dead < Running.
var agentStatePriority = map[model.SessionAgentState]int{
	model.StateIdle:            0,
	model.StateWaitingApproval: 1,
	model.StateDead:            2,
	model.StateRunning:         3,
}

// attemptAISummary spawns candidate SessionAgents' Executors, in state
// priority order, with a summarization prompt until one succeeds.
func (e *Engine) attemptAISummary(ctx context.Context, sessionID string, prefix []model.SimplifiedMessage) (string, bool) {
	if e.catalog == nil {
		return "", false
	}

	sessionAgents, err := e.store.ListSessionAgents(ctx, sessionID)
	if err != nil || len(sessionAgents) == 0 {
		return "", false
	}
	if len(sessionAgents) == 1 && sessionAgents[0].State == model.StateRunning {
		return "", false
	}

	allRunning := true
	for _, sa := range sessionAgents {
		if sa.State != model.StateRunning {
			allRunning = false
			break
		}
	}
	if allRunning {
		return "", false
	}

	sort.SliceStable(sessionAgents, func(i, j int) bool {
		return agentStatePriority[sessionAgents[i].State] < agentStatePriority[sessionAgents[j].State]
	})

	prompt := buildSummaryPrompt(prefix)

	for _, sa := range sessionAgents {
		if sa.State == model.StateRunning {
			continue
		}
		agent, err := e.store.GetAgent(ctx, sa.AgentID)
		if err != nil {
			continue
		}
		rt, err := executor.ParseRunnerType(agent.RunnerType)
		if err != nil {
			continue
		}
		ex, ok := e.catalog.Get(rt)
		if !ok {
			continue
		}

		summary, ok := e.runSummaryCandidate(ctx, ex, sa, prompt)
		if ok {
			return summary, true
		}
	}
	return "", false
}

func buildSummaryPrompt(prefix []model.SimplifiedMessage) string {
	lines := make([]string, len(prefix))
	for i, m := range prefix {
		lines[i] = m.Sender + ": " + m.Content
	}
	body := strings.Join(lines, "\n")
	if tokenest.EstimateTokens(body) > constants.SummaryInputTokenLimit {
		body = trimToTokenSuffix(lines, constants.SummaryInputTokenLimit)
	}
	return summaryPromptHeader + "\n" + body
}

// trimToTokenSuffix keeps the most-recent lines that fit within limit
// tokens, dropping the oldest first.
func trimToTokenSuffix(lines []string, limit int64) string {
	var kept []string
	var total int64
	for i := len(lines) - 1; i >= 0; i-- {
		t := tokenest.EstimateTokens(lines[i])
		if total+t > limit && len(kept) > 0 {
			break
		}
		kept = append([]string{lines[i]}, kept...)
		total += t
	}
	return strings.Join(kept, "\n")
}

func (e *Engine) runSummaryCandidate(ctx context.Context, ex executor.Executor, sa *model.SessionAgent, prompt string) (string, bool) {
	runCtx, cancel := context.WithTimeout(ctx, constants.SummaryExecutionTimeout)
	defer cancel()

	child, err := ex.Spawn(runCtx, executor.SpawnOptions{Workspace: sa.WorkspacePath, Prompt: prompt})
	if err != nil {
		return "", false
	}
	defer child.Cancel()

	var lines []string
	for line := range child.Stdout {
		lines = append(lines, line)
	}

	select {
	case outcome := <-child.ExitCh:
		if outcome != executor.ExitSuccess {
			return "", false
		}
	case <-time.After(constants.SummaryReapTimeout):
		return "", false
	}

	return latestAssistantText(ex, lines)
}

// latestAssistantText extracts the highest-indexed assistant-message entry
// from the normalized log, trimmed, requiring it to be non-empty.
func latestAssistantText(ex executor.Executor, lines []string) (string, bool) {
	var latest string
	index := 0
	for _, line := range lines {
		for _, entry := range ex.NormalizeLogs(line, index) {
			index++
			if entry.Kind == executor.LogAssistantMessage && entry.Content != "" {
				latest = entry.Content
			}
		}
	}
	latest = strings.TrimSpace(latest)
	if latest == "" {
		return "", false
	}
	return latest, true
}
