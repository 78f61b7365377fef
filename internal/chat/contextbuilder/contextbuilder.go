// Package contextbuilder assembles a session's SimplifiedMessage sequence
// and writes it as the messages.jsonl snapshot an Executor reads before
// responding, grounded on the same workspace-relative file-layout
// conventions gitcapture and prompt already follow in this tree.
package contextbuilder

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/chat/store"
	"github.com/chatrunner/chatrunner/internal/common/logger"
)

// Compactor is the background half of compression: given the session's full,
// uncompressed SimplifiedMessage sequence, it recomputes (or confirms) the
// cached CompressionCacheEntry Store holds for next run's Build call. It
// must not block the caller; internal/chat/compression's implementation
// dedups concurrent triggers per session_id with singleflight.
type Compactor interface {
	TriggerAsync(sessionID, workspaceDir string, full []model.SimplifiedMessage)
}

// noopCompactor is used when the caller has not wired a real Compactor yet
// (e.g. standalone context-builder tests), so Build still returns the full
// context synchronously instead of panicking on a nil interface.
type noopCompactor struct{}

func (noopCompactor) TriggerAsync(string, string, []model.SimplifiedMessage) {}

// Builder implements Context Builder (C3).
type Builder struct {
	store     store.Store
	compactor Compactor
	log       *logger.Logger
}

// NewBuilder wires Builder to st and compactor. A nil compactor is replaced
// with a no-op so Build never needs a nil check at the call site.
func NewBuilder(st store.Store, compactor Compactor, log *logger.Logger) *Builder {
	if compactor == nil {
		compactor = noopCompactor{}
	}
	if log == nil {
		log = logger.Default()
	}
	return &Builder{store: st, compactor: compactor, log: log}
}

// Result carries the outcome of one Build call.
type Result struct {
	ContextPath    string // <workspace>/.agents_chatgroup/context/<session_id>/messages.jsonl
	RunContextPath string // <run_dir>/context.jsonl
	MessageCount   int
	Compacted      bool
	Warning        *model.CompressionWarning
}

// Build loads every message in sessionID ordered by created_at, writes the
// best-available context snapshot (the session's live compression cache
// entry when one exists and is non-empty, else the full uncompressed
// sequence) to both the per-session context file and the run-scoped mirror,
// and schedules a background recompute of the compression cache for the
// next Build call. It never blocks on AI summarization: the cache lookup is
// a single fast Store read, and TriggerAsync returns immediately.
func (b *Builder) Build(ctx context.Context, sessionID, workspaceDir, runDir string) (*Result, error) {
	messages, err := b.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	full, err := b.toSimplified(ctx, messages)
	if err != nil {
		return nil, err
	}

	written := full
	var compacted bool
	var warning *model.CompressionWarning

	cached, err := b.store.GetCompressionCache(ctx, sessionID)
	if err != nil {
		var nf *store.ErrNotFound
		if !errors.As(err, &nf) {
			b.log.WithContext(ctx).Warn("compression cache lookup failed, falling back to full context")
		}
	} else if cached != nil && len(cached.Result) > 0 {
		written = cached.Result
		compacted = cached.Type != model.CompressionNone
		warning = cached.Warning
	}

	contextDir := filepath.Join(workspaceDir, ".agents_chatgroup", "context", sessionID)
	if err := os.MkdirAll(contextDir, 0o755); err != nil {
		return nil, err
	}
	contextPath := filepath.Join(contextDir, "messages.jsonl")
	if err := writeJSONLFile(contextPath, written); err != nil {
		return nil, err
	}

	runContextPath := filepath.Join(runDir, "context.jsonl")
	if err := writeJSONLFile(runContextPath, written); err != nil {
		return nil, err
	}

	b.compactor.TriggerAsync(sessionID, workspaceDir, full)

	return &Result{
		ContextPath:    contextPath,
		RunContextPath: runContextPath,
		MessageCount:   len(written),
		Compacted:      compacted,
		Warning:        warning,
	}, nil
}

func writeJSONLFile(path string, messages []model.SimplifiedMessage) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return model.EncodeJSONL(f, messages)
}

// toSimplified maps each persisted Message into its SimplifiedMessage label
// form: "user:<handle>" (SenderID holds the handle directly for user
// senders), "agent:<name>" (resolved from Agent.Name, cached per Build call
// since the same agent typically speaks many times in a row), or "system".
func (b *Builder) toSimplified(ctx context.Context, messages []*model.Message) ([]model.SimplifiedMessage, error) {
	agentNames := make(map[string]string)
	out := make([]model.SimplifiedMessage, 0, len(messages))

	for _, m := range messages {
		label, err := b.senderLabel(ctx, m, agentNames)
		if err != nil {
			return nil, err
		}
		out = append(out, model.SimplifiedMessage{
			Sender:    label,
			Content:   m.Content,
			Timestamp: m.CreatedAt,
		})
	}
	return out, nil
}

func (b *Builder) senderLabel(ctx context.Context, m *model.Message, agentNames map[string]string) (string, error) {
	switch m.SenderType {
	case model.SenderUser:
		return "user:" + m.SenderID, nil
	case model.SenderAgent:
		name, ok := agentNames[m.SenderID]
		if !ok {
			agent, err := b.store.GetAgent(ctx, m.SenderID)
			if err != nil {
				return "", err
			}
			name = agent.Name
			agentNames[m.SenderID] = name
		}
		return "agent:" + name, nil
	default:
		return "system", nil
	}
}
