// Package model defines the Chat Runner's core domain entities: sessions,
// agents, session-agent membership, messages, and runs.
package model

import "time"

// SessionStatus is the lifecycle state of a Session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionArchived SessionStatus = "archived"
)

// Session is a chat room binding users and agents.
type Session struct {
	ID         string        `db:"id" json:"id"`
	Title      string        `db:"title" json:"title,omitempty"`
	Status     SessionStatus `db:"status" json:"status"`
	Summary    string        `db:"summary" json:"summary,omitempty"`
	ArchiveRef string        `db:"archive_ref" json:"archive_ref,omitempty"`
	CreatedAt  time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at" json:"updated_at"`
}

// Agent is a catalog entry describing a coding-assistant runner type.
type Agent struct {
	ID            string         `db:"id" json:"id"`
	Name          string         `db:"name" json:"name"`
	RunnerType    string         `db:"runner_type" json:"runner_type"`
	SystemPrompt  string         `db:"system_prompt" json:"system_prompt"`
	ToolsEnabled  map[string]any `db:"-" json:"tools_enabled,omitempty"`
	ToolsEnabledJ string         `db:"tools_enabled" json:"-"`
	CreatedAt     time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at" json:"updated_at"`
}

// ExecutorProfileVariant returns the tools_enabled.executor_profile_variant
// value, or "" if unset or the case-insensitive literal "default".
func (a *Agent) ExecutorProfileVariant() string {
	if a.ToolsEnabled == nil {
		return ""
	}
	v, _ := a.ToolsEnabled["executor_profile_variant"].(string)
	if v == "" {
		return ""
	}
	if equalFold(v, "default") {
		return ""
	}
	return v
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// SessionAgentState is the four-state FSM driving scheduling.
type SessionAgentState string

const (
	StateIdle            SessionAgentState = "idle"
	StateRunning         SessionAgentState = "running"
	StateWaitingApproval SessionAgentState = "waiting_approval"
	StateDead            SessionAgentState = "dead"
)

// SessionAgent is the membership relation of an Agent in a Session, carrying
// per-membership execution state and executor continuation handles.
type SessionAgent struct {
	ID                    string            `db:"id" json:"id"`
	SessionID             string            `db:"session_id" json:"session_id"`
	AgentID               string            `db:"agent_id" json:"agent_id"`
	State                 SessionAgentState `db:"state" json:"state"`
	WorkspacePath         string            `db:"workspace_path" json:"workspace_path,omitempty"`
	ExecutorSessionHandle string            `db:"executor_session_handle" json:"executor_session_handle,omitempty"`
	ExecutorMessageHandle string            `db:"executor_message_handle" json:"executor_message_handle,omitempty"`
	CreatedAt             time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt             time.Time         `db:"updated_at" json:"updated_at"`
}

// SenderType identifies who authored a Message.
type SenderType string

const (
	SenderUser   SenderType = "user"
	SenderAgent  SenderType = "agent"
	SenderSystem SenderType = "system"
)

// MentionStatus is the terminal-or-not status of one mention within a message.
type MentionStatus string

const (
	MentionReceived  MentionStatus = "received"
	MentionRunning   MentionStatus = "running"
	MentionCompleted MentionStatus = "completed"
	MentionFailed    MentionStatus = "failed"
)

// mentionRank orders MentionStatus in the lattice Received < Running < Completed|Failed.
var mentionRank = map[MentionStatus]int{
	MentionReceived:  0,
	MentionRunning:   1,
	MentionCompleted: 2,
	MentionFailed:    2,
}

// AdvancesFrom reports whether transitioning from prev to next respects the
// mention-status lattice.
func AdvancesFrom(prev, next MentionStatus) bool {
	return mentionRank[next] >= mentionRank[prev]
}

// Message is one chat message: from a user, an agent, or the system.
type Message struct {
	ID         string         `db:"id" json:"id"`
	SessionID  string         `db:"session_id" json:"session_id"`
	SenderType SenderType     `db:"sender_type" json:"sender_type"`
	SenderID   string         `db:"sender_id" json:"sender_id,omitempty"`
	Content    string      `db:"content" json:"content"`
	Mentions   []string    `db:"-" json:"mentions,omitempty"`
	Meta       MessageMeta `db:"-" json:"meta,omitempty"`
	CreatedAt  time.Time   `db:"created_at" json:"created_at"`
}

// MessageMeta is the opaque-but-typed meta bag carried by every message.
type MessageMeta struct {
	Attachments        []Attachment             `json:"attachments,omitempty"`
	ReferenceMessageID string                   `json:"reference_message_id,omitempty"`
	MentionStatuses    map[string]MentionStatus `json:"mention_statuses,omitempty"`
	ChainDepth         int                      `json:"chain_depth"`
	TokenUsage         *TokenUsage              `json:"token_usage,omitempty"`
	CompressionWarning *CompressionWarning      `json:"compression_warning,omitempty"`
}

// Attachment is a file uploaded alongside a message.
type Attachment struct {
	FileName string `json:"file_name"`
	Path     string `json:"path"`
	SizeByte int64  `json:"size_bytes,omitempty"`
}

// TokenUsage records the token accounting for a run, with an estimation flag
// when the executor did not report usage.
type TokenUsage struct {
	TotalTokens        int64 `json:"total_tokens"`
	ModelContextWindow int64 `json:"model_context_window,omitempty"`
	InputTokens        int64 `json:"input_tokens,omitempty"`
	OutputTokens       int64 `json:"output_tokens,omitempty"`
	IsEstimated        bool  `json:"is_estimated"`
}

// CompressionWarning surfaces a fallback-truncation event to subscribers.
type CompressionWarning struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	SplitFilePath string `json:"split_file_path,omitempty"`
}

// Run is one invocation of an Executor in response to one mention.
type Run struct {
	ID             string    `db:"id" json:"id"`
	SessionID      string    `db:"session_id" json:"session_id"`
	SessionAgentID string    `db:"session_agent_id" json:"session_agent_id"`
	RunIndex       int       `db:"run_index" json:"run_index"`
	RunDir         string    `db:"run_dir" json:"run_dir"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// InputPath, OutputPath, RawLogPath, MetaPath return the canonical run file
// paths rooted at r.RunDir.
func (r *Run) InputPath() string  { return r.RunDir + "/input.md" }
func (r *Run) OutputPath() string { return r.RunDir + "/output.md" }
func (r *Run) RawLogPath() string { return r.RunDir + "/raw.log" }
func (r *Run) MetaPath() string   { return r.RunDir + "/meta.json" }
func (r *Run) ContextPath() string { return r.RunDir + "/context.jsonl" }
func (r *Run) DiffPath() string    { return r.RunDir + "/diff.patch" }
func (r *Run) UntrackedDir() string { return r.RunDir + "/untracked" }

// SimplifiedMessage is the canonical form consumed by compression and prompt
// assembly.
type SimplifiedMessage struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"-"`
}

// jsonlLine is the on-disk shape of one SimplifiedMessage in messages.jsonl,
// using a "time" field (not "timestamp") formatted "YYYY-MM-DD HH:MM:SS".
type jsonlLine struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
	Time    string `json:"time"`
}

const jsonlTimeLayout = "2006-01-02 15:04:05"

// CompressionType names which compaction strategy produced a result.
type CompressionType string

const (
	CompressionNone         CompressionType = "none"
	CompressionAiSummarized CompressionType = "ai_summarized"
	CompressionTruncated    CompressionType = "truncated"
)

// CompressionCacheEntry memoizes one session's compaction result, keyed by
// the fingerprint of the source SimplifiedMessage sequence.
type CompressionCacheEntry struct {
	SessionID             string              `db:"session_id" json:"session_id"`
	SourceFingerprint     string              `db:"source_fingerprint" json:"source_fingerprint"`
	SourceMessageCount    int                 `db:"source_message_count" json:"source_message_count"`
	TokenThreshold        int64               `db:"token_threshold" json:"token_threshold"`
	CompressionPercentage int                 `db:"compression_percentage" json:"compression_percentage"`
	SourceTokens          int64               `db:"source_tokens" json:"source_tokens"`
	EffectiveTokens       int64               `db:"effective_tokens" json:"effective_tokens"`
	Type                  CompressionType     `db:"compression_type" json:"compression_type"`
	Result                []SimplifiedMessage `db:"-" json:"result"`
	Warning               *CompressionWarning `db:"-" json:"warning,omitempty"`
}

// MaxAgentChainDepth bounds agent-to-agent message chains.
const MaxAgentChainDepth = 5
