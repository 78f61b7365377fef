// Package executor implements the Chat Runner's Executor Adapter: a closed
// catalog of coding-agent runner types, each able to spawn a subprocess,
// resume one via a follow-up spawn, and normalize its raw stdout/stderr into
// typed log entries. Grounded on the per-runner-type adapter files in
// internal/agent/agents (claude_code.go, codex.go, ...) and on
// pkg/claudecode's stream-json message taxonomy for normalize_logs.
package executor

import (
	"context"
	"fmt"
	"strings"
)

// RunnerType is the closed enum of supported coding-agent backends.
type RunnerType string

const (
	ClaudeCode RunnerType = "CLAUDE_CODE"
	Codex      RunnerType = "CODEX"
	Gemini     RunnerType = "GEMINI"
	Opencode   RunnerType = "OPENCODE"
	Amp        RunnerType = "AMP"
	Copilot    RunnerType = "COPILOT"
	Auggie     RunnerType = "AUGGIE"
	Kimi       RunnerType = "KIMI"
	Mock       RunnerType = "MOCK"
)

var knownRunnerTypes = map[RunnerType]bool{
	ClaudeCode: true, Codex: true, Gemini: true, Opencode: true,
	Amp: true, Copilot: true, Auggie: true, Kimi: true, Mock: true,
}

// ParseRunnerType normalizes raw (dashes/spaces to underscore, uppercased)
// and rejects anything outside the closed enum.
func ParseRunnerType(raw string) (RunnerType, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = strings.NewReplacer("-", "_", " ", "_").Replace(normalized)
	rt := RunnerType(normalized)
	if !knownRunnerTypes[rt] {
		return "", fmt.Errorf("unknown runner type: %q", raw)
	}
	return rt, nil
}

// ExitOutcome is the possibly-early verdict an executor's exit signal
// resolves to, which may race ahead of the OS reporting process exit.
type ExitOutcome int

const (
	ExitUnknown ExitOutcome = iota
	ExitSuccess
	ExitFailure
)

// SpawnedChild is the handle a Run Supervisor holds for one executor
// invocation.
type SpawnedChild struct {
	Stdout    <-chan string
	Stderr    <-chan string
	Done      <-chan struct{} // closed once OS-level Wait() returns
	ExitCh    <-chan ExitOutcome
	Cancel    context.CancelFunc
	Wait      func() error
	SessionID string // executor-native session handle, if known at spawn time
}

// LogEntryKind discriminates a normalized log entry.
type LogEntryKind string

const (
	LogAssistantMessage LogEntryKind = "assistant_message"
	LogThinking         LogEntryKind = "thinking"
	LogToolUse          LogEntryKind = "tool_use"
	LogSystemMessage    LogEntryKind = "system_message"
	LogTokenUsage       LogEntryKind = "token_usage"
)

// ToolUseStatus is the lifecycle of one tool invocation observed in logs.
type ToolUseStatus string

const (
	ToolUsePending  ToolUseStatus = "pending"
	ToolUseRunning  ToolUseStatus = "running"
	ToolUseComplete ToolUseStatus = "complete"
	ToolUseFailed   ToolUseStatus = "failed"
)

// LogEntry is one normalized unit of executor output, published as a
// JSON-Patch-style "add/replace at index N" op by normalize_logs.
type LogEntry struct {
	Index   int
	Kind    LogEntryKind
	Content string // for AssistantMessage/Thinking/SystemMessage

	ToolStatus ToolUseStatus // for ToolUse
	ToolAction string        // for ToolUse
	ToolResult string        // for ToolUse

	TotalTokens        int64 // for TokenUsage
	ModelContextWindow int64
	InputTokens        int64
	OutputTokens       int64
}

// SpawnOptions carries what a Spawn/SpawnFollowUp call needs.
type SpawnOptions struct {
	Workspace             string
	Prompt                string
	Env                   map[string]string
	ExecutorSessionHandle string // required for SpawnFollowUp
	ExecutorMessageHandle string
}

// Executor is the per-runner-type Executor Adapter contract.
type Executor interface {
	RunnerType() RunnerType

	// Spawn starts a fresh executor process.
	Spawn(ctx context.Context, opts SpawnOptions) (*SpawnedChild, error)

	// SpawnFollowUp resumes a prior executor session via its continuation
	// handle; callers must not call this when the handle is empty.
	SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnedChild, error)

	// NormalizeLogs parses one raw output line into zero or more typed log
	// entries, assigning monotonically increasing indices per stream.
	NormalizeLogs(raw string, nextIndex int) []LogEntry

	// DefaultMCPConfigPath returns this runner's default MCP config file
	// path, or "" if it doesn't use one.
	DefaultMCPConfigPath(workspace string) string

	// AvailabilityInfo reports whether this runner's binary is reachable on
	// PATH, without spawning it.
	AvailabilityInfo(ctx context.Context) AvailabilityInfo
}

// AvailabilityInfo reports whether an executor's backing binary is usable.
type AvailabilityInfo struct {
	Available bool
	Path      string
	Reason    string // populated when Available is false
}
