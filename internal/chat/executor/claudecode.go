package executor

import (
	"encoding/json"
	"strings"

	"github.com/chatrunner/chatrunner/pkg/claudecode"
)

// claudeCodeExecutor wraps processExecutor with a NormalizeLogs
// implementation that understands Claude Code's stream-json protocol
// instead of falling back to whole-line text entries. Spawning itself still
// goes through processExecutor.run; only log normalization differs.
type claudeCodeExecutor struct {
	*processExecutor
}

func newClaudeCodeExecutor() *claudeCodeExecutor {
	spec := binarySpec{
		runnerType: ClaudeCode,
		binary:     "claude",
		spawnArgs: func(opts SpawnOptions) []string {
			return []string{"--print", "--output-format", "stream-json", "--verbose"}
		},
		followUpArgs: func(opts SpawnOptions) []string {
			return []string{"--print", "--output-format", "stream-json", "--verbose", "--resume", opts.ExecutorSessionHandle}
		},
		mcpConfigName: ".mcp.json",
	}
	return &claudeCodeExecutor{processExecutor: newProcessExecutor(spec)}
}

// NormalizeLogs parses one stream-json line into zero or more LogEntry
// values, grounded on pkg/claudecode's CLIMessage taxonomy: assistant
// messages split into text/thinking/tool_use content blocks, result
// messages carry the final token-usage figures.
func (c *claudeCodeExecutor) NormalizeLogs(raw string, nextIndex int) []LogEntry {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var msg claudecode.CLIMessage
	if err := json.Unmarshal([]byte(trimmed), &msg); err != nil {
		return []LogEntry{{Index: nextIndex, Kind: LogSystemMessage, Content: trimmed}}
	}

	switch msg.Type {
	case claudecode.MessageTypeAssistant:
		return assistantLogEntries(&msg, nextIndex)
	case claudecode.MessageTypeResult:
		entries := []LogEntry{}
		if msg.IsError {
			content := msg.GetResultString()
			if content == "" {
				content = "execution failed"
			}
			entries = append(entries, LogEntry{Index: nextIndex, Kind: LogSystemMessage, Content: content})
			nextIndex++
		}
		if msg.TotalInputTokens > 0 || msg.TotalOutputTokens > 0 {
			entries = append(entries, LogEntry{
				Index:        nextIndex,
				Kind:         LogTokenUsage,
				InputTokens:  msg.TotalInputTokens,
				OutputTokens: msg.TotalOutputTokens,
				TotalTokens:  msg.TotalInputTokens + msg.TotalOutputTokens,
			})
		}
		return entries
	case claudecode.MessageTypeSystem:
		if msg.SessionStatus != "" {
			return []LogEntry{{Index: nextIndex, Kind: LogSystemMessage, Content: "session_status: " + msg.SessionStatus}}
		}
		return nil
	default:
		return nil
	}
}

func assistantLogEntries(msg *claudecode.CLIMessage, nextIndex int) []LogEntry {
	if msg.Message == nil {
		return nil
	}
	blocks := msg.Message.GetContentBlocks()
	if blocks == nil {
		if text := msg.Message.GetContentString(); text != "" {
			return []LogEntry{{Index: nextIndex, Kind: LogAssistantMessage, Content: text}}
		}
		return nil
	}

	var entries []LogEntry
	idx := nextIndex
	for _, b := range blocks {
		switch b.Type {
		case "text":
			if b.Text == "" {
				continue
			}
			entries = append(entries, LogEntry{Index: idx, Kind: LogAssistantMessage, Content: b.Text})
		case "thinking":
			if b.Thinking == "" {
				continue
			}
			entries = append(entries, LogEntry{Index: idx, Kind: LogThinking, Content: b.Thinking})
		case "tool_use":
			entries = append(entries, LogEntry{
				Index:      idx,
				Kind:       LogToolUse,
				ToolAction: b.Name,
				ToolStatus: ToolUseRunning,
			})
		case "tool_result":
			entries = append(entries, LogEntry{
				Index:      idx,
				Kind:       LogToolUse,
				ToolResult: b.Content,
				ToolStatus: toolResultStatus(b.IsError),
			})
		default:
			continue
		}
		idx++
	}
	return entries
}

func toolResultStatus(isError bool) ToolUseStatus {
	if isError {
		return ToolUseFailed
	}
	return ToolUseComplete
}
