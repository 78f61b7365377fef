package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/chatrunner/chatrunner/pkg/claudecode"
)

// mockExecutor is an in-process stand-in for a real CLI, grounded on
// cmd/mock-agent's "/e2e:<scenario>" prompt-prefix convention and its
// claude-code-shaped stream-json output. Unlike cmd/mock-agent it never
// spawns a subprocess: it runs the scripted scenario in a goroutine and
// writes stream-json lines into the same channel shape SpawnedChild
// exposes for a real executor, so scheduler/supervisor tests exercise the
// identical normalize_logs path as ClaudeCode.
type mockExecutor struct{}

func newMockExecutor() *mockExecutor { return &mockExecutor{} }

func (m *mockExecutor) RunnerType() RunnerType { return Mock }

func (m *mockExecutor) Spawn(ctx context.Context, opts SpawnOptions) (*SpawnedChild, error) {
	return m.run(ctx, opts, "mock-session-"+fmt.Sprint(time.Now().UnixNano()))
}

func (m *mockExecutor) SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnedChild, error) {
	if opts.ExecutorSessionHandle == "" {
		return nil, fmt.Errorf("mock: SpawnFollowUp requires an executor session handle")
	}
	return m.run(ctx, opts, opts.ExecutorSessionHandle)
}

func (m *mockExecutor) run(ctx context.Context, opts SpawnOptions, sessionID string) (*SpawnedChild, error) {
	runCtx, cancel := context.WithCancel(ctx)

	stdoutCh := make(chan string, 64)
	doneCh := make(chan struct{})
	exitCh := make(chan ExitOutcome, 1)

	scenario := scenarioFromPrompt(opts.Prompt)

	go func() {
		defer close(doneCh)
		defer close(stdoutCh)

		emit := func(v any) bool {
			b, err := json.Marshal(v)
			if err != nil {
				return true
			}
			select {
			case stdoutCh <- string(b):
				return true
			case <-runCtx.Done():
				return false
			}
		}

		if !emit(claudecode.CLIMessage{Type: claudecode.MessageTypeSystem, SessionID: sessionID, SessionStatus: "running"}) {
			exitCh <- ExitFailure
			close(exitCh)
			return
		}

		for _, step := range mockScenario(scenario) {
			select {
			case <-time.After(step.delay):
			case <-runCtx.Done():
				exitCh <- ExitFailure
				close(exitCh)
				return
			}
			if !emit(step.message) {
				exitCh <- ExitFailure
				close(exitCh)
				return
			}
		}

		exitCh <- ExitSuccess
		close(exitCh)
	}()

	child := &SpawnedChild{
		Stdout:    stdoutCh,
		Stderr:    make(chan string), // mock never writes stderr
		Done:      doneCh,
		ExitCh:    exitCh,
		Cancel:    cancel,
		Wait:      func() error { <-doneCh; return nil },
		SessionID: sessionID,
	}
	return child, nil
}

// NormalizeLogs reuses ClaudeCode's stream-json parsing, since the mock
// scenarios are encoded as claudecode.CLIMessage values.
func (m *mockExecutor) NormalizeLogs(raw string, nextIndex int) []LogEntry {
	return (&claudeCodeExecutor{}).NormalizeLogs(raw, nextIndex)
}

func (m *mockExecutor) DefaultMCPConfigPath(workspace string) string { return "" }

func (m *mockExecutor) AvailabilityInfo(ctx context.Context) AvailabilityInfo {
	return AvailabilityInfo{Available: true, Path: "(in-process mock)"}
}

func scenarioFromPrompt(prompt string) string {
	idx := strings.Index(prompt, "/e2e:")
	if idx < 0 {
		return "simple-message"
	}
	rest := strings.TrimSpace(prompt[idx+len("/e2e:"):])
	name, _, _ := strings.Cut(rest, "\n")
	name = strings.TrimSpace(name)
	if name == "" {
		return "simple-message"
	}
	return name
}

type mockStep struct {
	delay   time.Duration
	message claudecode.CLIMessage
}

// mockScenario renders a named scenario into a fixed sequence of
// stream-json messages with small deterministic delays, enough to exercise
// the full scheduler/supervisor pipeline without a real CLI binary.
func mockScenario(name string) []mockStep {
	assistantText := func(text string) claudecode.CLIMessage {
		content, _ := json.Marshal([]claudecode.ContentBlock{{Type: "text", Text: text}})
		return claudecode.CLIMessage{
			Type: claudecode.MessageTypeAssistant,
			Message: &claudecode.AssistantMessage{
				Role:    "assistant",
				Content: content,
			},
		}
	}
	resultOK := func(inputTok, outputTok int64) claudecode.CLIMessage {
		return claudecode.CLIMessage{
			Type:              claudecode.MessageTypeResult,
			TotalInputTokens:  inputTok,
			TotalOutputTokens: outputTok,
		}
	}
	resultErr := func(msg string) claudecode.CLIMessage {
		raw, _ := json.Marshal(msg)
		return claudecode.CLIMessage{
			Type:    claudecode.MessageTypeResult,
			IsError: true,
			Result:  raw,
		}
	}

	// "chain:<name>[:<name>...]" replies with a sendMessageTo directive at
	// the first name, carrying the rest of the list forward as another
	// "/e2e:chain:..." instruction so the next hop picks up where this one
	// left off. Lets a test drive a real multi-hop agent-to-agent chain
	// deterministically.
	if rest, ok := strings.CutPrefix(name, "chain:"); ok {
		next, remaining, hasMore := strings.Cut(rest, ":")
		text := fmt.Sprintf("Continuing. [sendMessageTo@@%s]", next)
		if hasMore {
			text += fmt.Sprintf(" /e2e:chain:%s", remaining)
		}
		return []mockStep{
			{delay: 10 * time.Millisecond, message: assistantText(text)},
			{delay: 5 * time.Millisecond, message: resultOK(40, 10)},
		}
	}

	switch name {
	case "error":
		return []mockStep{
			{delay: 20 * time.Millisecond, message: resultErr("mock: simulated failure")},
		}
	case "tool-use":
		toolUseContent, _ := json.Marshal([]claudecode.ContentBlock{
			{Type: "tool_use", ID: "tool-1", Name: "Read", Input: map[string]any{"path": "README.md"}},
		})
		toolResultContent, _ := json.Marshal([]claudecode.ContentBlock{
			{Type: "tool_result", ToolUseID: "tool-1", Content: "mock file contents"},
		})
		return []mockStep{
			{delay: 20 * time.Millisecond, message: claudecode.CLIMessage{
				Type:    claudecode.MessageTypeAssistant,
				Message: &claudecode.AssistantMessage{Role: "assistant", Content: toolUseContent},
			}},
			{delay: 20 * time.Millisecond, message: claudecode.CLIMessage{
				Type:    claudecode.MessageTypeAssistant,
				Message: &claudecode.AssistantMessage{Role: "assistant", Content: toolResultContent},
			}},
			{delay: 20 * time.Millisecond, message: assistantText("Done reading the file.")},
			{delay: 10 * time.Millisecond, message: resultOK(120, 40)},
		}
	case "simple-message":
		fallthrough
	default:
		return []mockStep{
			{delay: 20 * time.Millisecond, message: assistantText("This is a simple mock response.")},
			{delay: 10 * time.Millisecond, message: resultOK(80, 20)},
		}
	}
}
