package executor

import (
	"context"
	"fmt"
	"os"

	"github.com/chatrunner/chatrunner/internal/common/logger"
	"github.com/chatrunner/chatrunner/pkg/copilot"
)

// copilotExecutor wires the Copilot runner through pkg/copilot's SDK
// wrapper instead of a plain exec.CommandContext invocation, since the SDK
// already owns spawning/resuming its CLI process and streaming session
// events over an in-process callback.
type copilotExecutor struct{}

func newCopilotExecutor() *copilotExecutor { return &copilotExecutor{} }

func (c *copilotExecutor) RunnerType() RunnerType { return Copilot }

func (c *copilotExecutor) Spawn(ctx context.Context, opts SpawnOptions) (*SpawnedChild, error) {
	return c.spawn(ctx, opts, "")
}

func (c *copilotExecutor) SpawnFollowUp(ctx context.Context, opts SpawnOptions) (*SpawnedChild, error) {
	if opts.ExecutorSessionHandle == "" {
		return nil, fmt.Errorf("copilot: SpawnFollowUp requires an executor session handle")
	}
	return c.spawn(ctx, opts, opts.ExecutorSessionHandle)
}

func (c *copilotExecutor) spawn(ctx context.Context, opts SpawnOptions, resumeSessionID string) (*SpawnedChild, error) {
	runCtx, cancel := context.WithCancel(ctx)

	client := copilot.NewClient(copilot.ClientConfig{CLIUrl: os.Getenv("COPILOT_CLI_URL")}, logger.Default())
	if err := client.Start(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("copilot: start: %w", err)
	}

	stdoutCh := make(chan string, 64)
	doneCh := make(chan struct{})
	exitCh := make(chan ExitOutcome, 1)

	client.SetEventHandler(func(ev copilot.SessionEvent) {
		select {
		case stdoutCh <- fmt.Sprintf("%v", ev):
		case <-runCtx.Done():
		}
		switch ev.Type {
		case copilot.EventTypeAssistantTurnEnd, copilot.EventTypeSessionIdle:
			select {
			case exitCh <- ExitSuccess:
			default:
			}
		case copilot.EventTypeSessionError:
			select {
			case exitCh <- ExitFailure:
			default:
			}
		}
	})

	var sessionID string
	var err error
	if resumeSessionID != "" {
		err = client.ResumeSession(runCtx, resumeSessionID, nil)
		sessionID = resumeSessionID
	} else {
		sessionID, err = client.CreateSession(runCtx, nil)
	}
	if err != nil {
		cancel()
		_ = client.Stop()
		return nil, fmt.Errorf("copilot: create session: %w", err)
	}

	if _, err := client.Send(runCtx, opts.Prompt); err != nil {
		cancel()
		_ = client.Stop()
		return nil, fmt.Errorf("copilot: send: %w", err)
	}

	go func() {
		<-runCtx.Done()
		_ = client.Stop()
		close(doneCh)
		close(stdoutCh)
	}()

	child := &SpawnedChild{
		Stdout:    stdoutCh,
		Stderr:    make(chan string),
		Done:      doneCh,
		ExitCh:    exitCh,
		Cancel:    cancel,
		Wait:      func() error { <-doneCh; return nil },
		SessionID: sessionID,
	}
	return child, nil
}

// NormalizeLogs renders the opaque per-event text pushed by the session
// event handler as a single system-message entry; Copilot's SDK already
// delivers typed events, so this adapter does not need to re-parse a raw
// text wire format the way the line-oriented CLI adapters do.
func (c *copilotExecutor) NormalizeLogs(raw string, nextIndex int) []LogEntry {
	if raw == "" {
		return nil
	}
	return []LogEntry{{Index: nextIndex, Kind: LogSystemMessage, Content: raw}}
}

func (c *copilotExecutor) DefaultMCPConfigPath(workspace string) string { return "" }

func (c *copilotExecutor) AvailabilityInfo(ctx context.Context) AvailabilityInfo {
	return AvailabilityInfo{Available: true, Path: "(copilot SDK, spawns its own CLI)"}
}
