// Package main is the entry point for the Chat Runner demo: a tiny CLI
// driver that boots a ChatRunner, instantiates a preset team into a fresh
// session, posts one scripted message at it, and prints the stream events
// that come back until the run settles.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/chatrunner/chatrunner/internal/chat/eventbus"
	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/chat/presets"
	"github.com/chatrunner/chatrunner/internal/chat/runner"
	"github.com/chatrunner/chatrunner/internal/common/config"
	"github.com/chatrunner/chatrunner/internal/common/logger"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting Chat Runner demo...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Wire the composition root
	cr, err := runner.New(cfg, log)
	if err != nil {
		log.Fatal("Failed to start chat runner", zap.Error(err))
	}
	defer cr.Close()

	// 5. Create a demo session and instantiate a preset team into it
	sessionID := fmt.Sprintf("demo-%d", os.Getpid())
	if err := cr.Store.CreateSession(ctx, &model.Session{
		ID:     sessionID,
		Title:  "Chat Runner demo session",
		Status: model.SessionActive,
	}); err != nil {
		log.Fatal("Failed to create demo session", zap.Error(err))
	}

	team, ok := cr.Presets.Get("solo-reviewer")
	if !ok {
		log.Fatal("solo-reviewer preset not found")
	}
	members, err := presets.Instantiate(ctx, cr.Store, sessionID, team)
	if err != nil {
		log.Fatal("Failed to instantiate preset team", zap.Error(err))
	}

	var reviewerName string
	for _, sa := range members {
		agent, err := cr.Store.GetAgent(ctx, sa.AgentID)
		if err != nil {
			log.Fatal("Failed to load preset agent", zap.Error(err))
		}
		reviewerName = agent.Name
		log.Info("Preset member ready", zap.String("name", agent.Name), zap.String("runner_type", agent.RunnerType))
	}

	// 6. Subscribe to the session's stream before posting, so nothing is missed
	stream, unsubscribe := cr.Bus.Subscribe(ctx, sessionID)
	defer unsubscribe()

	// 7. Post a scripted message mentioning the reviewer
	prompt := fmt.Sprintf("@%s /e2e:simple-message take a look at the latest changes", reviewerName)
	msg, err := cr.PostMessage(ctx, sessionID, model.SenderUser, "demo-user", prompt, model.MessageMeta{})
	if err != nil {
		log.Fatal("Failed to post demo message", zap.Error(err))
	}
	log.Info("Posted message", zap.String("message_id", msg.ID), zap.Strings("mentions", msg.Mentions))

	// 8. Print stream events until the run settles or the timeout elapses
	timeout := time.After(10 * time.Second)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

loop:
	for {
		select {
		case ev, ok := <-stream:
			if !ok {
				break loop
			}
			printEvent(ev)
			if ev.Type == eventbus.EventAgentStateChange {
				if state, ok := ev.Payload.(eventbus.AgentStatePayload); ok && state.State != model.StateRunning {
					break loop
				}
			}
		case <-timeout:
			log.Warn("Demo timed out waiting for the run to settle")
			break loop
		case <-quit:
			log.Info("Interrupted, shutting down")
			break loop
		}
	}

	log.Info("Chat Runner demo finished")
}

func printEvent(ev eventbus.StreamEvent) {
	fmt.Printf("[%s] %s: %+v\n", ev.SessionID, ev.Type, ev.Payload)
}
