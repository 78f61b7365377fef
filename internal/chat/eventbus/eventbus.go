// Package eventbus implements the Chat Runner's per-session stream
// broadcast: a bounded, lossy fan-out so one stalled subscriber (a slow
// websocket, a disconnected client) cannot block a Run Supervisor's forward
// progress. It optionally bridges onto internal/events/bus for multi-instance
// fan-out via NATS.
package eventbus

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/chatrunner/chatrunner/internal/common/logger"
	"github.com/chatrunner/chatrunner/internal/events"
	"github.com/chatrunner/chatrunner/internal/events/bus"
)

// StreamEvent is one unit of the chat stream: an appended message, a mention
// status transition, a run start or completion, a compression warning, an
// agent state change, or an agent output delta.
type StreamEvent struct {
	SessionID string
	Type      string
	Payload   any
}

// Event type discriminants carried in StreamEvent.Type.
const (
	EventMessageAppended  = "message_appended"
	EventMentionStatus    = "mention_status"
	EventRunStarted       = "run_started"
	EventRunCompleted     = "run_completed"
	EventCompressionWarn  = "compression_warning"
	EventAgentStateChange = "agent_state_change"
	EventAgentDelta       = "agent_delta"
)

// subscriber holds a single bounded, lossy delivery channel.
type subscriber struct {
	ch     chan StreamEvent
	closed bool
}

// Bus fans out StreamEvents per session. Each session's subscribers get an
// independent bounded channel; Publish never blocks on a slow reader.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]*subscriber // sessionID -> subscribers
	bufferSize  int
	bridge      bus.EventBus // optional NATS bridge; nil if in-process only
	log         *logger.Logger
}

// MinBufferSize is the floor per-subscriber buffer depth: a session with
// every event type streaming at once (deltas, mention statuses, state
// changes) must not drop events before a normal-speed subscriber can drain
// them.
const MinBufferSize = 1024

// New constructs a Bus with the given per-subscriber buffer size. A nil
// bridge keeps fan-out in-process; a non-nil bridge additionally republishes
// every event onto the shared EventBus for other Chat Runner instances.
func New(bufferSize int, bridge bus.EventBus, log *logger.Logger) *Bus {
	if bufferSize < MinBufferSize {
		bufferSize = MinBufferSize
	}
	return &Bus{
		subscribers: make(map[string][]*subscriber),
		bufferSize:  bufferSize,
		bridge:      bridge,
		log:         log,
	}
}

// Subscribe registers a new listener for a session's stream. The returned
// channel is closed when ctx is done or Unsubscribe is called.
func (b *Bus) Subscribe(ctx context.Context, sessionID string) (<-chan StreamEvent, func()) {
	sub := &subscriber{ch: make(chan StreamEvent, b.bufferSize)}

	b.mu.Lock()
	b.subscribers[sessionID] = append(b.subscribers[sessionID], sub)
	b.mu.Unlock()

	unsubscribe := func() { b.remove(sessionID, sub) }

	go func() {
		<-ctx.Done()
		unsubscribe()
	}()

	return sub.ch, unsubscribe
}

func (b *Bus) remove(sessionID string, target *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sessionID]
	for i, s := range subs {
		if s == target {
			b.subscribers[sessionID] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if !target.closed {
		target.closed = true
		close(target.ch)
	}
	if len(b.subscribers[sessionID]) == 0 {
		delete(b.subscribers, sessionID)
	}
}

// Publish delivers ev to every live subscriber of ev.SessionID. A subscriber
// whose channel is full is skipped rather than blocked (lossy broadcast).
func (b *Bus) Publish(ctx context.Context, ev StreamEvent) {
	b.mu.RLock()
	subs := append([]*subscriber(nil), b.subscribers[ev.SessionID]...)
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			if b.log != nil {
				b.log.Warn("dropping chat stream event for lagging subscriber",
					zap.String("session_id", ev.SessionID), zap.String("event_type", ev.Type))
			}
		}
	}

	if b.bridge != nil {
		busEvent := bus.NewEvent(ev.Type, "chat-runner", map[string]any{
			"session_id": ev.SessionID,
			"payload":    ev.Payload,
		})
		if err := b.bridge.Publish(ctx, events.BuildChatStreamSubject(ev.SessionID), busEvent); err != nil && b.log != nil {
			b.log.Warn("failed to bridge chat stream event to shared bus", zap.Error(err))
		}
	}
}

// SubscriberCount reports the live listener count for a session, for tests
// and diagnostics.
func (b *Bus) SubscriberCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[sessionID])
}
