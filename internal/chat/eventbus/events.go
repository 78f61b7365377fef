package eventbus

import (
	"time"

	"github.com/chatrunner/chatrunner/internal/chat/model"
)

// StreamType discriminates which normalized-log stream an AgentDelta came
// from.
type StreamType string

const (
	StreamAssistant StreamType = "assistant"
	StreamThinking  StreamType = "thinking"
)

// MessageNewPayload is the Payload of an EventMessageAppended StreamEvent.
type MessageNewPayload struct {
	Message *model.Message
}

// AgentDeltaPayload is the Payload of an EventAgentDelta StreamEvent,
// carrying one incremental chunk of an in-flight run's output.
type AgentDeltaPayload struct {
	SessionID      string
	SessionAgentID string
	AgentID        string
	RunID          string
	StreamType     StreamType
	Content        string
	Delta          bool
	IsFinal        bool
}

// AgentStatePayload is the Payload of an EventAgentStateChange StreamEvent.
type AgentStatePayload struct {
	SessionAgentID string
	AgentID        string
	State          model.SessionAgentState
	StartedAt      *time.Time
}

// MentionAcknowledgedPayload is the Payload of an EventMentionStatus
// StreamEvent.
type MentionAcknowledgedPayload struct {
	SessionID      string
	MessageID      string
	MentionedAgent string
	AgentID        string
	Status         model.MentionStatus
}

// CompressionWarningEventPayload is the Payload of an EventCompressionWarn
// StreamEvent.
type CompressionWarningEventPayload struct {
	SessionID string
	Warning   model.CompressionWarning
}

// NewMessageEvent wraps msg as an EventMessageAppended StreamEvent.
func NewMessageEvent(sessionID string, msg *model.Message) StreamEvent {
	return StreamEvent{
		SessionID: sessionID,
		Type:      EventMessageAppended,
		Payload:   MessageNewPayload{Message: msg},
	}
}

// NewAgentDeltaEvent wraps p as an EventAgentDelta StreamEvent. p.SessionID
// is filled in from sessionID if left empty.
func NewAgentDeltaEvent(sessionID string, p AgentDeltaPayload) StreamEvent {
	if p.SessionID == "" {
		p.SessionID = sessionID
	}
	return StreamEvent{SessionID: sessionID, Type: EventAgentDelta, Payload: p}
}

// NewAgentStateEvent wraps p as an EventAgentStateChange StreamEvent.
func NewAgentStateEvent(sessionID string, p AgentStatePayload) StreamEvent {
	return StreamEvent{SessionID: sessionID, Type: EventAgentStateChange, Payload: p}
}

// NewMentionAcknowledgedEvent wraps p as an EventMentionStatus StreamEvent.
func NewMentionAcknowledgedEvent(sessionID string, p MentionAcknowledgedPayload) StreamEvent {
	if p.SessionID == "" {
		p.SessionID = sessionID
	}
	return StreamEvent{SessionID: sessionID, Type: EventMentionStatus, Payload: p}
}

// NewCompressionWarningEvent wraps warning as an EventCompressionWarn
// StreamEvent.
func NewCompressionWarningEvent(sessionID string, warning model.CompressionWarning) StreamEvent {
	return StreamEvent{
		SessionID: sessionID,
		Type:      EventCompressionWarn,
		Payload:   CompressionWarningEventPayload{SessionID: sessionID, Warning: warning},
	}
}
