// Package prompt assembles the deterministic, bytewise prompt the Run
// Supervisor hands to an Executor, grounded on
// internal/sysprompt's tag-wrapped, placeholder-interpolated prompt
// templates — the same compose-strings-by-hand style, generalized from
// Kandev-specific MCP instructions to the chat runner's envelope/routing
// sections.
package prompt

import (
	"fmt"
	"strings"
	"time"

	"github.com/chatrunner/chatrunner/internal/chat/model"
)

// GroupMember is one line of the [GROUP_MEMBERS] section.
type GroupMember struct {
	Name        string
	Description string
	State       model.SessionAgentState
}

// Input carries everything System/User assembly needs.
type Input struct {
	AgentSystemPrompt string
	Members           []GroupMember
	ContextPath       string

	SessionID         string
	FromLabel         string // "user:<handle>" or "agent:<name>"
	ToAgentName       string
	MessageID         string
	Timestamp         time.Time
	ReferenceMessage  string // rendered [REFERENCE_MESSAGE] body, or "" to omit
	Attachments       string // rendered [MESSAGE_ATTACHMENTS] body, or "" to omit
	SenderHandle      string
	MessageContent    string
}

const routingProtocolText = `You are participating in a multi-agent group chat. Other participants (users and agents) may address you by your name using "@name". To address another participant in your reply, use the directive [sendMessageTo@@name] (or [sendMessageTo@@{name}] if the name contains spaces). Do not use plain "@name" to route a message to another agent; plain "@" mentions in your own messages are treated as inert text.`

// BuildSystem renders the [AGENT_ROLE]/[GROUP_MEMBERS]/[MESSAGE_ROUTING]/
// [CRITICAL_INSTRUCTION] system section.
func BuildSystem(in Input) string {
	var b strings.Builder

	b.WriteString("[AGENT_ROLE]\n")
	b.WriteString(strings.TrimSpace(in.AgentSystemPrompt))
	b.WriteString("\n[/AGENT_ROLE]\n\n")

	b.WriteString("[GROUP_MEMBERS]\n")
	b.WriteString("Current AI members in this group:\n")
	for _, m := range in.Members {
		fmt.Fprintf(&b, "- %s: %s (state: %s)\n", m.Name, m.Description, capitalize(string(m.State)))
	}
	b.WriteString("[/GROUP_MEMBERS]\n\n")

	b.WriteString("[MESSAGE_ROUTING]\n")
	b.WriteString(routingProtocolText)
	b.WriteString("\n[/MESSAGE_ROUTING]\n\n")

	b.WriteString("[CRITICAL_INSTRUCTION]\n")
	b.WriteString("Before doing any task, you must first read the group chat history file:\n")
	fmt.Fprintf(&b, "file_path: %s\n", in.ContextPath)
	b.WriteString("format: JSON, containing sender and content fields\n")
	b.WriteString("Read this file before responding so you have the full conversation context.\n")
	b.WriteString("[/CRITICAL_INSTRUCTION]")

	return b.String()
}

// BuildUser renders the [ENVELOPE]/[REFERENCE_MESSAGE]/[MESSAGE_ATTACHMENTS]/
// [USER_MESSAGE] user section.
func BuildUser(in Input) string {
	var b strings.Builder

	b.WriteString("[ENVELOPE]\n")
	fmt.Fprintf(&b, "session_id=%s\n", in.SessionID)
	fmt.Fprintf(&b, "from=%s\n", in.FromLabel)
	fmt.Fprintf(&b, "to=agent:%s\n", in.ToAgentName)
	fmt.Fprintf(&b, "message_id=%s\n", in.MessageID)
	fmt.Fprintf(&b, "timestamp=%s\n", in.Timestamp.UTC().Format(time.RFC3339))
	b.WriteString("[/ENVELOPE]\n\n")

	if in.ReferenceMessage != "" {
		b.WriteString("[REFERENCE_MESSAGE]\n")
		b.WriteString(in.ReferenceMessage)
		b.WriteString("\n[/REFERENCE_MESSAGE]\n\n")
	}

	if in.Attachments != "" {
		b.WriteString("[MESSAGE_ATTACHMENTS]\n")
		b.WriteString(in.Attachments)
		b.WriteString("\n[/MESSAGE_ATTACHMENTS]\n\n")
	}

	b.WriteString("[USER_MESSAGE]\n")
	fmt.Fprintf(&b, "%s: %s\n", in.SenderHandle, strings.TrimSpace(in.MessageContent))
	b.WriteString("[/USER_MESSAGE]")

	return b.String()
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	parts := strings.Split(s, "_")
	for i, p := range parts {
		if p == "" {
			continue
		}
		parts[i] = strings.ToUpper(p[:1]) + p[1:]
	}
	return strings.Join(parts, "")
}
