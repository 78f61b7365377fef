// Package store persists the Chat Runner's entities over SQLite or
// PostgreSQL via jmoiron/sqlx, grounded on internal/task/repository/sqlite's
// writer/reader pool split and dialect-abstracted JSON column handling
// (internal/db, internal/db/dialect).
package store

import (
	"context"
	"time"

	"github.com/chatrunner/chatrunner/internal/chat/model"
)

// Store is the Chat Runner's persistence boundary. The ChatRunner keeps no
// back-reference to it; it composes Store, the Executor catalog, and the
// broadcast map as explicit dependencies instead.
type Store interface {
	CreateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ArchiveSession(ctx context.Context, id, archiveRef string) error

	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	// ResolveAgentByName finds a session member by exact name, then by
	// unique case-insensitive name; ambiguous returns ErrAmbiguousName.
	ResolveAgentByName(ctx context.Context, sessionID, name string) (*model.Agent, *model.SessionAgent, error)

	UpsertSessionAgent(ctx context.Context, sa *model.SessionAgent) error
	GetSessionAgent(ctx context.Context, sessionID, agentID string) (*model.SessionAgent, error)
	ListSessionAgents(ctx context.Context, sessionID string) ([]*model.SessionAgent, error)
	UpdateSessionAgentState(ctx context.Context, id string, state model.SessionAgentState) error
	SetSessionAgentWorkspace(ctx context.Context, id, workspacePath string) error
	SetSessionAgentHandles(ctx context.Context, id, sessionHandle, messageHandle string) error
	ClearSessionAgentHandles(ctx context.Context, id string) error

	CreateMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*model.Message, error)
	UpdateMessageMentionStatus(ctx context.Context, messageID, agentName string, status model.MentionStatus) error

	// NextRunIndex returns max(run_index)+1 for sessionAgentID. The read is
	// not atomic with CreateRun; the (session_agent_id, run_index) UNIQUE
	// constraint rejects a duplicate index.
	NextRunIndex(ctx context.Context, sessionAgentID string) (int, error)
	CreateRun(ctx context.Context, r *model.Run) error
	GetRun(ctx context.Context, id string) (*model.Run, error)

	GetCompressionCache(ctx context.Context, sessionID string) (*model.CompressionCacheEntry, error)
	PutCompressionCache(ctx context.Context, entry *model.CompressionCacheEntry) error

	Close() error
}

// ErrAmbiguousName is returned by ResolveAgentByName when a mention matches
// more than one session member only by case-insensitive comparison. An
// exact-name match always wins first; names are never case-folded across
// distinct members.
type ErrAmbiguousName struct {
	Name string
}

func (e *ErrAmbiguousName) Error() string {
	return "ambiguous agent name: " + e.Name
}

// ErrNotFound is returned when a lookup finds no row.
type ErrNotFound struct {
	Entity string
	ID     string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.ID
}

func nowUTC() time.Time { return time.Now().UTC() }
