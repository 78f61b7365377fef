// Package presets implements Presets & Config (C9): a built-in catalog of
// team/member templates a session can be seeded from, plus the default
// chat-compression thresholds consumed by internal/chat/compression.
// Grounded on internal/chat/executor.Catalog's atomic.Pointer snapshot
// idiom, generalized from "one Executor per RunnerType" to "one
// TeamPreset per catalog key" so a concurrent Run Supervisor and a
// concurrent preset-reload (e.g. a future admin endpoint) never race on a
// half-built map.
package presets

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/chatrunner/chatrunner/internal/chat/model"
	"github.com/chatrunner/chatrunner/internal/chat/store"
	"github.com/chatrunner/chatrunner/internal/common/config"
	"github.com/chatrunner/chatrunner/internal/common/constants"
)

// MemberPreset describes one Agent a TeamPreset instantiates.
type MemberPreset struct {
	Name         string
	RunnerType   string
	SystemPrompt string
}

// TeamPreset is a named, built-in group of MemberPresets a session can be
// seeded with in one call.
type TeamPreset struct {
	Key         string
	Name        string
	Description string
	Members     []MemberPreset
}

// Snapshot is the immutable, atomically-swappable view of process-wide
// preset and compression-default state.
type Snapshot struct {
	Teams       map[string]TeamPreset
	Compression config.CompressionConfig
}

// Catalog holds the current Snapshot behind an atomic.Pointer, the same
// copy-on-write pattern internal/chat/executor.Catalog uses for Executors.
type Catalog struct {
	snapshot atomic.Pointer[Snapshot]
}

// NewCatalog builds the catalog from the built-in team presets and cfg,
// falling back to constants-derived defaults when cfg's thresholds are
// unset (zero-value), mirroring compression.NewEngine's own fallback.
func NewCatalog(cfg config.CompressionConfig) *Catalog {
	if cfg.TokenThreshold == 0 {
		cfg.TokenThreshold = constants.DefaultCompressionTokenThreshold
	}
	if cfg.CompressionPercentage == 0 {
		cfg.CompressionPercentage = constants.DefaultCompressionPercentage
	}
	c := &Catalog{}
	snap := &Snapshot{
		Teams:       builtinTeams(),
		Compression: cfg,
	}
	c.snapshot.Store(snap)
	return c
}

// Get returns the named TeamPreset, or false if no such key is registered.
func (c *Catalog) Get(key string) (TeamPreset, bool) {
	snap := c.snapshot.Load()
	t, ok := snap.Teams[key]
	return t, ok
}

// List returns every registered TeamPreset, in a stable order.
func (c *Catalog) List() []TeamPreset {
	snap := c.snapshot.Load()
	out := make([]TeamPreset, 0, len(snap.Teams))
	for _, key := range teamOrder {
		if t, ok := snap.Teams[key]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Compression returns the current default compression thresholds.
func (c *Catalog) Compression() config.CompressionConfig {
	return c.snapshot.Load().Compression
}

// Register swaps in or replaces a TeamPreset, copy-on-write over the
// snapshot. Used by tests and by a future admin-defined custom preset path
// without disturbing the rest of the catalog.
func (c *Catalog) Register(t TeamPreset) {
	old := c.snapshot.Load()
	teams := make(map[string]TeamPreset, len(old.Teams)+1)
	for k, v := range old.Teams {
		teams[k] = v
	}
	teams[t.Key] = t
	c.snapshot.Store(&Snapshot{Teams: teams, Compression: old.Compression})
}

// Instantiate seeds sessionID with one SessionAgent per member of team,
// reusing an existing same-name Agent already present in the session
// (case-insensitively, via store.ResolveAgentByName) rather than creating
// a duplicate, and creating a fresh Agent + SessionAgent otherwise.
func Instantiate(ctx context.Context, st store.Store, sessionID string, team TeamPreset) ([]*model.SessionAgent, error) {
	result := make([]*model.SessionAgent, 0, len(team.Members))
	for _, member := range team.Members {
		agent, sa, err := st.ResolveAgentByName(ctx, sessionID, member.Name)
		if err != nil {
			var nf *store.ErrNotFound
			if !errors.As(err, &nf) {
				return nil, fmt.Errorf("resolve preset member %q: %w", member.Name, err)
			}
			agent = &model.Agent{
				ID:           uuid.New().String(),
				Name:         member.Name,
				RunnerType:   member.RunnerType,
				SystemPrompt: member.SystemPrompt,
			}
			if err := st.CreateAgent(ctx, agent); err != nil {
				return nil, fmt.Errorf("create preset member %q: %w", member.Name, err)
			}
			sa = &model.SessionAgent{
				ID:        uuid.New().String(),
				SessionID: sessionID,
				AgentID:   agent.ID,
				State:     model.StateIdle,
			}
			if err := st.UpsertSessionAgent(ctx, sa); err != nil {
				return nil, fmt.Errorf("seed session agent %q: %w", member.Name, err)
			}
		}
		result = append(result, sa)
	}
	return result, nil
}
