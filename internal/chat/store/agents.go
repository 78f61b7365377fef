package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	"github.com/chatrunner/chatrunner/internal/chat/model"
)

func (r *Repository) CreateAgent(ctx context.Context, a *model.Agent) error {
	now := nowUTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	toolsJSON, err := marshalTools(a.ToolsEnabled)
	if err != nil {
		return err
	}
	a.ToolsEnabledJ = toolsJSON

	query := r.writer().Rebind(`
		INSERT INTO chat_agents (id, name, runner_type, system_prompt, tools_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	_, err = r.writer().ExecContext(ctx, query,
		a.ID, a.Name, a.RunnerType, a.SystemPrompt, a.ToolsEnabledJ, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r *Repository) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	var a model.Agent
	query := r.reader().Rebind(`SELECT * FROM chat_agents WHERE id = ?`)
	err := r.reader().GetContext(ctx, &a, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ErrNotFound{Entity: "agent", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalTools(&a); err != nil {
		return nil, err
	}
	return &a, nil
}

// ResolveAgentByName resolves by exact name within the session's
// membership, falling back to a unique case-insensitive match; more than
// one case-insensitive match is ambiguous.
func (r *Repository) ResolveAgentByName(ctx context.Context, sessionID, name string) (*model.Agent, *model.SessionAgent, error) {
	members, err := r.membersWithAgents(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	for _, m := range members {
		if m.agent.Name == name {
			return m.agent, m.sessionAgent, nil
		}
	}

	var matches []*memberRow
	lowered := strings.ToLower(name)
	for i := range members {
		if strings.ToLower(members[i].agent.Name) == lowered {
			matches = append(matches, members[i])
		}
	}
	switch len(matches) {
	case 0:
		return nil, nil, &ErrNotFound{Entity: "agent", ID: name}
	case 1:
		return matches[0].agent, matches[0].sessionAgent, nil
	default:
		return nil, nil, &ErrAmbiguousName{Name: name}
	}
}

type memberRow struct {
	agent        *model.Agent
	sessionAgent *model.SessionAgent
}

func (r *Repository) membersWithAgents(ctx context.Context, sessionID string) ([]*memberRow, error) {
	sas, err := r.ListSessionAgents(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	rows := make([]*memberRow, 0, len(sas))
	for _, sa := range sas {
		agent, err := r.GetAgent(ctx, sa.AgentID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, &memberRow{agent: agent, sessionAgent: sa})
	}
	return rows, nil
}

func marshalTools(tools map[string]any) (string, error) {
	if tools == nil {
		return "{}", nil
	}
	b, err := json.Marshal(tools)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalTools(a *model.Agent) error {
	if a.ToolsEnabledJ == "" {
		return nil
	}
	return json.Unmarshal([]byte(a.ToolsEnabledJ), &a.ToolsEnabled)
}
