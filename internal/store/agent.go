package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/nova/pkg/models"

	"github.com/haasonsaas/nova/internal/novaerr"
)

// CreateAgent validates sub-agent references for cycles, then persists a
// new Agent.
func (s *Store) CreateAgent(ctx context.Context, a *models.Agent) error {
	if err := s.checkSubAgentCycle(ctx, a.ID, a.SubAgents); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = newID()
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	subAgents, err := json.Marshal(a.SubAgents)
	if err != nil {
		return fmt.Errorf("marshal sub_agents: %w", err)
	}
	config, err := marshalMap(a.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agents
			(id, user_id, name, system_prompt, model, provider, tools, sub_agents, recursion_cap, summary_model, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, a.ID, a.UserID, a.Name, nullString(a.SystemPrompt), a.Model, a.Provider, tools, subAgents,
		a.RecursionCap, nullString(a.SummaryModel), nullRaw(config), a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

// UpdateAgent re-checks for sub-agent cycles and overwrites an existing
// Agent's configuration.
func (s *Store) UpdateAgent(ctx context.Context, a *models.Agent) error {
	if err := s.checkSubAgentCycle(ctx, a.ID, a.SubAgents); err != nil {
		return err
	}
	a.UpdatedAt = time.Now()
	tools, err := json.Marshal(a.Tools)
	if err != nil {
		return fmt.Errorf("marshal tools: %w", err)
	}
	subAgents, err := json.Marshal(a.SubAgents)
	if err != nil {
		return fmt.Errorf("marshal sub_agents: %w", err)
	}
	config, err := marshalMap(a.Config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents
		SET name = $2, system_prompt = $3, model = $4, provider = $5, tools = $6, sub_agents = $7,
		    recursion_cap = $8, summary_model = $9, config = $10, updated_at = $11
		WHERE id = $1
	`, a.ID, a.Name, nullString(a.SystemPrompt), a.Model, a.Provider, tools, subAgents,
		a.RecursionCap, nullString(a.SummaryModel), nullRaw(config), a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// checkSubAgentCycle runs a depth-first search over the sub-agent graph
// as it would exist with candidateID's SubAgents set to proposed,
// rejecting the write if any path leads back to candidateID. An agent
// that points to a sub-agent which (directly or transitively) points back
// to it would deadlock the executor's recursive invocation.
func (s *Store) checkSubAgentCycle(ctx context.Context, candidateID string, proposed []string) error {
	visited := map[string]bool{}
	var visit func(id string) error
	visit = func(id string) error {
		if id == candidateID {
			return novaerr.New(novaerr.CategoryValidation, "sub_agents forms a cycle back to this agent")
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		children, err := s.agentSubAgents(ctx, id)
		if err != nil {
			return err
		}
		for _, c := range children {
			if err := visit(c); err != nil {
				return err
			}
		}
		return nil
	}
	for _, childID := range proposed {
		if err := visit(childID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) agentSubAgents(ctx context.Context, id string) ([]string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT sub_agents FROM agents WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agent sub_agents: %w", err)
	}
	var out []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("unmarshal sub_agents: %w", err)
		}
	}
	return out, nil
}

// GetAgent looks up an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return scanAgentRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, system_prompt, model, provider, tools, sub_agents, recursion_cap, summary_model, config, created_at, updated_at
		FROM agents WHERE id = $1
	`, id))
}

// AgentsByUser lists every agent a user owns.
func (s *Store) AgentsByUser(ctx context.Context, userID string) ([]*models.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, system_prompt, model, provider, tools, sub_agents, recursion_cap, summary_model, config, created_at, updated_at
		FROM agents WHERE user_id = $1 ORDER BY created_at
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("agents by user: %w", err)
	}
	defer rows.Close()
	var out []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DefaultAgentForUser returns the agent a channel adapter should run
// when the user did not pick one explicitly: the flagged default if one
// exists, else the user's oldest agent.
func (s *Store) DefaultAgentForUser(ctx context.Context, userID string) (*models.Agent, error) {
	return scanAgentRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, system_prompt, model, provider, tools, sub_agents, recursion_cap, summary_model, config, created_at, updated_at
		FROM agents WHERE user_id = $1 ORDER BY is_default DESC, created_at LIMIT 1
	`, userID))
}

// SetDefaultAgent flips the default flag to the named agent, clearing
// any previous default, in one transaction so the partial unique index
// never sees two defaults.
func (s *Store) SetDefaultAgent(ctx context.Context, userID, agentID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("set default agent: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET is_default = false WHERE user_id = $1 AND is_default`, userID); err != nil {
		return fmt.Errorf("clear default agent: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE agents SET is_default = true, updated_at = now() WHERE id = $1 AND user_id = $2`, agentID, userID)
	if err != nil {
		return fmt.Errorf("set default agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return tx.Commit()
}

// DeleteAgent removes an agent and its tool bindings (cascade).
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAgent(row rowScanner) (*models.Agent, error) {
	var a models.Agent
	var systemPrompt, summaryModel sql.NullString
	var tools, subAgents, config []byte
	if err := row.Scan(&a.ID, &a.UserID, &a.Name, &systemPrompt, &a.Model, &a.Provider, &tools,
		&subAgents, &a.RecursionCap, &summaryModel, &config, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	a.SystemPrompt, a.SummaryModel = systemPrompt.String, summaryModel.String
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &a.Tools); err != nil {
			return nil, fmt.Errorf("unmarshal tools: %w", err)
		}
	}
	if len(subAgents) > 0 {
		if err := json.Unmarshal(subAgents, &a.SubAgents); err != nil {
			return nil, fmt.Errorf("unmarshal sub_agents: %w", err)
		}
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &a.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return &a, nil
}

func scanAgentRow(row *sql.Row) (*models.Agent, error) {
	return scanAgent(row)
}

// CreateToolBinding attaches a tool to an agent.
func (s *Store) CreateToolBinding(ctx context.Context, tb *models.ToolBinding) error {
	if tb.ID == "" {
		tb.ID = newID()
	}
	config, err := marshalMap(tb.Config)
	if err != nil {
		return fmt.Errorf("marshal tool binding config: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tool_bindings (id, agent_id, tool_id, tool_kind, config, label)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, tb.ID, tb.AgentID, tb.ToolID, tb.ToolKind, nullRaw(config), nullString(tb.Label))
	if err != nil {
		return fmt.Errorf("create tool binding: %w", err)
	}
	return nil
}

// ToolBindingsForAgent lists every tool bound to an agent, the source
// for §4.6's per-agent instance aggregation (multiple bindings sharing
// the same tool_kind are its selectable instances).
func (s *Store) ToolBindingsForAgent(ctx context.Context, agentID string) ([]*models.ToolBinding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, tool_id, tool_kind, config, label FROM tool_bindings WHERE agent_id = $1
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("tool bindings for agent: %w", err)
	}
	defer rows.Close()
	var out []*models.ToolBinding
	for rows.Next() {
		var tb models.ToolBinding
		var config []byte
		var label sql.NullString
		if err := rows.Scan(&tb.ID, &tb.AgentID, &tb.ToolID, &tb.ToolKind, &config, &label); err != nil {
			return nil, fmt.Errorf("scan tool binding: %w", err)
		}
		if len(config) > 0 {
			if err := json.Unmarshal(config, &tb.Config); err != nil {
				return nil, fmt.Errorf("unmarshal tool binding config: %w", err)
			}
		}
		tb.Label = label.String
		out = append(out, &tb)
	}
	return out, rows.Err()
}

// DeleteToolBinding detaches a tool from an agent.
func (s *Store) DeleteToolBinding(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_bindings WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete tool binding: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
