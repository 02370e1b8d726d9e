package models

import "time"

// Agent is a named configuration executed against a conversation state:
// system prompt, LLM provider, bound tools, sub-agents, recursion cap
// (Glossary). Agents may use other agents as tools; the creation/update
// path runs a DFS cycle check over SubAgents before persisting (§9).
type Agent struct {
	ID           string `json:"id"`
	UserID       string `json:"user_id"`
	Name         string `json:"name"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	Tools        []string `json:"tools,omitempty"`
	// SubAgents lists other Agent IDs this agent may invoke as tools.
	SubAgents    []string `json:"sub_agents,omitempty"`
	RecursionCap int      `json:"recursion_cap,omitempty"`
	// SummaryModel optionally overrides the provider used when this agent
	// acts as the day summarizer (§9 open question). Unset means "use
	// this agent itself".
	SummaryModel string         `json:"summary_model,omitempty"`
	Config       map[string]any `json:"config,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}
