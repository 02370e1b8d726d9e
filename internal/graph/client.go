package graph

import "context"

// ChatMessage is one turn sent to an LLMClient, the usual
// "role"/"content"/tool-call chat-completions shape at the subset
// LLMRunner needs.
type ChatMessage struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCallID string     // set on role="tool" replies
	ToolCalls  []ToolCall // set on role="assistant" messages that requested tool calls
}

// ToolCall is a single function-call request from the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON
}

// ChatResponse is one non-streaming completion.
type ChatResponse struct {
	Content     string
	ToolCalls   []ToolCall
	TotalTokens int
}

// AskUserToolName is the single always-registered tool the agent graph
// uses to suspend for user input; any provider tool-calling surface the
// LLMClient wraps must expose this name.
const AskUserToolName = "ask_user"

// ToolSpec is one function tool advertised to the model on a turn,
// sourced from the Tool Registry's resolved (possibly aggregated)
// function set for the calling agent.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON schema
}

// LLMClient is the narrow surface LLMRunner needs from a chat-completions
// provider, grounded on internal/agent/runtime.go's LLMProvider interface
// at the subset relevant to a single non-streaming turn (the Task
// Executor reports context consumption after the fact rather than
// per-token, so LLMRunner has no use for a streaming chunk channel).
// tools is the Tool Registry's resolved function set
// for the calling agent; a concrete LLMClient always adds ask_user on
// top of it so every agent can suspend for input regardless of what
// the registry resolved.
type LLMClient interface {
	Complete(ctx context.Context, system string, history []ChatMessage, tools []ToolSpec) (ChatResponse, error)
}
