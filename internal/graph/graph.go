// Package graph defines the minimal contract the Task Executor depends
// on to drive one agent turn, deliberately narrow enough that either a
// hand-rolled state machine or a third-party agent framework can sit
// behind it (spec §9 design note: "graph/checkpoint as an interface, not
// a library"). The executor never imports a concrete graph
// implementation directly.
package graph

import (
	"context"
)

// Role is the speaker of one State message.
type Role string

const (
	RoleHuman  Role = "human"
	RoleAI     Role = "ai"
	RoleSystem Role = "system"
)

// Message is one turn in a graph's message-list state.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	// Summary marks a synthetic message seeded by conversation compacting
	// rather than produced by a live agent turn.
	Summary bool `json:"summary,omitempty"`
}

// State is the opaque-to-the-executor payload a Runner persists per
// checkpoint id; Nova only ever constructs and reads its Messages field.
type State struct {
	Messages []Message `json:"messages"`
}

// Interrupt is returned by Invoke/Resume when the graph suspended itself
// waiting on a user answer (an "ask-user" tool call).
type Interrupt struct {
	InteractionQuestion string
	// Schema is the JSON schema the expected answer must satisfy, or nil
	// for free-form text answers.
	Schema []byte
	// ResumeToken is opaque graph-internal state Resume must be given
	// back verbatim to continue from this exact suspension point.
	ResumeToken string
	// OriginName identifies which tool/sub-agent raised the interrupt,
	// surfaced on the bus's interrupt event.
	OriginName string
}

// Result is a completed (non-interrupted) graph turn.
type Result struct {
	// FinalText is the agent's closing message content.
	FinalText string
	// TotalTokens is the provider-reported usage for the last response,
	// when available; 0 means "unknown, use the chars/4 approximation".
	TotalTokens int
}

// Outcome is returned by Invoke/Resume: exactly one of Result or
// Interrupt is non-nil.
type Outcome struct {
	Result    *Result
	Interrupt *Interrupt
}

// Runner is the minimal contract the Task Executor depends on. A
// checkpoint id scopes all state to one (thread, agent) pair.
type Runner interface {
	// Invoke starts or continues a graph run against checkpointID with
	// prompt as the new human turn, returning either a completed Result
	// or an Interrupt.
	Invoke(ctx context.Context, checkpointID string, prompt string) (Outcome, error)
	// Resume continues a graph previously suspended by Invoke/Resume,
	// feeding resumeToken (from the Interrupt) and the user's answer.
	Resume(ctx context.Context, checkpointID string, resumeToken string, answer string) (Outcome, error)
	// UpdateState overwrites a checkpoint's persisted State directly,
	// used by the Context Builder's rebuild procedure to reseed history
	// without running a turn.
	UpdateState(ctx context.Context, checkpointID string, state State) error
	// Delete removes all persisted state for a checkpoint id.
	Delete(ctx context.Context, checkpointID string) error
	// AgetTuple returns the current persisted State for post-run
	// inspection (context-consumption accounting, compacting).
	AgetTuple(ctx context.Context, checkpointID string) (State, error)
}
