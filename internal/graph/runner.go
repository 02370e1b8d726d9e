package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/nova/internal/checkpoint"
)

// pendingSuspension is the in-memory record of an outstanding interrupt,
// keyed by resume token. It is process-local: a restart loses in-flight
// suspensions, acceptable since Task.status=awaiting_input plus the
// persisted Interaction row are the durable record the executor resumes
// from.
type pendingSuspension struct {
	checkpointID string
	question     string
	schema       []byte
	origin       string
}

// pendingSuspensions is shared across runner instances because the
// executor reconstructs a fresh runner for every execute/resume pass —
// a token minted by one instance must resolve in the next.
var pendingSuspensions sync.Map // map[string]*pendingSuspension

// ToolExecutor is the narrow surface LLMRunner needs from the Tool
// Registry: a resolved function set plus a way to invoke one by name.
// Execute returns the tool's result content, or an error-shaped
// content string, rather than failing the turn outright — a single
// broken tool call should not abort the whole agent turn.
type ToolExecutor interface {
	Specs() []ToolSpec
	Execute(ctx context.Context, name string, arguments json.RawMessage) (content string, isError bool)
}

// maxToolIterations bounds one turn's tool-call round trips so a model
// stuck calling tools forever fails the turn instead of looping forever.
const maxToolIterations = 8

// LLMRunner is the default Runner, composing an LLMClient with a
// CheckpointStore. It is the concrete backing the Task Executor drives
// through the Runner interface; swapping to a different graph
// implementation means writing a new Runner, not touching the executor.
type LLMRunner struct {
	client LLMClient
	store  *checkpoint.Store
	system string
	tools  ToolExecutor // nil means no domain tools, only ask_user
}

var _ Runner = (*LLMRunner)(nil)

// NewLLMRunner builds a Runner. system is the agent's system prompt.
func NewLLMRunner(client LLMClient, store *checkpoint.Store, system string) *LLMRunner {
	return &LLMRunner{
		client: client,
		store:  store,
		system: system,
	}
}

// WithTools attaches the resolved Tool Registry function set this
// runner's agent may call, beyond the always-available ask_user tool.
func (r *LLMRunner) WithTools(tools ToolExecutor) *LLMRunner {
	r.tools = tools
	return r
}

func (r *LLMRunner) loadState(ctx context.Context, checkpointID string) (State, error) {
	cp, err := r.store.Get(ctx, checkpointID)
	if err != nil {
		return State{}, fmt.Errorf("graph: load checkpoint: %w", err)
	}
	if cp == nil || len(cp.Payload) == 0 {
		return State{}, nil
	}
	var s State
	if err := json.Unmarshal(cp.Payload, &s); err != nil {
		return State{}, fmt.Errorf("graph: decode checkpoint: %w", err)
	}
	return s, nil
}

func (r *LLMRunner) saveState(ctx context.Context, checkpointID string, s State) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("graph: encode checkpoint: %w", err)
	}
	if err := r.store.Update(ctx, checkpointID, raw); err != nil {
		return fmt.Errorf("graph: save checkpoint: %w", err)
	}
	return nil
}

// Invoke appends prompt as a human turn and runs one completion.
func (r *LLMRunner) Invoke(ctx context.Context, checkpointID string, prompt string) (Outcome, error) {
	state, err := r.loadState(ctx, checkpointID)
	if err != nil {
		return Outcome{}, err
	}
	state.Messages = append(state.Messages, Message{Role: RoleHuman, Content: prompt})
	return r.runTurn(ctx, checkpointID, state)
}

// Resume answers a pending ask-user interrupt and continues the run.
func (r *LLMRunner) Resume(ctx context.Context, checkpointID string, resumeToken string, answer string) (Outcome, error) {
	v, ok := pendingSuspensions.LoadAndDelete(resumeToken)
	if !ok {
		return Outcome{}, fmt.Errorf("graph: unknown or already-consumed resume token")
	}
	p := v.(*pendingSuspension)
	if p.checkpointID != checkpointID {
		return Outcome{}, fmt.Errorf("graph: resume token does not match checkpoint")
	}
	state, err := r.loadState(ctx, checkpointID)
	if err != nil {
		return Outcome{}, err
	}
	state.Messages = append(state.Messages, Message{
		Role:    RoleHuman,
		Content: fmt.Sprintf("Regarding your question %q, the answer is: %s", p.question, answer),
	})
	return r.runTurn(ctx, checkpointID, state)
}

// runTurn drives one logical agent turn to completion: it may exchange
// several domain tool calls with the model before either suspending on
// ask_user or producing a final answer. Tool round trips live only in
// the local history for this turn — the persisted State.Messages (and
// therefore the continuous context fingerprint) only ever see the
// eventual human/assistant turns: checkpoints store conversational
// turns, not tool scratch work.
func (r *LLMRunner) runTurn(ctx context.Context, checkpointID string, state State) (Outcome, error) {
	history := toChatHistory(state.Messages)
	specs := r.toolSpecs()

	var totalTokens int
	for i := 0; i < maxToolIterations; i++ {
		resp, err := r.client.Complete(ctx, r.system, history, specs)
		if err != nil {
			return Outcome{}, err
		}
		totalTokens += resp.TotalTokens

		if call, ok := findAskUserCall(resp.ToolCalls); ok {
			var args struct {
				Question string          `json:"question"`
				Schema   json.RawMessage `json:"schema,omitempty"`
			}
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				return Outcome{}, fmt.Errorf("graph: decode ask_user arguments: %w", err)
			}
			if err := r.saveState(ctx, checkpointID, state); err != nil {
				return Outcome{}, err
			}
			token := newResumeToken()
			pendingSuspensions.Store(token, &pendingSuspension{checkpointID: checkpointID, question: args.Question, schema: args.Schema, origin: call.Name})
			return Outcome{Interrupt: &Interrupt{
				InteractionQuestion: args.Question,
				Schema:              args.Schema,
				ResumeToken:         token,
				OriginName:          call.Name,
			}}, nil
		}

		if len(resp.ToolCalls) == 0 {
			state.Messages = append(state.Messages, Message{Role: RoleAI, Content: resp.Content})
			if err := r.saveState(ctx, checkpointID, state); err != nil {
				return Outcome{}, err
			}
			return Outcome{Result: &Result{FinalText: resp.Content, TotalTokens: totalTokens}}, nil
		}

		history = append(history, ChatMessage{Role: "assistant", Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			content := r.executeTool(ctx, call)
			history = append(history, ChatMessage{Role: "tool", Content: content, ToolCallID: call.ID})
		}
	}
	return Outcome{}, fmt.Errorf("graph: exceeded maximum tool-call iterations for one turn")
}

// executeTool invokes a domain tool call, never returning a Go error —
// a tool failure becomes a "tool" role message the model can react to
// and possibly retry.
func (r *LLMRunner) executeTool(ctx context.Context, call ToolCall) string {
	if r.tools == nil {
		return fmt.Sprintf("tool %q is not available to this agent", call.Name)
	}
	content, isError := r.tools.Execute(ctx, call.Name, json.RawMessage(call.Arguments))
	if isError && content == "" {
		content = fmt.Sprintf("tool %q failed", call.Name)
	}
	return content
}

func (r *LLMRunner) toolSpecs() []ToolSpec {
	if r.tools == nil {
		return nil
	}
	return r.tools.Specs()
}

// UpdateState overwrites a checkpoint's persisted messages directly.
func (r *LLMRunner) UpdateState(ctx context.Context, checkpointID string, state State) error {
	return r.saveState(ctx, checkpointID, state)
}

// Delete removes a checkpoint's persisted state.
func (r *LLMRunner) Delete(ctx context.Context, checkpointID string) error {
	if err := r.store.Delete(ctx, checkpointID); err != nil {
		return fmt.Errorf("graph: delete checkpoint: %w", err)
	}
	return nil
}

// AgetTuple returns the current persisted state.
func (r *LLMRunner) AgetTuple(ctx context.Context, checkpointID string) (State, error) {
	return r.loadState(ctx, checkpointID)
}

func findAskUserCall(calls []ToolCall) (ToolCall, bool) {
	for _, c := range calls {
		if c.Name == AskUserToolName {
			return c, true
		}
	}
	return ToolCall{}, false
}

func toChatHistory(messages []Message) []ChatMessage {
	out := make([]ChatMessage, 0, len(messages))
	for _, m := range messages {
		role := "user"
		switch m.Role {
		case RoleAI:
			role = "assistant"
		case RoleSystem:
			role = "system"
		}
		out = append(out, ChatMessage{Role: role, Content: m.Content})
	}
	return out
}

// newResumeToken mints a resume token identifying one outstanding
// suspension; stored verbatim on the Interaction row and handed back to
// Resume.
func newResumeToken() string {
	return uuid.NewString()
}
