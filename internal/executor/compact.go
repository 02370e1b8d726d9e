package executor

import (
	"context"
	"fmt"

	"github.com/haasonsaas/nova/internal/graph"
	"github.com/haasonsaas/nova/pkg/models"
)

// compactMinWordBudget floors the word budget a degenerate (very short)
// conversation would otherwise compute, so the compacting prompt always
// asks for a usable summary rather than "0 words".
const compactMinWordBudget = 50

// compactNotice is the system message posted after a successful
// compaction (spec §4.1: "posts a system 'compacted' notification").
const compactNotice = "This conversation was compacted to free up context. Earlier detail is summarized above; use conversation_search/conversation_get to recover specifics."

// Compact implements the conversation-compacting executor variant
// (spec §4.1): it computes a word budget proportional to current usage,
// asks the agent for a Markdown summary, replaces the checkpoint's
// state with a single synthetic summary=true message, and posts a
// system notice. taskID, if non-empty, scopes the new_message event
// this emits; pass ""
// when compacting runs outside any Task (e.g. a standalone maintenance
// trigger).
func (e *Executor) Compact(ctx context.Context, threadID, agentRef, taskID string) error {
	thread, err := e.store.GetThread(ctx, threadID)
	if err != nil {
		return fmt.Errorf("executor: compact: load thread: %w", err)
	}
	agent, err := e.store.GetAgent(ctx, agentRef)
	if err != nil {
		return fmt.Errorf("executor: compact: load agent: %w", err)
	}
	link, err := e.store.GetOrCreateCheckpointLink(ctx, thread.ID, agent.ID)
	if err != nil {
		return fmt.Errorf("executor: compact: checkpoint link: %w", err)
	}

	unlock, err := e.locker.Lock(ctx, link.ID)
	if err != nil {
		return fmt.Errorf("executor: compact: acquire checkpoint lock: %w", err)
	}
	defer unlock()

	client, err := e.clients.ClientFor(ctx, agent)
	if err != nil {
		return fmt.Errorf("executor: compact: build llm client: %w", err)
	}
	runner := graph.NewLLMRunner(client, e.checkpoints, agent.SystemPrompt)

	state, err := runner.AgetTuple(ctx, link.ID)
	if err != nil {
		return fmt.Errorf("executor: compact: read checkpoint state: %w", err)
	}
	if len(state.Messages) == 0 {
		return nil // nothing to compact
	}

	wordBudget := compactWordBudget(state.Messages)
	resp, err := client.Complete(ctx, compactSystemPrompt(wordBudget), compactHistory(state.Messages), nil)
	if err != nil {
		return fmt.Errorf("executor: compact: request summary: %w", err)
	}

	if err := runner.Delete(ctx, link.ID); err != nil {
		return fmt.Errorf("executor: compact: delete stale checkpoint: %w", err)
	}
	seeded := graph.State{Messages: []graph.Message{{Role: graph.RoleAI, Content: resp.Content, Summary: true}}}
	if err := runner.UpdateState(ctx, link.ID, seeded); err != nil {
		return fmt.Errorf("executor: compact: reseed checkpoint: %w", err)
	}

	notice := &models.ThreadMessage{
		UserID:   thread.UserID,
		ThreadID: thread.ID,
		Actor:    models.ActorSystem,
		Text:     compactNotice,
		Type:     models.MessageTypeStandard,
	}
	if err := e.store.AppendMessage(ctx, notice); err != nil {
		return fmt.Errorf("executor: compact: post notice: %w", err)
	}

	if taskID != "" {
		e.bus.EmitterFor(taskID).NewMessage(ctx, notice)
	}
	return nil
}

func compactSystemPrompt(wordBudget int) string {
	return fmt.Sprintf("Summarize this conversation so far in Markdown, in at most %d words, "+
		"preserving anything the user would need carried forward. Reply with the summary only.", wordBudget)
}

// compactWordBudget approximates 0.3x current token usage (spec §4.1),
// using the same chars/4 token estimate as context-consumption
// accounting elsewhere in this package.
func compactWordBudget(messages []graph.Message) int {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	tokens := chars / 4
	budget := int(0.3 * float64(tokens))
	if budget < compactMinWordBudget {
		budget = compactMinWordBudget
	}
	return budget
}

// compactHistory maps graph.Message to the chat-completion history
// shape, mirroring graph's own (unexported) toChatHistory — duplicated
// here rather than exported since compacting is the only caller outside
// the graph package itself.
func compactHistory(messages []graph.Message) []graph.ChatMessage {
	out := make([]graph.ChatMessage, 0, len(messages))
	for _, m := range messages {
		role := "user"
		switch m.Role {
		case graph.RoleAI:
			role = "assistant"
		case graph.RoleSystem:
			role = "system"
		}
		out = append(out, graph.ChatMessage{Role: role, Content: m.Content})
	}
	return out
}
