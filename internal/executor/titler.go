package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/nova/internal/graph"
)

// titlePrompt instructs the model to produce the short, same-language
// title spec §4.1 calls for, without touching any persisted checkpoint
// state — this runs as a standalone completion against client directly,
// never through a graph.Runner.
const titlePrompt = "Summarize the topic of the following exchange in 1 to 3 words, " +
	"in the same language the user wrote in. Reply with the words only, no punctuation, no quotes."

// requestTitle asks the agent's LLM for a short subject line derived
// from one turn's user prompt and agent reply.
func requestTitle(ctx context.Context, client graph.LLMClient, userPrompt, agentReply string) (string, error) {
	history := []graph.ChatMessage{
		{Role: "user", Content: fmt.Sprintf("User: %s\nAssistant: %s", userPrompt, agentReply)},
	}
	resp, err := client.Complete(ctx, titlePrompt, history, nil)
	if err != nil {
		return "", fmt.Errorf("request title: %w", err)
	}
	return sanitizeTitle(resp.Content), nil
}

// sanitizeTitle strips quoting/punctuation a model adds despite
// instructions and caps the result to a handful of words.
func sanitizeTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'.“”‘’ \t\n")
	words := strings.Fields(s)
	if len(words) > 3 {
		words = words[:3]
	}
	return strings.Join(words, " ")
}
