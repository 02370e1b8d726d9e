package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/haasonsaas/nova/internal/graph"
	"github.com/haasonsaas/nova/pkg/models"
)

// ClientFactory resolves the LLMClient an Agent should run against. The
// executor depends only on this narrow surface so swapping providers
// never touches execution logic, mirroring the graph package's own
// "interface, not a library" design note (spec §9).
type ClientFactory interface {
	ClientFor(ctx context.Context, agent *models.Agent) (graph.LLMClient, error)
}

// OpenAIClientFactory builds graph.OpenAIClient instances, one per
// distinct model string, reusing them across agents that share a model.
// A single API key/base URL pair is assumed (the deployment's own
// configured OpenAI-compatible endpoint) since per-provider credential
// management is out of scope (spec §1: "the concrete LLM provider
// clients... are external, specified only by the interface").
type OpenAIClientFactory struct {
	APIKey  string
	BaseURL string

	mu      sync.Mutex
	cache   map[string]graph.LLMClient
}

var _ ClientFactory = (*OpenAIClientFactory)(nil)

// NewOpenAIClientFactory builds a factory sharing one API key/base URL
// across every agent, keyed by model for client reuse.
func NewOpenAIClientFactory(apiKey, baseURL string) *OpenAIClientFactory {
	return &OpenAIClientFactory{APIKey: apiKey, BaseURL: baseURL, cache: make(map[string]graph.LLMClient)}
}

func (f *OpenAIClientFactory) ClientFor(ctx context.Context, agent *models.Agent) (graph.LLMClient, error) {
	model := agent.Model
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.cache[model]; ok {
		return c, nil
	}
	c, err := graph.NewOpenAIClient(f.APIKey, f.BaseURL, model)
	if err != nil {
		return nil, fmt.Errorf("executor: build llm client for model %q: %w", model, err)
	}
	f.cache[model] = c
	return c, nil
}
