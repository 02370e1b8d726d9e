// Package embedding provides the Provider interface used by the
// Transcript Indexer and Day Summarizer to turn text into vectors, plus
// the concrete adapters: an OpenAI-backed provider and a deterministic
// fallback used when no embedding API key is configured.
package embedding

import "context"

// Provider generates embeddings for text. Implementations must be safe
// for concurrent use.
type Provider interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch generates embeddings for multiple texts in one round
	// trip; callers must chunk inputs to MaxBatchSize themselves.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Name identifies the provider for the embedding row's provider column.
	Name() string
	// Dimension is the vector width this provider produces before the
	// store's zero-pad-to-1536 step.
	Dimension() int
	// MaxBatchSize is the largest slice EmbedBatch accepts at once.
	MaxBatchSize() int
}

// Config selects and configures an embedding provider from environment
// or YAML configuration (see internal/novaconfig).
type Config struct {
	Provider string `yaml:"provider"` // not read by New, which selects by APIKey
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// New returns the configured Provider, falling back to the deterministic
// hashing vectorizer when no API key is set — Recall then degrades to
// lexical-equivalent ranking instead of refusing to start.
func New(cfg Config) Provider {
	if cfg.APIKey == "" {
		return NewFallbackProvider()
	}
	p, err := NewOpenAIProvider(cfg)
	if err != nil {
		return NewFallbackProvider()
	}
	return p
}

// EmbedInBatches splits inputs into provider.MaxBatchSize()-sized groups
// and concatenates the results, the pattern every caller (indexer,
// summarizer, recall) should use rather than calling EmbedBatch directly.
func EmbedInBatches(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	batchSize := p.MaxBatchSize()
	if batchSize <= 0 {
		batchSize = len(texts)
	}
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := p.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}
