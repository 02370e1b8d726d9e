package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// FallbackDimension matches the store's fixed pgvector column width so
// fallback vectors compare directly against OpenAI ones if a deployment
// later switches providers (existing rows just get re-embedded lazily).
const FallbackDimension = 1536

// FallbackProvider is a deterministic, corpus-free vectorizer used when
// no embedding API key is configured. It hashes term frequencies into a
// fixed-width vector (the hashing trick) rather than corpus-wide
// TF-IDF, because Provider.Embed operates on one text at a
// time with no visibility into the rest of the corpus; log-scaled term
// counts approximate IDF weighting without a shared document frequency
// table. Recall falls back to effectively lexical-equivalent ranking
// under this provider, which is the intended degradation.
type FallbackProvider struct{}

var _ Provider = (*FallbackProvider)(nil)

// NewFallbackProvider returns the deterministic hashing vectorizer.
func NewFallbackProvider() *FallbackProvider { return &FallbackProvider{} }

func (p *FallbackProvider) Name() string     { return "fallback-hashing" }
func (p *FallbackProvider) Dimension() int    { return FallbackDimension }
func (p *FallbackProvider) MaxBatchSize() int { return 1 << 20 }

func (p *FallbackProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return hashEmbed(text), nil
}

func (p *FallbackProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = hashEmbed(t)
	}
	return out, nil
}

// tokenize lowercases and splits on non-alphanumeric runs, dropping
// single-character tokens.
func tokenize(content string) []string {
	content = strings.ToLower(content)
	fields := strings.FieldsFunc(content, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		tokens = append(tokens, f)
	}
	return tokens
}

func hashEmbed(text string) []float32 {
	vec := make([]float32, FallbackDimension)
	counts := map[string]int{}
	for _, tok := range tokenize(text) {
		counts[tok]++
	}
	for tok, count := range counts {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		idx := int(h.Sum32()) % FallbackDimension
		if idx < 0 {
			idx += FallbackDimension
		}
		weight := float32(1.0 + math.Log(float64(count)))
		vec[idx] += weight
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}
