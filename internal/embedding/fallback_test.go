package embedding

import (
	"context"
	"math"
	"testing"
)

func TestFallbackProvider_Deterministic(t *testing.T) {
	p := NewFallbackProvider()
	a, err := p.Embed(context.Background(), "remember to water the plants")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	b, err := p.Embed(context.Background(), "remember to water the plants")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	if len(a) != FallbackDimension {
		t.Fatalf("len(a) = %d, want %d", len(a), FallbackDimension)
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("Embed is not deterministic at index %d: %v != %v", i, a[i], b[i])
		}
	}
}

func TestFallbackProvider_DistinctTextsDiffer(t *testing.T) {
	p := NewFallbackProvider()
	a, _ := p.Embed(context.Background(), "the quarterly report is due friday")
	b, _ := p.Embed(context.Background(), "pick up groceries after work")
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("expected distinct texts to produce distinct vectors")
	}
}

func TestFallbackProvider_Normalized(t *testing.T) {
	p := NewFallbackProvider()
	v, _ := p.Embed(context.Background(), "some reasonably long sentence about nothing in particular")
	var sumSq float64
	for _, f := range v {
		sumSq += float64(f) * float64(f)
	}
	norm := math.Sqrt(sumSq)
	if norm < 0.99 || norm > 1.01 {
		t.Errorf("‖v‖ = %v, want ~1.0", norm)
	}
}

func TestFallbackProvider_EmptyTextIsZeroVector(t *testing.T) {
	p := NewFallbackProvider()
	v, err := p.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed error: %v", err)
	}
	for i, f := range v {
		if f != 0 {
			t.Fatalf("expected zero vector for empty text, index %d = %v", i, f)
		}
	}
}

func TestFallbackProvider_EmbedBatch(t *testing.T) {
	p := NewFallbackProvider()
	vectors, err := p.EmbedBatch(context.Background(), []string{"alpha beta", "gamma delta"})
	if err != nil {
		t.Fatalf("EmbedBatch error: %v", err)
	}
	if len(vectors) != 2 {
		t.Fatalf("len(vectors) = %d, want 2", len(vectors))
	}
	single, _ := p.Embed(context.Background(), "alpha beta")
	for i := range single {
		if single[i] != vectors[0][i] {
			t.Fatalf("EmbedBatch[0] diverges from Embed at index %d", i)
		}
	}
}

func TestTokenize(t *testing.T) {
	got := tokenize("Remember: water the plants on Friday!")
	want := []string{"remember", "water", "the", "plants", "on", "friday"}
	if len(got) != len(want) {
		t.Fatalf("tokenize() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("tokenize()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
