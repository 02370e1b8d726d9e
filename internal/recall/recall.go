// Package recall implements the two agent-callable retrieval tools,
// conversation_search and conversation_get, blending Postgres full-text
// search with pgvector cosine similarity when an embedding vector is
// available, blending both signals into a single ranked result set.
package recall

import (
	"context"
	"sort"
	"time"

	"github.com/haasonsaas/nova/internal/embedding"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

const (
	candidateTopK = 200

	semanticWeight = 0.7
	lexicalWeight  = 0.3

	summaryKindWeight = 1.0
	chunkKindWeight   = 0.92

	defaultRecencyDays = 14
	defaultSearchLimit = 6
	maxSearchLimit     = 50
	maxSearchOffset    = 500

	defaultGetLimit = 30
	maxGetLimit     = 30
)

// DataStore is the persistence surface both paths share.
type DataStore interface {
	DaySegmentByLabel(ctx context.Context, threadID, dayLabel string) (*models.DaySegment, error)
	GetDaySegment(ctx context.Context, id string) (*models.DaySegment, error)
	ListDaySegments(ctx context.Context, threadID string, q string, offset, limit int) ([]*models.DaySegment, error)
	ChunksForSegment(ctx context.Context, daySegmentID string) ([]*models.TranscriptChunk, error)
	ChunksSinceRecency(ctx context.Context, threadID, cutoffDayLabel string) ([]*models.TranscriptChunk, error)
	GetMessage(ctx context.Context, id string) (*models.ThreadMessage, error)
	MessagesInWindow(ctx context.Context, threadID, afterID string, before time.Time, limit int) ([]*models.ThreadMessage, error)
	MessagesBefore(ctx context.Context, threadID, beforeID string, limit int) ([]*models.ThreadMessage, error)
	MessagesFromSegmentStart(ctx context.Context, threadID, startsAtMessageID string, before time.Time) ([]*models.ThreadMessage, error)
}

// FTSStore is the Postgres-only capability surface: full-text rank and
// vector cosine distance. A DataStore without a matching FTSStore
// (e.g. an in-memory fake) makes Recall degrade to the substring
// fallback path.
type FTSStore interface {
	SummaryFTSCandidates(ctx context.Context, threadID, query string, topK int) ([]store.ScoredID, error)
	ChunkFTSCandidates(ctx context.Context, threadID, query string, topK int) ([]store.ScoredID, error)
	DaySegmentEmbeddingsByCosine(ctx context.Context, threadID string, queryVec []float32, topK int) ([]store.ScoredID, error)
	ChunkEmbeddingsByCosine(ctx context.Context, threadID string, queryVec []float32, topK int) ([]store.ScoredID, error)
}

var (
	_ DataStore = (*store.Store)(nil)
	_ FTSStore  = (*store.Store)(nil)
)

// Recall serves conversation_search/conversation_get for one (user,
// thread) pair's continuous or named thread.
type Recall struct {
	store    DataStore
	fts      FTSStore // nil disables the Postgres hybrid path
	embedder embedding.Provider
}

// New builds a Recall backed by the full Postgres hybrid path. fts is
// typically the same concrete value as ds, asserted separately so
// callers without real FTS support can pass nil and get the substring
// fallback.
func New(ds DataStore, fts FTSStore, embedder embedding.Provider) *Recall {
	return &Recall{store: ds, fts: fts, embedder: embedder}
}

// SearchRequest is conversation_search's parameters.
type SearchRequest struct {
	ThreadID    string
	Query       string
	Day         string // optional exact day_label scope
	RecencyDays int    // default 14
	Limit       int    // default 6, clamped [1,50]
	Offset      int    // clamped [0,500]
}

// SearchHit is one conversation_search result.
type SearchHit struct {
	Kind         string `json:"kind"` // "summary" or "chunk"
	ID           string `json:"id"`
	DayLabel     string `json:"day_label"`
	Snippet      string `json:"snippet"`
	Score        float64 `json:"score"`
}

// SearchResponse is conversation_search's return value.
type SearchResponse struct {
	Hits      []SearchHit `json:"hits"`
	Truncated bool        `json:"truncated"`
}

// Search implements conversation_search (spec §4.5). An empty query
// fails validation (spec §8 boundary behavior) rather than degrading to
// an unscoped match-everything search.
func (r *Recall) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	if req.Query == "" {
		return SearchResponse{}, ErrInvalidRequest
	}
	req = normalizeSearchRequest(req)

	var queryVec []float32
	if r.embedder != nil && req.Query != "" {
		if v, err := r.embedder.Embed(ctx, req.Query); err == nil {
			queryVec = v
		}
	}

	var cutoffDayLabel string
	if req.Day == "" {
		cutoffDayLabel = time.Now().AddDate(0, 0, -req.RecencyDays).Format("2006-01-02")
	}

	var candidates []candidate
	var err error
	if r.fts != nil {
		candidates, err = r.hybridCandidates(ctx, req, queryVec, cutoffDayLabel)
	} else {
		candidates, err = r.substringCandidates(ctx, req, cutoffDayLabel)
	}
	if err != nil {
		return SearchResponse{}, err
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].dayLabel != candidates[j].dayLabel {
			return candidates[i].dayLabel > candidates[j].dayLabel
		}
		return candidates[i].id > candidates[j].id
	})

	end := req.Offset + req.Limit
	truncated := end < len(candidates)
	if req.Offset >= len(candidates) {
		return SearchResponse{Truncated: false}, nil
	}
	if end > len(candidates) {
		end = len(candidates)
	}
	page := candidates[req.Offset:end]

	hits := make([]SearchHit, len(page))
	for i, c := range page {
		hits[i] = SearchHit{Kind: c.kind, ID: c.id, DayLabel: c.dayLabel, Snippet: c.snippet, Score: c.score}
	}
	return SearchResponse{Hits: hits, Truncated: truncated}, nil
}

func normalizeSearchRequest(req SearchRequest) SearchRequest {
	if req.RecencyDays <= 0 {
		req.RecencyDays = defaultRecencyDays
	}
	if req.Limit <= 0 {
		req.Limit = defaultSearchLimit
	}
	if req.Limit > maxSearchLimit {
		req.Limit = maxSearchLimit
	}
	if req.Offset < 0 {
		req.Offset = 0
	}
	if req.Offset > maxSearchOffset {
		req.Offset = maxSearchOffset
	}
	return req
}

type candidate struct {
	kind     string // "summary" | "chunk"
	id       string
	dayLabel string
	text     string
	score    float64
	snippet  string
}

func recencyMultiplier(dayLabel string, now time.Time) float64 {
	day, err := time.Parse("2006-01-02", dayLabel)
	if err != nil {
		return 0.8
	}
	age := now.Sub(day)
	switch {
	case age <= 24*time.Hour:
		return 1.0
	case age <= 7*24*time.Hour:
		return 0.9
	default:
		return 0.8
	}
}

func kindWeight(kind string) float64 {
	if kind == "summary" {
		return summaryKindWeight
	}
	return chunkKindWeight
}
