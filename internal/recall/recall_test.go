package recall

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

const testThread = "thread-1"

type fakeStore struct {
	segments map[string]*models.DaySegment // keyed by id
	byLabel  map[string]*models.DaySegment  // keyed by day_label
	chunks   map[string][]*models.TranscriptChunk // keyed by day segment id
	messages []*models.ThreadMessage              // in creation order

	summaryFTS []store.ScoredID
	chunkFTS   []store.ScoredID
	summarySem []store.ScoredID
	chunkSem   []store.ScoredID
}

func (f *fakeStore) DaySegmentByLabel(ctx context.Context, threadID, dayLabel string) (*models.DaySegment, error) {
	seg, ok := f.byLabel[dayLabel]
	if !ok {
		return nil, store.ErrNotFound
	}
	return seg, nil
}

func (f *fakeStore) GetDaySegment(ctx context.Context, id string) (*models.DaySegment, error) {
	seg, ok := f.segments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return seg, nil
}

func (f *fakeStore) ListDaySegments(ctx context.Context, threadID, q string, offset, limit int) ([]*models.DaySegment, error) {
	var all []*models.DaySegment
	for _, seg := range f.segments {
		all = append(all, seg)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].DayLabel > all[j].DayLabel })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (f *fakeStore) ChunksForSegment(ctx context.Context, daySegmentID string) ([]*models.TranscriptChunk, error) {
	return f.chunks[daySegmentID], nil
}

func (f *fakeStore) ChunksSinceRecency(ctx context.Context, threadID, cutoffDayLabel string) ([]*models.TranscriptChunk, error) {
	var out []*models.TranscriptChunk
	for id, seg := range f.segments {
		if seg.DayLabel < cutoffDayLabel {
			continue
		}
		out = append(out, f.chunks[id]...)
	}
	return out, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, id string) (*models.ThreadMessage, error) {
	for _, m := range f.messages {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) MessagesInWindow(ctx context.Context, threadID, afterID string, before time.Time, limit int) ([]*models.ThreadMessage, error) {
	var afterTime time.Time
	if afterID != "" {
		m, err := f.GetMessage(ctx, afterID)
		if err != nil {
			return nil, err
		}
		afterTime = m.CreatedAt
	}
	var out []*models.ThreadMessage
	for _, m := range f.messages {
		if afterID != "" && !m.CreatedAt.After(afterTime) {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) MessagesBefore(ctx context.Context, threadID, beforeID string, limit int) ([]*models.ThreadMessage, error) {
	m, err := f.GetMessage(ctx, beforeID)
	if err != nil {
		return nil, err
	}
	var rev []*models.ThreadMessage
	for i := len(f.messages) - 1; i >= 0; i-- {
		if !f.messages[i].CreatedAt.Before(m.CreatedAt) {
			continue
		}
		rev = append(rev, f.messages[i])
		if len(rev) >= limit {
			break
		}
	}
	for i, j := 0, len(rev)-1; i < j; i, j = i+1, j-1 {
		rev[i], rev[j] = rev[j], rev[i]
	}
	return rev, nil
}

func (f *fakeStore) MessagesFromSegmentStart(ctx context.Context, threadID, startsAtMessageID string, before time.Time) ([]*models.ThreadMessage, error) {
	start, err := f.GetMessage(ctx, startsAtMessageID)
	if err != nil {
		return nil, err
	}
	var out []*models.ThreadMessage
	for _, m := range f.messages {
		if m.CreatedAt.Before(start.CreatedAt) {
			continue
		}
		if !before.IsZero() && !m.CreatedAt.Before(before) {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeStore) SummaryFTSCandidates(ctx context.Context, threadID, query string, topK int) ([]store.ScoredID, error) {
	return f.summaryFTS, nil
}

func (f *fakeStore) ChunkFTSCandidates(ctx context.Context, threadID, query string, topK int) ([]store.ScoredID, error) {
	return f.chunkFTS, nil
}

func (f *fakeStore) DaySegmentEmbeddingsByCosine(ctx context.Context, threadID string, queryVec []float32, topK int) ([]store.ScoredID, error) {
	return f.summarySem, nil
}

func (f *fakeStore) ChunkEmbeddingsByCosine(ctx context.Context, threadID string, queryVec []float32, topK int) ([]store.ScoredID, error) {
	return f.chunkSem, nil
}

func newFixtureStore() *fakeStore {
	today := time.Now().Format("2006-01-02")
	yesterday := time.Now().AddDate(0, 0, -1).Format("2006-01-02")

	segToday := &models.DaySegment{ID: "seg-today", ThreadID: testThread, DayLabel: today, SummaryMarkdown: "Talked about rabbits and carrots."}
	segYesterday := &models.DaySegment{ID: "seg-yday", ThreadID: testThread, DayLabel: yesterday, SummaryMarkdown: "Discussed quarterly budget planning."}

	f := &fakeStore{
		segments: map[string]*models.DaySegment{segToday.ID: segToday, segYesterday.ID: segYesterday},
		byLabel:  map[string]*models.DaySegment{today: segToday, yesterday: segYesterday},
		chunks: map[string][]*models.TranscriptChunk{
			segToday.ID: {{ID: "chunk-1", DaySegmentID: segToday.ID, ContentText: "The rabbit ate every carrot in the garden by noon."}},
		},
	}
	return f
}

func TestSearch_HybridPath_RanksByBlendedScore(t *testing.T) {
	f := newFixtureStore()
	f.summaryFTS = []store.ScoredID{{ID: "seg-today", Score: 0.8}}
	f.chunkFTS = []store.ScoredID{{ID: "chunk-1", Score: 0.6}}

	r := New(f, f, nil)
	resp, err := r.Search(context.Background(), SearchRequest{ThreadID: testThread, Query: "rabbit carrot"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Hits) == 0 {
		t.Fatalf("expected hits, got none")
	}
	foundSummary, foundChunk := false, false
	for _, h := range resp.Hits {
		if h.ID == "seg-today" {
			foundSummary = true
		}
		if h.ID == "chunk-1" {
			foundChunk = true
		}
		if h.Snippet == "" {
			t.Errorf("hit %s missing snippet", h.ID)
		}
	}
	if !foundSummary || !foundChunk {
		t.Fatalf("expected both summary and chunk hits, got %+v", resp.Hits)
	}
}

func TestSearch_HybridPath_ScopedToDayExcludesOthers(t *testing.T) {
	f := newFixtureStore()
	yesterday := f.segments["seg-yday"].DayLabel
	f.summaryFTS = []store.ScoredID{{ID: "seg-today", Score: 0.9}, {ID: "seg-yday", Score: 0.9}}

	r := New(f, f, nil)
	resp, err := r.Search(context.Background(), SearchRequest{ThreadID: testThread, Query: "budget", Day: yesterday})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	for _, h := range resp.Hits {
		if h.DayLabel != yesterday {
			t.Errorf("expected only %s hits, got %s", yesterday, h.DayLabel)
		}
	}
}

func TestSearch_FallbackPath_SubstringMatch(t *testing.T) {
	f := newFixtureStore()
	r := New(f, nil, nil) // nil fts forces the fallback path

	resp, err := r.Search(context.Background(), SearchRequest{ThreadID: testThread, Query: "carrot"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Hits) == 0 {
		t.Fatalf("expected at least one fallback hit")
	}
	for _, h := range resp.Hits {
		if h.Snippet == "" {
			t.Errorf("hit %s missing snippet", h.ID)
		}
	}
}

func TestSearch_FallbackPath_NoMatchIsEmpty(t *testing.T) {
	f := newFixtureStore()
	r := New(f, nil, nil)

	resp, err := r.Search(context.Background(), SearchRequest{ThreadID: testThread, Query: "spaceship"})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Hits) != 0 {
		t.Fatalf("expected no hits, got %+v", resp.Hits)
	}
}

func TestSearch_PaginationSetsTruncated(t *testing.T) {
	f := newFixtureStore()
	r := New(f, nil, nil)

	resp, err := r.Search(context.Background(), SearchRequest{ThreadID: testThread, Query: "carrot", Limit: 1})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(resp.Hits) != 1 {
		t.Fatalf("expected exactly 1 hit, got %d", len(resp.Hits))
	}
	if !resp.Truncated {
		t.Fatalf("expected Truncated=true with more candidates remaining")
	}
}

func newMessageFixture() *fakeStore {
	f := &fakeStore{segments: map[string]*models.DaySegment{}, byLabel: map[string]*models.DaySegment{}, chunks: map[string][]*models.TranscriptChunk{}}
	base := time.Date(2026, 7, 30, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		f.messages = append(f.messages, &models.ThreadMessage{
			ID:        idAt(i),
			ThreadID:  testThread,
			Actor:     models.ActorUser,
			Text:      "message text",
			Type:      models.MessageTypeStandard,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
	}
	return f
}

func idAt(i int) string {
	return "msg-" + string(rune('a'+i))
}

func TestGet_DaySegmentIDReturnsSummary(t *testing.T) {
	f := newFixtureStore()
	r := New(f, f, nil)

	res, err := r.Get(context.Background(), GetRequest{ThreadID: testThread, DaySegmentID: "seg-today"})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if res.Summary == "" {
		t.Fatalf("expected non-empty summary")
	}
}

func TestGet_RangeIsInclusiveAndCapped(t *testing.T) {
	f := newMessageFixture()
	r := New(f, nil, nil)

	res, err := r.Get(context.Background(), GetRequest{ThreadID: testThread, FromMessageID: idAt(2), ToMessageID: idAt(6), Limit: 30})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(res.Messages) != 5 {
		t.Fatalf("expected 5 messages (inclusive range), got %d", len(res.Messages))
	}
	if res.Messages[0].ID != idAt(2) || res.Messages[len(res.Messages)-1].ID != idAt(6) {
		t.Fatalf("unexpected range bounds: %+v", res.Messages)
	}

	capped, err := r.Get(context.Background(), GetRequest{ThreadID: testThread, FromMessageID: idAt(0), ToMessageID: idAt(9), Limit: 3})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(capped.Messages) != 3 || !capped.Truncated {
		t.Fatalf("expected capped+truncated result, got %d messages truncated=%v", len(capped.Messages), capped.Truncated)
	}
}

func TestGet_CenteredWindowIncludesAnchor(t *testing.T) {
	f := newMessageFixture()
	r := New(f, nil, nil)

	res, err := r.Get(context.Background(), GetRequest{ThreadID: testThread, MessageID: idAt(5), Limit: 5})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	found := false
	for _, m := range res.Messages {
		if m.ID == idAt(5) {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected anchor message in centered window, got %+v", res.Messages)
	}
}

func TestGet_BeforeIDOverridesDirection(t *testing.T) {
	f := newMessageFixture()
	r := New(f, nil, nil)

	res, err := r.Get(context.Background(), GetRequest{ThreadID: testThread, MessageID: idAt(5), BeforeID: idAt(5), Limit: 3})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	for _, m := range res.Messages {
		if m.ID == idAt(5) {
			t.Fatalf("expected strictly-before messages, anchor leaked in: %+v", res.Messages)
		}
	}
}

func TestGet_NoAnchorIsInvalidRequest(t *testing.T) {
	f := newMessageFixture()
	r := New(f, nil, nil)

	_, err := r.Get(context.Background(), GetRequest{ThreadID: testThread})
	if err != ErrInvalidRequest {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
