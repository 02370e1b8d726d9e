package indexer

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

type fakeStore struct {
	segment         *models.DaySegment
	messages        []*models.ThreadMessage
	chunks          []*models.TranscriptChunk
	pendingEmbedded map[string]bool
}

func newFakeStore(seg *models.DaySegment, msgs []*models.ThreadMessage) *fakeStore {
	return &fakeStore{segment: seg, messages: msgs, pendingEmbedded: map[string]bool{}}
}

func (f *fakeStore) GetDaySegment(_ context.Context, id string) (*models.DaySegment, error) {
	return f.segment, nil
}

func (f *fakeStore) LastChunkForSegment(_ context.Context, daySegmentID string) (*models.TranscriptChunk, error) {
	if len(f.chunks) == 0 {
		return nil, nil
	}
	return f.chunks[len(f.chunks)-1], nil
}

func (f *fakeStore) UpsertChunk(_ context.Context, c *models.TranscriptChunk) (bool, error) {
	for _, existing := range f.chunks {
		if existing.StartMessageID == c.StartMessageID && existing.EndMessageID == c.EndMessageID {
			if existing.ContentHash == c.ContentHash {
				c.ID = existing.ID
				return false, nil
			}
			existing.ContentText = c.ContentText
			existing.ContentHash = c.ContentHash
			existing.TokenEstimate = c.TokenEstimate
			c.ID = existing.ID
			return true, nil
		}
	}
	c.ID = "chunk-" + c.StartMessageID + "-" + c.EndMessageID
	f.chunks = append(f.chunks, c)
	return true, nil
}

func (f *fakeStore) CreatePendingChunkEmbedding(_ context.Context, chunkID string) error {
	f.pendingEmbedded[chunkID] = true
	return nil
}

func (f *fakeStore) MessagesFromSegmentStart(_ context.Context, _ string, startsAtMessageID string, before time.Time) ([]*models.ThreadMessage, error) {
	startIdx := -1
	for i, m := range f.messages {
		if m.ID == startsAtMessageID {
			startIdx = i
			break
		}
	}
	if startIdx == -1 {
		return nil, nil
	}
	return f.messages[startIdx:], nil
}

func genMessages(n int, textLen int) []*models.ThreadMessage {
	out := make([]*models.ThreadMessage, n)
	base := time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	actor := models.ActorUser
	for i := 0; i < n; i++ {
		if i%2 == 1 {
			actor = models.ActorAgent
		} else {
			actor = models.ActorUser
		}
		out[i] = &models.ThreadMessage{
			ID:        idFor(i),
			Actor:     actor,
			Text:      strings.Repeat("x", textLen),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func idFor(i int) string {
	return "m" + string(rune('a'+i))
}

func TestIndexSegment_ChunksAndOverlaps(t *testing.T) {
	msgs := genMessages(40, 100) // well over the 600-token budget across all lines
	seg := &models.DaySegment{ID: "seg-1", UserID: "u1", ThreadID: "t1", StartsAtMessageID: msgs[0].ID}
	fs := newFakeStore(seg, msgs)

	ix := New(fs)
	written, err := ix.IndexSegment(context.Background(), seg.ID)
	if err != nil {
		t.Fatalf("IndexSegment: %v", err)
	}
	if written == 0 {
		t.Fatalf("expected at least one chunk written")
	}
	if len(fs.chunks) < 2 {
		t.Fatalf("expected multiple chunks from 40 lines at ~25 tokens each, got %d", len(fs.chunks))
	}
	for _, c := range fs.chunks {
		if !fs.pendingEmbedded[c.ID] {
			t.Errorf("chunk %s missing a scheduled embedding", c.ID)
		}
	}
}

func TestIndexSegment_IdempotentOnRerun(t *testing.T) {
	msgs := genMessages(6, 50)
	seg := &models.DaySegment{ID: "seg-1", UserID: "u1", ThreadID: "t1", StartsAtMessageID: msgs[0].ID}
	fs := newFakeStore(seg, msgs)
	ix := New(fs)

	first, err := ix.IndexSegment(context.Background(), seg.ID)
	if err != nil {
		t.Fatalf("IndexSegment (first): %v", err)
	}
	if first == 0 {
		t.Fatalf("expected chunks on first run")
	}

	chunkCountAfterFirst := len(fs.chunks)
	// Re-running from the last chunk's end should append nothing new
	// since no new messages arrived.
	second, err := ix.IndexSegment(context.Background(), seg.ID)
	if err != nil {
		t.Fatalf("IndexSegment (second): %v", err)
	}
	if second != 0 {
		t.Errorf("expected no new writes on idempotent re-run, got %d", second)
	}
	if len(fs.chunks) != chunkCountAfterFirst {
		t.Errorf("chunk count changed on idempotent re-run: %d -> %d", chunkCountAfterFirst, len(fs.chunks))
	}
}

func TestIndexSegment_NoNewMessagesIsNoop(t *testing.T) {
	msgs := genMessages(1, 50)
	seg := &models.DaySegment{ID: "seg-1", UserID: "u1", ThreadID: "t1", StartsAtMessageID: msgs[0].ID}
	fs := newFakeStore(seg, msgs)
	ix := New(fs)

	first, err := ix.IndexSegment(context.Background(), seg.ID)
	if err != nil {
		t.Fatalf("IndexSegment: %v", err)
	}
	if first != 1 {
		t.Fatalf("expected exactly one chunk for a single message, got %d", first)
	}

	second, err := ix.IndexSegment(context.Background(), seg.ID)
	if err != nil {
		t.Fatalf("IndexSegment (second): %v", err)
	}
	if second != 0 {
		t.Errorf("expected no-op when resuming at the last chunk's end with no new messages, got %d", second)
	}
}
