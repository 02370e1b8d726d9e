package embedding

import (
	"context"
	"testing"

	"github.com/haasonsaas/nova/pkg/models"
)

type fakeWorkerStore struct {
	pendingSegs   []string
	pendingChunks []string
	segs          map[string]*models.DaySegment
	chunks        map[string]*models.TranscriptChunk
	records       map[string]*models.EmbeddingRecord

	readySegs   map[string][]float32
	readyChunks map[string][]float32
	errored     map[string]string
}

func newFakeWorkerStore() *fakeWorkerStore {
	return &fakeWorkerStore{
		segs:        map[string]*models.DaySegment{},
		chunks:      map[string]*models.TranscriptChunk{},
		records:     map[string]*models.EmbeddingRecord{},
		readySegs:   map[string][]float32{},
		readyChunks: map[string][]float32{},
		errored:     map[string]string{},
	}
}

func (f *fakeWorkerStore) PendingDaySegmentEmbeddings(_ context.Context, _ int) ([]string, error) {
	return f.pendingSegs, nil
}

func (f *fakeWorkerStore) PendingChunkEmbeddings(_ context.Context, _ int) ([]string, error) {
	return f.pendingChunks, nil
}

func (f *fakeWorkerStore) GetDaySegment(_ context.Context, id string) (*models.DaySegment, error) {
	return f.segs[id], nil
}

func (f *fakeWorkerStore) GetChunk(_ context.Context, id string) (*models.TranscriptChunk, error) {
	return f.chunks[id], nil
}

func (f *fakeWorkerStore) GetDaySegmentEmbedding(_ context.Context, id string) (*models.EmbeddingRecord, error) {
	if r, ok := f.records[id]; ok {
		return r, nil
	}
	return &models.EmbeddingRecord{ParentID: id, State: models.EmbeddingPending}, nil
}

func (f *fakeWorkerStore) GetChunkEmbedding(_ context.Context, id string) (*models.EmbeddingRecord, error) {
	return f.GetDaySegmentEmbedding(nil, id)
}

func (f *fakeWorkerStore) MarkDaySegmentEmbeddingReady(_ context.Context, id, _, _ string, vec []float32) error {
	f.readySegs[id] = vec
	return nil
}

func (f *fakeWorkerStore) MarkChunkEmbeddingReady(_ context.Context, id, _, _ string, vec []float32) error {
	f.readyChunks[id] = vec
	return nil
}

func (f *fakeWorkerStore) MarkDaySegmentEmbeddingError(_ context.Context, id, msg string) error {
	f.errored[id] = msg
	return nil
}

func (f *fakeWorkerStore) MarkChunkEmbeddingError(_ context.Context, id, msg string) error {
	f.errored[id] = msg
	return nil
}

func TestWorkerTransitionsPendingRows(t *testing.T) {
	fs := newFakeWorkerStore()
	fs.pendingSegs = []string{"seg-1"}
	fs.pendingChunks = []string{"chunk-1"}
	fs.segs["seg-1"] = &models.DaySegment{ID: "seg-1", SummaryMarkdown: "# Day summary"}
	fs.chunks["chunk-1"] = &models.TranscriptChunk{ID: "chunk-1", ContentText: "User: hello"}

	w := NewWorker(fs, NewFallbackProvider(), "fallback")
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 2 {
		t.Fatalf("processed = %d, want 2", n)
	}
	if len(fs.readySegs["seg-1"]) != FallbackDimension {
		t.Fatalf("segment vector dimension = %d, want %d", len(fs.readySegs["seg-1"]), FallbackDimension)
	}
	if len(fs.readyChunks["chunk-1"]) != FallbackDimension {
		t.Fatalf("chunk vector dimension = %d, want %d", len(fs.readyChunks["chunk-1"]), FallbackDimension)
	}
}

func TestWorkerSkipsAlreadyReadyRows(t *testing.T) {
	fs := newFakeWorkerStore()
	fs.pendingSegs = []string{"seg-1"}
	fs.segs["seg-1"] = &models.DaySegment{ID: "seg-1", SummaryMarkdown: "summary"}
	fs.records["seg-1"] = &models.EmbeddingRecord{
		ParentID: "seg-1",
		State:    models.EmbeddingReady,
		Vector:   []float32{0.5},
	}

	w := NewWorker(fs, NewFallbackProvider(), "fallback")
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("processed = %d, want 0 (ready rows short-circuit)", n)
	}
	if len(fs.readySegs) != 0 {
		t.Fatal("already-ready row was re-marked")
	}
}

func TestWorkerSkipsSegmentsWithoutSummary(t *testing.T) {
	fs := newFakeWorkerStore()
	fs.pendingSegs = []string{"seg-empty"}
	fs.segs["seg-empty"] = &models.DaySegment{ID: "seg-empty"}

	w := NewWorker(fs, NewFallbackProvider(), "fallback")
	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Fatalf("processed = %d, want 0", n)
	}
	if len(fs.readySegs) != 0 || len(fs.errored) != 0 {
		t.Fatal("empty-summary segment should be left pending")
	}
}
