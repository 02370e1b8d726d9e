package embedding

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/nova/internal/backoff"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

// workerRetryPolicy is the 60-second backoff the worker applies to a
// failing provider call before marking the row state=error.
var workerRetryPolicy = backoff.Policy{Initial: time.Minute, Max: 5 * time.Minute, Factor: 2, Jitter: 0.1}

const workerMaxAttempts = 3

// defaultWorkerBatch bounds how many pending rows one pass claims.
const defaultWorkerBatch = 32

// WorkerStore is the persistence surface the embedding worker needs:
// list pending rows, load the parent content, and transition the row.
type WorkerStore interface {
	PendingDaySegmentEmbeddings(ctx context.Context, limit int) ([]string, error)
	PendingChunkEmbeddings(ctx context.Context, limit int) ([]string, error)

	GetDaySegment(ctx context.Context, id string) (*models.DaySegment, error)
	GetChunk(ctx context.Context, id string) (*models.TranscriptChunk, error)

	GetDaySegmentEmbedding(ctx context.Context, daySegmentID string) (*models.EmbeddingRecord, error)
	GetChunkEmbedding(ctx context.Context, chunkID string) (*models.EmbeddingRecord, error)

	MarkDaySegmentEmbeddingReady(ctx context.Context, parentID, provider, model string, vector []float32) error
	MarkChunkEmbeddingReady(ctx context.Context, parentID, provider, model string, vector []float32) error
	MarkDaySegmentEmbeddingError(ctx context.Context, parentID, message string) error
	MarkChunkEmbeddingError(ctx context.Context, parentID, message string) error
}

var _ WorkerStore = (*store.Store)(nil)

// Worker drains pending embedding rows: the parent write commits with
// state=pending and this loop transitions each row to ready/error
// asynchronously. A row already ready with a vector is skipped, so
// re-running a pass is idempotent.
type Worker struct {
	store    WorkerStore
	provider Provider
	model    string
	batch    int
	logger   *slog.Logger
}

// NewWorker builds a Worker over the given store and provider. model is
// recorded on each ready row for provenance.
func NewWorker(store WorkerStore, provider Provider, model string) *Worker {
	return &Worker{
		store:    store,
		provider: provider,
		model:    model,
		batch:    defaultWorkerBatch,
		logger:   slog.Default().With("component", "embedding-worker"),
	}
}

// Run polls for pending rows until ctx is done.
func (w *Worker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil {
			w.logger.Warn("embedding pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce processes one batch of pending day-segment and chunk
// embeddings and reports how many rows it transitioned.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	processed := 0

	segIDs, err := w.store.PendingDaySegmentEmbeddings(ctx, w.batch)
	if err != nil {
		return processed, err
	}
	for _, id := range segIDs {
		if w.processDaySegment(ctx, id) {
			processed++
		}
	}

	chunkIDs, err := w.store.PendingChunkEmbeddings(ctx, w.batch)
	if err != nil {
		return processed, err
	}
	for _, id := range chunkIDs {
		if w.processChunk(ctx, id) {
			processed++
		}
	}
	return processed, nil
}

func (w *Worker) processDaySegment(ctx context.Context, id string) bool {
	if rec, err := w.store.GetDaySegmentEmbedding(ctx, id); err == nil &&
		rec.State == models.EmbeddingReady && len(rec.Vector) > 0 {
		return false
	}
	seg, err := w.store.GetDaySegment(ctx, id)
	if err != nil || seg == nil {
		w.logger.Warn("pending embedding references missing day segment", "day_segment_id", id, "error", err)
		return false
	}
	if seg.SummaryMarkdown == "" {
		// nothing to embed yet; the summarizer re-marks the row pending
		// when a summary lands.
		return false
	}
	vec, err := w.embedWithRetry(ctx, seg.SummaryMarkdown)
	if err != nil {
		_ = w.store.MarkDaySegmentEmbeddingError(ctx, id, err.Error())
		w.logger.Error("day segment embedding failed", "day_segment_id", id, "error", err)
		return true
	}
	if err := w.store.MarkDaySegmentEmbeddingReady(ctx, id, w.provider.Name(), w.model, vec); err != nil {
		w.logger.Error("mark day segment embedding ready failed", "day_segment_id", id, "error", err)
		return false
	}
	return true
}

func (w *Worker) processChunk(ctx context.Context, id string) bool {
	if rec, err := w.store.GetChunkEmbedding(ctx, id); err == nil &&
		rec.State == models.EmbeddingReady && len(rec.Vector) > 0 {
		return false
	}
	chunk, err := w.store.GetChunk(ctx, id)
	if err != nil || chunk == nil {
		w.logger.Warn("pending embedding references missing chunk", "chunk_id", id, "error", err)
		return false
	}
	vec, err := w.embedWithRetry(ctx, chunk.ContentText)
	if err != nil {
		_ = w.store.MarkChunkEmbeddingError(ctx, id, err.Error())
		w.logger.Error("chunk embedding failed", "chunk_id", id, "error", err)
		return true
	}
	if err := w.store.MarkChunkEmbeddingReady(ctx, id, w.provider.Name(), w.model, vec); err != nil {
		w.logger.Error("mark chunk embedding ready failed", "chunk_id", id, "error", err)
		return false
	}
	return true
}

func (w *Worker) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	return backoff.Retry(ctx, workerRetryPolicy, workerMaxAttempts, func(int) ([]float32, error) {
		return w.provider.Embed(ctx, text)
	})
}
