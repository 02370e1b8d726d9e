package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/haasonsaas/nova/pkg/models"
)

// FixedEmbeddingDimensions is the pgvector column width every embedding is
// stored at; shorter vectors are zero-padded, longer ones rejected
// (invariant 6).
const FixedEmbeddingDimensions = 1536

// encodeVector renders a vector in pgvector's text literal form
// ("[v1,v2,...]"), zero-padding up to FixedEmbeddingDimensions.
func encodeVector(v []float32) (string, error) {
	if len(v) > FixedEmbeddingDimensions {
		return "", fmt.Errorf("embedding has %d dimensions, column width is %d", len(v), FixedEmbeddingDimensions)
	}
	padded := make([]float32, FixedEmbeddingDimensions)
	copy(padded, v)
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range padded {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(float64(f), 'g', -1, 32))
	}
	sb.WriteByte(']')
	return sb.String(), nil
}

func decodeVector(s string) []float32 {
	s = strings.TrimPrefix(strings.TrimSuffix(s, "]"), "[")
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]float32, len(parts))
	for i, p := range parts {
		f, _ := strconv.ParseFloat(strings.TrimSpace(p), 32)
		out[i] = float32(f)
	}
	return out
}

// CreatePendingDaySegmentEmbedding inserts a state=pending row for a
// DaySegment, created alongside the parent or whenever its summary is
// refreshed.
func (s *Store) CreatePendingDaySegmentEmbedding(ctx context.Context, daySegmentID string) error {
	return s.upsertPendingEmbedding(ctx, "day_segment_embeddings", daySegmentID)
}

// CreatePendingChunkEmbedding inserts a state=pending row for a
// TranscriptChunk.
func (s *Store) CreatePendingChunkEmbedding(ctx context.Context, chunkID string) error {
	return s.upsertPendingEmbedding(ctx, "transcript_chunk_embeddings", chunkID)
}

func (s *Store) upsertPendingEmbedding(ctx context.Context, table, parentID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s (id, parent_id, state, updated_at)
		VALUES ($1, $2, 'pending', now())
		ON CONFLICT (parent_id) DO UPDATE SET state = 'pending', vector = NULL, error = NULL, updated_at = now()
	`, table), newID(), parentID)
	if err != nil {
		return fmt.Errorf("create pending embedding on %s: %w", table, err)
	}
	return nil
}

// PendingDaySegmentEmbeddings lists parent ids awaiting embedding, for the
// background embedding worker.
func (s *Store) PendingDaySegmentEmbeddings(ctx context.Context, limit int) ([]string, error) {
	return s.pendingParentIDs(ctx, "day_segment_embeddings", limit)
}

// PendingChunkEmbeddings lists parent ids awaiting embedding.
func (s *Store) PendingChunkEmbeddings(ctx context.Context, limit int) ([]string, error) {
	return s.pendingParentIDs(ctx, "transcript_chunk_embeddings", limit)
}

func (s *Store) pendingParentIDs(ctx context.Context, table string, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT parent_id FROM %s WHERE state = 'pending' ORDER BY updated_at LIMIT $1
	`, table), limit)
	if err != nil {
		return nil, fmt.Errorf("pending embeddings on %s: %w", table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// MarkDaySegmentEmbeddingReady transitions a pending row to ready with its
// vector, idempotently (re-marking an already-ready row with the same
// vector is a no-op write, satisfying the worker's idempotence
// requirement).
func (s *Store) MarkDaySegmentEmbeddingReady(ctx context.Context, parentID, provider, model string, vector []float32) error {
	return s.markEmbeddingReady(ctx, "day_segment_embeddings", parentID, provider, model, vector)
}

// MarkChunkEmbeddingReady transitions a pending chunk-embedding row to ready.
func (s *Store) MarkChunkEmbeddingReady(ctx context.Context, parentID, provider, model string, vector []float32) error {
	return s.markEmbeddingReady(ctx, "transcript_chunk_embeddings", parentID, provider, model, vector)
}

func (s *Store) markEmbeddingReady(ctx context.Context, table, parentID, provider, model string, vector []float32) error {
	encoded, err := encodeVector(vector)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s
		SET vector = $2::vector, state = 'ready', provider = $3, model = $4, dimensions = $5, error = NULL, updated_at = now()
		WHERE parent_id = $1
	`, table), parentID, encoded, provider, model, len(vector))
	if err != nil {
		return fmt.Errorf("mark embedding ready on %s: %w", table, err)
	}
	return nil
}

// MarkDaySegmentEmbeddingError transitions a pending row to error.
func (s *Store) MarkDaySegmentEmbeddingError(ctx context.Context, parentID, message string) error {
	return s.markEmbeddingError(ctx, "day_segment_embeddings", parentID, message)
}

// MarkChunkEmbeddingError transitions a pending chunk-embedding row to error.
func (s *Store) MarkChunkEmbeddingError(ctx context.Context, parentID, message string) error {
	return s.markEmbeddingError(ctx, "transcript_chunk_embeddings", parentID, message)
}

func (s *Store) markEmbeddingError(ctx context.Context, table, parentID, message string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET state = 'error', error = $2, updated_at = now() WHERE parent_id = $1
	`, table), parentID, message)
	if err != nil {
		return fmt.Errorf("mark embedding error on %s: %w", table, err)
	}
	return nil
}

// DaySegmentEmbeddingsByCosine returns day-segment ids within a thread
// ranked by cosine distance (ascending) to queryVec, used by
// conversation_search's semantic side.
func (s *Store) DaySegmentEmbeddingsByCosine(ctx context.Context, threadID string, queryVec []float32, topK int) ([]ScoredID, error) {
	encoded, err := encodeVector(queryVec)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.parent_id, e.vector <=> $1::vector AS distance
		FROM day_segment_embeddings e
		JOIN day_segments ds ON ds.id = e.parent_id
		WHERE ds.thread_id = $2 AND e.state = 'ready'
		ORDER BY distance ASC
		LIMIT $3
	`, encoded, threadID, topK)
	if err != nil {
		return nil, fmt.Errorf("day segment embeddings by cosine: %w", err)
	}
	return scanScoredIDs(rows)
}

// ChunkEmbeddingsByCosine returns chunk ids within a thread ranked by
// cosine distance (ascending) to queryVec.
func (s *Store) ChunkEmbeddingsByCosine(ctx context.Context, threadID string, queryVec []float32, topK int) ([]ScoredID, error) {
	encoded, err := encodeVector(queryVec)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.parent_id, e.vector <=> $1::vector AS distance
		FROM transcript_chunk_embeddings e
		JOIN transcript_chunks tc ON tc.id = e.parent_id
		WHERE tc.thread_id = $2 AND e.state = 'ready'
		ORDER BY distance ASC
		LIMIT $3
	`, encoded, threadID, topK)
	if err != nil {
		return nil, fmt.Errorf("chunk embeddings by cosine: %w", err)
	}
	return scanScoredIDs(rows)
}

// ScoredID pairs an entity id with a raw score (cosine distance, or FTS
// rank, depending on caller).
type ScoredID struct {
	ID    string
	Score float64
}

func scanScoredIDs(rows *sql.Rows) ([]ScoredID, error) {
	defer rows.Close()
	var out []ScoredID
	for rows.Next() {
		var sid ScoredID
		if err := rows.Scan(&sid.ID, &sid.Score); err != nil {
			return nil, fmt.Errorf("scan scored id: %w", err)
		}
		out = append(out, sid)
	}
	return out, rows.Err()
}

// SummaryFTSCandidates ranks DaySegments by Postgres full-text search
// relevance against their summary_markdown.
func (s *Store) SummaryFTSCandidates(ctx context.Context, threadID, query string, topK int) ([]ScoredID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_rank(to_tsvector('english', summary_markdown), plainto_tsquery('english', $2)) AS rank
		FROM day_segments
		WHERE thread_id = $1 AND summary_markdown IS NOT NULL
		  AND to_tsvector('english', summary_markdown) @@ plainto_tsquery('english', $2)
		ORDER BY rank DESC
		LIMIT $3
	`, threadID, query, topK)
	if err != nil {
		return nil, fmt.Errorf("summary fts candidates: %w", err)
	}
	return scanScoredIDs(rows)
}

// ChunkFTSCandidates ranks TranscriptChunks by full-text search relevance.
func (s *Store) ChunkFTSCandidates(ctx context.Context, threadID, query string, topK int) ([]ScoredID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts_rank(to_tsvector('english', content_text), plainto_tsquery('english', $2)) AS rank
		FROM transcript_chunks
		WHERE thread_id = $1
		  AND to_tsvector('english', content_text) @@ plainto_tsquery('english', $2)
		ORDER BY rank DESC
		LIMIT $3
	`, threadID, query, topK)
	if err != nil {
		return nil, fmt.Errorf("chunk fts candidates: %w", err)
	}
	return scanScoredIDs(rows)
}

// embeddingRecordFromRow is a shared scan target for the two embedding
// tables (they are identical in shape).
func embeddingRecordFromRow(row rowScanner) (*models.EmbeddingRecord, error) {
	var e models.EmbeddingRecord
	var vec, provider, model, errMsg sql.NullString
	var dims sql.NullInt64
	if err := row.Scan(&e.ID, &e.ParentID, &vec, &e.State, &provider, &model, &dims, &errMsg, &e.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan embedding record: %w", err)
	}
	if vec.Valid {
		e.Vector = decodeVector(vec.String)
	}
	e.Provider, e.Model, e.Error = provider.String, model.String, errMsg.String
	e.Dimensions = int(dims.Int64)
	return &e, nil
}

// GetChunkEmbedding returns a chunk's embedding row.
func (s *Store) GetChunkEmbedding(ctx context.Context, chunkID string) (*models.EmbeddingRecord, error) {
	return embeddingRecordFromRow(s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, vector, state, provider, model, dimensions, error, updated_at
		FROM transcript_chunk_embeddings WHERE parent_id = $1
	`, chunkID))
}

// GetDaySegmentEmbedding returns a day segment's embedding row.
func (s *Store) GetDaySegmentEmbedding(ctx context.Context, daySegmentID string) (*models.EmbeddingRecord, error) {
	return embeddingRecordFromRow(s.db.QueryRowContext(ctx, `
		SELECT id, parent_id, vector, state, provider, model, dimensions, error, updated_at
		FROM day_segment_embeddings WHERE parent_id = $1
	`, daySegmentID))
}
