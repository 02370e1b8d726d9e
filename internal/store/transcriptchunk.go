package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

// LastChunkForSegment returns the most recently created chunk in a day
// segment, or nil if the segment has no chunks yet — the Transcript
// Indexer's append-only cursor.
func (s *Store) LastChunkForSegment(ctx context.Context, daySegmentID string) (*models.TranscriptChunk, error) {
	c, err := s.scanChunkRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, day_segment_id, start_message_id, end_message_id, content_text, content_hash, token_estimate, created_at, updated_at
		FROM transcript_chunks WHERE day_segment_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, daySegmentID))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return c, err
}

// UpsertChunk creates a new chunk, or updates an existing (thread,
// start_message, end_message) chunk's content when its hash changed.
// Returns whether a write happened at all (false means the chunk was
// already current, satisfying the indexer's idempotence law).
func (s *Store) UpsertChunk(ctx context.Context, c *models.TranscriptChunk) (changed bool, err error) {
	existing, err := s.scanChunkRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, day_segment_id, start_message_id, end_message_id, content_text, content_hash, token_estimate, created_at, updated_at
		FROM transcript_chunks WHERE thread_id = $1 AND start_message_id = $2 AND end_message_id = $3
	`, c.ThreadID, c.StartMessageID, c.EndMessageID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return false, err
	}
	now := time.Now()
	if existing != nil {
		if existing.ContentHash == c.ContentHash {
			c.ID = existing.ID
			return false, nil
		}
		c.ID = existing.ID
		c.UpdatedAt = now
		_, err := s.db.ExecContext(ctx, `
			UPDATE transcript_chunks
			SET content_text = $2, content_hash = $3, token_estimate = $4, updated_at = $5
			WHERE id = $1
		`, c.ID, c.ContentText, c.ContentHash, c.TokenEstimate, now)
		if err != nil {
			return false, fmt.Errorf("update chunk: %w", err)
		}
		return true, nil
	}

	if c.ID == "" {
		c.ID = newID()
	}
	c.CreatedAt, c.UpdatedAt = now, now
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO transcript_chunks
			(id, user_id, thread_id, day_segment_id, start_message_id, end_message_id, content_text, content_hash, token_estimate, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (thread_id, content_hash) DO NOTHING
	`, c.ID, c.UserID, c.ThreadID, c.DaySegmentID, c.StartMessageID, c.EndMessageID,
		c.ContentText, c.ContentHash, c.TokenEstimate, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert chunk: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert chunk: %w", err)
	}
	return n > 0, nil
}

// GetChunk looks up one chunk by id, used by the embedding worker to
// fetch the content a pending embedding row points at.
func (s *Store) GetChunk(ctx context.Context, id string) (*models.TranscriptChunk, error) {
	return s.scanChunkRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, day_segment_id, start_message_id, end_message_id, content_text, content_hash, token_estimate, created_at, updated_at
		FROM transcript_chunks WHERE id = $1
	`, id))
}

// ChunksForSegment lists every chunk belonging to a day segment in
// creation order.
func (s *Store) ChunksForSegment(ctx context.Context, daySegmentID string) ([]*models.TranscriptChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thread_id, day_segment_id, start_message_id, end_message_id, content_text, content_hash, token_estimate, created_at, updated_at
		FROM transcript_chunks WHERE day_segment_id = $1
		ORDER BY created_at
	`, daySegmentID)
	if err != nil {
		return nil, fmt.Errorf("chunks for segment: %w", err)
	}
	return s.scanChunkRows(rows)
}

// ChunksSinceRecency lists chunks across a thread whose segment's day_label
// is >= the given cutoff, used by conversation_search's non-scoped path.
func (s *Store) ChunksSinceRecency(ctx context.Context, threadID, cutoffDayLabel string) ([]*models.TranscriptChunk, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tc.id, tc.user_id, tc.thread_id, tc.day_segment_id, tc.start_message_id, tc.end_message_id,
		       tc.content_text, tc.content_hash, tc.token_estimate, tc.created_at, tc.updated_at
		FROM transcript_chunks tc
		JOIN day_segments ds ON ds.id = tc.day_segment_id
		WHERE tc.thread_id = $1 AND ds.day_label >= $2
		ORDER BY tc.created_at
	`, threadID, cutoffDayLabel)
	if err != nil {
		return nil, fmt.Errorf("chunks since recency: %w", err)
	}
	return s.scanChunkRows(rows)
}

func (s *Store) scanChunkRows(rows *sql.Rows) ([]*models.TranscriptChunk, error) {
	defer rows.Close()
	var out []*models.TranscriptChunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanChunk(row rowScanner) (*models.TranscriptChunk, error) {
	var c models.TranscriptChunk
	if err := row.Scan(&c.ID, &c.UserID, &c.ThreadID, &c.DaySegmentID, &c.StartMessageID, &c.EndMessageID,
		&c.ContentText, &c.ContentHash, &c.TokenEstimate, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	return &c, nil
}

func (s *Store) scanChunkRow(row *sql.Row) (*models.TranscriptChunk, error) {
	return scanChunk(row)
}
