package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

var ErrNotFound = errors.New("store: not found")

// CreateThread inserts a new thread. Creating a second mode=continuous
// thread for the same user violates the partial unique index and
// surfaces as a *pq.Error with code 23505.
func (s *Store) CreateThread(ctx context.Context, t *models.Thread) error {
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threads (id, user_id, subject, mode, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.UserID, t.Subject, t.Mode, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create thread: %w", err)
	}
	return nil
}

// GetContinuousThread returns the user's single continuous thread,
// creating it on first access — invariant: continuous mode is
// get-or-create, never explicitly provisioned.
func (s *Store) GetContinuousThread(ctx context.Context, userID string) (*models.Thread, error) {
	t, err := s.scanThreadRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, subject, mode, created_at, updated_at
		FROM threads WHERE user_id = $1 AND mode = 'continuous'
	`, userID))
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	fresh := &models.Thread{
		UserID:  userID,
		Subject: "continuous",
		Mode:    models.ThreadModeContinuous,
	}
	if err := s.CreateThread(ctx, fresh); err != nil {
		// a concurrent creator may have won the race; re-read.
		if t2, err2 := s.scanThreadRow(s.db.QueryRowContext(ctx, `
			SELECT id, user_id, subject, mode, created_at, updated_at
			FROM threads WHERE user_id = $1 AND mode = 'continuous'
		`, userID)); err2 == nil {
			return t2, nil
		}
		return nil, err
	}
	return fresh, nil
}

func (s *Store) GetThread(ctx context.Context, id string) (*models.Thread, error) {
	return s.scanThreadRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, subject, mode, created_at, updated_at
		FROM threads WHERE id = $1
	`, id))
}

// RenameThreadIfDefault auto-titles a thread the first time an agent
// turn completes; a concurrent second completion is a no-op because
// the WHERE clause no longer matches once the first rename lands.
func (s *Store) RenameThreadIfDefault(ctx context.Context, id, subject string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE threads SET subject = $2, updated_at = now()
		WHERE id = $1 AND subject LIKE 'thread n°%'
	`, id, subject)
	if err != nil {
		return fmt.Errorf("rename thread: %w", err)
	}
	return nil
}

// DeleteThread removes a thread outright. Foreign-key cascades handle
// ThreadMessage/DaySegment/TranscriptChunk/CheckpointLink/Task rows
// (invariant 9). The links' opaque checkpoint payloads live outside
// SQL's referential-integrity reach, so they are collected and deleted
// first — before the cascade destroys the link rows that name them.
func (s *Store) DeleteThread(ctx context.Context, id string) error {
	checkpointIDs, err := s.CheckpointIDsForThread(ctx, id)
	if err != nil {
		return err
	}
	if err := s.checkpoints.DeleteAllForThread(ctx, checkpointIDs); err != nil {
		return fmt.Errorf("delete thread checkpoints: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM threads WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) scanThreadRow(row *sql.Row) (*models.Thread, error) {
	var t models.Thread
	if err := row.Scan(&t.ID, &t.UserID, &t.Subject, &t.Mode, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	return &t, nil
}

// AppendMessage inserts one ThreadMessage and bumps the thread's
// updated_at in the same statement pair.
func (s *Store) AppendMessage(ctx context.Context, m *models.ThreadMessage) error {
	if m.ID == "" {
		m.ID = newID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	internalJSON, err := marshalMap(m.InternalData)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO thread_messages (id, user_id, thread_id, actor, text, internal_data, type, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.UserID, m.ThreadID, m.Actor, m.Text, internalJSON, m.Type, m.CreatedAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE threads SET updated_at = now() WHERE id = $1`, m.ThreadID); err != nil {
		return fmt.Errorf("touch thread: %w", err)
	}
	return tx.Commit()
}

// MessagesInWindow returns messages in a thread strictly after afterID
// (or from the start if empty) and strictly before the given upper
// bound (or unbounded if zero), in creation order — the Continuous
// Context Builder's half-open "today's window" query.
func (s *Store) MessagesInWindow(ctx context.Context, threadID, afterID string, before time.Time, limit int) ([]*models.ThreadMessage, error) {
	var rows *sql.Rows
	var err error
	switch {
	case afterID == "" && before.IsZero():
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, thread_id, actor, text, internal_data, type, created_at
			FROM thread_messages WHERE thread_id = $1
			ORDER BY created_at, id LIMIT $2
		`, threadID, limit)
	case afterID == "":
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, thread_id, actor, text, internal_data, type, created_at
			FROM thread_messages WHERE thread_id = $1 AND created_at < $2
			ORDER BY created_at, id LIMIT $3
		`, threadID, before, limit)
	case before.IsZero():
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, thread_id, actor, text, internal_data, type, created_at
			FROM thread_messages
			WHERE thread_id = $1 AND created_at > (SELECT created_at FROM thread_messages WHERE id = $2)
			ORDER BY created_at, id LIMIT $3
		`, threadID, afterID, limit)
	default:
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, thread_id, actor, text, internal_data, type, created_at
			FROM thread_messages
			WHERE thread_id = $1 AND created_at > (SELECT created_at FROM thread_messages WHERE id = $2) AND created_at < $3
			ORDER BY created_at, id LIMIT $4
		`, threadID, afterID, before, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("messages in window: %w", err)
	}
	defer rows.Close()

	var out []*models.ThreadMessage
	for rows.Next() {
		var m models.ThreadMessage
		var internalJSON []byte
		if err := rows.Scan(&m.ID, &m.UserID, &m.ThreadID, &m.Actor, &m.Text, &internalJSON, &m.Type, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if internalJSON != nil {
			if err := unmarshalMap(internalJSON, &m.InternalData); err != nil {
				return nil, err
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MessagesFromSegmentStart returns messages in a thread from
// startsAtMessageID (inclusive) up to before (exclusive, or unbounded if
// zero), in creation order — the Continuous Context Builder's today
// window when no summary boundary has been set yet.
func (s *Store) MessagesFromSegmentStart(ctx context.Context, threadID, startsAtMessageID string, before time.Time) ([]*models.ThreadMessage, error) {
	var rows *sql.Rows
	var err error
	if before.IsZero() {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, thread_id, actor, text, internal_data, type, created_at
			FROM thread_messages
			WHERE thread_id = $1 AND created_at >= (SELECT created_at FROM thread_messages WHERE id = $2)
			ORDER BY created_at, id
		`, threadID, startsAtMessageID)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, thread_id, actor, text, internal_data, type, created_at
			FROM thread_messages
			WHERE thread_id = $1 AND created_at >= (SELECT created_at FROM thread_messages WHERE id = $2) AND created_at < $3
			ORDER BY created_at, id
		`, threadID, startsAtMessageID, before)
	}
	if err != nil {
		return nil, fmt.Errorf("messages from segment start: %w", err)
	}
	defer rows.Close()

	var out []*models.ThreadMessage
	for rows.Next() {
		var m models.ThreadMessage
		var internalJSON []byte
		if err := rows.Scan(&m.ID, &m.UserID, &m.ThreadID, &m.Actor, &m.Text, &internalJSON, &m.Type, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if internalJSON != nil {
			if err := unmarshalMap(internalJSON, &m.InternalData); err != nil {
				return nil, err
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// GetMessage looks up a single ThreadMessage by id.
func (s *Store) GetMessage(ctx context.Context, id string) (*models.ThreadMessage, error) {
	var m models.ThreadMessage
	var internalJSON []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, actor, text, internal_data, type, created_at
		FROM thread_messages WHERE id = $1
	`, id).Scan(&m.ID, &m.UserID, &m.ThreadID, &m.Actor, &m.Text, &internalJSON, &m.Type, &m.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get message: %w", err)
	}
	if internalJSON != nil {
		if err := unmarshalMap(internalJSON, &m.InternalData); err != nil {
			return nil, err
		}
	}
	return &m, nil
}

// MessagesBefore returns up to limit messages strictly before beforeID,
// in creation order (oldest of the selected window first) — the
// Hybrid Recall tool's "messages preceding an anchor" direction.
func (s *Store) MessagesBefore(ctx context.Context, threadID, beforeID string, limit int) ([]*models.ThreadMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thread_id, actor, text, internal_data, type, created_at
		FROM thread_messages
		WHERE thread_id = $1 AND created_at < (SELECT created_at FROM thread_messages WHERE id = $2)
		ORDER BY created_at DESC, id DESC LIMIT $3
	`, threadID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("messages before: %w", err)
	}
	defer rows.Close()

	var out []*models.ThreadMessage
	for rows.Next() {
		var m models.ThreadMessage
		var internalJSON []byte
		if err := rows.Scan(&m.ID, &m.UserID, &m.ThreadID, &m.Actor, &m.Text, &internalJSON, &m.Type, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if internalJSON != nil {
			if err := unmarshalMap(internalJSON, &m.InternalData); err != nil {
				return nil, err
			}
		}
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// reverse: query ran newest-first to take the closest N, but callers
	// expect chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// MessagesSince returns messages in a thread strictly after afterID in
// creation order (a half-open window), or from the start if afterID is
// empty. Used by both the summarizer's delta refresh and
// continuous-context rebuilds, which both need a stable resumable cursor.
func (s *Store) MessagesSince(ctx context.Context, threadID, afterID string, limit int) ([]*models.ThreadMessage, error) {
	var rows *sql.Rows
	var err error
	if afterID == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, thread_id, actor, text, internal_data, type, created_at
			FROM thread_messages WHERE thread_id = $1
			ORDER BY created_at, id LIMIT $2
		`, threadID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, thread_id, actor, text, internal_data, type, created_at
			FROM thread_messages
			WHERE thread_id = $1 AND created_at > (
				SELECT created_at FROM thread_messages WHERE id = $2
			)
			ORDER BY created_at, id LIMIT $3
		`, threadID, afterID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("messages since: %w", err)
	}
	defer rows.Close()

	var out []*models.ThreadMessage
	for rows.Next() {
		var m models.ThreadMessage
		var internalJSON []byte
		if err := rows.Scan(&m.ID, &m.UserID, &m.ThreadID, &m.Actor, &m.Text, &internalJSON, &m.Type, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if internalJSON != nil {
			if err := unmarshalMap(internalJSON, &m.InternalData); err != nil {
				return nil, err
			}
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
