package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

// GetOrCreateCheckpointLink returns the (thread_id, agent_ref) binding,
// creating a fresh one (and thus a fresh opaque checkpoint id) the
// first time this agent runs against this thread.
func (s *Store) GetOrCreateCheckpointLink(ctx context.Context, threadID, agentRef string) (*models.CheckpointLink, error) {
	link, err := s.scanCheckpointLinkRow(s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, agent_ref, continuous_context_fingerprint, continuous_context_built_at, created_at
		FROM checkpoint_links WHERE thread_id = $1 AND agent_ref = $2
	`, threadID, agentRef))
	if err == nil {
		return link, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	fresh := &models.CheckpointLink{ID: newID(), ThreadID: threadID, AgentRef: agentRef, CreatedAt: time.Now()}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_links (id, thread_id, agent_ref, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (thread_id, agent_ref) DO NOTHING
	`, fresh.ID, fresh.ThreadID, fresh.AgentRef, fresh.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create checkpoint link: %w", err)
	}
	return s.scanCheckpointLinkRow(s.db.QueryRowContext(ctx, `
		SELECT id, thread_id, agent_ref, continuous_context_fingerprint, continuous_context_built_at, created_at
		FROM checkpoint_links WHERE thread_id = $1 AND agent_ref = $2
	`, threadID, agentRef))
}

// UpdateContinuousContextFingerprint records the fingerprint of the
// continuous-context inputs that last rebuilt this checkpoint's state.
func (s *Store) UpdateContinuousContextFingerprint(ctx context.Context, linkID, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE checkpoint_links
		SET continuous_context_fingerprint = $2, continuous_context_built_at = now()
		WHERE id = $1
	`, linkID, fingerprint)
	if err != nil {
		return fmt.Errorf("update fingerprint: %w", err)
	}
	return nil
}

// CheckpointIDsForThread lists every checkpoint id linked to a thread,
// used to cascade-delete their opaque state when the thread is deleted.
func (s *Store) CheckpointIDsForThread(ctx context.Context, threadID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM checkpoint_links WHERE thread_id = $1`, threadID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint ids for thread: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) scanCheckpointLinkRow(row *sql.Row) (*models.CheckpointLink, error) {
	var l models.CheckpointLink
	var fingerprint sql.NullString
	var builtAt sql.NullTime
	if err := row.Scan(&l.ID, &l.ThreadID, &l.AgentRef, &fingerprint, &builtAt, &l.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan checkpoint link: %w", err)
	}
	l.ContinuousContextFingerprint = fingerprint.String
	if builtAt.Valid {
		l.ContinuousContextBuiltAt = builtAt.Time
	}
	return &l, nil
}
