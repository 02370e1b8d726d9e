package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/nova/pkg/models"

	"github.com/haasonsaas/nova/internal/novaerr"
)

// CreateInteraction persists a new pending Interaction. The partial
// unique index on (task_id) WHERE status='pending' means a second
// concurrent attempt to suspend the same task surfaces as a unique
// violation rather than silently creating two pending questions.
func (s *Store) CreateInteraction(ctx context.Context, i *models.Interaction) error {
	if i.ID == "" {
		i.ID = newID()
	}
	now := time.Now()
	i.CreatedAt, i.UpdatedAt = now, now
	if i.Status == "" {
		i.Status = models.InteractionPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO interactions (id, task_id, thread_id, agent_ref, question, schema, answer, resume_token, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, i.ID, i.TaskID, i.ThreadID, i.AgentRef, i.Question, nullRaw(i.Schema), nullRaw(i.Answer),
		nullString(i.ResumeToken), i.Status, i.CreatedAt, i.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create interaction: %w", err)
	}
	return nil
}

// GetInteraction looks up an Interaction by id, used by resume() to load
// the row a caller is answering against.
func (s *Store) GetInteraction(ctx context.Context, id string) (*models.Interaction, error) {
	return s.scanInteractionRow(s.db.QueryRowContext(ctx, `
		SELECT id, task_id, thread_id, agent_ref, question, schema, answer, resume_token, status, created_at, updated_at
		FROM interactions WHERE id = $1
	`, id))
}

// PendingInteractionForTask returns the sole pending Interaction for a
// task, or novaerr.ErrNoPendingInteraction if there is none.
func (s *Store) PendingInteractionForTask(ctx context.Context, taskID string) (*models.Interaction, error) {
	i, err := s.scanInteractionRow(s.db.QueryRowContext(ctx, `
		SELECT id, task_id, thread_id, agent_ref, question, schema, answer, resume_token, status, created_at, updated_at
		FROM interactions WHERE task_id = $1 AND status = 'pending'
	`, taskID))
	if errors.Is(err, ErrNotFound) {
		return nil, novaerr.ErrNoPendingInteraction
	}
	return i, err
}

// AnswerInteraction records an answer and flips status to answered,
// but only while it is still pending — answering twice or answering a
// canceled interaction returns novaerr.ErrInteractionNotPending.
func (s *Store) AnswerInteraction(ctx context.Context, id string, answer []byte) error {
	return s.transitionInteraction(ctx, id, models.InteractionAnswered, answer)
}

// CancelInteraction flips a pending interaction to canceled.
func (s *Store) CancelInteraction(ctx context.Context, id string) error {
	return s.transitionInteraction(ctx, id, models.InteractionCanceled, nil)
}

func (s *Store) transitionInteraction(ctx context.Context, id string, to models.InteractionStatus, answer []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE interactions SET status = $2, answer = COALESCE($3, answer), updated_at = now()
		WHERE id = $1 AND status = 'pending'
	`, id, to, nullRaw(answer))
	if err != nil {
		return fmt.Errorf("transition interaction: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return novaerr.ErrInteractionNotPending
	}
	return nil
}

func (s *Store) scanInteractionRow(row *sql.Row) (*models.Interaction, error) {
	var i models.Interaction
	var schema, answer []byte
	var resumeToken sql.NullString
	if err := row.Scan(&i.ID, &i.TaskID, &i.ThreadID, &i.AgentRef, &i.Question, &schema, &answer,
		&resumeToken, &i.Status, &i.CreatedAt, &i.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan interaction: %w", err)
	}
	i.Schema, i.Answer = schema, answer
	i.ResumeToken = resumeToken.String
	return &i, nil
}

func nullRaw(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
