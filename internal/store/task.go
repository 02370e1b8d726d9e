package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

func (s *Store) CreateTask(ctx context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = newID()
	}
	now := time.Now()
	t.CreatedAt, t.UpdatedAt = now, now
	if t.Status == "" {
		t.Status = models.TaskPending
	}
	progressJSON, err := json.Marshal(t.ProgressLog)
	if err != nil {
		return fmt.Errorf("marshal progress_log: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, user_id, thread_id, agent_ref, status, progress_log, result, prompt, trigger_message_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, t.ID, t.UserID, t.ThreadID, t.AgentRef, t.Status, progressJSON, nullString(t.Result), nullString(t.Prompt),
		nullString(t.TriggerMessageID), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*models.Task, error) {
	return s.scanTaskRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, agent_ref, status, progress_log, result, prompt, trigger_message_id, created_at, updated_at
		FROM tasks WHERE id = $1
	`, id))
}

// AcquireNextPendingTask pops the oldest pending task for processing,
// locking it with SKIP LOCKED so multiple worker processes never pick
// up the same task twice — mirrors the cross-process execution claim
// the agent executor uses for queued work.
func (s *Store) AcquireNextPendingTask(ctx context.Context) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("acquire task: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, agent_ref, status, progress_log, result, prompt, trigger_message_id, created_at, updated_at
		FROM tasks WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	`)
	task, err := s.scanTaskRow(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'running', updated_at = now() WHERE id = $1`, task.ID); err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit acquire: %w", err)
	}
	task.Status = models.TaskRunning
	return task, nil
}

// MarkTaskRunning claims one specific pending task (the scheduler's
// run-now path, as opposed to the worker pool's oldest-first
// AcquireNextPendingTask). Returns ErrNotFound if another claimant won.
func (s *Store) MarkTaskRunning(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'running', updated_at = now() WHERE id = $1 AND status = 'pending'`, taskID)
	if err != nil {
		return fmt.Errorf("mark task running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendProgress appends one entry to a task's progress_log.
func (s *Store) AppendProgress(ctx context.Context, taskID string, entry models.ProgressEntry) error {
	entryJSON, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal progress entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE tasks SET progress_log = progress_log || $2::jsonb, updated_at = now()
		WHERE id = $1
	`, taskID, entryJSON)
	if err != nil {
		return fmt.Errorf("append progress: %w", err)
	}
	return nil
}

// FinishTask sets a task's terminal status and result in one update,
// guarded to only apply while the task is still non-terminal (a
// resumed/re-driven task can't be finished twice).
func (s *Store) FinishTask(ctx context.Context, taskID string, status models.TaskStatus, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = $2, result = $3, updated_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed')
	`, taskID, status, result)
	if err != nil {
		return fmt.Errorf("finish task: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("finish task %s: %w", taskID, ErrNotFound)
	}
	return nil
}

// SetAwaitingInput transitions a running task to awaiting_input.
func (s *Store) SetAwaitingInput(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'awaiting_input', updated_at = now() WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("set awaiting_input: %w", err)
	}
	return nil
}

func (s *Store) scanTaskRow(row *sql.Row) (*models.Task, error) {
	var t models.Task
	var progressJSON []byte
	var result, prompt, triggerMessageID sql.NullString
	if err := row.Scan(&t.ID, &t.UserID, &t.ThreadID, &t.AgentRef, &t.Status, &progressJSON,
		&result, &prompt, &triggerMessageID, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	t.Result, t.Prompt = result.String, prompt.String
	t.TriggerMessageID = triggerMessageID.String
	if len(progressJSON) > 0 {
		if err := json.Unmarshal(progressJSON, &t.ProgressLog); err != nil {
			return nil, fmt.Errorf("unmarshal progress_log: %w", err)
		}
	}
	return &t, nil
}
