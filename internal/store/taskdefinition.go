package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/nova/pkg/models"

	"github.com/haasonsaas/nova/internal/novaerr"
)

// validateTaskDefinition enforces the invariants that must hold
// regardless of how a TaskDefinition reaches the store: an email_poll
// trigger must carry a poll interval in [1, 15] and an email tool
// reference, and a maintenance-kind definition may only use a daily cron
// trigger.
func validateTaskDefinition(td *models.TaskDefinition) error {
	switch td.Trigger {
	case models.TriggerEmailPoll:
		if td.PollIntervalMins < 1 || td.PollIntervalMins > 15 {
			return novaerr.New(novaerr.CategoryValidation, "email_poll tasks require poll_interval_minutes between 1 and 15")
		}
		if td.EmailToolRef == "" {
			return novaerr.New(novaerr.CategoryValidation, "email_poll tasks require an email_tool_ref")
		}
	case models.TriggerCron:
		if td.CronExpression == "" {
			return novaerr.New(novaerr.CategoryValidation, "cron tasks require a cron_expression")
		}
	default:
		return novaerr.New(novaerr.CategoryValidation, fmt.Sprintf("unknown trigger %q", td.Trigger))
	}
	if td.Kind == models.TaskKindMaintenance {
		if td.Trigger != models.TriggerCron {
			return novaerr.New(novaerr.CategoryValidation, "maintenance tasks must use a cron trigger")
		}
		if err := ValidateDailyCron(td.CronExpression); err != nil {
			return err
		}
	}
	if td.Kind == models.TaskKindAgent && td.AgentRef == "" {
		return novaerr.New(novaerr.CategoryValidation, "agent tasks require an agent_ref")
	}
	return nil
}

// ValidateDailyCron enforces that a maintenance schedule runs daily:
// five fields with day-of-month, month, and weekday all "*" (only
// minute and hour are editable). Parseability of the minute/hour
// fields is the scheduler bridge's concern — it owns the cron parser;
// the store guards the shape invariant on every write path.
func ValidateDailyCron(expr string) error {
	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return novaerr.New(novaerr.CategoryValidation, "maintenance cron must have 5 fields")
	}
	for _, f := range fields[2:] {
		if f != "*" {
			return novaerr.New(novaerr.CategoryValidation, "maintenance cron must run daily (day, month, weekday fields must be *)")
		}
	}
	return nil
}

// CreateTaskDefinition validates and persists a new TaskDefinition.
func (s *Store) CreateTaskDefinition(ctx context.Context, td *models.TaskDefinition) error {
	if err := validateTaskDefinition(td); err != nil {
		return err
	}
	if td.ID == "" {
		td.ID = newID()
	}
	now := time.Now()
	td.CreatedAt, td.UpdatedAt = now, now
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_definitions
			(id, user_id, name, kind, agent_ref, trigger, cron_expression, tz, prompt_template, run_mode,
			 email_tool_ref, poll_interval_minutes, runtime_state, is_active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, td.ID, td.UserID, td.Name, td.Kind, nullString(td.AgentRef), td.Trigger, nullString(td.CronExpression), nullString(td.TZ),
		nullString(td.PromptTemplate), nullString(string(td.RunMode)), nullString(td.EmailToolRef),
		nullInt(td.PollIntervalMins), nullRaw(td.RuntimeState), td.IsActive, td.CreatedAt, td.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create task definition: %w", err)
	}
	return nil
}

// UpdateTaskDefinition re-validates and overwrites the editable fields of
// an existing definition — every column but id, user and kind, for
// maintenance definitions as well. Validation keeps a maintenance
// definition cron-triggered on a daily schedule, so only the minute and
// hour of its schedule can change; the method does not otherwise limit
// which fields of a maintenance definition change.
func (s *Store) UpdateTaskDefinition(ctx context.Context, td *models.TaskDefinition) error {
	if err := validateTaskDefinition(td); err != nil {
		return err
	}
	td.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE task_definitions
		SET name = $2, agent_ref = $3, trigger = $4, cron_expression = $5, tz = $6, prompt_template = $7, run_mode = $8,
		    email_tool_ref = $9, poll_interval_minutes = $10, runtime_state = $11, is_active = $12, updated_at = $13
		WHERE id = $1
	`, td.ID, td.Name, nullString(td.AgentRef), td.Trigger, nullString(td.CronExpression), nullString(td.TZ),
		nullString(td.PromptTemplate), nullString(string(td.RunMode)), nullString(td.EmailToolRef),
		nullInt(td.PollIntervalMins), nullRaw(td.RuntimeState), td.IsActive, td.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task definition: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateTaskDefinitionRuntimeState persists only the runtime_state JSON
// (the email-poll trigger's UID/UIDVALIDITY cursor), without touching any
// schedule-defining field — so the scheduler's resync check never sees
// its own cursor writes as a schedule change.
func (s *Store) UpdateTaskDefinitionRuntimeState(ctx context.Context, id string, state []byte) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE task_definitions SET runtime_state = $2, updated_at = now() WHERE id = $1
	`, id, nullRaw(state))
	if err != nil {
		return fmt.Errorf("update task definition runtime state: %w", err)
	}
	return nil
}

// GetTaskDefinition looks up a definition by id.
func (s *Store) GetTaskDefinition(ctx context.Context, id string) (*models.TaskDefinition, error) {
	return scanTaskDefinitionRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, kind, agent_ref, trigger, cron_expression, tz, prompt_template, run_mode,
		       email_tool_ref, poll_interval_minutes, runtime_state, is_active, created_at, updated_at
		FROM task_definitions WHERE id = $1
	`, id))
}

// ActiveTaskDefinitions lists every is_active definition, the scheduler's
// full resync source.
func (s *Store) ActiveTaskDefinitions(ctx context.Context) ([]*models.TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, kind, agent_ref, trigger, cron_expression, tz, prompt_template, run_mode,
		       email_tool_ref, poll_interval_minutes, runtime_state, is_active, created_at, updated_at
		FROM task_definitions WHERE is_active ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("active task definitions: %w", err)
	}
	return scanTaskDefinitionRows(rows)
}

// TaskDefinitionsByUser lists every definition owned by a user, active or
// not, for the management UI.
func (s *Store) TaskDefinitionsByUser(ctx context.Context, userID string) ([]*models.TaskDefinition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, kind, agent_ref, trigger, cron_expression, tz, prompt_template, run_mode,
		       email_tool_ref, poll_interval_minutes, runtime_state, is_active, created_at, updated_at
		FROM task_definitions WHERE user_id = $1 ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("task definitions by user: %w", err)
	}
	return scanTaskDefinitionRows(rows)
}

// DeleteTaskDefinition removes a definition outright.
func (s *Store) DeleteTaskDefinition(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete task definition: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTaskDefinitionRows(rows *sql.Rows) ([]*models.TaskDefinition, error) {
	defer rows.Close()
	var out []*models.TaskDefinition
	for rows.Next() {
		td, err := scanTaskDefinition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, td)
	}
	return out, rows.Err()
}

func scanTaskDefinition(row rowScanner) (*models.TaskDefinition, error) {
	var td models.TaskDefinition
	var agentRef, cronExpr, tz, promptTemplate, runMode, emailToolRef sql.NullString
	var pollInterval sql.NullInt64
	var runtimeState []byte
	if err := row.Scan(&td.ID, &td.UserID, &td.Name, &td.Kind, &agentRef, &td.Trigger, &cronExpr, &tz,
		&promptTemplate, &runMode, &emailToolRef, &pollInterval, &runtimeState, &td.IsActive,
		&td.CreatedAt, &td.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task definition: %w", err)
	}
	td.AgentRef = agentRef.String
	td.CronExpression, td.TZ, td.PromptTemplate, td.EmailToolRef = cronExpr.String, tz.String, promptTemplate.String, emailToolRef.String
	td.RunMode = models.RunMode(runMode.String)
	td.PollIntervalMins = int(pollInterval.Int64)
	td.RuntimeState = runtimeState
	return &td, nil
}

func scanTaskDefinitionRow(row *sql.Row) (*models.TaskDefinition, error) {
	return scanTaskDefinition(row)
}

func nullInt(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
