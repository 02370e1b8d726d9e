package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/haasonsaas/nova/internal/ingest"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

// RunnerStore is the persistence surface the run-mode paths need.
type RunnerStore interface {
	CreateThread(ctx context.Context, t *models.Thread) error
	DeleteThread(ctx context.Context, id string) error
	AppendMessage(ctx context.Context, m *models.ThreadMessage) error
	CreateTask(ctx context.Context, t *models.Task) error
	MarkTaskRunning(ctx context.Context, taskID string) error
}

var _ RunnerStore = (*store.Store)(nil)

// Executor drives one claimed task; satisfied by *executor.Executor.
type Executor interface {
	Execute(ctx context.Context, taskID string) error
}

// ContinuousPoster appends a scheduled prompt into the continuous
// thread with all of the ingest path's side effects; satisfied by
// *ingest.Service.
type ContinuousPoster interface {
	Post(ctx context.Context, req ingest.PostRequest) (*ingest.Receipt, error)
}

// TaskRunner executes one agent TaskDefinition trigger: render the
// prompt, build thread and message per run_mode, create the Task, and
// drive it through the executor (spec §4.7).
type TaskRunner struct {
	store  RunnerStore
	poster ContinuousPoster
	exec   Executor
	logger *slog.Logger
}

// NewTaskRunner builds a TaskRunner.
func NewTaskRunner(st RunnerStore, poster ContinuousPoster, exec Executor) *TaskRunner {
	return &TaskRunner{
		store:  st,
		poster: poster,
		exec:   exec,
		logger: slog.Default().With("component", "task-runner"),
	}
}

// Run renders and executes one trigger firing. Terminal task failure
// surfaces as the returned error.
func (r *TaskRunner) Run(ctx context.Context, td *models.TaskDefinition, vars map[string]string) error {
	prompt, err := RenderPrompt(td.PromptTemplate, vars)
	if err != nil {
		return err
	}

	switch td.RunMode {
	case models.RunModeContinuousMessage:
		return r.runContinuous(ctx, td, prompt)
	case models.RunModeNewThread:
		return r.runThread(ctx, td, prompt, false)
	case models.RunModeEphemeral:
		return r.runThread(ctx, td, prompt, true)
	default:
		return fmt.Errorf("task definition %s has unknown run_mode %q", td.ID, td.RunMode)
	}
}

func (r *TaskRunner) runContinuous(ctx context.Context, td *models.TaskDefinition, prompt string) error {
	receipt, err := r.poster.Post(ctx, ingest.PostRequest{
		UserID:    td.UserID,
		Message:   prompt,
		AgentID:   td.AgentRef,
		Channel:   "scheduler",
		Transport: string(td.Trigger),
	})
	if err != nil {
		return err
	}
	// Post leaves the task pending for the worker pool; claim it here so
	// the trigger observes its own run's outcome.
	if err := r.store.MarkTaskRunning(ctx, receipt.TaskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// a worker already picked it up; its outcome is theirs to report.
			return nil
		}
		return err
	}
	return r.exec.Execute(ctx, receipt.TaskID)
}

func (r *TaskRunner) runThread(ctx context.Context, td *models.TaskDefinition, prompt string, ephemeral bool) error {
	thread := &models.Thread{
		UserID:  td.UserID,
		Subject: models.DefaultThreadSubjectPrefix + uuid.NewString()[:8],
		Mode:    models.ThreadModeStandard,
	}
	if err := r.store.CreateThread(ctx, thread); err != nil {
		return err
	}
	if ephemeral {
		defer func() {
			if err := r.store.DeleteThread(context.WithoutCancel(ctx), thread.ID); err != nil {
				r.logger.Warn("delete ephemeral thread failed", "thread_id", thread.ID, "error", err)
			}
		}()
	}

	msg := &models.ThreadMessage{
		UserID:   td.UserID,
		ThreadID: thread.ID,
		Actor:    models.ActorUser,
		Text:     prompt,
		Type:     models.MessageTypeStandard,
	}
	if err := r.store.AppendMessage(ctx, msg); err != nil {
		return err
	}

	task := &models.Task{
		UserID:           td.UserID,
		ThreadID:         thread.ID,
		AgentRef:         td.AgentRef,
		Status:           models.TaskRunning,
		Prompt:           prompt,
		TriggerMessageID: msg.ID,
	}
	if err := r.store.CreateTask(ctx, task); err != nil {
		return err
	}
	return r.exec.Execute(ctx, task.ID)
}
