// Package worker runs the Task Executor's background pool: N goroutine
// slots draining the pending-task queue (claimed cross-process via the
// store's SKIP LOCKED pop) plus the resume queue fed by answered
// interactions.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

// defaultPollInterval is how often an idle slot re-checks for pending
// tasks.
const defaultPollInterval = 2 * time.Second

// TaskSource claims pending tasks; satisfied by *store.Store.
type TaskSource interface {
	AcquireNextPendingTask(ctx context.Context) (*models.Task, error)
}

// Executor drives claimed work; satisfied by *executor.Executor.
type Executor interface {
	Execute(ctx context.Context, taskID string) error
	Resume(ctx context.Context, interactionID string) error
}

// Pool is the worker pool. It also satisfies ingest.Resumer so the
// interaction-answer endpoint can feed it directly.
type Pool struct {
	source       TaskSource
	exec         Executor
	concurrency  int
	pollInterval time.Duration
	resumes      chan string
	logger       *slog.Logger
}

// New builds a Pool with the given slot count.
func New(source TaskSource, exec Executor, concurrency int) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pool{
		source:       source,
		exec:         exec,
		concurrency:  concurrency,
		pollInterval: defaultPollInterval,
		resumes:      make(chan string, 64),
		logger:       slog.Default().With("component", "worker"),
	}
}

// EnqueueResume queues an answered interaction for the resume path. A
// full queue drops the enqueue with a warning; the caller's interaction
// stays answered and nothing in this package queues it again.
func (p *Pool) EnqueueResume(interactionID string) {
	select {
	case p.resumes <- interactionID:
	default:
		p.logger.Warn("resume queue full, dropping", "interaction_id", interactionID)
	}
}

// Run blocks until ctx is done, keeping every slot busy. Each slot
// prefers resumes (a user is actively waiting on one) over fresh
// pending tasks.
func (p *Pool) Run(ctx context.Context) {
	done := make(chan struct{})
	for i := 0; i < p.concurrency; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			p.slot(ctx)
		}()
	}
	for i := 0; i < p.concurrency; i++ {
		<-done
	}
}

func (p *Pool) slot(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case interactionID := <-p.resumes:
			if err := p.exec.Resume(ctx, interactionID); err != nil {
				p.logger.Error("resume failed", "interaction_id", interactionID, "error", err)
			}
			continue
		default:
		}

		task, err := p.source.AcquireNextPendingTask(ctx)
		if err != nil {
			p.logger.Error("acquire pending task failed", "error", err)
		} else if task != nil {
			if err := p.exec.Execute(ctx, task.ID); err != nil {
				p.logger.Error("task execution failed", "task_id", task.ID, "error", err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			return
		case interactionID := <-p.resumes:
			if err := p.exec.Resume(ctx, interactionID); err != nil {
				p.logger.Error("resume failed", "interaction_id", interactionID, "error", err)
			}
		case <-time.After(p.pollInterval):
		}
	}
}
