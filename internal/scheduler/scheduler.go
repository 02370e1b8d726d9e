package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/haasonsaas/nova/internal/metrics"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

// maintenanceDefinitionName is the reserved per-user nightly
// maintenance definition's name.
const maintenanceDefinitionName = "nightly-maintenance"

// Store is the persistence surface the scheduler needs.
type Store interface {
	ActiveTaskDefinitions(ctx context.Context) ([]*models.TaskDefinition, error)
	GetTaskDefinition(ctx context.Context, id string) (*models.TaskDefinition, error)
	TaskDefinitionsByUser(ctx context.Context, userID string) ([]*models.TaskDefinition, error)
	CreateTaskDefinition(ctx context.Context, td *models.TaskDefinition) error
	UpdateTaskDefinitionRuntimeState(ctx context.Context, id string, state []byte) error

	GetContinuousThread(ctx context.Context, userID string) (*models.Thread, error)
	CreateTask(ctx context.Context, t *models.Task) error
	FinishTask(ctx context.Context, taskID string, status models.TaskStatus, result string) error
}

var _ Store = (*store.Store)(nil)

// NightlySummarizer runs the chronological per-user summary sweep;
// satisfied by *summarizer.Summarizer.
type NightlySummarizer interface {
	SummarizeAllBefore(ctx context.Context, taskID, threadID, today string) error
}

// MailboxDialer opens the mailbox an email_poll definition targets. The
// definition's email_tool_ref names the tool binding whose config holds
// the account; resolving it to a live connection is the dialer's job.
type MailboxDialer func(ctx context.Context, td *models.TaskDefinition) (Mailbox, error)

// binding is one definition's live scheduling state.
type binding struct {
	td   *models.TaskDefinition
	key  scheduleKey
	next time.Time
}

// Scheduler maps active TaskDefinitions onto a ticker loop, firing each
// when its cron schedule or poll interval comes due. Schedule-defining
// field changes resync the binding; runtime-only writes (the email-poll
// cursor) do not.
type Scheduler struct {
	store      Store
	runner     *TaskRunner
	summarizer NightlySummarizer
	dial       MailboxDialer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
	tick       time.Duration
	loc        *time.Location

	mu       sync.Mutex
	bindings map[string]*binding
	started  bool
	wg       sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger overrides the component logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tick = interval
		}
	}
}

// WithMailboxDialer configures how email_poll definitions reach their
// mailbox.
func WithMailboxDialer(dial MailboxDialer) Option {
	return func(s *Scheduler) {
		if dial != nil {
			s.dial = dial
		}
	}
}

// WithMetrics attaches Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithLocation sets the zone maintenance "today" labels are computed
// in; defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// New builds a Scheduler. runner drives agent-kind definitions;
// summarizer drives maintenance-kind ones.
func New(st Store, runner *TaskRunner, summarizer NightlySummarizer, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:      st,
		runner:     runner,
		summarizer: summarizer,
		logger:     slog.Default().With("component", "scheduler"),
		now:        time.Now,
		tick:       time.Second,
		loc:        time.UTC,
		bindings:   make(map[string]*binding),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetTaskRunner attaches the agent-task runner after construction —
// the runner's ingest service needs the scheduler as its maintenance
// ensurer, so the two are wired in two steps.
func (s *Scheduler) SetTaskRunner(runner *TaskRunner) {
	if runner == nil {
		return
	}
	s.mu.Lock()
	s.runner = runner
	s.mu.Unlock()
}

// Sync reloads every active definition and reconciles bindings: new
// definitions are bound, changed schedules resynced, vanished ones
// dropped.
func (s *Scheduler) Sync(ctx context.Context) error {
	defs, err := s.store.ActiveTaskDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("scheduler sync: %w", err)
	}
	seen := make(map[string]bool, len(defs))
	for _, td := range defs {
		seen[td.ID] = true
		if err := s.UpsertBinding(td); err != nil {
			s.logger.Warn("task definition skipped", "id", td.ID, "name", td.Name, "error", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.bindings {
		if !seen[id] {
			delete(s.bindings, id)
		}
	}
	return nil
}

// UpsertBinding creates or resyncs one definition's binding. The next
// run time is recomputed only when a schedule-defining field changed —
// a runtime_state write keeps the existing next-run, so a poll cursor
// update never reschedules its own trigger.
func (s *Scheduler) UpsertBinding(td *models.TaskDefinition) error {
	if td.Kind == models.TaskKindMaintenance {
		if err := ValidateMaintenanceCron(td.CronExpression); err != nil {
			return err
		}
	}
	key := keyOf(td)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.bindings[td.ID]; ok && existing.key == key {
		existing.td = td
		return nil
	}
	next, err := NextRun(td, s.now())
	if err != nil {
		return err
	}
	s.bindings[td.ID] = &binding{td: td, key: key, next: next}
	return nil
}

// RemoveBinding drops a definition's binding (definition deleted or
// deactivated).
func (s *Scheduler) RemoveBinding(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bindings, id)
}

// Start runs the tick loop until ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the loop and any in-flight jobs to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce fires every due binding immediately (primarily for tests).
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*binding
	for _, b := range s.bindings {
		if !b.next.After(now) {
			due = append(due, b)
			if next, err := NextRun(b.td, now); err == nil {
				b.next = next
			}
		}
	}
	s.mu.Unlock()

	for _, b := range due {
		td := b.td
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.runJob(ctx, td); err != nil {
				s.logger.Error("scheduled job failed", "id", td.ID, "name", td.Name, "error", err)
			}
		}()
	}
	return len(due)
}

func (s *Scheduler) runJob(ctx context.Context, td *models.TaskDefinition) error {
	if td.Kind == models.TaskKindMaintenance {
		return s.runMaintenance(ctx, td)
	}
	if td.Trigger == models.TriggerEmailPoll {
		return s.runEmailPoll(ctx, td)
	}
	return s.runner.Run(ctx, td, nil)
}

// runMaintenance performs the per-user nightly sweep: every day with
// day_label < today, strictly chronological, so each summary sees the
// previous day's fresh one as prompt context.
func (s *Scheduler) runMaintenance(ctx context.Context, td *models.TaskDefinition) error {
	thread, err := s.store.GetContinuousThread(ctx, td.UserID)
	if err != nil {
		return err
	}
	today := s.now().In(s.loc).Format("2006-01-02")

	task := &models.Task{
		UserID:   td.UserID,
		ThreadID: thread.ID,
		AgentRef: "maintenance",
		Status:   models.TaskRunning,
		Prompt:   "nightly summarization",
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return err
	}
	if err := s.summarizer.SummarizeAllBefore(ctx, task.ID, thread.ID, today); err != nil {
		_ = s.store.FinishTask(ctx, task.ID, models.TaskFailed, err.Error())
		return err
	}
	return s.store.FinishTask(ctx, task.ID, models.TaskCompleted, "nightly summarization complete")
}

// runEmailPoll executes one poll cycle and runs the agent prompt once
// per fresh header.
func (s *Scheduler) runEmailPoll(ctx context.Context, td *models.TaskDefinition) error {
	if s.dial == nil {
		return fmt.Errorf("email_poll definition %s has no mailbox dialer configured", td.ID)
	}

	// re-read the definition so the cursor reflects any concurrent write.
	fresh, err := s.store.GetTaskDefinition(ctx, td.ID)
	if err != nil {
		return err
	}
	var state models.EmailPollState
	if len(fresh.RuntimeState) > 0 {
		if err := json.Unmarshal(fresh.RuntimeState, &state); err != nil {
			s.logger.Warn("email poll runtime_state unreadable, starting over", "id", td.ID, "error", err)
			state = models.EmailPollState{}
		}
	}

	mb, err := s.dial(ctx, fresh)
	if err != nil {
		s.pollOutcome("error")
		return err
	}
	defer mb.Close()

	result, err := PollOnce(ctx, mb, state, fresh.PollIntervalMins, s.now())
	if err != nil {
		s.pollOutcome("error")
		return err
	}

	encoded, err := json.Marshal(result.State)
	if err != nil {
		return err
	}
	if err := s.store.UpdateTaskDefinitionRuntimeState(ctx, fresh.ID, encoded); err != nil {
		return err
	}

	switch {
	case result.BacklogSkipped:
		s.pollOutcome("backlog_skipped")
		s.logger.Info("email poll skipped backlog", "id", fresh.ID, "cursor", result.State.LastUID)
		return nil
	case len(result.Headers) == 0:
		s.pollOutcome("empty")
		return nil
	}
	s.pollOutcome("headers")

	for _, h := range result.Headers {
		vars := map[string]string{
			"from":    h.From,
			"subject": h.Subject,
			"uid":     strconv.FormatUint(uint64(h.UID), 10),
			"date":    h.Date.Format(time.RFC3339),
		}
		if err := s.runner.Run(ctx, fresh, vars); err != nil {
			s.logger.Error("email-triggered run failed", "id", fresh.ID, "uid", h.UID, "error", err)
		}
	}
	return nil
}

func (s *Scheduler) pollOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.EmailPollCycles.WithLabelValues(outcome).Inc()
	}
}

// EnsureMaintenanceDefinition provisions the per-user nightly
// maintenance definition if none exists. The run minute is derived from
// the user id so the fleet's nightly passes spread across the hour.
func (s *Scheduler) EnsureMaintenanceDefinition(ctx context.Context, userID string) error {
	defs, err := s.store.TaskDefinitionsByUser(ctx, userID)
	if err != nil {
		return err
	}
	for _, td := range defs {
		if td.Kind == models.TaskKindMaintenance {
			return nil
		}
	}

	h := fnv.New32a()
	h.Write([]byte(userID))
	minute := h.Sum32() % 60

	td := &models.TaskDefinition{
		UserID:         userID,
		Name:           maintenanceDefinitionName,
		Kind:           models.TaskKindMaintenance,
		Trigger:        models.TriggerCron,
		CronExpression: fmt.Sprintf("%d 2 * * *", minute),
		TZ:             s.loc.String(),
		IsActive:       true,
	}
	if err := s.store.CreateTaskDefinition(ctx, td); err != nil {
		return err
	}
	return s.UpsertBinding(td)
}
