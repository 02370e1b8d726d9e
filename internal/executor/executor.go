// Package executor implements the Task Executor (spec §4.1): the
// component that drives one agent run end to end, routes its outcome
// (interrupt or completion) into durable Task/Interaction state, and
// reports structured progress over the Event Bus: load the task,
// build the agent runtime, drive the run, route the result.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/nova/internal/bus"
	"github.com/haasonsaas/nova/internal/checkpoint"
	"github.com/haasonsaas/nova/internal/contextbuilder"
	"github.com/haasonsaas/nova/internal/graph"
	"github.com/haasonsaas/nova/internal/novaerr"
	"github.com/haasonsaas/nova/internal/recall"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/internal/toolregistry"
	"github.com/haasonsaas/nova/pkg/models"
)

// defaultMaxContextTokens is reported alongside context-consumption
// events when an agent carries no explicit max_context_tokens config
// entry; it approximates a common mid-sized model context window.
const defaultMaxContextTokens = 128_000

// DataStore is the persistence surface the executor needs, satisfied
// structurally by *store.Store; tests substitute an in-memory fake.
type DataStore interface {
	GetTask(ctx context.Context, id string) (*models.Task, error)
	FinishTask(ctx context.Context, taskID string, status models.TaskStatus, result string) error
	AppendProgress(ctx context.Context, taskID string, entry models.ProgressEntry) error
	SetAwaitingInput(ctx context.Context, taskID string) error

	GetThread(ctx context.Context, id string) (*models.Thread, error)
	RenameThreadIfDefault(ctx context.Context, id, subject string) error
	AppendMessage(ctx context.Context, m *models.ThreadMessage) error
	DeleteThread(ctx context.Context, id string) error

	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ToolBindingsForAgent(ctx context.Context, agentID string) ([]*models.ToolBinding, error)

	GetOrCreateCheckpointLink(ctx context.Context, threadID, agentRef string) (*models.CheckpointLink, error)

	CreateInteraction(ctx context.Context, i *models.Interaction) error
	GetInteraction(ctx context.Context, id string) (*models.Interaction, error)
}

var _ DataStore = (*store.Store)(nil)

// Executor drives Task execution (spec §4.1).
type Executor struct {
	store          DataStore
	checkpoints    *checkpoint.Store
	locker         *checkpoint.Locker
	contextBuilder *contextbuilder.Builder
	tools          *toolregistry.Registry
	clients        ClientFactory
	bus            *bus.Registry
	recall         *recall.Recall // nil disables conversation_search/get wiring
}

// New builds an Executor. recaller may be nil, in which case
// conversation_search/conversation_get are not made available to agents
// (e.g. a deployment with no hybrid recall configured yet).
func New(
	ds DataStore,
	checkpoints *checkpoint.Store,
	locker *checkpoint.Locker,
	cb *contextbuilder.Builder,
	tools *toolregistry.Registry,
	clients ClientFactory,
	busRegistry *bus.Registry,
	recaller *recall.Recall,
) *Executor {
	return &Executor{
		store:          ds,
		checkpoints:    checkpoints,
		locker:         locker,
		contextBuilder: cb,
		tools:          tools,
		clients:        clients,
		bus:            busRegistry,
		recall:         recaller,
	}
}

// agentRun bundles everything one execute/resume pass needs once the
// task's thread and agent are loaded, so both entry points share the
// same runner-construction and outcome-routing code.
type agentRun struct {
	task   *models.Task
	thread *models.Thread
	agent  *models.Agent
	linkID string
	runner graph.Runner
	client graph.LLMClient
	emit   *bus.Emitter
}

// Execute runs a pending/running Task to completion or suspension
// (spec §4.1 execute(task_id)). The caller is responsible for having
// already transitioned the task to running (e.g. via
// store.AcquireNextPendingTask) before calling Execute.
func (e *Executor) Execute(ctx context.Context, taskID string) error {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return fmt.Errorf("executor: load task: %w", err)
	}
	if task.Status.IsTerminal() {
		return fmt.Errorf("executor: task %s is already terminal", taskID)
	}

	run, unlock, err := e.prepareRun(ctx, task)
	if err != nil {
		e.fail(ctx, task, run, err)
		return err
	}
	defer unlock()

	run.emit.TaskStarted(ctx)

	if run.thread.Mode == models.ThreadModeContinuous {
		cbResult, err := e.contextBuilder.Build(ctx, run.thread.ID, run.agent.ID, task.TriggerMessageID, time.Now())
		if err != nil {
			wrapped := novaerr.Wrap(novaerr.CategorySystem, "rebuild continuous context", err)
			e.fail(ctx, task, run, wrapped)
			return wrapped
		}
		if cbResult.Rebuilt {
			run.emit.ContinuousContextRebuilt(ctx, cbResult.Fingerprint)
		}
	}

	outcome, err := run.runner.Invoke(ctx, run.linkID, task.Prompt)
	if err != nil {
		wrapped := novaerr.Wrap(novaerr.CategoryAgentFailure, "agent invocation failed", err)
		e.fail(ctx, task, run, wrapped)
		return wrapped
	}
	return e.routeOutcome(ctx, run, outcome)
}

// Resume continues a Task previously suspended on an ask-user interrupt
// (spec §4.1 resume(interaction_id)). Precondition: the named
// Interaction's status is answered.
func (e *Executor) Resume(ctx context.Context, interactionID string) error {
	interaction, err := e.store.GetInteraction(ctx, interactionID)
	if err != nil {
		return fmt.Errorf("executor: load interaction: %w", err)
	}
	if interaction.Status != models.InteractionAnswered {
		return novaerr.New(novaerr.CategoryValidation, "interaction is not answered")
	}

	task, err := e.store.GetTask(ctx, interaction.TaskID)
	if err != nil {
		return fmt.Errorf("executor: load task for interaction: %w", err)
	}

	run, unlock, err := e.prepareRun(ctx, task)
	if err != nil {
		e.fail(ctx, task, run, err)
		return err
	}
	defer unlock()

	run.emit.InteractionResumed(ctx, interaction.ID, string(models.InteractionAnswered))

	answer := answerText(interaction.Answer)
	outcome, err := run.runner.Resume(ctx, run.linkID, interaction.ResumeToken, answer)
	if err != nil {
		wrapped := novaerr.Wrap(novaerr.CategoryAgentFailure, "agent resume failed", err)
		e.fail(ctx, task, run, wrapped)
		return wrapped
	}
	return e.routeOutcome(ctx, run, outcome)
}

// prepareRun loads the thread/agent, resolves tools, builds the graph
// runner, and acquires the checkpoint's single-writer lock. The caller
// must call the returned unlock func on every exit path once acquired;
// unlock is a no-op if the lock was never taken.
func (e *Executor) prepareRun(ctx context.Context, task *models.Task) (*agentRun, func(), error) {
	noop := func() {}

	thread, err := e.store.GetThread(ctx, task.ThreadID)
	if err != nil {
		return nil, noop, novaerr.Wrap(novaerr.CategoryNotFound, "load thread", err)
	}
	agent, err := e.store.GetAgent(ctx, task.AgentRef)
	if err != nil {
		return nil, noop, novaerr.Wrap(novaerr.CategoryNotFound, "load agent", err)
	}

	link, err := e.store.GetOrCreateCheckpointLink(ctx, thread.ID, agent.ID)
	if err != nil {
		return nil, noop, novaerr.Wrap(novaerr.CategorySystem, "get checkpoint link", err)
	}

	unlock, err := e.locker.Lock(ctx, link.ID)
	if err != nil {
		return nil, noop, novaerr.Wrap(novaerr.CategorySystem, "acquire checkpoint lock", err)
	}

	bound, err := e.buildTools(ctx, agent, thread.ID)
	if err != nil {
		unlock()
		return nil, noop, novaerr.Wrap(novaerr.CategorySystem, "build tool registry", err)
	}

	client, err := e.clients.ClientFor(ctx, agent)
	if err != nil {
		unlock()
		return nil, noop, novaerr.Wrap(novaerr.CategorySystem, "build llm client", err)
	}

	system := agent.SystemPrompt
	if hints := bound.PromptHints(); len(hints) > 0 {
		system = strings.TrimSpace(system + "\n\n" + strings.Join(hints, "\n"))
	}
	runner := graph.NewLLMRunner(client, e.checkpoints, system).WithTools(bound)

	return &agentRun{
		task:   task,
		thread: thread,
		agent:  agent,
		linkID: link.ID,
		runner: runner,
		client: client,
		emit:   e.bus.EmitterFor(task.ID),
	}, unlock, nil
}

// buildTools resolves an agent's bound tool instances plus the
// always-available recall tools into one callable surface.
func (e *Executor) buildTools(ctx context.Context, agent *models.Agent, threadID string) (*toolregistry.BoundTools, error) {
	bindings, err := e.store.ToolBindingsForAgent(ctx, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("tool bindings for agent: %w", err)
	}
	bound, err := e.tools.Build(ctx, agent, bindings)
	if err != nil {
		return nil, err
	}
	if e.recall != nil {
		bound = toolregistry.WithRecall(bound, e.recall, threadID)
	}
	return bound, nil
}

// routeOutcome implements spec §4.1's "result routing": a suspension
// persists a pending Interaction, a completion finalizes the task,
// appends the agent's reply, auto-titles, and reports context
// consumption.
func (e *Executor) routeOutcome(ctx context.Context, run *agentRun, outcome graph.Outcome) error {
	if outcome.Interrupt != nil {
		return e.routeInterrupt(ctx, run, outcome.Interrupt)
	}
	return e.routeResult(ctx, run, outcome.Result)
}

func (e *Executor) routeInterrupt(ctx context.Context, run *agentRun, interrupt *graph.Interrupt) error {
	interaction := &models.Interaction{
		TaskID:      run.task.ID,
		ThreadID:    run.thread.ID,
		AgentRef:    run.agent.ID,
		Question:    interrupt.InteractionQuestion,
		Schema:      json.RawMessage(interrupt.Schema),
		ResumeToken: interrupt.ResumeToken,
		Status:      models.InteractionPending,
	}
	if err := e.store.CreateInteraction(ctx, interaction); err != nil {
		wrapped := novaerr.Wrap(novaerr.CategorySystem, "persist pending interaction", err)
		e.fail(ctx, run.task, run, wrapped)
		return wrapped
	}

	questionMsg := &models.ThreadMessage{
		UserID:   run.thread.UserID,
		ThreadID: run.thread.ID,
		Actor:    models.ActorSystem,
		Text:     interrupt.InteractionQuestion,
		Type:     models.MessageTypeQuestion,
	}
	if err := e.store.AppendMessage(ctx, questionMsg); err != nil {
		wrapped := novaerr.Wrap(novaerr.CategorySystem, "append question message", err)
		e.fail(ctx, run.task, run, wrapped)
		return wrapped
	}
	if err := e.store.SetAwaitingInput(ctx, run.task.ID); err != nil {
		wrapped := novaerr.Wrap(novaerr.CategorySystem, "set awaiting_input", err)
		e.fail(ctx, run.task, run, wrapped)
		return wrapped
	}

	run.emit.InteractionNeeded(ctx, interaction.ID, interrupt.InteractionQuestion, json.RawMessage(interrupt.Schema), interrupt.OriginName)
	run.emit.NewMessage(ctx, questionMsg)
	return nil
}

func (e *Executor) routeResult(ctx context.Context, run *agentRun, result *graph.Result) error {
	replyMsg := &models.ThreadMessage{
		UserID:   run.thread.UserID,
		ThreadID: run.thread.ID,
		Actor:    models.ActorAgent,
		Text:     result.FinalText,
		Type:     models.MessageTypeStandard,
	}
	if err := e.store.AppendMessage(ctx, replyMsg); err != nil {
		wrapped := novaerr.Wrap(novaerr.CategorySystem, "append agent reply", err)
		e.fail(ctx, run.task, run, wrapped)
		return wrapped
	}
	if err := e.store.FinishTask(ctx, run.task.ID, models.TaskCompleted, result.FinalText); err != nil {
		wrapped := novaerr.Wrap(novaerr.CategorySystem, "finish task", err)
		e.fail(ctx, run.task, run, wrapped)
		return wrapped
	}

	e.autoTitle(ctx, run, run.task.Prompt, result.FinalText)

	realTokens, approxTokens := e.contextConsumption(ctx, run, result)
	run.emit.NewMessage(ctx, replyMsg)
	run.emit.ContextConsumption(ctx, realTokens, approxTokens, maxContextTokens(run.agent))
	run.emit.TaskCompleted(ctx, result.FinalText, run.thread.ID, run.thread.Subject)
	e.bus.Forget(run.task.ID)
	return nil
}

// autoTitle implements spec §4.1's subject auto-titling: a thread still
// carrying the default "thread n°*" subject gets a short title derived
// from this turn. Failures here are logged and swallowed — a naming
// nicety is never allowed to fail the underlying task (spec §7:
// "best-effort side work... swallows errors locally").
func (e *Executor) autoTitle(ctx context.Context, run *agentRun, userPrompt, agentReply string) {
	if !strings.HasPrefix(run.thread.Subject, models.DefaultThreadSubjectPrefix) {
		return
	}
	title, err := requestTitle(ctx, run.client, userPrompt, agentReply)
	if err != nil {
		slog.Default().Warn("auto-title request failed", "thread_id", run.thread.ID, "error", err)
		return
	}
	if title == "" {
		return
	}
	if err := e.store.RenameThreadIfDefault(ctx, run.thread.ID, title); err != nil {
		slog.Default().Warn("auto-title rename failed", "thread_id", run.thread.ID, "error", err)
	}
}

// contextConsumption implements spec §4.1's accounting: prefer the
// provider-reported total from the last response; otherwise
// approximate bytes/4 over the post-run persisted message list.
// Returns (realTokens, approxTokens) — exactly one is populated.
func (e *Executor) contextConsumption(ctx context.Context, run *agentRun, result *graph.Result) (int, int) {
	if result.TotalTokens > 0 {
		return result.TotalTokens, 0
	}
	state, err := run.runner.AgetTuple(ctx, run.linkID)
	if err != nil {
		return 0, 0
	}
	var chars int
	for _, m := range state.Messages {
		chars += len(m.Content)
	}
	return 0, chars / 4
}

// maxContextTokens reads an agent's configured context window, falling
// back to defaultMaxContextTokens when unset or malformed.
func maxContextTokens(agent *models.Agent) int {
	raw, ok := agent.Config["max_context_tokens"]
	if !ok {
		return defaultMaxContextTokens
	}
	switch v := raw.(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return defaultMaxContextTokens
	}
}

// fail converts any exception into categorized Task state + progress
// log entry + task_error event (spec §4.1 failure semantics, §7
// propagation policy). run may be nil if the failure happened before a
// runner could be built.
func (e *Executor) fail(ctx context.Context, task *models.Task, run *agentRun, err error) {
	cat := novaerr.CategoryOf(err)
	_ = e.store.AppendProgress(ctx, task.ID, models.ProgressEntry{
		Step:      "execute",
		Severity:  models.ProgressError,
		Timestamp: time.Now(),
		Extra:     map[string]any{"category": string(cat)},
	})
	_ = e.store.FinishTask(ctx, task.ID, models.TaskFailed, err.Error())

	var emit *bus.Emitter
	if run != nil {
		emit = run.emit
	} else {
		emit = e.bus.EmitterFor(task.ID)
	}
	emit.TaskError(ctx, string(cat), err.Error())
	e.bus.Forget(task.ID)
}

// answerText recovers the free-text answer from an Interaction's
// json.RawMessage Answer: a JSON string decodes to its contents; any
// other JSON value is passed through verbatim as the answer text.
func answerText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
