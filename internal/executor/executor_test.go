package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/nova/internal/bus"
	"github.com/haasonsaas/nova/internal/checkpoint"
	"github.com/haasonsaas/nova/internal/graph"
	"github.com/haasonsaas/nova/internal/toolregistry"
	"github.com/haasonsaas/nova/pkg/models"
)

type fakeDS struct {
	task         *models.Task
	thread       *models.Thread
	agent        *models.Agent
	link         *models.CheckpointLink
	interactions map[string]*models.Interaction
	appended     []*models.ThreadMessage
	progress     []models.ProgressEntry
	finished     models.TaskStatus
	result       string
	awaiting     bool
	renamed      string
}

func newFakeDS() *fakeDS {
	return &fakeDS{
		task:   &models.Task{ID: "task-1", UserID: "u1", ThreadID: "thread-1", AgentRef: "agent-1", Status: models.TaskRunning, Prompt: "book a meeting"},
		thread: &models.Thread{ID: "thread-1", UserID: "u1", Subject: "thread n°1", Mode: models.ThreadModeStandard},
		agent:  &models.Agent{ID: "agent-1", UserID: "u1", Model: "test-model"},
		link:   &models.CheckpointLink{ID: "cp-1", ThreadID: "thread-1", AgentRef: "agent-1"},
		interactions: map[string]*models.Interaction{},
	}
}

func (f *fakeDS) GetTask(_ context.Context, id string) (*models.Task, error) {
	if id != f.task.ID {
		return nil, fmt.Errorf("no task %s", id)
	}
	return f.task, nil
}

func (f *fakeDS) FinishTask(_ context.Context, _ string, status models.TaskStatus, result string) error {
	f.finished, f.result = status, result
	f.task.Status = status
	return nil
}

func (f *fakeDS) AppendProgress(_ context.Context, _ string, entry models.ProgressEntry) error {
	f.progress = append(f.progress, entry)
	return nil
}

func (f *fakeDS) SetAwaitingInput(_ context.Context, _ string) error {
	f.awaiting = true
	f.task.Status = models.TaskAwaitingInput
	return nil
}

func (f *fakeDS) GetThread(_ context.Context, id string) (*models.Thread, error) { return f.thread, nil }

func (f *fakeDS) RenameThreadIfDefault(_ context.Context, _, subject string) error {
	f.renamed = subject
	return nil
}

func (f *fakeDS) AppendMessage(_ context.Context, m *models.ThreadMessage) error {
	m.ID = fmt.Sprintf("msg-%d", len(f.appended)+1)
	m.CreatedAt = time.Now()
	f.appended = append(f.appended, m)
	return nil
}

func (f *fakeDS) DeleteThread(context.Context, string) error { return nil }

func (f *fakeDS) GetAgent(context.Context, string) (*models.Agent, error) { return f.agent, nil }

func (f *fakeDS) ToolBindingsForAgent(context.Context, string) ([]*models.ToolBinding, error) {
	return nil, nil
}

func (f *fakeDS) GetOrCreateCheckpointLink(context.Context, string, string) (*models.CheckpointLink, error) {
	return f.link, nil
}

func (f *fakeDS) CreateInteraction(_ context.Context, i *models.Interaction) error {
	i.ID = fmt.Sprintf("int-%d", len(f.interactions)+1)
	f.interactions[i.ID] = i
	return nil
}

func (f *fakeDS) GetInteraction(_ context.Context, id string) (*models.Interaction, error) {
	i, ok := f.interactions[id]
	if !ok {
		return nil, fmt.Errorf("no interaction %s", id)
	}
	return i, nil
}

// scriptedClient replays responses; a titling call (no tools offered
// after a final answer) returns a short title.
type scriptedClient struct {
	responses []graph.ChatResponse
	calls     int
}

func (c *scriptedClient) Complete(context.Context, string, []graph.ChatMessage, []graph.ToolSpec) (graph.ChatResponse, error) {
	if c.calls >= len(c.responses) {
		return graph.ChatResponse{Content: "Meeting Booking"}, nil
	}
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

type staticFactory struct{ client graph.LLMClient }

func (f staticFactory) ClientFor(context.Context, *models.Agent) (graph.LLMClient, error) {
	return f.client, nil
}

func newExecutorFixture(t *testing.T, client graph.LLMClient) (*Executor, *fakeDS, *bus.Registry, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ds := newFakeDS()
	registry := bus.NewRegistry()
	exec := New(
		ds,
		checkpoint.NewStore(db),
		checkpoint.NewLocker(time.Second),
		nil, // standard-mode thread: continuous context builder untouched
		toolregistry.NewRegistry(),
		staticFactory{client: client},
		registry,
		nil,
	)
	return exec, ds, registry, mock
}

func expectEmptyCheckpoint(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT payload, updated_at FROM checkpoints").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "updated_at"}))
}

func expectCheckpointSave(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO checkpoints").WillReturnResult(sqlmock.NewResult(0, 1))
}

func drain(ch <-chan bus.Event) []bus.Event {
	var out []bus.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventTypes(events []bus.Event) map[bus.EventType]bus.Event {
	out := map[bus.EventType]bus.Event{}
	for _, e := range events {
		out[e.Type] = e
	}
	return out
}

func TestExecuteInterruptThenResume(t *testing.T) {
	client := &scriptedClient{responses: []graph.ChatResponse{
		{ToolCalls: []graph.ToolCall{{ID: "c1", Name: graph.AskUserToolName, Arguments: `{"question":"Which calendar?"}`}}},
		{Content: "Booked on Work.", TotalTokens: 77},
	}}
	exec, ds, registry, mock := newExecutorFixture(t, client)
	events := registry.Subscribe("task-1", 32)

	expectEmptyCheckpoint(mock)
	expectCheckpointSave(mock)

	if err := exec.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if !ds.awaiting {
		t.Fatal("task not transitioned to awaiting_input")
	}
	if len(ds.interactions) != 1 {
		t.Fatalf("interactions = %d, want 1", len(ds.interactions))
	}
	var interaction *models.Interaction
	for _, i := range ds.interactions {
		interaction = i
	}
	if interaction.Status != models.InteractionPending || interaction.Question != "Which calendar?" {
		t.Fatalf("interaction = %+v", interaction)
	}
	if interaction.ThreadID != ds.task.ThreadID {
		t.Fatal("interaction thread must equal task thread")
	}
	if len(ds.appended) != 1 || ds.appended[0].Type != models.MessageTypeQuestion {
		t.Fatalf("appended = %+v, want one question message", ds.appended)
	}
	byType := eventTypes(drain(events))
	if _, ok := byType[bus.EventInteractionNeeded]; !ok {
		t.Fatal("no interrupt event")
	}

	// the user answers; resume completes the task
	interaction.Status = models.InteractionAnswered
	interaction.Answer = json.RawMessage(`"Work"`)

	mock.ExpectQuery("SELECT payload, updated_at FROM checkpoints").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "updated_at"}).
			AddRow([]byte(`{"messages":[{"role":"human","content":"book a meeting"}]}`), time.Now()))
	expectCheckpointSave(mock)

	if err := exec.Resume(context.Background(), interaction.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if ds.finished != models.TaskCompleted || ds.result != "Booked on Work." {
		t.Fatalf("finish = %s %q", ds.finished, ds.result)
	}
	// an agent reply was appended after the question message
	last := ds.appended[len(ds.appended)-1]
	if last.Actor != models.ActorAgent || last.Text != "Booked on Work." {
		t.Fatalf("last message = %+v", last)
	}
}

func TestExecuteCompletionEmitsConsumptionAndTitle(t *testing.T) {
	client := &scriptedClient{responses: []graph.ChatResponse{
		{Content: "All done.", TotalTokens: 123},
	}}
	exec, ds, registry, mock := newExecutorFixture(t, client)
	events := registry.Subscribe("task-1", 32)

	expectEmptyCheckpoint(mock)
	expectCheckpointSave(mock)

	if err := exec.Execute(context.Background(), "task-1"); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if ds.finished != models.TaskCompleted {
		t.Fatalf("status = %s", ds.finished)
	}
	if ds.renamed == "" {
		t.Fatal("default-subject thread was not auto-titled")
	}

	byType := eventTypes(drain(events))
	consumption, ok := byType[bus.EventContextConsumption]
	if !ok {
		t.Fatal("no context_consumption event")
	}
	if consumption.Extra["real_tokens"] != 123 {
		t.Fatalf("real_tokens = %v", consumption.Extra["real_tokens"])
	}
	if _, ok := byType[bus.EventTaskCompleted]; !ok {
		t.Fatal("no task_complete event")
	}
}

func TestExecuteResumePreconditions(t *testing.T) {
	exec, ds, _, _ := newExecutorFixture(t, &scriptedClient{})
	ds.interactions["int-1"] = &models.Interaction{ID: "int-1", TaskID: "task-1", Status: models.InteractionPending}

	if err := exec.Resume(context.Background(), "int-1"); err == nil {
		t.Fatal("resume of a pending (unanswered) interaction must fail")
	}
}

func TestExecuteFailureCategorized(t *testing.T) {
	client := failingClient{}
	exec, ds, registry, mock := newExecutorFixture(t, client)
	events := registry.Subscribe("task-1", 32)
	expectEmptyCheckpoint(mock)

	if err := exec.Execute(context.Background(), "task-1"); err == nil {
		t.Fatal("expected error")
	}
	if ds.finished != models.TaskFailed {
		t.Fatalf("status = %s", ds.finished)
	}
	if len(ds.progress) != 1 || ds.progress[0].Severity != models.ProgressError {
		t.Fatalf("progress = %+v", ds.progress)
	}
	byType := eventTypes(drain(events))
	errEvent, ok := byType[bus.EventTaskError]
	if !ok {
		t.Fatal("no task_error event")
	}
	if errEvent.Category != "agent_failure" {
		t.Fatalf("category = %q", errEvent.Category)
	}
}

type failingClient struct{}

func (failingClient) Complete(context.Context, string, []graph.ChatMessage, []graph.ToolSpec) (graph.ChatResponse, error) {
	return graph.ChatResponse{}, fmt.Errorf("provider exploded")
}
