package graph

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/nova/internal/checkpoint"
)

// scriptedClient replays a fixed sequence of responses.
type scriptedClient struct {
	responses []ChatResponse
	calls     int
	history   [][]ChatMessage
}

func (c *scriptedClient) Complete(_ context.Context, _ string, history []ChatMessage, _ []ToolSpec) (ChatResponse, error) {
	c.history = append(c.history, history)
	resp := c.responses[c.calls]
	c.calls++
	return resp, nil
}

func newRunnerFixture(t *testing.T, client LLMClient) (*LLMRunner, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLLMRunner(client, checkpoint.NewStore(db), "be helpful"), mock
}

func expectEmptyCheckpoint(mock sqlmock.Sqlmock) {
	mock.ExpectQuery("SELECT payload, updated_at FROM checkpoints").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "updated_at"}))
}

func expectCheckpointSave(mock sqlmock.Sqlmock) {
	mock.ExpectExec("INSERT INTO checkpoints").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func TestInvokeCompletesAndPersists(t *testing.T) {
	client := &scriptedClient{responses: []ChatResponse{
		{Content: "hello back", TotalTokens: 42},
	}}
	r, mock := newRunnerFixture(t, client)
	expectEmptyCheckpoint(mock)
	expectCheckpointSave(mock)

	outcome, err := r.Invoke(context.Background(), "cp-1", "hello")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if outcome.Interrupt != nil {
		t.Fatal("unexpected interrupt")
	}
	if outcome.Result.FinalText != "hello back" || outcome.Result.TotalTokens != 42 {
		t.Fatalf("result = %+v", outcome.Result)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestAskUserSuspendsThenResumes(t *testing.T) {
	client := &scriptedClient{responses: []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "c1", Name: AskUserToolName, Arguments: `{"question":"Which calendar?"}`}}},
		{Content: "Booked on Work.", TotalTokens: 10},
	}}
	r, mock := newRunnerFixture(t, client)

	expectEmptyCheckpoint(mock)
	expectCheckpointSave(mock) // state saved at suspension

	outcome, err := r.Invoke(context.Background(), "cp-1", "book a meeting")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if outcome.Interrupt == nil {
		t.Fatal("expected interrupt")
	}
	if outcome.Interrupt.InteractionQuestion != "Which calendar?" {
		t.Fatalf("question = %q", outcome.Interrupt.InteractionQuestion)
	}
	token := outcome.Interrupt.ResumeToken
	if token == "" {
		t.Fatal("no resume token")
	}

	// resume loads the suspended state and finishes the turn
	mock.ExpectQuery("SELECT payload, updated_at FROM checkpoints").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "updated_at"}).
			AddRow([]byte(`{"messages":[{"role":"human","content":"book a meeting"}]}`), time.Now()))
	expectCheckpointSave(mock)

	resumed, err := r.Resume(context.Background(), "cp-1", token, "Work")
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Result == nil || resumed.Result.FinalText != "Booked on Work." {
		t.Fatalf("resumed = %+v", resumed)
	}

	// the resume prompt embeds both the question and the answer
	last := client.history[len(client.history)-1]
	prompt := last[len(last)-1].Content
	if prompt != `Regarding your question "Which calendar?", the answer is: Work` {
		t.Fatalf("resume prompt = %q", prompt)
	}

	// a consumed token cannot be replayed
	if _, err := r.Resume(context.Background(), "cp-1", token, "again"); err == nil {
		t.Fatal("consumed resume token should be rejected")
	}
}

func TestDomainToolRoundTrip(t *testing.T) {
	client := &scriptedClient{responses: []ChatResponse{
		{ToolCalls: []ToolCall{{ID: "c1", Name: "web_search", Arguments: `{"q":"weather"}`}}},
		{Content: "It is sunny.", TotalTokens: 5},
	}}
	r, mock := newRunnerFixture(t, client)
	r.WithTools(staticTool{})
	expectEmptyCheckpoint(mock)
	expectCheckpointSave(mock)

	outcome, err := r.Invoke(context.Background(), "cp-1", "weather?")
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if outcome.Result == nil || outcome.Result.FinalText != "It is sunny." {
		t.Fatalf("outcome = %+v", outcome)
	}

	// second completion saw the tool reply
	second := client.history[1]
	foundTool := false
	for _, m := range second {
		if m.Role == "tool" && m.Content == "sunny" {
			foundTool = true
		}
	}
	if !foundTool {
		t.Fatal("tool result not fed back to the model")
	}
}

type staticTool struct{}

func (staticTool) Specs() []ToolSpec {
	return []ToolSpec{{Name: "web_search", Description: "search", Parameters: map[string]any{"type": "object"}}}
}

func (staticTool) Execute(_ context.Context, name string, _ json.RawMessage) (string, bool) {
	if name == "web_search" {
		return "sunny", false
	}
	return "", true
}
