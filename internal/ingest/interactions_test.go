package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nova/internal/bus"
	"github.com/haasonsaas/nova/internal/novaerr"
	"github.com/haasonsaas/nova/pkg/models"
)

type fakeInteractionStore struct {
	interaction *models.Interaction
	task        *models.Task
	answered    json.RawMessage
	canceled    bool
	finished    models.TaskStatus
	result      string
	appended    []*models.ThreadMessage
}

func (f *fakeInteractionStore) GetInteraction(_ context.Context, id string) (*models.Interaction, error) {
	return f.interaction, nil
}

func (f *fakeInteractionStore) GetTask(_ context.Context, id string) (*models.Task, error) {
	return f.task, nil
}

func (f *fakeInteractionStore) AnswerInteraction(_ context.Context, _ string, answer []byte) error {
	f.answered = answer
	f.interaction.Status = models.InteractionAnswered
	return nil
}

func (f *fakeInteractionStore) CancelInteraction(_ context.Context, _ string) error {
	f.canceled = true
	f.interaction.Status = models.InteractionCanceled
	return nil
}

func (f *fakeInteractionStore) FinishTask(_ context.Context, _ string, status models.TaskStatus, result string) error {
	f.finished = status
	f.result = result
	return nil
}

func (f *fakeInteractionStore) AppendMessage(_ context.Context, m *models.ThreadMessage) error {
	f.appended = append(f.appended, m)
	return nil
}

type fakeResumer struct{ resumed []string }

func (f *fakeResumer) EnqueueResume(id string) { f.resumed = append(f.resumed, id) }

func pendingFixture() *fakeInteractionStore {
	return &fakeInteractionStore{
		interaction: &models.Interaction{
			ID:       "int-1",
			TaskID:   "task-1",
			ThreadID: "thread-1",
			Question: "Which calendar?",
			Status:   models.InteractionPending,
		},
		task: &models.Task{
			ID:       "task-1",
			UserID:   "u1",
			ThreadID: "thread-1",
			Status:   models.TaskAwaitingInput,
		},
	}
}

func TestAnswerResumesTask(t *testing.T) {
	fs := pendingFixture()
	resumer := &fakeResumer{}
	registry := bus.NewRegistry()
	events := registry.Subscribe("task-1", 8)
	svc := NewInteractions(fs, registry, resumer)

	if err := svc.Answer(context.Background(), "u1", "int-1", json.RawMessage(`"Work"`)); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if string(fs.answered) != `"Work"` {
		t.Fatalf("answered = %s", fs.answered)
	}
	if len(resumer.resumed) != 1 || resumer.resumed[0] != "int-1" {
		t.Fatalf("resumed = %v", resumer.resumed)
	}
	if len(fs.appended) != 1 || fs.appended[0].Type != models.MessageTypeAnswer || fs.appended[0].Text != "Work" {
		t.Fatalf("appended = %+v", fs.appended)
	}

	select {
	case ev := <-events:
		if ev.Type != bus.EventInteractionResumed {
			t.Fatalf("event type = %q", ev.Type)
		}
		if ev.Extra["status"] != string(models.InteractionAnswered) {
			t.Fatalf("event status = %v", ev.Extra["status"])
		}
	default:
		t.Fatal("no interaction_update event emitted")
	}
}

func TestAnswerIsIdempotentOnNonPending(t *testing.T) {
	fs := pendingFixture()
	fs.interaction.Status = models.InteractionAnswered
	resumer := &fakeResumer{}
	svc := NewInteractions(fs, bus.NewRegistry(), resumer)

	if err := svc.Answer(context.Background(), "u1", "int-1", json.RawMessage(`"again"`)); err != nil {
		t.Fatalf("Answer: %v", err)
	}
	if len(resumer.resumed) != 0 {
		t.Fatal("non-pending answer must not enqueue a resume")
	}
	if fs.answered != nil {
		t.Fatal("non-pending answer must not overwrite the stored answer")
	}
}

func TestAnswerRejectsOtherUsers(t *testing.T) {
	fs := pendingFixture()
	svc := NewInteractions(fs, bus.NewRegistry(), &fakeResumer{})

	err := svc.Answer(context.Background(), "intruder", "int-1", json.RawMessage(`"x"`))
	if novaerr.CategoryOf(err) != novaerr.CategoryAuth {
		t.Fatalf("err = %v, want auth_error", err)
	}
}

func TestAnswerValidatesSchema(t *testing.T) {
	fs := pendingFixture()
	fs.interaction.Schema = json.RawMessage(`{"type":"string","enum":["Work","Personal"]}`)
	svc := NewInteractions(fs, bus.NewRegistry(), &fakeResumer{})

	err := svc.Answer(context.Background(), "u1", "int-1", json.RawMessage(`42`))
	if novaerr.CategoryOf(err) != novaerr.CategoryValidation {
		t.Fatalf("err = %v, want validation_error", err)
	}

	if err := svc.Answer(context.Background(), "u1", "int-1", json.RawMessage(`"Work"`)); err != nil {
		t.Fatalf("valid answer rejected: %v", err)
	}
}

func TestCancelFailsTaskWithCanonicalResult(t *testing.T) {
	fs := pendingFixture()
	registry := bus.NewRegistry()
	events := registry.Subscribe("task-1", 8)
	svc := NewInteractions(fs, registry, &fakeResumer{})

	if err := svc.Cancel(context.Background(), "u1", "int-1"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !fs.canceled {
		t.Fatal("interaction not canceled")
	}
	if fs.finished != models.TaskFailed || fs.result != "Interaction canceled by user" {
		t.Fatalf("task finish = %s %q", fs.finished, fs.result)
	}

	var sawUpdate, sawError bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			switch ev.Type {
			case bus.EventInteractionResumed:
				sawUpdate = true
			case bus.EventTaskError:
				sawError = true
				if ev.Category != string(novaerr.CategoryUserCanceled) {
					t.Fatalf("task_error category = %q", ev.Category)
				}
			}
		default:
		}
	}
	if !sawUpdate || !sawError {
		t.Fatalf("events: interaction_update=%v task_error=%v", sawUpdate, sawError)
	}
}
