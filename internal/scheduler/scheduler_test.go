package scheduler

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

type fakeSchedStore struct {
	defs       map[string]*models.TaskDefinition
	created    []*models.TaskDefinition
	stateWrite []byte
}

func newFakeSchedStore() *fakeSchedStore {
	return &fakeSchedStore{defs: map[string]*models.TaskDefinition{}}
}

func (f *fakeSchedStore) ActiveTaskDefinitions(context.Context) ([]*models.TaskDefinition, error) {
	var out []*models.TaskDefinition
	for _, td := range f.defs {
		if td.IsActive {
			out = append(out, td)
		}
	}
	return out, nil
}

func (f *fakeSchedStore) GetTaskDefinition(_ context.Context, id string) (*models.TaskDefinition, error) {
	return f.defs[id], nil
}

func (f *fakeSchedStore) TaskDefinitionsByUser(_ context.Context, userID string) ([]*models.TaskDefinition, error) {
	var out []*models.TaskDefinition
	for _, td := range f.defs {
		if td.UserID == userID {
			out = append(out, td)
		}
	}
	return out, nil
}

func (f *fakeSchedStore) CreateTaskDefinition(_ context.Context, td *models.TaskDefinition) error {
	if td.ID == "" {
		td.ID = "td-" + td.Name
	}
	f.defs[td.ID] = td
	f.created = append(f.created, td)
	return nil
}

func (f *fakeSchedStore) UpdateTaskDefinitionRuntimeState(_ context.Context, id string, state []byte) error {
	f.stateWrite = state
	if td, ok := f.defs[id]; ok {
		td.RuntimeState = state
	}
	return nil
}

func (f *fakeSchedStore) GetContinuousThread(_ context.Context, userID string) (*models.Thread, error) {
	return &models.Thread{ID: "thread-" + userID, UserID: userID, Mode: models.ThreadModeContinuous}, nil
}

func (f *fakeSchedStore) CreateTask(_ context.Context, t *models.Task) error {
	if t.ID == "" {
		t.ID = "task-1"
	}
	return nil
}

func (f *fakeSchedStore) FinishTask(context.Context, string, models.TaskStatus, string) error {
	return nil
}

type fakeNightly struct {
	calls []string
}

func (f *fakeNightly) SummarizeAllBefore(_ context.Context, _, threadID, today string) error {
	f.calls = append(f.calls, threadID+"|"+today)
	return nil
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func TestUpsertBindingKeepsNextRunOnRuntimeOnlyWrite(t *testing.T) {
	now := time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)
	s := New(newFakeSchedStore(), nil, nil, WithNow(fixedNow(now)))

	td := &models.TaskDefinition{
		ID:               "td-1",
		UserID:           "u1",
		Name:             "poll",
		Kind:             models.TaskKindAgent,
		AgentRef:         "agent-1",
		Trigger:          models.TriggerEmailPoll,
		PollIntervalMins: 5,
		RunMode:          models.RunModeNewThread,
		IsActive:         true,
	}
	if err := s.UpsertBinding(td); err != nil {
		t.Fatalf("UpsertBinding: %v", err)
	}
	first := s.bindings["td-1"].next

	// runtime-only write: same schedule fields, new cursor
	updated := *td
	updated.RuntimeState = json.RawMessage(`{"last_uid":42}`)
	if err := s.UpsertBinding(&updated); err != nil {
		t.Fatalf("UpsertBinding: %v", err)
	}
	if !s.bindings["td-1"].next.Equal(first) {
		t.Fatal("runtime-only write rescheduled the binding")
	}

	// schedule-defining change resyncs
	changed := updated
	changed.PollIntervalMins = 10
	if err := s.UpsertBinding(&changed); err != nil {
		t.Fatalf("UpsertBinding: %v", err)
	}
	if s.bindings["td-1"].next.Equal(first) {
		t.Fatal("interval change did not resync the binding")
	}
}

func TestSyncDropsVanishedBindings(t *testing.T) {
	st := newFakeSchedStore()
	now := time.Date(2026, 8, 1, 1, 0, 0, 0, time.UTC)
	s := New(st, nil, nil, WithNow(fixedNow(now)))

	td := &models.TaskDefinition{
		ID:             "td-1",
		UserID:         "u1",
		Name:           "daily",
		Kind:           models.TaskKindAgent,
		AgentRef:       "agent-1",
		Trigger:        models.TriggerCron,
		CronExpression: "0 9 * * *",
		RunMode:        models.RunModeNewThread,
		IsActive:       true,
	}
	st.defs["td-1"] = td
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := s.bindings["td-1"]; !ok {
		t.Fatal("binding not created")
	}

	td.IsActive = false
	if err := s.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if _, ok := s.bindings["td-1"]; ok {
		t.Fatal("deactivated binding not dropped")
	}
}

func TestMaintenanceRunsChronologicalSweep(t *testing.T) {
	st := newFakeSchedStore()
	nightly := &fakeNightly{}
	now := time.Date(2026, 8, 1, 2, 30, 0, 0, time.UTC)
	s := New(st, nil, nightly, WithNow(fixedNow(now)))

	td := &models.TaskDefinition{
		ID:             "td-m",
		UserID:         "u1",
		Name:           maintenanceDefinitionName,
		Kind:           models.TaskKindMaintenance,
		Trigger:        models.TriggerCron,
		CronExpression: "30 2 * * *",
		IsActive:       true,
	}
	if err := s.runJob(context.Background(), td); err != nil {
		t.Fatalf("runJob: %v", err)
	}
	if len(nightly.calls) != 1 || nightly.calls[0] != "thread-u1|2026-08-01" {
		t.Fatalf("nightly calls = %v", nightly.calls)
	}
}

func TestEnsureMaintenanceDefinitionIsIdempotent(t *testing.T) {
	st := newFakeSchedStore()
	s := New(st, nil, nil)

	if err := s.EnsureMaintenanceDefinition(context.Background(), "u1"); err != nil {
		t.Fatalf("EnsureMaintenanceDefinition: %v", err)
	}
	if len(st.created) != 1 {
		t.Fatalf("created %d definitions, want 1", len(st.created))
	}
	created := st.created[0]
	if created.Kind != models.TaskKindMaintenance || created.Trigger != models.TriggerCron {
		t.Fatalf("unexpected definition %+v", created)
	}
	if err := ValidateMaintenanceCron(created.CronExpression); err != nil {
		t.Fatalf("generated cron invalid: %v", err)
	}

	if err := s.EnsureMaintenanceDefinition(context.Background(), "u1"); err != nil {
		t.Fatalf("EnsureMaintenanceDefinition: %v", err)
	}
	if len(st.created) != 1 {
		t.Fatalf("second ensure created another definition (%d total)", len(st.created))
	}
}
