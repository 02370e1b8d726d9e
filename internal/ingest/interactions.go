package ingest

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/nova/internal/bus"
	"github.com/haasonsaas/nova/internal/novaerr"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

// canceledResult is the canonical Task.result for a user-canceled
// interaction.
const canceledResult = "Interaction canceled by user"

// InteractionStore is the persistence surface the answer/cancel
// endpoints need.
type InteractionStore interface {
	GetInteraction(ctx context.Context, id string) (*models.Interaction, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	AnswerInteraction(ctx context.Context, id string, answer []byte) error
	CancelInteraction(ctx context.Context, id string) error
	FinishTask(ctx context.Context, taskID string, status models.TaskStatus, result string) error
	AppendMessage(ctx context.Context, m *models.ThreadMessage) error
}

var _ InteractionStore = (*store.Store)(nil)

// Resumer enqueues the executor's resume path once an answer lands;
// satisfied by the worker pool.
type Resumer interface {
	EnqueueResume(interactionID string)
}

// Interactions implements the answer/cancel endpoints' semantics
// (spec §6): ownership-checked, idempotent on non-pending interactions,
// publishing interaction_update and feeding the resume queue.
type Interactions struct {
	store   InteractionStore
	bus     *bus.Registry
	resumer Resumer
	logger  *slog.Logger
}

// NewInteractions builds the answer/cancel service.
func NewInteractions(st InteractionStore, busRegistry *bus.Registry, resumer Resumer) *Interactions {
	return &Interactions{
		store:   st,
		bus:     busRegistry,
		resumer: resumer,
		logger:  slog.Default().With("component", "interactions"),
	}
}

// Answer records the user's answer on a pending Interaction, validates
// it against the interaction's schema when one was attached, and
// enqueues the task's resume. Answering a non-pending interaction is a
// no-op.
func (s *Interactions) Answer(ctx context.Context, requesterID, interactionID string, answer json.RawMessage) error {
	interaction, task, err := s.load(ctx, requesterID, interactionID)
	if err != nil {
		return err
	}
	if interaction.Status != models.InteractionPending {
		return nil
	}

	if err := validateAnswer(interaction.Schema, answer); err != nil {
		return err
	}

	if err := s.store.AnswerInteraction(ctx, interactionID, answer); err != nil {
		return err
	}

	answerMsg := &models.ThreadMessage{
		UserID:   task.UserID,
		ThreadID: task.ThreadID,
		Actor:    models.ActorUser,
		Text:     answerDisplayText(answer),
		Type:     models.MessageTypeAnswer,
	}
	if err := s.store.AppendMessage(ctx, answerMsg); err != nil {
		s.logger.Warn("append answer message failed", "interaction_id", interactionID, "error", err)
	}

	emitter := s.bus.EmitterFor(task.ID)
	emitter.InteractionResumed(ctx, interactionID, string(models.InteractionAnswered))
	s.resumer.EnqueueResume(interactionID)
	return nil
}

// Cancel terminates a pending Interaction and fails its Task with the
// canonical canceled result. Canceling a non-pending interaction is a
// no-op.
func (s *Interactions) Cancel(ctx context.Context, requesterID, interactionID string) error {
	interaction, task, err := s.load(ctx, requesterID, interactionID)
	if err != nil {
		return err
	}
	if interaction.Status != models.InteractionPending {
		return nil
	}

	if err := s.store.CancelInteraction(ctx, interactionID); err != nil {
		return err
	}
	if err := s.store.FinishTask(ctx, task.ID, models.TaskFailed, canceledResult); err != nil {
		return err
	}

	emitter := s.bus.EmitterFor(task.ID)
	emitter.InteractionResumed(ctx, interactionID, string(models.InteractionCanceled))
	emitter.TaskError(ctx, string(novaerr.CategoryUserCanceled), canceledResult)
	s.bus.Forget(task.ID)
	return nil
}

func (s *Interactions) load(ctx context.Context, requesterID, interactionID string) (*models.Interaction, *models.Task, error) {
	interaction, err := s.store.GetInteraction(ctx, interactionID)
	if err != nil {
		return nil, nil, novaerr.Wrap(novaerr.CategoryNotFound, "interaction", err)
	}
	task, err := s.store.GetTask(ctx, interaction.TaskID)
	if err != nil {
		return nil, nil, novaerr.Wrap(novaerr.CategoryNotFound, "task for interaction", err)
	}
	if task.UserID != requesterID {
		return nil, nil, novaerr.New(novaerr.CategoryAuth, "interaction belongs to another user")
	}
	return interaction, task, nil
}

// validateAnswer checks an answer payload against the interaction's
// JSON schema, if one was attached to the original ask-user interrupt.
func validateAnswer(schema, answer json.RawMessage) error {
	if len(schema) == 0 || string(schema) == "null" || string(schema) == "{}" {
		return nil
	}
	compiled, err := jsonschema.CompileString("interaction-schema.json", string(schema))
	if err != nil {
		// a malformed schema must not strand the task: accept the answer
		// and let the agent sort it out on resume.
		return nil
	}
	var value any
	if err := json.Unmarshal(answer, &value); err != nil {
		return novaerr.New(novaerr.CategoryValidation, "answer is not valid JSON")
	}
	if err := compiled.Validate(value); err != nil {
		return novaerr.Wrap(novaerr.CategoryValidation, "answer does not match the question schema", err)
	}
	return nil
}

// answerDisplayText renders the durable thread record of an answer: a
// JSON string decodes to its contents, anything else stays verbatim.
func answerDisplayText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
