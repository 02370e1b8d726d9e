// Package ingest is the service layer behind the message-ingest and
// continuous-browsing surfaces (spec §6): it appends a user message to
// the continuous thread, anchors the local day's segment, kicks off the
// follow-up indexing/summarization work, and hands the turn to the Task
// Executor as a pending Task. HTTP framing and authentication live
// outside this module; callers arrive here already resolved to a user.
package ingest

import (
	"context"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nova/internal/novaerr"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/internal/summarizer"
	"github.com/haasonsaas/nova/pkg/models"
)

// backgroundJobTimeout bounds the enqueued follow-up work (indexing,
// previous-day summarization) spawned off the ingest path.
const backgroundJobTimeout = 5 * time.Minute

// DataStore is the persistence surface the ingest path needs.
type DataStore interface {
	GetContinuousThread(ctx context.Context, userID string) (*models.Thread, error)
	AppendMessage(ctx context.Context, m *models.ThreadMessage) error
	EnsureDaySegment(ctx context.Context, userID, threadID, dayLabel, startsAtMessageID string) (*models.DaySegment, bool, error)
	AllDaySegmentsBefore(ctx context.Context, threadID, today string) ([]*models.DaySegment, error)
	ListDaySegments(ctx context.Context, threadID string, q string, offset, limit int) ([]*models.DaySegment, error)
	DaySegmentByLabel(ctx context.Context, threadID, dayLabel string) (*models.DaySegment, error)
	NextDaySegmentStart(ctx context.Context, threadID, dayLabel string) (time.Time, error)
	MessagesFromSegmentStart(ctx context.Context, threadID, startsAtMessageID string, before time.Time) ([]*models.ThreadMessage, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	DefaultAgentForUser(ctx context.Context, userID string) (*models.Agent, error)
	CreateTask(ctx context.Context, t *models.Task) error
}

var _ DataStore = (*store.Store)(nil)

// Indexer is the transcript-indexing hook: called after every append so
// search operates on chunk-sized units.
type Indexer interface {
	IndexSegment(ctx context.Context, daySegmentID string) (int, error)
}

// DaySummarizer schedules summary refreshes; satisfied by
// *summarizer.Summarizer.
type DaySummarizer interface {
	SummarizeDay(ctx context.Context, taskID, threadID, dayLabel string, trigger summarizer.Trigger) error
}

// MaintenanceEnsurer provisions the per-user nightly maintenance
// TaskDefinition on first contact; satisfied by *scheduler.Scheduler.
// Best-effort: failures are logged, never surfaced.
type MaintenanceEnsurer interface {
	EnsureMaintenanceDefinition(ctx context.Context, userID string) error
}

// Service is the continuous-conversation ingest/browsing surface.
type Service struct {
	store       DataStore
	indexer     Indexer
	summarizer  DaySummarizer
	maintenance MaintenanceEnsurer // optional
	loc         *time.Location
	logger      *slog.Logger

	// background runs the enqueued follow-up jobs; tests replace it to
	// run inline.
	background func(name string, job func(ctx context.Context) error)
}

// New builds a Service. loc is the zone day labels are computed in
// (nil means UTC); maintenance may be nil.
func New(ds DataStore, ix Indexer, sum DaySummarizer, maintenance MaintenanceEnsurer, loc *time.Location) *Service {
	if loc == nil {
		loc = time.UTC
	}
	logger := slog.Default().With("component", "ingest")
	s := &Service{
		store:       ds,
		indexer:     ix,
		summarizer:  sum,
		maintenance: maintenance,
		loc:         loc,
		logger:      logger,
	}
	s.background = func(name string, job func(ctx context.Context) error) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), backgroundJobTimeout)
			defer cancel()
			if err := job(ctx); err != nil {
				logger.Warn("background job failed", "job", name, "error", err)
			}
		}()
	}
	return s
}

// PostRequest is one ingested user message. AgentID is optional (the
// user's default agent runs the turn when unset). Transport,
// ExternalMessageID and Channel tag the message's origin and are stored
// under internal_data.source.
type PostRequest struct {
	UserID            string
	Message           string
	AgentID           string
	Transport         string
	ExternalMessageID string
	Channel           string
}

// Receipt mirrors the ingest API's 202 response body.
type Receipt struct {
	Status       string `json:"status"`
	ThreadID     string `json:"thread_id"`
	TaskID       string `json:"task_id"`
	MessageID    string `json:"message_id"`
	DaySegmentID string `json:"day_segment_id"`
	DayLabel     string `json:"day_label"`
	OpenedNewDay bool   `json:"opened_new_day"`
}

// Post appends a user message to the continuous thread and creates the
// pending Task that will answer it (spec §6 ingest, scenario S1).
func (s *Service) Post(ctx context.Context, req PostRequest) (*Receipt, error) {
	if req.Message == "" {
		return nil, novaerr.New(novaerr.CategoryValidation, "message is required")
	}

	agent, err := s.resolveAgent(ctx, req)
	if err != nil {
		return nil, err
	}

	thread, err := s.store.GetContinuousThread(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	msg := &models.ThreadMessage{
		UserID:   req.UserID,
		ThreadID: thread.ID,
		Actor:    models.ActorUser,
		Text:     req.Message,
		Type:     models.MessageTypeStandard,
	}
	if req.Transport != "" || req.ExternalMessageID != "" || req.Channel != "" {
		msg.InternalData = map[string]any{
			"source": map[string]any{
				"channel":             req.Channel,
				"transport":           req.Transport,
				"external_message_id": req.ExternalMessageID,
			},
		}
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	dayLabel := msg.CreatedAt.In(s.loc).Format("2006-01-02")
	seg, openedNewDay, err := s.store.EnsureDaySegment(ctx, req.UserID, thread.ID, dayLabel, msg.ID)
	if err != nil {
		return nil, err
	}

	s.enqueueFollowUps(req.UserID, thread.ID, seg, dayLabel, openedNewDay)

	task := &models.Task{
		UserID:           req.UserID,
		ThreadID:         thread.ID,
		AgentRef:         agent.ID,
		Status:           models.TaskPending,
		Prompt:           req.Message,
		TriggerMessageID: msg.ID,
	}
	if err := s.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	return &Receipt{
		Status:       "accepted",
		ThreadID:     thread.ID,
		TaskID:       task.ID,
		MessageID:    msg.ID,
		DaySegmentID: seg.ID,
		DayLabel:     dayLabel,
		OpenedNewDay: openedNewDay,
	}, nil
}

func (s *Service) resolveAgent(ctx context.Context, req PostRequest) (*models.Agent, error) {
	if req.AgentID != "" {
		agent, err := s.store.GetAgent(ctx, req.AgentID)
		if err != nil || agent.UserID != req.UserID {
			return nil, novaerr.New(novaerr.CategoryValidation, "unknown selected_agent_id")
		}
		return agent, nil
	}
	agent, err := s.store.DefaultAgentForUser(ctx, req.UserID)
	if err != nil {
		return nil, novaerr.Wrap(novaerr.CategoryNotFound, "no agent configured for user", err)
	}
	return agent, nil
}

// enqueueFollowUps schedules the best-effort side work of an append:
// transcript indexing for today's segment, summarization of the
// just-closed previous day when a new day opened, and the per-user
// maintenance definition check. None of these may block or fail the
// ingest path (spec §7 propagation policy).
func (s *Service) enqueueFollowUps(userID, threadID string, seg *models.DaySegment, dayLabel string, openedNewDay bool) {
	if s.indexer != nil {
		segID := seg.ID
		s.background("index-transcript", func(ctx context.Context) error {
			_, err := s.indexer.IndexSegment(ctx, segID)
			return err
		})
	}

	if openedNewDay && s.summarizer != nil {
		s.background("summarize-previous-day", func(ctx context.Context) error {
			previous, err := s.store.AllDaySegmentsBefore(ctx, threadID, dayLabel)
			if err != nil {
				return err
			}
			if len(previous) == 0 {
				return nil
			}
			prev := previous[len(previous)-1]
			return s.summarizer.SummarizeDay(ctx, uuid.NewString(), threadID, prev.DayLabel, summarizer.TriggerHeuristic)
		})
	}

	if s.maintenance != nil {
		s.background("ensure-maintenance-definition", func(ctx context.Context) error {
			return s.maintenance.EnsureMaintenanceDefinition(ctx, userID)
		})
	}
}

// ScheduleManualSummary forces a full summary rebuild of one day
// (spec §6 "trigger manual summary regeneration") and returns the task
// id its progress events are published under.
func (s *Service) ScheduleManualSummary(ctx context.Context, userID, dayLabel string) (string, error) {
	thread, err := s.store.GetContinuousThread(ctx, userID)
	if err != nil {
		return "", err
	}
	if _, err := s.store.DaySegmentByLabel(ctx, thread.ID, dayLabel); err != nil {
		return "", novaerr.Wrap(novaerr.CategoryNotFound, "no such day", err)
	}
	taskID := uuid.NewString()
	threadID := thread.ID
	s.background("manual-summary", func(ctx context.Context) error {
		return s.summarizer.SummarizeDay(ctx, taskID, threadID, dayLabel, summarizer.TriggerManual)
	})
	return taskID, nil
}

var dayQueryPattern = regexp.MustCompile(`^\d{4}(-\d{2}(-\d{2})?)?$`)

// ListDays pages the user's day segments newest-first, with an optional
// label filter matching YYYY, YYYY-MM, or YYYY-MM-DD prefixes. limit is
// clamped to [1, 100].
func (s *Service) ListDays(ctx context.Context, userID, q string, offset, limit int) ([]*models.DaySegment, error) {
	if q != "" && !dayQueryPattern.MatchString(q) {
		return nil, novaerr.New(novaerr.CategoryValidation, "q must be YYYY, YYYY-MM, or YYYY-MM-DD")
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	thread, err := s.store.GetContinuousThread(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.store.ListDaySegments(ctx, thread.ID, q, offset, limit)
}

// GetDay returns one day's segment (summary + metadata).
func (s *Service) GetDay(ctx context.Context, userID, dayLabel string) (*models.DaySegment, error) {
	thread, err := s.store.GetContinuousThread(ctx, userID)
	if err != nil {
		return nil, err
	}
	seg, err := s.store.DaySegmentByLabel(ctx, thread.ID, dayLabel)
	if err != nil {
		return nil, novaerr.Wrap(novaerr.CategoryNotFound, "no such day", err)
	}
	return seg, nil
}

// DayMessages returns every message in a day's half-open window
// [starts_at, next segment's starts_at).
func (s *Service) DayMessages(ctx context.Context, userID, dayLabel string) ([]*models.ThreadMessage, error) {
	thread, err := s.store.GetContinuousThread(ctx, userID)
	if err != nil {
		return nil, err
	}
	seg, err := s.store.DaySegmentByLabel(ctx, thread.ID, dayLabel)
	if err != nil {
		return nil, novaerr.Wrap(novaerr.CategoryNotFound, "no such day", err)
	}
	windowEnd, err := s.store.NextDaySegmentStart(ctx, thread.ID, dayLabel)
	if err != nil {
		return nil, err
	}
	return s.store.MessagesFromSegmentStart(ctx, thread.ID, seg.StartsAtMessageID, windowEnd)
}
