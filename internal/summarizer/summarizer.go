// Package summarizer produces and refreshes Markdown summaries of
// closed conversation days: delta-aware by default, full rebuilds on
// manual request, retried with backoff on transient failure.
package summarizer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nova/internal/backoff"
	"github.com/haasonsaas/nova/internal/bus"
	"github.com/haasonsaas/nova/internal/graph"
	"github.com/haasonsaas/nova/internal/novaerr"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

// Trigger distinguishes why a summarization pass was requested (spec §4.3).
type Trigger string

const (
	// TriggerHeuristic fires on a new-day rollover: summarize the
	// just-closed previous day.
	TriggerHeuristic Trigger = "heuristic"
	// TriggerNightly is the per-user maintenance sweep over every day
	// with day_label < today.
	TriggerNightly Trigger = "nightly"
	// TriggerManual is a forced full refresh of one day, ignoring the
	// delta rule.
	TriggerManual Trigger = "manual"
)

const maxRetryAttempts = 5

// unboundedFetchLimit stands in for "no limit" against the SQL LIMIT
// clause, which treats 0 as "zero rows" rather than unbounded.
const unboundedFetchLimit = 1_000_000

// retryPolicy: 60-second initial delay, doubling up to five minutes,
// with a little jitter so concurrent per-user sweeps spread out.
var retryPolicy = backoff.Policy{Initial: time.Minute, Max: 5 * time.Minute, Factor: 2, Jitter: 0.1}

// DataStore is the narrow persistence surface Summarizer needs.
type DataStore interface {
	DaySegmentByLabel(ctx context.Context, threadID, dayLabel string) (*models.DaySegment, error)
	AllDaySegmentsBefore(ctx context.Context, threadID, today string) ([]*models.DaySegment, error)
	MessagesSince(ctx context.Context, threadID, afterID string, limit int) ([]*models.ThreadMessage, error)
	MessagesFromSegmentStart(ctx context.Context, threadID, startsAtMessageID string, before time.Time) ([]*models.ThreadMessage, error)
	NextDaySegmentStart(ctx context.Context, threadID, dayLabel string) (time.Time, error)
	CreatePendingDaySegmentEmbedding(ctx context.Context, daySegmentID string) error
}

var _ DataStore = (*store.Store)(nil)

// Agent is the narrow surface Summarizer needs to invoke the user's
// default agent for one silent summarization turn.
type Agent interface {
	// Summarize runs one non-interactive agent turn against prompt and
	// returns the raw completion text.
	Summarize(ctx context.Context, prompt string) (string, error)
}

// Summarizer refreshes DaySegment summaries.
type Summarizer struct {
	store  DataStore
	txStore *store.Store // concrete handle for the row-locked transaction path
	agent  Agent
	bus    *bus.Registry
}

func New(s *store.Store, agent Agent, b *bus.Registry) *Summarizer {
	return &Summarizer{store: s, txStore: s, agent: agent, bus: b}
}

// NeedsRefresh implements spec §4.3's predicate: true iff (no summary) OR
// (summary but no boundary pointer) OR (a message exists past the
// boundary).
func (s *Summarizer) NeedsRefresh(ctx context.Context, threadID string, seg *models.DaySegment) (bool, error) {
	if seg.SummaryMarkdown == "" {
		return true, nil
	}
	if seg.SummaryUntilMessage == "" {
		return true, nil
	}
	delta, err := s.store.MessagesSince(ctx, threadID, seg.SummaryUntilMessage, 1)
	if err != nil {
		return false, fmt.Errorf("summarizer: needs-refresh check: %w", err)
	}
	return len(delta) > 0, nil
}

// SummarizeDay refreshes one day's summary under trigger, taskID scoping
// the emitted bus events. Manual mode always does a full rebuild; other
// triggers apply the delta rule.
func (s *Summarizer) SummarizeDay(ctx context.Context, taskID, threadID, dayLabel string, trigger Trigger) error {
	log := slog.Default().With("component", "summarizer", "thread_id", threadID, "day_label", dayLabel, "trigger", trigger)
	emitter := s.bus.EmitterFor(taskID)

	_, err := backoff.Retry(ctx, retryPolicy, maxRetryAttempts, func(attempt int) (struct{}, error) {
		if attempt > 1 {
			log.Warn("retrying day summarization", "attempt", attempt)
		}
		return struct{}{}, s.summarizeOnce(ctx, threadID, dayLabel, trigger, emitter)
	})
	if err != nil {
		emitter.TaskError(ctx, string(novaerr.CategorySummary), err.Error())
		return novaerr.Wrap(novaerr.CategorySummary, "day summarization failed after retries", err)
	}

	if seg, err := s.store.DaySegmentByLabel(ctx, threadID, dayLabel); err == nil {
		emitter.DaySummarized(ctx, seg.ID, seg.DayLabel, seg.UpdatedAt)
	}
	return nil
}

func (s *Summarizer) summarizeOnce(ctx context.Context, threadID, dayLabel string, trigger Trigger, emitter *bus.Emitter) error {
	seg, err := s.store.DaySegmentByLabel(ctx, threadID, dayLabel)
	if err != nil {
		return fmt.Errorf("summarizer: get day segment: %w", err)
	}

	if trigger != TriggerManual {
		needs, err := s.NeedsRefresh(ctx, threadID, seg)
		if err != nil {
			return err
		}
		if !needs {
			return nil
		}
	}

	upperBound, err := s.store.NextDaySegmentStart(ctx, threadID, dayLabel)
	if err != nil {
		return fmt.Errorf("summarizer: next segment start: %w", err)
	}

	var transcript []*models.ThreadMessage
	isDelta := trigger != TriggerManual && seg.SummaryMarkdown != "" && seg.SummaryUntilMessage != ""
	if isDelta {
		transcript, err = s.store.MessagesSince(ctx, threadID, seg.SummaryUntilMessage, unboundedFetchLimit)
	} else {
		transcript, err = s.store.MessagesFromSegmentStart(ctx, threadID, seg.StartsAtMessageID, upperBound)
	}
	if err != nil {
		return fmt.Errorf("summarizer: fetch transcript: %w", err)
	}
	transcript = beforeCutoff(transcript, upperBound)
	if len(transcript) == 0 {
		return nil
	}

	prompt := composePrompt(seg, transcript, isDelta)
	raw, err := s.agent.Summarize(ctx, prompt)
	if err != nil {
		return novaerr.Wrap(novaerr.CategoryAgentFailure, "agent summarization turn failed", err)
	}
	markdown := stripThinking(raw)
	lastID := transcript[len(transcript)-1].ID

	tx, err := s.txStore.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("summarizer: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := s.txStore.LockDaySegmentForUpdate(ctx, tx, seg.ID); err != nil {
		return fmt.Errorf("summarizer: lock day segment: %w", err)
	}
	if err := s.txStore.UpdateDaySegmentSummary(ctx, tx, seg.ID, markdown, lastID); err != nil {
		return fmt.Errorf("summarizer: update summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("summarizer: commit: %w", err)
	}

	if err := s.store.CreatePendingDaySegmentEmbedding(ctx, seg.ID); err != nil {
		return fmt.Errorf("summarizer: schedule embedding: %w", err)
	}
	return nil
}

// SummarizeAllBefore runs the nightly per-user sweep: every day before
// today, oldest first, so each summary can build on the prior day's
// freshly-updated one.
func (s *Summarizer) SummarizeAllBefore(ctx context.Context, taskID, threadID, today string) error {
	segs, err := s.store.AllDaySegmentsBefore(ctx, threadID, today)
	if err != nil {
		return fmt.Errorf("summarizer: all day segments before: %w", err)
	}
	for _, seg := range segs {
		if err := s.SummarizeDay(ctx, taskID, threadID, seg.DayLabel, TriggerNightly); err != nil {
			return err
		}
	}
	return nil
}

// beforeCutoff filters to created_at < cutoff (all, if cutoff is zero).
func beforeCutoff(msgs []*models.ThreadMessage, cutoff time.Time) []*models.ThreadMessage {
	if cutoff.IsZero() {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.CreatedAt.Before(cutoff) {
			out = append(out, m)
		}
	}
	return out
}

func composePrompt(seg *models.DaySegment, transcript []*models.ThreadMessage, isDelta bool) string {
	var b strings.Builder
	if isDelta {
		b.WriteString("You previously summarized this day as:\n\n")
		b.WriteString(seg.SummaryMarkdown)
		b.WriteString("\n\nIncorporate the following new conversation into an updated summary:\n\n")
	} else {
		b.WriteString("Summarize the following conversation from ")
		b.WriteString(seg.DayLabel)
		b.WriteString(" as Markdown:\n\n")
	}
	for _, m := range transcript {
		switch m.Actor {
		case models.ActorUser:
			b.WriteString("User: ")
		case models.ActorAgent:
			b.WriteString("Agent: ")
		default:
			continue
		}
		b.WriteString(m.Text)
		b.WriteByte('\n')
	}
	return b.String()
}

// stripThinking removes the agent's internal <thinking>...</thinking>
// markers from a completion before it is stored as a summary.
func stripThinking(text string) string {
	for {
		start := strings.Index(text, "<thinking>")
		if start == -1 {
			break
		}
		end := strings.Index(text[start:], "</thinking>")
		if end == -1 {
			text = text[:start]
			break
		}
		text = text[:start] + text[start+end+len("</thinking>"):]
	}
	return strings.TrimSpace(text)
}

// ephemeralCheckpointID mints a one-off graph thread id for a
// summarization turn, never reusing the thread's chat checkpoint.
func ephemeralCheckpointID() string {
	return "summary-" + uuid.NewString()
}

// GraphAgent adapts a graph.Runner into the narrow Agent interface
// Summarizer needs, always driving a fresh ephemeral checkpoint so the
// silent summarization turn cannot leak into the user's visible chat
// history.
type GraphAgent struct {
	Runner graph.Runner
}

var _ Agent = (*GraphAgent)(nil)

func (g *GraphAgent) Summarize(ctx context.Context, prompt string) (string, error) {
	checkpointID := ephemeralCheckpointID()
	// deleted on every exit path: a failed summary run must never leak
	// graph state into user chats.
	defer g.Runner.Delete(ctx, checkpointID)
	outcome, err := g.Runner.Invoke(ctx, checkpointID, prompt)
	if err != nil {
		return "", err
	}
	if outcome.Interrupt != nil {
		return "", fmt.Errorf("summarizer: agent unexpectedly suspended during a silent summarization turn")
	}
	return outcome.Result.FinalText, nil
}
