// Package contextbuilder computes what a continuous thread's agent
// checkpoint should remember and decides when that checkpoint needs a
// rebuild, scoped to a single (user, thread) pair rather than a full
// retrieval index.
package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/nova/internal/graph"
	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

// summaryCharBudget approximates the 4000-token previous-summary budget
// as chars/4, matching the rest of the codebase's token-estimate
// convention (see internal/indexer).
const summaryCharBudget = 4000 * 4

// maxPreviousSummaries bounds how many prior-day summaries feed the
// window (spec: "up to two most recent").
const maxPreviousSummaries = 2

// perMessageCharCap hard-trims any single message folded into the
// window, so one runaway turn cannot blow the context budget.
const perMessageCharCap = 2500

// unboundedWindowLimit stands in for "no limit" against the SQL LIMIT
// clause, which treats 0 as "zero rows" rather than unbounded.
const unboundedWindowLimit = 1_000_000

const truncationNotice = "Earlier days' summaries were truncated to fit the context budget. " +
	"If you need detail that may have been cut, call conversation_search followed by " +
	"conversation_get rather than assuming it is missing."

// DataStore is the narrow persistence surface Builder needs; *store.Store
// satisfies it structurally, and tests substitute an in-memory fake.
type DataStore interface {
	PreviousDaySegments(ctx context.Context, threadID, today string, limit int) ([]*models.DaySegment, error)
	DaySegmentByLabel(ctx context.Context, threadID, dayLabel string) (*models.DaySegment, error)
	NextDaySegmentStart(ctx context.Context, threadID, dayLabel string) (time.Time, error)
	MessagesFromSegmentStart(ctx context.Context, threadID, startsAtMessageID string, before time.Time) ([]*models.ThreadMessage, error)
	MessagesSince(ctx context.Context, threadID, afterID string, limit int) ([]*models.ThreadMessage, error)
	GetMessage(ctx context.Context, id string) (*models.ThreadMessage, error)
	GetOrCreateCheckpointLink(ctx context.Context, threadID, agentRef string) (*models.CheckpointLink, error)
	UpdateContinuousContextFingerprint(ctx context.Context, linkID, fingerprint string) error
}

var _ DataStore = (*store.Store)(nil)

// Builder computes the continuous-context message list for a thread and
// keeps a thread's CheckpointLink's graph state in sync with it.
type Builder struct {
	store DataStore
	runner graph.Runner
	// Location is the time zone "today" is computed in; defaults to UTC.
	Location *time.Location
}

func New(s DataStore, runner graph.Runner) *Builder {
	return &Builder{store: s, runner: runner, Location: time.UTC}
}

// Result reports what Build produced and whether the checkpoint was
// rebuilt.
type Result struct {
	Messages    []graph.Message
	Fingerprint string
	Truncated   bool
	Rebuilt     bool
	LinkID      string
}

// Build computes the continuous-context message list for (user, thread)
// under agentRef, rebuilding the thread's checkpoint state if the
// computed fingerprint differs from the one last persisted.
// excludeMessageID, when set, omits that message from today's window
// (the executor's own triggering turn, already passed as the prompt).
func (b *Builder) Build(ctx context.Context, threadID, agentRef string, excludeMessageID string, now time.Time) (Result, error) {
	log := slog.Default().With("component", "contextbuilder", "thread_id", threadID)

	link, err := b.store.GetOrCreateCheckpointLink(ctx, threadID, agentRef)
	if err != nil {
		return Result{}, fmt.Errorf("contextbuilder: checkpoint link: %w", err)
	}

	today := now.In(b.Location).Format("2006-01-02")

	prevSegs, err := b.store.PreviousDaySegments(ctx, threadID, today, maxPreviousSummaries)
	if err != nil {
		return Result{}, fmt.Errorf("contextbuilder: previous day segments: %w", err)
	}
	summaries, truncated := trimSummaries(prevSegs)

	messages := make([]graph.Message, 0, len(summaries)+1+8)
	for _, s := range summaries {
		messages = append(messages, graph.Message{
			Role:    graph.RoleSystem,
			Content: fmt.Sprintf("Summary of %s:\n%s", s.seg.DayLabel, s.text),
			Summary: true,
		})
	}
	if truncated {
		messages = append(messages, graph.Message{Role: graph.RoleSystem, Content: truncationNotice})
	}

	todaySeg, err := b.store.DaySegmentByLabel(ctx, threadID, today)
	var windowBound string // fingerprint input: summary boundary id, if any
	var lastIncludedID string
	var todayUpdatedAt time.Time
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Result{}, fmt.Errorf("contextbuilder: today segment: %w", err)
	}
	if todaySeg != nil {
		todayUpdatedAt = todaySeg.UpdatedAt
		upperBound, err := b.store.NextDaySegmentStart(ctx, threadID, today)
		if err != nil {
			return Result{}, fmt.Errorf("contextbuilder: next segment start: %w", err)
		}

		var windowMsgs []*models.ThreadMessage
		if todaySeg.SummaryMarkdown != "" && todaySeg.SummaryUntilMessage != "" {
			messages = append(messages, graph.Message{
				Role:    graph.RoleSystem,
				Content: fmt.Sprintf("Summary of %s (partial, up to date):\n%s", todaySeg.DayLabel, todaySeg.SummaryMarkdown),
				Summary: true,
			})
			windowBound = todaySeg.SummaryUntilMessage
			windowMsgs, err = b.store.MessagesSince(ctx, threadID, windowBound, unboundedWindowLimit)
			if err != nil {
				return Result{}, fmt.Errorf("contextbuilder: messages since boundary: %w", err)
			}
			windowMsgs = beforeCutoff(windowMsgs, upperBound)
		} else {
			windowMsgs, err = b.store.MessagesFromSegmentStart(ctx, threadID, todaySeg.StartsAtMessageID, upperBound)
			if err != nil {
				return Result{}, fmt.Errorf("contextbuilder: messages from segment start: %w", err)
			}
		}

		for _, m := range windowMsgs {
			if m.ID == excludeMessageID {
				continue
			}
			gm, ok := toGraphMessage(m)
			if !ok {
				continue
			}
			messages = append(messages, gm)
			lastIncludedID = m.ID
		}
	}

	fingerprint := computeFingerprint(fingerprintInput{
		today:          today,
		summaries:      summaries,
		truncated:      truncated,
		budget:         summaryCharBudget,
		todayUpdatedAt: todayUpdatedAt,
		windowBound:    windowBound,
		lastIncludedID: lastIncludedID,
	})

	result := Result{Messages: messages, Fingerprint: fingerprint, Truncated: truncated, LinkID: link.ID}

	if link.ContinuousContextFingerprint == fingerprint {
		return result, nil
	}

	log.Info("rebuilding continuous context", "old_fingerprint", link.ContinuousContextFingerprint, "new_fingerprint", fingerprint)
	if err := b.runner.Delete(ctx, link.ID); err != nil {
		return Result{}, fmt.Errorf("contextbuilder: delete stale checkpoint: %w", err)
	}
	if err := b.runner.UpdateState(ctx, link.ID, graph.State{Messages: messages}); err != nil {
		return Result{}, fmt.Errorf("contextbuilder: write fresh state: %w", err)
	}
	if err := b.store.UpdateContinuousContextFingerprint(ctx, link.ID, fingerprint); err != nil {
		return Result{}, fmt.Errorf("contextbuilder: persist fingerprint: %w", err)
	}
	result.Rebuilt = true
	return result, nil
}

type trimmedSummary struct {
	seg  *models.DaySegment
	text string
}

// trimSummaries enforces the shared summaryCharBudget across up to two
// previous-day summaries, word-granular, prioritizing day-1 (segs[0],
// the most recent) over day-2.
func trimSummaries(segs []*models.DaySegment) ([]trimmedSummary, bool) {
	out := make([]trimmedSummary, len(segs))
	for i, s := range segs {
		out[i] = trimmedSummary{seg: s, text: s.SummaryMarkdown}
	}
	budget := summaryCharBudget
	truncated := false
	for i := range out {
		text := out[i].text
		if len(text) <= budget {
			budget -= len(text)
			continue
		}
		out[i].text = truncateWords(text, budget)
		truncated = true
		budget = 0
	}
	return out, truncated
}

// truncateWords trims text to at most n chars on a word boundary.
func truncateWords(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	cut := text[:n]
	if idx := strings.LastIndexAny(cut, " \n\t"); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut)
}

// beforeCutoff filters a message slice to created_at < cutoff (or all,
// if cutoff is the zero time) — used on the summary-boundary branch,
// where MessagesSince already applied the lower bound but not the
// next-segment upper bound.
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

// toGraphMessage maps a ThreadMessage to the graph's role vocabulary,
// dropping system-actor messages and hard-capping length.
func toGraphMessage(m *models.ThreadMessage) (graph.Message, bool) {
	var role graph.Role
	switch m.Actor {
	case models.ActorUser:
		role = graph.RoleHuman
	case models.ActorAgent:
		role = graph.RoleAI
	default:
		return graph.Message{}, false
	}
	text := m.Text
	if len(text) > perMessageCharCap {
		text = text[:perMessageCharCap]
	}
	return graph.Message{Role: role, Content: text}, true
}
