package recall

import (
	"context"
	"errors"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

// GetRequest is conversation_get's parameters. Exactly one anchor shape
// applies, checked in this priority order: DaySegmentID alone; the
// FromMessageID/ToMessageID range; then MessageID as a centered-window
// or directional anchor.
type GetRequest struct {
	ThreadID      string
	DaySegmentID  string
	FromMessageID string
	ToMessageID   string
	MessageID     string
	BeforeID      string // with MessageID, walk backward from it instead of centering
	AfterID       string // with MessageID, walk forward from it instead of centering
	Limit         int    // default 30, clamped [1,30]
}

// GetResult is conversation_get's return value. Exactly one of Summary
// or Messages is populated depending on the request shape.
type GetResult struct {
	DayLabel  string                  `json:"day_label,omitempty"`
	Summary   string                  `json:"summary,omitempty"`
	Messages  []*models.ThreadMessage `json:"messages,omitempty"`
	Truncated bool                    `json:"truncated"`
}

// ErrInvalidRequest reports a malformed GetRequest — callers should
// surface it to the agent as {error: "invalid_request"}, not a thrown
// tool error.
var ErrInvalidRequest = errors.New("recall: invalid request")

// Get implements conversation_get (spec §4.5). Both ErrInvalidRequest
// and store.ErrNotFound are expected outcomes the caller maps to a
// structured {error: ...} tool result rather than a failure.
func (r *Recall) Get(ctx context.Context, req GetRequest) (GetResult, error) {
	req.Limit = clampGetLimit(req.Limit)

	switch {
	case req.DaySegmentID != "":
		return r.getDaySegment(ctx, req)
	case req.FromMessageID != "" && req.ToMessageID != "":
		return r.getRange(ctx, req)
	case req.MessageID != "":
		return r.getAroundAnchor(ctx, req)
	default:
		return GetResult{}, ErrInvalidRequest
	}
}

func clampGetLimit(limit int) int {
	if limit <= 0 {
		return defaultGetLimit
	}
	if limit > maxGetLimit {
		return maxGetLimit
	}
	return limit
}

func (r *Recall) getDaySegment(ctx context.Context, req GetRequest) (GetResult, error) {
	seg, err := r.store.GetDaySegment(ctx, req.DaySegmentID)
	if err != nil {
		return GetResult{}, err
	}
	if seg.ThreadID != req.ThreadID {
		return GetResult{}, ErrInvalidRequest
	}
	return GetResult{DayLabel: seg.DayLabel, Summary: seg.SummaryMarkdown}, nil
}

// getRange returns the inclusive [FromMessageID, ToMessageID] range,
// capped at Limit messages (truncated from the tail).
func (r *Recall) getRange(ctx context.Context, req GetRequest) (GetResult, error) {
	from, err := r.store.GetMessage(ctx, req.FromMessageID)
	if err != nil {
		return GetResult{}, err
	}
	to, err := r.store.GetMessage(ctx, req.ToMessageID)
	if err != nil {
		return GetResult{}, err
	}
	if from.ThreadID != req.ThreadID || to.ThreadID != req.ThreadID {
		return GetResult{}, ErrInvalidRequest
	}
	if to.CreatedAt.Before(from.CreatedAt) {
		return GetResult{}, ErrInvalidRequest
	}

	msgs, err := r.store.MessagesFromSegmentStart(ctx, req.ThreadID, from.ID, to.CreatedAt.Add(time.Nanosecond))
	if err != nil {
		return GetResult{}, err
	}

	if len(msgs) > req.Limit {
		msgs = msgs[:req.Limit]
	}
	// cap-filled semantics: a result that exactly fills the limit is
	// flagged, since the caller cannot tell it apart from a clipped one.
	return GetResult{Messages: msgs, Truncated: len(msgs) >= req.Limit}, nil
}

// getAroundAnchor resolves MessageID plus optional BeforeID/AfterID
// direction override into a window of up to Limit messages.
func (r *Recall) getAroundAnchor(ctx context.Context, req GetRequest) (GetResult, error) {
	anchor, err := r.store.GetMessage(ctx, req.MessageID)
	if err != nil {
		return GetResult{}, err
	}
	if anchor.ThreadID != req.ThreadID {
		return GetResult{}, ErrInvalidRequest
	}

	switch {
	case req.BeforeID != "":
		msgs, err := r.store.MessagesBefore(ctx, req.ThreadID, req.BeforeID, req.Limit)
		if err != nil {
			return GetResult{}, err
		}
		return GetResult{Messages: msgs, Truncated: len(msgs) >= req.Limit}, nil
	case req.AfterID != "":
		msgs, err := r.store.MessagesInWindow(ctx, req.ThreadID, req.AfterID, time.Time{}, req.Limit)
		if err != nil {
			return GetResult{}, err
		}
		return GetResult{Messages: msgs, Truncated: len(msgs) >= req.Limit}, nil
	default:
		return r.getCentered(ctx, req, anchor)
	}
}

// getCentered builds a window of up to Limit messages around anchor:
// up to Limit/2 before, the anchor itself, and whatever budget remains
// after. A shortfall before the anchor widens the after side (the
// anchor sits near the start of a fresh conversation), but an after
// shortfall never widens the before side.
func (r *Recall) getCentered(ctx context.Context, req GetRequest, anchor *models.ThreadMessage) (GetResult, error) {
	half := req.Limit / 2

	var earlier []*models.ThreadMessage
	if half > 0 {
		var err error
		earlier, err = r.store.MessagesBefore(ctx, req.ThreadID, anchor.ID, half)
		if err != nil {
			return GetResult{}, err
		}
	}
	var later []*models.ThreadMessage
	if budget := req.Limit - len(earlier) - 1; budget > 0 {
		var err error
		later, err = r.store.MessagesInWindow(ctx, req.ThreadID, anchor.ID, time.Time{}, budget)
		if err != nil {
			return GetResult{}, err
		}
	}

	msgs := make([]*models.ThreadMessage, 0, len(earlier)+1+len(later))
	msgs = append(msgs, earlier...)
	msgs = append(msgs, anchor)
	msgs = append(msgs, later...)

	return GetResult{Messages: msgs, Truncated: len(msgs) >= req.Limit}, nil
}
