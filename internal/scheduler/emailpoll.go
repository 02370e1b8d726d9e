package scheduler

import (
	"context"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

// Mailbox is the read-only IMAP surface the poll trigger drives. The
// concrete adapter (imap.go) never modifies flags; polling must leave
// the mailbox exactly as it found it.
type Mailbox interface {
	// SelectInbox opens INBOX read-only and returns its UIDVALIDITY.
	SelectInbox(ctx context.Context) (uint32, error)
	// UnseenUIDs lists every UNSEEN uid currently in INBOX.
	UnseenUIDs(ctx context.Context) ([]uint32, error)
	// FetchHeaders fetches envelopes for the given uids.
	FetchHeaders(ctx context.Context, uids []uint32) ([]models.EmailHeader, error)
	Close() error
}

// PollResult is one poll execution's outcome: the headers to hand to
// the agent task and the runtime state to persist for the next run.
type PollResult struct {
	Headers        []models.EmailHeader
	State          models.EmailPollState
	BacklogSkipped bool
}

// PollOnce runs the email-poll state machine for one execution
// (spec §4.7):
//
//   - a UIDVALIDITY change resets the uid cursor to 0 (mailbox rebuilt);
//   - a gap longer than 2x the poll interval skips the backlog, advancing
//     the cursor past every current UNSEEN uid without returning headers;
//   - otherwise UNSEEN uids strictly above the cursor are fetched.
//
// The first run (state.Initialized false) processes existing unseen mail
// by design and is never backlog-skipped.
func PollOnce(ctx context.Context, mb Mailbox, state models.EmailPollState, intervalMinutes int, now time.Time) (PollResult, error) {
	uidValidity, err := mb.SelectInbox(ctx)
	if err != nil {
		return PollResult{State: state}, err
	}

	cursor := state.LastUID
	if state.Initialized && state.UIDValidity != uidValidity {
		cursor = 0
	}

	next := models.EmailPollState{
		LastUID:          cursor,
		UIDValidity:      uidValidity,
		LastPollAt:       now,
		Initialized:      true,
		BacklogSkippedAt: state.BacklogSkippedAt,
	}

	gap := time.Duration(2*intervalMinutes) * time.Minute
	if state.Initialized && !state.LastPollAt.IsZero() && now.Sub(state.LastPollAt) > gap {
		unseen, err := mb.UnseenUIDs(ctx)
		if err != nil {
			return PollResult{State: state}, err
		}
		if max := maxUID(unseen); max > next.LastUID {
			next.LastUID = max
		}
		skippedAt := now
		next.BacklogSkippedAt = &skippedAt
		return PollResult{State: next, BacklogSkipped: true}, nil
	}

	unseen, err := mb.UnseenUIDs(ctx)
	if err != nil {
		return PollResult{State: state}, err
	}
	fresh := make([]uint32, 0, len(unseen))
	for _, uid := range unseen {
		if uid > cursor {
			fresh = append(fresh, uid)
		}
	}
	if len(fresh) == 0 {
		return PollResult{State: next}, nil
	}

	headers, err := mb.FetchHeaders(ctx, fresh)
	if err != nil {
		return PollResult{State: state}, err
	}
	next.LastUID = maxUID(fresh)
	return PollResult{Headers: headers, State: next}, nil
}

func maxUID(uids []uint32) uint32 {
	var max uint32
	for _, u := range uids {
		if u > max {
			max = u
		}
	}
	return max
}
