package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

type fakeMailbox struct {
	uidValidity uint32
	unseen      []uint32
	fetched     [][]uint32
}

func (f *fakeMailbox) SelectInbox(context.Context) (uint32, error) { return f.uidValidity, nil }

func (f *fakeMailbox) UnseenUIDs(context.Context) ([]uint32, error) { return f.unseen, nil }

func (f *fakeMailbox) FetchHeaders(_ context.Context, uids []uint32) ([]models.EmailHeader, error) {
	f.fetched = append(f.fetched, uids)
	out := make([]models.EmailHeader, len(uids))
	for i, uid := range uids {
		out[i] = models.EmailHeader{UID: uid, From: "sender@example.com", Subject: "hello"}
	}
	return out, nil
}

func (f *fakeMailbox) Close() error { return nil }

func TestPollFirstRunProcessesExistingUnseen(t *testing.T) {
	mb := &fakeMailbox{uidValidity: 7, unseen: []uint32{3, 5, 9}}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	result, err := PollOnce(context.Background(), mb, models.EmailPollState{}, 5, now)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(result.Headers) != 3 {
		t.Fatalf("got %d headers, want 3", len(result.Headers))
	}
	if result.State.LastUID != 9 {
		t.Fatalf("cursor = %d, want 9", result.State.LastUID)
	}
	if result.State.UIDValidity != 7 || !result.State.Initialized {
		t.Fatalf("state not initialized: %+v", result.State)
	}
	if result.State.LastPollAt != now {
		t.Fatalf("last_poll_at = %v, want %v", result.State.LastPollAt, now)
	}
}

func TestPollOnlyFetchesAboveCursor(t *testing.T) {
	mb := &fakeMailbox{uidValidity: 7, unseen: []uint32{3, 5, 9, 12}}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	state := models.EmailPollState{
		LastUID:     9,
		UIDValidity: 7,
		LastPollAt:  now.Add(-5 * time.Minute),
		Initialized: true,
	}

	result, err := PollOnce(context.Background(), mb, state, 5, now)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(result.Headers) != 1 || result.Headers[0].UID != 12 {
		t.Fatalf("headers = %+v, want only uid 12", result.Headers)
	}
	if result.State.LastUID != 12 {
		t.Fatalf("cursor = %d, want 12", result.State.LastUID)
	}
}

func TestPollUIDValidityChangeResetsCursor(t *testing.T) {
	mb := &fakeMailbox{uidValidity: 8, unseen: []uint32{2, 4}}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	state := models.EmailPollState{
		LastUID:     900,
		UIDValidity: 7, // mailbox rebuilt since
		LastPollAt:  now.Add(-5 * time.Minute),
		Initialized: true,
	}

	result, err := PollOnce(context.Background(), mb, state, 5, now)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if len(result.Headers) != 2 {
		t.Fatalf("got %d headers, want 2 (cursor reset to 0)", len(result.Headers))
	}
	if result.State.LastUID != 4 || result.State.UIDValidity != 8 {
		t.Fatalf("state = %+v", result.State)
	}
}

func TestPollBacklogSkipAfterDowntime(t *testing.T) {
	mb := &fakeMailbox{uidValidity: 7, unseen: []uint32{10, 11, 12, 30}}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	state := models.EmailPollState{
		LastUID:     5,
		UIDValidity: 7,
		LastPollAt:  now.Add(-30 * time.Minute), // interval 5 => gap threshold 10m
		Initialized: true,
	}

	result, err := PollOnce(context.Background(), mb, state, 5, now)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if !result.BacklogSkipped {
		t.Fatal("expected backlog skip")
	}
	if len(result.Headers) != 0 {
		t.Fatalf("got %d headers, want 0", len(result.Headers))
	}
	if result.State.LastUID != 30 {
		t.Fatalf("cursor = %d, want 30 (max unseen)", result.State.LastUID)
	}
	if result.State.BacklogSkippedAt == nil || !result.State.BacklogSkippedAt.Equal(now) {
		t.Fatalf("backlog_skipped_at = %v, want %v", result.State.BacklogSkippedAt, now)
	}
	if len(mb.fetched) != 0 {
		t.Fatal("backlog skip must not fetch envelopes")
	}
}

func TestPollNeverSkipsBacklogOnFirstRun(t *testing.T) {
	mb := &fakeMailbox{uidValidity: 7, unseen: []uint32{1, 2}}
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

	result, err := PollOnce(context.Background(), mb, models.EmailPollState{}, 1, now)
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if result.BacklogSkipped {
		t.Fatal("first run must process existing unseen, not skip")
	}
	if len(result.Headers) != 2 {
		t.Fatalf("got %d headers, want 2", len(result.Headers))
	}
}
