package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/nova/pkg/models"
)

// EnsureDaySegment returns the (thread, day_label) segment, creating it if
// this is the first message of that local day. The unique constraint on
// (thread_id, day_label) plus a retry-on-conflict read makes this safe
// under concurrent appenders (invariant: per-(thread, day) creation is
// idempotent).
func (s *Store) EnsureDaySegment(ctx context.Context, userID, threadID, dayLabel, startsAtMessageID string) (seg *models.DaySegment, created bool, err error) {
	seg, err = s.scanDaySegmentRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, day_label, starts_at_message_id, summary_markdown, summary_until_message_id, created_at, updated_at
		FROM day_segments WHERE thread_id = $1 AND day_label = $2
	`, threadID, dayLabel))
	if err == nil {
		return seg, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	now := time.Now()
	fresh := &models.DaySegment{
		ID:                newID(),
		UserID:            userID,
		ThreadID:          threadID,
		DayLabel:          dayLabel,
		StartsAtMessageID: startsAtMessageID,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO day_segments (id, user_id, thread_id, day_label, starts_at_message_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (thread_id, day_label) DO NOTHING
	`, fresh.ID, fresh.UserID, fresh.ThreadID, fresh.DayLabel, fresh.StartsAtMessageID, fresh.CreatedAt, fresh.UpdatedAt)
	if err != nil {
		return nil, false, fmt.Errorf("ensure day segment: %w", err)
	}
	reread, err := s.scanDaySegmentRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, day_label, starts_at_message_id, summary_markdown, summary_until_message_id, created_at, updated_at
		FROM day_segments WHERE thread_id = $1 AND day_label = $2
	`, threadID, dayLabel))
	if err != nil {
		return nil, false, err
	}
	return reread, reread.ID == fresh.ID, nil
}

// PreviousDaySegments returns up to limit segments with day_label < today
// that carry a non-empty summary, most recent first — the Continuous
// Context Builder's "previous summaries" source.
func (s *Store) PreviousDaySegments(ctx context.Context, threadID, today string, limit int) ([]*models.DaySegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thread_id, day_label, starts_at_message_id, summary_markdown, summary_until_message_id, created_at, updated_at
		FROM day_segments
		WHERE thread_id = $1 AND day_label < $2 AND summary_markdown IS NOT NULL AND summary_markdown <> ''
		ORDER BY day_label DESC
		LIMIT $3
	`, threadID, today, limit)
	if err != nil {
		return nil, fmt.Errorf("previous day segments: %w", err)
	}
	return s.scanDaySegmentRows(rows)
}

// DaySegmentByLabel returns the segment for a specific day, or ErrNotFound.
func (s *Store) DaySegmentByLabel(ctx context.Context, threadID, dayLabel string) (*models.DaySegment, error) {
	return s.scanDaySegmentRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, day_label, starts_at_message_id, summary_markdown, summary_until_message_id, created_at, updated_at
		FROM day_segments WHERE thread_id = $1 AND day_label = $2
	`, threadID, dayLabel))
}

// GetDaySegment looks up a segment by id.
func (s *Store) GetDaySegment(ctx context.Context, id string) (*models.DaySegment, error) {
	return s.scanDaySegmentRow(s.db.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, day_label, starts_at_message_id, summary_markdown, summary_until_message_id, created_at, updated_at
		FROM day_segments WHERE id = $1
	`, id))
}

// NextDaySegmentStart returns the starts_at timestamp of the segment
// immediately following dayLabel in a thread, or the zero time if this is
// the most recent segment — the upper bound of a day's half-open window.
func (s *Store) NextDaySegmentStart(ctx context.Context, threadID, dayLabel string) (time.Time, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tm.created_at
		FROM day_segments ds
		JOIN thread_messages tm ON tm.id = ds.starts_at_message_id
		WHERE ds.thread_id = $1 AND ds.day_label > $2
		ORDER BY ds.day_label ASC
		LIMIT 1
	`, threadID, dayLabel)
	var t time.Time
	if err := row.Scan(&t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("next day segment start: %w", err)
	}
	return t, nil
}

// AllDaySegmentsBefore lists every segment with day_label < today, ordered
// chronologically ascending — the nightly summarizer's per-user work list.
func (s *Store) AllDaySegmentsBefore(ctx context.Context, threadID, today string) ([]*models.DaySegment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, thread_id, day_label, starts_at_message_id, summary_markdown, summary_until_message_id, created_at, updated_at
		FROM day_segments
		WHERE thread_id = $1 AND day_label < $2
		ORDER BY day_label ASC
	`, threadID, today)
	if err != nil {
		return nil, fmt.Errorf("all day segments before: %w", err)
	}
	return s.scanDaySegmentRows(rows)
}

// ListDaySegments pages every segment for a thread, most recent first, for
// the continuous-browsing day list; q, when non-empty, is matched as a
// prefix against day_label (YYYY, YYYY-MM, or YYYY-MM-DD).
func (s *Store) ListDaySegments(ctx context.Context, threadID string, q string, offset, limit int) ([]*models.DaySegment, error) {
	var rows *sql.Rows
	var err error
	if q != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, thread_id, day_label, starts_at_message_id, summary_markdown, summary_until_message_id, created_at, updated_at
			FROM day_segments
			WHERE thread_id = $1 AND day_label LIKE $2 || '%'
			ORDER BY day_label DESC
			OFFSET $3 LIMIT $4
		`, threadID, q, offset, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, user_id, thread_id, day_label, starts_at_message_id, summary_markdown, summary_until_message_id, created_at, updated_at
			FROM day_segments
			WHERE thread_id = $1
			ORDER BY day_label DESC
			OFFSET $2 LIMIT $3
		`, threadID, offset, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list day segments: %w", err)
	}
	return s.scanDaySegmentRows(rows)
}

// LockDaySegmentForUpdate takes a row lock on a segment inside tx, the
// Day Summarizer's guard against concurrent summary writers for the same
// day.
func (s *Store) LockDaySegmentForUpdate(ctx context.Context, tx *sql.Tx, id string) (*models.DaySegment, error) {
	return s.scanDaySegmentRow(tx.QueryRowContext(ctx, `
		SELECT id, user_id, thread_id, day_label, starts_at_message_id, summary_markdown, summary_until_message_id, created_at, updated_at
		FROM day_segments WHERE id = $1 FOR UPDATE
	`, id))
}

// UpdateDaySegmentSummary writes a refreshed summary and its boundary
// pointer on tx, the transaction that holds the row lock. The segment's
// embedding row is not reset here: the summarizer resets it to pending
// after that transaction commits, in a separate statement.
func (s *Store) UpdateDaySegmentSummary(ctx context.Context, tx *sql.Tx, id, markdown, untilMessageID string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE day_segments
		SET summary_markdown = $2, summary_until_message_id = $3, updated_at = now()
		WHERE id = $1
	`, id, markdown, untilMessageID)
	if err != nil {
		return fmt.Errorf("update day segment summary: %w", err)
	}
	return nil
}

// BeginTx exposes a bare transaction for callers (the summarizer) that
// need to coordinate a row lock with other writes.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) scanDaySegmentRows(rows *sql.Rows) ([]*models.DaySegment, error) {
	defer rows.Close()
	var out []*models.DaySegment
	for rows.Next() {
		seg, err := scanDaySegment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDaySegment(row rowScanner) (*models.DaySegment, error) {
	var d models.DaySegment
	var summary, until sql.NullString
	if err := row.Scan(&d.ID, &d.UserID, &d.ThreadID, &d.DayLabel, &d.StartsAtMessageID,
		&summary, &until, &d.CreatedAt, &d.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan day segment: %w", err)
	}
	d.SummaryMarkdown = summary.String
	d.SummaryUntilMessage = until.String
	return &d, nil
}

func (s *Store) scanDaySegmentRow(row *sql.Row) (*models.DaySegment, error) {
	return scanDaySegment(row)
}
