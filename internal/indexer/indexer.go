// Package indexer maintains TranscriptChunks: append-only, overlapping
// excerpts of a DaySegment's messages sized for retrieval, using a
// char-budget heuristic in place of a real tokenizer.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

// targetTokenEstimate is the chunk size goal, chars/4 heuristic (spec
// §4.4 step 3): ~600 tokens.
const targetTokenEstimate = 600

// overlapTokenEstimate is how far the cursor rewinds between chunks so
// adjacent chunks share content (spec §4.4 step 5): ~100 tokens.
const overlapTokenEstimate = 100

// maxLineChars hard-trims any single normalized message line.
const maxLineChars = 4000

// charsPerToken is the token-estimate heuristic shared across the
// codebase (chars/4); provider-reported usage, when present, is
// canonical.
const charsPerToken = 4

// DataStore is the narrow persistence surface Indexer needs.
type DataStore interface {
	LastChunkForSegment(ctx context.Context, daySegmentID string) (*models.TranscriptChunk, error)
	UpsertChunk(ctx context.Context, c *models.TranscriptChunk) (changed bool, err error)
	CreatePendingChunkEmbedding(ctx context.Context, chunkID string) error
	MessagesFromSegmentStart(ctx context.Context, threadID, startsAtMessageID string, before time.Time) ([]*models.ThreadMessage, error)
	GetDaySegment(ctx context.Context, id string) (*models.DaySegment, error)
}

var _ DataStore = (*store.Store)(nil)

// Indexer builds/refreshes TranscriptChunks for a DaySegment.
type Indexer struct {
	store DataStore
}

func New(s DataStore) *Indexer {
	return &Indexer{store: s}
}

// line is one normalized, actor-prefixed, length-capped message line.
type line struct {
	messageID string
	text      string
}

// IndexSegment (re)builds chunks covering every message in daySegmentID
// that arrived since the last indexed chunk, returning how many chunks
// were created or updated.
func (ix *Indexer) IndexSegment(ctx context.Context, daySegmentID string) (int, error) {
	log := slog.Default().With("component", "indexer", "day_segment_id", daySegmentID)

	seg, err := ix.store.GetDaySegment(ctx, daySegmentID)
	if err != nil {
		return 0, fmt.Errorf("indexer: get day segment: %w", err)
	}

	last, err := ix.store.LastChunkForSegment(ctx, daySegmentID)
	if err != nil {
		return 0, fmt.Errorf("indexer: last chunk: %w", err)
	}

	startMessageID := seg.StartsAtMessageID
	if last != nil {
		startMessageID = last.EndMessageID
	}

	msgs, err := ix.store.MessagesFromSegmentStart(ctx, seg.ThreadID, startMessageID, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("indexer: messages from segment start: %w", err)
	}
	// MessagesFromSegmentStart is inclusive of startMessageID; when
	// resuming from a prior chunk's end, that message is already chunked.
	if last != nil && len(msgs) > 0 && msgs[0].ID == startMessageID {
		msgs = msgs[1:]
	}

	lines := normalize(msgs)
	if len(lines) == 0 {
		return 0, nil
	}

	written := 0
	cursor := 0
	for cursor < len(lines) {
		end := cursor
		tokens := 0
		for end < len(lines) {
			lineTokens := len(lines[end].text) / charsPerToken
			if tokens > 0 && tokens+lineTokens > targetTokenEstimate {
				break
			}
			tokens += lineTokens
			end++
		}
		if end == cursor {
			end = cursor + 1 // always make progress even on an oversized single line
		}

		chunkLines := lines[cursor:end]
		content := joinLines(chunkLines)
		c := &models.TranscriptChunk{
			UserID:         seg.UserID,
			ThreadID:       seg.ThreadID,
			DaySegmentID:   seg.ID,
			StartMessageID: chunkLines[0].messageID,
			EndMessageID:   chunkLines[len(chunkLines)-1].messageID,
			ContentText:    content,
			ContentHash:    contentHash(chunkLines[0].messageID, chunkLines[len(chunkLines)-1].messageID, content),
			TokenEstimate:  len(content) / charsPerToken,
		}
		changed, err := ix.store.UpsertChunk(ctx, c)
		if err != nil {
			return written, fmt.Errorf("indexer: upsert chunk: %w", err)
		}
		if changed {
			written++
			if err := ix.store.CreatePendingChunkEmbedding(ctx, c.ID); err != nil {
				return written, fmt.Errorf("indexer: schedule chunk embedding: %w", err)
			}
			log.Debug("chunk indexed", "chunk_id", c.ID, "tokens", c.TokenEstimate)
		}

		if end >= len(lines) {
			break
		}
		// Rewind the cursor by ~100 tokens worth of lines for overlap.
		rewindTokens := 0
		rewindTo := end
		for rewindTo > cursor {
			rewindTo--
			rewindTokens += len(lines[rewindTo].text) / charsPerToken
			if rewindTokens >= overlapTokenEstimate {
				break
			}
		}
		if rewindTo <= cursor {
			rewindTo = end // no room to overlap without looping forever
		}
		cursor = rewindTo
	}

	return written, nil
}

// normalize filters to user/agent messages, prefixes them, and
// hard-trims each line.
func normalize(msgs []*models.ThreadMessage) []line {
	out := make([]line, 0, len(msgs))
	for _, m := range msgs {
		var prefix string
		switch m.Actor {
		case models.ActorUser:
			prefix = "User: "
		case models.ActorAgent:
			prefix = "Agent: "
		default:
			continue
		}
		text := prefix + m.Text
		if len(text) > maxLineChars {
			text = text[:maxLineChars]
		}
		out = append(out, line{messageID: m.ID, text: text})
	}
	return out
}

func joinLines(lines []line) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = l.text
	}
	return strings.Join(parts, "\n")
}

func contentHash(startID, endID, content string) string {
	sum := sha256.Sum256([]byte(startID + "|" + endID + "|" + content))
	return hex.EncodeToString(sum[:])
}
