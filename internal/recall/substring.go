package recall

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/nova/internal/store"
)

// substringCandidates implements the fallback path for deployments
// without a Postgres FTS/cosine-capable store: a case-insensitive
// substring match over summaries then chunks, scoreless beyond match
// presence, still producing a locally-anchored snippet.
func (r *Recall) substringCandidates(ctx context.Context, req SearchRequest, cutoffDayLabel string) ([]candidate, error) {
	needle := strings.ToLower(req.Query)
	var candidates []candidate

	segs, err := r.scopedDaySegments(ctx, req, cutoffDayLabel)
	if err != nil {
		return nil, fmt.Errorf("recall: list day segments: %w", err)
	}
	for _, seg := range segs {
		if seg.SummaryMarkdown == "" {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(seg.SummaryMarkdown), needle) {
			continue
		}
		candidates = append(candidates, candidate{
			kind: "summary", id: seg.ID, dayLabel: seg.DayLabel, text: seg.SummaryMarkdown,
			score: kindWeight("summary"),
			snippet: buildSnippet(seg.SummaryMarkdown, req.Query),
		})

		chunks, err := r.store.ChunksForSegment(ctx, seg.ID)
		if err != nil {
			return nil, fmt.Errorf("recall: chunks for segment: %w", err)
		}
		for _, c := range chunks {
			if needle != "" && !strings.Contains(strings.ToLower(c.ContentText), needle) {
				continue
			}
			candidates = append(candidates, candidate{
				kind: "chunk", id: c.ID, dayLabel: seg.DayLabel, text: c.ContentText,
				score: kindWeight("chunk"),
				snippet: buildSnippet(c.ContentText, req.Query),
			})
		}
	}
	return candidates, nil
}

func (r *Recall) scopedDaySegments(ctx context.Context, req SearchRequest, cutoffDayLabel string) ([]*daySegmentScope, error) {
	if req.Day != "" {
		seg, err := r.store.DaySegmentByLabel(ctx, req.ThreadID, req.Day)
		if err != nil {
			if err == store.ErrNotFound {
				return nil, nil
			}
			return nil, err
		}
		return []*daySegmentScope{{ID: seg.ID, DayLabel: seg.DayLabel, SummaryMarkdown: seg.SummaryMarkdown}}, nil
	}

	// ListDaySegments pages most-recent-first; walk pages until we drop
	// below the recency cutoff or run out.
	const pageSize = 100
	var out []*daySegmentScope
	for offset := 0; ; offset += pageSize {
		page, err := r.store.ListDaySegments(ctx, req.ThreadID, "", offset, pageSize)
		if err != nil {
			return nil, err
		}
		if len(page) == 0 {
			break
		}
		stop := false
		for _, seg := range page {
			if seg.DayLabel < cutoffDayLabel {
				stop = true
				break
			}
			out = append(out, &daySegmentScope{ID: seg.ID, DayLabel: seg.DayLabel, SummaryMarkdown: seg.SummaryMarkdown})
		}
		if stop || len(page) < pageSize {
			break
		}
	}
	return out, nil
}

// daySegmentScope is the minimal projection substringCandidates needs,
// avoiding a dependency on the full models.DaySegment shape here.
type daySegmentScope struct {
	ID              string
	DayLabel        string
	SummaryMarkdown string
}
