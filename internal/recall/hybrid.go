package recall

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/haasonsaas/nova/internal/store"
	"github.com/haasonsaas/nova/pkg/models"
)

// hybridCandidates implements the PostgreSQL path: FTS plus semantic
// candidates from each of {summary, chunk}, normalized and blended.
func (r *Recall) hybridCandidates(ctx context.Context, req SearchRequest, queryVec []float32, cutoffDayLabel string) ([]candidate, error) {
	now := time.Now()

	summaryFTS, err := r.fts.SummaryFTSCandidates(ctx, req.ThreadID, req.Query, candidateTopK)
	if err != nil {
		return nil, fmt.Errorf("recall: summary fts: %w", err)
	}
	chunkFTS, err := r.fts.ChunkFTSCandidates(ctx, req.ThreadID, req.Query, candidateTopK)
	if err != nil {
		return nil, fmt.Errorf("recall: chunk fts: %w", err)
	}

	var summarySem, chunkSem []store.ScoredID
	if len(queryVec) > 0 {
		summarySem, err = r.fts.DaySegmentEmbeddingsByCosine(ctx, req.ThreadID, queryVec, candidateTopK)
		if err != nil {
			return nil, fmt.Errorf("recall: summary semantic: %w", err)
		}
		chunkSem, err = r.fts.ChunkEmbeddingsByCosine(ctx, req.ThreadID, queryVec, candidateTopK)
		if err != nil {
			return nil, fmt.Errorf("recall: chunk semantic: %w", err)
		}
	}

	type rawScore struct {
		ftsRaw    float64
		ftsFound  bool
		distance  float64
		semFound  bool
	}
	summaryRaw := map[string]*rawScore{}
	chunkRaw := map[string]*rawScore{}

	for _, s := range summaryFTS {
		summaryRaw[s.ID] = &rawScore{ftsRaw: s.Score, ftsFound: true}
	}
	for _, s := range summarySem {
		rs, ok := summaryRaw[s.ID]
		if !ok {
			rs = &rawScore{}
			summaryRaw[s.ID] = rs
		}
		rs.distance, rs.semFound = s.Score, true
	}
	for _, s := range chunkFTS {
		chunkRaw[s.ID] = &rawScore{ftsRaw: s.Score, ftsFound: true}
	}
	for _, s := range chunkSem {
		rs, ok := chunkRaw[s.ID]
		if !ok {
			rs = &rawScore{}
			chunkRaw[s.ID] = rs
		}
		rs.distance, rs.semFound = s.Score, true
	}

	// min-max normalize sem across the full union of both kinds.
	var semValues []float64
	collectSem := func(m map[string]*rawScore) {
		for _, rs := range m {
			if rs.semFound {
				semValues = append(semValues, semScore(rs.distance))
			}
		}
	}
	collectSem(summaryRaw)
	collectSem(chunkRaw)
	minSem, maxSem := minMax(semValues)

	var candidates []candidate

	buildFor := func(kind string, raw map[string]*rawScore, dayLabelOf func(id string) (string, error), fetchText func(id string) (string, error)) error {
		for id, rs := range raw {
			dayLabel, err := dayLabelOf(id)
			if err != nil {
				continue // candidate vanished or is outside the filter scope
			}
			if !withinScope(dayLabel, req.Day, cutoffDayLabel) {
				continue
			}
			ftsSat := 0.0
			if rs.ftsFound {
				ftsSat = rs.ftsRaw / (rs.ftsRaw + 1)
			}
			var blend float64
			if rs.semFound {
				semNorm := normalize(semScore(rs.distance), minSem, maxSem)
				blend = semanticWeight*semNorm + lexicalWeight*ftsSat
			} else {
				blend = ftsSat
			}
			score := blend * recencyMultiplier(dayLabel, now) * kindWeight(kind)

			text, err := fetchText(id)
			if err != nil {
				continue
			}
			candidates = append(candidates, candidate{
				kind: kind, id: id, dayLabel: dayLabel, text: text, score: score,
				snippet: buildSnippet(text, req.Query),
			})
		}
		return nil
	}

	if err := buildFor("summary", summaryRaw,
		func(id string) (string, error) {
			seg, err := r.store.GetDaySegment(ctx, id)
			if err != nil {
				return "", err
			}
			return seg.DayLabel, nil
		},
		func(id string) (string, error) {
			seg, err := r.store.GetDaySegment(ctx, id)
			if err != nil {
				return "", err
			}
			return seg.SummaryMarkdown, nil
		}); err != nil {
		return nil, err
	}

	chunkDayLabels := map[string]string{}
	chunkText := map[string]string{}
	if err := r.hydrateChunks(ctx, req, cutoffDayLabel, chunkDayLabels, chunkText); err != nil {
		return nil, err
	}
	if err := buildFor("chunk", chunkRaw,
		func(id string) (string, error) {
			if dl, ok := chunkDayLabels[id]; ok {
				return dl, nil
			}
			return "", fmt.Errorf("chunk %s not in scope", id)
		},
		func(id string) (string, error) {
			if t, ok := chunkText[id]; ok {
				return t, nil
			}
			return "", fmt.Errorf("chunk %s text unavailable", id)
		}); err != nil {
		return nil, err
	}

	return candidates, nil
}

// hydrateChunks resolves day_label/content_text for every chunk inside
// scope, since the FTS/cosine store methods return bare ids.
func (r *Recall) hydrateChunks(ctx context.Context, req SearchRequest, cutoffDayLabel string, dayLabels, text map[string]string) error {
	var chunks []*models.TranscriptChunk
	if req.Day != "" {
		seg, err := r.store.DaySegmentByLabel(ctx, req.ThreadID, req.Day)
		if err != nil {
			if err == store.ErrNotFound {
				return nil
			}
			return err
		}
		chunks, err = r.store.ChunksForSegment(ctx, seg.ID)
		if err != nil {
			return err
		}
		for _, c := range chunks {
			dayLabels[c.ID] = seg.DayLabel
			text[c.ID] = c.ContentText
		}
		return nil
	}
	chunks, err := r.store.ChunksSinceRecency(ctx, req.ThreadID, cutoffDayLabel)
	if err != nil {
		return err
	}
	// ChunksSinceRecency doesn't return day_label directly; resolve via
	// each chunk's day segment once per distinct segment.
	segCache := map[string]string{}
	for _, c := range chunks {
		dl, ok := segCache[c.DaySegmentID]
		if !ok {
			seg, err := r.store.GetDaySegment(ctx, c.DaySegmentID)
			if err != nil {
				continue
			}
			dl = seg.DayLabel
			segCache[c.DaySegmentID] = dl
		}
		dayLabels[c.ID] = dl
		text[c.ID] = c.ContentText
	}
	return nil
}

func withinScope(dayLabel, day, cutoffDayLabel string) bool {
	if day != "" {
		return dayLabel == day
	}
	return dayLabel >= cutoffDayLabel
}

func semScore(distance float64) float64 {
	return 1 / (1 + math.Max(0, distance))
}

func minMax(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	min, max := values[0], values[0]
	for _, v := range values[1:] {
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	return min, max
}

func normalize(v, min, max float64) float64 {
	if max <= min {
		return 1
	}
	return (v - min) / (max - min)
}
