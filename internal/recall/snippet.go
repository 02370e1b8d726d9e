package recall

import (
	"regexp"
	"strings"
)

const snippetWindowChars = 240

var (
	sentenceSplit = regexp.MustCompile(`[^\n.!?]+(?:[.!?]+|$)`)
	wordPattern   = regexp.MustCompile(`[\p{L}\p{N}_]+`)
)

// snippetStopwords are dropped from both query and sentence tokens so
// connective words never anchor a window on their own. Covers the
// English and French function words the conversation corpus mixes.
var snippetStopwords = map[string]bool{
	"a": true, "al": true, "an": true, "and": true, "au": true, "aux": true,
	"be": true, "but": true, "by": true, "de": true, "des": true, "du": true,
	"en": true, "et": true, "for": true, "from": true, "il": true, "in": true,
	"is": true, "la": true, "le": true, "les": true, "of": true, "on": true,
	"or": true, "that": true, "the": true, "to": true, "un": true,
	"une": true, "with": true,
}

// sentenceSpan is one sentence with its character offsets in the source.
type sentenceSpan struct {
	start, end int
	text       string
}

// buildSnippet derives a locally-anchored ~240-char window centered on
// the best-matching sentence: each sentence scores
// 0.6*recall + 0.25*phrase_bonus + 0.1*early_bonus − 0.05*length_penalty,
// where recall is query-token overlap, the phrase bonus fires on a
// whole-query substring match, the early bonus decays with the first
// hit's token position inside the sentence, and the length penalty
// grows continuously past the window size. The window is centered on
// the winning sentence's midpoint and clamped to the text bounds.
func buildSnippet(text, query string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	if len(text) <= snippetWindowChars {
		return text
	}

	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return trimWithEllipses(text[:snippetWindowChars], false, true)
	}
	lowerQuery := strings.ToLower(strings.TrimSpace(query))

	var best *sentenceSpan
	bestScore := 0.0
	for _, span := range sentenceSpans(text) {
		score, ok := sentenceScore(span.text, queryTokens, lowerQuery)
		if !ok {
			continue
		}
		if best == nil || score > bestScore {
			s := span
			best, bestScore = &s, score
		}
	}
	if best == nil {
		return trimWithEllipses(text[:snippetWindowChars], false, true)
	}

	center := (best.start + best.end) / 2
	half := snippetWindowChars / 2
	start := center - half
	if start < 0 {
		start = 0
	}
	end := start + snippetWindowChars
	if end > len(text) {
		end = len(text)
		if end-snippetWindowChars > 0 {
			start = end - snippetWindowChars
		} else {
			start = 0
		}
	}
	return trimWithEllipses(strings.TrimSpace(text[start:end]), start > 0, end < len(text))
}

// sentenceSpans splits text into sentences with offsets, falling back
// to the whole text when no sentence boundary exists.
func sentenceSpans(text string) []sentenceSpan {
	matches := sentenceSplit.FindAllStringIndex(text, -1)
	spans := make([]sentenceSpan, 0, len(matches))
	for _, m := range matches {
		sentence := strings.TrimSpace(text[m[0]:m[1]])
		if sentence != "" {
			spans = append(spans, sentenceSpan{start: m[0], end: m[1], text: sentence})
		}
	}
	if len(spans) == 0 && strings.TrimSpace(text) != "" {
		spans = append(spans, sentenceSpan{start: 0, end: len(text), text: strings.TrimSpace(text)})
	}
	return spans
}

// tokenize lowercases, extracts word runs, and drops stopwords,
// preserving first-seen order so positional scoring stays meaningful.
func tokenize(s string) []string {
	var out []string
	for _, w := range wordPattern.FindAllString(strings.ToLower(s), -1) {
		if w != "" && !snippetStopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

// sentenceScore returns the weighted anchor score for one sentence, or
// ok=false when the sentence has no scorable tokens.
func sentenceScore(sentence string, queryTokens []string, lowerQuery string) (float64, bool) {
	sentTokens := tokenize(sentence)
	if len(sentTokens) == 0 {
		return 0, false
	}
	tokenSet := make(map[string]bool, len(sentTokens))
	for _, t := range sentTokens {
		tokenSet[t] = true
	}
	querySet := make(map[string]bool, len(queryTokens))
	overlap := 0
	for _, t := range queryTokens {
		if querySet[t] {
			continue
		}
		querySet[t] = true
		if tokenSet[t] {
			overlap++
		}
	}
	recall := float64(overlap) / float64(max(1, len(querySet)))

	phraseBonus := 0.0
	if lowerQuery != "" && strings.Contains(strings.ToLower(sentence), lowerQuery) {
		phraseBonus = 1.0
	}

	earlyBonus := 0.0
	for i, tok := range sentTokens {
		if querySet[tok] {
			earlyBonus = 1.0 - float64(i)/float64(max(1, len(sentTokens)))
			if earlyBonus < 0 {
				earlyBonus = 0
			}
			break
		}
	}

	lengthPenalty := float64(len(sentence)-snippetWindowChars) / snippetWindowChars
	if lengthPenalty < 0 {
		lengthPenalty = 0
	}

	return 0.6*recall + 0.25*phraseBonus + 0.1*earlyBonus - 0.05*lengthPenalty, true
}

func trimWithEllipses(s string, startCut, endCut bool) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	if startCut {
		s = "… " + s
	}
	if endCut {
		s = s + " …"
	}
	return s
}
