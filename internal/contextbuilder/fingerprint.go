package contextbuilder

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// fingerprintInput collects the canonical fields whose change should
// trigger a continuous-context rebuild.
type fingerprintInput struct {
	today          string
	summaries      []trimmedSummary
	truncated      bool
	budget         int
	todayUpdatedAt time.Time
	windowBound    string
	lastIncludedID string
}

// computeFingerprint hashes a pipe-joined canonical encoding of the
// inputs that determine the built message list, so Build can detect
// "nothing changed" without re-diffing message lists.
func computeFingerprint(in fingerprintInput) string {
	parts := []string{in.today}
	for _, s := range in.summaries {
		parts = append(parts, fmt.Sprintf("%s:%s:%s", s.seg.DayLabel, s.seg.UpdatedAt.UTC().Format(time.RFC3339Nano), contentHash(s.text)))
	}
	parts = append(parts,
		fmt.Sprintf("budget=%d", in.budget),
		fmt.Sprintf("truncated=%t", in.truncated),
		fmt.Sprintf("today_updated=%s", in.todayUpdatedAt.UTC().Format(time.RFC3339Nano)),
		fmt.Sprintf("window_bound=%s", in.windowBound),
		fmt.Sprintf("last_included=%s", in.lastIncludedID),
	)
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

func contentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:8])
}
