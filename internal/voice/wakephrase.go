package voice

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

var spaceRe = regexp.MustCompile(`\s+`)

// WakeDetector decides whether a transcript contains one of the configured
// wake phrases. Matching is case-insensitive and tolerant of transcription
// noise: an exact substring pass runs first, then word windows of each
// phrase's length are scored with Jaro-Winkler similarity and accepted at
// or above the configured threshold. A detector is read-only after
// construction and safe for concurrent use.
type WakeDetector struct {
	phrases   []string
	threshold float64
}

func NewWakeDetector(phrases []string, threshold float64) *WakeDetector {
	norm := make([]string, 0, len(phrases))
	for _, p := range phrases {
		if s := normalizeText(p); s != "" {
			norm = append(norm, s)
		}
	}
	return &WakeDetector{phrases: norm, threshold: threshold}
}

// Match reports whether text triggers the wake phrase.
func (w *WakeDetector) Match(text string) bool {
	matched, _ := w.Score(text)
	return matched
}

// Score returns the match decision together with the best similarity seen,
// 1.0 for exact containment. Empty text never matches.
func (w *WakeDetector) Score(text string) (bool, float64) {
	s := normalizeText(text)
	if s == "" {
		return false, 0
	}
	words := strings.Fields(s)
	best := 0.0
	for _, phrase := range w.phrases {
		if strings.Contains(s, phrase) {
			return true, 1
		}
		n := len(strings.Fields(phrase))
		if n == 0 || n > len(words) {
			continue
		}
		for i := 0; i+n <= len(words); i++ {
			window := strings.Join(words[i:i+n], " ")
			if score := matchr.JaroWinkler(window, phrase, false); score > best {
				best = score
			}
		}
	}
	return best >= w.threshold, best
}

// normalizeText lowercases, collapses whitespace and strips the punctuation
// that speech-to-text output tends to attach to words.
func normalizeText(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = spaceRe.ReplaceAllString(s, " ")
	words := strings.Fields(s)
	out := words[:0]
	for _, w := range words {
		if t := strings.Trim(w, " ,.!?;:-\"'`~¿¡"); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, " ")
}
