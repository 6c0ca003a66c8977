package command

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const defaultWakeThreshold = 0.80

// WakeWordMatcher rewrites tokens that sound like the wake word. A token is
// rewritten when its Double Metaphone codes overlap with the wake word's
// codes and its Jaro-Winkler similarity reaches the threshold.
//
// The matcher is read-only after construction and safe for concurrent use.
type WakeWordMatcher struct {
	threshold float64
}

// NewWakeWordMatcher returns a matcher with the given similarity threshold.
// A threshold ≤ 0 selects the default of 0.80.
func NewWakeWordMatcher(threshold float64) *WakeWordMatcher {
	if threshold <= 0 {
		threshold = defaultWakeThreshold
	}
	return &WakeWordMatcher{threshold: threshold}
}

// Rewrite replaces the first token of normalized text that phonetically
// matches wake with wake itself. Text that already contains the exact wake
// word is returned unchanged.
func (m *WakeWordMatcher) Rewrite(normalized, wake string) string {
	tokens := strings.Fields(normalized)
	for _, t := range tokens {
		if t == wake {
			return normalized
		}
	}

	wakeCodes := metaphoneCodes(wake)
	for i, t := range tokens {
		if !overlaps(metaphoneCodes(t), wakeCodes) {
			continue
		}
		if matchr.JaroWinkler(t, wake, false) >= m.threshold {
			tokens[i] = wake
			return strings.Join(tokens, " ")
		}
	}
	return normalized
}

// metaphoneCodes returns the non-empty primary and secondary Double
// Metaphone codes of word.
func metaphoneCodes(word string) map[string]struct{} {
	codes := make(map[string]struct{}, 2)
	p, s := matchr.DoubleMetaphone(word)
	if p != "" {
		codes[p] = struct{}{}
	}
	if s != "" {
		codes[s] = struct{}{}
	}
	return codes
}

func overlaps(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}
