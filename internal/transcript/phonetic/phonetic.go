// Package phonetic matches misheard caption phrases against a list of known
// names. A name is a candidate when its Double Metaphone codes share a code
// with the phrase; candidates are ranked by Jaro-Winkler similarity. When no
// name sounds alike, plain Jaro-Winkler with a stricter threshold is tried.
package phonetic

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultSoundThreshold = 0.70
	defaultSpellThreshold = 0.85
)

// Option configures a [Matcher].
type Option func(*Matcher)

// WithSoundThreshold sets the minimum similarity for a name that sounds like
// the phrase. Default: 0.70.
func WithSoundThreshold(v float64) Option {
	return func(m *Matcher) { m.sound = v }
}

// WithSpellThreshold sets the minimum similarity for a name that only looks
// like the phrase. Default: 0.85.
func WithSpellThreshold(v float64) Option {
	return func(m *Matcher) { m.spell = v }
}

// Matcher is read-only after construction and safe for concurrent use.
type Matcher struct {
	sound float64
	spell float64
}

// New returns a Matcher with the given options applied.
func New(opts ...Option) *Matcher {
	m := &Matcher{sound: defaultSoundThreshold, spell: defaultSpellThreshold}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Match returns the name closest to phrase. When nothing is close enough it
// returns phrase unchanged, zero and false.
func (m *Matcher) Match(phrase string, names []string) (string, float64, bool) {
	lower := strings.ToLower(strings.TrimSpace(phrase))
	if lower == "" || len(names) == 0 {
		return phrase, 0, false
	}
	words := strings.Fields(lower)
	codes := metaphones(words)

	var (
		best      string
		bestScore float64
		bySound   bool
	)
	for _, name := range names {
		nameLower := strings.ToLower(strings.TrimSpace(name))
		if nameLower == "" {
			continue
		}
		nameWords := strings.Fields(nameLower)
		score := similarity(words, nameWords, lower, nameLower)

		if shareCode(codes, metaphones(nameWords)) {
			if score >= m.sound && (!bySound || score > bestScore) {
				best, bestScore, bySound = name, score, true
			}
			continue
		}
		if !bySound && score >= m.spell && score > bestScore {
			best, bestScore = name, score
		}
	}
	if best == "" {
		return phrase, 0, false
	}
	return best, bestScore, true
}

func metaphones(words []string) map[string]struct{} {
	set := make(map[string]struct{}, 2*len(words))
	for _, w := range words {
		primary, secondary := matchr.DoubleMetaphone(w)
		if primary != "" {
			set[primary] = struct{}{}
		}
		if secondary != "" {
			set[secondary] = struct{}{}
		}
	}
	return set
}

func shareCode(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for c := range a {
		if _, ok := b[c]; ok {
			return true
		}
	}
	return false
}

// similarity is the best Jaro-Winkler score over the whole phrases, the
// phrases with spaces removed, and, for phrases of equal length, the mean
// score of words at the same position.
func similarity(words, nameWords []string, full, nameFull string) float64 {
	score := matchr.JaroWinkler(full, nameFull, false)
	if len(words) > 1 || len(nameWords) > 1 {
		score = max(score, matchr.JaroWinkler(strings.Join(words, ""), strings.Join(nameWords, ""), false))
	}
	if len(words) > 1 && len(words) == len(nameWords) {
		var sum float64
		for i := range words {
			sum += matchr.JaroWinkler(words[i], nameWords[i], false)
		}
		score = max(score, sum/float64(len(words)))
	}
	return score
}
