// Package transcript cleans up live captions before they reach the visitor.
//
// Speech recognition on the provider side routinely mishears proper nouns:
// the owner's name, employers, listing addresses. A [Corrector] slides a
// window over the caption words and asks a [Matcher] whether the window is a
// misheard form of one of the names the persona knows about.
package transcript

import (
	"strings"
	"unicode"
)

// minWordLen is the shortest single word that is considered for correction.
const minWordLen = 4

// Matcher finds the known name closest to a phrase. Implementations must be
// safe for concurrent use.
type Matcher interface {
	// Match returns the matched name and a confidence in [0, 1]. When no
	// name is close enough it returns phrase unchanged, 0 and false.
	Match(phrase string, names []string) (name string, confidence float64, ok bool)
}

// Correction is one substitution applied to a caption.
type Correction struct {
	Original   string
	Corrected  string
	Confidence float64
}

// Corrector rewrites captions using a [Matcher]. It is safe for concurrent
// use when its Matcher is.
type Corrector struct {
	matcher Matcher
}

// NewCorrector returns a Corrector backed by m.
func NewCorrector(m Matcher) *Corrector {
	return &Corrector{matcher: m}
}

// Correct returns text with misheard names replaced, plus the substitutions
// it made. Punctuation around a replaced phrase is kept. Longer windows are
// tried first and a matched window is never revisited.
func (c *Corrector) Correct(text string, names []string) (string, []Correction) {
	words := strings.Fields(text)
	if c == nil || c.matcher == nil || len(words) == 0 || len(names) == 0 {
		return text, nil
	}

	widest := 1
	for _, n := range names {
		widest = max(widest, len(strings.Fields(n)))
	}

	var (
		out         []string
		corrections []Correction
	)
	for i := 0; i < len(words); {
		m, ok := c.window(words[i:], widest, names)
		if !ok {
			out = append(out, words[i])
			i++
			continue
		}
		// A wider window may have swallowed a leading word that belongs
		// in front of the name.
		if next, ok := c.window(words[i+1:], widest, names); ok && next.name == m.name && next.conf > m.conf {
			out = append(out, words[i])
			i++
			continue
		}
		if m.exact {
			out = append(out, words[i:i+m.n]...)
		} else {
			out = append(out, m.lead+m.name+m.trail)
			corrections = append(corrections, Correction{Original: m.phrase, Corrected: m.name, Confidence: m.conf})
		}
		i += m.n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

type match struct {
	n           int
	lead, trail string
	phrase      string
	name        string
	conf        float64
	exact       bool
}

// window tries the phrases starting at words[0], widest first, allowing one
// word more than the longest name. A phrase that already spells a name
// matches with exact set.
func (c *Corrector) window(words []string, widest int, names []string) (match, bool) {
	for n := min(widest+1, len(words)); n >= 1; n-- {
		lead, phrase, trail := split(words[:n])
		if phrase == "" || (n == 1 && len([]rune(phrase)) < minWordLen) {
			continue
		}
		if name, ok := findName(names, phrase); ok {
			return match{n: n, phrase: phrase, name: name, conf: 1, exact: true}, true
		}
		name, conf, ok := c.matcher.Match(phrase, names)
		if !ok || strings.EqualFold(name, phrase) {
			continue
		}
		if d := len(strings.Fields(name)) - n; d > 1 || d < -1 {
			continue
		}
		return match{n: n, lead: lead, trail: trail, phrase: phrase, name: name, conf: conf}, true
	}
	return match{}, false
}

// split strips leading punctuation from the first word and trailing
// punctuation from the last, returning them separately.
func split(words []string) (lead, phrase, trail string) {
	first := words[0]
	core := strings.TrimLeftFunc(first, unicode.IsPunct)
	lead = first[:len(first)-len(core)]

	parts := make([]string, len(words))
	copy(parts, words)
	parts[0] = core

	last := parts[len(parts)-1]
	trimmed := strings.TrimRightFunc(last, unicode.IsPunct)
	trail = last[len(trimmed):]
	parts[len(parts)-1] = trimmed

	return lead, strings.TrimSpace(strings.Join(parts, " ")), trail
}

func findName(names []string, phrase string) (string, bool) {
	for _, n := range names {
		if strings.EqualFold(strings.TrimSpace(n), phrase) {
			return n, true
		}
	}
	return "", false
}
