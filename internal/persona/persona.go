// Package persona turns a visitor-facing profile into the voice agent that
// represents it: a name, a role, a prebuilt voice and the system instructions
// sent once when a session connects.
package persona

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Theme selects which kind of professional the profile presents and therefore
// which assistant answers for it.
type Theme string

const (
	ThemeExecutive Theme = "executive"
	ThemeRealtor   Theme = "realtor"
	ThemeFinance   Theme = "finance"
	ThemeWedding   Theme = "wedding"
)

// ParseTheme maps a configured theme name onto a Theme. The layout-only
// themes (modern, minimalist, creative) and the empty string present a
// general profile and use the executive assistant.
func ParseTheme(s string) (Theme, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "executive", "modern", "minimalist", "creative":
		return ThemeExecutive, nil
	case "realtor":
		return ThemeRealtor, nil
	case "finance":
		return ThemeFinance, nil
	case "wedding":
		return ThemeWedding, nil
	}
	return "", fmt.Errorf("persona: unknown theme %q", s)
}

// Prebuilt voices used by the assistants.
const (
	VoiceKore   = "Kore"
	VoiceFenrir = "Fenrir"
)

// Persona is the assistant built for one session.
type Persona struct {
	Name  string
	Role  string
	Voice string

	// Instructions is the complete system prompt.
	Instructions string
}

type identity struct {
	name  string
	role  string
	voice string
}

var identities = map[Theme]identity{
	ThemeExecutive: {"Sarah", "Executive Assistant", VoiceKore},
	ThemeRealtor:   {"Sarah", "Real Estate Assistant", VoiceKore},
	ThemeFinance:   {"James", "Senior Investment Analyst", VoiceFenrir},
	ThemeWedding:   {"Bella", "Lead Wedding Planner", VoiceKore},
}

// Build assembles the persona for profile under theme. Unknown themes fall
// back to the executive assistant.
func Build(profile Profile, theme Theme) Persona {
	id, ok := identities[theme]
	if !ok {
		theme = ThemeExecutive
		id = identities[theme]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, the AI %s for %s.", id.name, id.role, profile.FullName)

	switch theme {
	case ThemeFinance:
		fmt.Fprintf(&b, " Focus on investments: %s", mustJSON(profile.Portfolio))
	case ThemeRealtor:
		fmt.Fprintf(&b, " Focus on real estate: %s", mustJSON(profile.Listings))
	case ThemeWedding:
		fmt.Fprintf(&b, " Focus on wedding planning and packages: %s", mustJSON(profile.WeddingServices))
	default:
		writeExecutive(&b, profile)
	}

	return Persona{
		Name:         id.name,
		Role:         id.role,
		Voice:        id.voice,
		Instructions: b.String(),
	}
}

func writeExecutive(b *strings.Builder, profile Profile) {
	who := profile.FullName
	if who == "" {
		who = "the profile owner"
	}
	fmt.Fprintf(b, "\nYou are acting as %s's Executive Assistant.", who)
	fmt.Fprintf(b, "\nUse the following profile data to answer questions: %s.", mustJSON(profile.Experience))
	if profile.Summary != "" {
		fmt.Fprintf(b, "\nBio: %s", profile.Summary)
	}
	b.WriteString("\nIf someone wants to book a meeting, politely ask for their Name and Company first.")
	if profile.BookingURL != "" {
		fmt.Fprintf(b, "\nOnce they have told you, give them the booking link: %s", profile.BookingURL)
	} else {
		b.WriteString("\nThen tell them to visit the website to find the booking link, or say you will email them.")
	}
	b.WriteString("\nBe concise, professional, and warm.")
}

// mustJSON renders v for embedding in the prompt. The profile types only hold
// strings, numbers and slices, so marshalling cannot fail; nil slices render
// as [].
func mustJSON[T any](v []T) string {
	if v == nil {
		v = []T{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func firstName(full string) string {
	if f := strings.Fields(full); len(f) > 0 {
		return f[0]
	}
	return full
}
