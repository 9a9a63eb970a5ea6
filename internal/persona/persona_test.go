package persona

import (
	"strings"
	"testing"
)

func testProfile() Profile {
	return Profile{
		FullName: "Linda Quaynor",
		Email:    "linda@example.com",
		Summary:  "Board member and former consulting partner.",
		Experience: []Experience{
			{Company: "Delwik Group", Position: "Board Member", Current: true},
			{Company: "Deloitte", Position: "Partner", StartDate: "2010", EndDate: "2020"},
		},
		Listings:        []Listing{{Address: "12 Elm St", Price: "$750,000", Specs: "4 Bed | 3 Bath"}},
		Portfolio:       []PortfolioItem{{Name: "Helios Fund", Sector: "Energy", Value: "$50M AUM"}},
		WeddingServices: []WeddingService{{Title: "Full Planning", Price: "$8,000"}},
	}
}

func TestBuild_Identities(t *testing.T) {
	t.Parallel()

	tests := []struct {
		theme     Theme
		wantName  string
		wantRole  string
		wantVoice string
		wantFocus string
	}{
		{ThemeExecutive, "Sarah", "Executive Assistant", VoiceKore, "Delwik Group"},
		{ThemeRealtor, "Sarah", "Real Estate Assistant", VoiceKore, "Focus on real estate: "},
		{ThemeFinance, "James", "Senior Investment Analyst", VoiceFenrir, "Focus on investments: "},
		{ThemeWedding, "Bella", "Lead Wedding Planner", VoiceKore, "Focus on wedding planning and packages: "},
	}

	for _, tc := range tests {
		t.Run(string(tc.theme), func(t *testing.T) {
			t.Parallel()
			p := Build(testProfile(), tc.theme)
			if p.Name != tc.wantName || p.Role != tc.wantRole || p.Voice != tc.wantVoice {
				t.Errorf("persona = %s/%s/%s, want %s/%s/%s", p.Name, p.Role, p.Voice, tc.wantName, tc.wantRole, tc.wantVoice)
			}
			prefix := "You are " + tc.wantName + ", the AI " + tc.wantRole + " for Linda Quaynor."
			if !strings.HasPrefix(p.Instructions, prefix) {
				t.Errorf("instructions start %q, want prefix %q", p.Instructions, prefix)
			}
			if !strings.Contains(p.Instructions, tc.wantFocus) {
				t.Errorf("instructions missing %q:\n%s", tc.wantFocus, p.Instructions)
			}
		})
	}
}

func TestBuild_FocusDataIsJSON(t *testing.T) {
	t.Parallel()
	p := Build(testProfile(), ThemeRealtor)
	if !strings.Contains(p.Instructions, `"address":"12 Elm St"`) {
		t.Errorf("listing JSON missing:\n%s", p.Instructions)
	}

	empty := Build(Profile{FullName: "A B"}, ThemeFinance)
	if !strings.HasSuffix(empty.Instructions, "Focus on investments: []") {
		t.Errorf("empty portfolio = %q", empty.Instructions)
	}
}

func TestBuild_ExecutiveBookingProtocol(t *testing.T) {
	t.Parallel()
	p := Build(testProfile(), ThemeExecutive)
	for _, want := range []string{
		"acting as Linda Quaynor's Executive Assistant",
		"ask for their Name and Company first",
		"visit the website to find the booking link",
		"Bio: Board member",
	} {
		if !strings.Contains(p.Instructions, want) {
			t.Errorf("instructions missing %q", want)
		}
	}

	prof := testProfile()
	prof.BookingURL = "https://cal.example.com/linda"
	p = Build(prof, ThemeExecutive)
	if !strings.Contains(p.Instructions, "give them the booking link: https://cal.example.com/linda") {
		t.Errorf("booking URL missing:\n%s", p.Instructions)
	}
}

func TestBuild_UnknownThemeFallsBack(t *testing.T) {
	t.Parallel()
	p := Build(testProfile(), Theme("disco"))
	if p.Name != "Sarah" || p.Role != "Executive Assistant" {
		t.Errorf("fallback persona = %s/%s", p.Name, p.Role)
	}
}

func TestParseTheme(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Theme{
		"":           ThemeExecutive,
		"modern":     ThemeExecutive,
		"Creative":   ThemeExecutive,
		"realtor":    ThemeRealtor,
		" finance ":  ThemeFinance,
		"wedding":    ThemeWedding,
		"executive":  ThemeExecutive,
		"minimalist": ThemeExecutive,
	} {
		got, err := ParseTheme(in)
		if err != nil || got != want {
			t.Errorf("ParseTheme(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseTheme("disco"); err == nil {
		t.Error("ParseTheme(disco) succeeded")
	}
}
