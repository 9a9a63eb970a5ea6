package persona

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is the public content the assistant may talk about. It is loaded
// from YAML and never written back.
type Profile struct {
	FullName   string `yaml:"full_name" json:"fullName"`
	JobTitle   string `yaml:"job_title" json:"jobTitle,omitempty"`
	Email      string `yaml:"email" json:"email,omitempty"`
	Summary    string `yaml:"summary" json:"summary,omitempty"`
	BookingURL string `yaml:"booking_url" json:"bookingUrl,omitempty"`

	Experience      []Experience     `yaml:"experience" json:"experience,omitempty"`
	Skills          []string         `yaml:"skills" json:"skills,omitempty"`
	Listings        []Listing        `yaml:"listings" json:"listings,omitempty"`
	Portfolio       []PortfolioItem  `yaml:"portfolio" json:"portfolio,omitempty"`
	WeddingServices []WeddingService `yaml:"wedding_services" json:"weddingServices,omitempty"`
}

// Experience is one position held.
type Experience struct {
	Company     string `yaml:"company" json:"company"`
	Position    string `yaml:"position" json:"position"`
	StartDate   string `yaml:"start_date" json:"startDate,omitempty"`
	EndDate     string `yaml:"end_date" json:"endDate,omitempty"`
	Current     bool   `yaml:"current" json:"current,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// Listing is a property for the realtor theme.
type Listing struct {
	Address     string `yaml:"address" json:"address"`
	Price       string `yaml:"price" json:"price"`
	Specs       string `yaml:"specs" json:"specs,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
	Status      string `yaml:"status" json:"status,omitempty"`
}

// PortfolioItem is a holding for the finance theme.
type PortfolioItem struct {
	Name        string `yaml:"name" json:"name"`
	Sector      string `yaml:"sector" json:"sector,omitempty"`
	Value       string `yaml:"value" json:"value,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
}

// WeddingService is a package for the wedding theme.
type WeddingService struct {
	Title       string `yaml:"title" json:"title"`
	Price       string `yaml:"price" json:"price,omitempty"`
	Description string `yaml:"description" json:"description,omitempty"`
	Features    string `yaml:"features" json:"features,omitempty"`
}

// LoadProfile reads a YAML profile from path.
func LoadProfile(path string) (Profile, error) {
	f, err := os.Open(path)
	if err != nil {
		return Profile{}, fmt.Errorf("persona: open %q: %w", path, err)
	}
	defer f.Close()

	p, err := DecodeProfile(f)
	if err != nil {
		return Profile{}, fmt.Errorf("persona: parse %q: %w", path, err)
	}
	return p, nil
}

// DecodeProfile decodes a YAML profile from r. Unknown fields are rejected.
func DecodeProfile(r io.Reader) (Profile, error) {
	var p Profile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Profile{}, fmt.Errorf("persona: decode yaml: %w", err)
	}
	if p.FullName == "" {
		return Profile{}, errors.New("persona: full_name is required")
	}
	return p, nil
}

// Names returns the proper nouns of the profile that captions should spell
// correctly: the owner's full and first name, employers, portfolio entries
// and listing addresses. Duplicates are removed; order follows the profile.
func (p Profile) Names() []string {
	var names []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = strings.TrimSpace(s)
		key := strings.ToLower(s)
		if s == "" || seen[key] {
			return
		}
		seen[key] = true
		names = append(names, s)
	}
	add(p.FullName)
	add(firstName(p.FullName))
	for _, e := range p.Experience {
		add(e.Company)
	}
	for _, it := range p.Portfolio {
		add(it.Name)
	}
	for _, l := range p.Listings {
		add(l.Address)
	}
	return names
}
