package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voxfolio/internal/persona"
)

// ValidProviderNames lists the built-in provider names per kind. [Validate]
// warns about names outside this list since a third-party factory may still
// be registered under them.
var ValidProviderNames = map[string][]string{
	"s2s":   {"gemini-live", "gemini-sdk", "openai-realtime"},
	"audio": {"malgo", "browser"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. A relative persona.profile is resolved
// against the directory of path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	return loadFile(path, f)
}

func loadFile(path string, r io.Reader) (*Config, error) {
	cfg, err := LoadFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if p := cfg.Persona.Profile; p != "" && !filepath.IsAbs(p) {
		cfg.Persona.Profile = filepath.Join(filepath.Dir(path), p)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, expands environment references
// in the API key, applies defaults and validates the result.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	if cfg.Provider.Name == "" {
		errs = append(errs, errors.New("provider.name is required"))
	}
	validateProviderName("s2s", cfg.Provider.Name)
	if cfg.Provider.APIKey == "" && cfg.Provider.BaseURL == "" {
		slog.Warn("provider.api_key is empty; connections will fail unless the endpoint needs no key",
			"provider", cfg.Provider.Name)
	}

	validateProviderName("audio", cfg.Audio.Backend)
	if cfg.Audio.InputSampleRate < 0 || cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, errors.New("audio sample rates must be positive"))
	}
	if cfg.Audio.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.frame_size %d must be positive", cfg.Audio.FrameSize))
	}

	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}
	if cfg.Session.SendQueue < 0 {
		errs = append(errs, fmt.Errorf("session.send_queue %d must be positive", cfg.Session.SendQueue))
	}
	if cfg.Session.Breaker.MaxFailures < 0 {
		errs = append(errs, fmt.Errorf("session.breaker.max_failures %d must be positive", cfg.Session.Breaker.MaxFailures))
	}

	if _, err := persona.ParseTheme(cfg.Persona.Theme); err != nil {
		errs = append(errs, fmt.Errorf("persona.theme: %w", err))
	}
	if cfg.Persona.Profile == "" {
		slog.Warn("persona.profile is empty; the assistant will have nothing to talk about")
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
