package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/voxfolio/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{
		Server:   config.ServerConfig{LogLevel: config.LogInfo},
		Provider: config.ProviderEntry{Name: "gemini-live", APIKey: "k"},
		Persona:  config.PersonaConfig{Profile: "/srv/profile.yaml", Theme: "executive"},
	}
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	if d := config.Diff(cfg, cfg); !d.Empty() {
		t.Errorf("Diff of identical configs = %+v, want empty", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("NewLogLevel = %q, want debug", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("RestartRequired = %v, want none", d.RestartRequired)
	}
}

func TestDiff_PersonaChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Persona.Theme = "wedding"

	d := config.Diff(old, new)
	if !d.PersonaChanged {
		t.Error("expected PersonaChanged=true")
	}
	if d.SessionChanged || d.LogLevelChanged {
		t.Errorf("unexpected flags: %+v", d)
	}
}

func TestDiff_SessionChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Session.ConnectTimeout = 5 * time.Second

	if d := config.Diff(old, new); !d.SessionChanged {
		t.Error("expected SessionChanged=true")
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.ListenAddr = ":9999"
	new.Provider.Model = "other-model"
	new.Audio.Backend = "malgo"
	new.Session.Breaker.MaxFailures = 10

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "provider", "audio", "session.breaker"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
}

func TestDiff_ProviderOptionsIgnored(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Provider.Options = map[string]any{"voice": "Kore"}

	if d := config.Diff(old, new); !d.Empty() {
		t.Errorf("Diff = %+v, want empty", d)
	}
}
