package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is true when the profile path or theme changed. The
	// next session picks it up; a running session keeps its instructions.
	PersonaChanged bool

	// SessionChanged is true when connect timeout or queue sizes changed.
	// Applied to the next session.
	SessionChanged bool

	// RestartRequired lists settings that only take effect after a restart.
	RestartRequired []string
}

// Empty reports whether d carries no changes.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && !d.SessionChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Persona != new.Persona {
		d.PersonaChanged = true
	}

	if old.Session.ConnectTimeout != new.Session.ConnectTimeout ||
		old.Session.SendQueue != new.Session.SendQueue {
		d.SessionChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !providerEqual(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Session.Breaker != new.Session.Breaker {
		d.RestartRequired = append(d.RestartRequired, "session.breaker")
	}

	return d
}

// providerEqual compares entries ignoring Options, whose values are not
// comparable.
func providerEqual(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL && a.Model == b.Model
}
