// Package config provides the configuration schema, loader, provider
// registry and file watcher for the voxfolio voice agent.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Slog returns the matching [slog.Level]. Unknown values map to Info.
func (l LogLevel) Slog() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Audio    AudioConfig   `yaml:"audio"`
	Session  SessionConfig `yaml:"session"`
	Persona  PersonaConfig `yaml:"persona"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP server listens on. Default ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Default "info".
	LogLevel LogLevel `yaml:"log_level"`

	// AllowedOrigins lists host patterns accepted for cross-origin /voice
	// connections. Empty means same-origin only.
	AllowedOrigins []string `yaml:"allowed_origins"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS. Browsers only
// grant microphone access to secure origins, so any non-localhost deployment
// of the browser backend needs it.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProviderEntry selects and configures the speech-to-speech provider. Name is
// used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider (e.g., "gemini-live").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. "${VAR}" references are
	// expanded from the environment at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model. Empty means the provider default.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// AudioConfig selects the audio backend and pipeline formats.
type AudioConfig struct {
	// Backend is the registered backend name: "malgo" for local devices or
	// "browser" for the visitor's browser over /voice.
	Backend string `yaml:"backend"`

	// InputDevice selects a capture device by name substring or ID. Empty
	// means the system default.
	InputDevice string `yaml:"input_device"`

	// InputSampleRate is the rate frames are sent to the model at.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the rate the output device is opened at.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FrameSize is the number of samples per captured frame.
	FrameSize int `yaml:"frame_size"`
}

// SessionConfig tunes voice sessions.
type SessionConfig struct {
	// ConnectTimeout bounds the Connecting state. Zero disables it.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// SendQueue is the provider's outbound frame queue size.
	SendQueue int `yaml:"send_queue"`

	// Breaker configures the circuit breaker around provider connects.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig configures [resilience.CircuitBreaker].
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// PersonaConfig points at the visitor-facing profile and its theme.
type PersonaConfig struct {
	// Profile is the path to the YAML profile. Relative paths are resolved
	// against the directory of the config file.
	Profile string `yaml:"profile"`

	// Theme selects the assistant: executive, realtor, finance or wedding.
	Theme string `yaml:"theme"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFrameSize        = 4096
	DefaultSendQueue        = 64
	DefaultMaxFailures      = 5
	DefaultResetTimeout     = 30 * time.Second
)

// ApplyDefaults fills zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = "browser"
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.FrameSize == 0 {
		cfg.Audio.FrameSize = DefaultFrameSize
	}
	if cfg.Session.SendQueue == 0 {
		cfg.Session.SendQueue = DefaultSendQueue
	}
	if cfg.Session.Breaker.MaxFailures == 0 {
		cfg.Session.Breaker.MaxFailures = DefaultMaxFailures
	}
	if cfg.Session.Breaker.ResetTimeout == 0 {
		cfg.Session.Breaker.ResetTimeout = DefaultResetTimeout
	}
}
