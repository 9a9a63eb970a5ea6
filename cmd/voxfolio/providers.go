package main

import (
	"log/slog"

	"github.com/MrWong99/voxfolio/internal/config"
	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/audio/browser"
	"github.com/MrWong99/voxfolio/pkg/audio/local"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voxfolio/pkg/provider/s2s/gemini"
	geminisdk "github.com/MrWong99/voxfolio/pkg/provider/s2s/genai"
	oais2s "github.com/MrWong99/voxfolio/pkg/provider/s2s/openai"
)

const (
	backendMalgo   = "malgo"
	backendBrowser = "browser"
)

// registerBuiltins wires the provider and audio backend factories that ship
// with voxfolio into reg.
func registerBuiltins(reg *config.Registry, cfg *config.Config) {
	// ── S2S ───────────────────────────────────────────────────────────────────

	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry, sess config.SessionConfig) (s2s.Provider, error) {
		opts := []geminilive.Option{
			geminilive.WithQueueSize(sess.SendQueue),
			geminilive.WithTranscription(optBool(entry.Options, "transcription")),
		}
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("gemini-sdk", func(entry config.ProviderEntry, sess config.SessionConfig) (s2s.Provider, error) {
		opts := []geminisdk.Option{
			geminisdk.WithQueueSize(sess.SendQueue),
			geminisdk.WithTranscription(optBool(entry.Options, "transcription")),
		}
		if entry.Model != "" {
			opts = append(opts, geminisdk.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminisdk.WithBaseURL(entry.BaseURL))
		}
		return geminisdk.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry, sess config.SessionConfig) (s2s.Provider, error) {
		opts := []oais2s.Option{oais2s.WithQueueSize(sess.SendQueue)}
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	// ── Audio ─────────────────────────────────────────────────────────────────

	reg.RegisterAudio(backendMalgo, func(config.AudioConfig) (audio.Backend, error) {
		b, err := local.New()
		if err != nil {
			return nil, err
		}
		return b, nil
	})

	reg.RegisterAudio(backendBrowser, func(config.AudioConfig) (audio.Backend, error) {
		return browser.New(browser.WithOriginPatterns(cfg.Server.AllowedOrigins...)), nil
	})

	slog.Debug("registered providers", "s2s", reg.S2SNames())
}

// optBool extracts a bool from a provider Options map. Missing keys and
// non-bool values yield false.
func optBool(opts map[string]any, key string) bool {
	v, _ := opts[key].(bool)
	return v
}
