package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// S2SFactory builds a speech-to-speech provider from its config entry.
type S2SFactory func(entry ProviderEntry, session SessionConfig) (s2s.Provider, error)

// AudioFactory builds an audio backend.
type AudioFactory func(cfg AudioConfig) (audio.Backend, error)

// Registry maps names to provider and audio backend constructors. It is safe
// for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	s2s   map[string]S2SFactory
	audio map[string]AudioFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		s2s:   make(map[string]S2SFactory),
		audio: make(map[string]AudioFactory),
	}
}

// RegisterS2S registers a provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterS2S(name string, factory S2SFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.s2s[name] = factory
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, factory AudioFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateS2S instantiates the provider registered under cfg.Provider.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for
// that name.
func (r *Registry) CreateS2S(cfg *Config) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.s2s[cfg.Provider.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: s2s/%q", ErrProviderNotRegistered, cfg.Provider.Name)
	}
	return factory(cfg.Provider, cfg.Session)
}

// CreateAudio instantiates the backend registered under cfg.Audio.Backend.
func (r *Registry) CreateAudio(cfg *Config) (audio.Backend, error) {
	r.mu.RLock()
	factory, ok := r.audio[cfg.Audio.Backend]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: audio/%q", ErrProviderNotRegistered, cfg.Audio.Backend)
	}
	return factory(cfg.Audio)
}

// S2SNames returns the registered provider names in sorted order.
func (r *Registry) S2SNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.s2s))
	for n := range r.s2s {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}
