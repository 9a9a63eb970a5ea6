package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxfolio/internal/config"
	"github.com/MrWong99/voxfolio/internal/observe"
	"github.com/MrWong99/voxfolio/internal/persona"
	"github.com/MrWong99/voxfolio/internal/transcript"
	"github.com/MrWong99/voxfolio/internal/transcript/phonetic"
	"github.com/MrWong99/voxfolio/internal/voice"
	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
)

var (
	// ErrSessionActive is returned by Start while a session is connecting or
	// active.
	ErrSessionActive = errors.New("app: a voice session is already active")

	// ErrNoSession is returned by Retry and End when no session exists.
	ErrNoSession = errors.New("app: no voice session")
)

// fallbackOwner names the represented person when no profile is configured.
const fallbackOwner = "the owner of this site"

// SessionInfo describes the current voice session.
type SessionInfo struct {
	ID        string
	Persona   string
	Theme     persona.Theme
	StartedAt time.Time
}

// EventSink receives every UI event of every session, in order. It is called
// from a per-session goroutine and must not call back into the manager.
type EventSink func(info SessionInfo, ev voice.Event)

// SessionManagerConfig holds the dependencies of a [SessionManager].
type SessionManagerConfig struct {
	Backend  audio.Backend
	Provider s2s.Provider
	Config   *config.Config
	Metrics  *observe.Metrics
	Sink     EventSink

	// LoadProfile reads the persona profile. Defaults to
	// [persona.LoadProfile].
	LoadProfile func(path string) (persona.Profile, error)

	// Captions matches misheard profile names in transcripts. Defaults to a
	// [phonetic.Matcher].
	Captions transcript.Matcher
}

// SessionManager owns the one voice session the server runs at a time. A
// new [voice.Session] with a freshly built persona is created for every
// Start, so profile and config edits apply to the next conversation.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	backend     audio.Backend
	provider    s2s.Provider
	metrics     *observe.Metrics
	sink        EventSink
	loadProfile func(string) (persona.Profile, error)
	captions    *transcript.Corrector

	mu      sync.Mutex
	cfg     *config.Config
	current *voice.Session
	info    SessionInfo
	seq     int

	forwarders sync.WaitGroup
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		backend:     cfg.Backend,
		provider:    cfg.Provider,
		metrics:     cfg.Metrics,
		sink:        cfg.Sink,
		loadProfile: cfg.LoadProfile,
		cfg:         cfg.Config,
	}
	if sm.loadProfile == nil {
		sm.loadProfile = persona.LoadProfile
	}
	matcher := cfg.Captions
	if matcher == nil {
		matcher = phonetic.New()
	}
	sm.captions = transcript.NewCorrector(matcher)
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	return sm
}

// Start opens a new conversation. A previous session that has ended or
// failed is closed first. It returns [ErrSessionActive] while a session is
// connecting or active.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if sm.current != nil {
		switch sm.current.State() {
		case voice.StateConnecting, voice.StateActive:
			return fmt.Errorf("%w (id=%s)", ErrSessionActive, sm.info.ID)
		}
		_ = sm.current.Close()
		sm.current = nil
	}

	cfg := sm.cfg
	p, names, err := sm.buildPersona(cfg)
	if err != nil {
		return fmt.Errorf("app: build persona: %w", err)
	}

	sm.seq++
	now := time.Now().UTC()
	info := SessionInfo{
		ID:        fmt.Sprintf("voice-%s-%d", now.Format("20060102T150405Z"), sm.seq),
		Persona:   p.Name,
		StartedAt: now,
	}
	info.Theme, _ = persona.ParseTheme(cfg.Persona.Theme)

	sess := voice.NewSession(voice.Config{
		ID:           info.ID,
		Devices:      sm.backend,
		Input:        sm.backend,
		Output:       sm.backend,
		Provider:     sm.provider,
		ProviderName: cfg.Provider.Name,
		Session: s2s.SessionConfig{
			Instructions: p.Instructions,
			Voice:        p.Voice,
			InputFormat:  audio.PCM16(cfg.Audio.InputSampleRate),
		},
		Capture: voice.CaptureConfig{
			DeviceID:   cfg.Audio.InputDevice,
			SampleRate: cfg.Audio.InputSampleRate,
			FrameSize:  cfg.Audio.FrameSize,
		},
		OutputSampleRate: cfg.Audio.OutputSampleRate,
		ConnectTimeout:   cfg.Session.ConnectTimeout,
		Metrics:          sm.metrics,
	})
	sm.current, sm.info = sess, info

	sm.forwarders.Add(1)
	go sm.forward(sess, info, names)

	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("app: start session: %w", err)
	}
	slog.Info("voice session starting", "session_id", info.ID, "persona", info.Persona, "theme", info.Theme)
	return nil
}

// Retry starts a new attempt on a failed session.
func (sm *SessionManager) Retry(ctx context.Context) error {
	sess, _ := sm.Current()
	if sess == nil {
		return ErrNoSession
	}
	return sess.Retry(ctx)
}

// End hangs up the current session.
func (sm *SessionManager) End(ctx context.Context) error {
	sess, _ := sm.Current()
	if sess == nil {
		return ErrNoSession
	}
	return sess.End(ctx)
}

// Current returns the current session and its info, or nil.
func (sm *SessionManager) Current() (*voice.Session, SessionInfo) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.current, sm.info
}

// UpdateConfig replaces the configuration used for the next session.
func (sm *SessionManager) UpdateConfig(cfg *config.Config) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfg = cfg
}

// Close tears down the current session and waits until its events have been
// delivered to the sink.
func (sm *SessionManager) Close() error {
	sm.mu.Lock()
	sess := sm.current
	sm.current = nil
	sm.mu.Unlock()

	if sess != nil {
		_ = sess.Close()
	}
	sm.forwarders.Wait()
	return nil
}

// buildPersona returns the persona for the next session and the profile
// names its captions are corrected against.
func (sm *SessionManager) buildPersona(cfg *config.Config) (persona.Persona, []string, error) {
	theme, err := persona.ParseTheme(cfg.Persona.Theme)
	if err != nil {
		return persona.Persona{}, nil, err
	}
	if cfg.Persona.Profile == "" {
		return persona.Build(persona.Profile{FullName: fallbackOwner}, theme), nil, nil
	}
	profile, err := sm.loadProfile(cfg.Persona.Profile)
	if err != nil {
		return persona.Persona{}, nil, err
	}
	return persona.Build(profile, theme), profile.Names(), nil
}

// forward drains the session's events into the sink until the session is
// closed.
func (sm *SessionManager) forward(sess *voice.Session, info SessionInfo, names []string) {
	defer sm.forwarders.Done()
	log := slog.With("session_id", info.ID)
	for ev := range sess.Events() {
		switch ev.Kind {
		case voice.EventConnectionError:
			log.Warn("voice session failed", "reason", ev.Err.Reason, "err", ev.Err.Err)
		case voice.EventConnected:
			log.Info("voice session connected")
		case voice.EventClosed:
			log.Info("voice session closed")
		case voice.EventTranscript:
			text, fixes := sm.captions.Correct(ev.Text, names)
			for _, f := range fixes {
				log.Debug("caption corrected", "role", ev.Role, "from", f.Original, "to", f.Corrected, "confidence", f.Confidence)
			}
			ev.Text = text
		}
		if sm.sink != nil {
			sm.sink(info, ev)
		}
	}
}
