// Package app wires the voxfolio subsystems into a running server.
//
// New builds the HTTP surface (health checks, metrics and the browser audio bridge)
// and the [SessionManager]; Run serves it and dispatches start, end and retry
// requests from the visitor's browser or the local console until the context
// is cancelled; Shutdown drains and tears everything down.
//
// For testing, inject doubles via functional options (WithListener,
// WithMetrics, WithProfileLoader, ...).
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxfolio/internal/config"
	"github.com/MrWong99/voxfolio/internal/health"
	"github.com/MrWong99/voxfolio/internal/observe"
	"github.com/MrWong99/voxfolio/internal/persona"
	"github.com/MrWong99/voxfolio/internal/resilience"
	"github.com/MrWong99/voxfolio/internal/voice"
	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/audio/browser"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
)

const (
	shutdownTimeout = 10 * time.Second
	notifyTimeout   = 2 * time.Second
)

// errQuit is returned by the console loop when the operator types quit.
var errQuit = errors.New("app: quit requested")

// App owns the server, the session manager and the audio backend.
type App struct {
	cfg      *config.Config
	provider *resilience.GuardedProvider
	backend  audio.Backend
	bridge   *browser.Bridge

	metrics        *observe.Metrics
	metricsHandler http.Handler
	level          *slog.LevelVar
	loadProfile    func(string) (persona.Profile, error)

	manager  *SessionManager
	health   *health.Handler
	server   *http.Server
	listener net.Listener

	consoleIn  io.Reader
	consoleOut io.Writer

	stopOnce sync.Once
	stopErr  error
}

// Option is a functional option for New.
type Option func(*App)

// WithMetrics overrides [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler replaces the Prometheus handler mounted at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLevel lets config reloads adjust the log level at runtime.
func WithLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithListener serves on ln instead of listening on server.listen_addr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.listener = ln }
}

// WithConsole enables the line-based controller that reads start, end,
// retry and quit from in and prints session events to out.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.consoleIn, a.consoleOut = in, out }
}

// WithProfileLoader replaces [persona.LoadProfile].
func WithProfileLoader(fn func(string) (persona.Profile, error)) Option {
	return func(a *App) { a.loadProfile = fn }
}

// New wires an App. The provider is wrapped in a circuit breaker configured
// by session.breaker. When backend is a [*browser.Bridge] it is mounted at
// /voice and its commands drive the session manager.
func New(cfg *config.Config, provider s2s.Provider, backend audio.Backend, opts ...Option) (*App, error) {
	if provider == nil {
		return nil, errors.New("app: provider is required")
	}
	if backend == nil {
		return nil, errors.New("app: audio backend is required")
	}

	a := &App{cfg: cfg, backend: backend}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	a.bridge, _ = backend.(*browser.Bridge)

	a.provider = resilience.GuardProvider(provider, resilience.CircuitBreakerConfig{
		Name:         cfg.Provider.Name,
		MaxFailures:  cfg.Session.Breaker.MaxFailures,
		ResetTimeout: cfg.Session.Breaker.ResetTimeout,
	})

	a.manager = NewSessionManager(SessionManagerConfig{
		Backend:     backend,
		Provider:    a.provider,
		Config:      cfg,
		Metrics:     a.metrics,
		Sink:        a.deliver,
		LoadProfile: a.loadProfile,
	})

	a.health = health.New(a.checkers()...)
	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

// Sessions returns the session manager.
func (a *App) Sessions() *SessionManager { return a.manager }

// Handler returns the HTTP surface: /healthz, /readyz, /metrics and, with
// the browser backend, /voice.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", a.metricsHandler)
	if a.bridge != nil {
		mux.Handle("GET /voice", a.bridge.Handler())
	}
	return observe.Middleware(a.metrics)(mux)
}

func (a *App) checkers() []health.Checker {
	checks := []health.Checker{{
		Name: "provider",
		Check: func(context.Context) error {
			if a.provider.Breaker().State() == resilience.StateOpen {
				return resilience.ErrCircuitOpen
			}
			return nil
		},
	}}
	if a.bridge == nil {
		// A local backend is only ready with a microphone plugged in.
		checks = append(checks, health.Checker{
			Name: "audio",
			Check: func(ctx context.Context) error {
				return voice.NewGatekeeper(a.backend).CheckAvailability(ctx)
			},
		})
	}
	return checks
}

// Run serves HTTP and dispatches session commands until ctx is cancelled or
// the console asks to quit. It then shuts the app down.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.serve() })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})
	if a.bridge != nil {
		g.Go(func() error { return a.runBridgeCommands(gctx) })
	}
	if a.consoleIn != nil {
		g.Go(func() error { return a.runConsole(gctx) })
	}

	slog.Info("voxfolio ready",
		"listen_addr", a.cfg.Server.ListenAddr,
		"provider", a.cfg.Provider.Name,
		"backend", a.cfg.Audio.Backend,
	)

	err := g.Wait()
	if errors.Is(err, errQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) serve() error {
	var err error
	tls := a.cfg.Server.TLS
	switch {
	case a.listener != nil && tls != nil:
		err = a.server.ServeTLS(a.listener, tls.CertFile, tls.KeyFile)
	case a.listener != nil:
		err = a.server.Serve(a.listener)
	case tls != nil:
		err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
	default:
		err = a.server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("app: http server: %w", err)
}

func (a *App) runBridgeCommands(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-a.bridge.Commands():
			if err := a.dispatch(ctx, cmd.String()); err != nil {
				slog.Warn("browser command failed", "command", cmd, "err", err)
			}
		}
	}
}

// dispatch runs one named session command.
func (a *App) dispatch(ctx context.Context, name string) error {
	switch name {
	case "start":
		return a.manager.Start(ctx)
	case "end":
		return a.manager.End(ctx)
	case "retry":
		return a.manager.Retry(ctx)
	default:
		return fmt.Errorf("app: unknown command %q", name)
	}
}

// deliver forwards session events to the visitor's browser and the console.
func (a *App) deliver(info SessionInfo, ev voice.Event) {
	if a.bridge != nil {
		ctx, cancel := context.WithTimeout(observe.WithSession(context.Background(), info.ID), notifyTimeout)
		if err := a.bridge.Notify(ctx, noticeFor(ev)); err != nil {
			observe.Logger(ctx).Debug("notify visitor failed", "event", ev.Kind, "err", err)
		}
		cancel()
	}
	if a.consoleOut != nil && ev.Kind != voice.EventLoudnessChanged {
		printEvent(a.consoleOut, info, ev)
	}
}

// noticeFor maps a session event onto the bridge's UI notice.
func noticeFor(ev voice.Event) browser.Notice {
	n := browser.Notice{Name: ev.Kind.String()}
	switch ev.Kind {
	case voice.EventLoudnessChanged:
		n.Value = float64(ev.Loudness)
	case voice.EventConnectionError:
		if ev.Err != nil {
			n.Reason = ev.Err.Reason.String()
			n.Message = ev.Err.Message()
		}
	case voice.EventTranscript:
		n.Message = ev.Text
		n.Role = ev.Role
	}
	return n
}

// ApplyConfig is the config watcher callback. The log level changes at once;
// everything else is picked up by the next session.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.PersonaChanged || d.SessionChanged {
		slog.Info("config change applies to the next session",
			"persona_changed", d.PersonaChanged,
			"session_changed", d.SessionChanged,
		)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config change requires a restart to take effect", "settings", d.RestartRequired)
	}
	// The provider, backend and breaker were built at startup and stay.
	next := *new
	next.Server = a.cfg.Server
	next.Provider = a.cfg.Provider
	next.Audio = a.cfg.Audio
	next.Session.Breaker = a.cfg.Session.Breaker
	a.manager.UpdateConfig(&next)
}

// Shutdown marks the server as draining, stops accepting requests and closes
// the current session. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down")
		a.health.SetDraining(true)

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("app: http shutdown: %w", err))
		}
		if err := a.manager.Close(); err != nil {
			errs = append(errs, err)
		}
		a.stopErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return a.stopErr
}
