// Package voice runs one realtime voice conversation: it checks for a
// microphone, captures and frames audio, streams it to a speech-to-speech
// provider and schedules the spoken reply for gapless playback.
//
// A [Session] is a small state machine driven by a single goroutine. Commands
// (Start, Retry, End, Close), acquisition results, microphone frames,
// transport events and playback completions all arrive on channels and are
// handled one at a time, so none of the session's resources need locking.
//
//	Idle ──Start──▶ Connecting ──open──▶ Active ──End/close──▶ Ended
//	                    │                  │
//	                    └──failure──▶ Error ◀──failure
//	                                    │
//	                                  Retry ──▶ Connecting
//
// UI-facing notifications are delivered as [Event] values on [Session.Events].
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voxfolio/internal/observe"
	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
)

const defaultEventBuffer = 64

// errTransportClosed is the cause recorded when the transport closes before
// the session became active.
var errTransportClosed = errors.New("voice: transport closed before session opened")

// State is the lifecycle state of a [Session].
type State int

const (
	// StateIdle is the initial state. Only Start is accepted.
	StateIdle State = iota

	// StateConnecting means devices and the transport are being acquired.
	StateConnecting

	// StateActive means the transport is open and audio flows both ways.
	StateActive

	// StateEnded is terminal.
	StateEnded

	// StateError means the last attempt failed. Retry starts a new one.
	StateError
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventConnectingStarted fires when an attempt begins.
	EventConnectingStarted EventKind = iota + 1

	// EventConnected fires when the session becomes active.
	EventConnected

	// EventLoudnessChanged carries a new meter level in Event.Loudness.
	EventLoudnessChanged

	// EventTurnCompleted fires when the model finishes speaking a turn.
	EventTurnCompleted

	// EventConnectionError carries the failure in Event.Err.
	EventConnectionError

	// EventClosed fires when the session ends.
	EventClosed

	// EventTranscript carries optional caption text in Event.Text.
	EventTranscript
)

// String returns the event name used on the browser bridge.
func (k EventKind) String() string {
	switch k {
	case EventConnectingStarted:
		return "connecting_started"
	case EventConnected:
		return "connected"
	case EventLoudnessChanged:
		return "loudness_changed"
	case EventTurnCompleted:
		return "turn_completed"
	case EventConnectionError:
		return "connection_error"
	case EventClosed:
		return "closed"
	case EventTranscript:
		return "transcript"
	default:
		return "unknown"
	}
}

// Event is a notification for the user interface.
type Event struct {
	Kind EventKind

	// State is the session state after the event.
	State State

	// Loudness is set for EventLoudnessChanged.
	Loudness audio.Loudness

	// Err is set for EventConnectionError.
	Err *Error

	// Text and Role are set for EventTranscript.
	Text string
	Role string
}

// Config wires a [Session] to its devices and provider.
type Config struct {
	// ID identifies the session in logs. Optional.
	ID string

	// Devices is consulted by the gatekeeper before the microphone is opened.
	Devices audio.Enumerator

	// Input opens the microphone.
	Input audio.Input

	// Output opens the speaker.
	Output audio.Output

	// Provider is the speech-to-speech backend.
	Provider s2s.Provider

	// ProviderName labels connect metrics.
	ProviderName string

	// Session is passed to Provider.Connect on every attempt.
	Session s2s.SessionConfig

	// Capture tunes the microphone pipeline.
	Capture CaptureConfig

	// OutputSampleRate is the rate the output device is opened at. Defaults
	// to [audio.PlaybackSampleRate].
	OutputSampleRate int

	// ConnectTimeout bounds the Connecting state. Zero disables it.
	ConnectTimeout time.Duration

	// EventBuffer is the capacity of the Events channel. Defaults to 64.
	EventBuffer int

	// Metrics receives session metrics. Nil means [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdRetry
	cmdEnd
)

type command struct {
	kind  commandKind
	ctx   context.Context
	reply chan error
}

// attempt is the outcome of one acquisition run.
type attempt struct {
	gen       uint64
	capture   *CaptureHandle
	out       audio.OutputStream
	transport s2s.SessionHandle
	err       error
}

// Session is one voice conversation. Create it with [NewSession]; all methods
// are safe for concurrent use.
type Session struct {
	cfg     Config
	gate    *Gatekeeper
	capture *Capture
	metrics *observe.Metrics

	cmds    chan command
	results chan attempt
	events  chan Event
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once

	mu       sync.RWMutex
	state    State
	loudness audio.Loudness
	lastErr  *Error

	// Owned by the loop goroutine.
	gen           uint64
	cancelAttempt context.CancelFunc
	attemptCtx    context.Context
	connectStart  time.Time
	timer         *time.Timer
	timeoutC      <-chan time.Time
	mic           *CaptureHandle
	transport     s2s.SessionHandle
	out           audio.OutputStream
	sched         *Scheduler
	frames        <-chan CapturedFrame
	transportEvs  <-chan s2s.Event
	ended         <-chan audio.SourceID
}

// NewSession creates a Session in [StateIdle] and starts its loop. Call
// [Session.Close] to release it.
func NewSession(cfg Config) *Session {
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = audio.PlaybackSampleRate
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	if cfg.ProviderName == "" {
		cfg.ProviderName = "unknown"
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	captureCfg := cfg.Capture
	onDrop := captureCfg.OnDrop
	captureCfg.OnDrop = func() {
		metrics.RecordFrameDropped(context.Background(), observe.StageCapture)
		if onDrop != nil {
			onDrop()
		}
	}

	s := &Session{
		cfg:     cfg,
		gate:    NewGatekeeper(cfg.Devices),
		capture: NewCapture(cfg.Input, captureCfg),
		metrics: metrics,
		cmds:    make(chan command),
		results: make(chan attempt),
		events:  make(chan Event, cfg.EventBuffer),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Events returns the UI event channel. It is closed after Close.
func (s *Session) Events() <-chan Event { return s.events }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Loudness returns the current meter level.
func (s *Session) Loudness() audio.Loudness {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loudness
}

// Err returns the failure that put the session into [StateError], or nil.
func (s *Session) Err() *Error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Start begins the first connection attempt. It is only valid in
// [StateIdle]. It returns once the session is Connecting; the outcome arrives
// as an [Event]. ctx bounds the command hand-off, and its values (such as the
// active trace span) are carried into the attempt.
func (s *Session) Start(ctx context.Context) error {
	return s.do(ctx, cmdStart)
}

// Retry starts a fresh attempt from [StateError].
func (s *Session) Retry(ctx context.Context) error {
	return s.do(ctx, cmdRetry)
}

// End hangs up. It is valid from Connecting, Active and Error; calling it on
// an ended session is a no-op.
func (s *Session) End(ctx context.Context) error {
	return s.do(ctx, cmdEnd)
}

// Close tears the session down from any state, stops the loop and closes the
// Events channel. Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
	return nil
}

func (s *Session) do(ctx context.Context, kind commandKind) error {
	cmd := command{kind: kind, ctx: ctx, reply: make(chan error, 1)}
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closing:
		return ErrClosed
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// ── loop ────────────────────────────────────────────────────────────────────

func (s *Session) run() {
	defer close(s.done)
	defer close(s.events)

	for {
		select {
		case <-s.closing:
			s.shutdown()
			return
		case cmd := <-s.cmds:
			cmd.reply <- s.handleCommand(cmd)
		case res := <-s.results:
			s.onAttempt(res)
		case <-s.timeoutC:
			s.onTimeout()
		case cf, ok := <-s.frames:
			if !ok {
				s.onCaptureEnded()
				continue
			}
			s.onCapturedFrame(cf)
		case ev, ok := <-s.transportEvs:
			if !ok {
				s.transportEvs = nil
				s.onTransportEvent(s2s.Event{Type: s2s.EventClose})
				continue
			}
			s.onTransportEvent(ev)
		case id, ok := <-s.ended:
			if !ok {
				s.ended = nil
				continue
			}
			s.sched.Ended(id)
		}
	}
}

func (s *Session) handleCommand(cmd command) error {
	state := s.State()
	switch cmd.kind {
	case cmdStart:
		switch state {
		case StateIdle:
			s.beginAttempt(cmd.ctx)
			return nil
		case StateEnded:
			return ErrSessionEnded
		}
	case cmdRetry:
		switch state {
		case StateError:
			s.beginAttempt(cmd.ctx)
			return nil
		case StateEnded:
			return ErrSessionEnded
		}
	case cmdEnd:
		switch state {
		case StateConnecting, StateActive, StateError:
			s.end()
			return nil
		case StateEnded:
			return nil
		}
	}
	return fmt.Errorf("%w: %s from %s", ErrInvalidTransition, cmd.kind, state)
}

func (k commandKind) String() string {
	switch k {
	case cmdStart:
		return "start"
	case cmdRetry:
		return "retry"
	case cmdEnd:
		return "end"
	default:
		return "unknown"
	}
}

func (s *Session) beginAttempt(ctx context.Context) {
	s.gen++
	gen := s.gen

	base := observe.WithSession(context.WithoutCancel(ctx), s.cfg.ID)
	s.attemptCtx, s.cancelAttempt = context.WithCancel(base)
	s.connectStart = time.Now()
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	s.setState(StateConnecting)

	if s.cfg.ConnectTimeout > 0 {
		s.timer = time.NewTimer(s.cfg.ConnectTimeout)
		s.timeoutC = s.timer.C
	}

	s.metrics.SessionsStarted.Add(s.attemptCtx, 1)
	observe.Logger(s.attemptCtx).Info("voice: connecting", "provider", s.cfg.ProviderName, "attempt", gen)
	s.emit(Event{Kind: EventConnectingStarted})

	go s.acquire(s.attemptCtx, gen)
}

// acquire opens everything an attempt needs, in order, and rolls back what it
// acquired if a later step fails.
func (s *Session) acquire(ctx context.Context, gen uint64) {
	ctx, span := observe.StartSpan(ctx, "voice.acquire")
	defer span.End()

	res := attempt{gen: gen}
	res.capture, res.out, res.transport, res.err = s.open(ctx)
	if res.err != nil {
		span.RecordError(res.err)
	}

	select {
	case s.results <- res:
	case <-s.done:
		rollback(res)
	}
}

func (s *Session) open(ctx context.Context) (*CaptureHandle, audio.OutputStream, s2s.SessionHandle, error) {
	if err := s.gate.CheckAvailability(ctx); err != nil {
		return nil, nil, nil, err
	}

	mic, err := s.capture.Start(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	out, err := s.cfg.Output.OpenOutput(ctx, s.cfg.OutputSampleRate)
	if err != nil {
		mic.Stop()
		return nil, nil, nil, outputError(fmt.Errorf("voice: open output: %w", err))
	}

	transport, err := s.cfg.Provider.Connect(ctx, s.cfg.Session)
	if err != nil {
		mic.Stop()
		_ = out.Close()
		return nil, nil, nil, wrapError(fmt.Errorf("voice: connect %s: %w", s.cfg.ProviderName, err))
	}
	return mic, out, transport, nil
}

func rollback(res attempt) {
	res.capture.Stop()
	if res.transport != nil {
		_ = res.transport.Close()
	}
	if res.out != nil {
		_ = res.out.Close()
	}
}

func (s *Session) onAttempt(res attempt) {
	if res.gen != s.gen || s.State() != StateConnecting {
		rollback(res)
		return
	}
	if res.err != nil {
		s.metrics.RecordConnect(s.attemptCtx, s.cfg.ProviderName, "error", time.Since(s.connectStart))
		s.fail(wrapError(res.err))
		return
	}

	s.mic = res.capture
	s.out = res.out
	s.transport = res.transport
	s.sched = NewScheduler(res.out)
	s.frames = res.capture.Frames()
	s.transportEvs = res.transport.Events()
	s.ended = res.out.Ended()
}

func (s *Session) onTimeout() {
	s.timeoutC = nil
	if s.State() != StateConnecting {
		return
	}
	s.metrics.RecordConnect(s.attemptCtx, s.cfg.ProviderName, "timeout", time.Since(s.connectStart))
	s.fail(&Error{Reason: ReasonTimeout, Err: context.DeadlineExceeded})
}

func (s *Session) onCapturedFrame(cf CapturedFrame) {
	if s.State() != StateActive {
		return
	}
	switch err := s.transport.Send(cf.Frame); {
	case err == nil:
		s.metrics.FramesSent.Add(s.attemptCtx, 1)
	case errors.Is(err, s2s.ErrBackpressure):
		s.metrics.RecordFrameDropped(s.attemptCtx, observe.StageSend)
	case errors.Is(err, s2s.ErrSessionClosed):
		// The terminal transport event follows.
	default:
		observe.Logger(s.attemptCtx).Warn("voice: send frame", "err", err)
	}
	s.setLoudness(cf.Loudness)
}

func (s *Session) onCaptureEnded() {
	err := s.mic.Err()
	s.frames = nil
	if err == nil {
		return
	}
	s.fail(&Error{
		Reason:      Classify(err),
		Interrupted: s.State() == StateActive,
		Err:         fmt.Errorf("voice: capture: %w", err),
	})
}

func (s *Session) onTransportEvent(ev s2s.Event) {
	state := s.State()
	switch ev.Type {
	case s2s.EventOpen:
		if state != StateConnecting {
			return
		}
		s.stopTimer()
		s.metrics.RecordConnect(s.attemptCtx, s.cfg.ProviderName, "ok", time.Since(s.connectStart))
		s.metrics.ActiveSessions.Add(s.attemptCtx, 1)
		s.setState(StateActive)
		s.mic.Begin()
		observe.Logger(s.attemptCtx).Info("voice: session active", "provider", s.cfg.ProviderName)
		s.emit(Event{Kind: EventConnected})

	case s2s.EventAudio:
		if state != StateActive {
			return
		}
		sch, err := s.sched.OnFrameReceived(ev.Audio)
		if err != nil {
			s.metrics.RecordFrameDropped(s.attemptCtx, observe.StageDecode)
			observe.Logger(s.attemptCtx).Warn("voice: dropping model audio", "err", err)
			return
		}
		s.metrics.FramesReceived.Add(s.attemptCtx, 1)
		if sch.Gap > 0 {
			s.metrics.PlaybackUnderruns.Add(s.attemptCtx, 1)
			observe.Logger(s.attemptCtx).Debug("voice: playback underrun", "gap", sch.Gap)
		}
		s.setLoudness(sch.Loudness)

	case s2s.EventTurnComplete:
		if state != StateActive {
			return
		}
		s.sched.EndTurn()
		s.metrics.TurnsCompleted.Add(s.attemptCtx, 1)
		s.setLoudness(0)
		s.emit(Event{Kind: EventTurnCompleted})

	case s2s.EventInterrupted:
		if state != StateActive {
			return
		}
		s.sched.EndTurn()
		observe.Logger(s.attemptCtx).Debug("voice: model interrupted")

	case s2s.EventTranscript:
		if state != StateActive {
			return
		}
		s.emit(Event{Kind: EventTranscript, Text: ev.Text, Role: ev.Role})

	case s2s.EventClose:
		switch state {
		case StateActive:
			s.end()
		case StateConnecting:
			s.metrics.RecordConnect(s.attemptCtx, s.cfg.ProviderName, "error", time.Since(s.connectStart))
			s.fail(&Error{Reason: ReasonConnectionFailed, Err: errTransportClosed})
		}

	case s2s.EventError:
		if state != StateActive && state != StateConnecting {
			return
		}
		if state == StateConnecting {
			s.metrics.RecordConnect(s.attemptCtx, s.cfg.ProviderName, "error", time.Since(s.connectStart))
		}
		s.fail(&Error{
			Reason:      ReasonConnectionFailed,
			Interrupted: state == StateActive,
			Err:         ev.Err,
		})
	}
}

// ── transitions ─────────────────────────────────────────────────────────────

func (s *Session) fail(err *Error) {
	ctx := s.attemptCtx
	s.teardown()
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
	s.setState(StateError)

	s.metrics.RecordSessionError(ctx, err.Reason.String())
	observe.Logger(ctx).Warn("voice: session failed", "reason", err.Reason, "interrupted", err.Interrupted, "err", err.Err)
	s.emit(Event{Kind: EventConnectionError, Err: err})
}

func (s *Session) end() {
	ctx := s.attemptCtx
	s.teardown()
	s.setState(StateEnded)
	if ctx != nil {
		observe.Logger(ctx).Info("voice: session ended")
	}
	s.emit(Event{Kind: EventClosed})
}

func (s *Session) shutdown() {
	if s.State() != StateEnded {
		s.teardown()
		s.setState(StateEnded)
		select {
		case s.events <- Event{Kind: EventClosed, State: StateEnded}:
		default:
		}
	}
}

// teardown releases everything the current attempt holds and detaches its
// channels from the loop. Late results from this attempt are rolled back by
// onAttempt because the generation moves on.
func (s *Session) teardown() {
	s.gen++
	s.stopTimer()
	if s.cancelAttempt != nil {
		s.cancelAttempt()
		s.cancelAttempt = nil
	}
	if s.State() == StateActive {
		s.metrics.ActiveSessions.Add(context.Background(), -1)
	}

	s.mic.Stop()
	if s.transport != nil {
		_ = s.transport.Close()
	}
	if s.sched != nil {
		if n := s.sched.Active(); n > 0 {
			observe.Logger(s.attemptCtx).Debug("voice: stopping playback", "sources", n, "next_start", s.sched.NextStart())
		}
		s.sched.StopAll()
	}
	if s.out != nil {
		_ = s.out.Close()
	}

	s.mic, s.transport, s.out, s.sched = nil, nil, nil, nil
	s.frames, s.transportEvs, s.ended = nil, nil, nil

	if s.Loudness() != 0 {
		s.setLoudness(0)
	}
}

func (s *Session) stopTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timeoutC = nil
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) setLoudness(l audio.Loudness) {
	s.mu.Lock()
	s.loudness = l
	s.mu.Unlock()
	s.emit(Event{Kind: EventLoudnessChanged, Loudness: l})
}

// emit delivers ev to the UI. Meter and caption updates are dropped when the
// consumer lags; state changes wait for it unless the session is closing.
func (s *Session) emit(ev Event) {
	ev.State = s.State()
	select {
	case s.events <- ev:
		return
	default:
	}
	if ev.Kind == EventLoudnessChanged || ev.Kind == EventTranscript {
		return
	}
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}
