// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to push events as if they came from the remote model and to inspect
// which frames the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Open()
//	sess.Audio(frame)
//	sess.Fail(errors.New("boom"))
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider. Every successful
// Connect returns a fresh Session.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectGate, if non-nil, makes Connect block until the channel is
	// closed or the context is done.
	ConnectGate chan struct{}

	// SendErr is copied into each new Session.
	SendErr error

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// CapabilitiesCallCount is the number of times Capabilities was called.
	CapabilitiesCallCount int

	sessions []*Session
}

// Connect records the call and returns a new Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.ConnectGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := NewSession()
	s.SendErr = p.SendErr
	p.sessions = append(p.sessions, s)
	return s, nil
}

// Capabilities records the call and returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CapabilitiesCallCount++
	return p.ProviderCapabilities
}

// Sessions returns every session handed out so far.
func (p *Provider) Sessions() []*Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Session(nil), p.sessions...)
}

// LastSession returns the most recent session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ConnectCount returns the number of Connect calls.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectCalls = nil
	p.CapabilitiesCallCount = 0
	p.sessions = nil
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle. Events pushed after
// the session finished or was closed are dropped.
type Session struct {
	mu sync.Mutex

	// SendErr, if non-nil, is returned by Send.
	SendErr error

	// CallCountClose is the number of times Close was called.
	CallCountClose int

	sendCalls int
	sent     []audio.EncodedFrame
	events   chan s2s.Event
	finished bool
	closed   bool
}

// NewSession returns a Session with a generously buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan s2s.Event, 256)}
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)

// Send records frame. It returns SendErr, or s2s.ErrSessionClosed once the
// session has finished or been closed.
func (s *Session) Send(frame audio.EncodedFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCalls++
	if s.closed || s.finished {
		return s2s.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.sent = append(s.sent, frame)
	return nil
}

// Events returns the event channel.
func (s *Session) Events() <-chan s2s.Event { return s.events }

// Close marks the session closed and closes the event channel. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if s.closed {
		return nil
	}
	s.closed = true
	if !s.finished {
		s.finished = true
		close(s.events)
	}
	return nil
}

// Push delivers ev. Terminal events close the channel after delivery. It
// reports whether ev was delivered.
func (s *Session) Push(ev s2s.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.events <- ev
	if ev.Type == s2s.EventClose || ev.Type == s2s.EventError {
		s.finished = true
		close(s.events)
	}
	return true
}

// Open pushes EventOpen.
func (s *Session) Open() bool { return s.Push(s2s.Event{Type: s2s.EventOpen}) }

// Audio pushes an EventAudio carrying frame.
func (s *Session) Audio(frame audio.EncodedFrame) bool {
	return s.Push(s2s.Event{Type: s2s.EventAudio, Audio: frame})
}

// TurnComplete pushes EventTurnComplete.
func (s *Session) TurnComplete() bool { return s.Push(s2s.Event{Type: s2s.EventTurnComplete}) }

// Interrupted pushes EventInterrupted.
func (s *Session) Interrupted() bool { return s.Push(s2s.Event{Type: s2s.EventInterrupted}) }

// Transcript pushes an EventTranscript.
func (s *Session) Transcript(role, text string) bool {
	return s.Push(s2s.Event{Type: s2s.EventTranscript, Role: role, Text: text})
}

// End pushes the terminal EventClose.
func (s *Session) End() bool { return s.Push(s2s.Event{Type: s2s.EventClose}) }

// Fail pushes the terminal EventError.
func (s *Session) Fail(err error) bool { return s.Push(s2s.Event{Type: s2s.EventError, Err: err}) }

// Sent returns a copy of every frame accepted by Send.
func (s *Session) Sent() []audio.EncodedFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedFrame(nil), s.sent...)
}

// SendCount returns the number of Send calls, including rejected ones.
func (s *Session) SendCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendCalls
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
