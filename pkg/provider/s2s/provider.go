// Package s2s defines the Provider interface for realtime speech-to-speech
// backends.
//
// An S2S provider wraps a voice AI service that accepts a continuous stream of
// microphone audio and answers with synthesised speech over one long-lived,
// stateful session. There is no separate STT, LLM or TTS step: the remote
// model decides when the user has finished speaking and when to reply.
//
// The central abstraction is SessionHandle: frames go in through Send, and
// everything the remote side does comes back as typed [Event] values on a
// single channel, in arrival order.
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

var (
	// ErrSessionClosed is returned by Send after the session has closed.
	ErrSessionClosed = errors.New("s2s: session closed")

	// ErrBackpressure is returned by Send when the outbound queue is full.
	// The frame is not queued.
	ErrBackpressure = errors.New("s2s: outbound queue full")
)

// EventType discriminates the variants of [Event].
type EventType int

const (
	// EventOpen fires once when the remote side has accepted the session
	// setup. Frames sent before it are delivered right after it.
	EventOpen EventType = iota + 1

	// EventAudio carries one frame of synthesised speech.
	EventAudio

	// EventTurnComplete marks the end of the model's turn.
	EventTurnComplete

	// EventInterrupted means the model stopped its reply because the user
	// started speaking.
	EventInterrupted

	// EventTranscript carries optional text for either side of the
	// conversation.
	EventTranscript

	// EventClose means the session ended normally. It is the last event.
	EventClose

	// EventError means the session failed. It is the last event, and the
	// implementation has already released its connection.
	EventError
)

// String returns the event name.
func (t EventType) String() string {
	switch t {
	case EventOpen:
		return "open"
	case EventAudio:
		return "audio"
	case EventTurnComplete:
		return "turn_complete"
	case EventInterrupted:
		return "interrupted"
	case EventTranscript:
		return "transcript"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Transcript speaker roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

// Event is one notification from a session.
type Event struct {
	Type EventType

	// Audio is set for EventAudio.
	Audio audio.EncodedFrame

	// Text and Role are set for EventTranscript.
	Text string
	Role string

	// Err is set for EventError.
	Err error
}

// SessionConfig is the initial configuration for a new session.
type SessionConfig struct {
	// Instructions is the system-level prompt. It is sent once at connect
	// time and never updated mid-session.
	Instructions string

	// Voice is the provider's prebuilt voice name (e.g. "Kore"). Empty means
	// the provider default.
	Voice string

	// InputFormat describes the frames passed to Send. The zero value means
	// PCM16 at [audio.CaptureSampleRate].
	InputFormat audio.Format
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputFormat is the format the provider sends on the wire.
	InputFormat audio.Format

	// OutputFormat is the format of EventAudio frames.
	OutputFormat audio.Format

	// MaxSessionDuration is the provider-imposed session limit; zero means no
	// documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the prebuilt voice names the provider accepts.
	Voices []string
}

// SessionHandle represents an open session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// Callers must either call Close or read Events until it is closed.
type SessionHandle interface {
	// Send queues a frame for delivery. It never blocks on the network.
	// Frames are delivered in call order; frames sent before EventOpen are
	// held and flushed when the session opens. Returns [ErrBackpressure] when
	// the queue is full and [ErrSessionClosed] after the session ended.
	Send(frame audio.EncodedFrame) error

	// Events returns the event channel. It is closed after EventClose or
	// EventError, or after Close.
	Events() <-chan Event

	// Close terminates the session and releases all resources. No further
	// events are delivered after Close returns. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
type Provider interface {
	// Connect dials the service and starts session setup. It returns as soon
	// as the setup request has been sent; EventOpen follows when the remote
	// side acknowledges it. The caller owns the SessionHandle.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
