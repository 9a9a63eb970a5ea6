package voice

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

var (
	// ErrInvalidTransition is returned when a command is not allowed in the
	// current state.
	ErrInvalidTransition = errors.New("voice: invalid state transition")

	// ErrSessionEnded is returned by Start and Retry once the session has
	// reached [StateEnded]. A new conversation needs a new Session.
	ErrSessionEnded = errors.New("voice: session ended")

	// ErrClosed is returned by commands issued after [Session.Close].
	ErrClosed = errors.New("voice: session closed")
)

// Reason is the category of a session failure. Every error that reaches the
// state machine is normalised into one of these.
type Reason int

const (
	// ReasonNone means no failure.
	ReasonNone Reason = iota

	// ReasonNoDevice means no microphone hardware was found.
	ReasonNoDevice

	// ReasonPermissionDenied means the user or a policy refused microphone
	// access.
	ReasonPermissionDenied

	// ReasonDeviceBusy means another application holds the microphone.
	ReasonDeviceBusy

	// ReasonUnsupported means the platform lacks a required audio capability.
	ReasonUnsupported

	// ReasonConnectionFailed covers a transport that could not open or was
	// interrupted mid-session.
	ReasonConnectionFailed

	// ReasonTimeout means the transport did not open within the configured
	// connect timeout.
	ReasonTimeout

	// ReasonNoOutput means the playback device could not be opened.
	ReasonNoOutput
)

// String returns the snake_case name used in logs and metric attributes.
func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonNoDevice:
		return "no_device"
	case ReasonPermissionDenied:
		return "permission_denied"
	case ReasonDeviceBusy:
		return "device_busy"
	case ReasonUnsupported:
		return "unsupported"
	case ReasonConnectionFailed:
		return "connection_failed"
	case ReasonTimeout:
		return "timeout"
	case ReasonNoOutput:
		return "no_output"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// Message returns the short user-facing text for r.
func (r Reason) Message() string {
	switch r {
	case ReasonNoDevice:
		return "Microphone not found. Please connect a mic."
	case ReasonPermissionDenied:
		return "Microphone permission denied. Please allow access."
	case ReasonDeviceBusy:
		return "Microphone is busy. Close other apps."
	case ReasonUnsupported:
		return "Voice is not supported on this device."
	case ReasonConnectionFailed:
		return "Connection failed. Check your API Key or Network."
	case ReasonTimeout:
		return "Connection timed out. Please try again."
	case ReasonNoOutput:
		return "Speaker unavailable. Check your audio output."
	default:
		return ""
	}
}

// Error is a categorised session failure.
type Error struct {
	Reason Reason

	// Interrupted is true when the failure ended a session that had already
	// become active.
	Interrupted bool

	Err error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return "voice: " + e.Reason.String()
	}
	return fmt.Sprintf("voice: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message returns the user-facing text for the failure.
func (e *Error) Message() string {
	if e.Interrupted && e.Reason == ReasonConnectionFailed {
		return "Connection interrupted. Please try again."
	}
	return e.Reason.Message()
}

// Classify maps err onto a Reason. Device sentinels from package audio keep
// their category; deadlines become [ReasonTimeout]; every other error,
// including transport and circuit breaker failures, is [ReasonConnectionFailed].
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Reason
	}
	switch {
	case errors.Is(err, audio.ErrDeviceNotFound):
		return ReasonNoDevice
	case errors.Is(err, audio.ErrPermissionDenied):
		return ReasonPermissionDenied
	case errors.Is(err, audio.ErrDeviceBusy):
		return ReasonDeviceBusy
	case errors.Is(err, audio.ErrUnsupported):
		return ReasonUnsupported
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonConnectionFailed
	}
}

// outputError categorises a failure to open the playback device. Device
// sentinels describe the speaker here, not the microphone, so they all become
// [ReasonNoOutput]; only unsupported platforms and deadlines keep their
// category.
func outputError(err error) *Error {
	switch r := Classify(err); r {
	case ReasonUnsupported, ReasonTimeout:
		return &Error{Reason: r, Err: err}
	default:
		return &Error{Reason: ReasonNoOutput, Err: err}
	}
}

// wrapError returns err as an *Error, classifying it if needed.
func wrapError(err error) *Error {
	var ve *Error
	if errors.As(err, &ve) {
		return ve
	}
	return &Error{Reason: Classify(err), Err: err}
}
