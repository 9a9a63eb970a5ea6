// Package audio defines the audio formats, codecs and device capability
// interfaces used by the voxfolio voice pipeline.
//
// The pipeline never talks to a platform audio API directly. Instead it goes
// through three narrow capabilities:
//
//   - [Enumerator]: lists input devices without reserving them.
//   - [Input]: opens the microphone and delivers raw sample chunks.
//   - [Output]: opens the speaker and plays buffers at scheduled times on a
//     monotonic output clock.
//
// Implementations live in adapter packages (audio/local for local devices,
// audio/browser for a visitor's browser over a websocket, audio/mock for
// tests). A [Backend] bundles all three.
package audio

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors surfaced by device adapters. Adapters wrap their native
// errors with one of these so that callers can classify failures with
// [errors.Is] without knowing the platform.
var (
	// ErrIntrospectionBlocked means the platform refused to list devices (for
	// example a privacy restriction). It is not a device failure.
	ErrIntrospectionBlocked = errors.New("audio: device introspection blocked")

	// ErrPermissionDenied means the user or a policy declined device access.
	ErrPermissionDenied = errors.New("audio: permission denied")

	// ErrDeviceNotFound means the requested device does not exist.
	ErrDeviceNotFound = errors.New("audio: device not found")

	// ErrDeviceBusy means another application holds the device.
	ErrDeviceBusy = errors.New("audio: device busy")

	// ErrUnsupported means the platform cannot build the required audio graph.
	ErrUnsupported = errors.New("audio: unsupported")

	// ErrClosed is returned by operations on a closed stream.
	ErrClosed = errors.New("audio: stream closed")
)

// DeviceKind distinguishes capture from playback devices.
type DeviceKind int

const (
	// DeviceInput is a capture device (microphone).
	DeviceInput DeviceKind = iota

	// DeviceOutput is a playback device (speaker, headphones).
	DeviceOutput
)

// String returns the human-readable name of the device kind.
func (k DeviceKind) String() string {
	switch k {
	case DeviceInput:
		return "audioinput"
	case DeviceOutput:
		return "audiooutput"
	default:
		return "unknown"
	}
}

// DeviceInfo describes a device reported by an [Enumerator].
type DeviceInfo struct {
	// ID is the platform-specific device identifier.
	ID string

	// Name is the human-readable device label. It may be empty when the
	// platform hides labels before permission is granted.
	Name string

	// Kind reports whether this is an input or output device.
	Kind DeviceKind

	// Default is true for the system default device of its kind.
	Default bool
}

// Enumerator lists audio input devices.
type Enumerator interface {
	// InputDevices returns the available capture devices. It must not open
	// or reserve any device. When the platform refuses introspection it
	// returns an error wrapping [ErrIntrospectionBlocked].
	InputDevices(ctx context.Context) ([]DeviceInfo, error)
}

// InputConfig requests capture parameters. Adapters deliver the nearest
// configuration the platform supports and report it via [InputStream.SampleRate].
type InputConfig struct {
	// DeviceID selects a device; empty means the system default.
	DeviceID string

	// SampleRate is the requested rate in Hz.
	SampleRate int

	// Channels is the requested channel count. The pipeline always asks for 1.
	Channels int
}

// InputStream is an open, exclusively owned capture device.
type InputStream interface {
	// Chunks returns a channel delivering mono float samples in capture order.
	// Chunk sizes are platform-defined. The channel is closed when the stream
	// is closed or the device fails; check [InputStream.Err] afterwards.
	Chunks() <-chan []float32

	// SampleRate returns the actual capture rate in Hz.
	SampleRate() int

	// Err returns the error that terminated the stream, or nil.
	Err() error

	// Close releases the device. Calling Close more than once is safe.
	Close() error
}

// Input opens capture devices.
type Input interface {
	// OpenInput acquires exclusive use of a capture device. Failures wrap one
	// of [ErrPermissionDenied], [ErrDeviceNotFound], [ErrDeviceBusy] or
	// [ErrUnsupported].
	OpenInput(ctx context.Context, cfg InputConfig) (InputStream, error)
}

// SourceID identifies a buffer scheduled on an [OutputStream].
type SourceID uint64

// OutputStream is an open playback device with a monotonic clock.
type OutputStream interface {
	// Now returns the current output clock. The clock starts at zero when the
	// stream opens and never decreases.
	Now() time.Duration

	// Schedule queues samples recorded at sampleRate to start playing at the
	// output clock value at. Start times in the past play immediately.
	Schedule(samples []float32, sampleRate int, at time.Duration) (SourceID, error)

	// Stop halts a scheduled or playing source immediately. Stopping an
	// unknown or finished source is a no-op.
	Stop(id SourceID)

	// Ended delivers the ID of every source that finished naturally. Sources
	// removed by Stop are not reported.
	Ended() <-chan SourceID

	// Close stops all sources and releases the device. Idempotent.
	Close() error
}

// Output opens playback devices.
type Output interface {
	// OpenOutput acquires the playback device running at sampleRate.
	OpenOutput(ctx context.Context, sampleRate int) (OutputStream, error)
}

// Backend bundles the three capabilities offered by one audio platform.
type Backend interface {
	Enumerator
	Input
	Output
}
