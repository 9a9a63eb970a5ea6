package browser

import "github.com/MrWong99/voxfolio/pkg/audio"

// Message types exchanged over the bridge websocket. Text frames carry JSON
// envelopes; binary frames from the visitor carry little-endian float32 mono
// microphone samples.
const (
	typeHello   = "hello"
	typeStart   = "start"
	typeEnd     = "end"
	typeRetry   = "retry"
	typeCapture = "capture"
	typeOutput  = "output"
	typePlay    = "play"
	typeStop    = "stop"
	typeEvent   = "event"
)

// Permission states reported by the visitor's browser for the microphone.
const (
	permissionGranted     = "granted"
	permissionPrompt      = "prompt"
	permissionDenied      = "denied"
	permissionBusy        = "busy"
	permissionUnsupported = "unsupported"
	permissionNotFound    = "not_found"
)

// envelope is decoded first to dispatch on Type.
type envelope struct {
	Type string `json:"type"`
}

// deviceJSON is one entry of the browser's device list.
type deviceJSON struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	Kind  string `json:"kind"`
}

// helloMessage is sent by the visitor on connect and again whenever its
// device list or permission state changes.
type helloMessage struct {
	Type          string       `json:"type"`
	Devices       []deviceJSON `json:"devices"`
	Introspection string       `json:"introspection"` // "ok" or "blocked"
	Permission    string       `json:"permission"`
	SampleRate    int          `json:"sampleRate"`
}

// captureMessage asks the visitor to start or stop streaming microphone audio.
type captureMessage struct {
	Type       string `json:"type"`
	Active     bool   `json:"active"`
	SampleRate int    `json:"sampleRate,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
}

// outputMessage opens or closes the visitor's playback graph. The visitor's
// scheduling baseline is the moment it receives an active output message.
type outputMessage struct {
	Type       string `json:"type"`
	Active     bool   `json:"active"`
	SampleRate int    `json:"sampleRate,omitempty"`
}

// playMessage schedules one buffer at At seconds on the output clock.
type playMessage struct {
	Type       string         `json:"type"`
	ID         audio.SourceID `json:"id"`
	At         float64        `json:"at"`
	SampleRate int            `json:"sampleRate"`
	Data       []byte         `json:"data"` // PCM16, base64 in JSON
}

// stopMessage halts one buffer.
type stopMessage struct {
	Type string         `json:"type"`
	ID   audio.SourceID `json:"id"`
}

// Notice is a UI event pushed to the visitor (state changes, loudness).
type Notice struct {
	Name    string  `json:"name"`
	Value   float64 `json:"value,omitempty"`
	Reason  string  `json:"reason,omitempty"`
	Message string  `json:"message,omitempty"`

	// Role names the speaker of a transcript notice.
	Role string `json:"role,omitempty"`
}

type eventMessage struct {
	Type string `json:"type"`
	Notice
}

// Command is a control request sent by the visitor's UI.
type Command int

const (
	// CommandStart asks for a new session.
	CommandStart Command = iota + 1

	// CommandEnd asks to end the active session.
	CommandEnd

	// CommandRetry asks to retry after an error.
	CommandRetry
)

// String returns the wire name of the command.
func (c Command) String() string {
	switch c {
	case CommandStart:
		return typeStart
	case CommandEnd:
		return typeEnd
	case CommandRetry:
		return typeRetry
	default:
		return "unknown"
	}
}
