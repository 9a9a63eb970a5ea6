// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The Realtime API runs at 24 kHz in both directions, so 16 kHz capture frames
// are resampled before input_audio_buffer.append.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireRate is the only PCM16 rate the Realtime API accepts.
	wireRate = 24000
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithQueueSize sets the outbound frame queue size of each session.
func WithQueueSize(n int) Option {
	return func(p *Provider) { p.queueSize = n }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey    string
	model     string
	baseURL   string
	queueSize int
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     defaultModel,
		baseURL:   defaultBaseURL,
		queueSize: s2s.DefaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:        audio.PCM16(wireRate),
		OutputFormat:       audio.PCM16(wireRate),
		MaxSessionDuration: 30 * time.Minute,
		Voices:             []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"},
	}
}

// Connect establishes a new OpenAI Realtime session with the given
// configuration. The session opens once the server confirms session.update
// with session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	inputRate := cfg.InputFormat.SampleRate
	if inputRate == 0 {
		inputRate = audio.CaptureSampleRate
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:      conn,
		inputRate: inputRate,
		outbox:    s2s.NewOutbox(p.queueSize),
		events:    s2s.NewEmitter(0),
		ctx:       sessCtx,
		cancel:    sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg.Voice, cfg.Instructions); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	go sess.receiveLoop()
	go sess.sendLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice                   string               `json:"voice,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Modalities              []string             `json:"modalities"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *transcriptionParams `json:"input_audio_transcription,omitempty"`
	TurnDetection           turnDetection        `json:"turn_detection"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn      *websocket.Conn
	inputRate int
	outbox    *s2s.Outbox
	events    *s2s.Emitter

	mu      sync.Mutex
	sendErr error
	closed  bool

	// txText accumulates response.audio_transcript.delta events until
	// response.audio_transcript.done is received. Owned by receiveLoop.
	txText string

	ctx         context.Context
	cancel      context.CancelFunc
	releaseOnce sync.Once
}

// sendSessionUpdate configures voice, instructions and audio formats.
func (s *session) sendSessionUpdate(voice, instructions string) error {
	params := sessionParams{
		Voice:                   voice,
		Instructions:            instructions,
		Modalities:              []string{"audio", "text"},
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		InputAudioTranscription: &transcriptionParams{Model: "whisper-1"},
		TurnDetection:           turnDetection{Type: "server_vad"},
	}
	return s.writeJSON(s.ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// writeFrame resamples frame to the wire rate and appends it to the input
// audio buffer.
func (s *session) writeFrame(ctx context.Context, frame audio.EncodedFrame) error {
	rate := frame.Format.SampleRate
	if rate == 0 {
		rate = s.inputRate
	}
	pcm := audio.ResampleMono16(frame.Data, rate, wireRate)
	return s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *session) sendLoop() {
	if err := s.outbox.Run(s.ctx, s.writeFrame); err != nil {
		s.mu.Lock()
		if s.sendErr == nil {
			s.sendErr = fmt.Errorf("openai: send: %w", err)
		}
		s.mu.Unlock()
		s.release(websocket.StatusInternalError, "send failed")
	}
}

// receiveLoop reads events from the WebSocket and dispatches them. It is the
// only goroutine that emits events.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("openai: skipping malformed event", "err", err)
			continue
		}

		if evt.Type == "error" {
			msg := "unknown error"
			if evt.Error != nil && evt.Error.Message != "" {
				msg = evt.Error.Message
			}
			s.release(websocket.StatusInternalError, "session failed")
			s.events.Finish(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("openai: %s", msg)})
			return
		}

		ev, ok := s.translate(&evt)
		if !ok {
			continue
		}
		if !s.events.Emit(s.ctx, ev) {
			s.finish(nil)
			return
		}
	}
}

// translate maps one server event to a session event. It reports false for
// events with no session-level meaning.
func (s *session) translate(evt *serverEvent) (s2s.Event, bool) {
	switch evt.Type {
	case "session.updated":
		s.outbox.Open()
		return s2s.Event{Type: s2s.EventOpen}, true

	case "response.audio.delta":
		if evt.Delta == "" {
			return s2s.Event{}, false
		}
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventAudio, Audio: audio.EncodedFrame{Data: pcm, Format: audio.PCM16(wireRate)}}, true

	case "response.audio_transcript.delta":
		s.txText += evt.Delta
		return s2s.Event{}, false

	case "response.audio_transcript.done":
		text := s.txText
		s.txText = ""
		if text == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventTranscript, Role: s2s.RoleModel, Text: text}, true

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return s2s.Event{}, false
		}
		return s2s.Event{Type: s2s.EventTranscript, Role: s2s.RoleUser, Text: evt.Transcript}, true

	case "input_audio_buffer.speech_started":
		return s2s.Event{Type: s2s.EventInterrupted}, true

	case "response.done":
		return s2s.Event{Type: s2s.EventTurnComplete}, true
	}
	return s2s.Event{}, false
}

// finish classifies why the read loop stopped and emits the terminal event.
func (s *session) finish(readErr error) {
	s.mu.Lock()
	sendErr, closed := s.sendErr, s.closed
	s.mu.Unlock()

	switch {
	case sendErr != nil:
		s.release(websocket.StatusInternalError, "session failed")
		s.events.Finish(s2s.Event{Type: s2s.EventError, Err: sendErr})
	case closed, readErr == nil, websocket.CloseStatus(readErr) == websocket.StatusNormalClosure,
		errors.Is(readErr, context.Canceled):
		s.release(websocket.StatusNormalClosure, "session closed")
		s.events.Finish(s2s.Event{Type: s2s.EventClose})
	default:
		s.release(websocket.StatusInternalError, "session failed")
		s.events.Finish(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("openai: receive: %w", readErr)})
	}
}

func (s *session) release(code websocket.StatusCode, reason string) {
	s.releaseOnce.Do(func() {
		s.cancel()
		s.outbox.Close()
		s.conn.Close(code, reason)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send queues a PCM16 frame for input_audio_buffer.append.
func (s *session) Send(frame audio.EncodedFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrSessionClosed
	}
	return s.outbox.Push(frame)
}

// Events returns the session event channel.
func (s *session) Events() <-chan s2s.Event { return s.events.Events() }

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.events.Abandon()
	s.release(websocket.StatusNormalClosure, "session closed")
	return nil
}
