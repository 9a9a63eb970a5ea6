// Package gemini implements the s2s.Provider interface for Google's Gemini Live
// API over a raw websocket.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live
// endpoint and exchanges JSON messages according to the BidiGenerateContent
// protocol. Microphone audio is transmitted as base64-encoded PCM16 media
// chunks; the model answers with base64-encoded PCM16 at 24 kHz.
package gemini

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
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel   = "gemini-2.5-flash-native-audio-preview-09-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second
)

// Voices lists the prebuilt voice names accepted by the Live API.
var Voices = []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
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

// WithTranscription asks the service to transcribe both sides of the
// conversation. Transcripts arrive as s2s.EventTranscript.
func WithTranscription(enabled bool) Option {
	return func(p *Provider) { p.transcription = enabled }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey        string
	model         string
	baseURL       string
	queueSize     int
	transcription bool
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     DefaultModel,
		baseURL:   defaultBaseURL,
		queueSize: s2s.DefaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:        audio.PCM16(audio.CaptureSampleRate),
		OutputFormat:       audio.PCM16(audio.PlaybackSampleRate),
		MaxSessionDuration: 15 * time.Minute,
		Voices:             Voices,
	}
}

// Connect dials Gemini Live and sends the setup message. The returned
// SessionHandle accepts frames immediately; they are held until the server
// acknowledges setup with setupComplete.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(4 << 20)

	inputFormat := cfg.InputFormat
	if inputFormat.SampleRate == 0 {
		inputFormat = audio.PCM16(audio.CaptureSampleRate)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:        conn,
		inputFormat: inputFormat,
		outbox:      s2s.NewOutbox(p.queueSize),
		events:      s2s.NewEmitter(0),
		done:        make(chan struct{}),
		ctx:         sessCtx,
		cancel:      sessCancel,
	}

	if err := sess.sendSetup(p.model, cfg, p.transcription); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	go sess.receiveLoop()
	go sess.sendLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn        *websocket.Conn
	inputFormat audio.Format
	outbox      *s2s.Outbox
	events      *s2s.Emitter

	mu      sync.Mutex
	sendErr error
	closed  bool
	done    chan struct{}

	ctx         context.Context
	cancel      context.CancelFunc
	releaseOnce sync.Once
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(model string, cfg s2s.SessionConfig, transcribe bool) error {
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}

	if cfg.Voice != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}

	if transcribe {
		msg.Setup.InputAudioTranscription = &struct{}{}
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(s.ctx, msg)
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// writeFrame sends one microphone frame as a realtimeInput media chunk.
func (s *session) writeFrame(ctx context.Context, frame audio.EncodedFrame) error {
	format := frame.Format
	if format.SampleRate == 0 {
		format = s.inputFormat
	}
	return s.writeJSON(ctx, realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{
				MIMEType: format.MIMEType(),
				Data:     base64.StdEncoding.EncodeToString(frame.Data),
			}},
		},
	})
}

// sendLoop drains the outbox once the session is open. A write failure tears
// the session down; receiveLoop reports it.
func (s *session) sendLoop() {
	if err := s.outbox.Run(s.ctx, s.writeFrame); err != nil {
		s.mu.Lock()
		if s.sendErr == nil {
			s.sendErr = fmt.Errorf("gemini: send: %w", err)
		}
		s.mu.Unlock()
		s.release(websocket.StatusInternalError, "send failed")
	}
}

// receiveLoop reads messages from the WebSocket and dispatches them. It is
// the only goroutine that emits events, and it emits the terminal event.
func (s *session) receiveLoop() {
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			s.finish(err)
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Debug("gemini: skipping malformed frame", "err", err)
			continue
		}

		if msg.Error != nil {
			text := msg.Error.Message
			if text == "" {
				text = "unknown error"
			}
			s.fail(fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, text))
			return
		}
		if !s.handleServerMessage(&msg) {
			s.finish(nil)
			return
		}
	}
}

// handleServerMessage emits events for msg. It returns false if the session
// context ended while emitting.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.SetupComplete != nil {
		s.outbox.Open()
		if !s.events.Emit(s.ctx, s2s.Event{Type: s2s.EventOpen}) {
			return false
		}
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect")
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil {
				ev, ok := decodeAudio(p.InlineData)
				if !ok {
					continue
				}
				if !s.events.Emit(s.ctx, ev) {
					return false
				}
			}
			if p.Text != "" {
				if !s.events.Emit(s.ctx, s2s.Event{Type: s2s.EventTranscript, Role: s2s.RoleModel, Text: p.Text}) {
					return false
				}
			}
		}
	}

	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		if !s.events.Emit(s.ctx, s2s.Event{Type: s2s.EventTranscript, Role: s2s.RoleUser, Text: sc.InputTranscription.Text}) {
			return false
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		if !s.events.Emit(s.ctx, s2s.Event{Type: s2s.EventTranscript, Role: s2s.RoleModel, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.Interrupted {
		if !s.events.Emit(s.ctx, s2s.Event{Type: s2s.EventInterrupted}) {
			return false
		}
	}
	if sc.TurnComplete {
		if !s.events.Emit(s.ctx, s2s.Event{Type: s2s.EventTurnComplete}) {
			return false
		}
	}
	return true
}

// decodeAudio turns an inline data part into an audio event. Parts that are
// not PCM audio or do not decode are skipped.
func decodeAudio(d *inlineData) (s2s.Event, bool) {
	format, err := audio.ParseMIMEType(d.MIMEType, audio.PlaybackSampleRate)
	if err != nil {
		slog.Debug("gemini: skipping non-audio inline data", "mime", d.MIMEType)
		return s2s.Event{}, false
	}
	pcm, err := base64.StdEncoding.DecodeString(d.Data)
	if err != nil || len(pcm) == 0 {
		return s2s.Event{}, false
	}
	return s2s.Event{Type: s2s.EventAudio, Audio: audio.EncodedFrame{Data: pcm, Format: format}}, true
}

// fail releases the connection and emits err as the terminal event.
func (s *session) fail(err error) {
	s.release(websocket.StatusInternalError, "session failed")
	s.events.Finish(s2s.Event{Type: s2s.EventError, Err: err})
}

// finish classifies why the read loop stopped and emits the terminal event.
func (s *session) finish(readErr error) {
	s.mu.Lock()
	sendErr, closed := s.sendErr, s.closed
	s.mu.Unlock()

	switch {
	case sendErr != nil:
		s.fail(sendErr)
	case closed:
		s.release(websocket.StatusNormalClosure, "session closed")
		s.events.Finish(s2s.Event{Type: s2s.EventClose})
	case readErr == nil, websocket.CloseStatus(readErr) == websocket.StatusNormalClosure,
		errors.Is(readErr, context.Canceled):
		s.release(websocket.StatusNormalClosure, "session closed")
		s.events.Finish(s2s.Event{Type: s2s.EventClose})
	default:
		s.fail(fmt.Errorf("gemini: receive: %w", readErr))
	}
}

// release cancels the session context, stops the outbox and closes the
// socket. Only the first call has any effect.
func (s *session) release(code websocket.StatusCode, reason string) {
	s.releaseOnce.Do(func() {
		s.cancel()
		s.outbox.Close()
		close(s.done)
		s.conn.Close(code, reason)
	})
}

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// Send queues a PCM16 frame for delivery as a realtimeInput media chunk.
func (s *session) Send(frame audio.EncodedFrame) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return s2s.ErrSessionClosed
	}
	return s.outbox.Push(frame)
}

// Events returns the channel on which session events arrive.
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
