// Package genai implements the s2s.Provider interface on top of the official
// google.golang.org/genai Live API client.
//
// It speaks the same BidiGenerateContent protocol as package gemini but lets
// the SDK own the connection, authentication and message framing.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
)

var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

// DefaultModel is the native-audio Live model used when none is configured.
const DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the API endpoint passed to the SDK.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithQueueSize sets the outbound frame queue size of each session.
func WithQueueSize(n int) Option {
	return func(p *Provider) { p.queueSize = n }
}

// WithTranscription asks the service to transcribe both sides of the
// conversation.
func WithTranscription(enabled bool) Option {
	return func(p *Provider) { p.transcription = enabled }
}

// Provider implements s2s.Provider using the genai SDK.
type Provider struct {
	apiKey        string
	model         string
	baseURL       string
	queueSize     int
	transcription bool

	mu     sync.Mutex
	client *genai.Client
}

// New creates a Provider. The SDK client is created on first Connect.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:    apiKey,
		model:     DefaultModel,
		queueSize: s2s.DefaultQueueSize,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputFormat:        audio.PCM16(audio.CaptureSampleRate),
		OutputFormat:       audio.PCM16(audio.PlaybackSampleRate),
		MaxSessionDuration: 15 * time.Minute,
		Voices:             []string{"Aoede", "Charon", "Fenrir", "Kore", "Puck"},
	}
}

func (p *Provider) clientFor(ctx context.Context) (*genai.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client != nil {
		return p.client, nil
	}
	cc := &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if p.baseURL != "" {
		cc.HTTPOptions.BaseURL = p.baseURL
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	p.client = client
	return client, nil
}

// Connect opens a Live session through the SDK.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	client, err := p.clientFor(ctx)
	if err != nil {
		return nil, fmt.Errorf("genai: client: %w", err)
	}

	live, err := client.Live.Connect(ctx, p.model, liveConfig(cfg, p.transcription))
	if err != nil {
		return nil, fmt.Errorf("genai: connect: %w", err)
	}

	inputFormat := cfg.InputFormat
	if inputFormat.SampleRate == 0 {
		inputFormat = audio.PCM16(audio.CaptureSampleRate)
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		live:        live,
		inputFormat: inputFormat,
		outbox:      s2s.NewOutbox(p.queueSize),
		events:      s2s.NewEmitter(0),
		ctx:         sessCtx,
		cancel:      cancel,
	}
	go s.receiveLoop()
	go s.sendLoop()
	return s, nil
}

// liveConfig builds the SDK connect configuration for cfg.
func liveConfig(cfg s2s.SessionConfig, transcribe bool) *genai.LiveConnectConfig {
	lc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
	}
	if cfg.Instructions != "" {
		lc.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{genai.NewPartFromText(cfg.Instructions)},
		}
	}
	if cfg.Voice != "" {
		lc.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if transcribe {
		lc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
		lc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return lc
}

// translate converts one server message into session events, in order. The
// second result reports whether the message acknowledged setup.
func translate(msg *genai.LiveServerMessage) (events []s2s.Event, setup bool) {
	if msg == nil {
		return nil, false
	}
	if msg.SetupComplete != nil {
		setup = true
		events = append(events, s2s.Event{Type: s2s.EventOpen})
	}
	sc := msg.ServerContent
	if sc == nil {
		return events, setup
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p == nil {
				continue
			}
			if p.InlineData != nil && len(p.InlineData.Data) > 0 {
				format, err := audio.ParseMIMEType(p.InlineData.MIMEType, audio.PlaybackSampleRate)
				if err == nil {
					events = append(events, s2s.Event{
						Type:  s2s.EventAudio,
						Audio: audio.EncodedFrame{Data: p.InlineData.Data, Format: format},
					})
				}
			}
			if p.Text != "" {
				events = append(events, s2s.Event{Type: s2s.EventTranscript, Role: s2s.RoleModel, Text: p.Text})
			}
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, s2s.Event{Type: s2s.EventTranscript, Role: s2s.RoleUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, s2s.Event{Type: s2s.EventTranscript, Role: s2s.RoleModel, Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		events = append(events, s2s.Event{Type: s2s.EventInterrupted})
	}
	if sc.TurnComplete {
		events = append(events, s2s.Event{Type: s2s.EventTurnComplete})
	}
	return events, setup
}

type session struct {
	live        *genai.Session
	inputFormat audio.Format
	outbox      *s2s.Outbox
	events      *s2s.Emitter

	mu      sync.Mutex
	closed  bool
	sendErr error

	ctx         context.Context
	cancel      context.CancelFunc
	releaseOnce sync.Once
}

func (s *session) sendLoop() {
	err := s.outbox.Run(s.ctx, func(_ context.Context, frame audio.EncodedFrame) error {
		format := frame.Format
		if format.SampleRate == 0 {
			format = s.inputFormat
		}
		return s.live.SendRealtimeInput(genai.LiveRealtimeInput{
			Media: &genai.Blob{Data: frame.Data, MIMEType: format.MIMEType()},
		})
	})
	if err != nil {
		s.mu.Lock()
		if s.sendErr == nil {
			s.sendErr = fmt.Errorf("genai: send: %w", err)
		}
		s.mu.Unlock()
		s.release()
	}
}

func (s *session) receiveLoop() {
	for {
		msg, err := s.live.Receive()
		if err != nil {
			s.finish(err)
			return
		}
		events, setup := translate(msg)
		if setup {
			s.outbox.Open()
		}
		if msg.GoAway != nil {
			slog.Info("genai: server announced disconnect")
		}
		for _, ev := range events {
			if !s.events.Emit(s.ctx, ev) {
				s.finish(nil)
				return
			}
		}
	}
}

func (s *session) finish(recvErr error) {
	s.mu.Lock()
	sendErr, closed := s.sendErr, s.closed
	s.mu.Unlock()
	s.release()

	switch {
	case sendErr != nil:
		s.events.Finish(s2s.Event{Type: s2s.EventError, Err: sendErr})
	case closed, recvErr == nil, websocket.IsCloseError(recvErr, websocket.CloseNormalClosure),
		errors.Is(recvErr, context.Canceled):
		s.events.Finish(s2s.Event{Type: s2s.EventClose})
	default:
		s.events.Finish(s2s.Event{Type: s2s.EventError, Err: fmt.Errorf("genai: receive: %w", recvErr)})
	}
}

func (s *session) release() {
	s.releaseOnce.Do(func() {
		s.cancel()
		s.outbox.Close()
		if err := s.live.Close(); err != nil {
			slog.Debug("genai: close", "err", err)
		}
	})
}

// Send queues a frame for delivery as realtime input.
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

// Close ends the session. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.events.Abandon()
	s.release()
	return nil
}
