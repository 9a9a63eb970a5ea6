package openai_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s"
	"github.com/MrWong99/voxfolio/pkg/provider/s2s/openai"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startOpenAIServer launches a test WebSocket server. The handler receives the
// accepted conn. The server is automatically closed when the test finishes.
func startOpenAIServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSession consumes session.update and confirms it.
func acceptSession(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"type": "session.updated"})
}

func connect(t *testing.T, srv *httptest.Server, opts ...openai.Option) s2s.SessionHandle {
	t.Helper()
	opts = append([]openai.Option{openai.WithBaseURL(wsURL(srv))}, opts...)
	h, err := openai.New("key", opts...).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func expectEvent(t *testing.T, h s2s.SessionHandle, want s2s.EventType) s2s.Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		if !ok {
			t.Fatalf("event channel closed, want %v", want)
		}
		if ev.Type != want {
			t.Fatalf("event = %v (err %v), want %v", ev.Type, ev.Err, want)
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for %v", want)
		return s2s.Event{}
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSessionUpdate(t *testing.T) {
	t.Parallel()

	type sessionUpdateMsg struct {
		Type    string `json:"type"`
		Session struct {
			Voice             string `json:"voice"`
			Instructions      string `json:"instructions"`
			InputAudioFormat  string `json:"input_audio_format"`
			OutputAudioFormat string `json:"output_audio_format"`
			TurnDetection     struct {
				Type string `json:"type"`
			} `json:"turn_detection"`
		} `json:"session"`
	}

	received := make(chan sessionUpdateMsg, 1)
	modelInURL := make(chan string, 1)
	authHeader := make(chan string, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, r *http.Request) {
		modelInURL <- r.URL.Query().Get("model")
		authHeader <- r.Header.Get("Authorization")
		var msg sessionUpdateMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("my-secret-token", openai.WithModel("gpt-4o-mini-realtime"), openai.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{
		Voice:        "alloy",
		Instructions: "You are a portfolio guide.",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if m := <-modelInURL; m != "gpt-4o-mini-realtime" {
		t.Errorf("model in URL = %q; want gpt-4o-mini-realtime", m)
	}
	if auth := <-authHeader; auth != "Bearer my-secret-token" {
		t.Errorf("Authorization = %q", auth)
	}

	select {
	case msg := <-received:
		if msg.Type != "session.update" {
			t.Errorf("type = %q; want session.update", msg.Type)
		}
		if msg.Session.Voice != "alloy" {
			t.Errorf("voice = %q; want alloy", msg.Session.Voice)
		}
		if msg.Session.Instructions != "You are a portfolio guide." {
			t.Errorf("instructions = %q", msg.Session.Instructions)
		}
		if msg.Session.InputAudioFormat != "pcm16" || msg.Session.OutputAudioFormat != "pcm16" {
			t.Errorf("formats = %q/%q; want pcm16", msg.Session.InputAudioFormat, msg.Session.OutputAudioFormat)
		}
		if msg.Session.TurnDetection.Type != "server_vad" {
			t.Errorf("turn_detection = %q; want server_vad", msg.Session.TurnDetection.Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for session.update")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	p := openai.New("key", openai.WithBaseURL(wsURL(srv)))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := p.Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

func TestCapabilities_TwentyFourKilohertz(t *testing.T) {
	t.Parallel()

	caps := openai.New("key").Capabilities()
	if caps.InputFormat.SampleRate != 24000 || caps.OutputFormat.SampleRate != 24000 {
		t.Errorf("caps = %+v", caps)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices is empty")
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_ResamplesToWireRate(t *testing.T) {
	t.Parallel()

	type appendMsg struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	audioMsg := make(chan appendMsg, 1)

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		var msg appendMsg
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)

	// Four samples at 16 kHz become six at 24 kHz.
	frame := audio.EncodePCM16([]float32{0, 0.25, 0.5, 0.75}, 16000)
	if err := handle.Send(frame); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-audioMsg:
		if msg.Type != "input_audio_buffer.append" {
			t.Errorf("type = %q; want input_audio_buffer.append", msg.Type)
		}
		got, err := base64.StdEncoding.DecodeString(msg.Audio)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if len(got) != 12 {
			t.Errorf("len(audio) = %d bytes; want 12", len(got))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio append message")
	}
}

func TestSend_HeldUntilSessionUpdated(t *testing.T) {
	t.Parallel()

	appended := make(chan struct{}, 1)
	release := make(chan struct{})

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		writeJSON(t, conn, map[string]any{"type": "session.updated"})
		readJSON(t, conn, &raw)
		appended <- struct{}{}
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)
	if err := handle.Send(audio.EncodePCM16([]float32{0.1}, 24000)); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case <-appended:
		t.Fatal("audio appended before session.updated")
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	expectEvent(t, handle, s2s.EventOpen)
	select {
	case <-appended:
	case <-time.After(3 * time.Second):
		t.Fatal("held frame never flushed")
	}
}

func TestSend_AfterClose_ReturnsErrSessionClosed(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)
	_ = handle.Close()

	if err := handle.Send(audio.EncodedFrame{Data: []byte{1, 2}}); !errors.Is(err, s2s.ErrSessionClosed) {
		t.Fatalf("Send after Close = %v, want ErrSessionClosed", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

func TestConcurrentSend_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	handle := connect(t, srv)

	const goroutines = 8
	const chunksPerGoroutine = 16

	var wg sync.WaitGroup
	for range goroutines {
		wg.Go(func() {
			for range chunksPerGoroutine {
				_ = handle.Send(audio.EncodedFrame{Data: []byte{0xCA, 0xFE, 0xBA, 0xBE}, Format: audio.PCM16(16000)})
			}
		})
	}
	wg.Wait()
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_ConversationFlow(t *testing.T) {
	t.Parallel()

	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{"type": "session.created"})
		writeJSON(t, conn, map[string]any{
			"type":       "conversation.item.input_audio_transcription.completed",
			"transcript": "tell me about the projects",
		})
		writeJSON(t, conn, map[string]any{"type": "response.audio.delta", "delta": base64.StdEncoding.EncodeToString(pcm)})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "Here "})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.delta", "delta": "they are."})
		writeJSON(t, conn, map[string]any{"type": "response.audio_transcript.done"})
		writeJSON(t, conn, map[string]any{"type": "input_audio_buffer.speech_started"})
		writeJSON(t, conn, map[string]any{"type": "response.done"})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)

	expectEvent(t, handle, s2s.EventOpen)
	user := expectEvent(t, handle, s2s.EventTranscript)
	if user.Role != s2s.RoleUser || user.Text != "tell me about the projects" {
		t.Errorf("user transcript = %+v", user)
	}
	au := expectEvent(t, handle, s2s.EventAudio)
	if au.Audio.Format != audio.PCM16(24000) || string(au.Audio.Data) != string(pcm) {
		t.Errorf("audio = %+v", au.Audio)
	}
	model := expectEvent(t, handle, s2s.EventTranscript)
	if model.Role != s2s.RoleModel || model.Text != "Here they are." {
		t.Errorf("model transcript = %+v", model)
	}
	expectEvent(t, handle, s2s.EventInterrupted)
	expectEvent(t, handle, s2s.EventTurnComplete)
}

func TestEvents_ServerErrorIsTerminal(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		writeJSON(t, conn, map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "invalid_request_error", "message": "bad audio"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv)
	expectEvent(t, handle, s2s.EventOpen)
	ev := expectEvent(t, handle, s2s.EventError)
	if ev.Err == nil || !strings.Contains(ev.Err.Error(), "bad audio") {
		t.Errorf("Err = %v", ev.Err)
	}

	select {
	case _, ok := <-handle.Events():
		if ok {
			t.Error("event channel still open after EventError")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel never closed")
	}
}

func TestEvents_ServerCloseEmitsClose(t *testing.T) {
	t.Parallel()

	srv := startOpenAIServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSession(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	handle := connect(t, srv)
	expectEvent(t, handle, s2s.EventOpen)
	expectEvent(t, handle, s2s.EventClose)
}
