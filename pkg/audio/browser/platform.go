// Package browser provides an [audio.Backend] whose devices live in a
// visitor's web browser. The browser connects over a single websocket, reports
// its microphone list and permission state, streams microphone samples as
// binary frames and plays buffers the server schedules on a shared output
// clock.
//
// Only one visitor may be attached at a time; a second connection is refused
// until the first goes away.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Backend = (*Bridge)(nil)

const (
	defaultHelloTimeout = 10 * time.Second
	defaultReadLimit    = 1 << 20
	commandBuffer       = 8
)

// ErrNoVisitor is returned when an operation needs an attached browser and
// none is connected. It wraps [audio.ErrDeviceNotFound].
var ErrNoVisitor = fmt.Errorf("browser: no visitor connected: %w", audio.ErrDeviceNotFound)

// Option configures a [Bridge].
type Option func(*Bridge)

// WithHelloTimeout bounds how long a new connection may take to introduce
// itself. Defaults to 10s.
func WithHelloTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.helloTimeout = d
		}
	}
}

// WithOriginPatterns sets the host patterns accepted for cross-origin
// websocket requests. By default only same-origin requests are accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(b *Bridge) {
		b.originPatterns = patterns
	}
}

// Bridge implements [audio.Backend] on top of a browser connection. Mount
// [Bridge.Handler] on an HTTP server; control commands from the visitor's UI
// arrive on [Bridge.Commands].
//
// Bridge is safe for concurrent use.
type Bridge struct {
	helloTimeout   time.Duration
	originPatterns []string

	mu      sync.Mutex
	visitor *visitor

	commands chan Command
}

// New creates a Bridge with the given options applied.
func New(opts ...Option) *Bridge {
	b := &Bridge{
		helloTimeout: defaultHelloTimeout,
		commands:     make(chan Command, commandBuffer),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Commands returns the channel of control requests from the visitor's UI.
func (b *Bridge) Commands() <-chan Command { return b.commands }

// Connected reports whether a visitor is attached.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.visitor != nil
}

// Handler returns an http.Handler that upgrades requests to the bridge
// websocket. The handler blocks for the lifetime of the visitor connection.
func (b *Bridge) Handler() http.Handler {
	return http.HandlerFunc(b.serve)
}

func (b *Bridge) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: b.originPatterns,
	})
	if err != nil {
		slog.Warn("browser: websocket accept failed", "err", err)
		return
	}
	conn.SetReadLimit(defaultReadLimit)

	helloCtx, cancel := context.WithTimeout(r.Context(), b.helloTimeout)
	hello, err := readHello(helloCtx, conn)
	cancel()
	if err != nil {
		slog.Warn("browser: handshake failed", "err", err)
		conn.Close(websocket.StatusPolicyViolation, "expected hello")
		return
	}

	v := newVisitor(r.Context(), conn, hello)
	b.mu.Lock()
	if b.visitor != nil {
		b.mu.Unlock()
		conn.Close(websocket.StatusTryAgainLater, "another visitor is connected")
		return
	}
	b.visitor = v
	b.mu.Unlock()

	slog.Info("browser: visitor connected",
		"devices", len(hello.Devices),
		"permission", hello.Permission,
		"introspection", hello.Introspection,
	)

	err = v.readLoop(b.commands)

	b.mu.Lock()
	if b.visitor == v {
		b.visitor = nil
	}
	b.mu.Unlock()
	v.shutdown()

	if websocket.CloseStatus(err) == websocket.StatusNormalClosure || errors.Is(err, context.Canceled) {
		slog.Info("browser: visitor disconnected")
	} else {
		slog.Warn("browser: visitor connection lost", "err", err)
	}
}

func readHello(ctx context.Context, conn *websocket.Conn) (helloMessage, error) {
	typ, data, err := conn.Read(ctx)
	if err != nil {
		return helloMessage{}, fmt.Errorf("browser: read hello: %w", err)
	}
	if typ != websocket.MessageText {
		return helloMessage{}, errors.New("browser: hello must be a text message")
	}
	var hello helloMessage
	if err := json.Unmarshal(data, &hello); err != nil {
		return helloMessage{}, fmt.Errorf("browser: decode hello: %w", err)
	}
	if hello.Type != typeHello {
		return helloMessage{}, fmt.Errorf("browser: first message is %q, want %q", hello.Type, typeHello)
	}
	return hello, nil
}

func (b *Bridge) current() (*visitor, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.visitor == nil {
		return nil, ErrNoVisitor
	}
	return b.visitor, nil
}

// InputDevices implements [audio.Enumerator]. It reports the device list from
// the visitor's most recent hello. With no visitor attached the list is empty.
func (b *Bridge) InputDevices(_ context.Context) ([]audio.DeviceInfo, error) {
	v, err := b.current()
	if err != nil {
		return nil, nil
	}
	hello := v.snapshot()
	if hello.Introspection == "blocked" {
		return nil, audio.ErrIntrospectionBlocked
	}
	var out []audio.DeviceInfo
	for i, d := range hello.Devices {
		if d.Kind != "" && d.Kind != audio.DeviceInput.String() {
			continue
		}
		out = append(out, audio.DeviceInfo{
			ID:      d.ID,
			Name:    d.Label,
			Kind:    audio.DeviceInput,
			Default: i == 0 || d.ID == "default",
		})
	}
	return out, nil
}

// OpenInput implements [audio.Input]. The permission state reported by the
// visitor decides whether the microphone can be opened.
func (b *Bridge) OpenInput(ctx context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := b.current()
	if err != nil {
		return nil, err
	}
	if err := permissionError(v.snapshot().Permission); err != nil {
		return nil, err
	}
	in, err := v.openInput(cfg)
	if err != nil {
		return nil, err
	}
	return in, nil
}

// OpenOutput implements [audio.Output].
func (b *Bridge) OpenOutput(ctx context.Context, sampleRate int) (audio.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := b.current()
	if err != nil {
		return nil, err
	}
	out, err := v.openOutput(sampleRate)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Notify queues a UI event for the attached visitor. It is a no-op when no
// visitor is connected.
func (b *Bridge) Notify(ctx context.Context, n Notice) error {
	v, err := b.current()
	if err != nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return v.send(eventMessage{Type: typeEvent, Notice: n})
}

// permissionError maps the browser's permission state onto the audio
// sentinel errors.
func permissionError(state string) error {
	switch state {
	case permissionDenied:
		return fmt.Errorf("browser: microphone: %w", audio.ErrPermissionDenied)
	case permissionBusy:
		return fmt.Errorf("browser: microphone: %w", audio.ErrDeviceBusy)
	case permissionUnsupported:
		return fmt.Errorf("browser: microphone: %w", audio.ErrUnsupported)
	case permissionNotFound:
		return fmt.Errorf("browser: microphone: %w", audio.ErrDeviceNotFound)
	default:
		// granted, prompt or unknown: the visitor resolves the prompt when
		// capture starts.
		return nil
	}
}
