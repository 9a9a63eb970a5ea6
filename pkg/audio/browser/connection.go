package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

const (
	// writeTimeout bounds a single websocket write in the writer goroutine.
	writeTimeout = 5 * time.Second

	// sendQueue is the number of outbound messages a visitor may lag behind
	// before it is disconnected.
	sendQueue = 256
)

// ErrSlowVisitor is returned when the visitor's outbound queue is full. The
// visitor is disconnected.
var ErrSlowVisitor = errors.New("browser: visitor is not keeping up")

// visitor is the runtime state for the attached browser. Outbound messages go
// through a bounded queue drained by writeLoop, so callers never wait on the
// network.
type visitor struct {
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	queue    chan []byte
	overflow sync.Once

	mu     sync.Mutex
	hello  helloMessage
	input  *inputStream
	output *outputStream
	closed bool
}

func newVisitor(parent context.Context, conn *websocket.Conn, hello helloMessage) *visitor {
	ctx, cancel := context.WithCancel(parent)
	v := &visitor{
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan []byte, sendQueue),
		hello:  hello,
	}
	go v.writeLoop()
	return v
}

func (v *visitor) snapshot() helloMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.hello
}

// send marshals msg and queues it as a text frame. It never blocks; a full
// queue disconnects the visitor.
func (v *visitor) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("browser: marshal %T: %w", msg, err)
	}
	if v.ctx.Err() != nil {
		return ErrNoVisitor
	}
	select {
	case v.queue <- data:
		return nil
	default:
		v.overflow.Do(func() {
			slog.Warn("browser: outbound queue full, disconnecting visitor", "queued", len(v.queue))
			v.cancel()
		})
		return ErrSlowVisitor
	}
}

// writeLoop writes queued messages in order until the visitor goes away or a
// write fails.
func (v *visitor) writeLoop() {
	for {
		select {
		case <-v.ctx.Done():
			return
		case data := <-v.queue:
			ctx, cancel := context.WithTimeout(v.ctx, writeTimeout)
			err := v.conn.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				slog.Debug("browser: write failed, disconnecting visitor", "err", err)
				v.cancel()
				return
			}
		}
	}
}

// readLoop dispatches inbound frames until the connection fails or the
// visitor goes away. Binary frames feed the open input stream, text frames
// carry control commands and hello updates.
func (v *visitor) readLoop(commands chan<- Command) error {
	for {
		typ, data, err := v.conn.Read(v.ctx)
		if err != nil {
			return err
		}

		if typ == websocket.MessageBinary {
			v.mu.Lock()
			in := v.input
			v.mu.Unlock()
			if in != nil {
				in.push(audio.Float32FromBytes(data))
			}
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			slog.Debug("browser: ignoring malformed message", "err", err)
			continue
		}
		switch env.Type {
		case typeHello:
			var hello helloMessage
			if err := json.Unmarshal(data, &hello); err != nil {
				slog.Debug("browser: ignoring malformed hello", "err", err)
				continue
			}
			v.mu.Lock()
			v.hello = hello
			v.mu.Unlock()
		case typeStart, typeEnd, typeRetry:
			cmd := map[string]Command{typeStart: CommandStart, typeEnd: CommandEnd, typeRetry: CommandRetry}[env.Type]
			select {
			case commands <- cmd:
			default:
				slog.Warn("browser: command dropped, controller is not keeping up", "command", cmd)
			}
		default:
			slog.Debug("browser: ignoring unknown message", "type", env.Type)
		}
	}
}

// shutdown fails the open streams and releases the connection.
func (v *visitor) shutdown() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.closed = true
	in, out := v.input, v.output
	v.input, v.output = nil, nil
	v.mu.Unlock()

	if in != nil {
		in.fail(fmt.Errorf("browser: visitor disconnected: %w", audio.ErrDeviceNotFound))
	}
	if out != nil {
		out.detach()
	}
	v.cancel()
	v.conn.Close(websocket.StatusNormalClosure, "bye")
}

func (v *visitor) openInput(cfg audio.InputConfig) (*inputStream, error) {
	rate := v.snapshot().SampleRate
	if rate <= 0 {
		rate = cfg.SampleRate
	}

	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrNoVisitor
	}
	if v.input != nil {
		v.mu.Unlock()
		return nil, fmt.Errorf("browser: microphone already open: %w", audio.ErrDeviceBusy)
	}
	in := newInputStream(v, rate)
	v.input = in
	v.mu.Unlock()

	err := v.send(captureMessage{
		Type:       typeCapture,
		Active:     true,
		SampleRate: cfg.SampleRate,
		DeviceID:   cfg.DeviceID,
	})
	if err != nil {
		v.releaseInput(in)
		return nil, err
	}
	return in, nil
}

// releaseInput detaches in and tells the visitor to stop streaming.
func (v *visitor) releaseInput(in *inputStream) {
	v.mu.Lock()
	if v.input != in {
		v.mu.Unlock()
		return
	}
	v.input = nil
	closed := v.closed
	v.mu.Unlock()

	if !closed {
		if err := v.send(captureMessage{Type: typeCapture, Active: false}); err != nil {
			slog.Debug("browser: stop capture", "err", err)
		}
	}
}

func (v *visitor) openOutput(sampleRate int) (*outputStream, error) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil, ErrNoVisitor
	}
	if v.output != nil {
		v.mu.Unlock()
		return nil, fmt.Errorf("browser: speaker already open: %w", audio.ErrDeviceBusy)
	}
	out := newOutputStream(v, sampleRate)
	v.output = out
	v.mu.Unlock()

	if err := v.send(outputMessage{Type: typeOutput, Active: true, SampleRate: sampleRate}); err != nil {
		v.releaseOutput(out)
		return nil, err
	}
	return out, nil
}

func (v *visitor) releaseOutput(out *outputStream) {
	v.mu.Lock()
	if v.output != out {
		v.mu.Unlock()
		return
	}
	v.output = nil
	closed := v.closed
	v.mu.Unlock()

	if !closed {
		if err := v.send(outputMessage{Type: typeOutput, Active: false}); err != nil {
			slog.Debug("browser: close output", "err", err)
		}
	}
}
