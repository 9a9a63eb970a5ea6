package voice

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

const defaultFrameBuffer = 16

// CapturedFrame is one encoded microphone frame plus its loudness.
type CapturedFrame struct {
	Frame    audio.EncodedFrame
	Loudness audio.Loudness

	// Timestamp is the capture position of the first sample, relative to
	// Begin.
	Timestamp time.Duration
}

// CaptureConfig tunes a [Capture].
type CaptureConfig struct {
	// DeviceID selects the input device; empty means the system default.
	DeviceID string

	// SampleRate is the rate frames are encoded at. Defaults to
	// [audio.CaptureSampleRate].
	SampleRate int

	// FrameSize is the number of samples per frame. Defaults to
	// [audio.DefaultFrameSize].
	FrameSize int

	// Buffer is the capacity of the Frames channel. Frames produced while it
	// is full are dropped. Defaults to 16.
	Buffer int

	// OnDrop, if set, is called for every dropped frame.
	OnDrop func()
}

// Capture opens the microphone and turns its raw chunks into fixed-size
// encoded frames.
type Capture struct {
	input audio.Input
	cfg   CaptureConfig
}

// NewCapture returns a Capture that opens devices through in.
func NewCapture(in audio.Input, cfg CaptureConfig) *Capture {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.CaptureSampleRate
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.DefaultFrameSize
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultFrameBuffer
	}
	return &Capture{input: in, cfg: cfg}
}

// Start acquires the input device. No frames are produced until
// [CaptureHandle.Begin] is called; audio captured before that is discarded.
// Failures are returned as *Error.
func (c *Capture) Start(ctx context.Context) (*CaptureHandle, error) {
	stream, err := c.input.OpenInput(ctx, audio.InputConfig{
		DeviceID:   c.cfg.DeviceID,
		SampleRate: c.cfg.SampleRate,
		Channels:   1,
	})
	if err != nil {
		return nil, wrapError(fmt.Errorf("voice: open input: %w", err))
	}

	h := &CaptureHandle{
		stream:    stream,
		frames:    make(chan CapturedFrame, c.cfg.Buffer),
		begin:     make(chan struct{}),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		rate:      c.cfg.SampleRate,
		framer:    audio.Framer{Size: c.cfg.FrameSize},
		resampler: audio.Resampler{TargetRate: c.cfg.SampleRate},
		onDrop:    c.cfg.OnDrop,
	}
	go h.run()
	return h, nil
}

// CaptureHandle is an open capture pipeline. All methods are safe on a nil
// handle.
type CaptureHandle struct {
	stream    audio.InputStream
	frames    chan CapturedFrame
	rate      int
	framer    audio.Framer
	resampler audio.Resampler
	onDrop    func()

	begin     chan struct{}
	beginOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}

	emitted atomic.Int64
	dropped atomic.Int64
}

// Begin starts frame delivery. Idempotent.
func (h *CaptureHandle) Begin() {
	if h == nil {
		return
	}
	h.beginOnce.Do(func() { close(h.begin) })
}

// Frames returns the channel of captured frames. It is closed when the
// handle stops or the device fails; see [CaptureHandle.Err].
func (h *CaptureHandle) Frames() <-chan CapturedFrame {
	if h == nil {
		return nil
	}
	return h.frames
}

// Err returns the device error that ended capture, or nil.
func (h *CaptureHandle) Err() error {
	if h == nil {
		return nil
	}
	return h.stream.Err()
}

// Dropped returns the number of frames discarded because the consumer lagged.
func (h *CaptureHandle) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

// Emitted returns the number of frames delivered on Frames.
func (h *CaptureHandle) Emitted() int64 {
	if h == nil {
		return 0
	}
	return h.emitted.Load()
}

// Stop releases the device and closes Frames. It waits for the framing
// goroutine to exit. Safe to call more than once.
func (h *CaptureHandle) Stop() {
	if h == nil {
		return
	}
	h.stopOnce.Do(func() {
		close(h.stop)
		_ = h.stream.Close()
	})
	<-h.done
}

func (h *CaptureHandle) run() {
	defer close(h.done)
	defer close(h.frames)

	chunks := h.stream.Chunks()
	begin := h.begin
	srcRate := h.stream.SampleRate()
	began := false
	var pos int64

	for {
		select {
		case <-h.stop:
			return
		case <-begin:
			began = true
			begin = nil
		case chunk, ok := <-chunks:
			if !ok {
				return
			}
			if !began {
				select {
				case <-begin:
					began = true
					begin = nil
				default:
					continue
				}
			}
			samples := h.resampler.Resample(chunk, srcRate)
			for _, frame := range h.framer.Push(samples) {
				cf := CapturedFrame{
					Frame:     audio.EncodePCM16(frame, h.rate),
					Loudness:  audio.LoudnessOf(frame, audio.LoudnessGain),
					Timestamp: audio.SamplesDuration(int(pos), h.rate),
				}
				pos += int64(len(frame))
				select {
				case h.frames <- cf:
					h.emitted.Add(1)
				default:
					h.dropped.Add(1)
					if h.onDrop != nil {
						h.onDrop()
					}
				}
			}
		}
	}
}
