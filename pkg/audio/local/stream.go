package local

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxfolio/pkg/audio"
	"github.com/MrWong99/voxfolio/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.InputStream  = (*inputStream)(nil)
	_ audio.OutputStream = (*outputStream)(nil)
)

// inputStream is an open capture device.
type inputStream struct {
	dev  *malgo.Device
	rate int
	ch   chan []float32

	mu      sync.Mutex
	closed  bool
	err     error
	dropped atomic.Int64
	release sync.Once
}

func (s *inputStream) Chunks() <-chan []float32 { return s.ch }
func (s *inputStream) SampleRate() int          { return s.rate }

func (s *inputStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// push runs on the audio thread and must never block.
func (s *inputStream) push(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- samples:
	default:
		if n := s.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("local: capture chunk dropped", "total", n)
		}
	}
}

func (s *inputStream) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Close implements [audio.InputStream]. The device is released even when
// the stream already failed.
func (s *inputStream) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	s.mu.Unlock()

	s.release.Do(func() {
		if err := s.dev.Stop(); err != nil {
			slog.Debug("local: stop capture device", "err", err)
		}
		s.dev.Uninit()
	})
	return nil
}

// OpenOutput implements [audio.Output].
func (b *Backend) OpenOutput(_ context.Context, sampleRate int) (audio.OutputStream, error) {
	tl := mixer.New(sampleRate)

	devCfg := malgo.DefaultDeviceConfig(malgo.Playback)
	devCfg.Playback.Format = malgo.FormatF32
	devCfg.Playback.Channels = 1
	devCfg.SampleRate = uint32(sampleRate)
	devCfg.Alsa.NoMMap = 1

	var buf []float32
	callbacks := malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, frameCount uint32) {
			n := int(frameCount)
			if cap(buf) < n {
				buf = make([]float32, n)
			}
			buf = buf[:n]
			tl.Render(buf)
			audio.Float32ToBytes(pOutput, buf)
		},
	}

	dev, err := malgo.InitDevice(b.ctx.Context, devCfg, callbacks)
	if err != nil {
		tl.Close()
		return nil, fmt.Errorf("local: init playback device: %w", mapError(err))
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		tl.Close()
		return nil, fmt.Errorf("local: start playback device: %w", mapError(err))
	}
	slog.Debug("local: playback started", "rate", dev.SampleRate())
	return &outputStream{dev: dev, tl: tl}, nil
}

// outputStream is an open playback device rendering a timeline.
type outputStream struct {
	dev  *malgo.Device
	tl   *mixer.Timeline
	once sync.Once
}

func (s *outputStream) Now() time.Duration { return s.tl.Now() }

func (s *outputStream) Schedule(samples []float32, sampleRate int, at time.Duration) (audio.SourceID, error) {
	return s.tl.Schedule(samples, sampleRate, at)
}

func (s *outputStream) Stop(id audio.SourceID)       { s.tl.Stop(id) }
func (s *outputStream) Ended() <-chan audio.SourceID { return s.tl.Ended() }

// Close implements [audio.OutputStream].
func (s *outputStream) Close() error {
	s.once.Do(func() {
		if n := s.tl.Pending(); n > 0 {
			slog.Debug("local: discarding queued playback", "sources", n)
		}
		// Silence the device before stopping it so the last callback does
		// not replay a partial buffer.
		s.tl.StopAll()
		if err := s.dev.Stop(); err != nil {
			slog.Debug("local: stop playback device", "err", err)
		}
		s.dev.Uninit()
		s.tl.Close()
	})
	return nil
}
