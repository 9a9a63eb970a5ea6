// Package local provides an [audio.Backend] for the machine's own sound
// devices, backed by miniaudio through github.com/gen2brain/malgo.
//
// Capture delivers mono float32 chunks straight from the device callback.
// Playback renders a [mixer.Timeline] from the device callback, so the output
// clock is the number of frames the device has actually consumed.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.Backend = (*Backend)(nil)

// chunkBuffer is the number of capture callbacks that may queue before
// chunks are dropped.
const chunkBuffer = 64

// Backend implements [audio.Backend] on the local machine.
// Backend is safe for concurrent use.
type Backend struct {
	ctx *malgo.AllocatedContext

	mu     sync.Mutex
	closed bool
}

// New initialises the miniaudio context. Call [Backend.Close] to release it.
func New() (*Backend, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		slog.Debug("local: miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("local: init context: %w", mapError(err))
	}
	return &Backend{ctx: ctx}, nil
}

// Close releases the miniaudio context. Open streams must be closed first.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.ctx.Uninit(); err != nil {
		return fmt.Errorf("local: uninit context: %w", err)
	}
	b.ctx.Free()
	return nil
}

// InputDevices implements [audio.Enumerator].
func (b *Backend) InputDevices(_ context.Context) ([]audio.DeviceInfo, error) {
	infos, err := b.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("local: enumerate capture devices: %w: %w", audio.ErrIntrospectionBlocked, err)
	}
	out := make([]audio.DeviceInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, audio.DeviceInfo{
			ID:      info.ID.String(),
			Name:    info.Name(),
			Kind:    audio.DeviceInput,
			Default: info.IsDefault != 0,
		})
	}
	return out, nil
}

// findDevice resolves a device selector against the capture device list. The
// selector matches an exact ID first, then a case-insensitive name substring.
func findDevice(infos []malgo.DeviceInfo, selector string) (int, bool) {
	for i, info := range infos {
		if info.ID.String() == selector {
			return i, true
		}
	}
	want := strings.ToLower(selector)
	for i, info := range infos {
		if strings.Contains(strings.ToLower(info.Name()), want) {
			return i, true
		}
	}
	return -1, false
}

// OpenInput implements [audio.Input].
func (b *Backend) OpenInput(_ context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	devCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	devCfg.Capture.Format = malgo.FormatF32
	devCfg.Capture.Channels = 1
	devCfg.SampleRate = uint32(cfg.SampleRate)
	devCfg.Alsa.NoMMap = 1

	if cfg.DeviceID != "" {
		infos, err := b.ctx.Devices(malgo.Capture)
		if err != nil {
			return nil, fmt.Errorf("local: enumerate capture devices: %w", mapError(err))
		}
		idx, ok := findDevice(infos, cfg.DeviceID)
		if !ok {
			return nil, fmt.Errorf("local: capture device %q: %w", cfg.DeviceID, audio.ErrDeviceNotFound)
		}
		devCfg.Capture.DeviceID = infos[idx].ID.Pointer()
	}

	s := &inputStream{ch: make(chan []float32, chunkBuffer)}
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			if frameCount == 0 {
				return
			}
			s.push(audio.Float32FromBytes(pInput))
		},
		Stop: func() {
			s.fail(fmt.Errorf("local: capture device stopped: %w", audio.ErrDeviceNotFound))
		},
	}

	dev, err := malgo.InitDevice(b.ctx.Context, devCfg, callbacks)
	if err != nil {
		return nil, fmt.Errorf("local: init capture device: %w", mapError(err))
	}
	s.dev = dev
	s.rate = int(dev.SampleRate())
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("local: start capture device: %w", mapError(err))
	}
	slog.Debug("local: capture started", "rate", s.rate, "device", cfg.DeviceID)
	return s, nil
}

// mapError wraps miniaudio results with the audio sentinel errors so that
// callers can classify them.
func mapError(err error) error {
	switch {
	case errors.Is(err, malgo.ErrAccessDenied):
		return fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	case errors.Is(err, malgo.ErrBusy):
		return fmt.Errorf("%w: %w", audio.ErrDeviceBusy, err)
	case errors.Is(err, malgo.ErrNoDevice), errors.Is(err, malgo.ErrDoesNotExist):
		return fmt.Errorf("%w: %w", audio.ErrDeviceNotFound, err)
	case errors.Is(err, malgo.ErrNoBackend), errors.Is(err, malgo.ErrFormatNotSupported):
		return fmt.Errorf("%w: %w", audio.ErrUnsupported, err)
	default:
		return err
	}
}
