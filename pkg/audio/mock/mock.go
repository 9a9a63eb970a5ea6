// Package mock provides in-memory mock implementations of the [audio.Backend],
// [audio.InputStream] and [audio.OutputStream] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The output stream runs on a manual clock: nothing plays until the test
// advances it, and sources only end when the test says so.
//
// Typical usage:
//
//	backend := &mock.Backend{
//	    Devices: []audio.DeviceInfo{{ID: "mic", Kind: audio.DeviceInput}},
//	}
//	in, _ := backend.OpenInput(ctx, audio.InputConfig{SampleRate: 16000})
//	backend.LastInput().Feed(make([]float32, 4096))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Backend      = (*Backend)(nil)
	_ audio.InputStream  = (*InputStream)(nil)
	_ audio.OutputStream = (*OutputStream)(nil)
)

// ─── Backend ──────────────────────────────────────────────────────────────────

// Backend is a mock implementation of [audio.Backend].
// Set the exported fields before use; inspect the Call* fields after.
type Backend struct {
	mu sync.Mutex

	// Devices is returned by InputDevices.
	Devices []audio.DeviceInfo

	// EnumerateErr is returned by InputDevices when non-nil.
	EnumerateErr error

	// OpenInputErr is returned by OpenInput when non-nil.
	OpenInputErr error

	// OpenOutputErr is returned by OpenOutput when non-nil.
	OpenOutputErr error

	// InputRate is the rate reported by opened input streams. Zero means the
	// requested rate.
	InputRate int

	// OpenInputGate, when non-nil, makes OpenInput wait until the channel is
	// closed or ctx is cancelled. Use it to hold a session in Connecting.
	OpenInputGate chan struct{}

	// CallCountInputDevices records how many times InputDevices was called.
	CallCountInputDevices int

	// CallCountOpenInput records how many times OpenInput was called.
	CallCountOpenInput int

	// CallCountOpenOutput records how many times OpenOutput was called.
	CallCountOpenOutput int

	// InputConfigs records the config of every OpenInput call.
	InputConfigs []audio.InputConfig

	inputs  []*InputStream
	outputs []*OutputStream
}

// InputDevices implements [audio.Enumerator].
func (b *Backend) InputDevices(_ context.Context) ([]audio.DeviceInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountInputDevices++
	if b.EnumerateErr != nil {
		return nil, b.EnumerateErr
	}
	out := make([]audio.DeviceInfo, len(b.Devices))
	copy(out, b.Devices)
	return out, nil
}

// OpenInput implements [audio.Input].
func (b *Backend) OpenInput(ctx context.Context, cfg audio.InputConfig) (audio.InputStream, error) {
	b.mu.Lock()
	b.CallCountOpenInput++
	b.InputConfigs = append(b.InputConfigs, cfg)
	gate := b.OpenInputGate
	err := b.OpenInputErr
	rate := b.InputRate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if rate == 0 {
		rate = cfg.SampleRate
	}

	in := &InputStream{rate: rate, ch: make(chan []float32, 64)}
	b.mu.Lock()
	b.inputs = append(b.inputs, in)
	b.mu.Unlock()
	return in, nil
}

// OpenOutput implements [audio.Output].
func (b *Backend) OpenOutput(_ context.Context, sampleRate int) (audio.OutputStream, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountOpenOutput++
	if b.OpenOutputErr != nil {
		return nil, b.OpenOutputErr
	}
	out := &OutputStream{
		SampleRate: sampleRate,
		ended:      make(chan audio.SourceID, 256),
		live:       make(map[audio.SourceID]bool),
	}
	b.outputs = append(b.outputs, out)
	return out, nil
}

// Inputs returns every input stream opened so far, in order.
func (b *Backend) Inputs() []*InputStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*InputStream, len(b.inputs))
	copy(out, b.inputs)
	return out
}

// LastInput returns the most recently opened input stream, or nil.
func (b *Backend) LastInput() *InputStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.inputs) == 0 {
		return nil
	}
	return b.inputs[len(b.inputs)-1]
}

// Outputs returns every output stream opened so far, in order.
func (b *Backend) Outputs() []*OutputStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*OutputStream, len(b.outputs))
	copy(out, b.outputs)
	return out
}

// LastOutput returns the most recently opened output stream, or nil.
func (b *Backend) LastOutput() *OutputStream {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outputs) == 0 {
		return nil
	}
	return b.outputs[len(b.outputs)-1]
}

// ─── InputStream ──────────────────────────────────────────────────────────────

// InputStream is a mock implementation of [audio.InputStream]. Tests push
// samples with [InputStream.Feed].
type InputStream struct {
	rate int
	ch   chan []float32

	mu     sync.Mutex
	closed bool
	err    error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Chunks implements [audio.InputStream].
func (s *InputStream) Chunks() <-chan []float32 { return s.ch }

// SampleRate implements [audio.InputStream].
func (s *InputStream) SampleRate() int { return s.rate }

// Err implements [audio.InputStream].
func (s *InputStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Feed delivers one chunk. It reports false if the stream is closed.
func (s *InputStream) Feed(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.ch <- samples
	return true
}

// Fail terminates the stream with err, as a device failure would.
func (s *InputStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
}

// Close implements [audio.InputStream].
func (s *InputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// Closed reports whether the stream has been closed or failed.
func (s *InputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── OutputStream ─────────────────────────────────────────────────────────────

// ScheduleCall records the arguments of a single [OutputStream.Schedule]
// invocation.
type ScheduleCall struct {
	// ID is the source ID returned by Schedule.
	ID audio.SourceID
	// Samples is the buffer passed to Schedule.
	Samples []float32
	// SampleRate is the rate passed to Schedule.
	SampleRate int
	// At is the requested start time.
	At time.Duration
}

// OutputStream is a mock implementation of [audio.OutputStream] with a
// manual clock.
type OutputStream struct {
	// SampleRate is the rate passed to OpenOutput.
	SampleRate int

	mu     sync.Mutex
	now    time.Duration
	nextID audio.SourceID
	live   map[audio.SourceID]bool
	closed bool
	ended  chan audio.SourceID

	// ScheduleCalls records all Schedule invocations.
	ScheduleCalls []ScheduleCall

	// StopCalls records the ID of every Stop invocation.
	StopCalls []audio.SourceID

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// Now implements [audio.OutputStream].
func (s *OutputStream) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d.
func (s *OutputStream) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

// Schedule implements [audio.OutputStream].
func (s *OutputStream) Schedule(samples []float32, sampleRate int, at time.Duration) (audio.SourceID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, audio.ErrClosed
	}
	s.nextID++
	s.live[s.nextID] = true
	s.ScheduleCalls = append(s.ScheduleCalls, ScheduleCall{
		ID:         s.nextID,
		Samples:    samples,
		SampleRate: sampleRate,
		At:         at,
	})
	return s.nextID, nil
}

// Stop implements [audio.OutputStream].
func (s *OutputStream) Stop(id audio.SourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StopCalls = append(s.StopCalls, id)
	delete(s.live, id)
}

// Finish reports id as having played to completion. It is a no-op for a
// stopped or unknown source.
func (s *OutputStream) Finish(id audio.SourceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.live[id] {
		return
	}
	delete(s.live, id)
	s.ended <- id
}

// Ended implements [audio.OutputStream].
func (s *OutputStream) Ended() <-chan audio.SourceID { return s.ended }

// Playing returns the number of sources scheduled and neither stopped nor
// finished.
func (s *OutputStream) Playing() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Scheduled returns a copy of ScheduleCalls.
func (s *OutputStream) Scheduled() []ScheduleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleCall, len(s.ScheduleCalls))
	copy(out, s.ScheduleCalls)
	return out
}

// Close implements [audio.OutputStream].
func (s *OutputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountClose++
	s.closed = true
	clear(s.live)
	return nil
}

// Closed reports whether Close has been called.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
