package browser

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

const (
	inputChunkBuffer = 64
	endedBuffer      = 64
)

// Compile-time interface assertions.
var (
	_ audio.InputStream  = (*inputStream)(nil)
	_ audio.OutputStream = (*outputStream)(nil)
)

// inputStream delivers microphone samples pushed by the visitor's read loop.
type inputStream struct {
	v    *visitor
	rate int

	mu      sync.Mutex
	ch      chan []float32
	closed  bool
	err     error
	dropped int
}

func newInputStream(v *visitor, rate int) *inputStream {
	return &inputStream{v: v, rate: rate, ch: make(chan []float32, inputChunkBuffer)}
}

func (s *inputStream) Chunks() <-chan []float32 { return s.ch }
func (s *inputStream) SampleRate() int          { return s.rate }

func (s *inputStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// push forwards a chunk without blocking the read loop. A full buffer means
// the consumer is behind real time; the chunk is dropped.
func (s *inputStream) push(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- samples:
	default:
		s.dropped++
		if s.dropped == 1 || s.dropped%100 == 0 {
			slog.Warn("browser: microphone chunk dropped", "total", s.dropped)
		}
	}
}

// fail terminates the stream with err.
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

// Close implements [audio.InputStream].
func (s *inputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()

	s.v.releaseInput(s)
	return nil
}

// outputStream schedules buffers on the visitor's playback graph. The clock
// is monotonic time since the stream opened; completion is tracked with a
// timer per buffer.
type outputStream struct {
	v      *visitor
	rate   int
	opened time.Time

	mu     sync.Mutex
	nextID audio.SourceID
	timers map[audio.SourceID]*time.Timer
	closed bool

	ended chan audio.SourceID
	done  chan struct{}
}

func newOutputStream(v *visitor, rate int) *outputStream {
	return &outputStream{
		v:      v,
		rate:   rate,
		opened: time.Now(),
		timers: make(map[audio.SourceID]*time.Timer),
		ended:  make(chan audio.SourceID, endedBuffer),
		done:   make(chan struct{}),
	}
}

// Now implements [audio.OutputStream].
func (s *outputStream) Now() time.Duration { return time.Since(s.opened) }

// Ended implements [audio.OutputStream]. The channel is never closed.
func (s *outputStream) Ended() <-chan audio.SourceID { return s.ended }

// Schedule implements [audio.OutputStream]. Samples are queued to the
// visitor as PCM16; Schedule does not wait for the write.
func (s *outputStream) Schedule(samples []float32, sampleRate int, at time.Duration) (audio.SourceID, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, audio.ErrClosed
	}
	now := s.Now()
	if at < now {
		at = now
	}
	s.nextID++
	id := s.nextID
	end := at + audio.SamplesDuration(len(samples), sampleRate)
	s.timers[id] = time.AfterFunc(end-now, func() { s.finish(id) })
	s.mu.Unlock()

	enc := audio.EncodePCM16(samples, sampleRate)
	err := s.v.send(playMessage{
		Type:       typePlay,
		ID:         id,
		At:         at.Seconds(),
		SampleRate: sampleRate,
		Data:       enc.Data,
	})
	if err != nil {
		s.cancel(id)
		return 0, err
	}
	return id, nil
}

func (s *outputStream) finish(id audio.SourceID) {
	s.mu.Lock()
	_, ok := s.timers[id]
	delete(s.timers, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case s.ended <- id:
	case <-s.done:
	}
}

// cancel drops the completion timer for id. It reports whether id was live.
func (s *outputStream) cancel(id audio.SourceID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.timers[id]
	if !ok {
		return false
	}
	t.Stop()
	delete(s.timers, id)
	return true
}

// Stop implements [audio.OutputStream].
func (s *outputStream) Stop(id audio.SourceID) {
	if !s.cancel(id) {
		return
	}
	if err := s.v.send(stopMessage{Type: typeStop, ID: id}); err != nil {
		slog.Debug("browser: stop source", "id", id, "err", err)
	}
}

// detach stops every timer without talking to the visitor. Used when the
// connection is already gone.
func (s *outputStream) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	close(s.done)
}

// Close implements [audio.OutputStream].
func (s *outputStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.detach()
	s.v.releaseOutput(s)
	return nil
}
