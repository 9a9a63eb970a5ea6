package mixer

import (
	"container/heap"
	"sync"
	"time"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

// defaultQueueCap is the initial capacity hint for the pending queue.
const defaultQueueCap = 16

// Timeline mixes scheduled mono buffers onto a single output clock.
//
// The clock is the number of frames rendered so far divided by the output
// rate; it only advances through [Timeline.Render]. Buffers whose start time
// has already passed begin at the next rendered frame. Overlapping buffers
// are summed and the mix is clamped to [-1, 1].
//
// Every buffer that plays to completion is reported exactly once on
// [Timeline.Ended]. Buffers removed by [Timeline.Stop] are never reported.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	rate int

	mu      sync.Mutex
	pos     int64 // frames rendered
	nextID  audio.SourceID
	pending pendingHeap
	active  []*source
	byID    map[audio.SourceID]*source
	ended   []audio.SourceID // finished, not yet forwarded
	closed  bool

	notify chan struct{}
	out    chan audio.SourceID
	done   chan struct{}
}

// New creates a [Timeline] rendering at sampleRate Hz and starts the
// goroutine that forwards completion notices. Call [Timeline.Close] to stop
// it.
func New(sampleRate int) *Timeline {
	t := &Timeline{
		rate:    sampleRate,
		pending: make(pendingHeap, 0, defaultQueueCap),
		byID:    make(map[audio.SourceID]*source),
		notify:  make(chan struct{}, 1),
		out:     make(chan audio.SourceID),
		done:    make(chan struct{}),
	}
	heap.Init(&t.pending)
	go t.forward()
	return t
}

// SampleRate returns the output rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Now returns the output clock.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesDuration(int(t.pos), t.rate)
}

// Schedule queues samples recorded at sampleRate to start at output clock
// value at, rounded up to the next whole frame so that a start time taken
// from [audio.SamplesDuration] lands exactly on the frame it names. Samples at
// a different rate are resampled to the output rate.
func (t *Timeline) Schedule(samples []float32, sampleRate int, at time.Duration) (audio.SourceID, error) {
	samples = audio.ResampleMono(samples, sampleRate, t.rate)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return 0, audio.ErrClosed
	}

	start := max(audio.DurationSamples(at, t.rate), t.pos)

	t.nextID++
	s := &source{id: t.nextID, start: start, samples: samples}
	t.byID[s.id] = s
	// An empty buffer ends as soon as the clock reaches its start.
	heap.Push(&t.pending, s)
	return s.id, nil
}

// Stop removes a source immediately. Stopping an unknown or finished source
// is a no-op.
func (t *Timeline) Stop(id audio.SourceID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked(id)
}

// StopAll removes every scheduled and playing source.
func (t *Timeline) StopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.byID {
		t.stopLocked(id)
	}
}

func (t *Timeline) stopLocked(id audio.SourceID) {
	s, ok := t.byID[id]
	if !ok {
		return
	}
	s.stopped = true
	delete(t.byID, id)
	for i, a := range t.active {
		if a == s {
			t.active = append(t.active[:i], t.active[i+1:]...)
			break
		}
	}
}

// Pending returns the number of sources scheduled or playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}

// Render mixes the next len(out) frames into out and advances the clock by
// the same amount. out is overwritten; silence is written where nothing
// plays.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	n := int64(len(out))
	windowEnd := t.pos + n

	for t.pending.Len() > 0 && t.pending[0].start < windowEnd {
		s := heap.Pop(&t.pending).(*source)
		if s.stopped {
			continue
		}
		t.active = append(t.active, s)
	}

	var finished bool
	kept := t.active[:0]
	for _, s := range t.active {
		dst := int(max(s.start-t.pos, 0))
		m := copyAdd(out[dst:], s.samples[s.offset:])
		s.offset += m
		if s.offset >= len(s.samples) {
			delete(t.byID, s.id)
			t.ended = append(t.ended, s.id)
			finished = true
			continue
		}
		kept = append(kept, s)
	}
	clear(t.active[len(kept):])
	t.active = kept

	for i, v := range out {
		switch {
		case v > 1:
			out[i] = 1
		case v < -1:
			out[i] = -1
		}
	}
	t.pos = windowEnd

	if finished {
		select {
		case t.notify <- struct{}{}:
		default:
		}
	}
}

// copyAdd sums src into dst and returns the number of samples consumed.
func copyAdd(dst, src []float32) int {
	n := min(len(dst), len(src))
	for i := range n {
		dst[i] += src[i]
	}
	return n
}

// Ended delivers the ID of every source that played to completion, in
// completion order. The channel is closed by [Timeline.Close].
func (t *Timeline) Ended() <-chan audio.SourceID { return t.out }

// forward moves completion notices from the render path to the Ended
// channel. Render never blocks on a slow reader.
func (t *Timeline) forward() {
	defer close(t.out)
	for {
		select {
		case <-t.done:
			return
		case <-t.notify:
		}
		t.mu.Lock()
		batch := t.ended
		t.ended = nil
		t.mu.Unlock()

		for _, id := range batch {
			select {
			case t.out <- id:
			case <-t.done:
				return
			}
		}
	}
}

// Close discards all sources, stops the forwarding goroutine and closes the
// Ended channel. Close is idempotent; subsequent calls are no-ops and return
// nil.
func (t *Timeline) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.pending = t.pending[:0]
	t.active = nil
	clear(t.byID)
	t.ended = nil
	t.mu.Unlock()

	close(t.done)
	return nil
}
