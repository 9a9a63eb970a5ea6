package s2s

import (
	"context"
	"sync"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

// DefaultQueueSize is the number of frames an [Outbox] holds before Push
// reports [ErrBackpressure]. At 4096 samples per frame and 16 kHz it is
// roughly 16 seconds of audio.
const DefaultQueueSize = 64

// WriteFunc delivers one frame to the wire.
type WriteFunc func(ctx context.Context, frame audio.EncodedFrame) error

// Outbox is the ordered outbound queue shared by provider implementations.
// Frames pushed before [Outbox.Open] are held; [Outbox.Run] delivers them in
// order once the session is open, then keeps delivering new frames.
//
// Push never blocks, so a slow network cannot stall the caller's audio path.
type Outbox struct {
	queue    chan audio.EncodedFrame
	open     chan struct{}
	openOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// NewOutbox creates an Outbox holding up to size frames. A non-positive size
// selects [DefaultQueueSize].
func NewOutbox(size int) *Outbox {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Outbox{
		queue: make(chan audio.EncodedFrame, size),
		open:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Push queues frame. It returns [ErrSessionClosed] after Close and
// [ErrBackpressure] when the queue is full.
func (o *Outbox) Push(frame audio.EncodedFrame) error {
	select {
	case <-o.done:
		return ErrSessionClosed
	default:
	}
	select {
	case o.queue <- frame:
		return nil
	default:
		return ErrBackpressure
	}
}

// Open releases held frames to Run. Idempotent.
func (o *Outbox) Open() {
	o.openOnce.Do(func() { close(o.open) })
}

// Close makes further Push calls fail and stops Run. Queued frames are
// discarded. Idempotent.
func (o *Outbox) Close() {
	o.doneOnce.Do(func() { close(o.done) })
}

// Len returns the number of frames waiting.
func (o *Outbox) Len() int { return len(o.queue) }

// Run waits for Open and then writes frames in order until ctx is done, the
// Outbox is closed or write fails. It returns the write error, or nil.
func (o *Outbox) Run(ctx context.Context, write WriteFunc) error {
	select {
	case <-o.open:
	case <-o.done:
		return nil
	case <-ctx.Done():
		return nil
	}
	for {
		select {
		case <-o.done:
			return nil
		case <-ctx.Done():
			return nil
		case frame := <-o.queue:
			if err := write(ctx, frame); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
