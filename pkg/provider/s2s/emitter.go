package s2s

import (
	"context"
	"sync"
)

// DefaultEventBuffer is the event channel capacity used by [NewEmitter] when
// given a non-positive size.
const DefaultEventBuffer = 64

// Emitter owns a session's event channel. Providers emit events from their
// receive goroutine and call Finish with the terminal event from that same
// goroutine; Emit must not be called after Finish.
type Emitter struct {
	ch          chan Event
	finishOnce  sync.Once
	abandoned   chan struct{}
	abandonOnce sync.Once
}

// NewEmitter creates an Emitter with the given channel capacity.
func NewEmitter(size int) *Emitter {
	if size <= 0 {
		size = DefaultEventBuffer
	}
	return &Emitter{
		ch:        make(chan Event, size),
		abandoned: make(chan struct{}),
	}
}

// Events returns the receive side of the event channel.
func (e *Emitter) Events() <-chan Event { return e.ch }

// Emit delivers ev, blocking until the consumer accepts it, ctx is done or
// the consumer has abandoned the session. It reports whether ev was delivered.
func (e *Emitter) Emit(ctx context.Context, ev Event) bool {
	select {
	case e.ch <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-e.abandoned:
		return false
	}
}

// Finish delivers the terminal event (unless the consumer abandoned the
// session) and closes the channel. Only the first call has any effect.
func (e *Emitter) Finish(ev Event) {
	e.finishOnce.Do(func() {
		select {
		case e.ch <- ev:
		case <-e.abandoned:
		}
		close(e.ch)
	})
}

// Abandon records that the consumer no longer reads events. Called from
// SessionHandle.Close so pending and terminal events are dropped.
func (e *Emitter) Abandon() {
	e.abandonOnce.Do(func() { close(e.abandoned) })
}
