// Package mixer provides [Timeline], a sample-accurate playback mixer. Buffers
// are scheduled at absolute positions on a monotonic output clock and rendered
// by pulling fixed-size windows, which is how callback-driven audio devices
// consume audio.
package mixer

import "github.com/MrWong99/voxfolio/pkg/audio"

// source is a buffer scheduled on the timeline.
type source struct {
	id      audio.SourceID
	start   int64 // first output frame
	samples []float32
	offset  int  // samples already rendered
	stopped bool // removed by Stop; skipped lazily when popped
}

// pendingHeap implements [container/heap.Interface] as a min-heap ordered by
// start frame, with insertion order (id) breaking ties.
type pendingHeap []*source

func (h pendingHeap) Len() int { return len(h) }

// Less reports whether element i starts before element j.
func (h pendingHeap) Less(i, j int) bool {
	if h[i].start != h[j].start {
		return h[i].start < h[j].start
	}
	return h[i].id < h[j].id
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push appends x to the heap. Called by [container/heap.Push]; callers must
// not invoke this directly.
func (h *pendingHeap) Push(x any) {
	*h = append(*h, x.(*source))
}

// Pop removes and returns the last element. Called by [container/heap.Pop];
// callers must not invoke this directly.
func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	s := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return s
}
