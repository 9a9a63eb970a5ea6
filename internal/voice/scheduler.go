package voice

import (
	"fmt"
	"time"

	"github.com/MrWong99/voxfolio/pkg/audio"
)

// PlaybackSource is one model frame queued on the output device.
type PlaybackSource struct {
	ID       audio.SourceID
	Start    time.Duration
	Duration time.Duration
}

// Scheduled describes the outcome of [Scheduler.OnFrameReceived].
type Scheduled struct {
	Source PlaybackSource

	// Gap is the silence inserted before the source because the previous
	// source in the same turn had already finished. Zero when the frame was
	// appended seamlessly or when it opens a turn.
	Gap time.Duration

	// Loudness is the level of the decoded frame, for the UI meter.
	Loudness audio.Loudness
}

// Scheduler lays out model audio back to back on the output clock. The next
// start is kept as a whole sample position so that truncated durations never
// accumulate into overlaps. It is not safe for concurrent use; the owning
// [Session] loop serialises all calls.
type Scheduler struct {
	out    audio.OutputStream
	rate   int   // rate of next
	next   int64 // sample position where the next frame starts
	active map[audio.SourceID]PlaybackSource
	inTurn bool
}

// NewScheduler returns a Scheduler that plays through out.
func NewScheduler(out audio.OutputStream) *Scheduler {
	return &Scheduler{
		out:    out,
		active: make(map[audio.SourceID]PlaybackSource),
	}
}

// OnFrameReceived decodes a model frame and schedules it to start when the
// previously scheduled audio ends, or immediately if that moment has passed.
// Frames without a sample rate are taken as [audio.PlaybackSampleRate].
func (s *Scheduler) OnFrameReceived(frame audio.EncodedFrame) (Scheduled, error) {
	if frame.Format.SampleRate <= 0 {
		frame.Format.SampleRate = audio.PlaybackSampleRate
	}
	decoded, err := audio.DecodePCM16(frame)
	if err != nil {
		return Scheduled{}, fmt.Errorf("voice: decode model audio: %w", err)
	}
	if len(decoded.Samples) == 0 {
		return Scheduled{}, nil
	}

	rate := decoded.SampleRate
	if rate != s.rate {
		if s.rate > 0 {
			s.next = audio.DurationSamples(audio.SamplesDuration(int(s.next), s.rate), rate)
		}
		s.rate = rate
	}

	now := audio.DurationSamples(s.out.Now(), rate)
	startPos := max(s.next, now)
	var gap time.Duration
	if s.inTurn && now > s.next {
		gap = audio.SamplesDuration(int(now-s.next), rate)
	}

	start := audio.SamplesDuration(int(startPos), rate)
	id, err := s.out.Schedule(decoded.Samples, rate, start)
	if err != nil {
		return Scheduled{}, fmt.Errorf("voice: schedule playback: %w", err)
	}

	src := PlaybackSource{ID: id, Start: start, Duration: decoded.Duration()}
	s.active[id] = src
	s.next = startPos + int64(len(decoded.Samples))
	s.inTurn = true

	return Scheduled{
		Source:   src,
		Gap:      gap,
		Loudness: audio.LoudnessOf(decoded.Samples, audio.LoudnessGain),
	}, nil
}

// Ended removes a source that finished naturally. It reports whether the
// source was tracked.
func (s *Scheduler) Ended(id audio.SourceID) bool {
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return true
}

// EndTurn marks the end of the model's turn. The next frame opens a new turn
// and is not counted as an underrun.
func (s *Scheduler) EndTurn() {
	s.inTurn = false
}

// StopAll force-stops every tracked source and returns how many were stopped.
// The next frame starts at the current output time.
func (s *Scheduler) StopAll() int {
	n := len(s.active)
	for id := range s.active {
		s.out.Stop(id)
	}
	clear(s.active)
	s.next = 0
	s.inTurn = false
	return n
}

// Active returns the number of sources scheduled or playing.
func (s *Scheduler) Active() int { return len(s.active) }

// NextStart returns the output time at which the next frame would start if
// it arrived before then.
func (s *Scheduler) NextStart() time.Duration {
	return audio.SamplesDuration(int(s.next), s.rate)
}
