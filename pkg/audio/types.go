package audio

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Sample rates used across the voice pipeline. The microphone path and the
// model output path deliberately run at different rates.
const (
	// CaptureSampleRate is the rate of audio sent to the remote model.
	CaptureSampleRate = 16000

	// PlaybackSampleRate is the rate of audio synthesised by the remote model.
	PlaybackSampleRate = 24000

	// DefaultFrameSize is the number of samples per captured frame. It is the
	// unit of latency for the whole pipeline.
	DefaultFrameSize = 4096
)

// EncodingPCM16 identifies little-endian signed 16-bit linear PCM.
const EncodingPCM16 = "pcm16"

// Frame is a chunk of mono audio flowing through the pipeline. Samples are
// normalised floats, nominally in [-1, 1]. A Frame is never modified after it
// has been handed to the next stage.
type Frame struct {
	// Samples holds mono audio samples.
	Samples []float32

	// SampleRate in Hz (16000 for capture, 24000 for model output).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	return SamplesDuration(len(f.Samples), f.SampleRate)
}

// SamplesDuration returns how long n samples last at the given rate.
// Returns zero for a non-positive rate.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}

// DurationSamples returns the sample index at which d falls at the given rate,
// rounding up. It inverts [SamplesDuration]: for any n,
// DurationSamples(SamplesDuration(n, r), r) == n. Returns zero for a
// non-positive rate or duration.
func DurationSamples(d time.Duration, sampleRate int) int64 {
	if sampleRate <= 0 || d <= 0 {
		return 0
	}
	num := int64(d) * int64(sampleRate)
	n := num / int64(time.Second)
	if num%int64(time.Second) != 0 {
		n++
	}
	return n
}

// Format describes the encoding and sample rate of an [EncodedFrame].
type Format struct {
	Encoding   string
	SampleRate int
}

// PCM16 returns the linear 16-bit PCM format at the given rate.
func PCM16(sampleRate int) Format {
	return Format{Encoding: EncodingPCM16, SampleRate: sampleRate}
}

// String returns the compact tag form, e.g. "pcm16@16000".
func (f Format) String() string {
	return fmt.Sprintf("%s@%d", f.Encoding, f.SampleRate)
}

// MIMEType returns the wire MIME type, e.g. "audio/pcm;rate=16000".
func (f Format) MIMEType() string {
	return fmt.Sprintf("audio/pcm;rate=%d", f.SampleRate)
}

// ParseMIMEType parses an "audio/pcm;rate=N" MIME type. When the rate
// parameter is absent, fallbackRate is used.
func ParseMIMEType(mime string, fallbackRate int) (Format, error) {
	parts := strings.Split(mime, ";")
	if strings.TrimSpace(strings.ToLower(parts[0])) != "audio/pcm" {
		return Format{}, fmt.Errorf("audio: unsupported mime type %q", mime)
	}
	f := PCM16(fallbackRate)
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.ToLower(k) != "rate" {
			continue
		}
		rate, err := strconv.Atoi(v)
		if err != nil || rate <= 0 {
			return Format{}, fmt.Errorf("audio: invalid rate in mime type %q", mime)
		}
		f.SampleRate = rate
	}
	return f, nil
}

// EncodedFrame is a wire-ready audio payload plus the tag that says how to
// interpret it.
type EncodedFrame struct {
	// Data is little-endian int16 PCM.
	Data []byte

	// Format identifies encoding and sample rate.
	Format Format
}

// Samples returns the number of PCM16 samples in the payload.
func (e EncodedFrame) Samples() int { return len(e.Data) / 2 }

// Duration returns the playback length of the payload.
func (e EncodedFrame) Duration() time.Duration {
	return SamplesDuration(e.Samples(), e.Format.SampleRate)
}
