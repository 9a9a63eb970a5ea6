package audio

import (
	"log/slog"
	"sync"
)

// Resampler converts mono float frames to a target sample rate. It logs a
// warning on the first rate mismatch so that a device silently running at a
// different rate is visible in the logs.
//
// A Resampler is a stream: the fractional read position and the last input
// sample carry over between calls, so chunk boundaries do not reset the
// interpolation phase. Create one per stream; not designed for shared use
// across goroutines.
type Resampler struct {
	TargetRate     int
	warnedMismatch sync.Once

	srcRate int
	// pos is the next output position in source samples scaled by
	// TargetRate, relative to the first sample of the next chunk. Negative
	// positions interpolate from last.
	pos  int64
	last float32
}

// Resample converts samples recorded at srcRate to r.TargetRate. If the rates
// already match, the input slice is returned unchanged (zero allocation).
// A change of srcRate restarts the stream.
func (r *Resampler) Resample(samples []float32, srcRate int) []float32 {
	if srcRate == r.TargetRate || srcRate <= 0 || r.TargetRate <= 0 {
		return samples
	}
	r.warnedMismatch.Do(func() {
		slog.Warn("audio sample rate mismatch: resampling",
			"from", srcRate,
			"to", r.TargetRate,
		)
	})
	if srcRate != r.srcRate {
		r.Reset()
		r.srcRate = srcRate
	}
	n := int64(len(samples))
	if n == 0 {
		return nil
	}

	dst := int64(r.TargetRate)
	step := int64(srcRate)
	at := func(i int64) float32 {
		if i < 0 {
			return r.last
		}
		return samples[i]
	}

	limit := (n - 1) * dst
	var out []float32
	if r.pos <= limit {
		out = make([]float32, 0, (limit-r.pos)/step+1)
	}
	for ; r.pos <= limit; r.pos += step {
		idx := floorDiv(r.pos, dst)
		rem := r.pos - idx*dst
		s0 := at(idx)
		if rem == 0 {
			out = append(out, s0)
			continue
		}
		frac := float32(rem) / float32(dst)
		out = append(out, s0*(1-frac)+samples[idx+1]*frac)
	}
	r.pos -= n * dst
	r.last = samples[n-1]
	return out
}

// Reset drops the carried position and sample so the next call starts a new
// stream.
func (r *Resampler) Reset() {
	r.srcRate = 0
	r.pos = 0
	r.last = 0
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// ResampleMono resamples float mono audio from srcRate to dstRate using linear
// interpolation. If srcRate == dstRate, the input is returned unchanged.
func ResampleMono(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstLen {
		srcPos := float64(i) * ratio
		idx := int(srcPos)
		frac := float32(srcPos - float64(idx))

		s0 := samples[idx]
		s1 := s0
		if idx+1 < len(samples) {
			s1 = samples[idx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		s1 := s0
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// Framer re-slices a continuous stream of arbitrarily sized chunks into
// frames of exactly Size samples. The zero value is not usable; set Size.
type Framer struct {
	Size int
	buf  []float32
}

// Push appends samples and returns every complete frame now available. Each
// returned frame is a fresh slice the caller may keep.
func (f *Framer) Push(samples []float32) [][]float32 {
	f.buf = append(f.buf, samples...)
	if f.Size <= 0 || len(f.buf) < f.Size {
		return nil
	}
	var frames [][]float32
	for len(f.buf) >= f.Size {
		frame := make([]float32, f.Size)
		copy(frame, f.buf[:f.Size])
		frames = append(frames, frame)
		f.buf = f.buf[f.Size:]
	}
	// Compact so the backing array does not grow without bound.
	f.buf = append(f.buf[:0:0], f.buf...)
	return frames
}

// Buffered returns the number of samples waiting for a full frame.
func (f *Framer) Buffered() int { return len(f.buf) }
