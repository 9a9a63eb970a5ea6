package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// QuantizeSample converts a normalised float sample to int16. The input is
// clamped to [-1, 1]; positive values scale by 32767 and negative values by
// 32768, matching the asymmetric two's-complement range.
func QuantizeSample(v float32) int16 {
	s := float64(v)
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(math.Floor(s * 32768))
	}
	return int16(math.Floor(s * 32767))
}

// DequantizeSample maps an int16 sample back into [-1, 1).
func DequantizeSample(v int16) float32 {
	return float32(v) / 32768
}

// EncodePCM16 quantises samples into little-endian int16 PCM tagged with
// sampleRate.
func EncodePCM16(samples []float32, sampleRate int) EncodedFrame {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(QuantizeSample(s)))
	}
	return EncodedFrame{Data: out, Format: PCM16(sampleRate)}
}

// DecodePCM16 reconstructs float samples from a PCM16 payload. An odd
// trailing byte is rejected rather than silently truncated.
func DecodePCM16(enc EncodedFrame) (Frame, error) {
	if enc.Format.Encoding != "" && enc.Format.Encoding != EncodingPCM16 {
		return Frame{}, fmt.Errorf("audio: cannot decode %s", enc.Format)
	}
	if len(enc.Data)%2 != 0 {
		return Frame{}, fmt.Errorf("audio: odd byte count %d in PCM16 payload", len(enc.Data))
	}
	samples := make([]float32, len(enc.Data)/2)
	for i := range samples {
		samples[i] = DequantizeSample(int16(binary.LittleEndian.Uint16(enc.Data[i*2:])))
	}
	return Frame{Samples: samples, SampleRate: enc.Format.SampleRate}, nil
}

// Float32FromBytes decodes little-endian IEEE-754 float32 samples, the layout
// used by device callbacks and the browser bridge. Trailing bytes that do not
// form a full sample are ignored.
func Float32FromBytes(b []byte) []float32 {
	out := make([]float32, len(b)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return out
}

// Float32ToBytes encodes samples as little-endian float32 into dst, which
// must hold at least 4*len(samples) bytes.
func Float32ToBytes(dst []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(s))
	}
}
