package audio

import "math"

// LoudnessGain scales RMS so that ordinary speech, which sits well below full
// scale, produces a visible level.
const LoudnessGain = 5.0

// Loudness is a visual level in [0, 1]. It never feeds control decisions.
type Loudness float64

// RMS returns the root-mean-square energy of samples. Empty input yields 0.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// LoudnessOf computes RMS × gain, clamped to [0, 1]. NaN input collapses to 0.
func LoudnessOf(samples []float32, gain float64) Loudness {
	l := RMS(samples) * gain
	switch {
	case math.IsNaN(l), l <= 0:
		return 0
	case l >= 1:
		return 1
	}
	return Loudness(l)
}
