package audioio

import "math"

// RMS returns the root mean square amplitude of samples, normalized to
// [0, 1] where 1 is full scale.
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}

	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}

	return math.Sqrt(sum/float64(len(samples))) / 32767
}

// Level converts samples to a UI meter level in [0, 1] on a decibel scale:
// clamp((20*log10(rms) + 50) / 50, 0, 1). Silence maps to 0, full scale
// to 1, with -50 dBFS as the meter floor.
func Level(samples []int16) float64 {
	rms := RMS(samples)
	if rms <= 0 {
		return 0
	}

	level := (20*math.Log10(rms) + 50) / 50
	if level < 0 {
		return 0
	}
	if level > 1 {
		return 1
	}
	return level
}
