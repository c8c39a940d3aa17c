package audioio

import (
	"fmt"
	"sync/atomic"
)

// Resample converts audio from one sample rate to another using linear
// interpolation. Suitable for speech audio.
func Resample(samples []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		return samples
	}

	if len(samples) == 0 {
		return samples
	}

	ratio := float64(fromRate) / float64(toRate)
	newLen := int(float64(len(samples)) / ratio)

	if newLen == 0 {
		return []int16{}
	}

	result := make([]int16, newLen)

	for i := 0; i < newLen; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx >= len(samples)-1 {
			result[i] = samples[len(samples)-1]
		} else {
			// Linear interpolation
			s1 := float64(samples[srcIdx])
			s2 := float64(samples[srcIdx+1])
			result[i] = int16(s1 + frac*(s2-s1))
		}
	}

	return result
}

// BytesToSamples converts raw PCM16 little-endian bytes to int16 samples.
func BytesToSamples(data []byte) []int16 {
	samples := make([]int16, len(data)/2)
	for i := range samples {
		samples[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return samples
}

// SamplesToBytes converts int16 samples to raw PCM16 little-endian bytes.
func SamplesToBytes(samples []int16) []byte {
	data := make([]byte, len(samples)*2)
	for i, s := range samples {
		data[i*2] = byte(s)
		data[i*2+1] = byte(s >> 8)
	}
	return data
}

// MonoToStereo duplicates mono samples to stereo.
func MonoToStereo(samples []int16) []int16 {
	stereo := make([]int16, len(samples)*2)
	for i, s := range samples {
		stereo[i*2] = s
		stereo[i*2+1] = s
	}
	return stereo
}

// StereoToMono averages stereo samples to mono.
func StereoToMono(samples []int16) []int16 {
	mono := make([]int16, len(samples)/2)
	for i := range mono {
		left := int32(samples[i*2])
		right := int32(samples[i*2+1])
		mono[i] = int16((left + right) / 2)
	}
	return mono
}

// Converter translates between a device format and the fixed wire format
// in both directions. Conversion is synchronous, performs no I/O, and is
// called from the audio callback, so failures are counted and reported to
// the caller for dropping rather than treated as fatal.
type Converter struct {
	dropped atomic.Int64
}

// NewConverter creates a Converter.
func NewConverter() *Converter {
	return &Converter{}
}

// ToWire converts a captured device chunk to wire-format PCM16 bytes
// (24 kHz mono). Stereo input is downmixed. On unsupported input the
// chunk is counted as dropped and an error returned; callers discard the
// chunk and continue.
func (cv *Converter) ToWire(chunk AudioChunk) ([]byte, error) {
	if chunk.SampleRate <= 0 || (chunk.Channels != 1 && chunk.Channels != 2) {
		cv.dropped.Add(1)
		return nil, fmt.Errorf("audioio: unsupported capture format: %d Hz, %d ch",
			chunk.SampleRate, chunk.Channels)
	}

	samples := chunk.Samples
	if chunk.Channels == 2 {
		samples = StereoToMono(samples)
	}
	samples = Resample(samples, chunk.SampleRate, WireSampleRate)

	return SamplesToBytes(samples), nil
}

// FromWire converts wire-format PCM16 bytes to a chunk in the given device
// format. Mono wire audio is duplicated to stereo when the device needs it.
func (cv *Converter) FromWire(pcm []byte, out Config) (AudioChunk, error) {
	if out.SampleRate <= 0 || (out.Channels != 1 && out.Channels != 2) {
		cv.dropped.Add(1)
		return AudioChunk{}, fmt.Errorf("audioio: unsupported playback format: %d Hz, %d ch",
			out.SampleRate, out.Channels)
	}
	if len(pcm)%2 != 0 {
		cv.dropped.Add(1)
		return AudioChunk{}, fmt.Errorf("audioio: odd-length PCM16 payload: %d bytes", len(pcm))
	}

	samples := BytesToSamples(pcm)
	samples = Resample(samples, WireSampleRate, out.SampleRate)
	if out.Channels == 2 {
		samples = MonoToStereo(samples)
	}

	return AudioChunk{
		Samples:    samples,
		SampleRate: out.SampleRate,
		Channels:   out.Channels,
	}, nil
}

// Dropped returns the number of chunks discarded due to conversion failure.
func (cv *Converter) Dropped() int64 {
	return cv.dropped.Load()
}
