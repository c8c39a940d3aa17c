// Package audioio provides audio capture and playback primitives for the
// voiceloop engine: device configuration, PCM16 chunk handling, format
// conversion between device and wire formats, and mock devices for tests.
//
// The wire format is fixed by the realtime protocol: 24 kHz, mono,
// 16-bit signed little-endian PCM.
package audioio

import (
	"fmt"
	"time"
)

// Wire format constants. Non-negotiable; required by the realtime API.
const (
	WireSampleRate = 24000
	WireChannels   = 1
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto automatically selects the best available backend.
	BackendAuto Backend = "auto"
	// BackendPortAudio uses PortAudio for cross-platform audio I/O.
	BackendPortAudio Backend = "portaudio"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// Config holds device audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto" (selects best available for platform)
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the device sample rate in Hz.
	// Default: 24000 (matches the wire format, no resampling needed)
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of device channels.
	// Default: 1 (mono). Stereo capture is downmixed before transmit.
	Channels int `yaml:"channels" json:"channels"`

	// BufferDuration is the audio callback period.
	// Default: 20ms (480 samples at 24kHz)
	BufferDuration time.Duration `yaml:"buffer_duration" json:"buffer_duration"`

	// Device is the platform-specific device identifier.
	// Empty selects the system default.
	Device string `yaml:"device" json:"device"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     WireSampleRate,
		Channels:       WireChannels,
		BufferDuration: 20 * time.Millisecond,
		Device:         "",
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 && c.Channels != 2 {
		return fmt.Errorf("channels must be 1 or 2, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	return nil
}

// BufferSize returns the number of sample frames per buffer.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}

// BufferBytes returns the size of a buffer in bytes (int16 samples).
func (c *Config) BufferBytes() int {
	return c.BufferSize() * c.Channels * 2
}
