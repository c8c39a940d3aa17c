package audioio

import (
	"context"
	"io"
)

// Sink plays audio to a speaker or other output device. Audio is handed
// over in scheduling units; the device invokes a completion callback when
// a unit finishes playing, which drives the jitter buffer's top-up logic.
type Sink interface {
	// Start brings up the output engine.
	Start(ctx context.Context) error

	// Stop halts playback and releases the output engine.
	// It is safe to call Stop multiple times.
	Stop() error

	// Schedule hands one combined unit to the device for playback after
	// any previously scheduled units. done, if non-nil, runs when the
	// unit finishes playing. Returns ErrNotRunning when the engine is
	// not running; callers retry briefly then drop.
	Schedule(unit AudioChunk, done func()) error

	// Pause suspends playback without discarding scheduled audio.
	// Used when the stream is temporarily starved.
	Pause()

	// Resume continues playback after Pause.
	Resume()

	// Clear discards all scheduled audio immediately (barge-in).
	Clear()

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string

	// Close releases all resources.
	// After Close, the sink cannot be restarted.
	io.Closer
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	// UnitsScheduled is the total number of units handed to the device.
	UnitsScheduled int64 `json:"units_scheduled"`

	// SamplesWritten is the total number of samples handed to the device.
	SamplesWritten int64 `json:"samples_written"`

	// Cleared is the number of Clear calls (barge-ins).
	Cleared int64 `json:"cleared"`

	// Running indicates if the sink engine is up.
	Running bool `json:"running"`

	// Paused indicates playback is suspended awaiting data.
	Paused bool `json:"paused"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
