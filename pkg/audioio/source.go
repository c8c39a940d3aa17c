package audioio

import (
	"context"
	"errors"
	"io"
)

// Common device errors.
var (
	// ErrNotRunning is returned when audio is written to a device whose
	// engine is not running. Treated as droppable by callers.
	ErrNotRunning = errors.New("audioio: device not running")
)

// Source captures audio from a microphone or other input device.
// Implementations deliver chunks at a fixed callback cadence.
type Source interface {
	// Start begins audio capture.
	// After calling Start, audio chunks arrive on Stream.
	Start(ctx context.Context) error

	// Stop halts audio capture and closes the stream channel.
	// It is safe to call Stop multiple times.
	Stop() error

	// Stream returns a channel that receives audio chunks.
	// The channel is closed when the source is stopped.
	Stream() <-chan AudioChunk

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string

	// Close releases all resources.
	// After Close, the source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	// ChunksRead is the total number of chunks delivered.
	ChunksRead int64 `json:"chunks_read"`

	// SamplesRead is the total number of samples delivered.
	SamplesRead int64 `json:"samples_read"`

	// Overruns is the number of buffer overruns (dropped audio).
	Overruns int64 `json:"overruns"`

	// Running indicates if the source is currently capturing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
