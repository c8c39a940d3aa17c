package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a mock audio source for testing.
// It generates synthetic audio (silence or sine wave) at the configured
// callback cadence.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	streamCh chan AudioChunk
	stopCh   chan struct{}

	// Stats
	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
	seq         atomic.Uint64

	// Synthetic audio generation
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger,
		streamCh:  make(chan AudioChunk, 10),
		stopCh:    make(chan struct{}),
		frequency: 0, // Silence by default
		amplitude: 0.5,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins generating audio.
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.running {
		return nil
	}

	m.running = true
	m.stopCh = make(chan struct{})
	m.streamCh = make(chan AudioChunk, 10)

	go m.generateLoop(ctx, m.streamCh, m.stopCh)

	m.logger.Info("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"frequency", m.frequency,
	)

	return nil
}

// generateLoop owns streamCh and closes it on exit, so Stop never races
// a send on a closed channel.
func (m *MockSource) generateLoop(ctx context.Context, streamCh chan AudioChunk, stopCh chan struct{}) {
	ticker := time.NewTicker(m.cfg.BufferDuration)
	defer ticker.Stop()
	defer close(streamCh)

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			chunk := m.generateChunk()
			select {
			case streamCh <- chunk:
				m.chunksRead.Add(1)
				m.samplesRead.Add(int64(len(chunk.Samples)))
			default:
				// Buffer full, drop chunk (overrun)
				m.overruns.Add(1)
				m.logger.Debug("mock source: buffer full, dropping chunk")
			}
		}
	}
}

func (m *MockSource) generateChunk() AudioChunk {
	bufferSize := m.cfg.BufferSize()
	samples := make([]int16, bufferSize*m.cfg.Channels)

	if m.frequency > 0 {
		// Generate sine wave
		for i := 0; i < bufferSize; i++ {
			sample := m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate))
			sampleInt := int16(sample * 32767)

			for ch := 0; ch < m.cfg.Channels; ch++ {
				samples[i*m.cfg.Channels+ch] = sampleInt
			}

			m.phase++
			if m.phase >= float64(m.cfg.SampleRate) {
				m.phase = 0
			}
		}
	}
	// else: samples are already zero (silence)

	return AudioChunk{
		Samples:    samples,
		SampleRate: m.cfg.SampleRate,
		Channels:   m.cfg.Channels,
		Seq:        m.seq.Add(1),
		At:         time.Now(),
	}
}

// Stop halts audio generation.
func (m *MockSource) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false
	close(m.stopCh)

	m.logger.Info("mock audio source stopped")

	return nil
}

// Stream returns the audio chunk channel.
func (m *MockSource) Stream() <-chan AudioChunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.streamCh
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Stop()
	return nil
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		ChunksRead:  m.chunksRead.Load(),
		SamplesRead: m.samplesRead.Load(),
		Overruns:    m.overruns.Load(),
		Running:     running,
		Backend:     "mock",
	}
}

// Ensure MockSource implements SourceWithStats.
var _ SourceWithStats = (*MockSource)(nil)

// MockSink is a mock audio sink for testing. It records scheduled units
// and lets tests drive unit completion deterministically, or complete
// units automatically after a token delay.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	// AutoComplete, when set before Start, completes each scheduled unit
	// shortly after scheduling instead of waiting for CompleteNext.
	AutoComplete bool

	mu      sync.Mutex
	running bool
	paused  bool
	closed  bool
	pending []scheduledUnit

	// Stats
	unitsScheduled atomic.Int64
	samplesWritten atomic.Int64
	cleared        atomic.Int64
}

type scheduledUnit struct {
	chunk AudioChunk
	done  func()
}

// NewMockSink creates a new mock audio sink.
func NewMockSink(cfg Config, logger *slog.Logger) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}

	return &MockSink{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings up the mock engine.
func (m *MockSink) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}

	m.running = true
	m.paused = false
	m.logger.Info("mock audio sink started")

	return nil
}

// Stop halts the mock engine and discards scheduled units.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.running = false
	m.pending = nil
	m.logger.Info("mock audio sink stopped")

	return nil
}

// Schedule records a unit for playback.
func (m *MockSink) Schedule(unit AudioChunk, done func()) error {
	m.mu.Lock()

	if m.closed || !m.running {
		m.mu.Unlock()
		return ErrNotRunning
	}

	m.pending = append(m.pending, scheduledUnit{chunk: unit, done: done})
	m.unitsScheduled.Add(1)
	m.samplesWritten.Add(int64(len(unit.Samples)))
	auto := m.AutoComplete
	m.mu.Unlock()

	if auto {
		go func() {
			time.Sleep(time.Millisecond)
			m.CompleteNext()
		}()
	}

	return nil
}

// CompleteNext simulates the device finishing the oldest scheduled unit.
// Returns false if nothing was pending.
func (m *MockSink) CompleteNext() bool {
	m.mu.Lock()
	if len(m.pending) == 0 {
		m.mu.Unlock()
		return false
	}
	unit := m.pending[0]
	m.pending = m.pending[1:]
	m.mu.Unlock()

	if unit.done != nil {
		unit.done()
	}
	return true
}

// Pause suspends playback.
func (m *MockSink) Pause() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = true
}

// Resume continues playback.
func (m *MockSink) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = false
}

// Clear discards scheduled units. Completion callbacks still fire, as
// real output devices fire them for cancelled buffers.
func (m *MockSink) Clear() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	m.cleared.Add(1)
	m.mu.Unlock()

	for _, u := range pending {
		if u.done != nil {
			u.done()
		}
	}

	m.logger.Debug("mock audio sink cleared")
}

// Pending returns the number of units awaiting completion.
func (m *MockSink) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// PendingSamples returns the total samples across units awaiting completion.
func (m *MockSink) PendingSamples() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	total := 0
	for _, u := range m.pending {
		total += len(u.chunk.Samples)
	}
	return total
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.Stop()
	return nil
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	running := m.running
	paused := m.paused
	m.mu.Unlock()

	return SinkStats{
		UnitsScheduled: m.unitsScheduled.Load(),
		SamplesWritten: m.samplesWritten.Load(),
		Cleared:        m.cleared.Load(),
		Running:        running,
		Paused:         paused,
		Backend:        "mock",
	}
}

// Ensure MockSink implements SinkWithStats.
var _ SinkWithStats = (*MockSink)(nil)
