// Package playback implements the jitter buffer between the realtime
// transport and the output device. It delays playback start to absorb
// arrival jitter, coalesces chunks into combined scheduling units, and
// supports immediate flush for barge-in.
package playback

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inkwellhq/voiceloop/internal/metrics"
	"github.com/inkwellhq/voiceloop/pkg/audioio"
)

// Buffering constants, tuned by trial. Kept as configuration defaults
// rather than derived.
const (
	// DefaultStartThreshold is the number of chunks buffered before
	// playback begins. Trades ~3x chunk-duration startup latency for
	// glitch-free starts.
	DefaultStartThreshold = 3

	// DefaultCombineCap is the maximum chunks coalesced into one
	// scheduling unit. A cap, not a target.
	DefaultCombineCap = 5

	// DefaultTopUpQueued and DefaultTopUpScheduled gate opportunistic
	// top-up scheduling while a turn is playing.
	DefaultTopUpQueued    = 5
	DefaultTopUpScheduled = 2

	// DefaultScheduleRetries bounds retries when the output device is
	// momentarily not running. After that the unit is dropped.
	DefaultScheduleRetries    = 3
	DefaultScheduleRetryDelay = 5 * time.Millisecond
)

// Config holds jitter buffer tuning parameters.
type Config struct {
	StartThreshold     int
	CombineCap         int
	TopUpQueued        int
	TopUpScheduled     int
	ScheduleRetries    int
	ScheduleRetryDelay time.Duration
}

// DefaultConfig returns the tuned defaults.
func DefaultConfig() Config {
	return Config{
		StartThreshold:     DefaultStartThreshold,
		CombineCap:         DefaultCombineCap,
		TopUpQueued:        DefaultTopUpQueued,
		TopUpScheduled:     DefaultTopUpScheduled,
		ScheduleRetries:    DefaultScheduleRetries,
		ScheduleRetryDelay: DefaultScheduleRetryDelay,
	}
}

// Stats is a snapshot of buffer state for one turn.
type Stats struct {
	Queued         int  `json:"queued"`
	Scheduled      int  `json:"scheduled"`
	Started        bool `json:"started"`
	StreamComplete bool `json:"stream_complete"`
}

// turnState holds all mutable playback state for one assistant turn.
// BargeIn swaps the whole handle atomically, so stale completions from a
// flushed turn can never corrupt the new one.
type turnState struct {
	mu             sync.Mutex
	queue          [][]byte // wire-format PCM16 chunks, drained from the front
	scheduled      int      // units handed to the device, not yet completed
	started        bool
	streamComplete bool
}

// Buffer is the playback jitter buffer. Enqueue is called from the
// transport's event loop; BargeIn may be called from any goroutine.
type Buffer struct {
	cfg    Config
	sink   audioio.Sink
	conv   *audioio.Converter
	out    audioio.Config
	logger *slog.Logger
	meter  *metrics.Metrics

	turn    atomic.Pointer[turnState]
	dropped atomic.Int64

	// onIdle, if set, runs when a completed stream finishes playing.
	onIdle func()
}

// New creates a Buffer feeding the given sink in its device format.
func New(cfg Config, sink audioio.Sink, conv *audioio.Converter, logger *slog.Logger, meter *metrics.Metrics) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	if conv == nil {
		conv = audioio.NewConverter()
	}
	if cfg.StartThreshold <= 0 {
		cfg.StartThreshold = DefaultStartThreshold
	}
	if cfg.CombineCap <= 0 {
		cfg.CombineCap = DefaultCombineCap
	}
	if cfg.TopUpQueued <= 0 {
		cfg.TopUpQueued = DefaultTopUpQueued
	}
	if cfg.TopUpScheduled <= 0 {
		cfg.TopUpScheduled = DefaultTopUpScheduled
	}
	if cfg.ScheduleRetries <= 0 {
		cfg.ScheduleRetries = DefaultScheduleRetries
	}
	if cfg.ScheduleRetryDelay <= 0 {
		cfg.ScheduleRetryDelay = DefaultScheduleRetryDelay
	}

	b := &Buffer{
		cfg:    cfg,
		sink:   sink,
		conv:   conv,
		out:    sink.Config(),
		logger: logger,
		meter:  meter,
	}
	b.turn.Store(&turnState{})
	return b
}

// OnIdle sets a callback invoked when a completed stream drains fully.
func (b *Buffer) OnIdle(fn func()) {
	b.onIdle = fn
}

// Enqueue adds one wire-format chunk for the current turn. Playback
// starts once StartThreshold chunks are buffered; afterwards the buffer
// tops up the device opportunistically as units complete.
func (b *Buffer) Enqueue(pcm []byte) {
	t := b.turn.Load()
	t.mu.Lock()

	t.queue = append(t.queue, pcm)

	switch {
	case !t.started && len(t.queue) >= b.cfg.StartThreshold:
		t.started = true
		b.scheduleLocked(t)
	case t.started && t.scheduled == 0:
		// Playback was starved mid-turn; restart as soon as data arrives.
		b.scheduleLocked(t)
		b.sink.Resume()
	case t.started && len(t.queue) >= b.cfg.TopUpQueued && t.scheduled < b.cfg.TopUpScheduled:
		b.scheduleLocked(t)
	}

	t.mu.Unlock()
}

// MarkStreamComplete records that no more chunks will arrive for the
// current turn. Any remainder below the start threshold is flushed.
func (b *Buffer) MarkStreamComplete() {
	t := b.turn.Load()
	t.mu.Lock()

	t.streamComplete = true
	if !t.started && len(t.queue) > 0 {
		// Short turn that never reached the threshold.
		t.started = true
		b.scheduleLocked(t)
	}
	idle := t.scheduled == 0 && len(t.queue) == 0

	t.mu.Unlock()

	if idle {
		b.finishTurn(t)
	}
}

// BargeIn flushes all pending and scheduled audio immediately. Safe to
// call from any goroutine, including while the transport is mid-dispatch:
// the turn handle is swapped atomically, then the device is cleared, so
// the previous turn cannot bleed into the next. Calling it with an empty
// buffer is a no-op.
func (b *Buffer) BargeIn() {
	// Swap first, then silence the device. Stale completions check the
	// handle and go quiet; no lock is taken that a slow schedule retry
	// could hold.
	b.turn.Swap(&turnState{})
	b.sink.Clear()
	b.logger.Debug("barge-in: playback flushed")
}

// Resume continues a paused-but-not-destroyed output path, used when
// server VAD reports the user stopped speaking.
func (b *Buffer) Resume() {
	b.sink.Resume()
}

// Stats returns a snapshot of the current turn.
func (b *Buffer) Stats() Stats {
	t := b.turn.Load()
	t.mu.Lock()
	defer t.mu.Unlock()

	return Stats{
		Queued:         len(t.queue),
		Scheduled:      t.scheduled,
		Started:        t.started,
		StreamComplete: t.streamComplete,
	}
}

// Dropped returns the number of units dropped on device failure.
func (b *Buffer) Dropped() int64 {
	return b.dropped.Load()
}

// scheduleLocked coalesces up to CombineCap chunks from the front of the
// queue into one unit and hands it to the device. Caller holds t.mu.
func (b *Buffer) scheduleLocked(t *turnState) {
	n := len(t.queue)
	if n == 0 {
		return
	}
	if n > b.cfg.CombineCap {
		n = b.cfg.CombineCap
	}

	total := 0
	for _, c := range t.queue[:n] {
		total += len(c)
	}
	combined := make([]byte, 0, total)
	for _, c := range t.queue[:n] {
		combined = append(combined, c...)
	}
	t.queue = t.queue[n:]

	unit, err := b.conv.FromWire(combined, b.out)
	if err != nil {
		b.dropped.Add(1)
		b.meter.DroppedFrame("playback")
		b.logger.Warn("playback unit conversion failed, dropping", "error", err)
		return
	}

	t.scheduled++

	// Hand off outside the lock would race with a concurrent BargeIn
	// swap; the device call is non-blocking, so keep it under t.mu.
	if err := b.scheduleWithRetry(unit, func() { b.completeUnit(t) }); err != nil {
		t.scheduled--
		b.dropped.Add(1)
		b.meter.DroppedFrame("playback")
		b.logger.Warn("output device unavailable, dropping unit", "error", err)
	}
}

// scheduleWithRetry retries briefly when the output engine is not
// running, then drops. Never panics through the audio path.
func (b *Buffer) scheduleWithRetry(unit audioio.AudioChunk, done func()) error {
	var err error
	for i := 0; i < b.cfg.ScheduleRetries; i++ {
		err = b.sink.Schedule(unit, done)
		if err == nil {
			return nil
		}
		if err != audioio.ErrNotRunning {
			return err
		}
		time.Sleep(b.cfg.ScheduleRetryDelay)
	}
	return err
}

// completeUnit runs on device completion of one unit. It only touches the
// turn it was scheduled under; if a barge-in swapped the turn since, the
// bookkeeping is on the dead handle and nothing further is scheduled.
func (b *Buffer) completeUnit(t *turnState) {
	t.mu.Lock()

	if t.scheduled > 0 {
		t.scheduled--
	}

	live := b.turn.Load() == t
	var idle bool

	switch {
	case !live:
		// Flushed turn; ignore.
	case len(t.queue) > 0:
		b.scheduleLocked(t)
	case !t.streamComplete:
		// Temporarily starved, not finished: pause, await more data.
		if t.scheduled == 0 {
			b.sink.Pause()
		}
	default:
		idle = t.scheduled == 0
	}

	t.mu.Unlock()

	if idle {
		b.finishTurn(t)
	}
}

// finishTurn retires a fully drained, completed turn so the next
// assistant turn buffers from scratch. Consecutive turns arrive without
// intervening user speech in the tool-call continuation flow; without a
// fresh handle the next turn would inherit started and streamComplete and
// bypass the start threshold. A concurrent barge-in may have swapped the
// handle already; the compare-and-swap leaves that turn in place.
func (b *Buffer) finishTurn(t *turnState) {
	b.turn.CompareAndSwap(t, &turnState{})
	if b.onIdle != nil {
		b.onIdle()
	}
}
