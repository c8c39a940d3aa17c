package playback

import (
	"context"
	"testing"
	"time"

	"github.com/inkwellhq/voiceloop/pkg/audioio"
)

func newTestBuffer(t *testing.T) (*Buffer, *audioio.MockSink) {
	t.Helper()

	sink := audioio.NewMockSink(audioio.DefaultConfig(), nil)
	if err := sink.Start(context.Background()); err != nil {
		t.Fatalf("sink start: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	buf := New(DefaultConfig(), sink, audioio.NewConverter(), nil, nil)
	return buf, sink
}

// wireChunk returns n bytes of wire-format PCM16 (n must be even).
func wireChunk(n int) []byte {
	return make([]byte, n)
}

func TestStartThreshold(t *testing.T) {
	buf, sink := newTestBuffer(t)

	buf.Enqueue(wireChunk(1000))
	buf.Enqueue(wireChunk(1000))

	if got := sink.Stats().UnitsScheduled; got != 0 {
		t.Fatalf("playback must not start below threshold, scheduled %d units", got)
	}

	buf.Enqueue(wireChunk(1000))

	if got := sink.Stats().UnitsScheduled; got != 1 {
		t.Fatalf("third chunk must trigger exactly one scheduling call, got %d", got)
	}
}

func TestThresholdChunksCombineIntoOneUnit(t *testing.T) {
	// 3 deltas of 1000 bytes each: playback starts after the 3rd,
	// combined into one unit of 3000 bytes (1500 samples at the device
	// format, which matches the wire format here).
	buf, sink := newTestBuffer(t)

	for i := 0; i < 3; i++ {
		buf.Enqueue(wireChunk(1000))
	}

	if got := sink.Stats().UnitsScheduled; got != 1 {
		t.Fatalf("expected one combined unit, got %d", got)
	}
	if got := sink.PendingSamples(); got != 1500 {
		t.Errorf("expected 1500 samples (3000 bytes) in the unit, got %d", got)
	}

	stats := buf.Stats()
	if stats.Queued != 0 {
		t.Errorf("queue should be drained into the unit, %d left", stats.Queued)
	}
	if stats.Scheduled != 1 {
		t.Errorf("expected scheduledCount 1, got %d", stats.Scheduled)
	}
}

func TestCombineCapBoundsUnitSize(t *testing.T) {
	buf, sink := newTestBuffer(t)

	// 8 chunks before any completion: the 3rd triggers a unit of 3; the
	// remaining 5 hit the 5-queued/<2-scheduled top-up and combine into
	// one capped unit of 5.
	for i := 0; i < 8; i++ {
		buf.Enqueue(wireChunk(200))
	}

	if got := sink.Stats().UnitsScheduled; got != 2 {
		t.Fatalf("expected 2 units, got %d", got)
	}
	if got := sink.PendingSamples(); got != 800 {
		t.Errorf("expected 800 samples total across units, got %d", got)
	}
}

func TestCompletionSchedulesNextUnit(t *testing.T) {
	buf, sink := newTestBuffer(t)

	for i := 0; i < 4; i++ {
		buf.Enqueue(wireChunk(100))
	}
	// One unit of 3 scheduled; 1 chunk queued.
	if !sink.CompleteNext() {
		t.Fatal("expected a pending unit to complete")
	}

	if got := sink.Stats().UnitsScheduled; got != 2 {
		t.Fatalf("completion must top up from the queue, scheduled %d units", got)
	}
	if got := buf.Stats().Queued; got != 0 {
		t.Errorf("queue should be drained, %d left", got)
	}
}

func TestStarvationPausesNotStops(t *testing.T) {
	buf, sink := newTestBuffer(t)

	for i := 0; i < 3; i++ {
		buf.Enqueue(wireChunk(100))
	}
	sink.CompleteNext()

	stats := sink.Stats()
	if !stats.Running {
		t.Error("starved stream must pause the device, not stop it")
	}
	if !stats.Paused {
		t.Error("expected device paused while awaiting more data")
	}

	// More data arrives: playback restarts.
	buf.Enqueue(wireChunk(100))
	if got := sink.Stats().UnitsScheduled; got != 2 {
		t.Errorf("expected new unit after starvation, got %d units", got)
	}
}

func TestMarkStreamCompleteFlushesShortTurn(t *testing.T) {
	buf, sink := newTestBuffer(t)

	var idle bool
	buf.OnIdle(func() { idle = true })

	// Only 2 chunks ever arrive: below the start threshold.
	buf.Enqueue(wireChunk(100))
	buf.Enqueue(wireChunk(100))
	buf.MarkStreamComplete()

	if got := sink.Stats().UnitsScheduled; got != 1 {
		t.Fatalf("stream completion must flush a short turn, got %d units", got)
	}

	sink.CompleteNext()
	if !idle {
		t.Error("expected idle callback after completed stream drained")
	}
}

func TestNextTurnAfterDrainRebuffers(t *testing.T) {
	buf, sink := newTestBuffer(t)

	// First turn plays out completely.
	for i := 0; i < 3; i++ {
		buf.Enqueue(wireChunk(100))
	}
	buf.MarkStreamComplete()
	if !sink.CompleteNext() {
		t.Fatal("expected the first turn's unit to complete")
	}

	// A second assistant turn follows without intervening user speech,
	// as the tool-call continuation flow produces. It must buffer to the
	// start threshold from scratch.
	buf.Enqueue(wireChunk(100))
	buf.Enqueue(wireChunk(100))
	if got := sink.Stats().UnitsScheduled; got != 1 {
		t.Fatalf("second turn must not play below the start threshold, got %d units", got)
	}

	buf.Enqueue(wireChunk(100))
	if got := sink.Stats().UnitsScheduled; got != 2 {
		t.Fatalf("third chunk of the second turn must schedule one unit, got %d", got)
	}

	if buf.Stats().StreamComplete {
		t.Error("second turn must not inherit stream completion")
	}

	// Starvation mid-turn must still pause rather than report idle.
	sink.CompleteNext()
	if !sink.Stats().Paused {
		t.Error("starved second turn must pause the device")
	}
}

func TestEmptyCompletedTurnRetired(t *testing.T) {
	buf, sink := newTestBuffer(t)

	var idles int
	buf.OnIdle(func() { idles++ })

	// A turn that produced no audio at all still completes.
	buf.MarkStreamComplete()
	if idles != 1 {
		t.Fatalf("expected one idle callback, got %d", idles)
	}

	// The next turn starts with fresh bookkeeping.
	buf.Enqueue(wireChunk(100))
	if got := sink.Stats().UnitsScheduled; got != 0 {
		t.Fatalf("new turn must rebuffer to the threshold, got %d units", got)
	}
	if buf.Stats().StreamComplete {
		t.Error("new turn must not inherit stream completion")
	}
}

func TestBargeInClearsEverything(t *testing.T) {
	buf, sink := newTestBuffer(t)

	for i := 0; i < 7; i++ {
		buf.Enqueue(wireChunk(100))
	}

	buf.BargeIn()

	stats := buf.Stats()
	if stats.Queued != 0 || stats.Scheduled != 0 {
		t.Fatalf("barge-in must zero counters immediately, got queued=%d scheduled=%d",
			stats.Queued, stats.Scheduled)
	}
	if got := sink.Pending(); got != 0 {
		t.Errorf("device must be cleared, %d units pending", got)
	}

	// New turn starts fresh with the full threshold.
	buf.Enqueue(wireChunk(100))
	buf.Enqueue(wireChunk(100))
	if got := buf.Stats().Scheduled; got != 0 {
		t.Errorf("new turn must rebuffer from scratch, scheduled=%d", got)
	}
}

func TestBargeInOnEmptyBufferIsNoOp(t *testing.T) {
	buf, _ := newTestBuffer(t)

	buf.BargeIn()
	buf.BargeIn()

	stats := buf.Stats()
	if stats.Queued != 0 || stats.Scheduled != 0 {
		t.Fatalf("expected zeroed counters, got queued=%d scheduled=%d",
			stats.Queued, stats.Scheduled)
	}
}

func TestStaleCompletionAfterBargeInIsIgnored(t *testing.T) {
	buf, sink := newTestBuffer(t)

	for i := 0; i < 3; i++ {
		buf.Enqueue(wireChunk(100))
	}

	// BargeIn swaps the turn, then clears the device; the cleared unit's
	// completion callback fires against the flushed turn and must not
	// schedule anything for the new one or drive counters negative.
	buf.BargeIn()
	sink.CompleteNext()

	stats := buf.Stats()
	if stats.Queued != 0 || stats.Scheduled != 0 {
		t.Fatalf("stale completion leaked into new turn: queued=%d scheduled=%d",
			stats.Queued, stats.Scheduled)
	}
}

func TestDeviceUnavailableRetriesThenDrops(t *testing.T) {
	sink := audioio.NewMockSink(audioio.DefaultConfig(), nil)
	// Never started: Schedule returns ErrNotRunning.
	t.Cleanup(func() { sink.Close() })

	cfg := DefaultConfig()
	cfg.ScheduleRetryDelay = time.Millisecond
	buf := New(cfg, sink, audioio.NewConverter(), nil, nil)

	for i := 0; i < 3; i++ {
		buf.Enqueue(wireChunk(100))
	}

	if got := buf.Dropped(); got != 1 {
		t.Fatalf("expected one dropped unit after bounded retries, got %d", got)
	}
	if got := buf.Stats().Scheduled; got != 0 {
		t.Errorf("dropped unit must not count as scheduled, got %d", got)
	}
}
