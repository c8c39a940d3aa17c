// Package capture pulls audio from the input device, meters it, converts
// it to the wire format, and forwards it toward the transport. The
// forwarding path is non-blocking: when the outbound queue is full or the
// socket is not ready, chunks are dropped rather than backing up into the
// audio thread.
package capture

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/inkwellhq/voiceloop/internal/metrics"
	"github.com/inkwellhq/voiceloop/pkg/audioio"
)

// SendFunc enqueues one wire-format chunk toward the transport without
// blocking. It reports false when the chunk was not accepted.
type SendFunc func(pcm16 []byte) bool

// Pipeline owns the capture side of a session. Its lifecycle is
// independent of playback: stopping capture leaves the output path
// untouched.
type Pipeline struct {
	source audioio.Source
	conv   *audioio.Converter
	send   SendFunc
	logger *slog.Logger
	meter  *metrics.Metrics

	onLevel atomic.Pointer[func(level float64)]

	mu      sync.Mutex
	running bool
	done    chan struct{}

	dropped atomic.Int64
}

// New creates a capture pipeline reading from source and forwarding
// wire-format chunks through send.
func New(source audioio.Source, conv *audioio.Converter, send SendFunc, logger *slog.Logger, meter *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if conv == nil {
		conv = audioio.NewConverter()
	}

	return &Pipeline{
		source: source,
		conv:   conv,
		send:   send,
		logger: logger,
		meter:  meter,
	}
}

// OnLevel sets a callback receiving the RMS meter level in [0, 1] for
// each captured chunk. Safe to set while running.
func (p *Pipeline) OnLevel(fn func(level float64)) {
	p.onLevel.Store(&fn)
}

// Start begins capture. Idempotent.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	if err := p.source.Start(ctx); err != nil {
		return err
	}

	p.running = true
	p.done = make(chan struct{})
	go p.run(p.source.Stream(), p.done)

	p.logger.Info("capture started", "backend", p.source.Name())
	return nil
}

// Stop halts capture and removes the device callback. Idempotent; the
// output path keeps playing.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	done := p.done
	p.mu.Unlock()

	err := p.source.Stop()
	<-done

	p.logger.Info("capture stopped")
	return err
}

// Dropped returns the number of chunks dropped because the outbound path
// would not accept them.
func (p *Pipeline) Dropped() int64 {
	return p.dropped.Load()
}

// run executes in the capture goroutine: meter, convert, forward. No step
// blocks on the network, and no error escapes as a panic.
func (p *Pipeline) run(stream <-chan audioio.AudioChunk, done chan struct{}) {
	defer close(done)

	for chunk := range stream {
		if fn := p.onLevel.Load(); fn != nil {
			(*fn)(audioio.Level(chunk.Samples))
		}

		pcm, err := p.conv.ToWire(chunk)
		if err != nil {
			p.meter.DroppedFrame("convert")
			p.logger.Debug("capture conversion failed, dropping chunk", "error", err)
			continue
		}

		if !p.send(pcm) {
			p.dropped.Add(1)
			p.meter.DroppedFrame("capture")
		}
	}
}
