// Package session is the public-facing orchestrator of one live voice
// conversation. It wires capture, playback, and the realtime transport
// together, owns the observable session state, and emits a structured
// result when the conversation ends.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/inkwellhq/voiceloop/internal/eventlog"
	"github.com/inkwellhq/voiceloop/internal/metrics"
	"github.com/inkwellhq/voiceloop/pkg/audioio"
	"github.com/inkwellhq/voiceloop/pkg/capture"
	"github.com/inkwellhq/voiceloop/pkg/playback"
	"github.com/inkwellhq/voiceloop/pkg/realtime"
)

// Common errors returned by the controller.
var (
	ErrAlreadyStarted   = errors.New("session: already started")
	ErrSessionEnded     = errors.New("session: already ended")
	ErrPermissionDenied = errors.New("session: microphone permission denied")
	ErrNoInstructions   = errors.New("session: no instruction source configured")
)

// Speaker tags a transcript utterance.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Utterance is one speaker-tagged transcript entry, appended in the order
// its underlying event was received.
type Utterance struct {
	Speaker Speaker   `json:"speaker"`
	Text    string    `json:"text"`
	ItemID  string    `json:"item_id,omitempty"`
	At      time.Time `json:"at"`
}

// Result is delivered to the configured sink when the session ends,
// whether cleanly or by failure.
type Result struct {
	SessionID  uuid.UUID
	RemoteID   string
	Kind       InterviewKind
	Transcript []Utterance
	ToolName   string
	ToolArgs   map[string]any
	Err        error
}

// TranscriptText renders the transcript as speaker-prefixed lines.
func (r Result) TranscriptText() string {
	var sb strings.Builder
	for _, u := range r.Transcript {
		sb.WriteString(string(u.Speaker))
		sb.WriteString(": ")
		sb.WriteString(u.Text)
		sb.WriteByte('\n')
	}
	return sb.String()
}

// Config holds the collaborators and tuning for one session.
type Config struct {
	// Kind selects the interview script.
	Kind InterviewKind

	// Realtime configures the transport. Instructions is filled in from
	// the instruction source at start.
	Realtime realtime.Config

	// Playback tunes the jitter buffer. Zero values take the defaults.
	Playback playback.Config

	// Instructions renders system instruction text per kind. Required
	// unless Realtime.Instructions is already set.
	Instructions InstructionSource

	// Permissions asks for microphone access before connecting. Nil is
	// treated as granted (server-side and test environments).
	Permissions PermissionChecker

	// OnResult receives the finished transcript and parsed tool result
	// when the session ends. Storage is the sink's job, not the engine's.
	OnResult func(Result)
}

// transport is the slice of realtime.Client the controller drives.
// Narrowed to an interface so tests can run a session without a socket.
type transport interface {
	Start(ctx context.Context) error
	AppendAudio(pcm16 []byte) bool
	Close() error
	SessionID() string
}

// Controller runs one session from permission prompt to result delivery.
// All public methods are safe for concurrent use.
type Controller struct {
	cfg    Config
	id     uuid.UUID
	logger *slog.Logger
	meter  *metrics.Metrics
	diag   *eventlog.Log

	sink audioio.Sink
	play *playback.Buffer
	cap  *capture.Pipeline

	// newTransport is replaced in tests.
	newTransport func(cfg realtime.Config, cb realtime.Callbacks) (transport, error)

	started   atomic.Bool
	endOnce   sync.Once
	startedAt time.Time
	firstOnce sync.Once

	mu         sync.Mutex
	state      State
	watchers   []chan State
	transcript []Utterance
	toolName   string
	toolArgs   map[string]any
	err        error
	rt         transport
}

// New creates a Controller reading from source and playing to sink.
// meter and diag may be nil.
func New(cfg Config, source audioio.Source, sink audioio.Sink, logger *slog.Logger, meter *metrics.Metrics, diag *eventlog.Log) *Controller {
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.New()
	c := &Controller{
		cfg:    cfg,
		id:     id,
		logger: logger.With("session_id", id.String()),
		meter:  meter,
		diag:   diag,
		sink:   sink,
		state:  StateIdle,
	}

	conv := audioio.NewConverter()
	c.play = playback.New(cfg.Playback, sink, conv, c.logger, meter)
	c.cap = capture.New(source, conv, c.sendAudio, c.logger, meter)

	c.newTransport = func(rc realtime.Config, cb realtime.Callbacks) (transport, error) {
		return realtime.New(rc, cb, c.logger, c.meter, c.diag)
	}
	return c
}

// ID returns the locally assigned session identifier.
func (c *Controller) ID() uuid.UUID {
	return c.id
}

// State returns the current session state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the terminal failure, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Watch returns a channel that receives the current state immediately and
// every subsequent change. The channel is closed once the session reaches
// a terminal state. Slow receivers miss intermediate states rather than
// blocking the session.
func (c *Controller) Watch() <-chan State {
	ch := make(chan State, 8)

	c.mu.Lock()
	ch <- c.state
	if c.state.Terminal() {
		close(ch)
	} else {
		c.watchers = append(c.watchers, ch)
	}
	c.mu.Unlock()

	return ch
}

// OnLevel sets a callback receiving the capture level meter in [0, 1].
func (c *Controller) OnLevel(fn func(level float64)) {
	c.cap.OnLevel(fn)
}

// Transcript returns a copy of the transcript so far.
func (c *Controller) Transcript() []Utterance {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Utterance, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Snapshot summarizes the session for the ops surface.
type Snapshot struct {
	ID             string         `json:"id"`
	RemoteID       string         `json:"remote_id,omitempty"`
	Kind           string         `json:"kind"`
	State          string         `json:"state"`
	Utterances     int            `json:"utterances"`
	Playback       playback.Stats `json:"playback"`
	CaptureDropped int64          `json:"capture_dropped"`
	Error          string         `json:"error,omitempty"`
}

// Snapshot returns a point-in-time view of the session.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	rt := c.rt
	s := Snapshot{
		ID:         c.id.String(),
		Kind:       c.cfg.Kind.Name(),
		State:      c.state.String(),
		Utterances: len(c.transcript),
	}
	if c.err != nil {
		s.Error = c.err.Error()
	}
	c.mu.Unlock()

	if rt != nil {
		s.RemoteID = rt.SessionID()
	}
	s.Playback = c.play.Stats()
	s.CaptureDropped = c.cap.Dropped()
	return s
}

// Start runs the session to the listening state: permission, instruction
// rendering, output device, transport handshake, then capture. It returns
// once the conversation is live or with the failure that prevented it.
func (c *Controller) Start(ctx context.Context) error {
	// End-before-Start is an expected UI race; refuse rather than bring
	// up devices and a socket behind a terminal state.
	if c.State().Terminal() {
		return ErrSessionEnded
	}
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}
	c.startedAt = time.Now()

	c.setState(StateRequestingPermission)
	if c.cfg.Permissions != nil {
		granted, err := c.cfg.Permissions.RequestMicrophone(ctx)
		if err != nil {
			return c.fail(fmt.Errorf("session: permission request: %w", err))
		}
		if !granted {
			return c.fail(ErrPermissionDenied)
		}
	}

	rtCfg := c.cfg.Realtime
	if c.cfg.Instructions != nil {
		text, err := c.cfg.Instructions.Instructions(ctx, c.cfg.Kind)
		if err != nil {
			return c.fail(fmt.Errorf("session: instructions: %w", err))
		}
		rtCfg.Instructions = text
	}
	if rtCfg.Instructions == "" {
		return c.fail(ErrNoInstructions)
	}

	if err := c.sink.Start(ctx); err != nil {
		return c.fail(fmt.Errorf("session: output device: %w", err))
	}

	rt, err := c.newTransport(rtCfg, c.callbacks())
	if err != nil {
		return c.fail(fmt.Errorf("session: transport: %w", err))
	}
	c.mu.Lock()
	c.rt = rt
	c.mu.Unlock()

	if err := rt.Start(ctx); err != nil {
		// The transport's failure callback has already settled the state.
		return err
	}

	if err := c.cap.Start(ctx); err != nil {
		return c.fail(fmt.Errorf("session: capture: %w", err))
	}

	c.meter.SessionStarted()
	c.logger.Info("session started", "kind", c.cfg.Kind.Name())
	return nil
}

// End finishes the session: stops capture, flushes playback, closes the
// transport (final commit included), and delivers the result. Idempotent
// and safe to call from any state, including Failed.
func (c *Controller) End() error {
	c.finish(StateEnded, nil)
	return nil
}

// sendAudio is the capture pipeline's forwarding hook.
func (c *Controller) sendAudio(pcm16 []byte) bool {
	c.mu.Lock()
	rt := c.rt
	c.mu.Unlock()

	if rt == nil {
		return false
	}
	return rt.AppendAudio(pcm16)
}

// callbacks wires transport events into playback, transcript, and state.
// All of these run serialized on the transport's dispatch goroutine,
// except state changes raised from Start itself.
func (c *Controller) callbacks() realtime.Callbacks {
	return realtime.Callbacks{
		OnStateChange: func(s realtime.State) {
			if mapped, ok := mapTransportState(s); ok {
				c.setState(mapped)
			}
		},
		OnSpeechStarted: func() {
			c.play.BargeIn()
		},
		OnSpeechStopped: func() {
			c.play.Resume()
		},
		OnUserTranscript: func(itemID, text string) {
			c.appendUtterance(Utterance{Speaker: SpeakerUser, Text: text, ItemID: itemID, At: time.Now()})
		},
		OnAssistantTranscript: func(text string) {
			c.appendUtterance(Utterance{Speaker: SpeakerAssistant, Text: text, At: time.Now()})
		},
		OnAudioDelta: func(pcm16 []byte) {
			c.firstOnce.Do(func() {
				c.meter.ObserveFirstAudioLatency(time.Since(c.startedAt))
			})
			c.play.Enqueue(pcm16)
		},
		OnAudioDone: func() {
			c.play.MarkStreamComplete()
		},
		OnToolCall: func(name string, args map[string]any) {
			c.recordToolResult(name, args)
		},
		OnFailure: func(err error) {
			c.finish(StateFailed, err)
		},
	}
}

// mapTransportState lifts a transport state into the session state space.
// Terminal transport states are not mapped directly; finish settles them
// with the failure error attached.
func mapTransportState(s realtime.State) (State, bool) {
	switch s {
	case realtime.StateConnecting:
		return StateConnecting, true
	case realtime.StateAwaitingReady:
		return StateAwaitingReady, true
	case realtime.StateConfiguring:
		return StateConfiguring, true
	case realtime.StateListening:
		return StateListening, true
	case realtime.StateProcessing:
		return StateProcessing, true
	default:
		return StateIdle, false
	}
}

func (c *Controller) appendUtterance(u Utterance) {
	c.mu.Lock()
	c.transcript = append(c.transcript, u)
	c.mu.Unlock()
}

// recordToolResult stores the parsed tool arguments, last-write-wins. The
// transport already logs the protocol violation when calls overlap.
func (c *Controller) recordToolResult(name string, args map[string]any) {
	c.mu.Lock()
	if c.toolArgs != nil {
		c.logger.Warn("tool result overwritten", "previous", c.toolName, "name", name)
	}
	c.toolName = name
	c.toolArgs = args
	c.mu.Unlock()
}

// setState publishes a state change to all watchers. Terminal states are
// never left; watcher channels close on the terminal broadcast.
func (c *Controller) setState(s State) {
	c.mu.Lock()
	if c.state.Terminal() || c.state == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	watchers := c.watchers
	if s.Terminal() {
		c.watchers = nil
	}
	c.mu.Unlock()

	c.logger.Debug("session state", "state", s.String())
	for _, ch := range watchers {
		select {
		case ch <- s:
		default:
			// Slow watcher; it will observe a later state.
		}
		if s.Terminal() {
			close(ch)
		}
	}
}

// fail settles a failure raised from Start's own sequence.
func (c *Controller) fail(err error) error {
	c.finish(StateFailed, err)
	return err
}

// finish tears the session down exactly once and delivers the result.
func (c *Controller) finish(final State, err error) {
	c.endOnce.Do(func() {
		wasIdle := !c.started.Load()

		c.cap.Stop()
		c.play.BargeIn()

		c.mu.Lock()
		rt := c.rt
		if err != nil {
			c.err = err
		}
		c.mu.Unlock()

		if rt != nil {
			rt.Close()
		}
		c.sink.Stop()

		c.setState(final)

		if err != nil {
			c.logger.Error("session failed", "error", err)
		} else {
			c.logger.Info("session ended")
		}
		if !wasIdle {
			c.meter.SessionEnded(final == StateFailed)
		}

		if c.cfg.OnResult != nil {
			c.mu.Lock()
			res := Result{
				SessionID:  c.id,
				Kind:       c.cfg.Kind,
				Transcript: append([]Utterance(nil), c.transcript...),
				ToolName:   c.toolName,
				ToolArgs:   c.toolArgs,
				Err:        c.err,
			}
			c.mu.Unlock()
			if rt != nil {
				res.RemoteID = rt.SessionID()
			}
			c.cfg.OnResult(res)
		}
	})
}
