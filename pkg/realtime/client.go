// Package realtime owns the socket to the streaming speech API and the
// protocol state machine on top of it: connect, await ready, configure,
// converse, end. Inbound events are decoded and dispatched serially on a
// single goroutine; outbound audio rides a bounded non-blocking queue.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwellhq/voiceloop/internal/eventlog"
	"github.com/inkwellhq/voiceloop/internal/metrics"
	"github.com/inkwellhq/voiceloop/pkg/wire"
)

// Common errors returned by the client.
var (
	ErrNotConnected   = errors.New("realtime: not connected")
	ErrAlreadyStarted = errors.New("realtime: already started")
	ErrReadyTimeout   = errors.New("realtime: timed out waiting for session.created")
)

// CredentialSource supplies the opaque bearer token used to open the
// socket. Token issuance is someone else's job.
type CredentialSource interface {
	BearerToken(ctx context.Context) (string, error)
}

// CredentialFunc adapts a function to CredentialSource.
type CredentialFunc func(ctx context.Context) (string, error)

// BearerToken implements CredentialSource.
func (f CredentialFunc) BearerToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// StaticCredential returns a CredentialSource serving a fixed token.
func StaticCredential(token string) CredentialSource {
	return CredentialFunc(func(context.Context) (string, error) {
		return token, nil
	})
}

// Config holds transport parameters.
type Config struct {
	// URL is the websocket endpoint, including any model query string.
	URL string

	// Credentials supplies the bearer token for the handshake.
	Credentials CredentialSource

	// Instructions is the opaque system instruction text for the session.
	Instructions string

	// Voice selects the assistant voice.
	Voice string

	// Tool, if non-nil, is offered to the model for structured extraction.
	Tool *wire.ToolSchema

	// Server-side VAD tuning.
	VADThreshold       float64
	VADPrefixPadding   time.Duration
	VADSilenceDuration time.Duration

	// ReadyTimeout bounds the wait for session.created after the socket
	// opens; the server may never send it. Default 5s.
	ReadyTimeout time.Duration

	// SettleDelay is the fixed pause after sending configuration; no
	// explicit ack is awaited. Default 250ms.
	SettleDelay time.Duration

	// HandshakeTimeout bounds the websocket dial. Default 10s.
	HandshakeTimeout time.Duration

	// OutboundQueueSize bounds the audio send queue. When full, chunks
	// are refused (and dropped by the capture side). Default 16.
	OutboundQueueSize int
}

// DefaultConfig returns a Config with production defaults.
func DefaultConfig() Config {
	return Config{
		VADThreshold:       0.5,
		VADPrefixPadding:   300 * time.Millisecond,
		VADSilenceDuration: 500 * time.Millisecond,
		ReadyTimeout:       5 * time.Second,
		SettleDelay:        250 * time.Millisecond,
		HandshakeTimeout:   10 * time.Second,
		OutboundQueueSize:  16,
	}
}

// Callbacks are invoked from the dispatch goroutine, one at a time, in
// event order. Set them before Start.
type Callbacks struct {
	OnSpeechStarted       func()
	OnSpeechStopped       func()
	OnUserTranscript      func(itemID, text string)
	OnAssistantTranscript func(text string)
	OnAudioDelta          func(pcm16 []byte)
	OnAudioDone           func()
	OnToolCall            func(name string, args map[string]any)
	OnResponseDone        func()
	OnStateChange         func(State)
	OnFailure             func(err error)
}

// toolCallRequest correlates an inbound function call to its outbound
// result. At most one should be outstanding per model turn.
type toolCallRequest struct {
	callID string
	name   string
}

// Client manages the websocket connection and protocol lifecycle.
type Client struct {
	cfg    Config
	cb     Callbacks
	logger *slog.Logger
	meter  *metrics.Metrics
	diag   *eventlog.Log

	ws   *websocket.Conn
	wsMu sync.Mutex

	state   stateVar
	started atomic.Bool
	failErr atomic.Pointer[error]

	events   chan wire.Event
	outbound chan []byte
	stop     chan struct{}
	stopOnce sync.Once

	// pending is confined to the dispatch goroutine.
	pending *toolCallRequest

	sessionID string
}

// New creates a Client. diag and meter may be nil.
func New(cfg Config, cb Callbacks, logger *slog.Logger, meter *metrics.Metrics, diag *eventlog.Log) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("realtime: URL required")
	}
	if cfg.Credentials == nil {
		return nil, errors.New("realtime: credential source required")
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 5 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.OutboundQueueSize <= 0 {
		cfg.OutboundQueueSize = 16
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:      cfg,
		cb:       cb,
		logger:   logger,
		meter:    meter,
		diag:     diag,
		events:   make(chan wire.Event, 64),
		outbound: make(chan []byte, cfg.OutboundQueueSize),
		stop:     make(chan struct{}),
	}
	c.state.onChange = func(s State) {
		c.logger.Debug("transport state", "state", s.String())
		if cb.OnStateChange != nil {
			cb.OnStateChange(s)
		}
	}
	return c, nil
}

// State returns the current transport state.
func (c *Client) State() State {
	return c.state.load()
}

// Err returns the terminal failure, if any.
func (c *Client) Err() error {
	if p := c.failErr.Load(); p != nil {
		return *p
	}
	return nil
}

// terminalErr reports why the client can make no further progress: the
// stored failure, or plain not-connected after a deliberate Close.
func (c *Client) terminalErr() error {
	if err := c.Err(); err != nil {
		return err
	}
	return ErrNotConnected
}

// SessionID returns the server-assigned session id once ready.
func (c *Client) SessionID() string {
	return c.sessionID
}

// Start runs the connect → await-ready → configure → greet sequence and
// leaves the client listening. It returns once the conversation is live
// or with the failure that ended it. Cancelling ctx aborts any wait.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if !c.state.transition(StateConnecting) {
		return c.terminalErr()
	}

	token, err := c.cfg.Credentials.BearerToken(ctx)
	if err != nil {
		return c.fail(fmt.Errorf("realtime: credential: %w", err))
	}

	header := map[string][]string{
		"Authorization": {"Bearer " + token},
		"OpenAI-Beta":   {"realtime=v1"},
	}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}

	ws, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return c.fail(fmt.Errorf("realtime: connect: %w", err))
	}

	c.wsMu.Lock()
	c.ws = ws
	c.wsMu.Unlock()

	ws.SetPingHandler(func(appData string) error {
		c.wsMu.Lock()
		defer c.wsMu.Unlock()
		return ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	go c.readLoop(ws)

	if !c.state.transition(StateAwaitingReady) {
		return c.terminalErr()
	}
	if err := c.awaitReady(ctx); err != nil {
		return err
	}

	if !c.state.transition(StateConfiguring) {
		return c.terminalErr()
	}
	if err := c.sendEvent(wire.NewSessionUpdate(c.sessionConfig())); err != nil {
		return c.fail(fmt.Errorf("realtime: configure: %w", err))
	}

	// Configuration is fire-and-forget; give the server a moment to
	// apply it before audio starts flowing.
	if c.cfg.SettleDelay > 0 {
		select {
		case <-time.After(c.cfg.SettleDelay):
		case <-ctx.Done():
			return c.fail(ctx.Err())
		case <-c.stop:
			return ErrNotConnected
		}
	}

	go c.dispatchLoop()
	go c.writeLoop()
	go c.keepAlive()

	// A server error queued during the settle delay may already have been
	// dispatched; a settled failure keeps its state and message.
	if !c.state.transition(StateListening) {
		return c.terminalErr()
	}

	// The assistant speaks first.
	if err := c.sendEvent(wire.NewResponseCreate(wire.ResponseConfig{
		Modalities:   []string{"text", "audio"},
		Instructions: "Greet the user and begin the conversation.",
	})); err != nil {
		return c.fail(fmt.Errorf("realtime: greet: %w", err))
	}

	return nil
}

// awaitReady races the first meaningful inbound event against the ready
// timeout. Unknown event types are skipped; a closed connection or a
// wrong first event is a failure. Closing the socket resolves the wait
// because the read loop closes the events channel on exit.
func (c *Client) awaitReady(ctx context.Context) error {
	timer := time.NewTimer(c.cfg.ReadyTimeout)
	defer timer.Stop()

	for {
		select {
		case ev, ok := <-c.events:
			if !ok {
				return c.fail(errors.New("realtime: connection closed before ready"))
			}
			switch ev := ev.(type) {
			case wire.SessionCreated:
				c.sessionID = ev.Session.ID
				c.logger.Info("session ready", "session_id", ev.Session.ID)
				return nil
			case wire.Unhandled:
				continue
			case wire.ServerError:
				return c.fail(fmt.Errorf("realtime: server error: %s", ev.Error.Message))
			default:
				return c.fail(fmt.Errorf("realtime: expected session.created, got %s", ev.EventType()))
			}
		case <-timer.C:
			c.closeSocket()
			return c.fail(ErrReadyTimeout)
		case <-ctx.Done():
			c.closeSocket()
			return c.fail(ctx.Err())
		}
	}
}

// sessionConfig builds the session.update payload from Config.
func (c *Client) sessionConfig() wire.SessionConfig {
	voice := c.cfg.Voice
	if voice == "" {
		voice = "alloy"
	}

	threshold := c.cfg.VADThreshold
	if threshold == 0 {
		threshold = 0.5
	}
	prefixMs := int(c.cfg.VADPrefixPadding.Milliseconds())
	if prefixMs == 0 {
		prefixMs = 300
	}
	silenceMs := int(c.cfg.VADSilenceDuration.Milliseconds())
	if silenceMs == 0 {
		silenceMs = 500
	}

	sc := wire.SessionConfig{
		Modalities:         []string{"text", "audio"},
		Instructions:       c.cfg.Instructions,
		Voice:              voice,
		InputAudioFormat:   "pcm16",
		OutputAudioFormat:  "pcm16",
		InputTranscription: &wire.Transcription{Model: "whisper-1"},
		TurnDetection: &wire.TurnDetection{
			Type:              "server_vad",
			Threshold:         threshold,
			PrefixPaddingMs:   prefixMs,
			SilenceDurationMs: silenceMs,
		},
	}
	if c.cfg.Tool != nil {
		sc.Tools = []wire.ToolSchema{*c.cfg.Tool}
		sc.ToolChoice = "auto"
	}
	return sc
}

// AppendAudio enqueues one wire-format chunk for sending. Non-blocking:
// reports false when the client is not in a connected state or the queue
// is full, and the caller drops the chunk. Calling before the session is
// live is expected UI racing and no-ops.
func (c *Client) AppendAudio(pcm16 []byte) bool {
	if !c.state.load().Connected() {
		return false
	}

	select {
	case c.outbound <- pcm16:
		return true
	default:
		return false
	}
}

// Close ends the session: sends a final commit, closes the socket, and
// settles the state in Ended (unless already Failed). Idempotent and safe
// to call from any state, including while Start is still waiting.
func (c *Client) Close() error {
	c.stopOnce.Do(func() {
		if c.state.load().Connected() {
			// Best effort; the socket may already be gone.
			if err := c.sendEvent(wire.NewAudioCommit()); err != nil {
				c.logger.Debug("final commit not sent", "error", err)
			}
		}
		c.state.transition(StateEnded)
		close(c.stop)
		c.closeSocket()
	})
	return nil
}

// fail moves to Failed exactly once, keeping the first error, and shuts
// down the socket and background loops.
func (c *Client) fail(err error) error {
	if c.state.transition(StateFailed) {
		c.failErr.Store(&err)
		c.logger.Error("session failed", "error", err)
		if c.cb.OnFailure != nil {
			c.cb.OnFailure(err)
		}
		c.stopOnce.Do(func() {
			close(c.stop)
			c.closeSocket()
		})
	}
	return err
}

func (c *Client) closeSocket() {
	c.wsMu.Lock()
	defer c.wsMu.Unlock()
	if c.ws != nil {
		c.ws.Close()
	}
}

// readLoop decodes inbound frames and forwards events for serialized
// dispatch. A malformed frame is logged, counted, and discarded; it never
// terminates the session. The loop owns the events channel and closes it
// on exit, resolving any ready waiter.
func (c *Client) readLoop(ws *websocket.Conn) {
	defer close(c.events)

	for {
		ws.SetReadDeadline(time.Now().Add(120 * time.Second))

		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.stop:
				// Deliberate close.
			default:
				if c.state.load() == StateAwaitingReady {
					// awaitReady observes the closed channel.
					return
				}
				c.fail(fmt.Errorf("realtime: socket closed: %w", err))
			}
			return
		}

		ev, err := wire.Decode(data)
		if err != nil {
			c.meter.DecodeError()
			c.logger.Warn("discarding undecodable frame", "error", err)
			continue
		}

		c.record(eventlog.DirIn, ev.EventType())
		c.meter.WireMessage("in", string(ev.EventType()))

		select {
		case c.events <- ev:
		case <-c.stop:
			return
		}
	}
}

// dispatchLoop processes inbound events one at a time. All protocol state
// mutations happen here, so the tool-call bookkeeping needs no locking.
func (c *Client) dispatchLoop() {
	for ev := range c.events {
		c.dispatch(ev)
	}
}

func (c *Client) dispatch(ev wire.Event) {
	switch ev := ev.(type) {
	case wire.SessionUpdated:
		c.logger.Debug("session configured", "session_id", ev.Session.ID)

	case wire.SpeechStarted:
		if c.cb.OnSpeechStarted != nil {
			c.cb.OnSpeechStarted()
		}

	case wire.SpeechStopped:
		if c.cb.OnSpeechStopped != nil {
			c.cb.OnSpeechStopped()
		}

	case wire.InputTranscriptDone:
		if c.cb.OnUserTranscript != nil {
			c.cb.OnUserTranscript(ev.ItemID, ev.Transcript)
		}

	case wire.AssistantTranscriptDone:
		if c.cb.OnAssistantTranscript != nil {
			c.cb.OnAssistantTranscript(ev.Transcript)
		}

	case wire.AudioDelta:
		c.state.transition(StateProcessing)
		if c.cb.OnAudioDelta != nil {
			c.cb.OnAudioDelta(ev.Delta)
		}

	case wire.AudioDone:
		if c.cb.OnAudioDone != nil {
			c.cb.OnAudioDone()
		}

	case wire.FunctionCallDone:
		c.handleToolCall(ev)

	case wire.ResponseDone:
		c.state.transition(StateListening)
		if c.cb.OnResponseDone != nil {
			c.cb.OnResponseDone()
		}

	case wire.ServerError:
		c.fail(fmt.Errorf("realtime: server error: %s", ev.Error.Message))

	case wire.Unhandled:
		c.logger.Debug("ignoring unhandled event", "type", ev.EventType())
	}
}

// handleToolCall runs the tool-call protocol: parse arguments, deliver
// them to the registered callback, acknowledge with a correlated result,
// and ask the model to continue. Unparsable arguments drop the call — a
// lost opportunity, not a fatal error, since the model will not re-issue
// it. A second call arriving before the previous one was acknowledged is
// a protocol violation on the server's side; log it and process anyway.
func (c *Client) handleToolCall(ev wire.FunctionCallDone) {
	var args map[string]any
	if err := json.Unmarshal([]byte(ev.Arguments), &args); err != nil {
		c.meter.ToolCall("bad_args")
		c.logger.Warn("dropping tool call with unparsable arguments",
			"name", ev.Name, "call_id", ev.CallID, "error", err)
		return
	}

	if c.pending != nil {
		c.meter.ToolCall("overlapped")
		c.logger.Warn("tool call arrived before previous was acknowledged",
			"pending_call_id", c.pending.callID, "call_id", ev.CallID)
	}
	c.pending = &toolCallRequest{callID: ev.CallID, name: ev.Name}

	if c.cb.OnToolCall != nil {
		c.cb.OnToolCall(ev.Name, args)
	}

	if err := c.sendEvent(wire.NewFunctionOutput(ev.CallID, `{"success":true}`)); err != nil {
		c.logger.Warn("tool result not sent", "call_id", ev.CallID, "error", err)
		return
	}
	c.pending = nil
	c.meter.ToolCall("ok")

	if err := c.sendEvent(wire.NewResponseCreate(wire.ResponseConfig{
		Modalities: []string{"text", "audio"},
	})); err != nil {
		c.logger.Warn("continuation not requested", "call_id", ev.CallID, "error", err)
	}
}

// writeLoop drains the outbound audio queue onto the socket.
func (c *Client) writeLoop() {
	for {
		select {
		case pcm := <-c.outbound:
			if err := c.sendEvent(wire.NewAudioAppend(pcm)); err != nil {
				c.fail(fmt.Errorf("realtime: audio send: %w", err))
				return
			}
		case <-c.stop:
			return
		}
	}
}

// keepAlive pings periodically so idle stretches of a conversation do not
// drop the socket.
func (c *Client) keepAlive() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.wsMu.Lock()
			ws := c.ws
			if ws != nil {
				ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := ws.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second)); err != nil {
					c.wsMu.Unlock()
					return
				}
			}
			c.wsMu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// sendEvent encodes and writes one frame.
func (c *Client) sendEvent(ev wire.Event) error {
	data, err := wire.Encode(ev)
	if err != nil {
		return err
	}

	c.wsMu.Lock()
	defer c.wsMu.Unlock()

	if c.ws == nil {
		return ErrNotConnected
	}

	c.record(eventlog.DirOut, ev.EventType())
	c.meter.WireMessage("out", string(ev.EventType()))

	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) record(dir eventlog.Direction, typ wire.EventType) {
	if c.diag != nil {
		c.diag.Record(dir, string(typ), "")
	}
}
