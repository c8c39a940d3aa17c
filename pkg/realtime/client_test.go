package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkwellhq/voiceloop/internal/eventlog"
	"github.com/inkwellhq/voiceloop/pkg/wire"
)

var upgrader = websocket.Upgrader{}

// testContext stands in for t.Context(), which needs Go 1.24+: a context
// canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

// newFakeServer runs handler with the upgraded server-side connection and
// returns a ws:// URL for the client.
func newFakeServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer test-token" {
			t.Errorf("expected bearer credential on handshake, got %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)

	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.URL = url
	cfg.Credentials = StaticCredential("test-token")
	cfg.Instructions = "You are an onboarding interviewer."
	cfg.SettleDelay = time.Millisecond
	cfg.ReadyTimeout = 2 * time.Second
	return cfg
}

func sendReady(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"session.created","session":{"id":"sess_test"}}`)); err != nil {
		t.Errorf("send ready: %v", err)
	}
}

// expectFrame reads one client frame and asserts its type, returning the
// raw object for further checks.
func expectFrame(t *testing.T, conn *websocket.Conn, wantType string) map[string]any {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading frame (want %s): %v", wantType, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("client sent invalid JSON: %v", err)
	}
	if raw["type"] != wantType {
		t.Fatalf("expected frame type %s, got %v", wantType, raw["type"])
	}
	return raw
}

// handshake performs the ready → configure → greet exchange server-side.
func handshake(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	sendReady(t, conn)
	expectFrame(t, conn, "session.update")
	expectFrame(t, conn, "response.create")
}

func TestStartHandshake(t *testing.T) {
	configured := make(chan map[string]any, 1)
	url := newFakeServer(t, func(conn *websocket.Conn) {
		sendReady(t, conn)
		configured <- expectFrame(t, conn, "session.update")
		expectFrame(t, conn, "response.create")

		// Hold the socket open until the client ends the session.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})

	cfg := testConfig(url)
	cfg.Tool = &wire.ToolSchema{
		Type:        "function",
		Name:        "record_preferences",
		Description: "Record stated preferences.",
		Parameters:  map[string]any{"type": "object"},
	}

	c, err := New(cfg, Callbacks{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if c.AppendAudio([]byte{1, 2}) {
		t.Error("AppendAudio before connect must no-op")
	}

	if err := c.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if got := c.State(); got != StateListening {
		t.Errorf("expected listening after start, got %s", got)
	}
	if got := c.SessionID(); got != "sess_test" {
		t.Errorf("expected session id sess_test, got %q", got)
	}

	raw := <-configured
	session, _ := raw["session"].(map[string]any)
	if session == nil {
		t.Fatal("session.update missing session payload")
	}
	if session["instructions"] != cfg.Instructions {
		t.Errorf("instructions not carried into configuration")
	}
	if session["input_audio_format"] != "pcm16" || session["output_audio_format"] != "pcm16" {
		t.Errorf("audio formats must be pcm16: %v / %v",
			session["input_audio_format"], session["output_audio_format"])
	}
	tools, _ := session["tools"].([]any)
	if len(tools) != 1 {
		t.Errorf("expected 1 tool schema in configuration, got %d", len(tools))
	}
}

func TestReadyTimeout(t *testing.T) {
	url := newFakeServer(t, func(conn *websocket.Conn) {
		// Never send session.created; the server may reject auth silently.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})

	cfg := testConfig(url)
	cfg.ReadyTimeout = 100 * time.Millisecond

	c, err := New(cfg, Callbacks{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	start := time.Now()
	err = c.Start(testContext(t))
	if !errors.Is(err, ErrReadyTimeout) {
		t.Fatalf("expected ready timeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("timeout took too long: %v", elapsed)
	}
	if got := c.State(); got != StateFailed {
		t.Errorf("expected failed state, got %s", got)
	}
}

func TestCloseWhileAwaitingReadyResolvesWaiter(t *testing.T) {
	url := newFakeServer(t, func(conn *websocket.Conn) {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})

	c, err := New(testConfig(url), Callbacks{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Start(testContext(t)) }()

	time.Sleep(50 * time.Millisecond)
	c.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected Start to report the aborted wait")
		}
	case <-time.After(time.Second):
		t.Fatal("Start leaked its ready waiter after Close")
	}
}

func TestAudioFlowsBothWays(t *testing.T) {
	pcmOut := []byte{10, 0, 20, 0, 30, 0}
	deltaIn := []byte{1, 0, 2, 0}

	url := newFakeServer(t, func(conn *websocket.Conn) {
		handshake(t, conn)

		raw := expectFrame(t, conn, "input_audio_buffer.append")
		audio, _ := raw["audio"].(string)
		decoded, err := base64.StdEncoding.DecodeString(audio)
		if err != nil || string(decoded) != string(pcmOut) {
			t.Errorf("outbound audio mismatch: %v (%v)", decoded, err)
		}

		frame := `{"type":"response.audio.delta","delta":"` +
			base64.StdEncoding.EncodeToString(deltaIn) + `"}`
		conn.WriteMessage(websocket.TextMessage, []byte(frame))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})

	deltas := make(chan []byte, 4)
	c, err := New(testConfig(url), Callbacks{
		OnAudioDelta: func(pcm16 []byte) { deltas <- pcm16 },
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if !c.AppendAudio(pcmOut) {
		t.Fatal("AppendAudio refused while connected")
	}

	select {
	case got := <-deltas:
		if string(got) != string(deltaIn) {
			t.Errorf("delta mismatch: %v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio delta")
	}

	if got := c.State(); got != StateProcessing {
		t.Errorf("first delta should move transport to processing, got %s", got)
	}
}

func TestToolCallSingleFlight(t *testing.T) {
	outputs := make(chan map[string]any, 4)

	url := newFakeServer(t, func(conn *websocket.Conn) {
		handshake(t, conn)

		for _, frame := range []string{
			`{"type":"response.function_call_arguments.done","call_id":"c1","name":"record_preferences","arguments":"{\"genre\":\"mystery\"}"}`,
			`{"type":"response.function_call_arguments.done","call_id":"c2","name":"record_preferences","arguments":"{\"genre\":\"horror\"}"}`,
		} {
			conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}

		// Each call must be answered by exactly one correlated output
		// followed by a continuation request, in the order received.
		for i := 0; i < 2; i++ {
			raw := expectFrame(t, conn, "conversation.item.create")
			outputs <- raw
			expectFrame(t, conn, "response.create")
		}

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})

	calls := make(chan map[string]any, 4)
	c, err := New(testConfig(url), Callbacks{
		OnToolCall: func(name string, args map[string]any) { calls <- args },
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	wantCallIDs := []string{"c1", "c2"}
	for i, want := range wantCallIDs {
		select {
		case raw := <-outputs:
			item, _ := raw["item"].(map[string]any)
			if item == nil {
				t.Fatalf("output %d missing item", i)
			}
			if item["type"] != "function_call_output" {
				t.Errorf("output %d: expected function_call_output, got %v", i, item["type"])
			}
			if item["call_id"] != want {
				t.Errorf("output %d: expected call_id %s, got %v", i, want, item["call_id"])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for tool output %d", i)
		}
	}

	for i, wantGenre := range []string{"mystery", "horror"} {
		select {
		case args := <-calls:
			if args["genre"] != wantGenre {
				t.Errorf("call %d: expected genre %s, got %v", i, wantGenre, args["genre"])
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for tool callback %d", i)
		}
	}
}

func TestUnparsableToolArgsDropped(t *testing.T) {
	url := newFakeServer(t, func(conn *websocket.Conn) {
		handshake(t, conn)

		conn.WriteMessage(websocket.TextMessage, []byte(
			`{"type":"response.function_call_arguments.done","call_id":"c1","name":"record_preferences","arguments":"{not json"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done"}`))

		// Nothing but silence should come back; a function_call_output
		// here would be a protocol bug.
		conn.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
		if _, data, err := conn.ReadMessage(); err == nil {
			t.Errorf("unexpected client frame after bad tool args: %s", data)
		}
	})

	responseDone := make(chan struct{}, 1)
	toolCalls := 0
	c, err := New(testConfig(url), Callbacks{
		OnToolCall:     func(string, map[string]any) { toolCalls++ },
		OnResponseDone: func() { responseDone <- struct{}{} },
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-responseDone:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response.done")
	}

	if toolCalls != 0 {
		t.Errorf("unparsable tool call must not reach the callback, got %d", toolCalls)
	}
	if got := c.State(); !got.Connected() {
		t.Errorf("session must stay connected after a dropped tool call, got %s", got)
	}
}

func TestSpeechEventsAndServerError(t *testing.T) {
	url := newFakeServer(t, func(conn *websocket.Conn) {
		handshake(t, conn)

		for _, frame := range []string{
			`{"type":"input_audio_buffer.speech_started"}`,
			`{"type":"input_audio_buffer.speech_stopped"}`,
			`{"type":"error","error":{"message":"session expired"}}`,
		} {
			conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
	})

	started := make(chan struct{}, 1)
	stopped := make(chan struct{}, 1)
	failed := make(chan error, 1)

	c, err := New(testConfig(url), Callbacks{
		OnSpeechStarted: func() { started <- struct{}{} },
		OnSpeechStopped: func() { stopped <- struct{}{} },
		OnFailure:       func(err error) { failed <- err },
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for name, ch := range map[string]chan struct{}{"speech_started": started, "speech_stopped": stopped} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s callback", name)
		}
	}

	select {
	case err := <-failed:
		if !strings.Contains(err.Error(), "session expired") {
			t.Errorf("server message must be carried into the failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}

	if got := c.State(); got != StateFailed {
		t.Errorf("expected failed state, got %s", got)
	}
}

func TestServerErrorDuringSettleSticks(t *testing.T) {
	url := newFakeServer(t, func(conn *websocket.Conn) {
		sendReady(t, conn)
		expectFrame(t, conn, "session.update")

		// The error lands inside the settle window, before Start moves to
		// listening.
		conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"type":"error","error":{"message":"session expired"}}`))

		// Absorb a greet if the dispatch race let one through.
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})

	failed := make(chan error, 1)
	cfg := testConfig(url)
	cfg.SettleDelay = 100 * time.Millisecond

	c, err := New(cfg, Callbacks{
		OnFailure: func(err error) { failed <- err },
	}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	// Start may return nil or the failure depending on which side of the
	// settle window the dispatch lands; the terminal state must not.
	c.Start(testContext(t))

	select {
	case err := <-failed:
		if !strings.Contains(err.Error(), "session expired") {
			t.Errorf("failure must carry the server message, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure callback")
	}

	time.Sleep(50 * time.Millisecond)

	if got := c.State(); got != StateFailed {
		t.Fatalf("failure must not be overwritten after dispatch starts, got %s", got)
	}
	if c.AppendAudio([]byte{1, 0}) {
		t.Error("AppendAudio must refuse after failure")
	}
	if err := c.Err(); err == nil || !strings.Contains(err.Error(), "session expired") {
		t.Errorf("server message must be kept as the terminal error, got %v", err)
	}
}

func TestMalformedFrameIsDiscarded(t *testing.T) {
	url := newFakeServer(t, func(conn *websocket.Conn) {
		handshake(t, conn)

		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"no_type":"here"}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"response.done"}`))

		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		conn.ReadMessage()
	})

	responseDone := make(chan struct{}, 1)
	c, err := New(testConfig(url), Callbacks{
		OnResponseDone: func() { responseDone <- struct{}{} },
	}, nil, nil, eventlog.New(16))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	if err := c.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	select {
	case <-responseDone:
	case <-time.After(2 * time.Second):
		t.Fatal("malformed frames must not stall the session")
	}

	if got := c.State(); !got.Connected() {
		t.Errorf("session must survive malformed frames, got %s", got)
	}
}

func TestCloseSendsFinalCommit(t *testing.T) {
	committed := make(chan struct{}, 1)
	url := newFakeServer(t, func(conn *websocket.Conn) {
		handshake(t, conn)
		expectFrame(t, conn, "input_audio_buffer.commit")
		committed <- struct{}{}
	})

	c, err := New(testConfig(url), Callbacks{}, nil, nil, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Start(testContext(t)); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close must be a no-op: %v", err)
	}

	select {
	case <-committed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for final commit")
	}

	if got := c.State(); got != StateEnded {
		t.Errorf("expected ended state, got %s", got)
	}
}
