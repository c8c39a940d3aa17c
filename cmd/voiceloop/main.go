// Command voiceloop runs one voice conversation end to end against the
// realtime API, using mock audio devices so it works on headless machines.
// The ops surface (health, metrics, session snapshot) is served alongside.
//
// Usage: VOICELOOP_API_KEY=sk-... go run ./cmd/voiceloop
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inkwellhq/voiceloop/internal/config"
	"github.com/inkwellhq/voiceloop/internal/eventlog"
	"github.com/inkwellhq/voiceloop/internal/log"
	"github.com/inkwellhq/voiceloop/internal/metrics"
	"github.com/inkwellhq/voiceloop/internal/ops"
	"github.com/inkwellhq/voiceloop/pkg/audioio"
	"github.com/inkwellhq/voiceloop/pkg/realtime"
	"github.com/inkwellhq/voiceloop/pkg/session"
	"github.com/inkwellhq/voiceloop/pkg/wire"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime?model=gpt-4o-realtime-preview"

const onboardingInstructions = `You are a warm, curious interviewer learning
about a new reader. Ask about the genres, authors, and formats they enjoy,
one question at a time. When you have a clear picture, call the
record_preferences tool with what you learned, then wrap up briefly.`

func main() {
	log.Init(config.LogLevel())
	logger := log.L()

	apiKey := config.APIKeyRequired()

	url := os.Getenv("VOICELOOP_REALTIME_URL")
	if url == "" {
		url = defaultRealtimeURL
	}

	reg := prometheus.NewRegistry()
	meter := metrics.New("voiceloop", reg)
	diag := eventlog.New(config.IntEnv("VOICELOOP_EVENTLOG_SIZE", 64))

	devCfg := audioio.DefaultConfig()
	devCfg.Backend = audioio.BackendMock
	source := audioio.NewMockSource(devCfg, logger, audioio.WithSineWave(440, 0.2))
	sink := audioio.NewMockSink(devCfg, logger)
	sink.AutoComplete = true

	rtCfg := realtime.DefaultConfig()
	rtCfg.URL = url
	rtCfg.Credentials = realtime.StaticCredential(apiKey)
	rtCfg.Voice = config.Voice()
	rtCfg.ReadyTimeout = config.DurationEnv("VOICELOOP_READY_TIMEOUT", rtCfg.ReadyTimeout)
	rtCfg.SettleDelay = config.DurationEnv("VOICELOOP_SETTLE_DELAY", rtCfg.SettleDelay)
	rtCfg.Tool = &wire.ToolSchema{
		Type:        "function",
		Name:        "record_preferences",
		Description: "Record the reading preferences stated by the user.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"genres":  map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"authors": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"notes":   map[string]any{"type": "string"},
			},
		},
	}

	ctrl := session.New(session.Config{
		Kind:         session.Onboarding(),
		Realtime:     rtCfg,
		Instructions: session.StaticInstructions(onboardingInstructions),
		OnResult: func(r session.Result) {
			fmt.Println("--- transcript ---")
			fmt.Print(r.TranscriptText())
			if r.ToolArgs != nil {
				fmt.Printf("--- %s ---\n%v\n", r.ToolName, r.ToolArgs)
			}
			if r.Err != nil {
				fmt.Printf("session error: %v\n", r.Err)
			}
		},
	}, source, sink, logger, meter, diag)

	opsSrv := ops.New(config.OpsAddr(), reg, ops.SessionFunc(func() (session.Snapshot, bool) {
		return ctrl.Snapshot(), true
	}), logger)
	go func() {
		if err := opsSrv.Start(); err != nil {
			logger.Error("ops server", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	states := ctrl.Watch()

	if err := ctrl.Start(ctx); err != nil {
		logger.Error("session start failed", "error", err)
		opsSrv.Shutdown(context.Background())
		os.Exit(1)
	}

	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		ctrl.End()
	}()

	// Watch closes once the session reaches a terminal state.
	for s := range states {
		logger.Info("session state", "state", s.String())
	}

	ctrl.End()
	opsSrv.Shutdown(context.Background())

	if err := ctrl.Err(); err != nil {
		os.Exit(1)
	}
}
