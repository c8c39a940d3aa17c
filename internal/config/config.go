// Package config provides configuration helpers for voiceloop commands.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Default engine configuration.
const (
	DefaultOpsAddr  = ":9090"
	DefaultVoice    = "alloy"
	DefaultLogLevel = "info"
)

// APIKey returns the realtime API key from VOICELOOP_API_KEY.
// Falls back to the provided default if not set.
func APIKey(defaultKey string) string {
	if key := os.Getenv("VOICELOOP_API_KEY"); key != "" {
		return key
	}
	return defaultKey
}

// APIKeyRequired returns the realtime API key from VOICELOOP_API_KEY.
// Exits if not set.
func APIKeyRequired() string {
	key := os.Getenv("VOICELOOP_API_KEY")
	if key == "" {
		fmt.Fprintln(os.Stderr, "Error: VOICELOOP_API_KEY environment variable is required")
		fmt.Fprintln(os.Stderr, "Usage: VOICELOOP_API_KEY=sk-... go run ./cmd/...")
		os.Exit(1)
	}
	return key
}

// OpsAddr returns the ops HTTP listen address from VOICELOOP_OPS_ADDR or default.
func OpsAddr() string {
	if addr := os.Getenv("VOICELOOP_OPS_ADDR"); addr != "" {
		return addr
	}
	return DefaultOpsAddr
}

// Voice returns the TTS voice from VOICELOOP_VOICE or default.
func Voice() string {
	if v := os.Getenv("VOICELOOP_VOICE"); v != "" {
		return v
	}
	return DefaultVoice
}

// LogLevel returns the log level from VOICELOOP_LOG_LEVEL or default.
func LogLevel() string {
	if lvl := os.Getenv("VOICELOOP_LOG_LEVEL"); lvl != "" {
		return lvl
	}
	return DefaultLogLevel
}

// IntEnv returns an integer from the named env var or the default.
func IntEnv(name string, def int) int {
	if raw := os.Getenv(name); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			return n
		}
	}
	return def
}

// DurationEnv returns a duration from the named env var or the default.
func DurationEnv(name string, def time.Duration) time.Duration {
	if raw := os.Getenv(name); raw != "" {
		if d, err := time.ParseDuration(raw); err == nil {
			return d
		}
	}
	return def
}
