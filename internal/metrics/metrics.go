// Package metrics groups the Prometheus instruments used by the engine.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all instruments. A nil *Metrics is safe to use; every
// method no-ops so components can run unobserved in tests.
type Metrics struct {
	ActiveSessions    prometheus.Gauge
	SessionEvents     *prometheus.CounterVec
	WireMessages      *prometheus.CounterVec
	DecodeErrors      prometheus.Counter
	DroppedFrames     *prometheus.CounterVec
	ToolCalls         *prometheus.CounterVec
	FirstAudioLatency prometheus.Histogram
}

// New registers all instruments on the given registerer under the
// namespace. Pass prometheus.NewRegistry() in tests to avoid collisions
// with the default registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	factory := func(c prometheus.Collector) {
		reg.MustRegister(c)
	}

	m := &Metrics{
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of live voice sessions.",
		}),
		SessionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type.",
		}, []string{"event"}),
		WireMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "wire_messages_total",
			Help:      "Wire messages by direction and type.",
		}, []string{"direction", "type"}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Inbound frames that failed to decode and were discarded.",
		}),
		DroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_frames_total",
			Help:      "Audio frames dropped by stage (capture, convert, playback).",
		}, []string{"stage"}),
		ToolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool call outcomes by result (ok, bad_args, overlapped).",
		}, []string{"result"}),
		FirstAudioLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_audio_latency_ms",
			Help:      "Latency to first assistant audio chunk in milliseconds.",
			Buckets:   []float64{100, 200, 300, 500, 700, 900, 1200, 2000},
		}),
	}

	factory(m.ActiveSessions)
	factory(m.SessionEvents)
	factory(m.WireMessages)
	factory(m.DecodeErrors)
	factory(m.DroppedFrames)
	factory(m.ToolCalls)
	factory(m.FirstAudioLatency)

	return m
}

// SessionStarted marks a session becoming live.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
	m.SessionEvents.WithLabelValues("started").Inc()
}

// SessionEnded marks a session ending, normally or with failure.
func (m *Metrics) SessionEnded(failed bool) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	if failed {
		m.SessionEvents.WithLabelValues("failed").Inc()
	} else {
		m.SessionEvents.WithLabelValues("ended").Inc()
	}
}

// WireMessage counts one wire message.
func (m *Metrics) WireMessage(direction, eventType string) {
	if m == nil {
		return
	}
	m.WireMessages.WithLabelValues(direction, eventType).Inc()
}

// DecodeError counts one discarded inbound frame.
func (m *Metrics) DecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// DroppedFrame counts one dropped audio frame at the given stage.
func (m *Metrics) DroppedFrame(stage string) {
	if m == nil {
		return
	}
	m.DroppedFrames.WithLabelValues(stage).Inc()
}

// ToolCall counts one tool call outcome.
func (m *Metrics) ToolCall(result string) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(result).Inc()
}

// ObserveFirstAudioLatency records latency to first assistant audio.
func (m *Metrics) ObserveFirstAudioLatency(d time.Duration) {
	if m == nil {
		return
	}
	m.FirstAudioLatency.Observe(float64(d.Milliseconds()))
}

// Handler returns an HTTP handler serving the given registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
