package metrics

import (
	"net/http"

	"github.com/eleven-am/voice-client/internal/transport"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains the Prometheus metrics for one voice client process
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	CurrentPhase     prometheus.Gauge
	PhaseTransitions *prometheus.CounterVec

	// Outbound audio metrics
	FramesSent prometheus.Counter
	BytesSent  prometheus.Counter
	Commits    *prometheus.CounterVec

	// Inbound audio metrics
	ChunksReceived prometheus.Counter
	BargeIns       prometheus.Counter

	// Upstream metrics
	UpstreamErrors *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		CurrentPhase: factory.NewGauge(prometheus.GaugeOpts{
			Name: "voice_client_phase",
			Help: "Current connection phase (0=disconnected .. 5=ready)",
		}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_client_phase_transitions_total",
			Help: "Total number of phase transitions by target phase",
		}, []string{"phase"}),

		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_client_frames_sent_total",
			Help: "Total number of audio frames transmitted to the relay",
		}),
		BytesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_client_audio_bytes_sent_total",
			Help: "Total PCM bytes transmitted to the relay",
		}),
		Commits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_client_commits_total",
			Help: "Utterance commits by outcome",
		}, []string{"outcome"}),

		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_client_audio_chunks_received_total",
			Help: "Total number of response audio chunks received",
		}),
		BargeIns: factory.NewCounter(prometheus.CounterOpts{
			Name: "voice_client_barge_ins_total",
			Help: "Total number of times user speech interrupted playback",
		}),

		UpstreamErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_client_upstream_errors_total",
			Help: "Upstream errors by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Phase(p transport.Phase) {
	m.CurrentPhase.Set(float64(p))
	m.PhaseTransitions.WithLabelValues(p.String()).Inc()
}

func (m *Metrics) FrameSent(bytes int) {
	m.FramesSent.Inc()
	m.BytesSent.Add(float64(bytes))
}

func (m *Metrics) Commit(sent bool) {
	outcome := "sent"
	if !sent {
		outcome = "skipped_empty"
	}
	m.Commits.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ChunkReceived() {
	m.ChunksReceived.Inc()
}

func (m *Metrics) UpstreamError(transient bool) {
	kind := "surfaced"
	if transient {
		kind = "transient"
	}
	m.UpstreamErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) BargeIn() {
	m.BargeIns.Inc()
}
