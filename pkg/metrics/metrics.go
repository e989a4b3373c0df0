package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the bridge collectors. A nil *Metrics is valid and records
// nothing, so components can be built without a registry in tests.
type Metrics struct {
	registry *prometheus.Registry

	frames          *prometheus.CounterVec
	desyncs         prometheus.Counter
	unknownCommands prometheus.Counter
	invalidValues   prometheus.Counter
	commandsSent    prometheus.Counter
	audioOverruns   *prometheus.CounterVec
	audioFrames     *prometheus.CounterVec
	reconnects      prometheus.Counter
	connectionState prometheus.Gauge
	clients         prometheus.Gauge
	spectrumFrames  *prometheus.CounterVec
	activations     *prometheus.CounterVec
}

// New creates the collectors on a private registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		frames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "k4d_frames_total",
			Help: "Frames received from the radio by kind",
		}, []string{"kind"}),
		desyncs: factory.NewCounter(prometheus.CounterOpts{
			Name: "k4d_protocol_desync_total",
			Help: "Framing resynchronisations",
		}),
		unknownCommands: factory.NewCounter(prometheus.CounterOpts{
			Name: "k4d_cat_unknown_total",
			Help: "Incoming CAT commands with no registry entry",
		}),
		invalidValues: factory.NewCounter(prometheus.CounterOpts{
			Name: "k4d_cat_invalid_value_total",
			Help: "Outgoing CAT commands rejected by domain validation",
		}),
		commandsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "k4d_cat_sent_total",
			Help: "CAT commands written to the radio",
		}),
		audioOverruns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "k4d_audio_overrun_total",
			Help: "Audio frames dropped under backpressure",
		}, []string{"direction"}),
		audioFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "k4d_audio_frames_total",
			Help: "Audio frames processed",
		}, []string{"direction"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "k4d_reconnect_attempts_total",
			Help: "Reconnect attempts after an unexpected disconnect",
		}),
		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "k4d_connection_state",
			Help: "Active session state (0 idle .. 5 failed)",
		}),
		clients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "k4d_gateway_clients",
			Help: "Connected UI clients",
		}),
		spectrumFrames: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "k4d_spectrum_frames_total",
			Help: "Spectrum snapshots by outcome",
		}, []string{"outcome"}),
		activations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "k4d_activations_total",
			Help: "Radio activation requests by result",
		}, []string{"result"}),
	}
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) Frame(kind string) {
	if m != nil {
		m.frames.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) Desync() {
	if m != nil {
		m.desyncs.Inc()
	}
}

func (m *Metrics) UnknownCommand() {
	if m != nil {
		m.unknownCommands.Inc()
	}
}

func (m *Metrics) InvalidValue() {
	if m != nil {
		m.invalidValues.Inc()
	}
}

func (m *Metrics) CommandSent() {
	if m != nil {
		m.commandsSent.Inc()
	}
}

func (m *Metrics) AudioOverrun(direction string) {
	if m != nil {
		m.audioOverruns.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) AudioFrame(direction string) {
	if m != nil {
		m.audioFrames.WithLabelValues(direction).Inc()
	}
}

func (m *Metrics) Reconnect() {
	if m != nil {
		m.reconnects.Inc()
	}
}

func (m *Metrics) ConnectionState(state int) {
	if m != nil {
		m.connectionState.Set(float64(state))
	}
}

func (m *Metrics) Clients(n int) {
	if m != nil {
		m.clients.Set(float64(n))
	}
}

// Spectrum records a snapshot outcome: emitted, dropped or skipped
func (m *Metrics) Spectrum(outcome string) {
	if m != nil {
		m.spectrumFrames.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Activation(result string) {
	if m != nil {
		m.activations.WithLabelValues(result).Inc()
	}
}
