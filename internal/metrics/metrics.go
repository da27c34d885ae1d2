// Package metrics exposes distribution engine counters and gauges to
// Prometheus through a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for one engine.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal prometheus.Counter
	errorsTotal   prometheus.Counter
	upstreamState prometheus.Gauge
	consumers     *prometheus.GaugeVec
	throughput    prometheus.Gauge
	bitrate       *prometheus.GaugeVec
	heartbeats    *prometheus.CounterVec
	encoderErrors prometheus.Counter
	stateChanges  *prometheus.CounterVec
}

// New creates and registers the engine's collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alohacast_requests_total",
			Help: "Total number of control plane requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alohacast_request_errors_total",
			Help: "Total number of control plane responses with error status",
		}),
		upstreamState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alohacast_upstream_state",
			Help: "Upstream controller state (0 disabled, 1 connecting, 2 waiting, 3 transmitting, 4 overload)",
		}),
		consumers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alohacast_consumers",
			Help: "Number of attached pull consumers",
		}, []string{"class"}),
		throughput: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alohacast_upstream_throughput_kbps",
			Help: "Last measured upstream throughput in kbit/s",
		}),
		bitrate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alohacast_encoder_bitrate_kbps",
			Help: "Configured encoder bitrate in kbit/s",
		}, []string{"kind"}),
		heartbeats: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alohacast_idle_heartbeats_total",
			Help: "Heartbeats emitted by delivery branches with no consumers",
		}, []string{"class"}),
		encoderErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "alohacast_encoder_errors_total",
			Help: "Capture failures that tore down the graph",
		}),
		stateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alohacast_upstream_transitions_total",
			Help: "Upstream state transitions by destination state",
		}, []string{"state"}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.upstreamState,
		m.consumers,
		m.throughput,
		m.bitrate,
		m.heartbeats,
		m.encoderErrors,
		m.stateChanges,
	)
	return m
}

func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// SetUpstreamState records the numeric state and counts the transition.
func (m *Metrics) SetUpstreamState(code int, name string) {
	m.upstreamState.Set(float64(code))
	m.stateChanges.WithLabelValues(name).Inc()
}

func (m *Metrics) SetConsumers(class string, n int) {
	m.consumers.WithLabelValues(class).Set(float64(n))
}

func (m *Metrics) SetThroughput(kbps int) {
	m.throughput.Set(float64(kbps))
}

func (m *Metrics) SetBitrate(kind string, kbps int) {
	m.bitrate.WithLabelValues(kind).Set(float64(kbps))
}

func (m *Metrics) IncHeartbeat(class string) {
	m.heartbeats.WithLabelValues(class).Inc()
}

func (m *Metrics) IncEncoderErrors() {
	m.encoderErrors.Inc()
}

// CounterFunc registers a counter whose value is read from fn at scrape time.
func (m *Metrics) CounterFunc(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: name,
		Help: help,
	}, fn))
}

// Handler returns an http.Handler that serves the registry. updateGauges is
// called before each scrape to refresh values that are polled.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
