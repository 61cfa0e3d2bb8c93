// Package metrics exposes the server's operational counters via Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the instruments for one signaling server instance. Instances
// carry their own registry so tests never collide on the global one.
type Metrics struct {
	registry *prometheus.Registry

	ConnectionsActive prometheus.Gauge
	StreamsActive     prometheus.Gauge
	SignalsRelayed    prometheus.Counter
	SignalsDropped    prometheus.Counter
	StreamsStarted    prometheus.Counter
	StreamsEnded      prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerstream_connections_active",
			Help: "Currently connected signaling clients.",
		}),
		StreamsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "peerstream_streams_active",
			Help: "Rooms with a live stream entry.",
		}),
		SignalsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerstream_signals_relayed_total",
			Help: "Signal envelopes delivered to a live target connection.",
		}),
		SignalsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerstream_signals_dropped_total",
			Help: "Signal envelopes dropped because the target was not connected.",
		}),
		StreamsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerstream_streams_started_total",
			Help: "start-stream declarations accepted.",
		}),
		StreamsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "peerstream_streams_ended_total",
			Help: "Stream entries removed on streamer disconnect.",
		}),
	}
	reg.MustRegister(
		m.ConnectionsActive,
		m.StreamsActive,
		m.SignalsRelayed,
		m.SignalsDropped,
		m.StreamsStarted,
		m.StreamsEnded,
	)
	return m
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
