package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Forward failure reasons.
const (
	ReasonUnavailable  = "unavailable"
	ReasonSlowConsumer = "slow_consumer"
	ReasonPublish      = "publish"
	ReasonLookup       = "lookup"
)

// Metrics are the broker's Prometheus collectors.
type Metrics struct {
	Sockets         prometheus.Gauge
	Peers           prometheus.Gauge
	Forwarded       *prometheus.CounterVec
	ForwardFailures *prometheus.CounterVec
	Conflicts       prometheus.Counter
	RemoteLatency   prometheus.Histogram
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	const ns = "canvas_broker"

	return &Metrics{
		Sockets: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "sockets",
			Help:      "Number of open WebSocket connections",
		}),
		Peers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Name:      "registered_peers",
			Help:      "Number of peers registered on this node",
		}),
		Forwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "frames_forwarded_total",
			Help:      "Frames delivered to a peer, by frame type and route",
		}, []string{"type", "route"}),
		ForwardFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "forward_failures_total",
			Help:      "Frames that could not be delivered, by reason",
		}, []string{"reason"}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "registration_conflicts_total",
			Help:      "Registrations rejected because the id was taken",
		}),
		RemoteLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "remote_event_age_seconds",
			Help:      "Time between another node publishing an event and this node handling it",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
	}
}
