// Package metrics provides Prometheus instrumentation for the real-time
// delivery server: transport and identity gauges, handshake and heartbeat
// outcomes, event fan-out throughput and polling reconciliation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks open WebSocket transports, authenticated or not.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_connections_total",
		Help: "Current number of open WebSocket connections",
	})

	// ActiveIdentities tracks identities with a live authenticated connection.
	ActiveIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_active_identities",
		Help: "Current number of authenticated identities",
	})

	// RoomsTotal tracks non-empty room topics.
	RoomsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "rt_rooms_total",
		Help: "Current number of non-empty rooms",
	})

	// AuthTotal counts handshake outcomes, labeled by result:
	// "success", "replaced", or the failure reason.
	AuthTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_auth_total",
		Help: "Handshake attempts by result",
	}, []string{"result"})

	// TerminationsTotal counts connection teardowns by reason.
	TerminationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_terminations_total",
		Help: "Connection terminations by reason",
	}, []string{"reason"})

	// EventsTotal counts per-connection deliveries, labeled by result:
	// "delivered", "excluded", "evicted", or "dropped".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_events_total",
		Help: "Event deliveries by result",
	}, []string{"result"})

	// DispatchLatency records the time to fan one event out to its targets.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "rt_dispatch_latency_seconds",
		Help:    "Event fan-out latency in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})

	// UpdatesRequests counts polling requests by HTTP status code.
	UpdatesRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "rt_updates_requests_total",
		Help: "Polling reconciliation requests by status",
	}, []string{"status"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ActiveIdentities,
		RoomsTotal,
		AuthTotal,
		TerminationsTotal,
		EventsTotal,
		DispatchLatency,
		UpdatesRequests,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
