// Package telemetry exposes control-plane metrics via Prometheus.
// Mount MetricsHandler on an HTTP mux to serve /metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Registry = prometheus.NewRegistry()

	MessagesRouted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentplane",
			Name:      "messages_routed_total",
			Help:      "Messages that resolved to a destination agent.",
		},
		[]string{"policy"},
	)

	MessagesDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentplane",
			Name:      "messages_delivered_total",
			Help:      "Messages acknowledged by the transport.",
		},
	)

	MessagesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentplane",
			Name:      "messages_completed_total",
			Help:      "Completion reports by outcome.",
		},
		[]string{"outcome"},
	)

	MessageRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentplane",
			Name:      "message_retries_total",
			Help:      "Delivery attempts beyond the first.",
		},
	)

	MessagesDeadLettered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentplane",
			Name:      "messages_dead_lettered_total",
			Help:      "Messages that exhausted their retry budget.",
		},
	)

	RoutingDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "agentplane",
			Name:      "routing_duration_seconds",
			Help:      "Latency from send to transport acknowledgment.",
			// 1ms .. ~4s
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 13),
		},
	)

	NodesDeclaredDead = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentplane",
			Name:      "nodes_declared_dead_total",
			Help:      "Nodes the failure sweep declared dead.",
		},
	)

	liveNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentplane",
			Name:      "live_nodes",
			Help:      "Nodes currently alive or suspect.",
		},
	)

	routableAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "agentplane",
			Name:      "routable_agents",
			Help:      "Agents eligible as routing candidates.",
		},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "agentplane",
			Name:      "build_info",
			Help:      "Build info (constant 1, labeled by version).",
		},
		[]string{"version"},
	)

	startTime = time.Now()
	uptime    = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "agentplane",
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds.",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)
)

func init() {
	Registry.MustRegister(
		MessagesRouted, MessagesDelivered, MessagesCompleted,
		MessageRetries, MessagesDeadLettered, RoutingDuration,
		NodesDeclaredDead, liveNodes, routableAgents,
		buildInfo, uptime,
	)
}

// MetricsHandler serves the /metrics endpoint.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// SetBuildInfo should be called once at startup.
func SetBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}

// SetLiveNodes records the current live-node count.
func SetLiveNodes(n int) {
	liveNodes.Set(float64(n))
}

// SetRoutableAgents records the current routable-agent count.
func SetRoutableAgents(n int) {
	routableAgents.Set(float64(n))
}
