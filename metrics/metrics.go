// Package metrics provides Prometheus metrics for the router.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "queryroute"

// Direction label values for forwarded frames.
const (
	DirectionToQuerier = "to_querier"
	DirectionToClient  = "to_client"
)

// RouterMetrics holds the router's connection and routing metrics.
type RouterMetrics struct {
	// SessionsActive tracks currently open client sessions.
	SessionsActive prometheus.Gauge

	// RoutesActive tracks live trace-to-node bindings.
	RoutesActive prometheus.Gauge

	// FramesForwarded counts frames by direction.
	FramesForwarded *prometheus.CounterVec

	// RoutingErrors counts error frames sent to clients by kind.
	RoutingErrors *prometheus.CounterVec

	// QuerierConns tracks live querier connections.
	QuerierConns prometheus.Gauge

	// QuerierReconnects counts querier link losses that triggered a
	// reconnect cycle.
	QuerierReconnects prometheus.Counter
}

// New registers the router metrics with reg.
func New(reg prometheus.Registerer) *RouterMetrics {
	factory := promauto.With(reg)

	return &RouterMetrics{
		SessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of open client sessions.",
		}),
		RoutesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "routes",
			Name:      "active",
			Help:      "Number of live trace-to-querier routes.",
		}),
		FramesForwarded: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "frames",
			Name:      "forwarded_total",
			Help:      "Frames forwarded through the router by direction.",
		}, []string{"direction"}),
		RoutingErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "routing",
			Name:      "errors_total",
			Help:      "Error frames delivered to clients by kind.",
		}, []string{"kind"}),
		QuerierConns: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "querier",
			Name:      "connections",
			Help:      "Number of live querier connections.",
		}),
		QuerierReconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "querier",
			Name:      "reconnects_total",
			Help:      "Querier link losses that triggered reconnect cycles.",
		}),
	}
}
