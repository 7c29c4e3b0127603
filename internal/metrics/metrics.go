// Package metrics defines the Prometheus metrics exposed by the reference
// daemon: connection counts, RPC throughput per method, permission
// decisions, bulk-call outcomes, and session churn, built with the
// promauto factory pattern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the router exposes.
type Metrics struct {
	ConnectedSessions  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	SessionsExpired    prometheus.Counter
	SessionsTerminated prometheus.Counter

	RPCRequestsTotal   *prometheus.CounterVec
	RPCRequestDuration *prometheus.HistogramVec

	PermissionDecisions *prometheus.CounterVec

	BulkCallsTotal    prometheus.Counter
	BulkCallFailures  prometheus.Counter
	BulkCallCallCount prometheus.Histogram

	WalletAvailable *prometheus.GaugeVec
	WalletEvents    *prometheus.CounterVec
}

// New builds and registers the metrics against registry. A nil registry
// registers against prometheus.DefaultRegisterer, so production code can
// call New(nil) and tests can pass an isolated prometheus.NewRegistry().
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ConnectedSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "router_connected_sessions",
			Help: "The current number of live sessions.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_connections_total",
			Help: "The total number of wm_connect calls since process start.",
		}),
		SessionsExpired: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_sessions_expired_total",
			Help: "The total number of sessions reaped by expiry (sweep or lazy).",
		}),
		SessionsTerminated: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_sessions_terminated_total",
			Help: "The total number of sessions ended by wm_disconnect.",
		}),
		RPCRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_rpc_requests_total",
				Help: "The total number of wm_* requests by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		RPCRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_rpc_request_duration_seconds",
				Help:    "Latency of wm_* requests by method.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		PermissionDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_permission_decisions_total",
				Help: "Permission check outcomes by policy state.",
			},
			[]string{"state"},
		),
		BulkCallsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_bulk_calls_total",
			Help: "The total number of wm_bulkCall invocations.",
		}),
		BulkCallFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "router_bulk_call_failures_total",
			Help: "The total number of wm_bulkCall invocations that ended in partialFailure.",
		}),
		BulkCallCallCount: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "router_bulk_call_call_count",
			Help:    "Distribution of the number of calls per wm_bulkCall batch.",
			Buckets: []float64{1, 2, 3, 5, 10, 20, 50},
		}),
		WalletAvailable: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_wallet_available",
				Help: "Whether a chain's wallet proxy is currently available (1) or not (0).",
			},
			[]string{"chain_id"},
		),
		WalletEvents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_wallet_events_total",
				Help: "The total number of wallet-pushed events forwarded, by method.",
			},
			[]string{"chain_id", "method"},
		),
	}
}
