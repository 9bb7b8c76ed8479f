package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by result (success|failure).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netgate_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks active sessions (not expired/revoked).
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netgate_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// ActiveDevices tracks devices currently admitted for network access.
	ActiveDevices = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "netgate_active_devices",
			Help: "Number of active devices",
		},
	)

	// QuotaRejections counts logins rejected because the device quota was reached.
	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "netgate_quota_rejections_total",
			Help: "Total number of logins rejected by the device quota",
		},
	)

	// FirewallOperations counts packet filter operations by op (grant|revoke|init|usage) and result.
	FirewallOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netgate_firewall_operations_total",
			Help: "Total number of packet filter operations",
		},
		[]string{"op", "result"},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netgate_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
