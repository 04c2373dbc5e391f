package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for upstream calls, order intake and redemption.
var (
	UpstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoverify_upstream_requests_total",
			Help: "Upstream calls by operation and outcome (ok, api_error, transport_error)",
		},
		[]string{"operation", "outcome"},
	)

	UpstreamAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoverify_upstream_attempts_total",
			Help: "Individual HTTP attempts including retries",
		},
		[]string{"operation"},
	)

	UpstreamRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoverify_upstream_request_duration_seconds",
			Help:    "Duration of upstream calls including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	OrdersProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoverify_orders_processed_total",
			Help: "Order intake results (shipped, skipped, failed)",
		},
		[]string{"result"},
	)

	VerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoverify_verifications_total",
			Help: "Redemption attempts by method and result kind",
		},
		[]string{"method", "kind"},
	)

	SchedulerRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoverify_scheduler_runs_total",
			Help: "Scheduled job runs by job and status",
		},
		[]string{"job", "status"},
	)

	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoverify_notifications_total",
			Help: "Operator notifications by status (sent, failed, dropped)",
		},
		[]string{"status"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(UpstreamRequestsTotal)
		prometheus.MustRegister(UpstreamAttemptsTotal)
		prometheus.MustRegister(UpstreamRequestDuration)
		prometheus.MustRegister(OrdersProcessedTotal)
		prometheus.MustRegister(VerificationsTotal)
		prometheus.MustRegister(SchedulerRunsTotal)
		prometheus.MustRegister(NotificationsTotal)
	})
}
