// Package metrics 定义进程级 Prometheus 指标，并通过 Handler 暴露给 /metrics。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	HeartbeatsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyback_heartbeats_total",
			Help: "Total number of heartbeats by result (accepted, duplicate, rejected, failed)",
		},
		[]string{"result"},
	)

	HeartbeatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "policyback_heartbeat_duration_seconds",
			Help:    "Time taken to reconcile one heartbeat in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ContainersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policyback_containers_created_total",
			Help: "Total number of logical containers first seen in a heartbeat",
		},
	)

	ContainersRemoved = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policyback_containers_removed_total",
			Help: "Total number of containers marked removed",
		},
	)

	IdentityEpochs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policyback_identity_epochs_total",
			Help: "Total number of container identity epochs registered",
		},
	)

	RetentionDeletedRows = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyback_retention_deleted_rows_total",
			Help: "Total number of telemetry rows deleted by retention, by table",
		},
		[]string{"table"},
	)

	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "policyback_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	StreamDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "policyback_stream_dropped_events_total",
			Help: "Total number of live-tail events dropped because a subscriber was full",
		},
	)
)

func init() {
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(HeartbeatDuration)
	prometheus.MustRegister(ContainersCreated)
	prometheus.MustRegister(ContainersRemoved)
	prometheus.MustRegister(IdentityEpochs)
	prometheus.MustRegister(RetentionDeletedRows)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(StreamDropped)
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer 记录一次操作的耗时。
type Timer struct {
	start time.Time
}

func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

func (t *Timer) ObserveDuration(o prometheus.Observer) {
	o.Observe(t.Duration().Seconds())
}

func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, labels ...string) {
	vec.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
