package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	documentWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchctl",
			Subsystem: "setup",
			Name:      "document_writes_total",
			Help:      "Documents written by the reconciler.",
		},
		[]string{"database", "kind"},
	)
	reconcileRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchctl",
			Subsystem: "setup",
			Name:      "reconcile_runs_total",
			Help:      "Reconcile pipeline runs per database.",
		},
		[]string{"database", "outcome"},
	)
	replicationJobsPlanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchctl",
			Subsystem: "replication",
			Name:      "jobs_planned_total",
			Help:      "Replication jobs emitted by the topology planner.",
		},
		[]string{"database", "direction"},
	)
	watchRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchctl",
			Subsystem: "watch",
			Name:      "restarts_total",
			Help:      "Changes-feed reconnects after transport failures.",
		},
		[]string{"database"},
	)
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "couchctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"app", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "couchctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"app", "method", "path", "status"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			documentWrites,
			reconcileRuns,
			replicationJobsPlanned,
			watchRestarts,
			httpRequests,
			httpDuration,
		)
	})
}

// RecordDocumentWrite counts one reconciler write; kind is "exact",
// "template", or "synced".
func RecordDocumentWrite(database, kind string) {
	RegisterMetrics()
	documentWrites.WithLabelValues(database, kind).Inc()
}

// RecordReconcileRun counts one completed pipeline run; outcome is
// "ok", "skipped", or "error".
func RecordReconcileRun(database, outcome string) {
	RegisterMetrics()
	reconcileRuns.WithLabelValues(database, outcome).Inc()
}

// RecordReplicationJobPlanned counts one emitted job; direction is
// "pull" or "push".
func RecordReplicationJobPlanned(database, direction string) {
	RegisterMetrics()
	replicationJobsPlanned.WithLabelValues(database, direction).Inc()
}

// RecordWatchRestart counts one changes-feed reconnect.
func RecordWatchRestart(database string) {
	RegisterMetrics()
	watchRestarts.WithLabelValues(database).Inc()
}

// RecordHTTPRequest counts one admin request with its duration.
func RecordHTTPRequest(app, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(app, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(app, method, path, statusLabel).Observe(duration.Seconds())
}
