// Package metrics exposes the kernel's Prometheus gauges/histograms for
// job-queue depth, job duration, and daemon health, grounded on the
// pack's own controller/pkg/metrics.go: package-level Gauge/Histogram
// vars registered once at init, with small Inc*/Dec*/Observe*/Set* helpers
// called directly from the business logic instead of threading a metrics
// client through every constructor.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QueueDepth tracks the number of pending jobs per job type.
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brain_queue_depth",
			Help: "Number of pending jobs in the job queue, by job type",
		},
		[]string{"jobType"},
	)

	// JobDuration tracks how long a job took from claim to terminal state.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "brain_job_duration_seconds",
			Help:    "Duration of job execution in seconds, by job type and outcome",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"jobType", "outcome"},
	)

	// DaemonHealthStatus reports each daemon's current status as a small
	// integer: 0 idle, 1 running, 2 error, 3 degraded, 4 stopped.
	DaemonHealthStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "brain_daemon_health_status",
			Help: "Current daemon health status (0=idle,1=running,2=error,3=degraded,4=stopped)",
		},
		[]string{"daemonId"},
	)
)

func init() {
	prometheus.MustRegister(QueueDepth, JobDuration, DaemonHealthStatus)
}

// IncQueueDepth records one more pending job of jobType.
func IncQueueDepth(jobType string) {
	QueueDepth.WithLabelValues(jobType).Inc()
}

// DecQueueDepth records one fewer pending job of jobType (claimed or
// cancelled out of the pending state).
func DecQueueDepth(jobType string) {
	QueueDepth.WithLabelValues(jobType).Dec()
}

// ObserveJobDuration records a job's execution time.
func ObserveJobDuration(jobType, outcome string, d time.Duration) {
	JobDuration.WithLabelValues(jobType, outcome).Observe(d.Seconds())
}

// DaemonStatusValue maps a daemon status name to the integer gauge value
// DaemonHealthStatus uses.
func DaemonStatusValue(status string) float64 {
	switch status {
	case "running":
		return 1
	case "error":
		return 2
	case "degraded":
		return 3
	case "stopped":
		return 4
	default: // "idle"
		return 0
	}
}

// SetDaemonHealth records a daemon's current status.
func SetDaemonHealth(daemonID, status string) {
	DaemonHealthStatus.WithLabelValues(daemonID).Set(DaemonStatusValue(status))
}
