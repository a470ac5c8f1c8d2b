package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Job run metrics
	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netraven_job_runs_total",
			Help: "Total number of job runs by type and final status",
		},
		[]string{"type", "status"},
	)

	JobRunsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netraven_job_runs_active",
			Help: "Number of job runs currently executing",
		},
	)

	JobRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "netraven_job_run_duration_seconds",
			Help:    "End-to-end job run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"type"},
	)

	// Per-device metrics
	DeviceResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netraven_device_results_total",
			Help: "Total number of per-device results by status and failure reason",
		},
		[]string{"status", "reason"},
	)

	DeviceTaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netraven_device_task_duration_seconds",
			Help:    "Per-device task duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Credential metrics
	CredentialAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netraven_credential_attempts_total",
			Help: "Total number of credential attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Reachability metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netraven_probes_total",
			Help: "Total number of reachability probes by result",
		},
		[]string{"result"},
	)

	// Scheduler metrics
	SchedulerFiresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netraven_scheduler_fires_total",
			Help: "Total number of schedule fires by outcome",
		},
		[]string{"outcome"},
	)

	SchedulerFireLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "netraven_scheduler_fire_latency_seconds",
			Help:    "Delay between the computed fire time and the actual fire",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60},
		},
	)

	// Artifact metrics
	ArtifactsStoredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netraven_artifacts_stored_total",
			Help: "Total number of artifact writes by dedup outcome",
		},
		[]string{"outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(JobRunsTotal)
	prometheus.MustRegister(JobRunsActive)
	prometheus.MustRegister(JobRunDuration)
	prometheus.MustRegister(DeviceResultsTotal)
	prometheus.MustRegister(DeviceTaskDuration)
	prometheus.MustRegister(CredentialAttemptsTotal)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(SchedulerFiresTotal)
	prometheus.MustRegister(SchedulerFireLatency)
	prometheus.MustRegister(ArtifactsStoredTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
