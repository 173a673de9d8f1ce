package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "api_http_requests_total", Help: "HTTP requests"},
		[]string{"method", "path", "status"},
	)
	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	EnqueuedJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dispatch_enqueued_jobs_total", Help: "Jobs published to session queues"},
		[]string{"source"},
	)
	DuplicateJobsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "dispatch_duplicate_jobs_total", Help: "Enqueues skipped because the job id was already claimed"},
	)

	WorkerJobsConsumed = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_consumed_total", Help: "Jobs consumed"},
	)
	WorkerJobsSent = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_sent_total", Help: "Jobs sent successfully"},
	)
	WorkerJobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "worker_jobs_failed_total", Help: "Jobs failed"},
		[]string{"reason"},
	)
	WorkerJobsSkipped = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "worker_jobs_skipped_total", Help: "Jobs dropped because the message was no longer pending"},
	)
	WorkerProcessDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "worker_job_process_duration_seconds",
			Help:    "Time spent processing a job",
			Buckets: prometheus.DefBuckets,
		},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "monitor_active_sessions", Help: "Sessions observed active in the last monitor cycle"},
	)
	SessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "monitor_session_transitions_total", Help: "Observed session activity edges"},
		[]string{"direction"},
	)
	RedistributedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "recovery_redistributed_messages_total", Help: "Waiting messages requeued"},
	)
	RecoveredCampaignsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "recovery_recovered_campaigns_total", Help: "Stuck campaigns moved to a live session"},
	)
	BackgroundErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "background_errors_total", Help: "Errors swallowed by background loops"},
		[]string{"loop"},
	)
)

func init() {
	prometheus.MustRegister(
		APIRequestsTotal, APIRequestDuration,
		EnqueuedJobsTotal, DuplicateJobsTotal,
		WorkerJobsConsumed, WorkerJobsSent, WorkerJobsFailed, WorkerJobsSkipped, WorkerProcessDuration,
		ActiveSessions, SessionTransitions, RedistributedTotal, RecoveredCampaignsTotal, BackgroundErrorsTotal,
	)
}

func Handler() http.Handler { return promhttp.Handler() }
