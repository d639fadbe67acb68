package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// API Metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// Job Metrics
	JobsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_started_total",
			Help: "Total number of generation jobs dispatched",
		},
	)

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_finished_total",
			Help: "Total number of generation jobs by terminal state",
		},
		[]string{"state"},
	)

	ActiveJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_jobs_active",
			Help: "Number of generation jobs currently running",
		},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_job_duration_seconds",
			Help:    "Generation job duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
		[]string{"content_type"},
	)

	ChunksStreamed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_chunks_streamed_total",
			Help: "Total number of output chunks pushed to delivery",
		},
	)

	// Delivery Metrics
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_delivery_sessions_active",
			Help: "Number of attached delivery sessions",
		},
	)

	SessionResumes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_delivery_session_resumes_total",
			Help: "Total number of sessions that reattached with a resume position",
		},
	)

	// Quota Metrics
	QuotaRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_quota_rejections_total",
			Help: "Total number of jobs rejected for exhausted quota",
		},
	)

	QuotaReservations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_quota_reservations_total",
			Help: "Total number of quota reservations by settlement",
		},
		[]string{"settlement"},
	)

	// Token Authority Metrics
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_tokens_issued_total",
			Help: "Total number of tokens issued",
		},
		[]string{"type"},
	)

	TokenReplays = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_token_replays_total",
			Help: "Total number of detected refresh token replays",
		},
	)

	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_auth_failures_total",
			Help: "Total number of rejected authentications",
		},
		[]string{"reason"},
	)

	// Error Metrics
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_errors_total",
			Help: "Total number of errors",
		},
		[]string{"component", "error_type"},
	)
)

// RecordHTTPRequest records an HTTP request
func RecordHTTPRequest(method, endpoint, status string, duration float64) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordJobFinished records a terminal job state with its duration
func RecordJobFinished(state, contentType string, duration float64) {
	JobsFinished.WithLabelValues(state).Inc()
	JobDuration.WithLabelValues(contentType).Observe(duration)
}

// RecordAuthFailure records a rejected authentication
func RecordAuthFailure(reason string) {
	AuthFailures.WithLabelValues(reason).Inc()
}

// RecordError records an error
func RecordError(component, errorType string) {
	ErrorsTotal.WithLabelValues(component, errorType).Inc()
}
