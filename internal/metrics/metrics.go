package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunsStarted counts runs accepted by the orchestrator, by workflow name.
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowd_runs_started_total",
			Help: "Total number of runs started",
		},
		[]string{"workflow"},
	)

	// RunsCompleted counts runs reaching a terminal status, by workflow and status.
	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowd_runs_completed_total",
			Help: "Total number of runs reaching a terminal status",
		},
		[]string{"workflow", "status"},
	)

	// ActiveRuns tracks the number of runs currently executing.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "workflowd_active_runs",
			Help: "Number of runs currently executing",
		},
	)

	// RunDuration tracks run wall-clock duration in seconds, from start to
	// terminal transition.
	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflowd_run_duration_seconds",
			Help:    "Run execution duration in seconds",
			Buckets: []float64{10, 30, 60, 300, 900, 1800, 3600, 7200},
		},
		[]string{"workflow", "status"},
	)

	// EventParseErrors counts malformed or oversize stream-json lines, by kind.
	EventParseErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowd_event_parse_errors_total",
			Help: "Total number of stream-json lines that failed to parse",
		},
		[]string{"kind"},
	)

	// StdoutLineBytes tracks the size distribution of child stdout lines.
	StdoutLineBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "workflowd_stdout_line_bytes",
			Help:    "Size in bytes of each stdout line read from a run's child process",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
	)

	// ReapedRuns counts runs force-terminated by the stuck-run reaper.
	ReapedRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowd_reaped_runs_total",
			Help: "Total number of runs terminated by the stuck-run reaper",
		},
		[]string{"outcome"},
	)

	// WebhookDeliveries counts webhook delivery attempts.
	WebhookDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowd_webhook_deliveries_total",
			Help: "Total number of webhook delivery attempts",
		},
		[]string{"status"},
	)

	// HTTPRequests counts total HTTP requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workflowd_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration tracks HTTP request duration.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "workflowd_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"method", "path"},
	)
)
