// Package metrics provides Prometheus metrics for workflow runs, the result cache and the HTTP API.
package metrics

import (
	"time"

	"github.com/nadmax/creatorq/internal/task"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TasksSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creatorq_tasks_submitted_total",
			Help: "Total number of tasks submitted",
		},
		[]string{"workflow", "cached"},
	)
	TasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creatorq_tasks_completed_total",
			Help: "Total number of tasks completed successfully",
		},
		[]string{"workflow"},
	)
	TasksFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creatorq_tasks_failed_total",
			Help: "Total number of tasks that failed",
		},
		[]string{"workflow", "kind"},
	)
	TasksByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "creatorq_tasks",
			Help: "Current number of registered tasks by status",
		},
		[]string{"status", "workflow"},
	)
	TaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creatorq_task_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"workflow", "status"},
	)
	FetchAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creatorq_fetch_attempts_total",
			Help: "Total number of upstream fetch attempts by stage and outcome",
		},
		[]string{"stage", "outcome"},
	)
	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creatorq_fetch_retries_total",
			Help: "Total number of upstream fetch retries",
		},
		[]string{"stage"},
	)
	FetchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creatorq_fetch_duration_seconds",
			Help:    "Single upstream fetch attempt duration in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creatorq_cache_lookups_total",
			Help: "Total number of cache lookups by workflow and result",
		},
		[]string{"workflow", "result"},
	)
	CacheEntries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "creatorq_cache_entries",
			Help: "Current number of live cache entries",
		},
	)
	CacheEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creatorq_cache_evictions_total",
			Help: "Total number of cache entries removed by clear or sweep",
		},
		[]string{"reason"},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "creatorq_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "creatorq_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
	RunsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "creatorq_runs_in_flight",
			Help: "Number of workflow runs currently executing",
		},
	)
)

func RecordTaskSubmitted(workflow string, cached bool) {
	label := "false"
	if cached {
		label = "true"
	}
	TasksSubmitted.WithLabelValues(workflow, label).Inc()
}

func RecordTaskCompleted(workflow string, duration time.Duration) {
	TasksCompleted.WithLabelValues(workflow).Inc()
	TaskDuration.WithLabelValues(workflow, "completed").Observe(duration.Seconds())
}

func RecordTaskFailed(workflow string, kind task.ErrorKind, duration time.Duration) {
	TasksFailed.WithLabelValues(workflow, string(kind)).Inc()
	TaskDuration.WithLabelValues(workflow, "failed").Observe(duration.Seconds())
}

// RecordFetchAttempt counts one Fetcher call; outcome is "success", "transient" or "permanent".
func RecordFetchAttempt(stage, outcome string, duration time.Duration) {
	FetchAttempts.WithLabelValues(stage, outcome).Inc()
	FetchDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

func RecordFetchRetried(stage string) {
	FetchRetries.WithLabelValues(stage).Inc()
}

func RecordCacheHit(workflow string) {
	CacheLookups.WithLabelValues(workflow, "hit").Inc()
}

func RecordCacheMiss(workflow string) {
	CacheLookups.WithLabelValues(workflow, "miss").Inc()
}

func RecordCacheEvictions(reason string, count int) {
	CacheEvictions.WithLabelValues(reason).Add(float64(count))
}

func UpdateTaskGauges(tasksByStatus map[task.TaskStatus]map[string]int) {
	TasksByStatus.Reset()
	for status, workflows := range tasksByStatus {
		for workflow, count := range workflows {
			TasksByStatus.WithLabelValues(string(status), workflow).Set(float64(count))
		}
	}
}

func UpdateCacheEntries(count int) {
	CacheEntries.Set(float64(count))
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
