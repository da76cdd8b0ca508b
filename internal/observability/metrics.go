package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	jobTotal    *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec
	jobTurns    prometheus.Histogram

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec
	fallbackTotal     *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	sessionRetryTotal     prometheus.Counter

	steeringDecisionTotal *prometheus.CounterVec
	pauseDuration         prometheus.Histogram

	laneQueueSize *prometheus.GaugeVec
	laneTaskTotal *prometheus.CounterVec

	abandonedJobsTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			jobTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "job_total",
					Help: "Total jobs by terminal status.",
				},
				[]string{"status"},
			),
			jobDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "job_duration_seconds",
					Help:    "Job duration in seconds by terminal status.",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
				},
				[]string{"status"},
			),
			jobTurns: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "job_turns",
					Help:    "Turns consumed per job.",
					Buckets: prometheus.LinearBuckets(1, 10, 15),
				},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_call_total",
					Help: "Total model call attempts by attempt kind and status.",
				},
				[]string{"kind", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model call duration in seconds by attempt kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			fallbackTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_fallback_total",
					Help: "Total capability fallbacks by reason.",
				},
				[]string{"reason"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			sessionRetryTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_retry_total",
					Help: "Total remote session recreation retries.",
				},
			),
			steeringDecisionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "steering_decision_total",
					Help: "Total steering arbiter decisions by canonical decision.",
				},
				[]string{"decision"},
			),
			pauseDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "run_pause_duration_seconds",
					Help:    "Time runs spend paused waiting for a resume directive.",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
				},
			),
			laneQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "lane_queue_size",
					Help: "Current queued task count by lane.",
				},
				[]string{"lane"},
			),
			laneTaskTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "lane_task_total",
					Help: "Total lane tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			abandonedJobsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "abandoned_jobs_total",
					Help: "Total stale jobs moved to ABANDONED by the janitor.",
				},
			),
		}

		prometheus.MustRegister(
			m.jobTotal,
			m.jobDuration,
			m.jobTurns,
			m.modelCallTotal,
			m.modelCallDuration,
			m.fallbackTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.sessionRetryTotal,
			m.steeringDecisionTotal,
			m.pauseDuration,
			m.laneQueueSize,
			m.laneTaskTotal,
			m.abandonedJobsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler exposes the prometheus scrape endpoint.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordJob records a finished job with its terminal status.
func RecordJob(status string, duration time.Duration, turns int) {
	m := getMetrics()
	m.jobTotal.WithLabelValues(status).Inc()
	m.jobDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.jobTurns.Observe(float64(turns))
}

// RecordModelCall records one model call attempt.
func RecordModelCall(kind string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "ok"
	if !success {
		status = "error"
	}
	m.modelCallTotal.WithLabelValues(kind, status).Inc()
	m.modelCallDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordFallback records a capability fallback transition.
func RecordFallback(reason string) {
	getMetrics().fallbackTotal.WithLabelValues(reason).Inc()
}

// RecordToolExecution records one tool execution.
func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "ok"
	if !success {
		status = "error"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// RecordSessionRetry records one remote session recreation retry.
func RecordSessionRetry() {
	getMetrics().sessionRetryTotal.Inc()
}

// RecordSteeringDecision records a canonical steering arbiter decision.
func RecordSteeringDecision(decision string) {
	getMetrics().steeringDecisionTotal.WithLabelValues(decision).Inc()
}

// RecordPause records how long a run sat paused.
func RecordPause(duration time.Duration) {
	getMetrics().pauseDuration.Observe(duration.Seconds())
}

// SetLaneQueueSize records the queued task count for a lane.
func SetLaneQueueSize(lane string, size int) {
	getMetrics().laneQueueSize.WithLabelValues(lane).Set(float64(size))
}

// RecordLaneTask records a lane task completion.
func RecordLaneTask(lane, status string) {
	getMetrics().laneTaskTotal.WithLabelValues(lane, status).Inc()
}

// RecordAbandonedJobs records jobs swept to ABANDONED.
func RecordAbandonedJobs(count int) {
	if count > 0 {
		getMetrics().abandonedJobsTotal.Add(float64(count))
	}
}
