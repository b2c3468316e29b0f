// Package metrics provides Prometheus metrics for monitoring the scheduler.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsReleased = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtsched_jobs_released_total",
			Help: "Total number of job instances released",
		},
		[]string{"task"},
	)
	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtsched_jobs_completed_total",
			Help: "Total number of job instances run to completion",
		},
		[]string{"task"},
	)
	DeadlineViolations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtsched_violations_total",
			Help: "Total number of runtime violations by kind",
		},
		[]string{"task", "kind"},
	)
	Preemptions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtsched_preemptions_total",
			Help: "Total number of times a running job was preempted",
		},
		[]string{"task"},
	)
	JobLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtsched_job_latency_seconds",
			Help:    "Release to completion latency of job instances",
			Buckets: []float64{.0001, .00025, .0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"task"},
	)
	ReleaseJitter = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtsched_release_jitter_stddev_seconds",
			Help: "Standard deviation of the actual release period from the nominal one",
		},
		[]string{"task"},
	)
	ReadyQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtsched_ready_queue_depth",
			Help: "Current number of jobs waiting in the ready queue",
		},
	)
	TasksRegistered = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rtsched_tasks_registered",
			Help: "Current number of admitted tasks",
		},
	)
	Utilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtsched_utilization",
			Help: "Total processor utilization of the admitted task set",
		},
		[]string{"policy"},
	)
	AdmissionRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtsched_admission_rejected_total",
			Help: "Total number of rejected task registrations",
		},
		[]string{"reason"},
	)
	AdmissionWarnings = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rtsched_admission_warnings_total",
			Help: "Total number of registrations admitted above the rate-monotonic bound",
		},
	)
	TickDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rtsched_tick_duration_seconds",
			Help:    "Wall-clock time spent inside one scheduler tick",
			Buckets: []float64{.00001, .000025, .00005, .0001, .00025, .0005, .001, .0025, .005, .01},
		},
	)
	TickOverruns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rtsched_tick_overruns_total",
			Help: "Total number of control loop ticks that started late by more than one quantum",
		},
	)
	SamplesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtsched_samples_dropped_total",
			Help: "Total number of timing samples dropped because a sink was full",
		},
		[]string{"sink"},
	)
	AlertsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rtsched_alerts_sent_total",
			Help: "Total number of violation alerts delivered",
		},
	)
	AlertsSuppressed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rtsched_alerts_suppressed_total",
			Help: "Total number of violation alerts dropped by rate limiting",
		},
	)
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtsched_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtsched_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func RecordRelease(task string) {
	JobsReleased.WithLabelValues(task).Inc()
}

func RecordCompletion(task string, latency time.Duration) {
	JobsCompleted.WithLabelValues(task).Inc()
	JobLatency.WithLabelValues(task).Observe(latency.Seconds())
}

func RecordViolation(task, kind string) {
	DeadlineViolations.WithLabelValues(task, kind).Inc()
}

func RecordPreemption(task string) {
	Preemptions.WithLabelValues(task).Inc()
}

func UpdateJitter(task string, stddev time.Duration) {
	ReleaseJitter.WithLabelValues(task).Set(stddev.Seconds())
}

func ForgetTask(task string) {
	JobsReleased.DeleteLabelValues(task)
	JobsCompleted.DeleteLabelValues(task)
	Preemptions.DeleteLabelValues(task)
	JobLatency.DeleteLabelValues(task)
	ReleaseJitter.DeleteLabelValues(task)
	DeadlineViolations.DeletePartialMatch(prometheus.Labels{"task": task})
}

func UpdateReadyQueueDepth(depth int) {
	ReadyQueueDepth.Set(float64(depth))
}

func UpdateTaskSet(count int, policy string, utilization float64) {
	TasksRegistered.Set(float64(count))
	Utilization.Reset()
	Utilization.WithLabelValues(policy).Set(utilization)
}

func RecordAdmissionRejected(reason string) {
	AdmissionRejected.WithLabelValues(reason).Inc()
}

func RecordAdmissionWarning() {
	AdmissionWarnings.Inc()
}

func RecordTick(duration time.Duration) {
	TickDuration.Observe(duration.Seconds())
}

func RecordTickOverrun() {
	TickOverruns.Inc()
}

func RecordSampleDropped(sink string) {
	SamplesDropped.WithLabelValues(sink).Inc()
}

func RecordAlertSent() {
	AlertsSent.Inc()
}

func RecordAlertSuppressed() {
	AlertsSuppressed.Inc()
}

func RecordHTTPRequest(method, endpoint, status string, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, endpoint, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}
