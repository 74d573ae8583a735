package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Task outcome labels.
const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
	StatusBlocked = "blocked"
)

type moduleMetrics struct {
	queueSize      prometheus.Gauge
	enqueueTotal   *prometheus.CounterVec
	completedTotal *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	rejectedTotal  prometheus.Counter

	uploadedEvents  *prometheus.CounterVec
	breakerOpen     prometheus.Gauge
	breakerFailures prometheus.Gauge

	bufferLength     prometheus.Gauge
	committedTotal   *prometheus.CounterVec
	policyFiredTotal *prometheus.CounterVec

	snapshotWriteTotal    *prometheus.CounterVec
	snapshotWriteDuration prometheus.Histogram
	recoveriesTotal       *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "beacon_upload_queue_size",
					Help: "Upload tasks waiting in the queue.",
				},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "beacon_upload_enqueue_total",
					Help: "Total upload tasks enqueued by kind.",
				},
				[]string{"kind"},
			),
			completedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "beacon_upload_completed_total",
					Help: "Total upload tasks finished by kind and status.",
				},
				[]string{"kind", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "beacon_upload_duration_seconds",
					Help:    "Upload task duration in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			rejectedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "beacon_upload_rejected_total",
					Help: "Upload tasks rejected because the queue was full.",
				},
			),
			uploadedEvents: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "beacon_uploaded_events_total",
					Help: "Events delivered to the collector by kind.",
				},
				[]string{"kind"},
			),
			breakerOpen: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "beacon_breaker_open",
					Help: "Upload circuit breaker state (1 open, 0 closed).",
				},
			),
			breakerFailures: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "beacon_breaker_failures",
					Help: "Consecutive upload failures counted by the breaker.",
				},
			),
			bufferLength: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "beacon_event_buffer_length",
					Help: "Events currently buffered in the live session.",
				},
			),
			committedTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "beacon_events_committed_total",
					Help: "Events committed to the live session by event kind.",
				},
				[]string{"event_kind"},
			),
			policyFiredTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "beacon_policy_fired_total",
					Help: "Flush policies that triggered an upload, by policy name.",
				},
				[]string{"policy"},
			),
			snapshotWriteTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "beacon_snapshot_write_total",
					Help: "Durable snapshot writes by status.",
				},
				[]string{"status"},
			),
			snapshotWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "beacon_snapshot_write_duration_seconds",
					Help:    "Durable snapshot write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			recoveriesTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "beacon_recoveries_total",
					Help: "Previous-session recoveries by outcome.",
				},
				[]string{"outcome"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.completedTotal,
			m.taskDuration,
			m.rejectedTotal,
			m.uploadedEvents,
			m.breakerOpen,
			m.breakerFailures,
			m.bufferLength,
			m.committedTotal,
			m.policyFiredTotal,
			m.snapshotWriteTotal,
			m.snapshotWriteDuration,
			m.recoveriesTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordQueueEnqueue(kind string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(kind).Inc()
	m.queueSize.Set(float64(queueSize))
}

func RecordQueueRejected() {
	getMetrics().rejectedTotal.Inc()
}

func SetQueueSize(queueSize int) {
	getMetrics().queueSize.Set(float64(queueSize))
}

func RecordQueueCompletion(kind, status string, duration time.Duration, sent int, queueSize int) {
	m := getMetrics()
	m.completedTotal.WithLabelValues(kind, status).Inc()
	m.taskDuration.WithLabelValues(kind).Observe(duration.Seconds())
	m.queueSize.Set(float64(queueSize))
	if status == StatusSuccess && sent > 0 {
		m.uploadedEvents.WithLabelValues(kind).Add(float64(sent))
	}
}

func SetBreakerState(open bool, failures int) {
	m := getMetrics()
	value := 0.0
	if open {
		value = 1.0
	}
	m.breakerOpen.Set(value)
	m.breakerFailures.Set(float64(failures))
}

func RecordCommit(eventKind string, buffered int) {
	m := getMetrics()
	m.committedTotal.WithLabelValues(eventKind).Inc()
	m.bufferLength.Set(float64(buffered))
}

func SetBufferLength(buffered int) {
	getMetrics().bufferLength.Set(float64(buffered))
}

func RecordPolicyFired(policy string) {
	getMetrics().policyFiredTotal.WithLabelValues(policy).Inc()
}

func RecordSnapshotWrite(duration time.Duration, success bool) {
	m := getMetrics()
	status := StatusError
	if success {
		status = StatusSuccess
	}
	m.snapshotWriteTotal.WithLabelValues(status).Inc()
	m.snapshotWriteDuration.Observe(duration.Seconds())
}

func RecordRecovery(outcome string) {
	getMetrics().recoveriesTotal.WithLabelValues(outcome).Inc()
}
