// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus metrics for sessions. A nil *Metrics is valid and records nothing.

package control

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "contextshare"

// Round and task outcomes.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Metrics groups the collectors a session updates.
type Metrics struct {
	SegmentsCreated  prometheus.Counter
	SegmentsReleased prometheus.Counter
	SharedBytes      prometheus.Gauge
	Pending          prometheus.Gauge
	Rounds           *prometheus.CounterVec
	Tasks            *prometheus.CounterVec
	WorkerStarts     prometheus.Counter
	RoundDuration    prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SegmentsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shm",
			Name:      "segments_created_total",
			Help:      "Shared-memory segments created by sessions",
		}),
		SegmentsReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "shm",
			Name:      "segments_released_total",
			Help:      "Shared-memory segments released by sessions",
		}),
		SharedBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "shm",
			Name:      "shared_bytes",
			Help:      "Bytes of shared variables currently mapped by open sessions",
		}),
		Pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "pending_calls",
			Help:      "Deferred calls waiting for the next round",
		}),
		Rounds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rounds_total",
			Help:      "Evaluation rounds by outcome",
		}, []string{"outcome"}),
		Tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "tasks_total",
			Help:      "Dispatched calls by round outcome",
		}, []string{"outcome"}),
		WorkerStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pool",
			Name:      "worker_starts_total",
			Help:      "Worker processes started",
		}),
		RoundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "round_duration_seconds",
			Help:      "Wall time of evaluation rounds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
	}
	reg.MustRegister(
		m.SegmentsCreated,
		m.SegmentsReleased,
		m.SharedBytes,
		m.Pending,
		m.Rounds,
		m.Tasks,
		m.WorkerStarts,
		m.RoundDuration,
	)
	return m
}

// SegmentCreated records a new segment of n bytes; shared tells whether it
// backs a variable (as opposed to a function table).
func (m *Metrics) SegmentCreated(n int, shared bool) {
	if m == nil {
		return
	}
	m.SegmentsCreated.Inc()
	if shared {
		m.SharedBytes.Add(float64(n))
	}
}

// SegmentReleased undoes SegmentCreated.
func (m *Metrics) SegmentReleased(n int, shared bool) {
	if m == nil {
		return
	}
	m.SegmentsReleased.Inc()
	if shared {
		m.SharedBytes.Sub(float64(n))
	}
}

// SetPending records the queue length.
func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.Pending.Set(float64(n))
}

// WorkersStarted counts n new worker processes.
func (m *Metrics) WorkersStarted(n int) {
	if m == nil {
		return
	}
	m.WorkerStarts.Add(float64(n))
}

// RoundDone records one finished round of tasks calls.
func (m *Metrics) RoundDone(tasks int, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeOK
	if err != nil {
		outcome = OutcomeError
	}
	m.Rounds.WithLabelValues(outcome).Inc()
	m.Tasks.WithLabelValues(outcome).Add(float64(tasks))
	m.RoundDuration.Observe(took.Seconds())
}
