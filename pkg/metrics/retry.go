package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// RetryMetrics instruments the server-side retry orchestrator.
type RetryMetrics struct {
	attempts      *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lockSkipped   prometheus.Counter
	exhausted     prometheus.Counter
	panics        prometheus.Counter
}

// NewRetryMetrics registers the orchestrator metrics on the provided registerer.
func NewRetryMetrics(reg prometheus.Registerer) *RetryMetrics {
	if reg == nil {
		return &RetryMetrics{}
	}
	m := &RetryMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "attempts_total",
			Help:      "Delivery attempts made by the retry orchestrator, by outcome and error class.",
		}, []string{"outcome", "error_class"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one retry cycle.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}),
		lockSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "lock_skipped_total",
			Help:      "Candidates skipped because another worker held the processing lock.",
		}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "exhausted_total",
			Help:      "Records that reached their retry ceiling.",
		}),
		panics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "retry",
			Name:      "record_panics_total",
			Help:      "Per-record attempts that panicked and were recovered.",
		}),
	}
	reg.MustRegister(m.attempts, m.cycleDuration, m.lockSkipped, m.exhausted, m.panics)
	return m
}

// ObserveAttempt counts one attempt. errorClass is empty for accepted attempts.
func (m *RetryMetrics) ObserveAttempt(outcome, errorClass string) {
	if m == nil || m.attempts == nil {
		return
	}
	if errorClass == "" {
		errorClass = "none"
	}
	m.attempts.WithLabelValues(normalizeLabel(outcome), errorClass).Inc()
}

// ObserveCycle records the duration of one cycle.
func (m *RetryMetrics) ObserveCycle(duration time.Duration) {
	if m == nil || m.cycleDuration == nil {
		return
	}
	m.cycleDuration.Observe(duration.Seconds())
}

func (m *RetryMetrics) IncLockSkipped() {
	if m == nil || m.lockSkipped == nil {
		return
	}
	m.lockSkipped.Inc()
}

func (m *RetryMetrics) IncExhausted() {
	if m == nil || m.exhausted == nil {
		return
	}
	m.exhausted.Inc()
}

func (m *RetryMetrics) IncPanic() {
	if m == nil || m.panics == nil {
		return
	}
	m.panics.Inc()
}
