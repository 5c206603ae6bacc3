package telemetry

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/invoicesync-backend/pkg/enums"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

const collectTimeout = 5 * time.Second

// Collector exports the latest snapshot as gauges on every scrape.
type Collector struct {
	source Source
	window time.Duration
	logg   *logger.Logger

	successRate *prometheus.Desc
	attempts    *prometheus.Desc
	errorClass  *prometheus.Desc
	queueDepth  *prometheus.Desc
	pending     *prometheus.Desc
	exhausted   *prometheus.Desc
	oldestAge   *prometheus.Desc
	staleLocks  *prometheus.Desc
}

// NewCollector wraps source; register the result on a prometheus.Registerer.
func NewCollector(source Source, window time.Duration, logg *logger.Logger) *Collector {
	desc := func(name, help string, labels ...string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("invoicesync", "retry_telemetry", name), help, labels, nil)
	}
	return &Collector{
		source:      source,
		window:      window,
		logg:        logg,
		successRate: desc("success_rate", "Share of attempts accepted over the trailing window."),
		attempts:    desc("window_attempts", "Attempts made over the trailing window."),
		errorClass:  desc("window_error_class_attempts", "Failed attempts per error class over the trailing window.", "error_class"),
		queueDepth:  desc("queue_depth", "Records eligible for retry right now."),
		pending:     desc("pending_retries", "Failed records still below their retry ceiling."),
		exhausted:   desc("exhausted", "Failed records that reached their retry ceiling."),
		oldestAge:   desc("oldest_pending_age_seconds", "Age of the oldest record awaiting retry."),
		staleLocks:  desc("stale_locks", "Processing locks older than the stale threshold."),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.successRate
	ch <- c.attempts
	ch <- c.errorClass
	ch <- c.queueDepth
	ch <- c.pending
	ch <- c.exhausted
	ch <- c.oldestAge
	ch <- c.staleLocks
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), collectTimeout)
	defer cancel()
	snap, err := c.source.Snapshot(ctx, c.window)
	if err != nil {
		if c.logg != nil {
			c.logg.Error(ctx, "collect retry telemetry", err)
		}
		return
	}

	gauge := func(desc *prometheus.Desc, value float64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue, value, labels...)
	}
	gauge(c.successRate, snap.SuccessRate)
	gauge(c.attempts, float64(snap.Attempts))
	for _, class := range enums.ErrorClasses() {
		gauge(c.errorClass, float64(snap.ErrorClasses[string(class)]), string(class))
	}
	gauge(c.queueDepth, float64(snap.QueueDepth))
	gauge(c.pending, float64(snap.PendingRetries))
	gauge(c.exhausted, float64(snap.Exhausted))
	gauge(c.oldestAge, snap.OldestPendingAgeSeconds)
	gauge(c.staleLocks, float64(snap.StaleLocks))
}
