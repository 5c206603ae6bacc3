package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestRetryMetricsLabelsAttempts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRetryMetrics(reg)
	m.ObserveAttempt("accepted", "")
	m.ObserveAttempt("rejected", "validation")
	m.ObserveAttempt("rejected", "validation")
	m.ObserveCycle(2 * time.Second)
	m.IncLockSkipped()
	m.IncExhausted()

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := counterWithLabels(t, mfs, "invoicesync_retry_attempts_total", map[string]string{"outcome": "rejected", "error_class": "validation"}); got != 2 {
		t.Fatalf("expected 2 validation rejections, got %f", got)
	}
	if got := counterWithLabels(t, mfs, "invoicesync_retry_attempts_total", map[string]string{"outcome": "accepted", "error_class": "none"}); got != 1 {
		t.Fatalf("expected 1 accepted attempt, got %f", got)
	}
	if mf := findMetricFamily(mfs, "invoicesync_retry_cycle_duration_seconds"); mf == nil || mf.GetMetric()[0].GetHistogram().GetSampleCount() != 1 {
		t.Fatalf("expected one cycle observation")
	}
	if mf := findMetricFamily(mfs, "invoicesync_retry_exhausted_total"); mf == nil || mf.GetMetric()[0].GetCounter().GetValue() != 1 {
		t.Fatalf("expected exhausted counter")
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var retry *RetryMetrics
	retry.ObserveAttempt("accepted", "")
	retry.IncPanic()
	var sync *SyncMetrics
	sync.IncItem("synced")
	sync.SetDepth(3)
	unregistered := NewSyncMetrics(nil)
	unregistered.AddCollected(2)
}

func TestSyncMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewSyncMetrics(reg)
	m.IncItem("synced")
	m.IncDrain("reconnect")
	m.SetDepth(4)
	m.AddCollected(3)
	m.AddCollected(0)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := counterWithLabels(t, mfs, "invoicesync_sync_items_total", map[string]string{"result": "synced"}); got != 1 {
		t.Fatalf("expected synced=1, got %f", got)
	}
	if got := counterWithLabels(t, mfs, "invoicesync_sync_drains_total", map[string]string{"trigger": "reconnect"}); got != 1 {
		t.Fatalf("expected reconnect drain, got %f", got)
	}
	if mf := findMetricFamily(mfs, "invoicesync_sync_queue_depth"); mf == nil || mf.GetMetric()[0].GetGauge().GetValue() != 4 {
		t.Fatalf("expected depth gauge 4")
	}
	if mf := findMetricFamily(mfs, "invoicesync_sync_garbage_collected_total"); mf == nil || mf.GetMetric()[0].GetCounter().GetValue() != 3 {
		t.Fatalf("expected 3 collected")
	}
}

func counterWithLabels(t *testing.T, mfs []*dto.MetricFamily, name string, labels map[string]string) float64 {
	t.Helper()
	mf := findMetricFamily(mfs, name)
	if mf == nil {
		t.Fatalf("metric %q not found", name)
	}
	for _, metric := range mf.GetMetric() {
		matched := true
		for k, v := range labels {
			if !matchesLabel(metric.GetLabel(), k, v) {
				matched = false
				break
			}
		}
		if matched {
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %q missing labels %v", name, labels)
	return 0
}

func matchesLabel(labels []*dto.LabelPair, name, value string) bool {
	for _, label := range labels {
		if label.GetName() == name && label.GetValue() == value {
			return true
		}
	}
	return false
}
