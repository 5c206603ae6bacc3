package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetrics instruments the client-side sync queue.
type SyncMetrics struct {
	items     *prometheus.CounterVec
	drains    *prometheus.CounterVec
	depth     prometheus.Gauge
	collected prometheus.Counter
}

// NewSyncMetrics registers the sync queue metrics on the provided registerer.
func NewSyncMetrics(reg prometheus.Registerer) *SyncMetrics {
	if reg == nil {
		return &SyncMetrics{}
	}
	m := &SyncMetrics{
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "items_total",
			Help:      "Queue items replayed, by result (synced, conflict, failed).",
		}, []string{"result"}),
		drains: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "drains_total",
			Help:      "Drain passes, by trigger.",
		}, []string{"trigger"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "queue_depth",
			Help:      "Items left in the local queue after the last drain.",
		}),
		collected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "garbage_collected_total",
			Help:      "Durably failed items removed by garbage collection.",
		}),
	}
	reg.MustRegister(m.items, m.drains, m.depth, m.collected)
	return m
}

func (m *SyncMetrics) IncItem(result string) {
	if m == nil || m.items == nil {
		return
	}
	m.items.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *SyncMetrics) IncDrain(trigger string) {
	if m == nil || m.drains == nil {
		return
	}
	m.drains.WithLabelValues(normalizeLabel(trigger)).Inc()
}

func (m *SyncMetrics) SetDepth(depth int64) {
	if m == nil || m.depth == nil {
		return
	}
	m.depth.Set(float64(depth))
}

func (m *SyncMetrics) AddCollected(n int64) {
	if m == nil || m.collected == nil || n <= 0 {
		return
	}
	m.collected.Add(float64(n))
}
