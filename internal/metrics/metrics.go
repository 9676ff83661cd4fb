// Package metrics exposes Prometheus collectors for the sync worker.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Error stages.
const (
	StageSync   = "sync"
	StageDetect = "detect"
)

// Metrics groups the worker collectors. A nil *Metrics records nothing.
type Metrics struct {
	inserted     prometheus.Counter
	deviceErrors *prometheus.CounterVec
	opened       prometheus.Counter
	ended        *prometheus.CounterVec
	tick         prometheus.Histogram
	skipped      *prometheus.CounterVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		inserted: f.NewCounter(prometheus.CounterOpts{
			Name: "saunalog_sync_inserted_total",
			Help: "Measurements inserted by the sync engine.",
		}),
		deviceErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saunalog_device_errors_total",
			Help: "Per-device failures by stage and kind.",
		}, []string{"stage", "kind"}),
		opened: f.NewCounter(prometheus.CounterOpts{
			Name: "saunalog_sessions_opened_total",
			Help: "Sessions opened by the detector.",
		}),
		ended: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saunalog_sessions_ended_total",
			Help: "Sessions finalized, by reason.",
		}, []string{"reason"}),
		tick: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "saunalog_tick_duration_seconds",
			Help:    "Wall time of one worker tick.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saunalog_devices_skipped_total",
			Help: "Devices skipped during a tick, by reason.",
		}, []string{"reason"}),
	}
}

func (m *Metrics) SyncInserted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.inserted.Add(float64(n))
}

func (m *Metrics) DeviceError(stage, kind string) {
	if m == nil {
		return
	}
	m.deviceErrors.WithLabelValues(stage, kind).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.opened.Inc()
}

func (m *Metrics) SessionEnded(reason string) {
	if m == nil {
		return
	}
	m.ended.WithLabelValues(reason).Inc()
}

func (m *Metrics) ObserveTick(d time.Duration) {
	if m == nil {
		return
	}
	m.tick.Observe(d.Seconds())
}

func (m *Metrics) DeviceSkipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}
