// Package metrics exposes Prometheus collectors for saves, loads and
// snapshots. A nil *Metrics records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const ResultSuccess = "success"

type Metrics struct {
	saveDuration prometheus.Histogram
	saveSize     prometheus.Gauge
	saves        *prometheus.CounterVec
	loadDuration prometheus.Histogram
	loads        *prometheus.CounterVec

	snapshotDuration    prometheus.Histogram
	snapshotSize        prometheus.Gauge
	snapshotTotal       prometheus.Counter
	snapshotFailures    prometheus.Counter
	lastSnapshotTime    prometheus.Gauge
	lastSnapshotSuccess prometheus.Gauge
	storageUsed         prometheus.Gauge
}

// New registers the collectors with the default registerer.
func New(namespace string) *Metrics {
	return NewWithRegisterer(namespace, prometheus.DefaultRegisterer)
}

func NewWithRegisterer(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "keste"
	}

	m := &Metrics{
		saveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Duration of workbook saves in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		saveSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "save_size_bytes",
			Help:      "Size of the last saved database file in bytes",
		}),
		saves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Total number of saves by result",
		}, []string{"result"}),
		loadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "load_duration_seconds",
			Help:      "Duration of workbook loads in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		loads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loads_total",
			Help:      "Total number of loads by result",
		}, []string{"result"}),
		snapshotDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Duration of snapshot operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}),
		snapshotSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "snapshot_size_bytes",
			Help:      "Size of the last snapshot dump in bytes",
		}),
		snapshotTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Total number of snapshots attempted",
		}),
		snapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Total number of failed snapshots",
		}),
		lastSnapshotTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_snapshot_timestamp",
			Help:      "Timestamp of the last snapshot attempt",
		}),
		lastSnapshotSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_snapshot_success",
			Help:      "Whether the last snapshot was successful (1) or not (0)",
		}),
		storageUsed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "storage_used_bytes",
			Help:      "Total storage used by all snapshots in bytes",
		}),
	}

	reg.MustRegister(
		m.saveDuration,
		m.saveSize,
		m.saves,
		m.loadDuration,
		m.loads,
		m.snapshotDuration,
		m.snapshotSize,
		m.snapshotTotal,
		m.snapshotFailures,
		m.lastSnapshotTime,
		m.lastSnapshotSuccess,
		m.storageUsed,
	)

	return m
}

// RecordSave counts one save. result is ResultSuccess or the failure kind.
func (m *Metrics) RecordSave(duration time.Duration, sizeBytes int64, result string) {
	if m == nil {
		return
	}
	m.saves.WithLabelValues(result).Inc()
	m.saveDuration.Observe(duration.Seconds())
	if result == ResultSuccess {
		m.saveSize.Set(float64(sizeBytes))
	}
}

func (m *Metrics) RecordLoad(duration time.Duration, result string) {
	if m == nil {
		return
	}
	m.loads.WithLabelValues(result).Inc()
	m.loadDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordSnapshotSuccess(duration time.Duration, sizeBytes int64) {
	if m == nil {
		return
	}
	m.snapshotTotal.Inc()
	m.snapshotDuration.Observe(duration.Seconds())
	m.snapshotSize.Set(float64(sizeBytes))
	m.lastSnapshotTime.SetToCurrentTime()
	m.lastSnapshotSuccess.Set(1)
}

func (m *Metrics) RecordSnapshotFailure() {
	if m == nil {
		return
	}
	m.snapshotTotal.Inc()
	m.snapshotFailures.Inc()
	m.lastSnapshotTime.SetToCurrentTime()
	m.lastSnapshotSuccess.Set(0)
}

func (m *Metrics) SetStorageUsed(bytes int64) {
	if m == nil {
		return
	}
	m.storageUsed.Set(float64(bytes))
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor serves the collectors of a private registry.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
