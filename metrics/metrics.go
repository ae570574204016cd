// Package metrics exposes the runtime's Prometheus instrumentation: the
// franz-go client metrics via the kprom hook, plus checkpoint, recovery,
// and skipped-record gauges owned by this library.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twmb/franz-go/plugin/kprom"
)

// Metrics bundles one registry per application instance. Kafka is the
// kprom hook to pass into every kgo client via kgo.WithHooks.
type Metrics struct {
	registry *prometheus.Registry

	// Kafka collects the franz-go client metrics (buffered records,
	// produced/fetched bytes, request latencies).
	Kafka *kprom.Metrics

	// CheckpointDuration observes the wall time of each successful
	// checkpoint commit.
	CheckpointDuration prometheus.Histogram
	// CheckpointRecords observes how many records each checkpoint
	// covered.
	CheckpointRecords prometheus.Histogram
	// RecoveryLag reports, per (store, partition), how many changelog
	// records a replay still has to apply; 0 once recovery completes.
	RecoveryLag *prometheus.GaugeVec
	// SkippedRecords counts records a deserializer told the loop to
	// ignore, so silent data loss is alertable rather than log-only.
	SkippedRecords prometheus.Counter
}

// New builds a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Kafka:    kprom.NewMetrics(namespace, kprom.Registry(reg)),
		CheckpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_duration_seconds",
			Help:      "Wall time of successful checkpoint commits.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		CheckpointRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_records",
			Help:      "Input records covered by each checkpoint.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
		}),
		RecoveryLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_lag_records",
			Help:      "Changelog records remaining to replay per store partition.",
		}, []string{"store", "partition"}),
		SkippedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "skipped_records_total",
			Help:      "Records ignored on a deserializer's skip signal.",
		}),
	}
	reg.MustRegister(m.CheckpointDuration, m.CheckpointRecords, m.RecoveryLag, m.SkippedRecords)
	return m
}

// Registry returns the registry backing this instance, for mounting on an
// HTTP handler or scraping in tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveCheckpoint records one successful checkpoint commit.
func (m *Metrics) ObserveCheckpoint(d time.Duration, records int) {
	m.CheckpointDuration.Observe(d.Seconds())
	m.CheckpointRecords.Observe(float64(records))
}

// ReportRecoveryLag implements the store recoverer's lag callback.
func (m *Metrics) ReportRecoveryLag(storeName string, partition int32, lag float64) {
	m.RecoveryLag.WithLabelValues(storeName, strconv.Itoa(int(partition))).Set(lag)
}
