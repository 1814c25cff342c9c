package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	indexerOnce sync.Once
	indexerReg  *IndexerMetrics

	broadcasterOnce sync.Once
	broadcasterReg  *BroadcasterMetrics
)

// IndexerMetrics bundles collectors tracking log ingestion health.
type IndexerMetrics struct {
	logsIndexed        *prometheus.CounterVec
	decodeErrors       *prometheus.CounterVec
	pollFailures       prometheus.Counter
	droppedNotices     prometheus.Counter
	lastProcessedBlock prometheus.Gauge
}

// Indexer returns the lazily-initialised indexer metrics registry.
func Indexer() *IndexerMetrics {
	indexerOnce.Do(func() {
		indexerReg = &IndexerMetrics{
			logsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "domalend",
				Subsystem: "indexer",
				Name:      "logs_indexed_total",
				Help:      "Count of contract logs accepted into the projection, by event kind.",
			}, []string{"kind"}),
			decodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "domalend",
				Subsystem: "indexer",
				Name:      "decode_errors_total",
				Help:      "Count of logs dropped because they could not be decoded.",
			}, []string{"kind"}),
			pollFailures: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "domalend",
				Subsystem: "indexer",
				Name:      "poll_failures_total",
				Help:      "Count of failed tail-poll iterations.",
			}),
			droppedNotices: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "domalend",
				Subsystem: "indexer",
				Name:      "dropped_notices_total",
				Help:      "Count of loan notices dropped due to subscriber backpressure.",
			}),
			lastProcessedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "domalend",
				Subsystem: "indexer",
				Name:      "last_processed_block",
				Help:      "Height of the last fully processed block.",
			}),
		}
		prometheus.MustRegister(
			indexerReg.logsIndexed,
			indexerReg.decodeErrors,
			indexerReg.pollFailures,
			indexerReg.droppedNotices,
			indexerReg.lastProcessedBlock,
		)
	})
	return indexerReg
}

// RecordIndexed increments the accepted-log counter for a kind.
func (m *IndexerMetrics) RecordIndexed(kind string) {
	if m == nil {
		return
	}
	m.logsIndexed.WithLabelValues(labelKind(kind)).Inc()
}

// RecordDecodeError increments the dropped-log counter for a kind.
func (m *IndexerMetrics) RecordDecodeError(kind string) {
	if m == nil {
		return
	}
	m.decodeErrors.WithLabelValues(labelKind(kind)).Inc()
}

// RecordPollFailure counts one failed tail-poll iteration.
func (m *IndexerMetrics) RecordPollFailure() {
	if m == nil {
		return
	}
	m.pollFailures.Inc()
}

// RecordDroppedNotice counts one notice lost to backpressure.
func (m *IndexerMetrics) RecordDroppedNotice() {
	if m == nil {
		return
	}
	m.droppedNotices.Inc()
}

// RecordProcessedBlock updates the cursor gauge.
func (m *IndexerMetrics) RecordProcessedBlock(height uint64) {
	if m == nil {
		return
	}
	m.lastProcessedBlock.Set(float64(height))
}

// BroadcasterMetrics bundles collectors for valuation broadcast cycles.
type BroadcasterMetrics struct {
	cycles        prometheus.Counter
	submissions   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
}

// Broadcaster returns the lazily-initialised broadcaster metrics registry.
func Broadcaster() *BroadcasterMetrics {
	broadcasterOnce.Do(func() {
		broadcasterReg = &BroadcasterMetrics{
			cycles: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "domalend",
				Subsystem: "broadcaster",
				Name:      "cycles_total",
				Help:      "Count of completed valuation broadcast cycles.",
			}),
			submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "domalend",
				Subsystem: "broadcaster",
				Name:      "submissions_total",
				Help:      "Count of per-token broadcast outcomes.",
			}, []string{"outcome"}),
			cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "domalend",
				Subsystem: "broadcaster",
				Name:      "cycle_duration_seconds",
				Help:      "Latency distribution of full broadcast cycles.",
				Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
			}),
		}
		prometheus.MustRegister(
			broadcasterReg.cycles,
			broadcasterReg.submissions,
			broadcasterReg.cycleDuration,
		)
	})
	return broadcasterReg
}

// ObserveCycle records a completed cycle and its duration.
func (m *BroadcasterMetrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

// RecordOutcome counts one per-token result: "success", "failed" or "skipped".
func (m *BroadcasterMetrics) RecordOutcome(outcome string) {
	if m == nil {
		return
	}
	if outcome = strings.TrimSpace(outcome); outcome == "" {
		outcome = "unknown"
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func labelKind(kind string) string {
	trimmed := strings.TrimSpace(kind)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
