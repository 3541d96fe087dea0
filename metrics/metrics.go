// Package metrics exposes the engine's Prometheus surface: download
// throughput, segment counters, ABR switches and session lifecycle
// events.
//
// Grounded in the metrics vocabulary of the pack's
// starsinc1708-TorrX torrent-engine (internal/metrics/metrics.go):
// one package-level var block of counters/gauges/histograms plus a
// Register(prometheus.Registerer) entrypoint, generalized from
// torrent/transcode metric names to HLS streaming ones.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SegmentsDownloadedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream_engine",
		Name:      "segments_downloaded_total",
		Help:      "Total segments successfully downloaded, by session.",
	}, []string{"session_id"})

	SegmentsSkippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream_engine",
		Name:      "segments_skipped_total",
		Help:      "Total segments skipped (404/Skip classification), by session.",
	}, []string{"session_id"})

	BytesDownloadedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream_engine",
		Name:      "bytes_downloaded_total",
		Help:      "Total segment bytes downloaded, by session.",
	}, []string{"session_id"})

	BandwidthEMABitsPerSecond = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stream_engine",
		Name:      "bandwidth_ema_bits_per_second",
		Help:      "Current bandwidth EMA per session.",
	}, []string{"session_id"})

	ABRVariantIndex = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stream_engine",
		Name:      "abr_variant_index",
		Help:      "Currently selected variant index per session.",
	}, []string{"session_id"})

	ABRSwitchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream_engine",
		Name:      "abr_switches_total",
		Help:      "Total ABR variant switches, by session.",
	}, []string{"session_id"})

	FetchRetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream_engine",
		Name:      "fetch_retries_total",
		Help:      "Total fetch retry attempts, by status classification.",
	}, []string{"classification"})

	FetchFatalTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream_engine",
		Name:      "fetch_fatal_total",
		Help:      "Total fatal fetch failures, by reason.",
	}, []string{"reason"})

	SegmentFetchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "stream_engine",
		Name:      "segment_fetch_duration_seconds",
		Help:      "Duration of successful segment fetches.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	})

	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "stream_engine",
		Name:      "active_sessions",
		Help:      "Number of sessions currently registered.",
	})

	SessionStateTransitionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream_engine",
		Name:      "session_state_transitions_total",
		Help:      "Total session state transitions by from/to state.",
	}, []string{"from", "to"})

	SegstoreUsedBytes = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "stream_engine",
		Name:      "segstore_used_bytes",
		Help:      "Bytes currently resident in a session's segment cache.",
	}, []string{"session_id"})

	AppendQueueQuotaExceededTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "stream_engine",
		Name:      "append_queue_quota_exceeded_total",
		Help:      "Total QuotaExceeded events handled by the append queue, by sub-queue kind.",
	}, []string{"kind"})
)

// Register attaches every collector to reg. Safe to call once per
// process; a second call against the same registerer panics, matching
// prometheus.Registerer's documented contract.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SegmentsDownloadedTotal,
		SegmentsSkippedTotal,
		BytesDownloadedTotal,
		BandwidthEMABitsPerSecond,
		ABRVariantIndex,
		ABRSwitchesTotal,
		FetchRetriesTotal,
		FetchFatalTotal,
		SegmentFetchDuration,
		ActiveSessions,
		SessionStateTransitionsTotal,
		SegstoreUsedBytes,
		AppendQueueQuotaExceededTotal,
	)
}
