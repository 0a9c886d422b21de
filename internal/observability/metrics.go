package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the vault service.
type Metrics struct {
	// Vault operations
	OpsApplied  *prometheus.CounterVec
	OpsRejected *prometheus.CounterVec
	OpDuration  *prometheus.HistogramVec

	// Vault state
	NAV              prometheus.Gauge
	TotalAssets      prometheus.Gauge
	ShareSupply      prometheus.Gauge
	OnHandBalance    prometheus.Gauge
	Paused           prometheus.Gauge
	RecordSequence   prometheus.Gauge
	SignificantMoves prometheus.Counter

	// NAV feed ingestion
	NAVUpdatesIngested  prometheus.Counter
	NAVUpdatesMalformed prometheus.Counter

	// Persistence
	PersistEventsWritten prometheus.Counter
	PersistBatchSize     prometheus.Histogram
	PersistBatchDur      prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistRetry         prometheus.Counter
	PersistLastSequence  prometheus.Gauge

	// Snapshot
	SnapshotTaken     prometheus.Counter
	SnapshotDuration  prometheus.Histogram
	SnapshotSizeBytes prometheus.Gauge
	SnapshotLastSeq   prometheus.Gauge

	// Outbound publishing
	PublishDrops  prometheus.Counter
	PublishErrors prometheus.Counter

	// HTTP API
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	httpBuckets := []float64{
		0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005,
		0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	}

	return &Metrics{
		OpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ops_applied_total",
			Help: "Vault operations applied successfully",
		}, []string{"operation"}),

		OpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_ops_rejected_total",
			Help: "Vault operations rejected (bounds, timing, permission, liquidity)",
		}, []string{"operation", "reason"}),

		OpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_op_duration_seconds",
			Help:    "Time spent inside the vault critical section per operation",
			Buckets: latencyBuckets,
		}, []string{"operation"}),

		NAV: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_nav",
			Help: "Current net asset value per share, in whole units",
		}),

		TotalAssets: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_total_managed_assets",
			Help: "Total assets under management, in whole units",
		}),

		ShareSupply: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_share_supply",
			Help: "Total share supply, in whole units",
		}),

		OnHandBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_on_hand_balance",
			Help: "Asset balance held in vault custody, in whole units",
		}),

		Paused: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_paused",
			Help: "1 when user-facing operations are halted",
		}),

		RecordSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_record_sequence",
			Help: "Last record sequence assigned by the vault",
		}),

		SignificantMoves: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_significant_nav_moves_total",
			Help: "NAV updates that crossed the quiet-period threshold",
		}),

		NAVUpdatesIngested: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_nav_updates_ingested_total",
			Help: "NAV update messages consumed from the feed",
		}),

		NAVUpdatesMalformed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_nav_updates_malformed_total",
			Help: "NAV feed messages that failed to parse",
		}),

		PersistEventsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_events_written_total",
			Help: "Records written to the event log",
		}),

		PersistBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_size",
			Help:    "Records per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_persist_batch_duration_seconds",
			Help:    "Time to flush one persistence batch",
			Buckets: httpBuckets,
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_persist_errors_total",
			Help: "Persistence failures by kind",
		}, []string{"kind"}),

		PersistRetry: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_persist_retries_total",
			Help: "Persistence batch retry attempts",
		}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_persist_last_sequence",
			Help: "Highest record sequence durably written",
		}),

		SnapshotTaken: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_snapshots_taken_total",
			Help: "State snapshots written",
		}),

		SnapshotDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "vault_snapshot_duration_seconds",
			Help:    "Time to serialize and write one snapshot",
			Buckets: httpBuckets,
		}),

		SnapshotSizeBytes: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_size_bytes",
			Help: "Size of the last snapshot",
		}),

		SnapshotLastSeq: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "vault_snapshot_last_sequence",
			Help: "Record sequence covered by the last snapshot",
		}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_drops_total",
			Help: "Outbound records dropped because the publish buffer was full",
		}),

		PublishErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "vault_publish_errors_total",
			Help: "Outbound publish failures",
		}),

		HTTPRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_http_requests_total",
			Help: "HTTP API requests by route and status",
		}, []string{"route", "status"}),

		HTTPDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_http_request_duration_seconds",
			Help:    "HTTP API request latency",
			Buckets: httpBuckets,
		}, []string{"route"}),
	}
}
