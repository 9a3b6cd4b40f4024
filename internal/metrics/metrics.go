package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ProviderAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxsync_provider_api_calls_total",
			Help: "Total provider API calls",
		},
		[]string{"provider", "status"},
	)

	ProviderAPILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wxsync_provider_api_latency_seconds",
			Help:    "Provider API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	StoreAPICalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxsync_store_api_calls_total",
			Help: "Total record store API calls",
		},
		[]string{"op", "status"},
	)

	RecordsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wxsync_records_reconciled_total",
			Help: "Reconciliation decisions by outcome",
		},
		[]string{"outcome"},
	)

	ChunkRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wxsync_chunk_retries_total",
			Help: "Chunk fetches retried after transient failures",
		},
	)

	ChunksCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "wxsync_chunks_completed_total",
			Help: "Chunks fully reconciled and committed",
		},
	)

	DriftWorstStatus = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "wxsync_drift_worst_status",
			Help: "Worst drift status of the last check (0=ok, 1=warn, 2=fail)",
		},
	)
)
