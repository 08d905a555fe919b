package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Write-back metrics, labelled by cache name ("inventory", "stats")
	FlushesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playerdata_flushes_total",
		Help: "The total number of confirmed record flushes",
	}, []string{"cache"})
	FlushFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playerdata_flush_failures_total",
		Help: "The total number of flushes that exhausted their retries",
	}, []string{"cache"})
	FlushRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playerdata_flush_retries_total",
		Help: "The total number of retried upsert attempts",
	}, []string{"cache"})
	RecoveredLoadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playerdata_recovered_loads_total",
		Help: "The total number of loads served from the pending cache",
	}, []string{"cache"})
	UpsertLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "playerdata_upsert_latency_seconds",
		Help:    "Latency of a flush including retries",
		Buckets: prometheus.DefBuckets,
	}, []string{"cache"})
	InFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playerdata_inflight_flushes",
		Help: "The number of entities currently being flushed",
	}, []string{"cache"})
	PendingRecords = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playerdata_pending_records",
		Help: "The number of records not yet confirmed durably stored",
	}, []string{"cache"})

	// Event adapter metrics
	EventsConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "playerdata_events_consumed_total",
		Help: "The total number of host events handled, by type",
	}, []string{"type"})
	EventsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playerdata_events_skipped_total",
		Help: "The total number of malformed host events skipped",
	})
	ConsumerLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "playerdata_consumer_lag",
		Help: "Host events behind the last one handled, by partition",
	}, []string{"partition"})
	MisroutedEventsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playerdata_misrouted_events_total",
		Help: "Host events whose key names a different entity than the payload",
	})
	ActiveEntities = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playerdata_active_entities",
		Help: "The number of currently active entities",
	})
)
