package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Responses counts intercepted responses by routing class and source (network|cache|alias|scan|fallback|placeholder|offline-page|not-found).
	Responses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_responses_total",
			Help: "Total number of intercepted responses",
		},
		[]string{"class", "source"},
	)

	// StoreFailures counts cache writes that failed and were skipped.
	StoreFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_cache_store_failures_total",
			Help: "Total number of failed cache writes",
		},
	)

	// Drains counts drain runs by result (success|failure).
	Drains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_drains_total",
			Help: "Total number of queue drains",
		},
		[]string{"result"},
	)

	// Deliveries counts per-record delivery attempts by result (success|failure).
	Deliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_deliveries_total",
			Help: "Total number of record delivery attempts",
		},
		[]string{"result"},
	)

	// QueuePending tracks records waiting for delivery, as of the last queue operation.
	QueuePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "offline_cache_queue_pending",
			Help: "Number of records waiting for delivery",
		},
	)

	// EvictedEntries counts cache entries removed by partition expiration, by partition.
	EvictedEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "offline_cache_evicted_entries_total",
			Help: "Total number of cache entries evicted by expiration",
		},
		[]string{"partition"},
	)

	// DeletedPartitions counts partitions removed during activation.
	DeletedPartitions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "offline_cache_deleted_partitions_total",
			Help: "Total number of stale cache partitions deleted",
		},
	)
)

// Result maps an error to the result label value.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
