// Package metrics holds the Prometheus collectors exported by the cache
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	// FetchResult labels the outcome of a network fetch
	FetchResult string
)

const (
	FetchSucceeded    FetchResult = "succeeded"
	FetchFailed       FetchResult = "failed"
	FetchDecodeFailed FetchResult = "decode_failed"
	FetchCanceled     FetchResult = "canceled"
)

var (
	ImgcacheLookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgcache_lookups_total",
		Help: "The total number of cache lookups, labelled by the tier which answered them (memory, disk, none)",
	}, []string{"tier"})

	ImgcacheFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgcache_fetches_total",
		Help: "The total number of transport fetches, labelled by result",
	}, []string{"result"})

	ImgcacheBlacklistHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgcache_blacklist_hits_total",
		Help: "The number of requests answered from the failure blacklist without contacting the transport",
	})

	ImgcacheBlacklistEntries = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imgcache_blacklist_entries",
		Help: "The number of currently blacklisted keys",
	})

	ImgcacheInflightRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "imgcache_inflight_requests",
		Help: "The number of keys currently being looked up, fetched or decoded",
	})

	ImgcacheSchedulerJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "imgcache_scheduler_jobs",
		Help: "The number of download jobs in the scheduler, labelled by state (pending, running)",
	}, []string{"state"})

	ImgcacheMemoryEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "imgcache_memory_evictions_total",
		Help: "The number of entries evicted from the memory tier because of its capacity",
	})

	ImgcacheDiskErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "imgcache_disk_errors_total",
		Help: "The number of failed disk tier operations, labelled by operation (read, write, delete)",
	}, []string{"operation"})
)
