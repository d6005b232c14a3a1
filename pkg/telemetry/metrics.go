package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics collects queue and catalog counters. Exposition is owned by the
// outer HTTP layer; this package only registers against the given registry.
type Metrics struct {
	JobsSubmitted *prometheus.CounterVec
	JobsReserved  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsExpired   *prometheus.CounterVec
	JobsCancelled *prometheus.CounterVec
	DedupeHits    *prometheus.CounterVec

	CatalogWorlds  prometheus.Gauge
	CatalogSwaps   prometheus.Counter
	SyncFailures   prometheus.Counter
	BlobDownloads  prometheus.Counter
	BlobCacheHits  prometheus.Counter
	BlobCorruption prometheus.Counter
}

// NewMetrics registers the lobby metric set on reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid default-registry collisions.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_jobs_submitted_total",
			Help: "Jobs accepted by submit, by queue.",
		}, []string{"queue"}),
		JobsReserved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_jobs_reserved_total",
			Help: "Jobs handed to workers, by queue.",
		}, []string{"queue"}),
		JobsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_jobs_completed_total",
			Help: "Terminal completions, by queue and outcome.",
		}, []string{"queue", "outcome"}),
		JobsExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_jobs_lease_expired_total",
			Help: "Leases reclaimed by the expire sweep, by queue.",
		}, []string{"queue"}),
		JobsCancelled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_jobs_cancelled_total",
			Help: "Jobs cancelled before completion, by queue.",
		}, []string{"queue"}),
		DedupeHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "lobby_jobs_dedupe_hits_total",
			Help: "Submits collapsed onto an existing job, by queue.",
		}, []string{"queue"}),
		CatalogWorlds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "lobby_catalog_worlds",
			Help: "Worlds in the published catalog snapshot.",
		}),
		CatalogSwaps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_catalog_swaps_total",
			Help: "Catalog snapshot publications.",
		}),
		SyncFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_index_sync_failures_total",
			Help: "Index repository sync failures.",
		}),
		BlobDownloads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_blob_downloads_total",
			Help: "Archive downloads performed by the blob cache.",
		}),
		BlobCacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_blob_cache_hits_total",
			Help: "Archive fetches served from the cache.",
		}),
		BlobCorruption: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "lobby_blob_corruption_total",
			Help: "Digest mismatches detected after re-fetch.",
		}),
	}
	reg.MustRegister(
		m.JobsSubmitted, m.JobsReserved, m.JobsCompleted, m.JobsExpired,
		m.JobsCancelled, m.DedupeHits,
		m.CatalogWorlds, m.CatalogSwaps, m.SyncFailures,
		m.BlobDownloads, m.BlobCacheHits, m.BlobCorruption,
	)
	return m
}

// NopMetrics returns a metric set registered on a private registry, safe
// for tests and for components constructed without observability wiring.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
