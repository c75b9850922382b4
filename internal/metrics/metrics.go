package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipthreat_cache_hits_total",
		Help: "Cache hits by namespace",
	}, []string{"namespace"})
	CacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipthreat_cache_misses_total",
		Help: "Cache misses by namespace",
	}, []string{"namespace"})
	CacheInvalidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipthreat_cache_invalidated_keys_total",
		Help: "Keys removed by prefix invalidation",
	}, []string{"prefix"})

	BackendFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipthreat_backend_fallbacks_total",
		Help: "Operations served by the secondary backend after a primary failure",
	}, []string{"op"})
	BackendUnavailable = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipthreat_backend_unavailable_total",
		Help: "Operations for which every backend failed",
	}, []string{"op"})

	ImportedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipthreat_imported_records_total",
		Help: "Records upserted by source",
	}, []string{"source"})
	RejectedRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipthreat_rejected_records_total",
		Help: "Candidate records rejected during validation by source",
	}, []string{"source"})
	ImportBatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipthreat_import_batch_failures_total",
		Help: "Import batches that failed to persist",
	})

	Searches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipthreat_searches_total",
		Help: "Point lookups by outcome",
	}, []string{"outcome"})
	SearchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ipthreat_search_duration_seconds",
		Help:    "Point lookup latency including cache",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	})

	SweepDeactivated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ipthreat_sweep_deactivated_total",
		Help: "Records deactivated by the expiration sweep",
	})
	SweepRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ipthreat_sweep_runs_total",
		Help: "Expiration sweep executions by status",
	}, []string{"status"})
	ActiveRecords = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ipthreat_active_records",
		Help: "Active canonical records after the last sweep",
	})
)

// Handler exposes the default registry for scraping.
func Handler() http.Handler { return promhttp.Handler() }
