// Package metrics exposes the daemon's Prometheus instrumentation: block
// cache hit/miss counters, eviction counts, active mediator and
// descriptor gauges, and provenance write latency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "repeatfs",
		Subsystem: "blockcache",
		Name:      "hits_total",
		Help:      "Block reads served from the in-memory cache without touching a producer process.",
	})

	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "repeatfs",
		Subsystem: "blockcache",
		Name:      "misses_total",
		Help:      "Block reads that required pulling data from disk overflow or a producer process.",
	})

	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "repeatfs",
		Subsystem: "blockcache",
		Name:      "evictions_total",
		Help:      "Blocks flushed to disk to shrink the in-memory store back under its size budget.",
	})

	ActiveMediators = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "repeatfs",
		Subsystem: "procio",
		Name:      "active_mediators",
		Help:      "Virtual derived files with a currently running or buffered producer process.",
	})

	ActiveDescriptors = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "repeatfs",
		Subsystem: "descriptor",
		Name:      "open_descriptors",
		Help:      "Descriptors currently registered in the process-wide descriptor table.",
	})

	ProvenanceWriteLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "repeatfs",
		Subsystem: "provenance",
		Name:      "write_latency_seconds",
		Help:      "Latency of a single provenance record flush to the embedded store.",
		Buckets:   prometheus.DefBuckets,
	})

	GraphBuildLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "repeatfs",
		Subsystem: "provenance",
		Name:      "graph_build_latency_seconds",
		Help:      "Latency of building a causal graph backward from a target file.",
		Buckets:   prometheus.DefBuckets,
	})

	ReplayOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "repeatfs",
		Subsystem: "provenance",
		Name:      "replay_outcomes_total",
		Help:      "Replayed pipeline verification outcomes, labeled matched or mismatched.",
	}, []string{"outcome"})
)

// Registry collects every metric above for handing to an HTTP exporter.
func Registry() *prometheus.Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		CacheHits, CacheMisses, CacheEvictions,
		ActiveMediators, ActiveDescriptors,
		ProvenanceWriteLatency, GraphBuildLatency, ReplayOutcomes,
	)
	// A vector is only gathered once a label value exists.
	ReplayOutcomes.WithLabelValues("matched")
	ReplayOutcomes.WithLabelValues("mismatched")
	return r
}
