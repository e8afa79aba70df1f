package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Package-level collectors, registered automatically via promauto. The
// daemon exposes them on the /metrics endpoint; library users get them on
// the default registry.

var (
	// DeltasProcessed counts normalized deltas by operation and entity kind.
	DeltasProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vizgraph_deltas_processed_total",
			Help: "Total number of deltas normalized and offered to the reconciler",
		},
		[]string{"op", "kind"},
	)

	// DeltasMalformed counts wire payloads that failed normalization.
	DeltasMalformed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vizgraph_deltas_malformed_total",
			Help: "Total number of wire payloads dropped as malformed",
		},
	)

	// DeltasDuplicate counts already-applied sequences dropped silently.
	DeltasDuplicate = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vizgraph_deltas_duplicate_total",
			Help: "Total number of duplicate deltas dropped by the reconciler",
		},
	)

	// DeltasMerged counts deltas folded away by the dedup/merge engine.
	DeltasMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vizgraph_deltas_merged_total",
			Help: "Total number of deltas collapsed during batch merging",
		},
	)

	// BatchSize observes the size of flushed batches.
	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vizgraph_batch_size",
			Help:    "Number of deltas per flushed batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	// QueueDepth tracks the batcher's current queue depth.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vizgraph_queue_depth",
			Help: "Deltas waiting in the current unflushed batch",
		},
	)

	// SequenceCursor tracks the highest fully applied sequence.
	SequenceCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vizgraph_sequence_cursor",
			Help: "Highest delta sequence number fully applied",
		},
	)

	// SyncGaps counts gaps that exhausted their fetch retries.
	SyncGaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vizgraph_sync_gaps_total",
			Help: "Total number of unresolved sequence gaps",
		},
	)

	// CacheHits / CacheMisses track graph cache effectiveness.
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vizgraph_cache_hits_total",
			Help: "Total number of cache reads served from a live entry",
		},
	)
	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vizgraph_cache_misses_total",
			Help: "Total number of cache reads that fell through",
		},
	)

	// GraphNodes / GraphEdges track the authoritative graph size.
	GraphNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vizgraph_graph_nodes",
			Help: "Number of nodes in the authoritative graph",
		},
	)
	GraphEdges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vizgraph_graph_edges",
			Help: "Number of edges in the authoritative graph",
		},
	)

	// IndexRebuilds counts wholesale spatial index rebuilds.
	IndexRebuilds = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vizgraph_index_rebuilds_total",
			Help: "Total number of spatial index rebuilds",
		},
	)

	// RenderSetNodes / RenderSetEdges track the size of the last selection
	// handed to the renderer.
	RenderSetNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vizgraph_render_set_nodes",
			Help: "Nodes in the current render set",
		},
	)
	RenderSetEdges = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "vizgraph_render_set_edges",
			Help: "Edges in the current render set",
		},
	)
)
