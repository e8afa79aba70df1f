// Package engine provides the incremental graph synchronization and
// viewport-virtualization engine.
//
// It receives a continuous stream of add/update/remove deltas from a remote
// source, reconciles sequence gaps, folds redundant operations, applies them
// to an authoritative in-memory graph, and decides which subset of nodes and
// edges is visible at the current camera position and zoom, at what level of
// detail, feeding only that subset to the external renderer.
//
// Basic usage:
//
//	eng, err := engine.Open(engine.DefaultOptions(), fetcher, renderer)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Close()
//	eng.Ingest(rawDelta)
//	eng.SetCamera(cam)
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/calterras/vizgraph/pkg/core"
	"github.com/calterras/vizgraph/pkg/core/spatial"
	"github.com/calterras/vizgraph/pkg/metrics"
)

// Renderer is the external presentation layer. Render replaces the displayed
// set wholesale; the engine never reads render state back.
type Renderer interface {
	Render(RenderSet)
}

// SeedSource is the optional columnar backing store used only to warm the
// cache on cold start. Absence is tolerated: the engine falls back to the
// network sync.
type SeedSource interface {
	// QueryColumns returns stored column slices for the named view, keyed by
	// column name.
	QueryColumns(ctx context.Context, view string, columns []string) (map[string][]any, error)
}

// Options configures the engine. Zero values are replaced by the defaults
// where that is safe; LOD bands are validated at Open and a bad table is
// fatal.
type Options struct {
	// MaxBatchSize and BatchDelay bound the batching scheduler: a batch is
	// flushed when it reaches MaxBatchSize deltas or BatchDelay has elapsed
	// since its oldest delta, whichever happens first.
	MaxBatchSize int
	BatchDelay   time.Duration

	// CacheTTL and CacheMaxSize bound the graph cache layer.
	CacheTTL     time.Duration
	CacheMaxSize int

	// RebuildFraction is the fraction of tracked positions that must change
	// before the spatial index is rebuilt wholesale.
	RebuildFraction float64

	// MaintenanceInterval drives the background gauge refresh.
	MaintenanceInterval time.Duration

	// Overscan expands the visible rectangle on each side to reduce pop-in
	// during pans; ChurnThreshold damps render-set recomputation.
	Overscan       float64
	ChurnThreshold float64

	// Bands is the zoom -> detail table. Must be contiguous and
	// non-overlapping.
	Bands []LODBand

	// GapPolicy, FetchRetries, and FetchBackoff configure the reconciliation
	// client.
	GapPolicy    GapPolicy
	FetchRetries int
	FetchBackoff time.Duration

	// IngestBuffer is the capacity of the raw-delta channel between the
	// network receive path and the single-writer loop.
	IngestBuffer int

	// OnError receives surfaced errors (malformed deltas, sync gaps). May be
	// nil; errors are logged either way.
	OnError func(error)
}

// DefaultOptions returns a configuration suitable for interactive use.
func DefaultOptions() Options {
	return Options{
		MaxBatchSize:        250,
		BatchDelay:          50 * time.Millisecond,
		CacheTTL:            30 * time.Second,
		CacheMaxSize:        256,
		RebuildFraction:     0.10,
		MaintenanceInterval: 250 * time.Millisecond,
		Overscan:            0.25,
		ChurnThreshold:      0.05,
		Bands: []LODBand{
			{MinZoom: 0, MaxZoom: 0.25, Detail: DetailCoarse},
			{MinZoom: 0.25, MaxZoom: 1.0, Detail: DetailMedium},
			{MinZoom: 1.0, MaxZoom: 64, Detail: DetailFull},
		},
		GapPolicy:    GapPolicyDiscard,
		FetchRetries: 3,
		FetchBackoff: 200 * time.Millisecond,
		IngestBuffer: 4096,
	}
}

// Engine wires transport -> reconciliation -> batching -> merge -> graph ->
// cache -> spatial index -> culling -> renderer. It owns the authoritative
// maps exclusively: a single run-loop goroutine applies deltas and advances
// the cursor, so the hot mutation path needs no locking beyond the graph's
// reader guard.
type Engine struct {
	opts Options

	graph    *core.Graph
	cache    *Cache
	batcher  *Batcher
	recon    *Reconciler
	selector *Selector
	renderer Renderer

	// index is replaced wholesale on rebuild; readers keep whatever snapshot
	// they loaded until their query completes.
	index atomic.Pointer[spatial.Index]

	camMu  sync.Mutex
	cam    Camera
	camSet bool

	ingestCh chan []byte
	applyCh  chan core.Batch

	processed atomic.Uint64
	malformed atomic.Uint64
	merged    atomic.Uint64
	rebuilds  atomic.Uint64

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Stats is a point-in-time snapshot of engine counters.
type Stats struct {
	Processed    uint64
	Malformed    uint64
	Deduplicated uint64
	Merged       uint64
	QueueDepth   int
	CacheHitRate float64
	Cursor       uint64
	State        SyncState
	Nodes        int
	Edges        int
	PendingEdges int
	IndexSize    int
	Rebuilds     uint64
}

// Open validates the options and starts the engine's background goroutines.
// fetcher drives gap-fill fetches; renderer may be nil when the caller polls
// RenderSet instead of being pushed to.
func Open(opts Options, fetcher Fetcher, renderer Renderer) (*Engine, error) {
	def := DefaultOptions()
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = def.MaxBatchSize
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = def.MaintenanceInterval
	}
	if opts.IngestBuffer <= 0 {
		opts.IngestBuffer = def.IngestBuffer
	}
	if len(opts.Bands) == 0 {
		opts.Bands = def.Bands
	}
	if fetcher == nil {
		return nil, fmt.Errorf("engine: fetcher is required")
	}

	selector, err := NewSelector(opts.Bands, opts.Overscan, opts.ChurnThreshold)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:     opts,
		graph:    core.NewGraph(),
		cache:    NewCache(opts.CacheTTL, opts.CacheMaxSize),
		selector: selector,
		renderer: renderer,
		ingestCh: make(chan []byte, opts.IngestBuffer),
		applyCh:  make(chan core.Batch, 16),
		closed:   make(chan struct{}),
	}
	e.index.Store(spatial.Build(nil))

	e.batcher = NewBatcher(opts.MaxBatchSize, opts.BatchDelay, func(b core.Batch) {
		select {
		case e.applyCh <- b:
		case <-e.closed:
			// Run loop is gone; Close's final flush applies directly.
			e.applyBatch(b)
		}
	})
	e.recon = NewReconciler(fetcher, e.batcher.Enqueue, e.resetAll,
		opts.GapPolicy, opts.FetchRetries, opts.FetchBackoff)

	e.wg.Add(2)
	go e.run()
	go e.maintenance()

	slog.Info("engine started",
		"max_batch", opts.MaxBatchSize,
		"batch_delay", opts.BatchDelay,
		"gap_policy", opts.GapPolicy.String(),
		"session", e.recon.SessionID(),
	)
	return e, nil
}

// Ingest hands the engine one raw delta payload from the transport. It never
// blocks: payloads land on a buffered channel consumed by the run loop, and
// an overflowing buffer drops the payload with a surfaced error.
func (e *Engine) Ingest(raw []byte) {
	select {
	case e.ingestCh <- raw:
	case <-e.closed:
	default:
		e.reportError(fmt.Errorf("ingest buffer full, dropping payload"))
	}
}

// SetCamera updates the camera and recomputes the selection, pushing it to
// the renderer when it changed beyond the churn threshold. Viewport queries
// are cheap and always run to completion; there is no cancellation.
func (e *Engine) SetCamera(cam Camera) {
	e.camMu.Lock()
	e.cam = cam
	e.camSet = true
	e.camMu.Unlock()
	e.refreshRender()
}

// RenderSet returns the current selection for the last camera.
func (e *Engine) RenderSet() RenderSet {
	e.camMu.Lock()
	cam, ok := e.cam, e.camSet
	e.camMu.Unlock()
	if !ok {
		return RenderSet{}
	}
	set, _ := e.selector.Select(cam, e.index.Load(), e.graph)
	return set
}

// Graph exposes read access to the authoritative graph. All accessors return
// copies; callers can never mutate engine state through it.
func (e *Engine) Graph() *core.Graph { return e.graph }

// Cache exposes the graph cache layer for derived-view consumers.
func (e *Engine) Cache() *Cache { return e.cache }

// Cursor returns the reconciliation cursor.
func (e *Engine) Cursor() uint64 { return e.recon.Cursor() }

// SeedCache warms the cache from the optional backing store. A nil source or
// a query failure is tolerated: the engine logs and falls back to the
// network sync.
func (e *Engine) SeedCache(ctx context.Context, src SeedSource, view string, columns []string) {
	if src == nil {
		return
	}
	cols, err := src.QueryColumns(ctx, view, columns)
	if err != nil {
		slog.Warn("cache seed failed, falling back to network sync", "view", view, "error", err)
		return
	}
	for name, values := range cols {
		e.cache.Set("seed:"+view+":"+name, values)
	}
	slog.Info("cache seeded from backing store", "view", view, "columns", len(cols))
}

// Stats reports processed/deduplicated/merged delta counts, queue depth, and
// cache hit rate.
func (e *Engine) Stats() Stats {
	return Stats{
		Processed:    e.processed.Load(),
		Malformed:    e.malformed.Load(),
		Deduplicated: e.recon.Duplicates(),
		Merged:       e.merged.Load(),
		QueueDepth:   e.batcher.Len(),
		CacheHitRate: e.cache.HitRate(),
		Cursor:       e.recon.Cursor(),
		State:        e.recon.State(),
		Nodes:        e.graph.NodeCount(),
		Edges:        e.graph.EdgeCount(),
		PendingEdges: e.graph.PendingCount(),
		IndexSize:    e.index.Load().Len(),
		Rebuilds:     e.rebuilds.Load(),
	}
}

// Close stops the background goroutines, flushes the final partial batch,
// and discards the pending-edge buffer.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.wg.Wait()
		e.batcher.Close()
		// A flush racing the run loop's exit may have won the channel send
		// instead of observing closed; drain once more so no batch strands.
		for {
			select {
			case b := <-e.applyCh:
				e.applyBatch(b)
			default:
				e.graph.DropPendingEdges()
				slog.Info("engine closed", "processed", e.processed.Load())
				return
			}
		}
	})
	return nil
}

// run is the single writer: it normalizes raw payloads, offers them to the
// reconciler (whose gap fetch is the only blocking point), and applies
// flushed batches to the authoritative graph.
func (e *Engine) run() {
	defer e.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		<-e.closed
		cancel()
	}()

	for {
		select {
		case <-e.closed:
			// Apply whatever already flushed before handing over to Close.
			for {
				select {
				case b := <-e.applyCh:
					e.applyBatch(b)
				default:
					return
				}
			}
		case raw := <-e.ingestCh:
			e.ingestOne(ctx, raw)
		case b := <-e.applyCh:
			e.applyBatch(b)
		}
	}
}

func (e *Engine) ingestOne(ctx context.Context, raw []byte) {
	d, err := core.Normalize(raw)
	if err != nil {
		e.malformed.Add(1)
		metrics.DeltasMalformed.Inc()
		e.reportError(err)
		return
	}
	e.processed.Add(1)
	metrics.DeltasProcessed.WithLabelValues(string(d.Op), string(d.Kind)).Inc()

	if err := e.recon.Offer(ctx, d); err != nil {
		e.reportError(err)
	}
}

// applyBatch folds the batch and applies the survivors in sequence order.
// Runs only on the single-writer goroutine (or on Close after it exited).
func (e *Engine) applyBatch(b core.Batch) {
	merged := core.Merge(b.Deltas)
	folded := len(b.Deltas) - len(merged)
	if folded > 0 {
		e.merged.Add(uint64(folded))
		metrics.DeltasMerged.Add(float64(folded))
	}

	for _, d := range merged {
		e.graph.Apply(d)
	}

	e.cache.SetLatestVersion(e.graph.Version())
	e.selector.Invalidate()
	e.maybeRebuild()
	e.refreshRender()
}

// resetAll is the full-reset path requested by GapPolicyReset: authoritative
// maps, cache, pending edges, and spatial index all start over, to be
// repopulated by a fresh sync.
func (e *Engine) resetAll() {
	slog.Warn("performing full graph reset")
	e.graph.DropPendingEdges()
	e.graph.Reset()
	e.cache.InvalidateAll()
	e.selector.Invalidate()
	e.index.Store(spatial.Build(nil))
	e.refreshRender()
}

// maybeRebuild replaces the spatial index when enough tracked positions have
// changed since the last build. The old index stays valid for readers until
// the atomic swap.
func (e *Engine) maybeRebuild() {
	dirty := e.graph.DirtyPositions()
	if dirty == 0 {
		return
	}
	tracked := e.index.Load().Len()
	if tracked > 0 && float64(dirty) < e.opts.RebuildFraction*float64(tracked) {
		return
	}
	e.index.Store(spatial.Build(e.graph.PositionedEntries()))
	e.graph.ClearDirtyPositions()
	e.rebuilds.Add(1)
	metrics.IndexRebuilds.Inc()
}

// refreshRender recomputes the selection for the current camera and pushes
// it to the renderer when it actually changed.
func (e *Engine) refreshRender() {
	e.camMu.Lock()
	cam, ok := e.cam, e.camSet
	e.camMu.Unlock()
	if !ok {
		return
	}
	set, changed := e.selector.Select(cam, e.index.Load(), e.graph)
	if changed && e.renderer != nil {
		e.renderer.Render(set)
	}
}

// maintenance refreshes the graph-size gauges.
func (e *Engine) maintenance() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.MaintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.closed:
			return
		case <-ticker.C:
			metrics.GraphNodes.Set(float64(e.graph.NodeCount()))
			metrics.GraphEdges.Set(float64(e.graph.EdgeCount()))
		}
	}
}

func (e *Engine) reportError(err error) {
	slog.Error("engine error", "error", err)
	if e.opts.OnError != nil {
		e.opts.OnError(err)
	}
}
