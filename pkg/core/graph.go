package core

import (
	"log/slog"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/calterras/vizgraph/pkg/core/spatial"
)

// Graph holds the authoritative node and edge maps. A single writer (the
// engine's run loop) applies deltas; concurrent readers get consistent copies
// through the accessor methods, never references into the internal maps.
//
// Adjacency is tracked both ways so a node removal can cascade to its edges
// without scanning the full edge map.
type Graph struct {
	mu sync.RWMutex

	nodes    map[string]*Node
	edges    map[string]*Edge
	outbound map[string]map[string]struct{} // node id -> edge keys (node is source)
	inbound  map[string]map[string]struct{} // node id -> edge keys (node is target)

	// pending buffers edges whose endpoint has not been seen yet, keyed by
	// the missing node id. Each buffered edge gets exactly one retry, when
	// that node arrives; the buffer is discarded at session end.
	pending map[string][]pendingEdge

	// applied records the last sequence applied per entity, making Apply
	// idempotent and dropping out-of-date deltas for an entity.
	applied map[string]uint64

	version  uint64
	posDirty int
}

// pendingEdge is a buffered edge copy stamped with the sequence of the delta
// that carried it. The stamp lets the retry detect that a newer delta for the
// same edge (typically a removal) applied while the copy waited.
type pendingEdge struct {
	edge Edge
	seq  uint64
}

// NewGraph returns an empty authoritative graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:    make(map[string]*Node),
		edges:    make(map[string]*Edge),
		outbound: make(map[string]map[string]struct{}),
		inbound:  make(map[string]map[string]struct{}),
		pending:  make(map[string][]pendingEdge),
		applied:  make(map[string]uint64),
	}
}

// Apply mutates the graph with a single delta and returns any synthetic
// deltas the mutation produced (cascaded edge removals, pending-edge
// admissions). Synthetic deltas describe changes already effected here; they
// exist for observers only and must not be re-applied.
//
// Stale deltas (sequence at or below the last applied sequence for the same
// entity) are dropped silently, which makes re-application a no-op.
func (g *Graph) Apply(d Delta) []Delta {
	key := d.EntityKey()
	if key == "" {
		return nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.applied[key]; ok && d.Sequence <= last {
		return nil
	}
	g.applied[key] = d.Sequence

	var synthetic []Delta
	switch d.Kind {
	case EntityNode:
		if d.Op == OpRemoved {
			synthetic = g.removeNode(d)
		} else {
			synthetic = g.upsertNode(d)
		}
	case EntityEdge:
		if d.Op == OpRemoved {
			g.removeEdge(d.Edge.Key())
		} else {
			g.upsertEdge(*d.Edge, d.Sequence, true)
		}
	}

	g.version++
	return synthetic
}

// upsertNode inserts or overlays a node, then retries any edges that were
// waiting for it.
func (g *Graph) upsertNode(d Delta) []Delta {
	n := d.Node
	if existing, ok := g.nodes[n.ID]; ok {
		merged := overlayNode(existing, n)
		if positionChanged(existing.Pos, merged.Pos) {
			g.posDirty++
		}
		g.nodes[n.ID] = merged
	} else {
		c := n.Clone()
		g.nodes[n.ID] = &c
		if c.Pos != nil {
			g.posDirty++
		}
	}

	waiting, ok := g.pending[n.ID]
	if !ok {
		return nil
	}
	delete(g.pending, n.ID)

	var admitted []Delta
	for _, pe := range waiting {
		// A newer delta for this edge applied while the copy waited; a
		// removal at that sequence must not be undone by the retry.
		if last, ok := g.applied["edge:"+pe.edge.Key()]; ok && pe.seq < last {
			continue
		}
		// One retry per buffered edge: if the other endpoint is still
		// missing, the edge is gone for good.
		if g.upsertEdge(pe.edge, d.Sequence, false) {
			ec := pe.edge.Clone()
			admitted = append(admitted, Delta{
				Sequence: d.Sequence,
				Op:       OpAdded,
				Kind:     EntityEdge,
				Origin:   "pending-retry",
				Edge:     &ec,
			})
		} else {
			slog.Warn("dropping buffered edge, endpoint never arrived",
				"source", pe.edge.Source, "target", pe.edge.Target, "type", pe.edge.Type)
		}
	}
	return admitted
}

// removeNode deletes the node and cascades to every edge referencing it,
// emitting a synthetic edge-removed delta per cascaded edge.
func (g *Graph) removeNode(d Delta) []Delta {
	id := d.Node.ID
	if _, ok := g.nodes[id]; !ok {
		return nil
	}
	if g.nodes[id].Pos != nil {
		g.posDirty++
	}
	delete(g.nodes, id)

	keys := make(map[string]struct{})
	for k := range g.outbound[id] {
		keys[k] = struct{}{}
	}
	for k := range g.inbound[id] {
		keys[k] = struct{}{}
	}

	var synthetic []Delta
	for k := range keys {
		e, ok := g.edges[k]
		if !ok {
			continue
		}
		removed := Edge{Source: e.Source, Target: e.Target, Type: e.Type}
		g.removeEdge(k)
		synthetic = append(synthetic, Delta{
			Sequence: d.Sequence,
			Op:       OpRemoved,
			Kind:     EntityEdge,
			Origin:   "cascade",
			Edge:     &removed,
		})
	}
	return synthetic
}

// upsertEdge stores or overlays an edge. When an endpoint is missing and
// buffer is true, the edge is parked in the pending buffer for one retry;
// the return value reports whether the edge is now live in the graph.
func (g *Graph) upsertEdge(e Edge, seq uint64, buffer bool) bool {
	_, srcOK := g.nodes[e.Source]
	_, dstOK := g.nodes[e.Target]
	if !srcOK || !dstOK {
		// Buffer a copy under every missing endpoint: whichever arrives last
		// admits the edge. Each copy gets exactly one retry.
		if buffer {
			if !srcOK {
				g.pending[e.Source] = append(g.pending[e.Source], pendingEdge{edge: e.Clone(), seq: seq})
			}
			if !dstOK {
				g.pending[e.Target] = append(g.pending[e.Target], pendingEdge{edge: e.Clone(), seq: seq})
			}
		}
		return false
	}

	key := e.Key()
	if existing, ok := g.edges[key]; ok {
		g.edges[key] = overlayEdge(existing, &e)
		return true
	}
	c := e.Clone()
	g.edges[key] = &c
	if g.outbound[e.Source] == nil {
		g.outbound[e.Source] = make(map[string]struct{})
	}
	if g.inbound[e.Target] == nil {
		g.inbound[e.Target] = make(map[string]struct{})
	}
	g.outbound[e.Source][key] = struct{}{}
	g.inbound[e.Target][key] = struct{}{}
	return true
}

// removeEdge drops the edge and its adjacency entries. Caller holds the lock.
func (g *Graph) removeEdge(key string) {
	e, ok := g.edges[key]
	if !ok {
		return
	}
	delete(g.edges, key)
	if m := g.outbound[e.Source]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(g.outbound, e.Source)
		}
	}
	if m := g.inbound[e.Target]; m != nil {
		delete(m, key)
		if len(m) == 0 {
			delete(g.inbound, e.Target)
		}
	}
}

// Node returns a copy of the node with the given id.
func (g *Graph) Node(id string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.Clone(), true
}

// Edge returns a copy of the edge with the given identity.
func (g *Graph) Edge(source, target, typ string) (Edge, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.edges[Edge{Source: source, Target: target, Type: typ}.Key()]
	if !ok {
		return Edge{}, false
	}
	return e.Clone(), true
}

// Nodes returns copies of the nodes with the given ids, skipping unknowns.
func (g *Graph) Nodes(ids []string) []Node {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Node, 0, len(ids))
	for _, id := range ids {
		if n, ok := g.nodes[id]; ok {
			out = append(out, n.Clone())
		}
	}
	return out
}

// EdgesAmong returns copies of every edge whose endpoints are both in ids.
func (g *Graph) EdgesAmong(ids map[string]struct{}) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Edge
	for src := range ids {
		for key := range g.outbound[src] {
			e := g.edges[key]
			if _, ok := ids[e.Target]; ok {
				out = append(out, e.Clone())
			}
		}
	}
	return out
}

// PositionedEntries returns a spatial index entry for every node that has a
// position. The slice is freshly allocated and safe to hand to Build.
func (g *Graph) PositionedEntries() []spatial.Entry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]spatial.Entry, 0, len(g.nodes))
	for _, n := range g.nodes {
		if n.Pos != nil {
			out = append(out, spatial.Entry{ID: n.ID, Pos: *n.Pos})
		}
	}
	return out
}

// NodeCount reports the number of live nodes.
func (g *Graph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// EdgeCount reports the number of live edges.
func (g *Graph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// PendingCount reports the number of buffered edges awaiting an endpoint.
func (g *Graph) PendingCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, edges := range g.pending {
		n += len(edges)
	}
	return n
}

// Version is a counter bumped on every mutation; versioned cache entries are
// keyed against it.
func (g *Graph) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.version
}

// DirtyPositions reports how many tracked positions changed since the last
// ClearDirtyPositions, driving the index rebuild policy.
func (g *Graph) DirtyPositions() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.posDirty
}

// ClearDirtyPositions resets the dirty-position counter after a rebuild.
func (g *Graph) ClearDirtyPositions() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.posDirty = 0
}

// DropPendingEdges discards the pending-edge buffer, logging a warning for
// every edge whose endpoint never arrived. Called at session end.
func (g *Graph) DropPendingEdges() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for id, edges := range g.pending {
		for _, pe := range edges {
			slog.Warn("discarding buffered edge at session end",
				"missing", id, "source", pe.edge.Source, "target", pe.edge.Target)
			n++
		}
	}
	g.pending = make(map[string][]pendingEdge)
	return n
}

// Reset clears the whole graph, including pending edges and the per-entity
// sequence memory. Used for a full resync.
func (g *Graph) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*Node)
	g.edges = make(map[string]*Edge)
	g.outbound = make(map[string]map[string]struct{})
	g.inbound = make(map[string]map[string]struct{})
	g.pending = make(map[string][]pendingEdge)
	g.applied = make(map[string]uint64)
	g.version++
	g.posDirty = 0
}

func positionChanged(a, b *r2.Vec) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil || b == nil:
		return true
	default:
		return a.X != b.X || a.Y != b.Y
	}
}
