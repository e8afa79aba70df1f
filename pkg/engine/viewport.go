package engine

import (
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/calterras/vizgraph/pkg/core"
	"github.com/calterras/vizgraph/pkg/core/spatial"
	"github.com/calterras/vizgraph/pkg/metrics"
)

// Camera is the renderer's view: world-space center, zoom factor (screen
// pixels per world unit), and canvas size in pixels.
type Camera struct {
	Center r2.Vec
	Zoom   float64
	Width  float64
	Height float64
}

// DetailLevel is the degree of structural simplification applied to the
// render set.
type DetailLevel int

const (
	// DetailCoarse strips nodes to id+type+position and omits edges
	// entirely.
	DetailCoarse DetailLevel = iota

	// DetailMedium strips property maps but keeps edges.
	DetailMedium

	// DetailFull strips nothing.
	DetailFull
)

func (d DetailLevel) String() string {
	switch d {
	case DetailCoarse:
		return "coarse"
	case DetailMedium:
		return "medium"
	case DetailFull:
		return "full"
	}
	return fmt.Sprintf("detail(%d)", int(d))
}

// ParseDetailLevel maps a config string onto a DetailLevel.
func ParseDetailLevel(s string) (DetailLevel, error) {
	switch s {
	case "coarse":
		return DetailCoarse, nil
	case "medium":
		return DetailMedium, nil
	case "full":
		return DetailFull, nil
	}
	return 0, fmt.Errorf("unknown detail level %q", s)
}

// LODBand maps a zoom interval [MinZoom, MaxZoom) onto a detail level. The
// band table must be contiguous, non-overlapping, and ascending.
type LODBand struct {
	MinZoom float64
	MaxZoom float64
	Detail  DetailLevel
}

// RenderSet is the subset handed to the external renderer.
type RenderSet struct {
	Nodes  []core.Node
	Edges  []core.Edge
	Detail DetailLevel
}

// Selector combines camera state with the spatial index to pick the render
// set and detail level. It damps recomputation: when the candidate set and
// detail change less than the churn threshold, the previous set is reused so
// trivial camera jitter never feeds the renderer a new array.
type Selector struct {
	bands    []LODBand
	overscan float64
	churn    float64

	mu      sync.Mutex
	lastIDs map[string]struct{}
	last    RenderSet
	valid   bool
}

// NewSelector validates the band table and builds a selector. overscan is the
// fraction by which the visible rectangle is expanded on each side to reduce
// pop-in during pans; churn is the candidate-set change fraction below which
// the previous selection is reused.
func NewSelector(bands []LODBand, overscan, churn float64) (*Selector, error) {
	if err := validateBands(bands); err != nil {
		return nil, err
	}
	sorted := make([]LODBand, len(bands))
	copy(sorted, bands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinZoom < sorted[j].MinZoom })
	return &Selector{bands: sorted, overscan: overscan, churn: churn}, nil
}

func validateBands(bands []LODBand) error {
	if len(bands) == 0 {
		return &InvalidLODConfigError{Reason: "no detail bands configured"}
	}
	sorted := make([]LODBand, len(bands))
	copy(sorted, bands)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].MinZoom < sorted[j].MinZoom })
	for i, b := range sorted {
		if b.MinZoom >= b.MaxZoom {
			return &InvalidLODConfigError{
				Reason: fmt.Sprintf("band %d has min zoom %v >= max zoom %v", i, b.MinZoom, b.MaxZoom),
			}
		}
		if i > 0 && sorted[i-1].MaxZoom != b.MinZoom {
			return &InvalidLODConfigError{
				Reason: fmt.Sprintf("bands are not contiguous at zoom %v..%v", sorted[i-1].MaxZoom, b.MinZoom),
			}
		}
	}
	return nil
}

// detailFor maps a zoom onto its band, clamping to the outermost bands for
// zooms outside the table.
func (s *Selector) detailFor(zoom float64) DetailLevel {
	for _, b := range s.bands {
		if zoom >= b.MinZoom && zoom < b.MaxZoom {
			return b.Detail
		}
	}
	if zoom < s.bands[0].MinZoom {
		return s.bands[0].Detail
	}
	return s.bands[len(s.bands)-1].Detail
}

// visibleRect computes the world-space rectangle the camera sees, expanded by
// the overscan factor.
func (s *Selector) visibleRect(cam Camera) r2.Box {
	zoom := cam.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	halfW := cam.Width / (2 * zoom) * (1 + s.overscan)
	halfH := cam.Height / (2 * zoom) * (1 + s.overscan)
	return r2.Box{
		Min: r2.Vec{X: cam.Center.X - halfW, Y: cam.Center.Y - halfH},
		Max: r2.Vec{X: cam.Center.X + halfW, Y: cam.Center.Y + halfH},
	}
}

// Select computes the render set for the camera. The second return value
// reports whether the set differs from the previous one; false means the
// cached set was reused (changed less than the churn threshold).
func (s *Selector) Select(cam Camera, ix *spatial.Index, g *core.Graph) (RenderSet, bool) {
	ids := ix.QueryRange(s.visibleRect(cam))
	detail := s.detailFor(cam.Zoom)

	idSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		idSet[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.valid && detail == s.last.Detail && s.churnBelowThreshold(idSet) {
		return s.last, false
	}

	set := RenderSet{Detail: detail}
	set.Nodes = stripNodes(g.Nodes(ids), detail)
	if detail != DetailCoarse {
		set.Edges = stripEdges(g.EdgesAmong(idSet), detail)
	}

	s.lastIDs = idSet
	s.last = set
	s.valid = true
	metrics.RenderSetNodes.Set(float64(len(set.Nodes)))
	metrics.RenderSetEdges.Set(float64(len(set.Edges)))
	return set, true
}

// Invalidate forces the next Select to recompute, bypassing churn damping.
// Called after graph mutations so data changes always reach the renderer.
func (s *Selector) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.valid = false
}

// churnBelowThreshold reports whether the symmetric difference between the
// new candidate set and the previous one stays within the churn fraction.
// Caller holds the mutex.
func (s *Selector) churnBelowThreshold(ids map[string]struct{}) bool {
	diff := 0
	for id := range ids {
		if _, ok := s.lastIDs[id]; !ok {
			diff++
		}
	}
	for id := range s.lastIDs {
		if _, ok := ids[id]; !ok {
			diff++
		}
	}
	base := len(s.lastIDs)
	if base == 0 {
		base = 1
	}
	return float64(diff)/float64(base) <= s.churn
}

func stripNodes(nodes []core.Node, detail DetailLevel) []core.Node {
	if detail == DetailFull {
		return nodes
	}
	out := make([]core.Node, len(nodes))
	for i, n := range nodes {
		switch detail {
		case DetailCoarse:
			out[i] = core.Node{ID: n.ID, Type: n.Type, Pos: n.Pos}
		case DetailMedium:
			n.Properties = nil
			out[i] = n
		}
	}
	return out
}

func stripEdges(edges []core.Edge, detail DetailLevel) []core.Edge {
	if detail == DetailFull {
		return edges
	}
	out := make([]core.Edge, len(edges))
	for i, e := range edges {
		e.Properties = nil
		out[i] = e
	}
	return out
}
