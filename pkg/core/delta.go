package core

import (
	"encoding/json"
	"sort"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
)

// Op is the kind of change a delta carries.
type Op string

const (
	OpAdded   Op = "added"
	OpUpdated Op = "updated"
	OpRemoved Op = "removed"
)

// EntityKind distinguishes node deltas from edge deltas.
type EntityKind string

const (
	EntityNode EntityKind = "node"
	EntityEdge EntityKind = "edge"
)

// Delta is a single typed change to one node or edge. Sequence numbers are
// assigned by the remote source and are globally monotonic; Origin is a
// provenance tag for debugging, never consulted for correctness.
//
// Deltas are idempotent at the entity level: re-applying a delta that was
// already applied leaves the graph unchanged (last-writer-wins by sequence).
type Delta struct {
	Sequence uint64
	Op       Op
	Kind     EntityKind
	Origin   string

	// Exactly one of Node/Edge is set, matching Kind. For removals only the
	// identity fields need to be populated.
	Node *Node
	Edge *Edge
}

// EntityKey returns the merge identity of the delta: deltas for different
// entities are never folded together.
func (d Delta) EntityKey() string {
	if d.Kind == EntityEdge && d.Edge != nil {
		return "edge:" + d.Edge.Key()
	}
	if d.Node != nil {
		return "node:" + d.Node.ID
	}
	return ""
}

// Batch is an ordered collection of deltas closed at a point in time.
// Relative order of the constituent deltas is preserved; independent entities
// carry no cross-entity ordering guarantee.
type Batch struct {
	Deltas   []Delta
	ClosedAt time.Time
}

// wireDelta is the flat JSON shape the transport delivers.
type wireDelta struct {
	Sequence *uint64        `json:"sequence"`
	Op       string         `json:"op"`
	Kind     string         `json:"kind"`
	Origin   string         `json:"origin"`
	ID       string         `json:"id"`
	Label    string         `json:"label"`
	Type     string         `json:"type"`
	Props    map[string]any `json:"properties"`
	X        *float64       `json:"x"`
	Y        *float64       `json:"y"`
	Source   string         `json:"source"`
	Target   string         `json:"target"`
	Weight   float64        `json:"weight"`
}

// Normalize maps a wire-level payload into a typed Delta. It returns a
// *MalformedDeltaError when required fields are absent or inconsistent;
// callers report such deltas and continue with the rest of the batch.
func Normalize(raw []byte) (Delta, error) {
	var w wireDelta
	if err := json.Unmarshal(raw, &w); err != nil {
		return Delta{}, &MalformedDeltaError{Reason: "invalid JSON: " + err.Error()}
	}
	if w.Sequence == nil {
		return Delta{}, &MalformedDeltaError{Reason: "missing sequence"}
	}
	seq := *w.Sequence

	op := Op(w.Op)
	switch op {
	case OpAdded, OpUpdated, OpRemoved:
	default:
		return Delta{}, &MalformedDeltaError{Sequence: seq, Reason: "unknown op '" + w.Op + "'"}
	}

	d := Delta{Sequence: seq, Op: op, Origin: w.Origin}

	switch EntityKind(w.Kind) {
	case EntityNode:
		if w.ID == "" {
			return Delta{}, &MalformedDeltaError{Sequence: seq, Reason: "node delta missing id"}
		}
		d.Kind = EntityNode
		n := &Node{ID: w.ID, Label: w.Label, Type: w.Type, Properties: w.Props}
		if w.X != nil && w.Y != nil {
			n.Pos = &r2.Vec{X: *w.X, Y: *w.Y}
		}
		d.Node = n
	case EntityEdge:
		if w.Source == "" || w.Target == "" {
			return Delta{}, &MalformedDeltaError{Sequence: seq, Reason: "edge delta missing endpoint"}
		}
		d.Kind = EntityEdge
		d.Edge = &Edge{Source: w.Source, Target: w.Target, Type: w.Type, Weight: w.Weight, Properties: w.Props}
	default:
		return Delta{}, &MalformedDeltaError{Sequence: seq, Reason: "unknown entity kind '" + w.Kind + "'"}
	}

	return d, nil
}

// Merge collapses deltas belonging to the same entity, folding in sequence
// order:
//
//  1. a removal supersedes every earlier added/updated for the entity;
//  2. consecutive updates overlay property maps, later sequence winning per
//     field;
//  3. added followed by updated collapses to a single added carrying the
//     merged fields;
//  4. a removal followed by a later added yields the added (re-creation).
//
// Deltas for different entities are never merged together. The output is
// ordered by ascending sequence of the surviving representative per entity.
func Merge(pending []Delta) []Delta {
	if len(pending) <= 1 {
		return pending
	}

	sorted := make([]Delta, len(pending))
	copy(sorted, pending)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	survivors := make(map[string]*Delta, len(sorted))
	for _, d := range sorted {
		key := d.EntityKey()
		if key == "" {
			continue
		}
		cur, ok := survivors[key]
		if !ok {
			dc := d
			survivors[key] = &dc
			continue
		}
		foldInto(cur, d)
	}

	out := make([]Delta, 0, len(survivors))
	for _, d := range survivors {
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out
}

// foldInto folds the later delta d into the current survivor cur.
// Caller guarantees d.Sequence >= cur.Sequence and matching entity keys.
func foldInto(cur *Delta, d Delta) {
	cur.Sequence = d.Sequence
	cur.Origin = d.Origin

	switch d.Op {
	case OpRemoved:
		// Removal wipes any accumulated payload; only identity survives.
		cur.Op = OpRemoved
		if cur.Kind == EntityNode {
			cur.Node = &Node{ID: cur.Node.ID}
		} else {
			cur.Edge = &Edge{Source: cur.Edge.Source, Target: cur.Edge.Target, Type: cur.Edge.Type}
		}
	case OpAdded:
		// Re-creation after a removal, or a duplicate add: the later payload
		// replaces wholesale.
		cur.Op = OpAdded
		cur.Node, cur.Edge = d.Node, d.Edge
	case OpUpdated:
		if cur.Op == OpRemoved {
			// Update after removal within the window: treat as a bare update,
			// the graph will drop it if the entity is really gone.
			cur.Op = OpUpdated
			cur.Node, cur.Edge = d.Node, d.Edge
			return
		}
		// added+updated stays added; updated+updated stays updated. Fields
		// overlay shallowly, later sequence wins per field.
		if cur.Kind == EntityNode {
			cur.Node = overlayNode(cur.Node, d.Node)
		} else {
			cur.Edge = overlayEdge(cur.Edge, d.Edge)
		}
	}
}

func overlayNode(base, upd *Node) *Node {
	out := base.Clone()
	if upd.Label != "" {
		out.Label = upd.Label
	}
	if upd.Type != "" {
		out.Type = upd.Type
	}
	if upd.Pos != nil {
		p := *upd.Pos
		out.Pos = &p
	}
	if len(upd.Properties) > 0 {
		if out.Properties == nil {
			out.Properties = make(map[string]any, len(upd.Properties))
		}
		for k, v := range upd.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}

func overlayEdge(base, upd *Edge) *Edge {
	out := base.Clone()
	if upd.Weight != 0 {
		out.Weight = upd.Weight
	}
	if len(upd.Properties) > 0 {
		if out.Properties == nil {
			out.Properties = make(map[string]any, len(upd.Properties))
		}
		for k, v := range upd.Properties {
			out.Properties[k] = v
		}
	}
	return &out
}
