// Package core provides the fundamental data structures and logic for the
// vizgraph engine.
//
// It defines the typed delta model, the dedup/merge engine that folds
// redundant operations, and the authoritative in-memory graph the deltas are
// applied to. Everything downstream (spatial index, cache, viewport culling)
// works on derived copies of the state owned here.
package core

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r2"
)

// Node is a graph vertex. Nodes are mutable: an update delta supersedes
// fields in place, a remove delta deletes the node and cascades to its edges.
type Node struct {
	ID         string         `json:"id"`
	Label      string         `json:"label,omitempty"`
	Type       string         `json:"type,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`

	// Pos is the optional 2D layout position. Nodes without a position are
	// never tracked by the spatial index and never appear in viewport
	// queries.
	Pos *r2.Vec `json:"pos,omitempty"`
}

// Clone returns a deep copy of the node. Accessors on Graph hand out clones
// so readers can never alias the authoritative maps.
func (n Node) Clone() Node {
	c := n
	if n.Properties != nil {
		c.Properties = make(map[string]any, len(n.Properties))
		for k, v := range n.Properties {
			c.Properties[k] = v
		}
	}
	if n.Pos != nil {
		p := *n.Pos
		c.Pos = &p
	}
	return c
}

// Edge is a directed connection between two nodes. Identity is the ordered
// (Source, Target, Type) tuple: parallel edges of different types between the
// same endpoints are distinct.
type Edge struct {
	Source     string         `json:"source"`
	Target     string         `json:"target"`
	Type       string         `json:"type,omitempty"`
	Weight     float64        `json:"weight,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Key returns the canonical identity of the edge.
func (e Edge) Key() string {
	return fmt.Sprintf("%s|%s|%s", e.Source, e.Target, e.Type)
}

// Clone returns a deep copy of the edge.
func (e Edge) Clone() Edge {
	c := e
	if e.Properties != nil {
		c.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			c.Properties[k] = v
		}
	}
	return c
}
