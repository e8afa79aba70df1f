// Package spatial provides the bulk-rebuildable 2D index used for viewport
// culling: axis-aligned range queries and k-nearest-neighbor search over
// node positions.
//
// This file defines the bounded max-heap used during nearest-neighbor
// traversal. The heap is built on Go's standard container/heap package and
// keeps the k best candidates found so far; the root is the worst of the
// best, making it cheap to replace when a closer entry is discovered.
package spatial

import "container/heap"

// candidate pairs an entry id with its squared distance from the query point.
type candidate struct {
	id   string
	dist float64
}

// maxHeap is a max-heap of candidates ordered by distance. The candidate with
// the largest distance is always at the top.
type maxHeap []*candidate

// Len returns the size of the heap.
func (h maxHeap) Len() int { return len(h) }

// Less gives higher priority to the candidate with the larger distance.
func (h maxHeap) Less(i, j int) bool { return h[i].dist > h[j].dist }

// Swap swaps the elements at indices i and j.
func (h maxHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

// Push adds an element to the heap.
func (h *maxHeap) Push(x any) { *h = append(*h, x.(*candidate)) }

// Pop removes and returns the candidate with the largest distance.
func (h *maxHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// newMaxHeap creates a max-heap with a specified initial capacity.
func newMaxHeap(capacity int) *maxHeap {
	h := make(maxHeap, 0, capacity)
	heap.Init(&h)
	return &h
}
