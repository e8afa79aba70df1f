package spatial

import (
	"container/heap"
	"sort"

	"gonum.org/v1/gonum/spatial/r2"
)

// Entry is a single indexed entity: an id and its 2D position.
type Entry struct {
	ID  string
	Pos r2.Vec
}

// Index is a static kd-tree over entity positions. It is built wholesale and
// never mutated afterwards, so any number of readers may query it while the
// engine prepares a replacement; publishers swap the whole index atomically.
type Index struct {
	root *treeNode
	size int
}

type treeNode struct {
	entry       Entry
	left, right *treeNode
}

// Build constructs an index over the given entries in O(n log n). Entries
// sharing an id are collapsed (the last one wins) so no id can appear twice
// in a query result; distinct ids at identical coordinates are all kept.
// A nil or empty slice yields an empty index whose queries return nothing.
func Build(entries []Entry) *Index {
	dedup := entries
	if len(entries) > 1 {
		seen := make(map[string]int, len(entries))
		dedup = make([]Entry, 0, len(entries))
		for _, e := range entries {
			if i, ok := seen[e.ID]; ok {
				dedup[i] = e
				continue
			}
			seen[e.ID] = len(dedup)
			dedup = append(dedup, e)
		}
	} else if len(entries) == 1 {
		dedup = []Entry{entries[0]}
	}

	ix := &Index{size: len(dedup)}
	ix.root = buildTree(dedup, 0)
	return ix
}

// buildTree recursively median-splits the entries, alternating axes by depth.
// Sub-slices are disjoint ranges of the same backing array, so in-place
// sorting per level is safe.
func buildTree(entries []Entry, depth int) *treeNode {
	if len(entries) == 0 {
		return nil
	}
	axis := depth % 2
	sort.Slice(entries, func(i, j int) bool {
		return coord(entries[i].Pos, axis) < coord(entries[j].Pos, axis)
	})
	mid := len(entries) / 2
	n := &treeNode{entry: entries[mid]}
	n.left = buildTree(entries[:mid], depth+1)
	n.right = buildTree(entries[mid+1:], depth+1)
	return n
}

func coord(v r2.Vec, axis int) float64 {
	if axis == 0 {
		return v.X
	}
	return v.Y
}

// Len reports the number of indexed entries.
func (ix *Index) Len() int {
	if ix == nil {
		return 0
	}
	return ix.size
}

// QueryRange returns the ids of every entry whose position falls within the
// axis-aligned box, bounds inclusive. Output order is unspecified.
func (ix *Index) QueryRange(box r2.Box) []string {
	if ix == nil || ix.root == nil {
		return nil
	}
	var out []string
	rangeSearch(ix.root, box, 0, &out)
	return out
}

func rangeSearch(n *treeNode, box r2.Box, depth int, out *[]string) {
	if n == nil {
		return
	}
	p := n.entry.Pos
	if p.X >= box.Min.X && p.X <= box.Max.X && p.Y >= box.Min.Y && p.Y <= box.Max.Y {
		*out = append(*out, n.entry.ID)
	}
	axis := depth % 2
	c := coord(p, axis)
	if coord(box.Min, axis) <= c {
		rangeSearch(n.left, box, depth+1, out)
	}
	if coord(box.Max, axis) >= c {
		rangeSearch(n.right, box, depth+1, out)
	}
}

// QueryNearest returns the ids of the k entries closest to p by Euclidean
// distance, nearest first. Fewer than k ids are returned when the index
// holds fewer entries.
func (ix *Index) QueryNearest(p r2.Vec, k int) []string {
	if ix == nil || ix.root == nil || k <= 0 {
		return nil
	}
	h := newMaxHeap(k)
	nearestSearch(ix.root, p, 0, k, h)

	out := make([]string, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(*candidate).id
	}
	return out
}

func nearestSearch(n *treeNode, p r2.Vec, depth, k int, h *maxHeap) {
	if n == nil {
		return
	}
	d := sqDist(n.entry.Pos, p)
	if h.Len() < k {
		heap.Push(h, &candidate{id: n.entry.ID, dist: d})
	} else if d < (*h)[0].dist {
		heap.Pop(h)
		heap.Push(h, &candidate{id: n.entry.ID, dist: d})
	}

	axis := depth % 2
	diff := coord(p, axis) - coord(n.entry.Pos, axis)
	near, far := n.left, n.right
	if diff > 0 {
		near, far = far, near
	}
	nearestSearch(near, p, depth+1, k, h)
	// The far side can only matter if the splitting plane is closer than the
	// current worst candidate (or the heap is not full yet).
	if h.Len() < k || diff*diff <= (*h)[0].dist {
		nearestSearch(far, p, depth+1, k, h)
	}
}

func sqDist(a, b r2.Vec) float64 {
	dx := a.X - b.X
	dy := a.Y - b.Y
	return dx*dx + dy*dy
}
