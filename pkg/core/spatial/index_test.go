package spatial

import (
	"fmt"
	"sort"
	"testing"

	"gonum.org/v1/gonum/spatial/r2"
)

func TestQueryRangeGrid(t *testing.T) {
	// 10x10 grid spaced 1 unit apart: coordinates 0..9 on both axes.
	entries := make([]Entry, 0, 100)
	for x := 0; x < 10; x++ {
		for y := 0; y < 10; y++ {
			entries = append(entries, Entry{
				ID:  fmt.Sprintf("n%d_%d", x, y),
				Pos: r2.Vec{X: float64(x), Y: float64(y)},
			})
		}
	}
	ix := Build(entries)

	got := ix.QueryRange(r2.Box{Min: r2.Vec{X: 0, Y: 0}, Max: r2.Vec{X: 5, Y: 5}})
	if len(got) != 36 {
		t.Fatalf("expected exactly 36 nodes with both coordinates in [0,5], got %d", len(got))
	}

	seen := make(map[string]bool)
	for _, id := range got {
		if seen[id] {
			t.Errorf("id %s appeared twice in one query result", id)
		}
		seen[id] = true
	}
}

func TestQueryRangeEmptyIndex(t *testing.T) {
	ix := Build(nil)
	if got := ix.QueryRange(r2.Box{Min: r2.Vec{X: -10, Y: -10}, Max: r2.Vec{X: 10, Y: 10}}); len(got) != 0 {
		t.Errorf("empty index must return an empty result, got %v", got)
	}
	if got := ix.QueryNearest(r2.Vec{}, 5); len(got) != 0 {
		t.Errorf("empty index must return no neighbors, got %v", got)
	}
	if ix.Len() != 0 {
		t.Errorf("empty index length should be 0, got %d", ix.Len())
	}
}

func TestDuplicateCoordinatesAllReturned(t *testing.T) {
	ix := Build([]Entry{
		{ID: "a", Pos: r2.Vec{X: 1, Y: 1}},
		{ID: "b", Pos: r2.Vec{X: 1, Y: 1}},
		{ID: "c", Pos: r2.Vec{X: 1, Y: 1}},
		{ID: "far", Pos: r2.Vec{X: 50, Y: 50}},
	})

	got := ix.QueryRange(r2.Box{Min: r2.Vec{X: 0, Y: 0}, Max: r2.Vec{X: 2, Y: 2}})
	sort.Strings(got)
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("all distinct ids at the same position must be returned, got %v", got)
	}
}

func TestDuplicateIDsCollapsed(t *testing.T) {
	// The same id indexed twice keeps only the last position.
	ix := Build([]Entry{
		{ID: "a", Pos: r2.Vec{X: 0, Y: 0}},
		{ID: "a", Pos: r2.Vec{X: 9, Y: 9}},
	})
	if ix.Len() != 1 {
		t.Fatalf("expected duplicates collapsed, len=%d", ix.Len())
	}
	got := ix.QueryRange(r2.Box{Min: r2.Vec{X: 8, Y: 8}, Max: r2.Vec{X: 10, Y: 10}})
	if len(got) != 1 || got[0] != "a" {
		t.Errorf("expected the later position to win, got %v", got)
	}
}

func TestQueryNearest(t *testing.T) {
	ix := Build([]Entry{
		{ID: "origin", Pos: r2.Vec{X: 0, Y: 0}},
		{ID: "near", Pos: r2.Vec{X: 1, Y: 0}},
		{ID: "mid", Pos: r2.Vec{X: 3, Y: 4}},
		{ID: "far", Pos: r2.Vec{X: 100, Y: 100}},
	})

	got := ix.QueryNearest(r2.Vec{X: 0, Y: 0}, 3)
	want := []string{"origin", "near", "mid"}
	if len(got) != 3 {
		t.Fatalf("expected 3 neighbors, got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("neighbor %d: got %s, want %s (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestQueryNearestKLargerThanIndex(t *testing.T) {
	ix := Build([]Entry{
		{ID: "a", Pos: r2.Vec{X: 1, Y: 1}},
		{ID: "b", Pos: r2.Vec{X: 2, Y: 2}},
	})
	got := ix.QueryNearest(r2.Vec{}, 10)
	if len(got) != 2 {
		t.Errorf("expected every entry when k exceeds the index size, got %v", got)
	}
}

func TestRangeBoundsInclusive(t *testing.T) {
	ix := Build([]Entry{
		{ID: "edge", Pos: r2.Vec{X: 5, Y: 5}},
		{ID: "outside", Pos: r2.Vec{X: 5.0001, Y: 5}},
	})
	got := ix.QueryRange(r2.Box{Min: r2.Vec{X: 0, Y: 0}, Max: r2.Vec{X: 5, Y: 5}})
	if len(got) != 1 || got[0] != "edge" {
		t.Errorf("bounds must be inclusive, got %v", got)
	}
}
