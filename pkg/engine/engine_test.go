package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r2"

	"github.com/calterras/vizgraph/pkg/core"
)

type renderRecorder struct {
	mu   sync.Mutex
	sets []RenderSet
}

func (r *renderRecorder) Render(set RenderSet) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sets = append(r.sets, set)
}

func (r *renderRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sets)
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.MaxBatchSize = 4
	opts.BatchDelay = 5 * time.Millisecond
	opts.FetchBackoff = time.Millisecond
	opts.MaintenanceInterval = 10 * time.Millisecond
	opts.ChurnThreshold = 0 // no damping: every data change reaches the renderer
	return opts
}

func wireNode(seq uint64, id string, x, y float64) []byte {
	raw, _ := json.Marshal(map[string]any{
		"sequence": seq, "op": "added", "kind": "node",
		"id": id, "type": "host", "x": x, "y": y,
		"properties": map[string]any{"name": id},
	})
	return raw
}

func wireEdge(seq uint64, src, dst string) []byte {
	raw, _ := json.Marshal(map[string]any{
		"sequence": seq, "op": "added", "kind": "edge",
		"source": src, "target": dst,
	})
	return raw
}

func TestEngineEndToEnd(t *testing.T) {
	// Sequence 3 is withheld from the stream and served by the fetcher.
	fetcher := &scriptedFetcher{deltas: map[uint64]core.Delta{
		3: {Sequence: 3, Op: core.OpAdded, Kind: core.EntityNode,
			Node: &core.Node{ID: "c", Pos: &r2.Vec{X: 2, Y: 0}}},
	}}
	var rec renderRecorder

	eng, err := Open(testOptions(), fetcher, &rec)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	eng.SetCamera(Camera{Center: r2.Vec{X: 1.5, Y: 0}, Zoom: 10, Width: 100, Height: 100})

	eng.Ingest(wireNode(1, "a", 0, 0))
	eng.Ingest(wireNode(2, "b", 1, 0))
	eng.Ingest(wireEdge(4, "a", "b")) // gap: 3 must be fetched
	eng.Ingest(wireNode(5, "a", 0.5, 0))

	waitFor(t, 2*time.Second, func() bool {
		s := eng.Stats()
		return s.Cursor == 5 && s.Nodes == 3 && s.Edges == 1
	})

	s := eng.Stats()
	if s.Processed != 4 {
		t.Errorf("expected 4 processed payloads, got %d", s.Processed)
	}
	if s.State != StateSynced {
		t.Errorf("expected synced state, got %s", s.State)
	}
	if fetcher.requestCount() != 1 {
		t.Errorf("expected a single gap fetch, got %d", fetcher.requestCount())
	}

	// The fetched node landed in the graph alongside the streamed ones.
	if _, ok := eng.Graph().Node("c"); !ok {
		t.Error("gap-fetched node should be in the graph")
	}
	if _, ok := eng.Graph().Edge("a", "b", ""); !ok {
		t.Error("streamed edge should be in the graph")
	}

	// All three nodes are positioned and inside the viewport.
	waitFor(t, 2*time.Second, func() bool {
		return len(eng.RenderSet().Nodes) == 3
	})
	if rec.count() == 0 {
		t.Error("renderer should have been pushed at least one set")
	}
}

func TestEngineDropsMalformedAndKeepsGoing(t *testing.T) {
	fetcher := &scriptedFetcher{}
	var errs []error
	var errMu sync.Mutex
	opts := testOptions()
	opts.OnError = func(err error) {
		errMu.Lock()
		errs = append(errs, err)
		errMu.Unlock()
	}

	eng, err := Open(opts, fetcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	eng.Ingest([]byte(`{"op":"added","kind":"node","id":"x"}`)) // no sequence
	eng.Ingest([]byte(`not json`))
	eng.Ingest(wireNode(1, "ok", 0, 0))

	waitFor(t, 2*time.Second, func() bool {
		s := eng.Stats()
		return s.Malformed == 2 && s.Nodes == 1
	})

	errMu.Lock()
	defer errMu.Unlock()
	if len(errs) != 2 {
		t.Errorf("expected 2 surfaced errors, got %d", len(errs))
	}
}

func TestEngineMergesWithinBatch(t *testing.T) {
	fetcher := &scriptedFetcher{}
	opts := testOptions()
	opts.MaxBatchSize = 3
	opts.BatchDelay = time.Hour // size-triggered flush only

	eng, err := Open(opts, fetcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	// Added + two updates of the same node collapse to one survivor.
	eng.Ingest(wireNode(1, "n", 0, 0))
	eng.Ingest(wireNode(2, "n", 1, 0))
	eng.Ingest(wireNode(3, "n", 2, 0))

	waitFor(t, 2*time.Second, func() bool {
		return eng.Stats().Nodes == 1 && eng.Stats().Merged == 2
	})

	n, _ := eng.Graph().Node("n")
	if n.Pos == nil || n.Pos.X != 2 {
		t.Errorf("survivor should carry the last position, got %+v", n.Pos)
	}
}

func TestEngineRebuildsIndexOnPositionChange(t *testing.T) {
	fetcher := &scriptedFetcher{}
	eng, err := Open(testOptions(), fetcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	for i := 0; i < 8; i++ {
		eng.Ingest(wireNode(uint64(i+1), fmt.Sprintf("n%d", i), float64(i), 0))
	}
	waitFor(t, 2*time.Second, func() bool {
		return eng.Stats().IndexSize == 8
	})
	if eng.Stats().Rebuilds == 0 {
		t.Error("positioned inserts must trigger an index rebuild")
	}
}

func TestEngineGapResetClearsGraph(t *testing.T) {
	fetcher := &scriptedFetcher{err: fmt.Errorf("history purged")}
	opts := testOptions()
	opts.GapPolicy = GapPolicyReset
	opts.FetchRetries = 1

	eng, err := Open(opts, fetcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	eng.Ingest(wireNode(1, "a", 0, 0))
	waitFor(t, 2*time.Second, func() bool { return eng.Stats().Nodes == 1 })

	// Unfillable gap: the reset policy wipes the graph and restarts the
	// session at zero.
	eng.Ingest(wireNode(10, "b", 1, 0))
	waitFor(t, 2*time.Second, func() bool {
		s := eng.Stats()
		return s.Cursor == 0 && s.Nodes == 0
	})
}

func TestEngineSeedCache(t *testing.T) {
	fetcher := &scriptedFetcher{}
	eng, err := Open(testOptions(), fetcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer eng.Close()

	src := seedFunc(func(ctx context.Context, view string, columns []string) (map[string][]any, error) {
		return map[string][]any{"id": {"a", "b"}}, nil
	})
	eng.SeedCache(context.Background(), src, "topology", []string{"id"})

	if v, ok := eng.Cache().Get("seed:topology:id"); !ok || len(v.([]any)) != 2 {
		t.Errorf("seeded column should be cached, got %v/%v", v, ok)
	}

	// A nil source and a failing source are both tolerated.
	eng.SeedCache(context.Background(), nil, "topology", nil)
	failing := seedFunc(func(ctx context.Context, view string, columns []string) (map[string][]any, error) {
		return nil, fmt.Errorf("store offline")
	})
	eng.SeedCache(context.Background(), failing, "topology", nil)
}

type seedFunc func(ctx context.Context, view string, columns []string) (map[string][]any, error)

func (f seedFunc) QueryColumns(ctx context.Context, view string, columns []string) (map[string][]any, error) {
	return f(ctx, view, columns)
}

func TestEngineCloseAppliesUnflushedDeltas(t *testing.T) {
	fetcher := &scriptedFetcher{}
	opts := testOptions()
	opts.MaxBatchSize = 1000
	opts.BatchDelay = time.Hour // nothing flushes until Close

	eng, err := Open(opts, fetcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 5; i++ {
		eng.Ingest(wireNode(uint64(i), fmt.Sprintf("n%d", i), float64(i), 0))
	}
	waitFor(t, 2*time.Second, func() bool { return eng.Stats().QueueDepth == 5 })

	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}
	if got := eng.Graph().NodeCount(); got != 5 {
		t.Errorf("close must apply the final flush, got %d of 5 nodes", got)
	}
}

func TestEngineCloseIsIdempotent(t *testing.T) {
	fetcher := &scriptedFetcher{}
	eng, err := Open(testOptions(), fetcher, nil)
	if err != nil {
		t.Fatal(err)
	}
	eng.Ingest(wireNode(1, "a", 0, 0))
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}
	if err := eng.Close(); err != nil {
		t.Fatal(err)
	}
	// Ingest after close is a silent no-op.
	eng.Ingest(wireNode(2, "b", 0, 0))
}
