package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/calterras/vizgraph/pkg/core"
)

type batchCollector struct {
	mu      sync.Mutex
	batches []core.Batch
}

func (c *batchCollector) deliver(b core.Batch) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, b)
}

func (c *batchCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *batchCollector) get(i int) core.Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.batches[i]
}

func seqDelta(seq uint64) core.Delta {
	return core.Delta{Sequence: seq, Op: core.OpAdded, Kind: core.EntityNode, Node: &core.Node{ID: "n"}}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestBatcherFlushesOnSize(t *testing.T) {
	var c batchCollector
	b := NewBatcher(3, time.Hour, c.deliver)

	b.Enqueue(seqDelta(1))
	b.Enqueue(seqDelta(2))
	if c.count() != 0 {
		t.Fatal("batch must not flush before reaching the size cap")
	}
	b.Enqueue(seqDelta(3))

	waitFor(t, time.Second, func() bool { return c.count() == 1 })
	if got := len(c.get(0).Deltas); got != 3 {
		t.Errorf("expected a 3-delta batch, got %d", got)
	}
	if b.Len() != 0 {
		t.Errorf("queue should be empty after flush, depth %d", b.Len())
	}
}

func TestBatcherFlushesOnDelay(t *testing.T) {
	var c batchCollector
	b := NewBatcher(1000, 20*time.Millisecond, c.deliver)

	b.Enqueue(seqDelta(1))
	waitFor(t, time.Second, func() bool { return c.count() == 1 })
	if got := len(c.get(0).Deltas); got != 1 {
		t.Errorf("expected the partial batch after the delay, got %d deltas", got)
	}
}

func TestBatcherForcedFlush(t *testing.T) {
	var c batchCollector
	b := NewBatcher(1000, time.Hour, c.deliver)

	b.Enqueue(seqDelta(1))
	b.Enqueue(seqDelta(2))
	b.Flush()

	if c.count() != 1 || len(c.get(0).Deltas) != 2 {
		t.Fatalf("forced flush should deliver the partial batch, got %d batches", c.count())
	}
	if c.get(0).ClosedAt.IsZero() {
		t.Error("batch should carry its window-close timestamp")
	}

	// Flushing an empty queue is a no-op.
	b.Flush()
	if c.count() != 1 {
		t.Error("empty flush must not deliver a batch")
	}
}

func TestBatcherPreservesOrder(t *testing.T) {
	var c batchCollector
	b := NewBatcher(1000, time.Hour, c.deliver)
	for i := uint64(1); i <= 10; i++ {
		b.Enqueue(seqDelta(i))
	}
	b.Flush()

	deltas := c.get(0).Deltas
	for i := 1; i < len(deltas); i++ {
		if deltas[i-1].Sequence > deltas[i].Sequence {
			t.Fatal("batch must preserve the relative order of its deltas")
		}
	}
}

func TestBatcherEnqueueDuringFlushGoesToNextBatch(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	started := make(chan struct{})
	release := make(chan struct{})

	b := NewBatcher(1000, time.Hour, func(batch core.Batch) {
		mu.Lock()
		sizes = append(sizes, len(batch.Deltas))
		first := len(sizes) == 1
		mu.Unlock()
		if first {
			close(started)
			<-release // hold the first flush open
		}
	})

	b.Enqueue(seqDelta(1))
	go b.Flush()
	<-started

	// This enqueue races the in-progress flush: it must land in the next
	// batch, never the one mid-flight.
	b.Enqueue(seqDelta(2))
	close(release)
	b.Flush()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(sizes) == 2
	})
	mu.Lock()
	defer mu.Unlock()
	if sizes[0] != 1 || sizes[1] != 1 {
		t.Errorf("expected two single-delta batches, got %v", sizes)
	}
}

func TestBatcherCloseFlushesRemainder(t *testing.T) {
	var c batchCollector
	b := NewBatcher(1000, time.Hour, c.deliver)
	b.Enqueue(seqDelta(1))
	b.Close()

	if c.count() != 1 {
		t.Fatal("close must flush the remaining partial batch")
	}
	b.Enqueue(seqDelta(2))
	b.Flush()
	if c.count() != 1 {
		t.Error("enqueue after close must be rejected")
	}
}
