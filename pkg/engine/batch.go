package engine

import (
	"sync"
	"time"

	"github.com/calterras/vizgraph/pkg/core"
	"github.com/calterras/vizgraph/pkg/metrics"
)

// Batcher groups incoming deltas into bounded-size, bounded-latency batches:
// a batch is delivered when the queue reaches maxBatch entries or delay has
// elapsed since the oldest unflushed delta, whichever happens first.
//
// Flushing is not reentrant: a flush in progress completes before the next
// begins, and an Enqueue that races with a flush lands in the next batch,
// never the one mid-flight.
type Batcher struct {
	mu      sync.Mutex
	buf     []core.Delta
	timer   *time.Timer
	stopped bool

	// flushMu serializes flushes.
	flushMu sync.Mutex

	maxBatch int
	delay    time.Duration
	deliver  func(core.Batch)
}

// NewBatcher creates a batcher delivering through the given sink. maxBatch
// must be at least 1; a zero delay disables the latency bound.
func NewBatcher(maxBatch int, delay time.Duration, deliver func(core.Batch)) *Batcher {
	if maxBatch < 1 {
		maxBatch = 1
	}
	return &Batcher{maxBatch: maxBatch, delay: delay, deliver: deliver}
}

// Enqueue adds a delta to the current batch. The first delta of a batch arms
// the delay timer; reaching maxBatch triggers an immediate flush in the
// background, keeping the caller non-blocking.
func (b *Batcher) Enqueue(d core.Delta) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.buf = append(b.buf, d)
	if len(b.buf) == 1 && b.delay > 0 {
		b.timer = time.AfterFunc(b.delay, b.Flush)
	}
	full := len(b.buf) >= b.maxBatch
	depth := len(b.buf)
	b.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	if full {
		go b.Flush()
	}
}

// Flush forces immediate delivery of the current partial batch. Used on
// shutdown and on demand; a no-op when the queue is empty.
func (b *Batcher) Flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if len(b.buf) == 0 {
		b.mu.Unlock()
		return
	}
	batch := core.Batch{Deltas: b.buf, ClosedAt: time.Now()}
	b.buf = nil
	b.mu.Unlock()

	metrics.QueueDepth.Set(0)
	metrics.BatchSize.Observe(float64(len(batch.Deltas)))
	b.deliver(batch)
}

// Len reports the current queue depth.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buf)
}

// Close flushes the remaining partial batch and rejects further enqueues.
func (b *Batcher) Close() {
	b.mu.Lock()
	b.stopped = true
	b.mu.Unlock()
	b.Flush()
}
