package engine

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/calterras/vizgraph/pkg/core"
	"github.com/calterras/vizgraph/pkg/metrics"
)

// SyncState is the reconciliation client's state.
type SyncState string

const (
	StateSynced  SyncState = "synced"
	StateSyncing SyncState = "syncing"
)

// GapPolicy decides what happens when a sequence gap cannot be filled after
// bounded retries.
type GapPolicy int

const (
	// GapPolicyDiscard advances the cursor past the gap, accepting lost
	// history. The graph stays usable with slightly stale data.
	GapPolicyDiscard GapPolicy = iota

	// GapPolicyReset requests a full graph reset and resync.
	GapPolicyReset
)

func (p GapPolicy) String() string {
	if p == GapPolicyReset {
		return "reset"
	}
	return "discard"
}

// Fetcher is the gap-fill round trip: it returns the deltas in the inclusive
// sequence range [from, to]. A short or empty result is authoritative — the
// server has nothing more for that range.
type Fetcher interface {
	FetchRange(ctx context.Context, from, to uint64) ([]core.Delta, error)
}

// Reconciler tracks the sequence cursor, detects gaps against it, and drives
// catch-up fetches. Deltas reach the downstream sink strictly in ascending
// sequence order; duplicates (sequence at or below the cursor) are dropped
// silently.
//
// The gap-fill fetch is the engine's only blocking operation. Reset may be
// called concurrently and cancels an in-flight fetch; partial results from a
// cancelled fetch are never applied.
type Reconciler struct {
	mu     sync.Mutex
	cursor uint64
	state  SyncState

	// buffer holds out-of-order deltas keyed by sequence until the cursor
	// catches up to them.
	buffer btree.Map[uint64, core.Delta]

	fetcher Fetcher
	deliver func(core.Delta)
	resetFn func()

	policy     GapPolicy
	maxRetries int
	backoff    time.Duration

	sessionID   string
	generation  uint64
	fetchCancel context.CancelFunc

	duplicates uint64
}

// NewReconciler creates a reconciliation client delivering in-order deltas to
// the given sink. resetFn is invoked when GapPolicyReset fires; it may be nil
// under GapPolicyDiscard.
func NewReconciler(fetcher Fetcher, deliver func(core.Delta), resetFn func(), policy GapPolicy, maxRetries int, backoff time.Duration) *Reconciler {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Reconciler{
		state:      StateSynced,
		fetcher:    fetcher,
		deliver:    deliver,
		resetFn:    resetFn,
		policy:     policy,
		maxRetries: maxRetries,
		backoff:    backoff,
		sessionID:  uuid.New().String(),
	}
}

// Offer hands the reconciler one incoming delta. In-order deltas are
// delivered immediately; a sequence gap moves the client to StateSyncing and
// blocks on a bounded-retry fetch of the missing range before the cursor
// advances to the incoming sequence.
//
// The returned error is a *SyncGapError when the gap could not be filled; by
// then the configured GapPolicy has already been applied.
func (r *Reconciler) Offer(ctx context.Context, d core.Delta) error {
	r.mu.Lock()

	if d.Sequence <= r.cursor {
		r.duplicates++
		metrics.DeltasDuplicate.Inc()
		r.mu.Unlock()
		return nil
	}

	if d.Sequence == r.cursor+1 {
		r.deliver(d)
		r.cursor = d.Sequence
		r.drainLocked()
		metrics.SequenceCursor.Set(float64(r.cursor))
		r.mu.Unlock()
		return nil
	}

	// Gap: [cursor+1, d.Sequence-1] is missing.
	from, to := r.cursor+1, d.Sequence-1
	r.state = StateSyncing
	r.buffer.Set(d.Sequence, d)
	gen := r.generation

	fetchCtx, cancel := context.WithCancel(ctx)
	r.fetchCancel = cancel
	r.mu.Unlock()

	slog.Info("sequence gap detected, fetching", "from", from, "to", to, "session", r.sessionID)
	fetched, err := r.fetchWithRetry(fetchCtx, from, to)
	cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchCancel = nil

	if gen != r.generation {
		// Reset raced the fetch; whatever came back is from a dead session.
		return nil
	}

	if err != nil {
		gapErr := &SyncGapError{From: from, To: to, Err: err}
		switch r.policy {
		case GapPolicyReset:
			slog.Warn("gap unresolved, requesting full reset", "from", from, "to", to)
			r.resetSessionLocked(0)
			if r.resetFn != nil {
				r.resetFn()
			}
		default:
			slog.Warn("gap unresolved, discarding range", "from", from, "to", to)
			r.cursor = to
			r.drainLocked()
			r.state = StateSynced
		}
		metrics.SyncGaps.Inc()
		metrics.SequenceCursor.Set(float64(r.cursor))
		return gapErr
	}

	sort.Slice(fetched, func(i, j int) bool { return fetched[i].Sequence < fetched[j].Sequence })
	for _, fd := range fetched {
		if fd.Sequence <= r.cursor || fd.Sequence > to {
			continue
		}
		r.deliver(fd)
		r.cursor = fd.Sequence
	}
	// A short response means the server has no more deltas in the range:
	// advance over the hole (partial sync).
	if r.cursor < to {
		r.cursor = to
	}
	r.drainLocked()
	r.state = StateSynced
	metrics.SequenceCursor.Set(float64(r.cursor))
	return nil
}

// drainLocked delivers buffered deltas that have become contiguous with the
// cursor and discards ones the cursor has passed. Caller holds the mutex.
func (r *Reconciler) drainLocked() {
	for {
		seq, d, ok := r.buffer.Min()
		if !ok {
			return
		}
		switch {
		case seq <= r.cursor:
			r.buffer.Delete(seq)
		case seq == r.cursor+1:
			r.buffer.Delete(seq)
			r.deliver(d)
			r.cursor = seq
		default:
			return
		}
	}
}

// fetchWithRetry runs the gap-fill fetch with bounded retries and
// exponential backoff, honoring context cancellation between attempts.
func (r *Reconciler) fetchWithRetry(ctx context.Context, from, to uint64) ([]core.Delta, error) {
	var lastErr error
	wait := r.backoff
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		deltas, err := r.fetcher.FetchRange(ctx, from, to)
		if err == nil {
			return deltas, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if attempt < r.maxRetries && wait > 0 {
			select {
			case <-ctx.Done():
				return nil, &FetchFailure{From: from, To: to, Attempts: attempt, Err: ctx.Err()}
			case <-time.After(wait):
			}
			wait *= 2
		}
	}
	return nil, &FetchFailure{From: from, To: to, Attempts: r.maxRetries, Err: lastErr}
}

// Reset aborts any in-flight fetch, clears the out-of-order buffer, and
// starts a fresh session at the given cursor.
func (r *Reconciler) Reset(cursor uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetSessionLocked(cursor)
}

func (r *Reconciler) resetSessionLocked(cursor uint64) {
	r.generation++
	if r.fetchCancel != nil {
		r.fetchCancel()
		r.fetchCancel = nil
	}
	r.buffer = btree.Map[uint64, core.Delta]{}
	r.cursor = cursor
	r.state = StateSynced
	r.sessionID = uuid.New().String()
	metrics.SequenceCursor.Set(float64(cursor))
}

// Cursor returns the highest sequence fully applied.
func (r *Reconciler) Cursor() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// State returns the current reconciliation state.
func (r *Reconciler) State() SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// SessionID identifies the current reconciliation session.
func (r *Reconciler) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Duplicates reports how many already-applied deltas were dropped.
func (r *Reconciler) Duplicates() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.duplicates
}
