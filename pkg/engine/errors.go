package engine

import "fmt"

// FetchFailure reports that a gap-fill fetch gave up after bounded retries.
// It is normally wrapped into a SyncGapError before reaching the caller.
type FetchFailure struct {
	From, To uint64
	Attempts int
	Err      error
}

func (e *FetchFailure) Error() string {
	return fmt.Sprintf("fetch of range [%d,%d] failed after %d attempts: %v", e.From, e.To, e.Attempts, e.Err)
}

func (e *FetchFailure) Unwrap() error { return e.Err }

// SyncGapError reports a sequence gap that could not be reconciled. Depending
// on the configured GapPolicy the engine has either discarded the gap
// (advancing past it) or requested a full graph reset by the time the caller
// sees this error.
type SyncGapError struct {
	From, To uint64
	Err      error
}

func (e *SyncGapError) Error() string {
	return fmt.Sprintf("unresolved sequence gap [%d,%d]: %v", e.From, e.To, e.Err)
}

func (e *SyncGapError) Unwrap() error { return e.Err }

// InvalidLODConfigError reports a detail-band table that is not contiguous,
// overlaps, or is otherwise unusable. It is fatal at startup.
type InvalidLODConfigError struct {
	Reason string
}

func (e *InvalidLODConfigError) Error() string {
	return "invalid LOD configuration: " + e.Reason
}
