package core

import "fmt"

// MalformedDeltaError reports a wire payload that could not be normalized
// into a typed delta. The offending delta is skipped; the rest of the batch
// is unaffected.
type MalformedDeltaError struct {
	Sequence uint64
	Reason   string
}

func (e *MalformedDeltaError) Error() string {
	return fmt.Sprintf("malformed delta (seq %d): %s", e.Sequence, e.Reason)
}
