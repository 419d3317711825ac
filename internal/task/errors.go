package task

import "errors"

// ErrInvariantViolation wraps every condition spec §3/§4.4 calls a
// fatal invariant violation (two OPEN transactions, a missing buffer
// key, a READY_FOR_PICK_UP task without rows, status/result
// disagreement). The applier never calls os.Exit itself — the
// orchestrator (internal/pipeline) returns the error unchanged, and
// cmd/replicator routes it into the single fatal-assert facility
// (internal/g.Fatalf), which keeps this package unit-testable.
var ErrInvariantViolation = errors.New("invariant violation")

// IsInvariantViolation reports whether err (or something it wraps) is
// an invariant violation, so callers can distinguish "fatal, stop the
// process" from ordinary retryable failures.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
