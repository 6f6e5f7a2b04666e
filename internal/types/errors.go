package types

import (
	"errors"
	"fmt"
)

// Error taxonomy. Collaborator failures are never papered over with
// heuristic fallbacks; callers decide whether to defer or fail.
var (
	// ErrDependencyUnavailable: an external collaborator (NER, classifier,
	// embedder) is unreachable. The enclosing operation fails loudly.
	ErrDependencyUnavailable = errors.New("dependency unavailable")

	// ErrDependencyTimeout: a collaborator call exceeded its budget.
	// The caller may defer the work or fail the enclosing operation.
	ErrDependencyTimeout = errors.New("dependency timeout")

	// ErrConcurrentWriteConflict: the per-user write lock could not be
	// acquired in time. The caller retries with backoff.
	ErrConcurrentWriteConflict = errors.New("concurrent write conflict")

	// ErrJobTimedOut: a consolidation job exceeded its time budget.
	// Partial progress is retained; the job retries next cycle.
	ErrJobTimedOut = errors.New("consolidation job timed out")

	// ErrInsufficientData: not enough history to compute the requested
	// statistic (e.g. a trend needs at least 3 snapshots).
	ErrInsufficientData = errors.New("insufficient data")

	// ErrNotFound: the referenced fact or record does not exist.
	ErrNotFound = errors.New("not found")
)

// InvariantViolationError reports a write that would break immutability or
// confidence monotonicity. Such writes are rejected before commit and logged
// as defects; they are never auto-corrected.
type InvariantViolationError struct {
	FactID string
	Reason string
}

func (e *InvariantViolationError) Error() string {
	return fmt.Sprintf("invariant violation on fact %s: %s", e.FactID, e.Reason)
}

// IsInvariantViolation reports whether err is an InvariantViolationError.
func IsInvariantViolation(err error) bool {
	var ive *InvariantViolationError
	return errors.As(err, &ive)
}
