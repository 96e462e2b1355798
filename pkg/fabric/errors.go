package fabric

import (
	"errors"
	"fmt"
)

// Reason is an admission or delivery rejection reason. Kept as a small
// closed string enum rather than a code-generated type, in the style of
// plain string-backed status kinds used for health check categories.
type Reason string

const (
	ReasonAdjacencyViolation  Reason = "adjacency_violation"
	ReasonUnknownDestination  Reason = "unknown_destination"
	ReasonDestinationDraining Reason = "destination_draining"
	ReasonBackpressureTimeout Reason = "backpressure_timeout"
	ReasonHopExceeded         Reason = "hop_exceeded"
	ReasonRateLimited         Reason = "rate_limited"
	ReasonDeadlineExceeded    Reason = "deadline_exceeded"
	ReasonDestinationFailed   Reason = "destination_failed_mid_flight"
)

// RejectedError wraps an admission or delivery rejection with its Reason.
// Comparable by Reason via errors.Is against a &RejectedError{Reason: ...}
// target (see Is).
type RejectedError struct {
	Reason Reason
	Detail string
}

func (e *RejectedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("rejected: %s", e.Reason)
	}
	return fmt.Sprintf("rejected: %s: %s", e.Reason, e.Detail)
}

// Is implements errors.Is support for Reason comparison: errors.Is(err,
// &RejectedError{Reason: ReasonHopExceeded}) matches any RejectedError with
// that reason regardless of Detail.
func (e *RejectedError) Is(target error) bool {
	t, ok := target.(*RejectedError)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// Rejected builds a *RejectedError for the given reason.
func Rejected(reason Reason, detail string) *RejectedError {
	return &RejectedError{Reason: reason, Detail: detail}
}

// Unit, Orchestrator, and Propagator error kinds. These are
// sentinel values compared with errors.Is; wrapping call sites use %w.
var (
	ErrCapabilityPanicked = errors.New("capability panicked")
	ErrBudgetExceeded     = errors.New("per-message budget exceeded")
	ErrInvariantViolated  = errors.New("capability output violates an invariant")

	ErrInvalidTopologyPlan   = errors.New("invalid topology plan")
	ErrCasConflict           = errors.New("compare-and-swap conflict")
	ErrLayerCapacityExceeded = errors.New("layer capacity exceeded")

	ErrGradientLost     = errors.New("gradient lost: correlation record evicted")
	ErrGradientOrphaned = errors.New("gradient orphaned: producer unknown or terminated")
)

// AbortFunc is the function invoked for unrecoverable fabric conditions
// (state-store corruption, non-monotonic snapshot version, router
// self-check failure), mandating process abort rather than silent
// continuation. It is injected (orchestrator.New takes one), so the caller
// decides what an abort does.
type AbortFunc func(reason string)

// DefaultAbort panics rather than hiding a direct os.Exit deep inside a
// library package; cmd/neurofabricd does not recover it, so the panic ends
// the process.
func DefaultAbort(reason string) {
	panic("neurofabric: fatal: " + reason)
}
