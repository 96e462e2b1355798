package substrate

import "errors"

// Substrate errors are explicit result values, never panics: no
// exception-style control flow.
var (
	ErrClosed              = errors.New("substrate: channel closed")
	ErrBackpressureTimeout = errors.New("substrate: backpressure timeout")
	ErrNotFound            = errors.New("substrate: key not found")
	ErrCasConflict         = errors.New("substrate: compare-and-swap conflict")
)
