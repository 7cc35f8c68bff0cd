// Package errs defines the failure taxonomy shared by the pipeline stages.
package errs

import "errors"

var (
	// ErrSourceUnavailable marks a read that could not be performed: the
	// object or URL could not be opened, a stream broke mid-way, or a read
	// timed out. It aborts the pass that hit it.
	ErrSourceUnavailable = errors.New("busindex: source unavailable")

	// ErrSinkUnavailable marks a write that failed after all retries.
	ErrSinkUnavailable = errors.New("busindex: sink unavailable")

	// ErrMalformedRecord marks a single record that failed to decode or
	// validate. Record-level errors are skipped and counted, never fatal.
	ErrMalformedRecord = errors.New("busindex: malformed record")

	// ErrInconsistentIndex marks a trip/stop cross-reference mismatch
	// found before publishing.
	ErrInconsistentIndex = errors.New("busindex: inconsistent index")
)
