// Package apexerr defines the sentinel error kinds shared across the
// telemetry pipeline. Callers wrap one of these with fmt.Errorf("...: %w", ...)
// to add context; errors.Is against the sentinel still works.
package apexerr

import "errors"

var (
	// Malformed indicates a datagram shorter than the fixed header, or a
	// capture record with trailing/truncated bytes.
	Malformed = errors.New("malformed payload")

	// AuthFailed indicates the post-decryption magic number did not match.
	AuthFailed = errors.New("auth check failed")

	// BindFailed indicates a UDP socket bind failure.
	BindFailed = errors.New("bind failed")

	// IoFailed indicates a capture file read/write failure.
	IoFailed = errors.New("io failed")

	// Cancelled indicates a cooperative cancellation (playback, auto-detect).
	Cancelled = errors.New("cancelled")

	// Timeout indicates an auto-detect session exceeded its deadline.
	Timeout = errors.New("timeout")
)
