// Package errs defines the error kinds from spec §7 as sentinel
// errors, so callers can classify a failure with errors.Is instead of
// string matching, and the rest of the server can follow the
// disposition table in spec §7 (reply-and-close, implicit disconnect,
// local recovery, fatal) mechanically.
package errs

import "errors"

var (
	// ErrProtocol: malformed message, unknown kind, version mismatch.
	ErrProtocol = errors.New("protocol error")

	// ErrFormatUnsupported: no device in the requested direction
	// advertises the requested format.
	ErrFormatUnsupported = errors.New("format unsupported")

	// ErrResourceExhausted: no shared memory, or too many streams.
	ErrResourceExhausted = errors.New("resource exhausted")

	// ErrHardware: device open/start/mmap failure.
	ErrHardware = errors.New("hardware error")

	// ErrXrun: underrun (output starved hardware) or overrun (input
	// lapped the consumer).
	ErrXrun = errors.New("xrun")

	// ErrPeerGone: the control socket closed unexpectedly; treated as
	// an implicit DISCONNECT.
	ErrPeerGone = errors.New("peer gone")

	// ErrRoutingAbsent: no device exists yet for this direction/type.
	ErrRoutingAbsent = errors.New("no device for stream type")
)
