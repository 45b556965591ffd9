// Package xfer defines the error taxonomy shared by the socket,
// exchange engine, and I/O driver layers. These are kinds, not concrete
// types: call sites wrap one of these sentinels with context via
// fmt.Errorf("...: %w", ...) and callers branch on errors.Is.
package xfer

import "errors"

var (
	// ErrConnectionRefused marks a first-send-before-peer-ready failure;
	// immediately fatal to the worker.
	ErrConnectionRefused = errors.New("xfer: connection refused")

	// ErrTryAgain marks a transient condition the I/O driver should retry.
	ErrTryAgain = errors.New("xfer: try again")

	// ErrLastMessageReceived is a control signal, not an error: it
	// indicates the sentinel datagram was seen and the receiver should
	// enter DRAIN.
	ErrLastMessageReceived = errors.New("xfer: last message received")

	// ErrHeaderTruncated marks a per-datagram header parse failure.
	ErrHeaderTruncated = errors.New("xfer: header truncated")

	// ErrControlMessageMalformed marks an ancillary (cmsg) parse failure.
	ErrControlMessageMalformed = errors.New("xfer: control message malformed")

	// ErrSocketFatal marks an unrecoverable condition: bad fd, protocol
	// violation. The worker transitions to FAILED.
	ErrSocketFatal = errors.New("xfer: socket fatal")

	// ErrTimeout marks a readiness wait that elapsed without becoming
	// ready; the loop retries unless cancellation is pending.
	ErrTimeout = errors.New("xfer: timeout")
)
