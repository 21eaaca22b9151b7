package types

import "errors"

// Error taxonomy for the transfer layer. Timeouts are wrapped around
// ErrConnectionFailed so retry accounting treats them identically to any
// other transport failure.
var (
	// ErrConnectionFailed covers handshake and transport failures,
	// recoverable up to the configured retry bound
	ErrConnectionFailed = errors.New("connection failed")

	// ErrBudgetExceeded is transient: the caller retries after the
	// bandwidth window rotates, it never fails a session
	ErrBudgetExceeded = errors.New("bandwidth budget exceeded")

	// ErrChecksumMismatch triggers a chunk retry, then session failure
	// once retries are exhausted
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrTransferNotFound reports an unknown transfer ID
	ErrTransferNotFound = errors.New("transfer not found")

	// ErrNotConnected reports a send to a peer with no pooled connection
	ErrNotConnected = errors.New("peer not connected")
)
