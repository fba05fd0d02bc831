// Package errs defines the sentinel error kinds shared across the control
// plane, matched against the error disposition table in the design.
package errs

import "errors"

var (
	// ErrInvalidSyntax is returned by the protocol codec when a frame cannot
	// be parsed (unbalanced quotes, empty verb). The connection stays open.
	ErrInvalidSyntax = errors.New("invalid syntax")

	// ErrAuthFailed is returned when a client's AUTH passkey does not match.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrVersionMismatch is returned when a client's protocol version is
	// incompatible with the server's.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrNotFound covers a missing target client, file, or token.
	ErrNotFound = errors.New("not found")

	// ErrTimeout covers a command, transfer, or stability-check timeout.
	ErrTimeout = errors.New("timeout")

	// ErrTransport covers a socket closing mid-frame.
	ErrTransport = errors.New("transport error")

	// ErrIntegrity covers a size/checksum mismatch on upload.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrShuttingDown is returned by operations refused during shutdown.
	ErrShuttingDown = errors.New("server shutting down")
)
