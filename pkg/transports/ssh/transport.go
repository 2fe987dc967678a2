// Package ssh reaches a remote authority through SSH. The client logs in,
// starts the server command on the remote host and speaks the protocol
// over that command's stdin and stdout.
package ssh

import (
	"time"
)

// ConnectionInfo describes a live connection.
type ConnectionInfo struct {
	Address string
	User    string
	// Jump is the jump host address, empty for direct connections.
	Jump string

	ConnectedAt  time.Time
	LastActivity time.Time
	Streams      int
}

// TransportError is a failure below the protocol layer.
type TransportError struct {
	Op  string
	Err error

	// Retryable is set when the same call may succeed later.
	Retryable bool
	// Auth is set when the server rejected the credentials.
	Auth bool
}

func (e *TransportError) Error() string {
	return "ssh " + e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error { return e.Err }

// Temporary reports whether the call may be retried.
func (e *TransportError) Temporary() bool { return e.Retryable }
