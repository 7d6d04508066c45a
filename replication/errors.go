package replication

import (
	"errors"
	"fmt"
)

var (
	// ErrNotMaster is returned by operations that only a master can perform
	ErrNotMaster = errors.New("replication: not a master")

	// ErrClosed is returned after the manager or client has been stopped
	ErrClosed = errors.New("replication: closed")
)

// HandshakeError reports an unexpected master reply while a replica is
// negotiating a sync. It is fatal: the replica does not retry.
type HandshakeError struct {
	Step string // ping, listening-port, capa, psync or rdb
	Got  string
	Err  error
}

// Error implements the error interface
func (e *HandshakeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake failed at %s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("handshake failed at %s: unexpected reply %q", e.Step, e.Got)
}

// Unwrap returns the underlying error, if any
func (e *HandshakeError) Unwrap() error {
	return e.Err
}
