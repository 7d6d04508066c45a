package protocol

import (
	"errors"
	"fmt"
)

// ErrIncomplete is returned by Decode when the buffer holds only a prefix of a
// frame. It is not a failure: the caller should read more bytes and retry.
var ErrIncomplete = errors.New("incomplete frame")

// ProtocolError reports a malformed frame. The byte stream can no longer be
// trusted after one, so connections that see it are closed.
type ProtocolError struct {
	Message string
	// Offset is the position in the decoded buffer where the problem was found
	Offset int
}

// Error implements the error interface
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", e.Message)
}

// IOError represents a socket read or write failure
type IOError struct {
	Op  string // "read" or "write"
	Err error
}

// Error implements the error interface
func (e *IOError) Error() string {
	return fmt.Sprintf("i/o error on %s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error
func (e *IOError) Unwrap() error {
	return e.Err
}

func protocolErrorf(offset int, format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Message: fmt.Sprintf(format, args...), Offset: offset}
}
