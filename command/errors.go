package command

import (
	"fmt"

	"github.com/raniellyferreira/respkv/protocol"
)

// ErrorKind classifies command failures
type ErrorKind uint8

const (
	ErrUnknownCommand ErrorKind = iota
	ErrArity
	ErrSyntax
	ErrValue
	ErrReadOnly
	ErrScript
	ErrNoScript
	ErrState
)

var errorKindNames = map[ErrorKind]string{
	ErrUnknownCommand: "unknown",
	ErrArity:          "arity",
	ErrSyntax:         "syntax",
	ErrValue:          "value",
	ErrReadOnly:       "readonly",
	ErrScript:         "script",
	ErrNoScript:       "noscript",
	ErrState:          "state",
}

// String returns the kind as used in metric labels
func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return "other"
}

// CommandError is a failure that is answered with an error reply.
// The connection stays open.
type CommandError struct {
	Kind ErrorKind
	// Message is the full reply text including its prefix, e.g. "ERR syntax error"
	Message string
}

// Error implements the error interface
func (e *CommandError) Error() string {
	return e.Message
}

// Reply renders the error as a RESP error value
func (e *CommandError) Reply() protocol.Value {
	return protocol.ErrorValue(e.Message)
}

func errorf(kind ErrorKind, format string, args ...interface{}) *CommandError {
	return &CommandError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func unknownCommand(name string) *CommandError {
	return errorf(ErrUnknownCommand, "ERR unknown command '%s'", name)
}

func wrongArity(name string) *CommandError {
	return errorf(ErrArity, "ERR wrong number of arguments for '%s' command", name)
}

var (
	errSyntax        = &CommandError{Kind: ErrSyntax, Message: "ERR syntax error"}
	errNotInteger    = &CommandError{Kind: ErrValue, Message: "ERR value is not an integer or out of range"}
	errReadOnly      = &CommandError{Kind: ErrReadOnly, Message: "READONLY You can't write against a read only replica."}
	errNegativeWait  = &CommandError{Kind: ErrValue, Message: "ERR timeout is negative"}
	errWaitOnReplica = &CommandError{Kind: ErrState, Message: "ERR WAIT cannot be used with replica instances."}
	errPsyncReplica  = &CommandError{Kind: ErrState, Message: "ERR PSYNC is not supported on a replica"}
	errNumKeys       = &CommandError{Kind: ErrValue, Message: "ERR Number of keys can't be negative or greater than args"}
	errNotAllowed    = &CommandError{Kind: ErrScript, Message: "ERR This Redis command is not allowed from script"}
)
