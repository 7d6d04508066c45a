package respkv

import (
	"errors"

	"github.com/raniellyferreira/respkv/command"
	"github.com/raniellyferreira/respkv/protocol"
	"github.com/raniellyferreira/respkv/replication"
)

// Error types for specific failure scenarios
var (
	// ErrInvalidConfig indicates invalid configuration options
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrNotReplica is returned by replica-only operations on a master
	ErrNotReplica = errors.New("node is not a replica")

	// ErrNotStarted is returned by operations that need a started node
	ErrNotStarted = errors.New("node is not started")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timed out")

	// ErrClosed indicates the node has been closed
	ErrClosed = errors.New("node is closed")
)

type (
	// ProtocolError reports malformed RESP input
	ProtocolError = protocol.ProtocolError

	// IOError reports a failed read or write on a connection
	IOError = protocol.IOError

	// CommandError is a command rejected with an error reply
	CommandError = command.CommandError

	// HandshakeError reports an unexpected master reply during sync
	HandshakeError = replication.HandshakeError
)
