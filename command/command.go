package command

import (
	"strings"

	"github.com/raniellyferreira/respkv/protocol"
)

// Kind identifies a supported command
type Kind uint8

const (
	KindUnknown Kind = iota
	KindPing
	KindEcho
	KindSet
	KindGet
	KindConfig
	KindKeys
	KindInfo
	KindReplconf
	KindPsync
	KindWait
	KindDel
	KindExists
	KindType
	KindCommand
	KindEval
	KindEvalSHA
	KindScript
)

// Flag describes how a command interacts with replication
type Flag uint8

const (
	// FlagWrite marks commands that modify the keyspace and are propagated
	FlagWrite Flag = 1 << iota
	// FlagReplication marks commands that belong to the replication protocol
	FlagReplication
	// FlagNoScript marks commands redis.call refuses to run
	FlagNoScript
	// FlagScript marks commands that run a script, which may write
	FlagScript
)

// Descriptor is a row of the command table
type Descriptor struct {
	Kind Kind
	Name string
	// Arity counts the command name. A negative arity is a minimum.
	Arity int
	Flags Flag
}

// Has reports whether all of f is set
func (s Descriptor) Has(f Flag) bool {
	return s.Flags&f == f
}

func (s Descriptor) arityOK(argc int) bool {
	if s.Arity >= 0 {
		return argc == s.Arity
	}
	return argc >= -s.Arity
}

var table = map[string]Descriptor{
	"PING":     {KindPing, "ping", -1, 0},
	"ECHO":     {KindEcho, "echo", 2, 0},
	"SET":      {KindSet, "set", -3, FlagWrite},
	"GET":      {KindGet, "get", 2, 0},
	"CONFIG":   {KindConfig, "config", -2, 0},
	"KEYS":     {KindKeys, "keys", 2, 0},
	"INFO":     {KindInfo, "info", -1, 0},
	"REPLCONF": {KindReplconf, "replconf", -1, FlagReplication | FlagNoScript},
	"PSYNC":    {KindPsync, "psync", 3, FlagReplication | FlagNoScript},
	"WAIT":     {KindWait, "wait", 3, FlagNoScript},
	"DEL":      {KindDel, "del", -2, FlagWrite},
	"EXISTS":   {KindExists, "exists", -2, 0},
	"TYPE":     {KindType, "type", 2, 0},
	"COMMAND":  {KindCommand, "command", -1, 0},
	"EVAL":     {KindEval, "eval", -3, FlagNoScript | FlagScript},
	"EVALSHA":  {KindEvalSHA, "evalsha", -3, FlagNoScript | FlagScript},
	"SCRIPT":   {KindScript, "script", -2, FlagNoScript},
}

// Lookup finds the table row for a command name in any case
func Lookup(name string) (Descriptor, bool) {
	s, ok := table[strings.ToUpper(name)]
	return s, ok
}

// String returns the lower-case command name
func (k Kind) String() string {
	for _, s := range table {
		if s.Kind == k {
			return s.Name
		}
	}
	return "unknown"
}

// Origin tells where a command came from
type Origin uint8

const (
	// OriginClient is a regular client connection
	OriginClient Origin = iota
	// OriginMaster is the replication stream of this node's master
	OriginMaster
)

// Request is one command to execute
type Request struct {
	Cmd    *protocol.Command
	Origin Origin
	// Session is the replica session bound to the connection, if any
	Session string
	// AckOffset is the replica offset before this frame, used by GETACK
	AckOffset int64
}

// Result is the outcome of executing a command
type Result struct {
	Reply protocol.Value
	// NoReply suppresses the reply entirely
	NoReply bool
	// Propagate holds the writes appended to the replication stream, in order
	Propagate []*protocol.Command
	// FullResync asks the connection to become a replica link
	FullResync bool
	// ListeningPort is set when the peer announced its replica port
	ListeningPort int
	// Err is the failure rendered in Reply, if any
	Err error
}

func reply(v protocol.Value) Result {
	return Result{Reply: v}
}

func ok() Result {
	return reply(protocol.SimpleString("OK"))
}
