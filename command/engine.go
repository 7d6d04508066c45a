package command

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/raniellyferreira/respkv/lua"
	"github.com/raniellyferreira/respkv/protocol"
	"github.com/raniellyferreira/respkv/replication"
	"github.com/raniellyferreira/respkv/storage"
)

// Replication is the replication state the engine reports on and drives.
// *replication.Manager implements it.
type Replication interface {
	Role() replication.Role
	ReplID() string
	Offset() int64
	ReplicaCount() int
	Sessions() []replication.SessionInfo
	Ack(sessionID string, offset int64)
	Wait(ctx context.Context, n int, timeout time.Duration) (int, error)
	// Apply runs a store mutation and appends the writes it returns to the
	// replication stream as one step
	Apply(fn func() []*protocol.Command)
}

// ConfigSource answers CONFIG GET. Names are lower case.
type ConfigSource interface {
	Get(name string) (string, bool)
	Names() []string
}

// Logger interface for command logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector receives per-command measurements
type MetricsCollector interface {
	RecordCommand(name string, duration time.Duration)
	RecordCommandError(name string, kind string)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Engine executes commands against a store and the replication state
type Engine struct {
	store   storage.Storage
	repl    Replication
	scripts *lua.Engine
	config  ConfigSource

	logger  Logger
	metrics MetricsCollector

	version string
	now     func() time.Time
	started time.Time
	linkUp  func() bool
}

// Option configures an Engine
type Option func(*Engine)

// WithConfig sets the source of CONFIG GET values
func WithConfig(src ConfigSource) Option {
	return func(e *Engine) {
		e.config = src
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(e *Engine) {
		e.metrics = metrics
	}
}

// WithVersion sets the version INFO server reports
func WithVersion(version string) Option {
	return func(e *Engine) {
		e.version = version
	}
}

// WithClock replaces time.Now for expiry computation
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithScripts shares a Lua script cache between engines
func WithScripts(scripts *lua.Engine) Option {
	return func(e *Engine) {
		if scripts != nil {
			e.scripts = scripts
		}
	}
}

// WithLinkStatus reports whether the link to the master is up, for INFO
func WithLinkStatus(up func() bool) Option {
	return func(e *Engine) {
		e.linkUp = up
	}
}

// NewEngine creates a command engine
func NewEngine(store storage.Storage, repl Replication, opts ...Option) *Engine {
	e := &Engine{
		store:   store,
		repl:    repl,
		scripts: lua.NewEngine(),
		logger:  nopLogger{},
		version: "dev",
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.started = e.now()
	return e
}

// Execute runs one command. Commands from the master are applied without a
// reply, except REPLCONF GETACK.
func (e *Engine) Execute(ctx context.Context, req Request) Result {
	start := time.Now()
	res := e.execute(ctx, req, false)

	if req.Origin == OriginMaster && !isGetAck(req.Cmd) {
		if res.Err != nil {
			e.logger.Error("Replicated command failed", "command", req.Cmd.Name, "error", res.Err)
		}
		res.NoReply = true
	}

	if e.metrics != nil {
		name := strings.ToLower(req.Cmd.Name)
		e.metrics.RecordCommand(name, time.Since(start))
		var cerr *CommandError
		if errors.As(res.Err, &cerr) {
			e.metrics.RecordCommandError(name, cerr.Kind.String())
		}
	}
	return res
}

// ApplyReplicated implements replication.Applier
func (e *Engine) ApplyReplicated(ctx context.Context, cmd *protocol.Command, offset int64) (protocol.Value, bool) {
	res := e.Execute(ctx, Request{Cmd: cmd, Origin: OriginMaster, AckOffset: offset})
	return res.Reply, !res.NoReply
}

// Scripts returns the Lua engine holding the script cache
func (e *Engine) Scripts() *lua.Engine {
	return e.scripts
}

func (e *Engine) execute(ctx context.Context, req Request, inScript bool) Result {
	desc, found := Lookup(req.Cmd.Name)
	if !found {
		return failed(unknownCommand(req.Cmd.Name))
	}
	if !desc.arityOK(len(req.Cmd.Args) + 1) {
		return failed(wrongArity(desc.Name))
	}
	if inScript && desc.Has(FlagNoScript) {
		return failed(errNotAllowed)
	}
	if desc.Has(FlagWrite) && req.Origin == OriginClient && e.repl.Role() == replication.RoleSlave {
		return failed(errReadOnly)
	}

	var (
		res Result
		err error
	)
	if !inScript && (desc.Has(FlagWrite) || desc.Has(FlagScript)) {
		// a failing script still replicates the writes it made
		e.repl.Apply(func() []*protocol.Command {
			res, err = e.dispatch(ctx, desc.Kind, req)
			return res.Propagate
		})
	} else {
		res, err = e.dispatch(ctx, desc.Kind, req)
	}
	if err != nil {
		var cerr *CommandError
		if !errors.As(err, &cerr) {
			cerr = errorf(ErrValue, "ERR %v", err)
		}
		out := failed(cerr)
		out.Propagate = res.Propagate
		return out
	}
	return res
}

func (e *Engine) dispatch(ctx context.Context, kind Kind, req Request) (Result, error) {
	switch kind {
	case KindPing:
		return e.ping(req)
	case KindEcho:
		return reply(protocol.BulkString(req.Cmd.Args[0])), nil
	case KindSet:
		return e.set(req)
	case KindGet:
		return e.get(req)
	case KindConfig:
		return e.configCmd(req)
	case KindKeys:
		return reply(protocol.BulkStrings(e.store.Keys(req.Cmd.Arg(0))...)), nil
	case KindInfo:
		return e.info(req)
	case KindReplconf:
		return e.replconf(req)
	case KindPsync:
		return e.psync(req)
	case KindWait:
		return e.wait(ctx, req)
	case KindDel:
		return e.del(req)
	case KindExists:
		return reply(protocol.Integer(e.store.Exists(argStrings(req.Cmd.Args)...))), nil
	case KindType:
		return reply(protocol.SimpleString(e.store.Type(req.Cmd.Arg(0)).String())), nil
	case KindCommand:
		return reply(protocol.Array()), nil
	case KindEval:
		return e.eval(ctx, req, false)
	case KindEvalSHA:
		return e.eval(ctx, req, true)
	case KindScript:
		return e.script(req)
	default:
		return Result{}, unknownCommand(req.Cmd.Name)
	}
}

// propagation returns the writes a client command makes visible to replicas.
// Nothing is propagated on a replica.
func (e *Engine) propagation(req Request, cmds ...*protocol.Command) []*protocol.Command {
	if req.Origin != OriginClient || e.repl.Role() != replication.RoleMaster {
		return nil
	}
	return cmds
}

func failed(err *CommandError) Result {
	return Result{Reply: err.Reply(), Err: err}
}

func isGetAck(cmd *protocol.Command) bool {
	return cmd.Name == "REPLCONF" && strings.EqualFold(cmd.Arg(0), "GETACK")
}
