package command

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/raniellyferreira/respkv/lua"
	"github.com/raniellyferreira/respkv/protocol"
	"github.com/raniellyferreira/respkv/replication"
)

func argStrings(args [][]byte) []string {
	return lo.Map(args, func(b []byte, _ int) string { return string(b) })
}

func (e *Engine) ping(req Request) (Result, error) {
	switch len(req.Cmd.Args) {
	case 0:
		return reply(protocol.SimpleString("PONG")), nil
	case 1:
		return reply(protocol.BulkString(req.Cmd.Args[0])), nil
	default:
		return Result{}, wrongArity("ping")
	}
}

func (e *Engine) get(req Request) (Result, error) {
	value, found := e.store.Get(req.Cmd.Arg(0))
	if !found {
		return reply(protocol.NullBulk()), nil
	}
	return reply(protocol.BulkString(value)), nil
}

// set handles SET key value [PX ms | EX s]
func (e *Engine) set(req Request) (Result, error) {
	cmd := req.Cmd
	key := cmd.Arg(0)
	value := cmd.Args[1]

	var expireAt *time.Time
	for i := 2; i < len(cmd.Args); i++ {
		var unit time.Duration
		switch strings.ToUpper(cmd.Arg(i)) {
		case "PX":
			unit = time.Millisecond
		case "EX":
			unit = time.Second
		default:
			return Result{}, errSyntax
		}
		if expireAt != nil || i+1 >= len(cmd.Args) {
			return Result{}, errSyntax
		}

		n, err := strconv.ParseInt(cmd.Arg(i+1), 10, 64)
		if err != nil {
			return Result{}, errNotInteger
		}
		if n <= 0 || n > math.MaxInt64/int64(unit) {
			return Result{}, errorf(ErrValue, "ERR invalid expire time in 'set' command")
		}
		t := e.now().Add(time.Duration(n) * unit)
		expireAt = &t
		i++
	}

	if err := e.store.Set(key, value, expireAt); err != nil {
		return Result{}, err
	}

	res := ok()
	res.Propagate = e.propagation(req, cmd)
	return res, nil
}

func (e *Engine) del(req Request) (Result, error) {
	n := e.store.Del(argStrings(req.Cmd.Args)...)
	res := reply(protocol.Integer(n))
	if n > 0 {
		res.Propagate = e.propagation(req, req.Cmd)
	}
	return res, nil
}

// configCmd handles CONFIG GET name [name ...]. "*" lists every parameter.
func (e *Engine) configCmd(req Request) (Result, error) {
	cmd := req.Cmd
	if !strings.EqualFold(cmd.Arg(0), "GET") {
		return Result{}, errorf(ErrSyntax, "ERR unknown subcommand '%s'. Try CONFIG HELP.", cmd.Arg(0))
	}
	if len(cmd.Args) < 2 {
		return Result{}, wrongArity("config|get")
	}

	pairs := []protocol.Value{}
	if e.config == nil {
		return reply(protocol.Array(pairs...)), nil
	}

	seen := make(map[string]bool)
	for _, param := range argStrings(cmd.Args[1:]) {
		names := []string{strings.ToLower(param)}
		if param == "*" {
			names = e.config.Names()
		}
		for _, name := range names {
			value, known := e.config.Get(name)
			if !known || seen[name] {
				continue
			}
			seen[name] = true
			pairs = append(pairs, protocol.BulkString([]byte(name)), protocol.BulkString([]byte(value)))
		}
	}
	return reply(protocol.Array(pairs...)), nil
}

func (e *Engine) replconf(req Request) (Result, error) {
	cmd := req.Cmd
	if len(cmd.Args) == 0 {
		return Result{}, wrongArity("replconf")
	}

	switch strings.ToLower(cmd.Arg(0)) {
	case "listening-port":
		if len(cmd.Args) != 2 {
			return Result{}, errSyntax
		}
		port, err := strconv.Atoi(cmd.Arg(1))
		if err != nil || port < 0 || port > 65535 {
			return Result{}, errNotInteger
		}
		res := ok()
		res.ListeningPort = port
		return res, nil

	case "capa":
		return ok(), nil

	case "ack":
		if len(cmd.Args) < 2 {
			return Result{}, errSyntax
		}
		offset, err := strconv.ParseInt(cmd.Arg(1), 10, 64)
		if err != nil {
			return Result{}, errNotInteger
		}
		if req.Session != "" {
			e.repl.Ack(req.Session, offset)
		}
		return Result{NoReply: true}, nil

	case "getack":
		offset := req.AckOffset
		if req.Origin == OriginClient {
			offset = e.repl.Offset()
		}
		return reply(protocol.BulkStrings("REPLCONF", "ACK", strconv.FormatInt(offset, 10))), nil

	default:
		return Result{}, errorf(ErrSyntax, "ERR Unrecognized REPLCONF option: %s", cmd.Arg(0))
	}
}

// psync always answers with a full resynchronization, which the connection
// performs once the result is returned
func (e *Engine) psync(req Request) (Result, error) {
	if req.Origin != OriginClient || e.repl.Role() != replication.RoleMaster {
		return Result{}, errPsyncReplica
	}
	return Result{NoReply: true, FullResync: true}, nil
}

func (e *Engine) wait(ctx context.Context, req Request) (Result, error) {
	if e.repl.Role() != replication.RoleMaster {
		return Result{}, errWaitOnReplica
	}
	n, err := strconv.Atoi(req.Cmd.Arg(0))
	if err != nil {
		return Result{}, errNotInteger
	}
	ms, err := strconv.ParseInt(req.Cmd.Arg(1), 10, 64)
	if err != nil || ms > math.MaxInt64/int64(time.Millisecond) {
		return Result{}, errNotInteger
	}
	if ms < 0 {
		return Result{}, errNegativeWait
	}

	acked, err := e.repl.Wait(ctx, n, time.Duration(ms)*time.Millisecond)
	if err != nil && ctx.Err() == nil {
		return Result{}, err
	}
	return reply(protocol.Integer(int64(acked))), nil
}

// eval handles EVAL script numkeys [key ...] [arg ...] and EVALSHA
func (e *Engine) eval(ctx context.Context, req Request, bySHA bool) (Result, error) {
	cmd := req.Cmd
	numKeys, err := strconv.Atoi(cmd.Arg(1))
	if err != nil {
		return Result{}, errNotInteger
	}
	if numKeys < 0 || numKeys > len(cmd.Args)-2 {
		return Result{}, errNumKeys
	}
	keys := argStrings(cmd.Args[2 : 2+numKeys])
	argv := argStrings(cmd.Args[2+numKeys:])

	exec := &scriptExecutor{engine: e, origin: req.Origin}
	var v protocol.Value
	if bySHA {
		v, err = e.scripts.EvalSHA(ctx, exec, cmd.Arg(0), keys, argv)
	} else {
		v, err = e.scripts.Eval(ctx, exec, cmd.Arg(0), keys, argv)
	}
	if errors.Is(err, lua.ErrNoScript) {
		return Result{}, &CommandError{Kind: ErrNoScript, Message: err.Error()}
	}
	if err != nil {
		return Result{Propagate: exec.writes}, errorf(ErrScript, "ERR %v", err)
	}

	res := reply(v)
	res.Propagate = exec.writes
	return res, nil
}

func (e *Engine) script(req Request) (Result, error) {
	cmd := req.Cmd
	sub := strings.ToUpper(cmd.Arg(0))

	switch sub {
	case "LOAD":
		if len(cmd.Args) != 2 {
			return Result{}, wrongArity("script|load")
		}
		sha := e.scripts.LoadScript(cmd.Arg(1))
		return reply(protocol.BulkString([]byte(sha))), nil

	case "EXISTS":
		if len(cmd.Args) < 2 {
			return Result{}, wrongArity("script|exists")
		}
		found := e.scripts.ScriptExists(argStrings(cmd.Args[1:]))
		return reply(protocol.Array(lo.Map(found, func(ok bool, _ int) protocol.Value {
			if ok {
				return protocol.Integer(1)
			}
			return protocol.Integer(0)
		})...)), nil

	case "FLUSH":
		if len(cmd.Args) > 2 {
			return Result{}, wrongArity("script|flush")
		}
		e.scripts.ScriptFlush()
		return ok(), nil

	default:
		return Result{}, errorf(ErrSyntax, "ERR unknown subcommand '%s'. Try SCRIPT HELP.", cmd.Arg(0))
	}
}

// scriptExecutor runs redis.call on behalf of one script invocation and
// collects the writes it makes, so they replicate as individual commands
type scriptExecutor struct {
	engine *Engine
	origin Origin
	writes []*protocol.Command
}

func (x *scriptExecutor) ExecuteScriptCommand(ctx context.Context, cmd *protocol.Command) protocol.Value {
	res := x.engine.execute(ctx, Request{Cmd: cmd, Origin: x.origin}, true)
	x.writes = append(x.writes, res.Propagate...)
	return res.Reply
}
