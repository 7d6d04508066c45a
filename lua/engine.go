package lua

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"strings"

	"github.com/puzpuzpuz/xsync/v3"
	lua "github.com/yuin/gopher-lua"

	"github.com/raniellyferreira/respkv/protocol"
)

// ErrNoScript is returned by EvalSHA for an unknown digest
var ErrNoScript = errors.New("NOSCRIPT No matching script. Please use EVAL.")

// Executor runs a command issued by redis.call or redis.pcall and returns its reply.
// Error replies are returned as protocol error values, not Go errors.
type Executor interface {
	ExecuteScriptCommand(ctx context.Context, cmd *protocol.Command) protocol.Value
}

// ExecutorFunc adapts a function to the Executor interface
type ExecutorFunc func(ctx context.Context, cmd *protocol.Command) protocol.Value

// ExecuteScriptCommand calls f(ctx, cmd)
func (f ExecutorFunc) ExecuteScriptCommand(ctx context.Context, cmd *protocol.Command) protocol.Value {
	return f(ctx, cmd)
}

// Engine provides Redis-compatible Lua script execution
type Engine struct {
	scripts *xsync.MapOf[string, string] // SHA1 -> script body
}

// NewEngine creates a new Lua execution engine
func NewEngine() *Engine {
	return &Engine{
		scripts: xsync.NewMapOf[string, string](),
	}
}

// Eval executes a Lua script. Commands the script issues are sent to exec.
// The script body is cached so EVALSHA can run it later.
func (e *Engine) Eval(ctx context.Context, exec Executor, script string, keys []string, args []string) (protocol.Value, error) {
	e.LoadScript(script)
	return e.run(ctx, exec, script, keys, args)
}

// EvalSHA executes a previously loaded script by its SHA1 hash
func (e *Engine) EvalSHA(ctx context.Context, exec Executor, sha string, keys []string, args []string) (protocol.Value, error) {
	script, exists := e.scripts.Load(strings.ToLower(sha))
	if !exists {
		return protocol.Value{}, ErrNoScript
	}
	return e.run(ctx, exec, script, keys, args)
}

// LoadScript caches a script and returns its SHA1 hash
func (e *Engine) LoadScript(script string) string {
	hash := fmt.Sprintf("%x", sha1.Sum([]byte(script)))
	e.scripts.Store(hash, script)
	return hash
}

// ScriptExists checks if scripts with given SHA1 hashes exist
func (e *Engine) ScriptExists(hashes []string) []bool {
	results := make([]bool, len(hashes))
	for i, hash := range hashes {
		_, results[i] = e.scripts.Load(strings.ToLower(hash))
	}
	return results
}

// ScriptFlush removes all cached scripts
func (e *Engine) ScriptFlush() {
	e.scripts.Clear()
}

// ScriptCount returns the number of cached scripts
func (e *Engine) ScriptCount() int {
	return e.scripts.Size()
}

func (e *Engine) run(ctx context.Context, exec Executor, script string, keys []string, args []string) (protocol.Value, error) {
	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	e.setupRedisAPI(L, exec, keys, args)

	if err := L.DoString(script); err != nil {
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && apiErr.Object != nil {
			return protocol.Value{}, fmt.Errorf("Error running script: %s", apiErr.Object.String())
		}
		return protocol.Value{}, fmt.Errorf("Error running script: %w", err)
	}

	if L.GetTop() == 0 {
		return protocol.NullBulk(), nil
	}
	return toReply(L.Get(-1)), nil
}

// newSandbox opens only the base, table, string and math libraries
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.open))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

// setupRedisAPI configures the Lua state with Redis-compatible functions
func (e *Engine) setupRedisAPI(L *lua.LState, exec Executor, keys []string, args []string) {
	keysTable := L.NewTable()
	for i, key := range keys {
		keysTable.RawSetInt(i+1, lua.LString(key))
	}
	L.SetGlobal("KEYS", keysTable)

	argvTable := L.NewTable()
	for i, arg := range args {
		argvTable.RawSetInt(i+1, lua.LString(arg))
	}
	L.SetGlobal("ARGV", argvTable)

	redisTable := L.NewTable()
	L.SetFuncs(redisTable, map[string]lua.LGFunction{
		"call": func(L *lua.LState) int {
			return redisCall(L, exec, false)
		},
		"pcall": func(L *lua.LState) int {
			return redisCall(L, exec, true)
		},
		"error_reply": func(L *lua.LState) int {
			t := L.NewTable()
			t.RawSetString("err", lua.LString(L.CheckString(1)))
			L.Push(t)
			return 1
		},
		"status_reply": func(L *lua.LState) int {
			t := L.NewTable()
			t.RawSetString("ok", lua.LString(L.CheckString(1)))
			L.Push(t)
			return 1
		},
	})
	L.SetGlobal("redis", redisTable)
}

// redisCall implements redis.call() and, when protected, redis.pcall()
func redisCall(L *lua.LState, exec Executor, protected bool) int {
	argc := L.GetTop()
	if argc == 0 {
		return raiseOrReturn(L, protected, "ERR Please specify at least one argument for this redis lib call")
	}

	parts := make([]string, argc)
	for i := 1; i <= argc; i++ {
		switch v := L.Get(i).(type) {
		case lua.LString, lua.LNumber:
			parts[i-1] = v.String()
		default:
			return raiseOrReturn(L, protected, "ERR Lua redis lib command arguments must be strings or integers")
		}
	}

	reply := exec.ExecuteScriptCommand(L.Context(), protocol.NewCommand(parts[0], parts[1:]...))
	if reply.IsError() {
		return raiseOrReturn(L, protected, string(reply.Data))
	}

	L.Push(toLua(L, reply))
	return 1
}

func raiseOrReturn(L *lua.LState, protected bool, msg string) int {
	if !protected {
		L.RaiseError("%s", msg)
		return 0
	}
	t := L.NewTable()
	t.RawSetString("err", lua.LString(msg))
	L.Push(t)
	return 1
}

// toLua converts a command reply to a Lua value
func toLua(L *lua.LState, v protocol.Value) lua.LValue {
	switch v.Type {
	case protocol.TypeInteger:
		return lua.LNumber(v.Integer)
	case protocol.TypeBulkString:
		if v.IsNull {
			return lua.LFalse
		}
		return lua.LString(v.Data)
	case protocol.TypeSimpleString:
		t := L.NewTable()
		t.RawSetString("ok", lua.LString(v.Data))
		return t
	case protocol.TypeError:
		t := L.NewTable()
		t.RawSetString("err", lua.LString(v.Data))
		return t
	case protocol.TypeArray:
		if v.IsNull {
			return lua.LFalse
		}
		t := L.NewTable()
		for i, item := range v.Array {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	default:
		return lua.LNil
	}
}

// toReply converts a script's return value to a reply
func toReply(lv lua.LValue) protocol.Value {
	switch v := lv.(type) {
	case lua.LString:
		return protocol.BulkString([]byte(string(v)))
	case lua.LNumber:
		// numbers are truncated to integers
		return protocol.Integer(int64(v))
	case lua.LBool:
		if v {
			return protocol.Integer(1)
		}
		return protocol.NullBulk()
	case *lua.LTable:
		if errMsg, ok := v.RawGetString("err").(lua.LString); ok {
			return protocol.ErrorValue(string(errMsg))
		}
		if status, ok := v.RawGetString("ok").(lua.LString); ok {
			return protocol.SimpleString(string(status))
		}
		// array part up to the first nil
		items := make([]protocol.Value, 0, v.Len())
		for i := 1; ; i++ {
			item := v.RawGetInt(i)
			if item == lua.LNil {
				break
			}
			items = append(items, toReply(item))
		}
		return protocol.Array(items...)
	default:
		return protocol.NullBulk()
	}
}
