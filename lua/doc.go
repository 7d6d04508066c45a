// Package lua provides Redis-compatible Lua script execution.
//
// It backs EVAL, EVALSHA and SCRIPT. Scripts see KEYS and ARGV and reach the
// dataset through redis.call and redis.pcall, which hand each command to an
// Executor supplied by the caller. The command engine passes itself, so
// writes made by a script go through the same path as client writes and are
// replicated as individual commands.
//
// Scripts run in a sandbox with only the base, table, string and math
// libraries loaded. Compiled script bodies are cached by SHA1.
package lua
