package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueType represents the type of a RESP value
type ValueType byte

const (
	// RESP value types
	TypeSimpleString ValueType = '+'
	TypeError        ValueType = '-'
	TypeInteger      ValueType = ':'
	TypeBulkString   ValueType = '$'
	TypeArray        ValueType = '*'
)

// String returns a readable name for the type
func (t ValueType) String() string {
	switch t {
	case TypeSimpleString:
		return "simple-string"
	case TypeError:
		return "error"
	case TypeInteger:
		return "integer"
	case TypeBulkString:
		return "bulk-string"
	case TypeArray:
		return "array"
	default:
		return fmt.Sprintf("unknown(%q)", byte(t))
	}
}

// Value represents a parsed RESP frame
type Value struct {
	Type    ValueType
	Data    []byte
	Integer int64
	Array   []Value
	IsNull  bool
}

// SimpleString builds a status reply such as +OK
func SimpleString(s string) Value {
	return Value{Type: TypeSimpleString, Data: []byte(s)}
}

// ErrorValue builds an error reply; msg must not contain CR or LF
func ErrorValue(msg string) Value {
	return Value{Type: TypeError, Data: []byte(msg)}
}

// Integer builds an integer reply
func Integer(n int64) Value {
	return Value{Type: TypeInteger, Integer: n}
}

// BulkString builds a bulk string reply
func BulkString(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{Type: TypeBulkString, Data: b}
}

// NullBulk builds the null bulk string ($-1)
func NullBulk() Value {
	return Value{Type: TypeBulkString, IsNull: true}
}

// Array builds an array of values
func Array(values ...Value) Value {
	if values == nil {
		values = []Value{}
	}
	return Value{Type: TypeArray, Array: values}
}

// BulkArray builds an array of bulk strings, the shape every client command takes
func BulkArray(args ...[]byte) Value {
	values := make([]Value, len(args))
	for i, arg := range args {
		values[i] = BulkString(arg)
	}
	return Value{Type: TypeArray, Array: values}
}

// BulkStrings is BulkArray for string arguments
func BulkStrings(args ...string) Value {
	values := make([]Value, len(args))
	for i, arg := range args {
		values[i] = BulkString([]byte(arg))
	}
	return Value{Type: TypeArray, Array: values}
}

// String returns a string representation of the value
func (v Value) String() string {
	switch v.Type {
	case TypeSimpleString, TypeError:
		return string(v.Data)
	case TypeInteger:
		return strconv.FormatInt(v.Integer, 10)
	case TypeBulkString:
		if v.IsNull {
			return "(nil)"
		}
		return string(v.Data)
	case TypeArray:
		if v.IsNull {
			return "(nil)"
		}
		parts := make([]string, len(v.Array))
		for i, item := range v.Array {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return fmt.Sprintf("unknown type %c", v.Type)
	}
}

// IsError returns true if this is an error value
func (v Value) IsError() bool {
	return v.Type == TypeError
}

// Equal reports whether two values are structurally identical
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type || v.IsNull != o.IsNull {
		return false
	}
	switch v.Type {
	case TypeInteger:
		return v.Integer == o.Integer
	case TypeArray:
		if len(v.Array) != len(o.Array) {
			return false
		}
		for i := range v.Array {
			if !v.Array[i].Equal(o.Array[i]) {
				return false
			}
		}
		return true
	default:
		return string(v.Data) == string(o.Data)
	}
}

// Command represents a client request parsed from a RESP array of bulk strings
type Command struct {
	// Name is the upper-cased command name
	Name string
	Args [][]byte
	// Size is the exact number of bytes the command occupied on the wire
	Size int
}

// ParseCommand converts a decoded array frame into a Command.
// size is the number of bytes the frame was decoded from.
func ParseCommand(v Value, size int) (*Command, error) {
	if v.Type != TypeArray || v.IsNull || len(v.Array) == 0 {
		return nil, &ProtocolError{Message: "expected non-empty array of bulk strings"}
	}

	cmd := &Command{
		Args: make([][]byte, len(v.Array)-1),
		Size: size,
	}

	if v.Array[0].Type != TypeBulkString || v.Array[0].IsNull {
		return nil, &ProtocolError{Message: "command name must be bulk string"}
	}
	cmd.Name = strings.ToUpper(string(v.Array[0].Data))

	for i := 1; i < len(v.Array); i++ {
		if v.Array[i].Type != TypeBulkString || v.Array[i].IsNull {
			return nil, &ProtocolError{Message: "command arguments must be bulk strings"}
		}
		cmd.Args[i-1] = v.Array[i].Data
	}

	return cmd, nil
}

// NewCommand builds a Command from string arguments, the first being the name
func NewCommand(name string, args ...string) *Command {
	cmd := &Command{
		Name: strings.ToUpper(name),
		Args: make([][]byte, len(args)),
	}
	for i, arg := range args {
		cmd.Args[i] = []byte(arg)
	}
	cmd.Size = len(cmd.Encode())
	return cmd
}

// Arg returns argument i as a string, or "" when out of range
func (c *Command) Arg(i int) string {
	if i < 0 || i >= len(c.Args) {
		return ""
	}
	return string(c.Args[i])
}

// Encode returns the canonical wire form of the command
func (c *Command) Encode() []byte {
	args := make([][]byte, 0, len(c.Args)+1)
	args = append(args, []byte(c.Name))
	args = append(args, c.Args...)
	return EncodeCommand(args...)
}

// String returns a string representation of the command
func (c *Command) String() string {
	args := make([]string, len(c.Args))
	for i, arg := range c.Args {
		args[i] = string(arg)
	}
	if len(args) == 0 {
		return c.Name
	}
	return c.Name + " " + strings.Join(args, " ")
}
