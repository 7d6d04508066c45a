package protocol_test

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
	"testing"

	"github.com/raniellyferreira/respkv/protocol"
)

func TestRESPReader(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected protocol.Value
	}{
		{
			name:  "simple string",
			input: "+OK\r\n",
			expected: protocol.Value{
				Type: protocol.TypeSimpleString,
				Data: []byte("OK"),
			},
		},
		{
			name:  "error",
			input: "-ERR unknown command\r\n",
			expected: protocol.Value{
				Type: protocol.TypeError,
				Data: []byte("ERR unknown command"),
			},
		},
		{
			name:  "integer",
			input: ":42\r\n",
			expected: protocol.Value{
				Type:    protocol.TypeInteger,
				Integer: 42,
			},
		},
		{
			name:  "negative integer",
			input: ":-7\r\n",
			expected: protocol.Value{
				Type:    protocol.TypeInteger,
				Integer: -7,
			},
		},
		{
			name:  "bulk string",
			input: "$5\r\nhello\r\n",
			expected: protocol.Value{
				Type: protocol.TypeBulkString,
				Data: []byte("hello"),
			},
		},
		{
			name:  "null bulk string",
			input: "$-1\r\n",
			expected: protocol.Value{
				Type:   protocol.TypeBulkString,
				IsNull: true,
			},
		},
		{
			name:  "empty bulk string",
			input: "$0\r\n\r\n",
			expected: protocol.Value{
				Type: protocol.TypeBulkString,
				Data: []byte(""),
			},
		},
		{
			name:  "bulk string with CRLF inside",
			input: "$4\r\na\r\nb\r\n",
			expected: protocol.Value{
				Type: protocol.TypeBulkString,
				Data: []byte("a\r\nb"),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := protocol.NewReader(strings.NewReader(tt.input))
			value, size, err := reader.ReadNext()
			if err != nil {
				t.Fatalf("ReadNext() error = %v", err)
			}

			if size != len(tt.input) {
				t.Errorf("size = %d, want %d", size, len(tt.input))
			}

			if value.Type != tt.expected.Type {
				t.Errorf("Type = %v, want %v", value.Type, tt.expected.Type)
			}

			if !bytes.Equal(value.Data, tt.expected.Data) {
				t.Errorf("Data = %v, want %v", value.Data, tt.expected.Data)
			}

			if value.Integer != tt.expected.Integer {
				t.Errorf("Integer = %v, want %v", value.Integer, tt.expected.Integer)
			}

			if value.IsNull != tt.expected.IsNull {
				t.Errorf("IsNull = %v, want %v", value.IsNull, tt.expected.IsNull)
			}
		})
	}
}

func TestRESPArray(t *testing.T) {
	input := "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n"

	reader := protocol.NewReader(strings.NewReader(input))
	value, size, err := reader.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext() error = %v", err)
	}

	if value.Type != protocol.TypeArray {
		t.Errorf("Type = %v, want %v", value.Type, protocol.TypeArray)
	}

	if size != len(input) {
		t.Errorf("size = %d, want %d", size, len(input))
	}

	if len(value.Array) != 3 {
		t.Fatalf("Array length = %d, want 3", len(value.Array))
	}

	expectedElements := []string{"SET", "key", "value"}
	for i, expected := range expectedElements {
		if string(value.Array[i].Data) != expected {
			t.Errorf("Array[%d] = %s, want %s", i, string(value.Array[i].Data), expected)
		}
	}
}

func TestReaderEOF(t *testing.T) {
	reader := protocol.NewReader(strings.NewReader("+OK\r\n+PART"))

	if _, _, err := reader.ReadNext(); err != nil {
		t.Fatalf("ReadNext() error = %v", err)
	}

	_, _, err := reader.ReadNext()
	if !errors.Is(err, io.EOF) {
		t.Fatalf("ReadNext() error = %v, want io.EOF", err)
	}

	var ioErr *protocol.IOError
	if !errors.As(err, &ioErr) {
		t.Errorf("ReadNext() error type = %T, want *protocol.IOError", err)
	}
}

// byteReader hands out one byte per Read call
type byteReader struct {
	data []byte
}

func (r *byteReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	p[0] = r.data[0]
	r.data = r.data[1:]
	return 1, nil
}

func TestReaderPartialReads(t *testing.T) {
	input := "*2\r\n$4\r\nECHO\r\n$5\r\nhello\r\n:1\r\n"
	reader := protocol.NewReader(&byteReader{data: []byte(input)})

	cmd, err := reader.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand() error = %v", err)
	}
	if cmd.Name != "ECHO" || cmd.Arg(0) != "hello" {
		t.Errorf("ReadCommand() = %s, want ECHO hello", cmd)
	}
	if cmd.Size != len(input)-len(":1\r\n") {
		t.Errorf("Size = %d, want %d", cmd.Size, len(input)-len(":1\r\n"))
	}

	value, size, err := reader.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext() error = %v", err)
	}
	if value.Integer != 1 || size != 4 {
		t.Errorf("ReadNext() = %v (%d bytes), want 1 (4 bytes)", value, size)
	}
}

func TestReadCommandsPipelined(t *testing.T) {
	first := "*1\r\n$4\r\nPING\r\n"
	second := "*2\r\n$4\r\necho\r\n$2\r\nhi\r\n"
	partial := "*1\r\n$4\r\nPI"

	reader := protocol.NewReader(strings.NewReader(first + second + partial))
	cmds, err := reader.ReadCommands()
	if err != nil {
		t.Fatalf("ReadCommands() error = %v", err)
	}

	if len(cmds) != 2 {
		t.Fatalf("ReadCommands() returned %d commands, want 2", len(cmds))
	}
	if cmds[0].Name != "PING" || cmds[0].Size != len(first) {
		t.Errorf("cmds[0] = %s (%d bytes), want PING (%d bytes)", cmds[0], cmds[0].Size, len(first))
	}
	if cmds[1].Name != "ECHO" || cmds[1].Size != len(second) {
		t.Errorf("cmds[1] = %s (%d bytes), want ECHO (%d bytes)", cmds[1], cmds[1].Size, len(second))
	}
	if reader.Buffered() != len(partial) {
		t.Errorf("Buffered() = %d, want %d", reader.Buffered(), len(partial))
	}
}

func TestReadCommandsMalformedAfterValid(t *testing.T) {
	reader := protocol.NewReader(strings.NewReader("*1\r\n$4\r\nPING\r\n?garbage\r\n"))

	cmds, err := reader.ReadCommands()
	if err != nil {
		t.Fatalf("ReadCommands() error = %v", err)
	}
	if len(cmds) != 1 {
		t.Fatalf("ReadCommands() returned %d commands, want 1", len(cmds))
	}

	_, err = reader.ReadCommands()
	var protoErr *protocol.ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("ReadCommands() error = %v, want *protocol.ProtocolError", err)
	}
}

func TestReadRDBPayload(t *testing.T) {
	rdb := []byte("REDIS0011\xfa\x09redis-ver\x057.2.0\xff\x00\x00\x00\x00\x00\x00\x00\x00")
	stream := append([]byte("+FULLRESYNC abc 0\r\n$"), strconv.Itoa(len(rdb))...)
	stream = append(stream, "\r\n"...)
	stream = append(stream, rdb...)
	stream = append(stream, "*1\r\n$4\r\nPING\r\n"...)

	reader := protocol.NewReader(&byteReader{data: stream})

	line, _, err := reader.ReadNext()
	if err != nil {
		t.Fatalf("ReadNext() error = %v", err)
	}
	if line.String() != "FULLRESYNC abc 0" {
		t.Errorf("ReadNext() = %q, want FULLRESYNC line", line.String())
	}

	payload, err := reader.ReadRDBPayload()
	if err != nil {
		t.Fatalf("ReadRDBPayload() error = %v", err)
	}
	if !bytes.Equal(payload, rdb) {
		t.Errorf("ReadRDBPayload() = %q, want %q", payload, rdb)
	}

	cmd, err := reader.ReadCommand()
	if err != nil {
		t.Fatalf("ReadCommand() after payload error = %v", err)
	}
	if cmd.Name != "PING" {
		t.Errorf("ReadCommand() = %s, want PING", cmd.Name)
	}
}

func TestRESPWriter(t *testing.T) {
	tests := []struct {
		name     string
		write    func(w *protocol.Writer) error
		expected string
	}{
		{"simple string", func(w *protocol.Writer) error { return w.WriteSimpleString("OK") }, "+OK\r\n"},
		{"error", func(w *protocol.Writer) error { return w.WriteError("ERR boom") }, "-ERR boom\r\n"},
		{"bulk string", func(w *protocol.Writer) error { return w.WriteBulkString([]byte("hello")) }, "$5\r\nhello\r\n"},
		{"null bulk string", func(w *protocol.Writer) error { return w.WriteNullBulkString() }, "$-1\r\n"},
		{"integer", func(w *protocol.Writer) error { return w.WriteInteger(42) }, ":42\r\n"},
		{"empty array", func(w *protocol.Writer) error { return w.WriteArray(nil) }, "*0\r\n"},
		{"command", func(w *protocol.Writer) error { return w.WriteCommand("SET", "key", "value") }, "*3\r\n$3\r\nSET\r\n$3\r\nkey\r\n$5\r\nvalue\r\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			writer := protocol.NewWriter(&buf)

			if err := tt.write(writer); err != nil {
				t.Fatalf("write error = %v", err)
			}
			if err := writer.Flush(); err != nil {
				t.Fatalf("Flush() error = %v", err)
			}

			if buf.String() != tt.expected {
				t.Errorf("wrote %q, want %q", buf.String(), tt.expected)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	value := protocol.Value{
		Type: protocol.TypeArray,
		Array: []protocol.Value{
			{Type: protocol.TypeBulkString, Data: []byte("set")},
			{Type: protocol.TypeBulkString, Data: []byte("key")},
			{Type: protocol.TypeBulkString, Data: []byte("value")},
		},
	}

	cmd, err := protocol.ParseCommand(value, 31)
	if err != nil {
		t.Fatalf("ParseCommand() error = %v", err)
	}

	if cmd.Name != "SET" {
		t.Errorf("Command name = %s, want SET", cmd.Name)
	}

	if len(cmd.Args) != 2 {
		t.Fatalf("Args length = %d, want 2", len(cmd.Args))
	}

	if string(cmd.Args[0]) != "key" {
		t.Errorf("Args[0] = %s, want key", string(cmd.Args[0]))
	}

	if cmd.Size != 31 {
		t.Errorf("Size = %d, want 31", cmd.Size)
	}
}

func TestParseCommandRejectsNonBulk(t *testing.T) {
	tests := []struct {
		name  string
		value protocol.Value
	}{
		{"not an array", protocol.SimpleString("PING")},
		{"empty array", protocol.Array()},
		{"integer argument", protocol.Array(protocol.BulkString([]byte("GET")), protocol.Integer(1))},
		{"null name", protocol.Array(protocol.NullBulk())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := protocol.ParseCommand(tt.value, 0); err == nil {
				t.Errorf("ParseCommand() expected error")
			}
		})
	}
}

func TestValueString(t *testing.T) {
	tests := []struct {
		name     string
		value    protocol.Value
		expected string
	}{
		{"simple string", protocol.SimpleString("OK"), "OK"},
		{"integer", protocol.Integer(42), "42"},
		{"null bulk string", protocol.NullBulk(), "(nil)"},
		{"error", protocol.ErrorValue("ERR unknown command"), "ERR unknown command"},
		{"array", protocol.BulkStrings("a", "b"), "[a, b]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.value.String()
			if result != tt.expected {
				t.Errorf("String() = %q, want %q", result, tt.expected)
			}
		})
	}
}

func TestNewCommandSize(t *testing.T) {
	cmd := protocol.NewCommand("replconf", "GETACK", "*")
	want := "*3\r\n$8\r\nREPLCONF\r\n$6\r\nGETACK\r\n$1\r\n*\r\n"

	if string(cmd.Encode()) != want {
		t.Errorf("Encode() = %q, want %q", cmd.Encode(), want)
	}
	if cmd.Size != len(want) {
		t.Errorf("Size = %d, want %d", cmd.Size, len(want))
	}
}
