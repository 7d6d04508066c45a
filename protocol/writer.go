package protocol

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
)

// Encode returns the wire form of v
func Encode(v Value) []byte {
	return AppendValue(nil, v)
}

// EncodeCommand encodes args as an array of bulk strings, the canonical
// request shape. Propagated writes are encoded with it exactly once.
func EncodeCommand(args ...[]byte) []byte {
	size := 16
	for _, arg := range args {
		size += len(arg) + 16
	}
	dst := make([]byte, 0, size)
	dst = appendHeader(dst, TypeArray, int64(len(args)))
	for _, arg := range args {
		dst = appendBulk(dst, arg)
	}
	return dst
}

// AppendValue appends the wire form of v to dst
func AppendValue(dst []byte, v Value) []byte {
	switch v.Type {
	case TypeSimpleString, TypeError:
		dst = append(dst, byte(v.Type))
		dst = append(dst, v.Data...)
		return append(dst, CRLF...)
	case TypeInteger:
		return appendHeader(dst, TypeInteger, v.Integer)
	case TypeBulkString:
		if v.IsNull {
			return appendHeader(dst, TypeBulkString, -1)
		}
		return appendBulk(dst, v.Data)
	case TypeArray:
		if v.IsNull {
			return appendHeader(dst, TypeArray, -1)
		}
		dst = appendHeader(dst, TypeArray, int64(len(v.Array)))
		for _, item := range v.Array {
			dst = AppendValue(dst, item)
		}
		return dst
	default:
		// unknown types become an error reply
		return AppendValue(dst, ErrorValue(fmt.Sprintf("ERR unsupported value type %q", byte(v.Type))))
	}
}

func appendHeader(dst []byte, t ValueType, n int64) []byte {
	dst = append(dst, byte(t))
	dst = strconv.AppendInt(dst, n, 10)
	return append(dst, CRLF...)
}

func appendBulk(dst []byte, data []byte) []byte {
	dst = appendHeader(dst, TypeBulkString, int64(len(data)))
	dst = append(dst, data...)
	return append(dst, CRLF...)
}

// Writer provides buffered writing of RESP protocol messages
type Writer struct {
	bw      *bufio.Writer
	scratch []byte
}

// NewWriter creates a new RESP protocol writer
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		bw:      bufio.NewWriter(w),
		scratch: make([]byte, 0, 256),
	}
}

// WriteValue writes a RESP value to the output stream
func (w *Writer) WriteValue(v Value) error {
	w.scratch = AppendValue(w.scratch[:0], v)
	return w.WriteRaw(w.scratch)
}

// WriteRaw writes pre-encoded bytes as they are
func (w *Writer) WriteRaw(b []byte) error {
	if _, err := w.bw.Write(b); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// WriteSimpleString writes a simple string
func (w *Writer) WriteSimpleString(s string) error {
	return w.WriteValue(SimpleString(s))
}

// WriteError writes an error message
func (w *Writer) WriteError(msg string) error {
	return w.WriteValue(ErrorValue(msg))
}

// WriteInteger writes an integer
func (w *Writer) WriteInteger(n int64) error {
	return w.WriteValue(Integer(n))
}

// WriteBulkString writes a bulk string
func (w *Writer) WriteBulkString(data []byte) error {
	return w.WriteValue(BulkString(data))
}

// WriteNullBulkString writes a null bulk string
func (w *Writer) WriteNullBulkString() error {
	return w.WriteValue(NullBulk())
}

// WriteArray writes an array of values
func (w *Writer) WriteArray(values []Value) error {
	return w.WriteValue(Array(values...))
}

// WriteCommand writes a command as a RESP array of bulk strings
func (w *Writer) WriteCommand(cmd string, args ...string) error {
	return w.WriteValue(BulkStrings(append([]string{cmd}, args...)...))
}

// Flush flushes any buffered data to the underlying writer
func (w *Writer) Flush() error {
	if err := w.bw.Flush(); err != nil {
		return &IOError{Op: "write", Err: err}
	}
	return nil
}

// Buffered returns the number of bytes waiting to be flushed
func (w *Writer) Buffered() int {
	return w.bw.Buffered()
}
