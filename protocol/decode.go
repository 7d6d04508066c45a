package protocol

import (
	"bytes"
	"strconv"
)

const (
	// CRLF is the RESP frame terminator
	CRLF = "\r\n"

	// maxBulkSize is the maximum size for bulk strings (512MB, same as Redis)
	maxBulkSize = 512 * 1024 * 1024

	// maxArraySize is the maximum number of elements in an array
	maxArraySize = 1024 * 1024

	// maxInlineLength bounds a header line so garbage without CRLF is rejected
	maxInlineLength = 64 * 1024
)

var crlfBytes = []byte(CRLF)

// Decode parses one frame from the start of buf and returns it together with
// the number of bytes it occupied. A buffer that ends mid-frame yields
// ErrIncomplete; corrupt input yields a *ProtocolError.
func Decode(buf []byte) (Value, int, error) {
	return decodeAt(buf, 0, 0)
}

// DecodeAll parses every complete frame in buf. sizes[i] is the byte length of
// values[i] and total is their sum. A trailing partial frame is left
// undecoded and is not an error.
func DecodeAll(buf []byte) (values []Value, sizes []int, total int, err error) {
	for total < len(buf) {
		v, n, err := decodeAt(buf[total:], 0, total)
		if err == ErrIncomplete {
			break
		}
		if err != nil {
			return values, sizes, total, err
		}
		values = append(values, v)
		sizes = append(sizes, n)
		total += n
	}
	return values, sizes, total, nil
}

// decodeAt decodes a frame starting at buf[pos]. base is only used to report
// absolute offsets in errors.
func decodeAt(buf []byte, pos int, base int) (Value, int, error) {
	if pos >= len(buf) {
		return Value{}, 0, ErrIncomplete
	}

	typ := ValueType(buf[pos])
	line, next, err := readLine(buf, pos+1, base)
	if err != nil {
		return Value{}, 0, err
	}

	switch typ {
	case TypeSimpleString, TypeError:
		return Value{Type: typ, Data: copyBytes(line)}, next - pos, nil

	case TypeInteger:
		n, err := parseInt64(line)
		if err != nil {
			return Value{}, 0, protocolErrorf(base+pos, "invalid integer: %q", line)
		}
		return Value{Type: TypeInteger, Integer: n}, next - pos, nil

	case TypeBulkString:
		length, err := parseInt64(line)
		if err != nil {
			return Value{}, 0, protocolErrorf(base+pos, "invalid bulk string length: %q", line)
		}
		if length == -1 {
			return Value{Type: TypeBulkString, IsNull: true}, next - pos, nil
		}
		if length < 0 || length > maxBulkSize {
			return Value{}, 0, protocolErrorf(base+pos, "invalid bulk string length: %d", length)
		}
		end := next + int(length)
		if end+2 > len(buf) {
			return Value{}, 0, ErrIncomplete
		}
		if buf[end] != '\r' || buf[end+1] != '\n' {
			return Value{}, 0, protocolErrorf(base+end, "bulk string of declared length %d not followed by CRLF", length)
		}
		return Value{Type: TypeBulkString, Data: copyBytes(buf[next:end])}, end + 2 - pos, nil

	case TypeArray:
		length, err := parseInt64(line)
		if err != nil {
			return Value{}, 0, protocolErrorf(base+pos, "invalid array length: %q", line)
		}
		if length == -1 {
			return Value{Type: TypeArray, IsNull: true}, next - pos, nil
		}
		if length < 0 || length > maxArraySize {
			return Value{}, 0, protocolErrorf(base+pos, "invalid array length: %d", length)
		}
		array := make([]Value, 0, minInt(int(length), 64))
		cur := next
		for i := int64(0); i < length; i++ {
			elem, n, err := decodeAt(buf, cur, base)
			if err != nil {
				return Value{}, 0, err
			}
			array = append(array, elem)
			cur += n
		}
		return Value{Type: TypeArray, Array: array}, cur - pos, nil

	default:
		return Value{}, 0, protocolErrorf(base+pos, "unknown RESP type: %q (0x%02x)", byte(typ), byte(typ))
	}
}

// readLine returns the bytes between start and the next CRLF and the index
// just past the terminator.
func readLine(buf []byte, start int, base int) ([]byte, int, error) {
	idx := bytes.IndexByte(buf[start:], '\n')
	if idx < 0 {
		if len(buf)-start > maxInlineLength {
			return nil, 0, protocolErrorf(base+start, "line exceeds %d bytes without CRLF terminator", maxInlineLength)
		}
		// CR must be followed by LF; a CR in the last byte may still be
		if cr := bytes.IndexByte(buf[start:], '\r'); cr >= 0 && cr < len(buf)-start-1 {
			return nil, 0, protocolErrorf(base+start+cr, "missing CRLF terminator, got [13, %d] instead of [13, 10]", buf[start+cr+1])
		}
		return nil, 0, ErrIncomplete
	}

	end := start + idx
	if idx == 0 || buf[end-1] != '\r' {
		return nil, 0, protocolErrorf(base+end, "missing CRLF terminator, line ends with bare LF")
	}
	line := buf[start : end-1]
	if cr := bytes.IndexByte(line, '\r'); cr >= 0 {
		return nil, 0, protocolErrorf(base+start+cr, "unexpected CR inside line")
	}
	return line, end + 1, nil
}

// parseInt64 parses an int64 from a byte slice without allocation
func parseInt64(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}

	var neg bool
	i := 0
	switch b[0] {
	case '-':
		neg = true
		i = 1
	case '+':
		i = 1
	}

	if i >= len(b) {
		return 0, strconv.ErrSyntax
	}

	var n int64
	for ; i < len(b); i++ {
		if b[i] < '0' || b[i] > '9' {
			return 0, strconv.ErrSyntax
		}
		if n > (1<<63-1)/10 {
			return 0, strconv.ErrRange
		}
		n = n*10 + int64(b[i]-'0')
		if n < 0 {
			return 0, strconv.ErrRange
		}
	}

	if neg {
		return -n, nil
	}
	return n, nil
}

func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
