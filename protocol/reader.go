package protocol

import (
	"errors"
	"io"
)

const (
	// readChunk is how much the Reader asks the socket for per read
	readChunk = 16 * 1024

	// maxRDBPayload bounds the snapshot transferred after FULLRESYNC
	maxRDBPayload = 1024 * 1024 * 1024
)

// Reader is a per-connection receive buffer. Bytes are appended as they
// arrive and complete frames are cut off the front, each reported with the
// exact number of bytes it consumed.
type Reader struct {
	rd    io.Reader
	buf   []byte
	start int // first unconsumed byte
	end   int // one past the last buffered byte

	// pending holds an error found after valid commands were already returned
	pending error
}

// NewReader creates a new buffered RESP reader
func NewReader(r io.Reader) *Reader {
	return &Reader{
		rd:  r,
		buf: make([]byte, readChunk),
	}
}

// Buffered returns the number of received bytes not yet consumed
func (r *Reader) Buffered() int {
	return r.end - r.start
}

// fill performs one read from the underlying reader and appends the result
func (r *Reader) fill() error {
	if r.start > 0 && r.start == r.end {
		r.start, r.end = 0, 0
	}
	if len(r.buf)-r.end < readChunk/2 {
		if r.start > 0 {
			// compact before growing
			n := copy(r.buf, r.buf[r.start:r.end])
			r.start, r.end = 0, n
		}
		if len(r.buf)-r.end < readChunk/2 {
			grown := make([]byte, len(r.buf)*2)
			copy(grown, r.buf[:r.end])
			r.buf = grown
		}
	}

	n, err := r.rd.Read(r.buf[r.end:])
	r.end += n
	if n > 0 {
		return nil
	}
	if err == nil {
		return nil
	}
	return &IOError{Op: "read", Err: err}
}

// next decodes one frame from the buffered bytes without reading
func (r *Reader) next() (Value, int, error) {
	v, n, err := Decode(r.buf[r.start:r.end])
	if err != nil {
		return Value{}, 0, err
	}
	r.start += n
	return v, n, nil
}

// ReadNext returns the next frame and its size in bytes, reading from the
// underlying reader as often as needed.
func (r *Reader) ReadNext() (Value, int, error) {
	for {
		v, n, err := r.next()
		if err == nil {
			return v, n, nil
		}
		if !errors.Is(err, ErrIncomplete) {
			return Value{}, 0, err
		}
		if err := r.fill(); err != nil {
			return Value{}, 0, err
		}
	}
}

// ReadCommand returns the next frame parsed as a Command
func (r *Reader) ReadCommand() (*Command, error) {
	v, n, err := r.ReadNext()
	if err != nil {
		return nil, err
	}
	return ParseCommand(v, n)
}

// ReadCommands blocks until at least one complete command is buffered, then
// returns every complete command available, in arrival order. If a malformed
// frame follows valid ones, the valid commands are returned first and the
// error surfaces on the next call.
func (r *Reader) ReadCommands() ([]*Command, error) {
	if err := r.pending; err != nil {
		r.pending = nil
		return nil, err
	}

	var cmds []*Command
	for {
		for r.Buffered() > 0 {
			v, n, err := r.next()
			if errors.Is(err, ErrIncomplete) {
				break
			}
			if err == nil {
				var cmd *Command
				cmd, err = ParseCommand(v, n)
				if err == nil {
					cmds = append(cmds, cmd)
					continue
				}
			}
			if len(cmds) > 0 {
				r.pending = err
				return cmds, nil
			}
			return nil, err
		}
		if len(cmds) > 0 {
			return cmds, nil
		}
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
}

// ReadRDBPayload reads the snapshot a master sends after +FULLRESYNC. It is
// framed like a bulk string ($<len>\r\n<bytes>) but has no trailing CRLF.
func (r *Reader) ReadRDBPayload() ([]byte, error) {
	for r.Buffered() == 0 {
		if err := r.fill(); err != nil {
			return nil, err
		}
	}
	if ValueType(r.buf[r.start]) != TypeBulkString {
		return nil, protocolErrorf(0, "expected RDB payload, got %q", r.buf[r.start])
	}

	var (
		line []byte
		next int
		err  error
	)
	for {
		line, next, err = readLine(r.buf[:r.end], r.start+1, -r.start)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrIncomplete) {
			return nil, err
		}
		if err := r.fill(); err != nil {
			return nil, err
		}
	}

	length, perr := parseInt64(line)
	if perr != nil || length < 0 || length > maxRDBPayload {
		return nil, protocolErrorf(0, "invalid RDB payload length: %q", line)
	}

	for r.end-next < int(length) {
		// fill may compact the buffer, so keep next relative to start
		rel := next - r.start
		if err := r.fill(); err != nil {
			return nil, err
		}
		next = r.start + rel
	}

	payload := copyBytes(r.buf[next : next+int(length)])
	r.start = next + int(length)
	return payload, nil
}
