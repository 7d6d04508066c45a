package replication

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/raniellyferreira/respkv/protocol"
)

// ErrOutputLimit is reported when a replica falls too far behind the stream
var ErrOutputLimit = errors.New("replica output buffer limit reached")

// Session is a replica connection registered on a master.
//
// Everything sent to the replica goes through Send, which only queues the
// bytes; one writer goroutine per session drains the queue onto the
// connection. Each queued item is a whole frame or a run of whole frames,
// so propagated commands and the link's own replies never interleave.
type Session struct {
	ID string

	conn          net.Conn
	addr          string
	listeningPort int
	connectedAt   time.Time
	writeTimeout  time.Duration
	limit         int

	mu      sync.Mutex
	pending [][]byte
	// queued counts bytes accepted by Send and not yet written
	queued int
	err    error

	wake   chan struct{}
	done   chan struct{}
	onFail func(*Session, error)

	ack       atomic.Int64
	failOnce  sync.Once
	closeOnce sync.Once
}

func newSession(conn net.Conn, listeningPort int, writeTimeout time.Duration, limit int, onFail func(*Session, error)) *Session {
	addr := ""
	if ra := conn.RemoteAddr(); ra != nil {
		addr = ra.String()
	}
	return &Session{
		ID:            uuid.NewString(),
		conn:          conn,
		addr:          addr,
		listeningPort: listeningPort,
		connectedAt:   time.Now(),
		writeTimeout:  writeTimeout,
		limit:         limit,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		onFail:        onFail,
	}
}

// Send queues p for the replica. It never blocks on the network. p must
// not be modified afterwards.
func (s *Session) Send(p []byte) error {
	s.mu.Lock()
	if s.err != nil {
		err := s.err
		s.mu.Unlock()
		return err
	}
	if s.limit > 0 && s.queued+len(p) > s.limit {
		s.err = ErrOutputLimit
		s.mu.Unlock()
		s.fail(ErrOutputLimit)
		return ErrOutputLimit
	}
	s.pending = append(s.pending, p)
	s.queued += len(p)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of bytes queued and not yet written
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queued
}

func (s *Session) run() {
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}

		s.mu.Lock()
		items := s.pending
		s.pending = nil
		s.mu.Unlock()
		if len(items) == 0 {
			continue
		}

		n, err := s.write(items)
		s.mu.Lock()
		s.queued -= n
		if err != nil && s.err == nil {
			s.err = err
		}
		s.mu.Unlock()
		if err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *Session) write(items [][]byte) (int, error) {
	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return 0, &protocol.IOError{Op: "write", Err: err}
		}
	}
	size := 0
	for _, p := range items {
		size += len(p)
	}
	bufs := net.Buffers(items)
	if _, err := bufs.WriteTo(s.conn); err != nil {
		return 0, &protocol.IOError{Op: "write", Err: err}
	}
	return size, nil
}

func (s *Session) fail(err error) {
	s.failOnce.Do(func() {
		if s.onFail != nil {
			s.onFail(s, err)
		}
	})
}

// AckOffset returns the highest offset the replica has acknowledged
func (s *Session) AckOffset() int64 {
	return s.ack.Load()
}

// Addr returns the replica's remote address
func (s *Session) Addr() string {
	return s.addr
}

// ListeningPort returns the port the replica announced with REPLCONF
func (s *Session) ListeningPort() int {
	return s.listeningPort
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:            s.ID,
		Addr:          s.addr,
		ListeningPort: s.listeningPort,
		AckOffset:     s.ack.Load(),
		ConnectedAt:   s.connectedAt,
		Pending:       s.Pending(),
	}
}

// Close stops the writer and closes the underlying connection once
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.err == nil {
			s.err = net.ErrClosed
		}
		s.mu.Unlock()
		close(s.done)
		err = s.conn.Close()
	})
	return err
}
