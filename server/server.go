package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/raniellyferreira/respkv/command"
	"github.com/raniellyferreira/respkv/protocol"
	"github.com/raniellyferreira/respkv/replication"
)

// Executor runs client commands. *command.Engine implements it.
type Executor interface {
	Execute(ctx context.Context, req command.Request) command.Result
}

// Replication is what connections need from the replication manager.
// *replication.Manager implements it.
type Replication interface {
	FullResync(conn net.Conn, listeningPort int) (*replication.Session, error)
	Remove(sessionID string)
}

// Logger interface for server logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector receives connection measurements
type MetricsCollector interface {
	RecordConnection()
	SetConnectedClients(n int)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// Server accepts RESP connections and serves each one on its own goroutine
type Server struct {
	exec Executor
	repl Replication

	addr        string
	idleTimeout time.Duration

	// Connection management
	listener net.Listener
	clients  sync.Map // map[string]*Client

	// Control
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	// Counters
	connCount    atomic.Int64
	activeCount  atomic.Int64
	commandCount atomic.Int64
	errorCount   atomic.Int64

	logger  Logger
	metrics MetricsCollector
}

// Option configures a Server
type Option func(*Server)

// WithLogger sets the logger
func WithLogger(logger Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithIdleTimeout closes client connections that send nothing for d.
// Zero keeps idle connections open.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.idleTimeout = d
	}
}

// NewServer creates a server that will listen on addr
func NewServer(addr string, exec Executor, repl Replication, opts ...Option) *Server {
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		exec:   exec,
		repl:   repl,
		addr:   addr,
		ctx:    ctx,
		cancel: cancel,
		logger: nopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start binds the listener and starts accepting connections
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.logger.Info("Server listening", "addr", listener.Addr().String())

	s.wg.Add(1)
	go s.acceptConnections()

	return nil
}

// Stop closes the listener and every connection, then waits for their
// goroutines to finish
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.cancel()

		if s.listener != nil {
			_ = s.listener.Close()
		}

		s.clients.Range(func(_, value interface{}) bool {
			if client, ok := value.(*Client); ok {
				client.Close()
			}
			return true
		})
	})

	s.wg.Wait()
	return nil
}

// Addr returns the listening address once started
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Stats returns server statistics
func (s *Server) Stats() map[string]interface{} {
	return map[string]interface{}{
		"connected_clients": s.activeCount.Load(),
		"total_commands":    s.commandCount.Load(),
		"total_errors":      s.errorCount.Load(),
		"total_connections": s.connCount.Load(),
	}
}

func (s *Server) acceptConnections() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			s.logger.Error("Accept failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		s.handleNewClient(conn)
	}
}

func (s *Server) handleNewClient(conn net.Conn) {
	ctx, cancel := context.WithCancel(s.ctx)
	client := &Client{
		id:      uuid.NewString(),
		conn:    conn,
		reader:  protocol.NewReader(conn),
		writer:  protocol.NewWriter(conn),
		server:  s,
		ctx:     ctx,
		cancel:  cancel,
	}

	s.connCount.Add(1)
	active := s.activeCount.Add(1)
	s.clients.Store(client.id, client)
	if s.metrics != nil {
		s.metrics.RecordConnection()
		s.metrics.SetConnectedClients(int(active))
	}
	s.logger.Debug("Client connected", "client", client.id, "addr", conn.RemoteAddr().String())

	s.wg.Add(1)
	go client.handle()
}

func (s *Server) removeClient(c *Client) {
	if _, loaded := s.clients.LoadAndDelete(c.id); !loaded {
		return
	}
	active := s.activeCount.Add(-1)
	if s.metrics != nil {
		s.metrics.SetConnectedClients(int(active))
	}
}

// Client is one accepted connection
type Client struct {
	id     string
	conn   net.Conn
	reader *protocol.Reader
	writer *protocol.Writer
	server *Server

	// listeningPort is what the peer announced with REPLCONF listening-port
	listeningPort int
	// session is set once the connection has become a replica link
	session *replication.Session

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Close closes the client connection
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.cancel()
		_ = c.conn.Close()
	})
}

func (c *Client) handle() {
	defer c.server.wg.Done()
	defer c.server.removeClient(c)
	defer c.Close()
	defer func() {
		if c.session != nil {
			c.server.repl.Remove(c.session.ID)
		}
	}()

	for {
		if c.ctx.Err() != nil {
			return
		}
		if c.server.idleTimeout > 0 && c.session == nil {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.server.idleTimeout))
		}

		cmds, err := c.reader.ReadCommands()
		if err != nil {
			c.handleReadError(err)
			return
		}

		for _, cmd := range cmds {
			if err := c.execute(cmd); err != nil {
				c.server.logger.Debug("Closing client", "client", c.id, "error", err)
				return
			}
		}
		if err := c.writer.Flush(); err != nil {
			c.server.logger.Debug("Closing client", "client", c.id, "error", err)
			return
		}
	}
}

func (c *Client) handleReadError(err error) {
	var perr *protocol.ProtocolError
	if errors.As(err, &perr) {
		c.server.errorCount.Add(1)
		c.server.logger.Debug("Protocol error from client", "client", c.id, "error", perr.Message)
		_ = c.writeReply(protocol.ErrorValue("ERR Protocol error: " + perr.Message))
		_ = c.writer.Flush()
		return
	}
	if errors.Is(err, io.EOF) || c.ctx.Err() != nil {
		return
	}
	c.server.logger.Debug("Client read failed", "client", c.id, "error", err)
}

// execute runs one command and writes its reply. The executor has already
// appended any writes to the replication stream. A returned error closes the
// connection.
func (c *Client) execute(cmd *protocol.Command) error {
	c.server.commandCount.Add(1)

	req := command.Request{Cmd: cmd, Origin: command.OriginClient}
	if c.session != nil {
		req.Session = c.session.ID
	}

	res := c.server.exec.Execute(c.ctx, req)
	if res.Err != nil {
		c.server.errorCount.Add(1)
	}
	if res.ListeningPort != 0 {
		c.listeningPort = res.ListeningPort
	}
	if res.FullResync {
		return c.promote()
	}

	if !res.NoReply {
		return c.writeReply(res.Reply)
	}
	return nil
}

// promote turns the connection into a replica link. Later replies, such as
// they are, are queued on the session one whole reply at a time, so they
// never interleave with propagation.
func (c *Client) promote() error {
	if c.session != nil {
		return c.writeReply(protocol.ErrorValue("ERR connection is already a replica link"))
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}

	session, err := c.server.repl.FullResync(c.conn, c.listeningPort)
	if err != nil {
		return fmt.Errorf("full resync: %w", err)
	}
	c.session = session
	_ = c.conn.SetReadDeadline(time.Time{})

	c.server.logger.Info("Client promoted to replica", "client", c.id, "replica", session.ID, "addr", session.Addr())
	return nil
}

func (c *Client) writeReply(v protocol.Value) error {
	if v.Type == protocol.TypeError {
		v = protocol.ErrorValue(cleanErrorMessage(string(v.Data)))
	}
	if c.session != nil {
		return c.session.Send(protocol.Encode(v))
	}
	return c.writer.WriteValue(v)
}

// cleanErrorMessage keeps error replies on one line
func cleanErrorMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\n", " ")
	return strings.ReplaceAll(msg, "\r", " ")
}
