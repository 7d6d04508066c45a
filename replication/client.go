package replication

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/respkv/protocol"
	"github.com/raniellyferreira/respkv/storage"
)

// Applier executes a command received from the master. offset is the
// replica's offset before cmd. When ok is true the reply is sent back to
// the master; only REPLCONF GETACK answers.
type Applier interface {
	ApplyReplicated(ctx context.Context, cmd *protocol.Command, offset int64) (reply protocol.Value, ok bool)
}

// ApplierFunc adapts a function to the Applier interface
type ApplierFunc func(ctx context.Context, cmd *protocol.Command, offset int64) (protocol.Value, bool)

// ApplyReplicated calls f(ctx, cmd, offset)
func (f ApplierFunc) ApplyReplicated(ctx context.Context, cmd *protocol.Command, offset int64) (protocol.Value, bool) {
	return f(ctx, cmd, offset)
}

// Client implements the replica side of replication: handshake, full sync
// and the command stream that follows it.
type Client struct {
	masterAddr    string
	listeningPort int
	storage       storage.Storage
	manager       *Manager
	applier       Applier

	// Connection state
	mu        sync.RWMutex
	conn      net.Conn
	reader    *protocol.Reader
	writer    *protocol.Writer
	connected bool

	// Control
	ctx      context.Context
	cancel   context.CancelFunc
	doneChan chan struct{}
	doneOnce sync.Once
	started  atomic.Bool
	stopped  atomic.Bool

	syncDone chan struct{}
	syncOnce sync.Once

	errMu sync.RWMutex
	err   error

	stats *ReplicationStats

	onSyncComplete []func()

	logger         Logger
	metrics        MetricsCollector
	syncTimeout    time.Duration
	connectTimeout time.Duration
	readTimeout    time.Duration
	writeTimeout   time.Duration
	minBackoff     time.Duration
	maxBackoff     time.Duration
}

// ReplicationStats tracks replication statistics
type ReplicationStats struct {
	mu sync.RWMutex

	Connected         bool
	MasterAddr        string
	MasterReplID      string
	ReplicationOffset int64
	LastSyncTime      time.Time
	BytesReceived     int64
	CommandsProcessed int64
	ReconnectCount    int64
	SyncCount         int64

	InitialSyncCompleted bool
}

// NewClient creates a replication client for masterAddr. Synced data goes to
// stor, offsets to manager, and streamed commands to applier.
func NewClient(masterAddr string, stor storage.Storage, manager *Manager, applier Applier) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		masterAddr:     masterAddr,
		storage:        stor,
		manager:        manager,
		applier:        applier,
		ctx:            ctx,
		cancel:         cancel,
		doneChan:       make(chan struct{}),
		syncDone:       make(chan struct{}),
		stats:          &ReplicationStats{MasterAddr: masterAddr},
		logger:         nopLogger{},
		syncTimeout:    30 * time.Second,
		connectTimeout: 5 * time.Second,
		readTimeout:    30 * time.Second,
		writeTimeout:   10 * time.Second,
		minBackoff:     100 * time.Millisecond,
		maxBackoff:     5 * time.Second,
	}
}

// SetListeningPort sets the port announced with REPLCONF listening-port
func (c *Client) SetListeningPort(port int) {
	c.listeningPort = port
}

// SetLogger sets the logger
func (c *Client) SetLogger(logger Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// SetMetrics sets the metrics collector
func (c *Client) SetMetrics(metrics MetricsCollector) {
	c.metrics = metrics
}

// SetSyncTimeout bounds how long Start keeps retrying the initial sync
func (c *Client) SetSyncTimeout(timeout time.Duration) {
	c.syncTimeout = timeout
}

// SetConnectTimeout sets the dial timeout
func (c *Client) SetConnectTimeout(timeout time.Duration) {
	c.connectTimeout = timeout
}

// SetReadTimeout bounds each read during the handshake
func (c *Client) SetReadTimeout(timeout time.Duration) {
	c.readTimeout = timeout
}

// SetWriteTimeout bounds each write to the master
func (c *Client) SetWriteTimeout(timeout time.Duration) {
	c.writeTimeout = timeout
}

// SetBackoff sets the reconnect backoff range
func (c *Client) SetBackoff(initial, limit time.Duration) {
	c.minBackoff = initial
	c.maxBackoff = limit
}

// Start connects to the master and completes the initial sync before
// returning. Connection failures are retried until the sync timeout; a
// handshake error is returned at once. After Start succeeds the command
// stream runs in the background and reconnects on its own.
func (c *Client) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("replication client already started")
	}
	c.logger.Info("Starting replication client", "master", c.masterAddr)

	deadline := time.Now().Add(c.syncTimeout)
	backoff := c.minBackoff
	for {
		err := c.connectAndSync(ctx)
		if err == nil {
			break
		}

		var hs *HandshakeError
		if errors.As(err, &hs) {
			c.fail(err)
			return err
		}
		c.logger.Error("Sync attempt failed", "master", c.masterAddr, "error", err)
		c.recordMetricError("sync")

		if time.Now().Add(backoff).After(deadline) {
			err = fmt.Errorf("initial sync with %s: %w", c.masterAddr, err)
			c.fail(err)
			return err
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			c.fail(ctx.Err())
			return ctx.Err()
		case <-c.ctx.Done():
			c.finish()
			return ErrClosed
		}
		backoff = nextBackoff(backoff, c.maxBackoff)
	}

	go c.run()
	return nil
}

// Stop stops replication and closes the master link
func (c *Client) Stop() error {
	if !c.stopped.CompareAndSwap(false, true) {
		return nil
	}

	c.logger.Info("Stopping replication client")
	c.cancel()
	c.disconnect()

	if !c.started.Load() {
		c.finish()
		return nil
	}

	select {
	case <-c.doneChan:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("stop timeout")
	}
}

// WaitForSync blocks until the initial sync has completed
func (c *Client) WaitForSync(ctx context.Context) error {
	select {
	case <-c.syncDone:
		return nil
	case <-c.doneChan:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the client has stopped for good
func (c *Client) Done() <-chan struct{} {
	return c.doneChan
}

// Err returns the error that ended replication, if any
func (c *Client) Err() error {
	c.errMu.RLock()
	defer c.errMu.RUnlock()
	return c.err
}

// Stats returns current replication statistics
func (c *Client) Stats() ReplicationStats {
	c.stats.mu.RLock()
	defer c.stats.mu.RUnlock()

	return ReplicationStats{
		Connected:            c.stats.Connected,
		MasterAddr:           c.stats.MasterAddr,
		MasterReplID:         c.stats.MasterReplID,
		ReplicationOffset:    c.stats.ReplicationOffset,
		LastSyncTime:         c.stats.LastSyncTime,
		BytesReceived:        c.stats.BytesReceived,
		CommandsProcessed:    c.stats.CommandsProcessed,
		ReconnectCount:       c.stats.ReconnectCount,
		SyncCount:            c.stats.SyncCount,
		InitialSyncCompleted: c.stats.InitialSyncCompleted,
	}
}

// OnSyncComplete registers a callback run after every full sync
func (c *Client) OnSyncComplete(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSyncComplete = append(c.onSyncComplete, fn)
}

// run streams commands and resyncs after the link drops
func (c *Client) run() {
	defer c.finish()

	for {
		err := c.streamCommands()
		c.disconnect()
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Error("Replication link lost", "master", c.masterAddr, "error", err)
		c.recordMetricError("streaming")

		if !c.reconnect() {
			return
		}
	}
}

// reconnect retries a full handshake with backoff. It returns false when the
// client is stopping or the master rejected the handshake.
func (c *Client) reconnect() bool {
	backoff := c.minBackoff
	for {
		select {
		case <-time.After(backoff):
		case <-c.ctx.Done():
			return false
		}

		c.updateStats(func(s *ReplicationStats) {
			s.ReconnectCount++
		})
		if c.metrics != nil {
			c.metrics.RecordReconnection()
		}

		err := c.connectAndSync(c.ctx)
		if err == nil {
			return true
		}
		if c.ctx.Err() != nil {
			return false
		}

		var hs *HandshakeError
		if errors.As(err, &hs) {
			c.logger.Error("Master rejected handshake, giving up", "error", err)
			c.setErr(err)
			return false
		}
		c.logger.Error("Reconnect failed", "master", c.masterAddr, "error", err)
		c.recordMetricError("connection")
		backoff = nextBackoff(backoff, c.maxBackoff)
	}
}

func (c *Client) connectAndSync(ctx context.Context) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	if err := c.handshake(); err != nil {
		c.disconnect()
		return err
	}
	if err := c.performFullSync(); err != nil {
		c.disconnect()
		return err
	}
	return nil
}

// connect establishes connection to master
func (c *Client) connect(ctx context.Context) error {
	c.logger.Debug("Connecting to master", "addr", c.masterAddr)

	dialer := &net.Dialer{Timeout: c.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.masterAddr)
	if err != nil {
		return &protocol.IOError{Op: "dial", Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.reader = protocol.NewReader(conn)
	c.writer = protocol.NewWriter(conn)
	c.connected = true
	c.mu.Unlock()

	c.updateStats(func(s *ReplicationStats) {
		s.Connected = true
	})
	c.logger.Info("Connected to master", "addr", c.masterAddr)
	return nil
}

// disconnect closes the connection
func (c *Client) disconnect() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.mu.Unlock()

	c.updateStats(func(s *ReplicationStats) {
		s.Connected = false
	})
}

// handshake announces the replica and negotiates a full resync
func (c *Client) handshake() error {
	steps := []struct {
		name string
		args []string
		want string
	}{
		{"ping", []string{"PING"}, "PONG"},
		{"listening-port", []string{"REPLCONF", "listening-port", strconv.Itoa(c.listeningPort)}, "OK"},
		{"capa", []string{"REPLCONF", "capa", "psync2"}, "OK"},
	}

	for _, step := range steps {
		reply, err := c.roundTrip(step.args...)
		if err != nil {
			return err
		}
		if reply.Type != protocol.TypeSimpleString || !strings.EqualFold(reply.String(), step.want) {
			return &HandshakeError{Step: step.name, Got: reply.String()}
		}
		c.logger.Debug("Handshake step completed", "step", step.name)
	}
	return nil
}

// roundTrip sends one command and reads one reply within the read timeout
func (c *Client) roundTrip(args ...string) (protocol.Value, error) {
	if err := c.setDeadline(); err != nil {
		return protocol.Value{}, err
	}
	if err := c.writer.WriteCommand(args[0], args[1:]...); err != nil {
		return protocol.Value{}, err
	}
	if err := c.writer.Flush(); err != nil {
		return protocol.Value{}, err
	}
	reply, _, err := c.reader.ReadNext()
	if err != nil {
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			return protocol.Value{}, &HandshakeError{Step: strings.ToLower(args[0]), Err: err}
		}
		return protocol.Value{}, err
	}
	return reply, nil
}

// performFullSync sends PSYNC, loads the snapshot and adopts the master's
// replication ID and offset
func (c *Client) performFullSync() error {
	startTime := time.Now()

	reply, err := c.roundTrip("PSYNC", "?", "-1")
	if err != nil {
		return err
	}
	replID, offset, ok := parseFullResync(reply)
	if !ok {
		return &HandshakeError{Step: "psync", Got: reply.String()}
	}

	payload, err := c.reader.ReadRDBPayload()
	if err != nil {
		var perr *protocol.ProtocolError
		if errors.As(err, &perr) {
			return &HandshakeError{Step: "rdb", Err: err}
		}
		return err
	}

	if err := c.storage.FlushAll(); err != nil {
		return fmt.Errorf("flush before sync: %w", err)
	}
	keys, err := LoadRDB(bytes.NewReader(payload), c.storage, c.logger)
	if err != nil {
		return &HandshakeError{Step: "rdb", Err: err}
	}
	c.manager.Adopt(replID, offset)

	// the stream has no read deadline: an idle master is not a failure
	c.mu.RLock()
	if c.conn != nil {
		_ = c.conn.SetDeadline(time.Time{})
	}
	c.mu.RUnlock()

	syncDuration := time.Since(startTime)
	if c.metrics != nil {
		c.metrics.RecordSyncDuration(syncDuration)
		c.metrics.RecordNetworkBytes(int64(len(payload)))
	}
	c.updateStats(func(s *ReplicationStats) {
		s.MasterReplID = replID
		s.ReplicationOffset = offset
		s.InitialSyncCompleted = true
		s.LastSyncTime = time.Now()
		s.SyncCount++
		s.BytesReceived += int64(len(payload))
	})

	c.mu.RLock()
	callbacks := make([]func(), len(c.onSyncComplete))
	copy(callbacks, c.onSyncComplete)
	c.mu.RUnlock()
	for _, callback := range callbacks {
		callback()
	}
	c.syncOnce.Do(func() { close(c.syncDone) })

	c.logger.Info("Full synchronization completed",
		"replid", replID, "offset", offset, "keys", keys, "rdb_bytes", len(payload), "duration", syncDuration)
	return nil
}

// parseFullResync parses "+FULLRESYNC <replid> <offset>"
func parseFullResync(v protocol.Value) (string, int64, bool) {
	if v.Type != protocol.TypeSimpleString {
		return "", 0, false
	}
	parts := strings.Fields(v.String())
	if len(parts) != 3 || !strings.EqualFold(parts[0], "FULLRESYNC") {
		return "", 0, false
	}
	offset, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || offset < 0 {
		return "", 0, false
	}
	return parts[1], offset, true
}

// streamCommands applies commands from the master until the link fails.
// The offset advances by each frame's exact size after it is applied.
func (c *Client) streamCommands() error {
	c.logger.Debug("Starting command streaming")

	for {
		cmds, err := c.reader.ReadCommands()
		if err != nil {
			return err
		}

		replied := false
		var received int64
		for _, cmd := range cmds {
			startTime := time.Now()

			reply, ok := c.applier.ApplyReplicated(c.ctx, cmd, c.manager.Offset())
			if ok {
				if err := c.writer.WriteValue(reply); err != nil {
					return err
				}
				replied = true
			}
			c.manager.Advance(cmd.Size)
			received += int64(cmd.Size)

			if c.metrics != nil {
				c.metrics.RecordCommandProcessed(cmd.Name, time.Since(startTime))
			}
		}

		if replied {
			if err := c.flushReplies(); err != nil {
				return err
			}
		}

		if c.metrics != nil {
			c.metrics.RecordNetworkBytes(received)
		}
		offset := c.manager.Offset()
		c.updateStats(func(s *ReplicationStats) {
			s.CommandsProcessed += int64(len(cmds))
			s.BytesReceived += received
			s.ReplicationOffset = offset
		})
	}
}

func (c *Client) flushReplies() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrClosed
	}
	if c.writeTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.writer.Flush()
}

// setDeadline bounds the next handshake round trip
func (c *Client) setDeadline() error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return ErrClosed
	}
	if c.readTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(c.readTimeout)); err != nil {
			return &protocol.IOError{Op: "deadline", Err: err}
		}
	}
	return nil
}

func (c *Client) setErr(err error) {
	c.errMu.Lock()
	c.err = err
	c.errMu.Unlock()
}

func (c *Client) fail(err error) {
	c.setErr(err)
	c.finish()
}

func (c *Client) finish() {
	c.doneOnce.Do(func() { close(c.doneChan) })
}

// updateStats atomically updates statistics
func (c *Client) updateStats(fn func(*ReplicationStats)) {
	c.stats.mu.Lock()
	defer c.stats.mu.Unlock()
	fn(c.stats)
}

// recordMetricError records an error metric
func (c *Client) recordMetricError(errorType string) {
	if c.metrics != nil {
		c.metrics.RecordError(errorType)
	}
}

func nextBackoff(cur, limit time.Duration) time.Duration {
	next := cur * 2
	if next > limit {
		return limit
	}
	return next
}
