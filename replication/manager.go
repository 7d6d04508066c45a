package replication

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/raniellyferreira/respkv/protocol"
	"github.com/raniellyferreira/respkv/storage"
)

// Role is the replication role of a node
type Role uint8

const (
	RoleMaster Role = iota
	RoleSlave
)

// String returns the role as INFO reports it
func (r Role) String() string {
	if r == RoleSlave {
		return "slave"
	}
	return "master"
}

// Logger interface for replication logging
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// MetricsCollector interface for replication metrics
type MetricsCollector interface {
	RecordSyncDuration(duration time.Duration)
	RecordCommandProcessed(cmd string, duration time.Duration)
	RecordNetworkBytes(bytes int64)
	RecordReconnection()
	RecordError(errorType string)
	RecordPropagation(bytes int, replicas int)
	SetConnectedReplicas(n int)
	RecordWait(acked int, duration time.Duration)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...interface{}) {}
func (nopLogger) Info(string, ...interface{})  {}
func (nopLogger) Error(string, ...interface{}) {}

// defaultOutputLimit bounds the bytes queued for one replica
const defaultOutputLimit = 256 << 20

// getAckCommand is what WAIT sends to collect fresh offsets
var getAckCommand = protocol.NewCommand("REPLCONF", "GETACK", "*").Encode()

// Manager owns the replication state of a node: role, replication ID,
// offset and, on a master, the registered replica sessions.
//
// mu orders the replication stream. On a master the offset only moves while
// mu is held, together with queueing the frame on every session. Apply runs a
// store mutation under the same lock, so the stream carries writes in the
// order they hit the store, and FullResync takes its snapshot under it, so a
// new session sees exactly the frames after its snapshot.
type Manager struct {
	mu sync.Mutex

	role   Role
	idMu   sync.RWMutex
	replID string
	offset atomic.Int64

	sessions *xsync.MapOf[string, *Session]

	// ackCh is closed and replaced whenever any ack arrives or a session leaves
	ackMu sync.Mutex
	ackCh chan struct{}

	store        storage.Storage
	logger       Logger
	metrics      MetricsCollector
	writeTimeout time.Duration
	outputLimit  int
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithReplID sets the replication ID instead of generating one
func WithReplID(id string) ManagerOption {
	return func(m *Manager) {
		if id != "" {
			m.replID = id
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(metrics MetricsCollector) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithWriteTimeout bounds each write to a replica session
func WithWriteTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.writeTimeout = d
	}
}

// WithOutputLimit drops a replica once more than limit bytes are queued for
// it. Zero removes the limit.
func WithOutputLimit(limit int) ManagerOption {
	return func(m *Manager) {
		m.outputLimit = limit
	}
}

// NewManager creates the replication state for a node. store is the source
// of FULLRESYNC snapshots.
func NewManager(role Role, store storage.Storage, opts ...ManagerOption) *Manager {
	m := &Manager{
		role:         role,
		sessions:     xsync.NewMapOf[string, *Session](),
		ackCh:        make(chan struct{}),
		store:        store,
		logger:       nopLogger{},
		writeTimeout: 10 * time.Second,
		outputLimit:  defaultOutputLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.replID == "" {
		m.replID = NewReplID()
	}
	return m
}

// NewReplID returns 40 random hex characters
func NewReplID() string {
	var b [20]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("replication: crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

// Role returns the node's role
func (m *Manager) Role() Role {
	return m.role
}

// ReplID returns the current replication ID
func (m *Manager) ReplID() string {
	m.idMu.RLock()
	defer m.idMu.RUnlock()
	return m.replID
}

// Offset returns the replication offset
func (m *Manager) Offset() int64 {
	return m.offset.Load()
}

// Adopt takes the master's replication ID and offset after a full resync
func (m *Manager) Adopt(replID string, offset int64) {
	m.idMu.Lock()
	m.replID = replID
	m.idMu.Unlock()
	m.offset.Store(offset)
}

// Advance adds the size of a frame consumed from the master
func (m *Manager) Advance(n int) {
	m.offset.Add(int64(n))
}

// ReplicaCount returns the number of registered replica sessions
func (m *Manager) ReplicaCount() int {
	return m.sessions.Size()
}

// Propagate appends cmd to the replication stream: it is queued on every
// replica and the offset advances by its encoded length. A replica that
// cannot take it is dropped. On a replica it does nothing.
func (m *Manager) Propagate(cmd *protocol.Command) {
	if m.role != RoleMaster {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(cmd.Encode())
}

// Apply runs fn, which mutates the store, and appends the commands it
// returns to the replication stream in the same step. Two Apply calls never
// overlap, so replicas see writes in the order the store applied them. fn
// must not call back into the Manager's stream (Propagate, Apply, Wait or
// FullResync).
func (m *Manager) Apply(fn func() []*protocol.Command) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmds := fn()
	if m.role != RoleMaster {
		return
	}
	for _, cmd := range cmds {
		m.appendLocked(cmd.Encode())
	}
}

func (m *Manager) propagate(payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(payload)
}

// appendLocked queues payload on every session and advances the offset.
// Callers hold mu.
func (m *Manager) appendLocked(payload []byte) {
	queued := 0
	m.sessions.Range(func(_ string, s *Session) bool {
		if err := s.Send(payload); err == nil {
			queued++
		}
		return true
	})
	m.offset.Add(int64(len(payload)))

	if m.metrics != nil {
		m.metrics.RecordPropagation(len(payload), queued)
	}
}

// dropSession is called once when a session's queue or connection fails
func (m *Manager) dropSession(s *Session, err error) {
	if _, ok := m.sessions.Load(s.ID); !ok {
		return
	}
	m.logger.Error("Dropping replica", "replica", s.ID, "addr", s.Addr(), "error", err)
	m.recordError("propagate")
	m.Remove(s.ID)
}

// FullResync queues +FULLRESYNC and a snapshot of the dataset for conn and
// registers it as a replica. The snapshot, the offset it is taken at and
// the registration are one step with respect to Propagate and Apply. The
// transfer itself happens on the session's writer; a failure there drops
// the session.
func (m *Manager) FullResync(conn net.Conn, listeningPort int) (*Session, error) {
	if m.role != RoleMaster {
		return nil, ErrNotMaster
	}

	s := newSession(conn, listeningPort, m.writeTimeout, m.outputLimit, m.dropSession)

	m.mu.Lock()
	defer m.mu.Unlock()

	var rdb bytes.Buffer
	if err := WriteRDB(&rdb, m.store.Snapshot()); err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}

	offset := m.offset.Load()
	var out bytes.Buffer
	fmt.Fprintf(&out, "+FULLRESYNC %s %d\r\n$%d\r\n", m.ReplID(), offset, rdb.Len())
	out.Write(rdb.Bytes())

	// the snapshot is the first item, ahead of anything propagated later
	s.limit = 0
	_ = s.Send(out.Bytes())
	s.limit = m.outputLimit

	s.ack.Store(offset)
	m.sessions.Store(s.ID, s)
	go s.run()
	m.setConnectedReplicas()

	m.logger.Info("Replica registered", "replica", s.ID, "addr", s.Addr(), "port", listeningPort, "offset", offset, "rdb_bytes", rdb.Len())
	return s, nil
}

// Ack records the offset a replica reported. Offsets never move backwards.
func (m *Manager) Ack(sessionID string, offset int64) {
	s, ok := m.sessions.Load(sessionID)
	if !ok {
		return
	}
	for {
		cur := s.ack.Load()
		if offset <= cur {
			return
		}
		if s.ack.CompareAndSwap(cur, offset) {
			break
		}
	}
	m.notifyAcks()
}

// Remove deregisters a replica and closes its connection
func (m *Manager) Remove(sessionID string) {
	s, ok := m.sessions.LoadAndDelete(sessionID)
	if !ok {
		return
	}
	_ = s.Close()
	m.setConnectedReplicas()
	m.notifyAcks()
	m.logger.Info("Replica removed", "replica", s.ID, "addr", s.Addr())
}

// Wait blocks until at least n replicas have acknowledged the offset the
// master had on entry, or until timeout elapses, and returns how many have.
// With no replicas it returns 0 at once. A zero timeout never blocks.
func (m *Manager) Wait(ctx context.Context, n int, timeout time.Duration) (int, error) {
	if m.role != RoleMaster {
		return 0, ErrNotMaster
	}
	if timeout < 0 {
		return 0, fmt.Errorf("timeout is negative")
	}

	start := time.Now()
	target := m.offset.Load()

	acked, err := m.wait(ctx, target, n, timeout)
	if m.metrics != nil {
		m.metrics.RecordWait(acked, time.Since(start))
	}
	return acked, err
}

func (m *Manager) wait(ctx context.Context, target int64, n int, timeout time.Duration) (int, error) {
	if m.sessions.Size() == 0 {
		return 0, nil
	}
	if acked := m.countAcked(target); acked >= n {
		return acked, nil
	}

	signal := m.ackSignal()
	m.propagate(getAckCommand)
	if timeout == 0 {
		return m.countAcked(target), nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-signal:
			signal = m.ackSignal()
			if acked := m.countAcked(target); acked >= n {
				return acked, nil
			}
		case <-timer.C:
			return m.countAcked(target), nil
		case <-ctx.Done():
			return m.countAcked(target), ctx.Err()
		}
	}
}

func (m *Manager) countAcked(target int64) int {
	count := 0
	m.sessions.Range(func(_ string, s *Session) bool {
		if s.ack.Load() >= target {
			count++
		}
		return true
	})
	return count
}

func (m *Manager) ackSignal() <-chan struct{} {
	m.ackMu.Lock()
	defer m.ackMu.Unlock()
	return m.ackCh
}

func (m *Manager) notifyAcks() {
	m.ackMu.Lock()
	close(m.ackCh)
	m.ackCh = make(chan struct{})
	m.ackMu.Unlock()
}

// SessionInfo describes a registered replica
type SessionInfo struct {
	ID            string
	Addr          string
	ListeningPort int
	AckOffset     int64
	ConnectedAt   time.Time
	// Pending is the number of bytes queued and not yet written
	Pending int
}

// Sessions returns the registered replicas, oldest first
func (m *Manager) Sessions() []SessionInfo {
	infos := make([]SessionInfo, 0, m.sessions.Size())
	m.sessions.Range(func(_ string, s *Session) bool {
		infos = append(infos, s.Info())
		return true
	})
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].ConnectedAt.Before(infos[j].ConnectedAt)
	})
	return infos
}

// Close drops every replica session
func (m *Manager) Close() error {
	m.sessions.Range(func(id string, _ *Session) bool {
		m.Remove(id)
		return true
	})
	return nil
}

func (m *Manager) setConnectedReplicas() {
	if m.metrics != nil {
		m.metrics.SetConnectedReplicas(m.sessions.Size())
	}
}

func (m *Manager) recordError(errorType string) {
	if m.metrics != nil {
		m.metrics.RecordError(errorType)
	}
}
