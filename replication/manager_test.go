package replication

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raniellyferreira/respkv/protocol"
	"github.com/raniellyferreira/respkv/storage"
)

// fakeConn records everything written to it. While gate is set, writes
// wait for it to be closed.
type fakeConn struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	failWrites bool
	closed     bool
	gate       chan struct{}
}

func (c *fakeConn) Read([]byte) (int, error) { return 0, io.EOF }

func (c *fakeConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	gate := c.gate
	c.mu.Unlock()
	if gate != nil {
		<-gate
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites || c.closed {
		return 0, errors.New("broken pipe")
	}
	return c.buf.Write(p)
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 6379}
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}
}

func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.buf.Bytes()...)
}

func (c *fakeConn) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf.Reset()
}

func (c *fakeConn) setFailWrites(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWrites = fail
}

func (c *fakeConn) hold(t *testing.T) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.gate = gate
	c.mu.Unlock()
	t.Cleanup(func() { close(gate) })
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func setCommand(key, value string) *protocol.Command {
	return protocol.NewCommand("SET", key, value)
}

func newTestManager(t *testing.T, role Role) (*Manager, storage.Storage) {
	t.Helper()
	stor := storage.NewMemory(storage.WithSweepInterval(0))
	m := NewManager(role, stor, WithReplID(strings.Repeat("a", 40)))
	t.Cleanup(func() {
		_ = m.Close()
		_ = stor.Close()
	})
	return m, stor
}

// registerReplica runs a FULLRESYNC into a fake connection and clears what
// it wrote, so the connection only holds propagated frames afterwards
func registerReplica(t *testing.T, m *Manager) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s, err := m.FullResync(conn, 6380)
	require.NoError(t, err)
	flushed(t, s)
	conn.reset()
	return s, conn
}

// flushed waits until the sessions' writers have drained their queues
func flushed(t *testing.T, sessions ...*Session) {
	t.Helper()
	for _, s := range sessions {
		require.Eventually(t, func() bool { return s.Pending() == 0 }, 2*time.Second, time.Millisecond)
	}
}

func TestNewReplID(t *testing.T) {
	id := NewReplID()
	assert.Len(t, id, 40)
	assert.Equal(t, strings.Trim(id, "0123456789abcdef"), "")
	assert.NotEqual(t, id, NewReplID())
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "master", RoleMaster.String())
	assert.Equal(t, "slave", RoleSlave.String())
}

func TestManagerFullResync(t *testing.T) {
	m, stor := newTestManager(t, RoleMaster)

	expireAt := time.Now().Add(time.Hour)
	require.NoError(t, stor.Set("foo", []byte("bar"), nil))
	require.NoError(t, stor.Set("ttl", []byte("v"), &expireAt))

	m.Propagate(setCommand("before", "sync"))
	offset := m.Offset()

	conn := &fakeConn{}
	s, err := m.FullResync(conn, 6380)
	require.NoError(t, err)

	assert.Equal(t, 1, m.ReplicaCount())
	assert.Equal(t, offset, s.AckOffset())
	assert.Equal(t, 6380, s.ListeningPort())

	flushed(t, s)
	r := protocol.NewReader(bytes.NewReader(conn.bytes()))
	line, _, err := r.ReadNext()
	require.NoError(t, err)
	assert.Equal(t, "FULLRESYNC "+m.ReplID()+" "+itoa(offset), line.String())

	payload, err := r.ReadRDBPayload()
	require.NoError(t, err)
	assert.Equal(t, 0, r.Buffered())

	replica := storage.NewMemory(storage.WithSweepInterval(0))
	defer replica.Close()
	n, err := LoadRDB(bytes.NewReader(payload), replica, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, ok := replica.Get("foo")
	require.True(t, ok)
	assert.Equal(t, "bar", string(got))

	snap := replica.Snapshot()
	require.Len(t, snap, 2)
	require.NotNil(t, snap[1].ExpireAt)
	assert.Equal(t, expireAt.UnixMilli(), snap[1].ExpireAt.UnixMilli())
}

func TestManagerFullResyncOnReplica(t *testing.T) {
	m, _ := newTestManager(t, RoleSlave)

	_, err := m.FullResync(&fakeConn{}, 6380)
	assert.ErrorIs(t, err, ErrNotMaster)
}

func TestManagerPropagate(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	a, connA := registerReplica(t, m)
	b, connB := registerReplica(t, m)

	cmds := []*protocol.Command{
		setCommand("foo", "bar"),
		protocol.NewCommand("set", "k", "v", "px", "100"),
		protocol.NewCommand("DEL", "foo"),
	}

	var want []byte
	for _, cmd := range cmds {
		m.Propagate(cmd)
		want = append(want, cmd.Encode()...)
	}

	flushed(t, a, b)
	assert.Equal(t, want, connA.bytes())
	assert.Equal(t, want, connB.bytes())
	assert.Equal(t, int64(len(want)), m.Offset())
	assert.True(t, bytes.HasPrefix(want, []byte("*3\r\n$3\r\nSET\r\n")))
}

func TestManagerPropagateWithoutReplicas(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)

	cmd := setCommand("foo", "bar")
	m.Propagate(cmd)
	assert.Equal(t, int64(len(cmd.Encode())), m.Offset())
}

func TestManagerPropagateOnReplicaIsNoop(t *testing.T) {
	m, _ := newTestManager(t, RoleSlave)

	m.Propagate(setCommand("foo", "bar"))
	assert.Equal(t, int64(0), m.Offset())
}

func TestManagerDropsFailedReplica(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	bad, badConn := registerReplica(t, m)
	good, goodConn := registerReplica(t, m)

	badConn.setFailWrites(true)
	cmd := setCommand("foo", "bar")
	m.Propagate(cmd)

	require.Eventually(t, func() bool { return m.ReplicaCount() == 1 }, 2*time.Second, time.Millisecond)
	assert.True(t, badConn.isClosed())
	flushed(t, good)
	assert.Equal(t, cmd.Encode(), goodConn.bytes())
	assert.Equal(t, int64(len(cmd.Encode())), m.Offset())

	for _, info := range m.Sessions() {
		assert.NotEqual(t, bad.ID, info.ID)
	}
}

func TestManagerAck(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	s, _ := registerReplica(t, m)

	m.Ack(s.ID, 100)
	assert.Equal(t, int64(100), s.AckOffset())

	m.Ack(s.ID, 50)
	assert.Equal(t, int64(100), s.AckOffset(), "ack offsets never move backwards")

	m.Ack("unknown", 500)
	assert.Equal(t, int64(100), s.AckOffset())
}

func TestManagerRemove(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	s, conn := registerReplica(t, m)

	m.Remove(s.ID)
	m.Remove(s.ID)

	assert.Equal(t, 0, m.ReplicaCount())
	assert.True(t, conn.isClosed())
}

func TestManagerSessions(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	first, _ := registerReplica(t, m)
	time.Sleep(time.Millisecond)
	second, _ := registerReplica(t, m)

	infos := m.Sessions()
	require.Len(t, infos, 2)
	assert.Equal(t, first.ID, infos[0].ID)
	assert.Equal(t, second.ID, infos[1].ID)
	assert.Equal(t, "127.0.0.1:50000", infos[0].Addr)
}

func TestManagerAdoptAndAdvance(t *testing.T) {
	m, _ := newTestManager(t, RoleSlave)

	m.Adopt("b"+strings.Repeat("0", 39), 1000)
	m.Advance(37)

	assert.Equal(t, "b"+strings.Repeat("0", 39), m.ReplID())
	assert.Equal(t, int64(1037), m.Offset())
}

func TestManagerWaitNoReplicas(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	m.Propagate(setCommand("foo", "bar"))

	start := time.Now()
	n, err := m.Wait(context.Background(), 1, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Less(t, time.Since(start), time.Second)
}

func TestManagerWaitAlreadyAcked(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	_, conn := registerReplica(t, m)
	offset := m.Offset()

	n, err := m.Wait(context.Background(), 1, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, conn.bytes(), "no GETACK is needed when acks already cover the offset")
	assert.Equal(t, offset, m.Offset())
}

func TestManagerWaitCollectsAcks(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	a, connA := registerReplica(t, m)
	b, _ := registerReplica(t, m)

	m.Propagate(setCommand("foo", "bar"))
	target := m.Offset()

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for !bytes.Contains(connA.bytes(), getAckCommand) && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		m.Ack(a.ID, target)
		m.Ack(b.ID, target-1)
	}()

	n, err := m.Wait(context.Background(), 1, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// GETACK counts toward the offset
	assert.Equal(t, target+int64(len(getAckCommand)), m.Offset())
}

func TestManagerWaitTimeout(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	_, conn := registerReplica(t, m)
	m.Propagate(setCommand("foo", "bar"))

	start := time.Now()
	n, err := m.Wait(context.Background(), 1, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Eventually(t, func() bool { return bytes.HasSuffix(conn.bytes(), getAckCommand) }, 2*time.Second, time.Millisecond)
}

func TestManagerWaitZeroTimeout(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	_, conn := registerReplica(t, m)
	m.Propagate(setCommand("foo", "bar"))
	before := m.Offset()

	start := time.Now()
	n, err := m.Wait(context.Background(), 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Eventually(t, func() bool { return bytes.HasSuffix(conn.bytes(), getAckCommand) }, 2*time.Second, time.Millisecond)
	assert.Equal(t, before+int64(len(getAckCommand)), m.Offset())
}

func TestManagerWaitReplicaLeaves(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	s, _ := registerReplica(t, m)
	m.Propagate(setCommand("foo", "bar"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		m.Remove(s.ID)
	}()

	n, err := m.Wait(context.Background(), 1, 200*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestManagerWaitContextCancelled(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	registerReplica(t, m)
	m.Propagate(setCommand("foo", "bar"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	n, err := m.Wait(ctx, 1, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, n)
}

func TestManagerWaitErrors(t *testing.T) {
	master, _ := newTestManager(t, RoleMaster)
	_, err := master.Wait(context.Background(), 1, -time.Second)
	assert.Error(t, err)

	replica, _ := newTestManager(t, RoleSlave)
	_, err = replica.Wait(context.Background(), 1, time.Second)
	assert.ErrorIs(t, err, ErrNotMaster)
}

func TestManagerConcurrentPropagate(t *testing.T) {
	m, _ := newTestManager(t, RoleMaster)
	s, conn := registerReplica(t, m)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.Propagate(setCommand("k"+itoa(int64(id)), itoa(int64(i))))
			}
		}(g)
	}
	wg.Wait()
	flushed(t, s)

	// frames never interleave: the stream decodes into exactly 800 commands
	values, sizes, total, err := protocol.DecodeAll(conn.bytes())
	require.NoError(t, err)
	assert.Len(t, values, 800)
	assert.Len(t, sizes, 800)
	assert.Equal(t, int64(total), m.Offset())
}

func TestManagerApplyOrdersWrites(t *testing.T) {
	m, stor := newTestManager(t, RoleMaster)
	s, conn := registerReplica(t, m)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				value := itoa(int64(id*1000 + i))
				m.Apply(func() []*protocol.Command {
					_ = stor.Set("k", []byte(value), nil)
					return []*protocol.Command{setCommand("k", value)}
				})
			}
		}(g)
	}
	wg.Wait()
	flushed(t, s)

	values, _, total, err := protocol.DecodeAll(conn.bytes())
	require.NoError(t, err)
	require.Len(t, values, 800)
	assert.Equal(t, int64(total), m.Offset())

	// the last write in the stream is the one the store kept
	last := values[len(values)-1].Array
	got, ok := stor.Get("k")
	require.True(t, ok)
	assert.Equal(t, string(got), string(last[2].Data))
}

func TestManagerApplyOnReplica(t *testing.T) {
	m, stor := newTestManager(t, RoleSlave)

	ran := false
	m.Apply(func() []*protocol.Command {
		ran = true
		_ = stor.Set("k", []byte("v"), nil)
		return []*protocol.Command{setCommand("k", "v")}
	})

	assert.True(t, ran)
	assert.Equal(t, int64(0), m.Offset())
}

func TestManagerOutputLimitDropsReplica(t *testing.T) {
	stor := storage.NewMemory(storage.WithSweepInterval(0))
	cmd := setCommand("foo", "bar")
	m := NewManager(RoleMaster, stor, WithOutputLimit(len(cmd.Encode())+1))
	t.Cleanup(func() {
		_ = m.Close()
		_ = stor.Close()
	})

	slow, slowConn := registerReplica(t, m)
	fast, fastConn := registerReplica(t, m)
	slowConn.hold(t)

	m.Propagate(cmd)
	assert.Equal(t, 2, m.ReplicaCount())

	// the first frame is stuck on the wire, so the second overflows the queue
	m.Propagate(cmd)
	assert.Equal(t, 1, m.ReplicaCount())
	assert.True(t, slowConn.isClosed())
	assert.ErrorIs(t, slow.Send([]byte("+x\r\n")), ErrOutputLimit)

	flushed(t, fast)
	assert.Equal(t, append(cmd.Encode(), cmd.Encode()...), fastConn.bytes())
	assert.Equal(t, int64(2*len(cmd.Encode())), m.Offset())
}

func TestSessionQueuesWholeItems(t *testing.T) {
	conn := &fakeConn{}
	var failures int
	s := newSession(conn, 6380, time.Second, 0, func(*Session, error) { failures++ })
	go s.run()
	defer s.Close()

	require.NoError(t, s.Send([]byte("+OK\r\n")))
	require.NoError(t, s.Send(setCommand("a", "1").Encode()))
	flushed(t, s)
	assert.Equal(t, "+OK\r\n"+string(setCommand("a", "1").Encode()), string(conn.bytes()))
	assert.Equal(t, 0, s.Info().Pending)

	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Send([]byte("+late\r\n")), net.ErrClosed)
	assert.Equal(t, 0, failures)
}

func TestPropagatedOffsetProperty(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())

	properties.Property("offset is the sum of encoded command lengths", prop.ForAll(
		func(keys []string, value string) bool {
			stor := storage.NewMemory(storage.WithSweepInterval(0))
			defer stor.Close()
			m := NewManager(RoleMaster, stor)
			defer m.Close()

			conn := &fakeConn{}
			s, err := m.FullResync(conn, 6380)
			if err != nil || !drain(s) {
				return false
			}
			conn.reset()

			var sum int64
			for _, k := range keys {
				cmd := setCommand(k, value)
				m.Propagate(cmd)
				sum += int64(cmd.Size)
			}
			return drain(s) && m.Offset() == sum && int64(len(conn.bytes())) == sum
		},
		gen.SliceOf(gen.AlphaString()),
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func drain(s *Session) bool {
	deadline := time.Now().Add(2 * time.Second)
	for s.Pending() > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(100 * time.Microsecond)
	}
	return true
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
