package respkv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/raniellyferreira/respkv/command"
	"github.com/raniellyferreira/respkv/config"
	"github.com/raniellyferreira/respkv/replication"
	"github.com/raniellyferreira/respkv/server"
	"github.com/raniellyferreira/respkv/storage"
)

// keyspaceInterval is how often the key gauges are refreshed
const keyspaceInterval = 5 * time.Second

// SyncStatus represents the replication status of a node
type SyncStatus struct {
	Role                 string
	MasterAddr           string
	Connected            bool
	InitialSyncCompleted bool
	ReplID               string
	ReplicationOffset    int64
	ConnectedReplicas    int
	LastSyncTime         time.Time
	BytesReceived        int64
	CommandsProcessed    int64
}

// Node is a running server: storage, command engine, connection handler and
// replication state. A node configured with replicaof follows a master;
// otherwise it is a master.
type Node struct {
	cfg     *liveConfig
	logger  Logger
	metrics MetricsCollector

	// Components
	storage *storage.MemoryStorage
	manager *replication.Manager
	engine  *command.Engine
	server  *server.Server
	client  *replication.Client // nil on a master

	// State
	mu      sync.RWMutex
	started bool
	closed  bool

	stopKeyspace chan struct{}
	keyspaceDone chan struct{}
}

// liveConfig answers CONFIG GET with the port actually bound
type liveConfig struct {
	*config.Config
	port atomic.Int64
}

func (c *liveConfig) Get(name string) (string, bool) {
	if name == "port" {
		return strconv.FormatInt(c.port.Load(), 10), true
	}
	return c.Config.Get(name)
}

// New creates a Node from the default configuration and opts
//
// The node is created but not started. Use Start() to serve.
//
// Example:
//
//	node, err := respkv.New(
//		respkv.WithAddr(":6380"),
//		respkv.WithReplicaOf("localhost", 6379),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
func New(opts ...Option) (*Node, error) {
	return FromConfig(config.Default(), opts...)
}

// FromConfig creates a Node from cfg, with opts applied on top of it.
// cfg is copied and not modified.
func FromConfig(cfg *config.Config, opts ...Option) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidConfig)
	}
	copied := *cfg
	o := &options{cfg: &copied}

	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if o.logger == nil {
		level, err := ParseLevel(o.cfg.LogLevel)
		if err != nil {
			return nil, err
		}
		o.logger = NewLogger(level)
	}
	log := kvLogger{o.logger}

	storeOpts := []storage.MemoryOption{
		storage.WithShardCount(o.cfg.Shards),
		storage.WithSweepInterval(o.cfg.SweepInterval),
	}
	if o.cleanup != nil {
		storeOpts = append(storeOpts, storage.WithCleanupConfig(*o.cleanup))
	}
	stor := storage.NewMemory(storeOpts...)

	masterAddr, isReplica := o.cfg.MasterAddr()
	role := replication.RoleMaster
	if isReplica {
		role = replication.RoleSlave
	}

	managerOpts := []replication.ManagerOption{
		replication.WithLogger(log),
		replication.WithWriteTimeout(o.cfg.WriteTimeout),
	}
	if o.replID != "" {
		managerOpts = append(managerOpts, replication.WithReplID(o.replID))
	}
	if o.metrics != nil {
		managerOpts = append(managerOpts, replication.WithMetrics(o.metrics))
		stor.AddObserver(o.metrics)
	}
	manager := replication.NewManager(role, stor, managerOpts...)

	n := &Node{
		cfg:     &liveConfig{Config: o.cfg},
		logger:  o.logger,
		metrics: o.metrics,
		storage: stor,
		manager: manager,
	}
	n.cfg.port.Store(int64(o.cfg.Port))

	engineOpts := []command.Option{
		command.WithConfig(n.cfg),
		command.WithLogger(log),
		command.WithVersion(Version),
	}
	if o.metrics != nil {
		engineOpts = append(engineOpts, command.WithMetrics(o.metrics))
	}

	if isReplica {
		// the client needs the engine and the engine reports the client's link
		engineOpts = append(engineOpts, command.WithLinkStatus(func() bool {
			return n.client != nil && n.client.Stats().Connected
		}))
	}
	n.engine = command.NewEngine(stor, manager, engineOpts...)

	if isReplica {
		client := replication.NewClient(masterAddr, stor, manager, n.engine)
		client.SetLogger(log)
		if o.metrics != nil {
			client.SetMetrics(o.metrics)
		}
		client.SetSyncTimeout(o.cfg.SyncTimeout)
		client.SetConnectTimeout(o.cfg.ConnectTimeout)
		client.SetWriteTimeout(o.cfg.WriteTimeout)
		n.client = client
	}

	addr := o.addr
	if addr == "" {
		addr = o.cfg.ListenAddr()
	}
	serverOpts := []server.Option{
		server.WithLogger(log),
		server.WithIdleTimeout(o.cfg.ReadTimeout),
	}
	if o.metrics != nil {
		serverOpts = append(serverOpts, server.WithMetrics(o.metrics))
	}
	n.server = server.NewServer(addr, n.engine, manager, serverOpts...)

	return n, nil
}

// Start loads the startup snapshot, starts serving and, on a replica, syncs
// with the master. On a replica Start returns once the initial sync has
// completed; a rejected handshake fails Start.
//
// Example:
//
//	if err := node.Start(context.Background()); err != nil {
//		log.Fatal(err)
//	}
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return ErrClosed
	}
	if n.started {
		return nil
	}

	path := filepath.Join(n.cfg.Dir, n.cfg.DBFilename)
	loaded, err := replication.LoadSnapshotFile(path, n.storage, kvLogger{n.logger})
	if err != nil {
		return err
	}
	if loaded > 0 {
		n.logger.Info("Loaded snapshot", Field{Key: "path", Value: path}, Field{Key: "keys", Value: loaded})
	}

	if err := n.server.Start(); err != nil {
		n.logger.Error("Failed to start server", Field{Key: "error", Value: err})
		return err
	}
	port, err := portOf(n.server.Addr())
	if err != nil {
		_ = n.server.Stop()
		return err
	}
	n.cfg.port.Store(int64(port))
	n.logger.Info("Node started",
		Field{Key: "addr", Value: n.server.Addr()}, Field{Key: "role", Value: n.manager.Role().String()})

	if n.metrics != nil {
		n.metrics.SetRole(n.manager.Role().String())
	}

	if n.client != nil {
		n.client.SetListeningPort(port)
		if err := n.client.Start(ctx); err != nil {
			_ = n.server.Stop()
			return fmt.Errorf("start replication: %w", err)
		}
	}

	if n.metrics != nil {
		n.stopKeyspace = make(chan struct{})
		n.keyspaceDone = make(chan struct{})
		go n.reportKeyspace()
	}

	n.started = true
	return nil
}

// portOf returns the port of a host:port address
func portOf(addr string) (int, error) {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, fmt.Errorf("parse listen address %q: %w", addr, err)
	}
	return strconv.Atoi(p)
}

// reportKeyspace refreshes the key gauges until Close
func (n *Node) reportKeyspace() {
	defer close(n.keyspaceDone)

	ticker := time.NewTicker(keyspaceInterval)
	defer ticker.Stop()

	for {
		n.updateKeyspace()
		select {
		case <-ticker.C:
		case <-n.stopKeyspace:
			return
		}
	}
}

func (n *Node) updateKeyspace() {
	info := n.storage.Info()
	keys, _ := info["keys"].(int64)
	expires, _ := info["expires"].(int64)
	n.metrics.UpdateKeyspace(keys, expires)
}

// WaitForSync blocks until a replica has completed its initial sync
func (n *Node) WaitForSync(ctx context.Context) error {
	if n.client == nil {
		return ErrNotReplica
	}
	if !n.isStarted() {
		return ErrNotStarted
	}
	err := n.client.WaitForSync(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// OnSyncComplete registers a callback run after every full sync with the
// master
func (n *Node) OnSyncComplete(fn func()) error {
	if n.client == nil {
		return ErrNotReplica
	}
	n.client.OnSyncComplete(fn)
	return nil
}

// SyncStatus returns the current replication status
func (n *Node) SyncStatus() SyncStatus {
	status := SyncStatus{
		Role:              n.manager.Role().String(),
		ReplID:            n.manager.ReplID(),
		ReplicationOffset: n.manager.Offset(),
		ConnectedReplicas: n.manager.ReplicaCount(),
	}
	if n.client == nil {
		return status
	}

	stats := n.client.Stats()
	status.MasterAddr = stats.MasterAddr
	status.Connected = stats.Connected
	status.InitialSyncCompleted = stats.InitialSyncCompleted
	status.LastSyncTime = stats.LastSyncTime
	status.BytesReceived = stats.BytesReceived
	status.CommandsProcessed = stats.CommandsProcessed
	return status
}

// Close gracefully shuts down the node
//
// Example:
//
//	defer node.Close()
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil
	}
	n.closed = true

	var errs []error
	if n.started {
		if err := n.server.Stop(); err != nil {
			n.logger.Error("Error stopping server", Field{Key: "error", Value: err})
			errs = append(errs, err)
		}
	}
	if n.client != nil {
		if err := n.client.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := n.manager.Close(); err != nil {
		errs = append(errs, err)
	}
	if n.stopKeyspace != nil {
		close(n.stopKeyspace)
		<-n.keyspaceDone
	}
	if err := n.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Addr returns the address the server listens on, once started
func (n *Node) Addr() string {
	return n.server.Addr()
}

// Storage returns the underlying storage for direct access
//
// Writes made here are not propagated to replicas.
func (n *Node) Storage() storage.Storage {
	return n.storage
}

// Replication returns the replication state
func (n *Node) Replication() *replication.Manager {
	return n.manager
}

// Engine returns the command engine
func (n *Node) Engine() *command.Engine {
	return n.engine
}

// Config returns the effective configuration
func (n *Node) Config() config.Config {
	cfg := *n.cfg.Config
	cfg.Port = int(n.cfg.port.Load())
	return cfg
}

// isStarted returns true if the node is started (thread-safe)
func (n *Node) isStarted() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.started && !n.closed
}
