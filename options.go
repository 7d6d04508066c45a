package respkv

import (
	"fmt"
	"strconv"
	"time"

	"github.com/raniellyferreira/respkv/config"
	"github.com/raniellyferreira/respkv/storage"
)

// options holds everything New and FromConfig need besides config.Config
type options struct {
	cfg *config.Config

	// addr overrides cfg.ListenAddr(); it may use port 0
	addr string

	replID  string
	cleanup *storage.CleanupConfig

	logger  Logger
	metrics MetricsCollector
}

// Option configures a Node
type Option func(*options) error

// WithAddr sets the listen address, overriding bind and port.
// Port 0 picks a free port; Addr reports the one chosen.
//
// Example:
//
//	WithAddr("127.0.0.1:0")
func WithAddr(addr string) Option {
	return func(o *options) error {
		if addr == "" {
			return fmt.Errorf("%w: empty address", ErrInvalidConfig)
		}
		o.addr = addr
		return nil
	}
}

// WithPort sets the TCP port
func WithPort(port int) Option {
	return func(o *options) error {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, port)
		}
		o.cfg.Port = port
		return nil
	}
}

// WithDir sets the directory of the startup snapshot
func WithDir(dir string) Option {
	return func(o *options) error {
		o.cfg.Dir = dir
		return nil
	}
}

// WithDBFilename sets the file name of the startup snapshot
func WithDBFilename(name string) Option {
	return func(o *options) error {
		o.cfg.DBFilename = name
		return nil
	}
}

// WithReplicaOf makes the node a replica of the master at host:port
//
// Example:
//
//	WithReplicaOf("localhost", 6379)
func WithReplicaOf(host string, port int) Option {
	return func(o *options) error {
		if host == "" {
			return fmt.Errorf("%w: empty master host", ErrInvalidConfig)
		}
		o.cfg.ReplicaOf = host + " " + strconv.Itoa(port)
		return nil
	}
}

// WithReplID fixes the replication ID a master announces instead of a
// random one
func WithReplID(id string) Option {
	return func(o *options) error {
		if len(id) != 40 {
			return fmt.Errorf("%w: replication id must be 40 characters", ErrInvalidConfig)
		}
		o.replID = id
		return nil
	}
}

// WithLogger sets a custom logger for the node
func WithLogger(logger Logger) Option {
	return func(o *options) error {
		if logger == nil {
			return ErrInvalidConfig
		}
		o.logger = logger
		return nil
	}
}

// WithMetrics enables metrics collection with the provided collector
//
// Example:
//
//	WithMetrics(metrics.NewRegistry())
func WithMetrics(collector MetricsCollector) Option {
	return func(o *options) error {
		o.metrics = collector
		return nil
	}
}

// WithReadTimeout closes client connections idle for longer than timeout.
// Zero keeps them open.
func WithReadTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout < 0 {
			return ErrInvalidConfig
		}
		o.cfg.ReadTimeout = timeout
		return nil
	}
}

// WithWriteTimeout bounds writes to replicas and to the master
func WithWriteTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		o.cfg.WriteTimeout = timeout
		return nil
	}
}

// WithConnectTimeout sets the dial timeout for the master connection
func WithConnectTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		o.cfg.ConnectTimeout = timeout
		return nil
	}
}

// WithSyncTimeout bounds the initial synchronization with the master
func WithSyncTimeout(timeout time.Duration) Option {
	return func(o *options) error {
		if timeout <= 0 {
			return ErrInvalidConfig
		}
		o.cfg.SyncTimeout = timeout
		return nil
	}
}

// WithSweepInterval sets how often expired keys are sampled and removed.
// Zero disables the sweeper.
func WithSweepInterval(interval time.Duration) Option {
	return func(o *options) error {
		if interval < 0 {
			return ErrInvalidConfig
		}
		o.cfg.SweepInterval = interval
		return nil
	}
}

// WithCleanupConfig sets the sampling parameters of the expiry sweeper
//
// Example:
//
//	WithCleanupConfig(storage.CleanupConfigAggressive)
func WithCleanupConfig(cleanup storage.CleanupConfig) Option {
	return func(o *options) error {
		if cleanup.SampleSize <= 0 || cleanup.MaxRounds <= 0 || cleanup.BatchSize <= 0 {
			return fmt.Errorf("%w: cleanup sizes must be positive", ErrInvalidConfig)
		}
		o.cleanup = &cleanup
		return nil
	}
}

// WithShardCount sets the number of storage shards, rounded up to a power
// of two
func WithShardCount(count int) Option {
	return func(o *options) error {
		if count <= 0 {
			return ErrInvalidConfig
		}
		o.cfg.Shards = count
		return nil
	}
}
