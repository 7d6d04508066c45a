package storage

import (
	"time"
)

// Storage defines the interface for data storage operations
type Storage interface {
	// String operations
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, expireAt *time.Time) error
	Del(keys ...string) int64
	Exists(keys ...string) int64
	Type(key string) ValueType

	// Key operations
	Keys(pattern string) []string
	KeyCount() int64
	FlushAll() error

	// Expiration
	SweepExpired() int
	SweepAll() int

	// Snapshot returns every live entry ordered by key
	Snapshot() []Entry

	// Info and stats
	Info() map[string]interface{}

	AddObserver(observer StorageObserver)

	// Shutdown
	Close() error
}

// StorageObserver provides hooks for storage events.
// Hooks run while the key's shard lock is held and must not call back into
// the storage.
type StorageObserver interface {
	OnKeySet(key string, value []byte)
	OnKeyDeleted(key string)
	// OnKeyExpired reports a removal caused by expiry; lazy is true when a
	// read found the key expired and false when the sweeper removed it.
	OnKeyExpired(key string, lazy bool)
}

// Entry is one live key in a snapshot
type Entry struct {
	Key      string
	Value    []byte
	ExpireAt *time.Time
}

// CleanupConfig holds configuration for incremental cleanup
type CleanupConfig struct {
	// SampleSize is the number of keys to sample per round
	SampleSize int
	// MaxRounds is the maximum number of rounds per cleanup cycle
	MaxRounds int
	// BatchSize is the number of keys to delete in each batch
	BatchSize int
	// ExpiredThreshold continues cleanup if this percentage of sampled keys are expired
	ExpiredThreshold float64
}

// CleanupConfigDefault provides balanced performance for most use cases
var CleanupConfigDefault = CleanupConfig{
	SampleSize:       20,
	MaxRounds:        4,
	BatchSize:        10,
	ExpiredThreshold: 0.25,
}

// CleanupConfigLowLatency keeps each sweep short for latency-sensitive servers
var CleanupConfigLowLatency = CleanupConfig{
	SampleSize:       15,
	MaxRounds:        3,
	BatchSize:        8,
	ExpiredThreshold: 0.4,
}

// CleanupConfigAggressive reclaims expired keys quickly on write-heavy datasets
var CleanupConfigAggressive = CleanupConfig{
	SampleSize:       100,
	MaxRounds:        10,
	BatchSize:        50,
	ExpiredThreshold: 0.1,
}
