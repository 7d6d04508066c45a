package storage

import (
	"math/rand"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard represents a single shard of data with its own lock
type shard struct {
	mu   sync.RWMutex
	data map[string]*Value
}

// MemoryStorage implements an in-memory storage engine
type MemoryStorage struct {
	// mu guards observers and cleanupConfig
	mu        sync.RWMutex
	observers []StorageObserver

	// Sharding configuration
	shards    []shard
	shardMask uint64

	// Background cleanup
	sweepInterval time.Duration
	cleanupConfig CleanupConfig
	cleanupStop   chan struct{}
	cleanupDone   chan struct{}
	closeOnce     sync.Once

	now func() time.Time

	// rngMu guards rng, which the sweeper and SweepExpired callers share
	rngMu sync.Mutex
	rng   *rand.Rand
}

// MemoryOption is a function that configures a MemoryStorage instance
type MemoryOption func(*MemoryStorage)

// WithShardCount sets the number of shards for the storage
// The number is automatically rounded up to the next power of 2
func WithShardCount(count int) MemoryOption {
	return func(s *MemoryStorage) {
		if count > 0 {
			n := nextPowerOf2(count)
			s.shards = make([]shard, n)
			s.shardMask = uint64(n - 1)
		}
	}
}

// WithSweepInterval sets how often the background sweeper runs.
// Zero disables the sweeper; expired keys are then only removed on access
// or by explicit SweepExpired calls.
func WithSweepInterval(interval time.Duration) MemoryOption {
	return func(s *MemoryStorage) {
		if interval >= 0 {
			s.sweepInterval = interval
		}
	}
}

// WithCleanupConfig sets the sampling parameters used by SweepExpired
func WithCleanupConfig(config CleanupConfig) MemoryOption {
	return func(s *MemoryStorage) {
		s.cleanupConfig = config
	}
}

// WithClock replaces the time source used for expiry decisions
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStorage) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemory creates a new in-memory storage instance with default number of shards (64)
func NewMemory(opts ...MemoryOption) *MemoryStorage {
	s := &MemoryStorage{
		shards:        make([]shard, 64),
		shardMask:     63,
		sweepInterval: time.Second,
		cleanupConfig: CleanupConfigDefault,
		cleanupStop:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
		now:           time.Now,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	for _, opt := range opts {
		opt(s)
	}

	for i := range s.shards {
		s.shards[i].data = make(map[string]*Value)
	}

	if s.sweepInterval > 0 {
		go s.cleanupExpiredKeys()
	} else {
		close(s.cleanupDone)
	}

	return s
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	if n <= 1 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// shardFor returns the shard owning key
func (s *MemoryStorage) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)&s.shardMask]
}

func (s *MemoryStorage) observersSnapshot() []StorageObserver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observers
}

// Get retrieves a value by key. An expired key is deleted and reported absent.
func (s *MemoryStorage) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	value, exists := sh.data[key]
	if !exists {
		sh.mu.RUnlock()
		return nil, false
	}

	if value.IsExpired(s.now()) {
		sh.mu.RUnlock()
		s.deleteExpiredKey(sh, key)
		return nil, false
	}

	result := make([]byte, len(value.Data))
	copy(result, value.Data)
	sh.mu.RUnlock()

	return result, true
}

// Set stores a value, replacing any previous value and expiry
func (s *MemoryStorage) Set(key string, value []byte, expireAt *time.Time) error {
	newValue := &Value{
		Data: append([]byte(nil), value...),
	}
	if expireAt != nil {
		t := *expireAt
		newValue.ExpireAt = &t
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.data[key] = newValue
	for _, observer := range s.observersSnapshot() {
		observer.OnKeySet(key, value)
	}
	sh.mu.Unlock()

	return nil
}

// Del deletes one or more keys and returns how many existed
func (s *MemoryStorage) Del(keys ...string) int64 {
	deleted := int64(0)
	now := s.now()

	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		if value, exists := sh.data[key]; exists {
			delete(sh.data, key)
			if value.IsExpired(now) {
				for _, observer := range s.observersSnapshot() {
					observer.OnKeyExpired(key, true)
				}
			} else {
				deleted++
				for _, observer := range s.observersSnapshot() {
					observer.OnKeyDeleted(key)
				}
			}
		}
		sh.mu.Unlock()
	}

	return deleted
}

// Exists counts how many of keys are live
func (s *MemoryStorage) Exists(keys ...string) int64 {
	count := int64(0)
	for _, key := range keys {
		if _, ok := s.Get(key); ok {
			count++
		}
	}
	return count
}

// Type returns the type of a key
func (s *MemoryStorage) Type(key string) ValueType {
	if _, ok := s.Get(key); ok {
		return ValueTypeString
	}
	return ValueTypeNone
}

// Keys returns live keys. "*" selects every key; any other pattern is
// looked up as a literal key name.
func (s *MemoryStorage) Keys(pattern string) []string {
	keys := make([]string, 0)

	if pattern != "*" {
		if _, ok := s.Get(pattern); ok {
			keys = append(keys, pattern)
		}
		return keys
	}

	now := s.now()
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, value := range sh.data {
			if !value.IsExpired(now) {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}

	return keys
}

// KeyCount returns the number of stored keys, including expired keys not
// yet reclaimed
func (s *MemoryStorage) KeyCount() int64 {
	count := int64(0)
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		count += int64(len(sh.data))
		sh.mu.RUnlock()
	}
	return count
}

// FlushAll removes every key
func (s *MemoryStorage) FlushAll() error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for key := range sh.data {
			for _, observer := range s.observersSnapshot() {
				observer.OnKeyDeleted(key)
			}
		}
		sh.data = make(map[string]*Value)
		sh.mu.Unlock()
	}
	return nil
}

// Snapshot returns every live entry ordered by key
func (s *MemoryStorage) Snapshot() []Entry {
	now := s.now()
	entries := make([]Entry, 0)

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, value := range sh.data {
			if value.IsExpired(now) {
				continue
			}
			entry := Entry{Key: key, Value: append([]byte(nil), value.Data...)}
			if value.ExpireAt != nil {
				t := *value.ExpireAt
				entry.ExpireAt = &t
			}
			entries = append(entries, entry)
		}
		sh.mu.RUnlock()
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}

// Info returns storage information
func (s *MemoryStorage) Info() map[string]interface{} {
	now := s.now()
	keys, expires := int64(0), int64(0)

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, value := range sh.data {
			if value.IsExpired(now) {
				continue
			}
			keys++
			if value.ExpireAt != nil {
				expires++
			}
		}
		sh.mu.RUnlock()
	}

	return map[string]interface{}{
		"keys":    keys,
		"expires": expires,
		"shards":  len(s.shards),
	}
}

// AddObserver adds a storage observer
func (s *MemoryStorage) AddObserver(observer StorageObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

// SetCleanupConfig updates the cleanup configuration
func (s *MemoryStorage) SetCleanupConfig(config CleanupConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupConfig = config
}

// GetCleanupConfig returns the current cleanup configuration
func (s *MemoryStorage) GetCleanupConfig() CleanupConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleanupConfig
}

// Close stops the background sweeper
func (s *MemoryStorage) Close() error {
	s.closeOnce.Do(func() {
		close(s.cleanupStop)
	})
	<-s.cleanupDone
	return nil
}

// cleanupExpiredKeys runs in background to clean up expired keys
func (s *MemoryStorage) cleanupExpiredKeys() {
	defer close(s.cleanupDone)

	ticker := time.NewTicker(s.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.cleanupStop:
			return
		case <-ticker.C:
			s.SweepExpired()
		}
	}
}

// SweepExpired removes expired keys using incremental sampling and returns
// how many were removed. Some expired keys may survive a single pass.
func (s *MemoryStorage) SweepExpired() int {
	config := s.GetCleanupConfig()
	removed := 0
	for i := range s.shards {
		removed += s.cleanupShard(&s.shards[i], config)
	}
	return removed
}

// SweepAll removes every expired key and returns how many were removed
func (s *MemoryStorage) SweepAll() int {
	removed := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		now := s.now()
		expired := make([]string, 0)
		for key, value := range sh.data {
			if value.IsExpired(now) {
				expired = append(expired, key)
			}
		}
		sh.mu.RUnlock()

		removed += s.deleteKeyBatchInShard(sh, expired)
	}
	return removed
}

// cleanupShard performs incremental cleanup on a single shard
func (s *MemoryStorage) cleanupShard(sh *shard, config CleanupConfig) int {
	if config.SampleSize <= 0 || config.BatchSize <= 0 {
		return 0
	}

	removed := 0
	for round := 0; round < config.MaxRounds; round++ {
		expiredKeys := s.sampleAndFindExpiredInShard(sh, config.SampleSize)
		if len(expiredKeys) == 0 {
			break
		}

		removed += s.deleteExpiredKeysInShardBatched(sh, expiredKeys, config.BatchSize)

		expiredRatio := float64(len(expiredKeys)) / float64(config.SampleSize)
		if expiredRatio < config.ExpiredThreshold {
			break
		}

		runtime.Gosched()
	}
	return removed
}

// sampleAndFindExpiredInShard samples keys and finds expired ones in a specific shard
func (s *MemoryStorage) sampleAndFindExpiredInShard(sh *shard, sampleSize int) []string {
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if len(sh.data) == 0 {
		return nil
	}

	actualSampleSize := sampleSize
	if len(sh.data) < sampleSize {
		actualSampleSize = len(sh.data)
	}

	sampledKeys := make([]string, 0, actualSampleSize)

	if len(sh.data) <= actualSampleSize {
		for key := range sh.data {
			sampledKeys = append(sampledKeys, key)
		}
	} else {
		// reservoir sampling
		s.rngMu.Lock()
		i := 0
		for key := range sh.data {
			if i < actualSampleSize {
				sampledKeys = append(sampledKeys, key)
			} else {
				j := s.rng.Intn(i + 1)
				if j < actualSampleSize {
					sampledKeys[j] = key
				}
			}
			i++
		}
		s.rngMu.Unlock()
	}

	now := s.now()
	expiredKeys := make([]string, 0, len(sampledKeys))
	for _, key := range sampledKeys {
		if value, exists := sh.data[key]; exists && value.IsExpired(now) {
			expiredKeys = append(expiredKeys, key)
		}
	}

	return expiredKeys
}

// deleteExpiredKeysInShardBatched deletes expired keys in batches to minimize lock time
func (s *MemoryStorage) deleteExpiredKeysInShardBatched(sh *shard, expiredKeys []string, batchSize int) int {
	removed := 0
	for i := 0; i < len(expiredKeys); i += batchSize {
		end := i + batchSize
		if end > len(expiredKeys) {
			end = len(expiredKeys)
		}

		removed += s.deleteKeyBatchInShard(sh, expiredKeys[i:end])

		if end < len(expiredKeys) {
			runtime.Gosched()
		}
	}
	return removed
}

// deleteKeyBatchInShard deletes the keys of a batch that are still expired
func (s *MemoryStorage) deleteKeyBatchInShard(sh *shard, keys []string) int {
	if len(keys) == 0 {
		return 0
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()

	now := s.now()
	removed := 0
	for _, key := range keys {
		// re-check under the write lock, the key may have been rewritten
		if value, exists := sh.data[key]; exists && value.IsExpired(now) {
			delete(sh.data, key)
			removed++
			for _, observer := range s.observersSnapshot() {
				observer.OnKeyExpired(key, false)
			}
		}
	}
	return removed
}

// deleteExpiredKey removes key if it is still expired under the write lock
func (s *MemoryStorage) deleteExpiredKey(sh *shard, key string) {
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if value, exists := sh.data[key]; exists && value.IsExpired(s.now()) {
		delete(sh.data, key)
		for _, observer := range s.observersSnapshot() {
			observer.OnKeyExpired(key, true)
		}
	}
}
