// Package storage provides the in-memory key-value store.
//
// Keys are spread across shards chosen by xxhash, each with its own lock.
// Expired keys are removed lazily on access and by a background sweeper
// that samples each shard.
//
// Basic usage:
//
//	store := storage.NewMemory()
//	defer store.Close()
//
//	expireAt := time.Now().Add(100 * time.Millisecond)
//	_ = store.Set("key", []byte("value"), &expireAt)
//	value, exists := store.Get("key")
package storage
