package replication

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"time"

	"github.com/raniellyferreira/respkv/storage"
)

// storeLoader is an RDBHandler that writes string keys into a Storage
type storeLoader struct {
	store  storage.Storage
	logger Logger
	now    time.Time

	loaded  int
	expired int
}

func newStoreLoader(store storage.Storage, logger Logger) *storeLoader {
	return &storeLoader{store: store, logger: logger, now: time.Now()}
}

func (h *storeLoader) OnDatabase(index int) error {
	if index != 0 {
		h.logger.Debug("Merging RDB database into keyspace", "db", index)
	}
	return nil
}

func (h *storeLoader) OnKey(key, value []byte, expireAt *time.Time) error {
	if expireAt != nil && !h.now.Before(*expireAt) {
		h.expired++
		return nil
	}
	h.loaded++
	return h.store.Set(string(key), value, expireAt)
}

func (h *storeLoader) OnAux(key, value []byte) error {
	h.logger.Debug("RDB aux field", "key", string(key), "value", string(value))
	return nil
}

func (h *storeLoader) OnEnd() error {
	h.logger.Debug("RDB load completed", "keys", h.loaded, "expired", h.expired)
	return nil
}

// LoadRDB parses an RDB stream into store and returns the number of keys
// loaded. Keys whose expiry has already passed are dropped.
func LoadRDB(r io.Reader, store storage.Storage, logger Logger) (int, error) {
	if logger == nil {
		logger = nopLogger{}
	}
	h := newStoreLoader(store, logger)
	if err := ParseRDB(r, h); err != nil {
		return h.loaded, err
	}
	return h.loaded, nil
}

// LoadSnapshotFile loads the RDB file at path into store. A missing file is
// an empty dataset and not an error.
func LoadSnapshotFile(path string, store storage.Storage, logger Logger) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	n, err := LoadRDB(f, store, logger)
	if err != nil {
		return n, fmt.Errorf("load snapshot %s: %w", path, err)
	}
	return n, nil
}
