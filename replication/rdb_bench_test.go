package replication

import (
	"bytes"
	"fmt"
	"testing"
	"time"

	"github.com/raniellyferreira/respkv/storage"
)

// countingHandler is a minimal RDB handler for benchmarking
type countingHandler struct {
	keyCount int
}

func (h *countingHandler) OnDatabase(int) error { return nil }

func (h *countingHandler) OnKey(_, _ []byte, _ *time.Time) error {
	h.keyCount++
	return nil
}

func (h *countingHandler) OnAux(_, _ []byte) error { return nil }

func (h *countingHandler) OnEnd() error { return nil }

// generateRDB builds an RDB through WriteRDB
func generateRDB(tb testing.TB, keyCount, valueSize int, withExpiry bool) []byte {
	tb.Helper()

	value := bytes.Repeat([]byte("x"), valueSize)
	expireAt := time.Now().Add(time.Hour)
	entries := make([]storage.Entry, keyCount)
	for i := range entries {
		entries[i] = storage.Entry{Key: fmt.Sprintf("key_%d", i), Value: value}
		if withExpiry {
			entries[i].ExpireAt = &expireAt
		}
	}

	var buf bytes.Buffer
	if err := WriteRDB(&buf, entries); err != nil {
		tb.Fatal(err)
	}
	return buf.Bytes()
}

func BenchmarkRDBIngest(b *testing.B) {
	scenarios := []struct {
		name      string
		keyCount  int
		valueSize int
	}{
		{"Small_10keys_16B", 10, 16},
		{"Medium_100keys_1KB", 100, 1024},
		{"Large_1000keys_1KB", 1000, 1024},
		{"VeryLarge_10000keys_16B", 10000, 16},
	}

	for _, sc := range scenarios {
		b.Run(sc.name, func(b *testing.B) {
			rdbData := generateRDB(b, sc.keyCount, sc.valueSize, false)

			b.ResetTimer()
			b.ReportAllocs()
			b.SetBytes(int64(len(rdbData)))

			for i := 0; i < b.N; i++ {
				handler := &countingHandler{}
				if err := ParseRDB(bytes.NewReader(rdbData), handler); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkRDBParseWithExpiry(b *testing.B) {
	rdbData := generateRDB(b, 1000, 64, true)

	b.ResetTimer()
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if err := ParseRDB(bytes.NewReader(rdbData), &countingHandler{}); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkWriteRDB(b *testing.B) {
	for _, n := range []int{100, 10000} {
		b.Run(fmt.Sprintf("%dkeys", n), func(b *testing.B) {
			stor := storage.NewMemory(storage.WithSweepInterval(0))
			defer stor.Close()
			for i := 0; i < n; i++ {
				_ = stor.Set(fmt.Sprintf("key_%d", i), []byte("value"), nil)
			}
			entries := stor.Snapshot()

			var buf bytes.Buffer
			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				buf.Reset()
				if err := WriteRDB(&buf, entries); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

func BenchmarkPropagate(b *testing.B) {
	for _, replicas := range []int{0, 1, 4} {
		b.Run(fmt.Sprintf("%dreplicas", replicas), func(b *testing.B) {
			stor := storage.NewMemory(storage.WithSweepInterval(0))
			defer stor.Close()
			m := NewManager(RoleMaster, stor)
			defer m.Close()

			for i := 0; i < replicas; i++ {
				if _, err := m.FullResync(&fakeConn{}, 6380+i); err != nil {
					b.Fatal(err)
				}
			}

			cmd := setCommand("bench", "value")
			b.ResetTimer()
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				m.Propagate(cmd)
			}
		})
	}
}
