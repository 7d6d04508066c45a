package replication

import (
	"bytes"
	"testing"
)

func TestLZFDecompression(t *testing.T) {
	tests := []struct {
		name            string
		compressed      []byte
		uncompressedLen int
		expected        []byte
		shouldError     bool
	}{
		{
			name:            "empty data",
			compressed:      []byte{},
			uncompressedLen: 0,
			expected:        []byte{},
		},
		{
			name:            "simple literal",
			compressed:      []byte{0x05, 'h', 'e', 'l', 'l', 'o', '!'},
			uncompressedLen: 6,
			expected:        []byte("hello!"),
		},
		{
			// "abc" then copy 3 bytes from distance 3
			name:            "back reference",
			compressed:      []byte{0x02, 'a', 'b', 'c', 0x20, 0x02},
			uncompressedLen: 6,
			expected:        []byte("abcabc"),
		},
		{
			// "a" then an overlapping match of 9 bytes at distance 1
			name:            "overlapping run with extended length",
			compressed:      []byte{0x00, 'a', 0xE0, 0x00, 0x00},
			uncompressedLen: 10,
			expected:        bytes.Repeat([]byte("a"), 10),
		},
		{
			name:            "truncated literal",
			compressed:      []byte{0x05, 'h', 'e', 'l'},
			uncompressedLen: 6,
			shouldError:     true,
		},
		{
			name:            "reference before start",
			compressed:      []byte{0x00, 'a', 0x20, 0x05},
			uncompressedLen: 4,
			shouldError:     true,
		},
		{
			name:            "output longer than declared",
			compressed:      []byte{0x02, 'a', 'b', 'c'},
			uncompressedLen: 2,
			shouldError:     true,
		},
		{
			name:            "output shorter than declared",
			compressed:      []byte{0x01, 'a', 'b'},
			uncompressedLen: 5,
			shouldError:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := lzfDecompress(tt.compressed, tt.uncompressedLen)

			if tt.shouldError {
				if err == nil {
					t.Errorf("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if !bytes.Equal(result, tt.expected) {
				t.Errorf("lzfDecompress() = %q, want %q", result, tt.expected)
			}
		})
	}
}
