package replication

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/raniellyferreira/respkv/storage"
)

const (
	rdbWriteVersion = "0011"
	rdbRedisVer     = "7.2.0"
)

// WriteRDB serializes entries as a version 11 RDB into database 0. Entries
// with an expiry carry it in milliseconds. The trailing checksum is zero,
// which readers treat as checksum disabled.
func WriteRDB(w io.Writer, entries []storage.Entry) error {
	bw := bufio.NewWriter(w)

	bw.WriteString("REDIS" + rdbWriteVersion)

	bw.WriteByte(RDBOpcodeAux)
	writeRDBString(bw, []byte("redis-ver"))
	writeRDBString(bw, []byte(rdbRedisVer))

	bw.WriteByte(RDBOpcodeSelectDB)
	writeRDBLength(bw, 0)

	expires := 0
	for _, e := range entries {
		if e.ExpireAt != nil {
			expires++
		}
	}
	bw.WriteByte(RDBOpcodeResizeDB)
	writeRDBLength(bw, uint64(len(entries)))
	writeRDBLength(bw, uint64(expires))

	var ts [8]byte
	for _, e := range entries {
		if e.ExpireAt != nil {
			bw.WriteByte(RDBOpcodeExpiryMs)
			binary.LittleEndian.PutUint64(ts[:], uint64(e.ExpireAt.UnixMilli()))
			bw.Write(ts[:])
		}
		bw.WriteByte(RDBTypeString)
		writeRDBString(bw, []byte(e.Key))
		writeRDBString(bw, e.Value)
	}

	bw.WriteByte(RDBOpcodeEOF)
	bw.Write(make([]byte, 8))

	// bufio keeps the first write error and returns it here
	return bw.Flush()
}

func writeRDBString(bw *bufio.Writer, s []byte) {
	writeRDBLength(bw, uint64(len(s)))
	bw.Write(s)
}

func writeRDBLength(bw *bufio.Writer, n uint64) {
	switch {
	case n < 1<<6:
		bw.WriteByte(byte(n))
	case n < 1<<14:
		bw.WriteByte(byte(n>>8) | 0x40)
		bw.WriteByte(byte(n))
	case n <= 0xFFFFFFFF:
		var b [5]byte
		b[0] = 0x80
		binary.BigEndian.PutUint32(b[1:], uint32(n))
		bw.Write(b[:])
	default:
		var b [9]byte
		b[0] = 0x81
		binary.BigEndian.PutUint64(b[1:], n)
		bw.Write(b[:])
	}
}
