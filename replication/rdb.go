package replication

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"time"
)

// RDB format constants
const (
	MinSupportedRDBVersion = 1
	MaxSupportedRDBVersion = 12

	RDBOpcodeFunction2   = 0xF5
	RDBOpcodeModuleAux   = 0xF7
	RDBOpcodeIdle        = 0xF8
	RDBOpcodeFreq        = 0xF9
	RDBOpcodeAux         = 0xFA
	RDBOpcodeResizeDB    = 0xFB
	RDBOpcodeExpiryMs    = 0xFC
	RDBOpcodeExpiry      = 0xFD
	RDBOpcodeSelectDB    = 0xFE
	RDBOpcodeEOF         = 0xFF
	RDBTypeString        = 0
	RDBTypeList          = 1
	RDBTypeSet           = 2
	RDBTypeZSet          = 3
	RDBTypeHash          = 4
	RDBTypeZSet2         = 5
	RDBTypeModule        = 6
	RDBTypeModule2       = 7
	RDBTypeHashZipmap    = 9
	RDBTypeListZiplist   = 10
	RDBTypeSetIntset     = 11
	RDBTypeZSetZiplist   = 12
	RDBTypeHashZiplist   = 13
	RDBTypeListQuicklist = 14
	RDBTypeStream        = 15
	RDBTypeHashListpack  = 16
	RDBTypeZSetListpack  = 17
	RDBTypeQuicklist2    = 18
	RDBTypeStream2       = 19
	RDBTypeSetListpack   = 20
	RDBTypeStream3       = 21

	// encoding types carried in the low bits of a 0b11 length byte
	rdbEncInt8  = 0
	rdbEncInt16 = 1
	rdbEncInt32 = 2
	rdbEncLZF   = 3

	// maxRDBString bounds a single string so a corrupt length cannot exhaust memory
	maxRDBString = 512 * 1024 * 1024
)

// RDBHandler processes RDB entries during parsing
type RDBHandler interface {
	// OnDatabase is called when switching to a new database
	OnDatabase(index int) error

	// OnKey is called for each string key. expireAt is nil for keys without a TTL.
	OnKey(key, value []byte, expireAt *time.Time) error

	// OnAux is called for auxiliary fields
	OnAux(key, value []byte) error

	// OnEnd is called when parsing is complete
	OnEnd() error
}

// RDBParser parses RDB files in streaming mode
type RDBParser struct {
	br      *bufio.Reader
	handler RDBHandler
	version int

	// skipped counts values of types other than string
	skipped int
}

// NewRDBParser creates a new RDB parser
func NewRDBParser(r io.Reader, handler RDBHandler) *RDBParser {
	return &RDBParser{
		br:      bufio.NewReader(r),
		handler: handler,
	}
}

// Version returns the format version read from the header
func (p *RDBParser) Version() int {
	return p.version
}

// Skipped returns how many non-string values were skipped
func (p *RDBParser) Skipped() int {
	return p.skipped
}

// Parse reads the whole stream. Anything after the EOF opcode, such as the
// checksum, is left unread.
func (p *RDBParser) Parse() error {
	header := make([]byte, 9)
	if _, err := io.ReadFull(p.br, header); err != nil {
		return fmt.Errorf("failed to read RDB header: %w", err)
	}
	if string(header[:5]) != "REDIS" {
		return fmt.Errorf("invalid RDB magic: %q", header[:5])
	}
	version, err := strconv.Atoi(string(header[5:]))
	if err != nil {
		return fmt.Errorf("invalid RDB version: %q", header[5:])
	}
	if version < MinSupportedRDBVersion || version > MaxSupportedRDBVersion {
		return fmt.Errorf("unsupported RDB version: %d (max supported: %d)", version, MaxSupportedRDBVersion)
	}
	p.version = version

	var expireAt *time.Time
	for {
		opcode, err := p.br.ReadByte()
		if err != nil {
			return fmt.Errorf("failed to read opcode: %w", err)
		}

		switch opcode {
		case RDBOpcodeEOF:
			return p.handler.OnEnd()

		case RDBOpcodeSelectDB:
			db, err := p.readLength()
			if err != nil {
				return fmt.Errorf("failed to read database number: %w", err)
			}
			if err := p.handler.OnDatabase(int(db)); err != nil {
				return err
			}

		case RDBOpcodeExpiry:
			var secs uint32
			if err := binary.Read(p.br, binary.LittleEndian, &secs); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", err)
			}
			t := time.Unix(int64(secs), 0)
			expireAt = &t

		case RDBOpcodeExpiryMs:
			var ms uint64
			if err := binary.Read(p.br, binary.LittleEndian, &ms); err != nil {
				return fmt.Errorf("failed to read expiry timestamp: %w", err)
			}
			t := time.UnixMilli(int64(ms))
			expireAt = &t

		case RDBOpcodeResizeDB:
			if _, err := p.readLength(); err != nil {
				return fmt.Errorf("failed to read resizedb: %w", err)
			}
			if _, err := p.readLength(); err != nil {
				return fmt.Errorf("failed to read resizedb: %w", err)
			}

		case RDBOpcodeAux:
			key, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read aux key: %w", err)
			}
			value, err := p.readString()
			if err != nil {
				return fmt.Errorf("failed to read aux value for key %s: %w", key, err)
			}
			if err := p.handler.OnAux(key, value); err != nil {
				return err
			}

		case RDBOpcodeIdle:
			if _, err := p.readLength(); err != nil {
				return fmt.Errorf("failed to read idle time: %w", err)
			}

		case RDBOpcodeFreq:
			if _, err := p.br.ReadByte(); err != nil {
				return fmt.Errorf("failed to read frequency: %w", err)
			}

		case RDBOpcodeModuleAux, RDBOpcodeFunction2:
			return fmt.Errorf("unsupported RDB opcode 0x%X", opcode)

		default:
			if err := p.readKeyValue(opcode, expireAt); err != nil {
				return err
			}
			expireAt = nil
		}
	}
}

// readKeyValue reads one entry. Only strings reach the handler.
func (p *RDBParser) readKeyValue(valueType byte, expireAt *time.Time) error {
	key, err := p.readString()
	if err != nil {
		return fmt.Errorf("failed to read key: %w", err)
	}

	if valueType == RDBTypeString {
		value, err := p.readString()
		if err != nil {
			return fmt.Errorf("failed to read value for key %s: %w", key, err)
		}
		return p.handler.OnKey(key, value, expireAt)
	}

	if err := p.skipValue(valueType); err != nil {
		return fmt.Errorf("failed to skip value for key %s: %w", key, err)
	}
	p.skipped++
	return nil
}

// skipValue consumes a value of a non-string type without decoding it
func (p *RDBParser) skipValue(valueType byte) error {
	switch valueType {
	case RDBTypeList, RDBTypeSet, RDBTypeListQuicklist:
		return p.skipStrings(1)

	case RDBTypeHash:
		return p.skipStrings(2)

	case RDBTypeZSet:
		n, err := p.readLength()
		if err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			if err := p.discardString(); err != nil {
				return err
			}
			if err := p.skipDoubleString(); err != nil {
				return err
			}
		}
		return nil

	case RDBTypeZSet2:
		n, err := p.readLength()
		if err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			if err := p.discardString(); err != nil {
				return err
			}
			if _, err := p.br.Discard(8); err != nil {
				return err
			}
		}
		return nil

	case RDBTypeHashZipmap, RDBTypeListZiplist, RDBTypeSetIntset, RDBTypeZSetZiplist,
		RDBTypeHashZiplist, RDBTypeHashListpack, RDBTypeZSetListpack, RDBTypeSetListpack:
		// single serialized blob
		return p.discardString()

	case RDBTypeQuicklist2:
		n, err := p.readLength()
		if err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			if _, err := p.readLength(); err != nil { // container
				return err
			}
			if err := p.discardString(); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported RDB value type %d", valueType)
	}
}

// skipStrings reads a length and then per*length strings
func (p *RDBParser) skipStrings(per uint64) error {
	n, err := p.readLength()
	if err != nil {
		return err
	}
	for i := uint64(0); i < n*per; i++ {
		if err := p.discardString(); err != nil {
			return err
		}
	}
	return nil
}

// skipDoubleString skips the legacy zset score: a one byte length, with
// 253, 254 and 255 standing for NaN, +inf and -inf.
func (p *RDBParser) skipDoubleString() error {
	n, err := p.br.ReadByte()
	if err != nil {
		return err
	}
	if n >= 253 {
		return nil
	}
	_, err = p.br.Discard(int(n))
	return err
}

func (p *RDBParser) discardString() error {
	_, err := p.readString()
	return err
}

// readLength reads a length-encoded integer
func (p *RDBParser) readLength() (uint64, error) {
	n, special, err := p.readLengthOrEncoding()
	if err != nil {
		return 0, err
	}
	if special {
		return 0, fmt.Errorf("unexpected string encoding %d where a length was expected", n)
	}
	return n, nil
}

// readLengthOrEncoding returns either a plain length or, when special is
// true, the encoding type of a specially encoded string.
func (p *RDBParser) readLengthOrEncoding() (n uint64, special bool, err error) {
	b, err := p.br.ReadByte()
	if err != nil {
		return 0, false, err
	}

	switch b >> 6 {
	case 0:
		return uint64(b & 0x3F), false, nil

	case 1:
		b2, err := p.br.ReadByte()
		if err != nil {
			return 0, false, err
		}
		return uint64(b&0x3F)<<8 | uint64(b2), false, nil

	case 2:
		switch b {
		case 0x80:
			var length uint32
			err := binary.Read(p.br, binary.BigEndian, &length)
			return uint64(length), false, err
		case 0x81:
			var length uint64
			err := binary.Read(p.br, binary.BigEndian, &length)
			return length, false, err
		default:
			return 0, false, fmt.Errorf("invalid length encoding 0x%X", b)
		}

	default:
		return uint64(b & 0x3F), true, nil
	}
}

// readString reads a length-prefixed or specially encoded string
func (p *RDBParser) readString() ([]byte, error) {
	n, special, err := p.readLengthOrEncoding()
	if err != nil {
		return nil, err
	}
	if !special {
		return p.readStringData(n)
	}

	switch n {
	case rdbEncInt8:
		b, err := p.br.ReadByte()
		if err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(int8(b)), 10), nil

	case rdbEncInt16:
		var v int16
		if err := binary.Read(p.br, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(v), 10), nil

	case rdbEncInt32:
		var v int32
		if err := binary.Read(p.br, binary.LittleEndian, &v); err != nil {
			return nil, err
		}
		return strconv.AppendInt(nil, int64(v), 10), nil

	case rdbEncLZF:
		return p.readCompressedString()

	default:
		return nil, fmt.Errorf("invalid special string encoding: %d", n)
	}
}

// readCompressedString reads an LZF compressed string
func (p *RDBParser) readCompressedString() ([]byte, error) {
	compressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed length: %w", err)
	}
	uncompressedLen, err := p.readLength()
	if err != nil {
		return nil, fmt.Errorf("failed to read uncompressed length: %w", err)
	}
	if uncompressedLen > maxRDBString {
		return nil, fmt.Errorf("string length too large: %d", uncompressedLen)
	}

	compressed, err := p.readStringData(compressedLen)
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}
	return lzfDecompress(compressed, int(uncompressedLen))
}

func (p *RDBParser) readStringData(length uint64) ([]byte, error) {
	if length == 0 {
		return []byte{}, nil
	}
	if length > maxRDBString {
		return nil, fmt.Errorf("string length too large: %d", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(p.br, data); err != nil {
		return nil, fmt.Errorf("failed to read string data: %w", err)
	}
	return data, nil
}

// ParseRDB is a convenience function to parse an RDB stream
func ParseRDB(r io.Reader, handler RDBHandler) error {
	return NewRDBParser(r, handler).Parse()
}
