package storage

import "time"

// ValueType represents the type reported by TYPE
type ValueType int

const (
	ValueTypeNone ValueType = iota
	ValueTypeString
)

// String returns the Redis-compatible type name
func (vt ValueType) String() string {
	switch vt {
	case ValueTypeString:
		return "string"
	default:
		return "none"
	}
}

// Value represents a stored value with its optional expiry
type Value struct {
	Data     []byte
	ExpireAt *time.Time
}

// IsExpired reports whether the value is past its expiry at now
func (v *Value) IsExpired(now time.Time) bool {
	return v.ExpireAt != nil && !now.Before(*v.ExpireAt)
}
