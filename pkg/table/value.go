// ABOUTME: order-preserving encoding for composite keys
// ABOUTME: supports multiple data types with lexicographic ordering

// Package table builds on pkg/container, pkg/btree, and pkg/hashindex to
// provide a row store with a primary key and secondary indexes, the
// spec's table module. The composite-key codec in this file is grounded
// on, and kept close to, pkg/storage/encoding.go.
package table

import (
	"encoding/binary"
	"fmt"
	"time"
)

// Value types for composite keys.
const (
	TypeBytes  = 1
	TypeInt64  = 2
	TypeUint64 = 3
	TypeTime   = 4 // stored as an int64 Unix timestamp
)

// Value represents a single typed column value within a composite key or
// row.
type Value struct {
	Type uint8
	Str  []byte
	I64  int64
	U64  uint64
	Time time.Time
}

func NewBytesValue(data []byte) Value  { return Value{Type: TypeBytes, Str: data} }
func NewInt64Value(i int64) Value      { return Value{Type: TypeInt64, I64: i} }
func NewUint64Value(u uint64) Value    { return Value{Type: TypeUint64, U64: u} }
func NewTimeValue(t time.Time) Value   { return Value{Type: TypeTime, Time: t} }

// EncodeValues encodes multiple values in order-preserving format, each
// tagged with its type.
func EncodeValues(vals []Value) []byte {
	out := make([]byte, 0, 64)
	for _, v := range vals {
		out = append(out, v.Type)
		switch v.Type {
		case TypeInt64:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(v.I64)+(1<<63))
			out = append(out, buf[:]...)
		case TypeUint64:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], v.U64)
			out = append(out, buf[:]...)
		case TypeTime:
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(v.Time.Unix())+(1<<63))
			out = append(out, buf[:]...)
		case TypeBytes:
			out = append(out, escapeBytes(v.Str)...)
			out = append(out, 0)
		default:
			panic(fmt.Sprintf("table: unknown value type %d", v.Type))
		}
	}
	return out
}

func escapeBytes(s []byte) []byte {
	escapes := 0
	for _, b := range s {
		if b == 0 || b == 0xFF {
			escapes++
		}
	}
	if escapes == 0 {
		return s
	}
	out := make([]byte, 0, len(s)+escapes)
	for _, b := range s {
		switch b {
		case 0:
			out = append(out, 0xFE, 0x00)
		case 0xFF:
			out = append(out, 0xFE, 0xFF)
		default:
			out = append(out, b)
		}
	}
	return out
}

func unescapeBytes(s []byte) []byte {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == 0xFE && i+1 < len(s) {
			out = append(out, s[i+1])
			i++
		} else {
			out = append(out, s[i])
		}
	}
	return out
}

// DecodeValues decodes a byte stream produced by EncodeValues.
func DecodeValues(data []byte) ([]Value, error) {
	vals := make([]Value, 0, 4)
	pos := 0
	for pos < len(data) {
		typ := data[pos]
		pos++
		switch typ {
		case TypeInt64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("table: truncated int64 at %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			vals = append(vals, NewInt64Value(int64(u-(1<<63))))
			pos += 8
		case TypeUint64:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("table: truncated uint64 at %d", pos)
			}
			vals = append(vals, NewUint64Value(binary.BigEndian.Uint64(data[pos:pos+8])))
			pos += 8
		case TypeTime:
			if pos+8 > len(data) {
				return nil, fmt.Errorf("table: truncated time at %d", pos)
			}
			u := binary.BigEndian.Uint64(data[pos : pos+8])
			vals = append(vals, NewTimeValue(time.Unix(int64(u-(1<<63)), 0)))
			pos += 8
		case TypeBytes:
			end := pos
			for end < len(data) && data[end] != 0 {
				end++
			}
			if end >= len(data) {
				return nil, fmt.Errorf("table: unterminated bytes value at %d", pos)
			}
			vals = append(vals, NewBytesValue(unescapeBytes(data[pos:end])))
			pos = end + 1
		default:
			return nil, fmt.Errorf("table: unknown type tag %d at %d", typ, pos-1)
		}
	}
	return vals, nil
}
