// ABOUTME: tests for composite key encoding
// ABOUTME: verifies order-preserving properties and roundtrip encoding

package table

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeInt64(t *testing.T) {
	vals := []Value{
		NewInt64Value(-1000),
		NewInt64Value(-1),
		NewInt64Value(0),
		NewInt64Value(1),
		NewInt64Value(1000),
	}

	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}

	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("order violated: %d should be < %d", vals[i].I64, vals[i+1].I64)
		}
	}

	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if len(decoded) != 1 {
			t.Fatalf("expected 1 value, got %d", len(decoded))
		}
		if decoded[0].I64 != vals[i].I64 {
			t.Errorf("roundtrip failed: expected %d, got %d", vals[i].I64, decoded[0].I64)
		}
	}
}

func TestEncodeUint64(t *testing.T) {
	vals := []Value{NewUint64Value(0), NewUint64Value(1), NewUint64Value(1 << 40)}
	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("order violated at %d", i)
		}
	}
	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded[0].U64 != vals[i].U64 {
			t.Errorf("roundtrip failed: expected %d, got %d", vals[i].U64, decoded[0].U64)
		}
	}
}

func TestEncodeBytes(t *testing.T) {
	vals := []Value{
		NewBytesValue([]byte("")),
		NewBytesValue([]byte("a")),
		NewBytesValue([]byte("aa")),
		NewBytesValue([]byte("ab")),
		NewBytesValue([]byte("b")),
	}

	encoded := make([][]byte, len(vals))
	for i, v := range vals {
		encoded[i] = EncodeValues([]Value{v})
	}

	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("order violated: %s should be < %s", vals[i].Str, vals[i+1].Str)
		}
	}

	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if !bytes.Equal(decoded[0].Str, vals[i].Str) {
			t.Errorf("roundtrip failed: expected %s, got %s", vals[i].Str, decoded[0].Str)
		}
	}
}

func TestEscapeBytes(t *testing.T) {
	tests := []struct {
		input []byte
		name  string
	}{
		{[]byte("normal"), "normal string"},
		{[]byte{0x00}, "null byte"},
		{[]byte{0xFF}, "0xFF byte"},
		{[]byte{0x00, 0xFF}, "null and 0xFF"},
		{[]byte("test\x00string"), "embedded null"},
		{[]byte{0xFE}, "escape byte itself"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			escaped := escapeBytes(tt.input)
			unescaped := unescapeBytes(escaped)
			if !bytes.Equal(unescaped, tt.input) {
				t.Errorf("escape/unescape failed for %v, got %v", tt.input, unescaped)
			}
		})
	}
}

func TestEncodeComposite(t *testing.T) {
	keys := [][]Value{
		{NewBytesValue([]byte("a")), NewInt64Value(1)},
		{NewBytesValue([]byte("a")), NewInt64Value(2)},
		{NewBytesValue([]byte("b")), NewInt64Value(1)},
		{NewBytesValue([]byte("b")), NewInt64Value(2)},
	}

	encoded := make([][]byte, len(keys))
	for i, k := range keys {
		encoded[i] = EncodeValues(k)
	}

	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("order violated at index %d", i)
		}
	}

	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if len(decoded) != len(keys[i]) {
			t.Fatalf("expected %d values, got %d", len(keys[i]), len(decoded))
		}
	}
}

func TestEncodeTime(t *testing.T) {
	now := time.Now()
	times := []Value{
		NewTimeValue(now.Add(-time.Hour)),
		NewTimeValue(now),
		NewTimeValue(now.Add(time.Hour)),
	}
	encoded := make([][]byte, len(times))
	for i, v := range times {
		encoded[i] = EncodeValues([]Value{v})
	}
	for i := 0; i < len(encoded)-1; i++ {
		if bytes.Compare(encoded[i], encoded[i+1]) >= 0 {
			t.Errorf("time order violated at index %d", i)
		}
	}
	for i, enc := range encoded {
		decoded, err := DecodeValues(enc)
		if err != nil {
			t.Fatalf("failed to decode: %v", err)
		}
		if decoded[0].Time.Unix() != times[i].Time.Unix() {
			t.Errorf("time roundtrip failed")
		}
	}
}

func TestDecodeValuesTruncated(t *testing.T) {
	if _, err := DecodeValues([]byte{TypeInt64, 1, 2, 3}); err == nil {
		t.Error("expected truncation error")
	}
	if _, err := DecodeValues([]byte{TypeBytes, 'a', 'b'}); err == nil {
		t.Error("expected unterminated bytes error")
	}
}
