package wal

import "encoding/binary"

// encodeDiff produces a run-length byte-diff between prev and cur (same
// length), per spec §4.12.1: a sequence of (skip uint32, copy uint32, bytes)
// triples, terminated by a (0,0) sentinel. Returns ok=false if prev and cur
// differ in length (caller falls back to a full image).
func encodeDiff(prev, cur []byte) ([]byte, bool) {
	if len(prev) != len(cur) {
		return nil, false
	}
	n := len(cur)
	out := make([]byte, 0, n/4)
	i := 0
	for i < n {
		skipStart := i
		for i < n && prev[i] == cur[i] {
			i++
		}
		skip := i - skipStart

		copyStart := i
		for i < n && !(prev[i] == cur[i] && sameRunAhead(prev, cur, i)) {
			i++
		}
		cpy := i - copyStart

		if skip == 0 && cpy == 0 {
			break
		}
		var hdr [8]byte
		binary.LittleEndian.PutUint32(hdr[0:4], uint32(skip))
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(cpy))
		out = append(out, hdr[:]...)
		out = append(out, cur[copyStart:copyStart+cpy]...)
	}
	var sentinel [8]byte
	out = append(out, sentinel[:]...)
	return out, true
}

// sameRunAhead avoids terminating a copy run on a single incidental
// matching byte; it requires at least 8 consecutive matching bytes (or
// end-of-buffer) before treating the position as the start of a skip run,
// keeping the diff from fragmenting into many tiny copy segments.
func sameRunAhead(prev, cur []byte, at int) bool {
	n := len(cur)
	end := at + 8
	if end > n {
		end = n
	}
	for k := at; k < end; k++ {
		if prev[k] != cur[k] {
			return false
		}
	}
	return true
}

// applyDiff applies a diff stream produced by encodeDiff onto dst in place.
func applyDiff(diff []byte, dst []byte) error {
	pos := 0
	i := 0
	for {
		if i+8 > len(diff) {
			return errTruncatedDiff
		}
		skip := binary.LittleEndian.Uint32(diff[i : i+4])
		cpy := binary.LittleEndian.Uint32(diff[i+4 : i+8])
		i += 8
		if skip == 0 && cpy == 0 {
			return nil
		}
		pos += int(skip)
		if pos+int(cpy) > len(dst) || i+int(cpy) > len(diff) {
			return errTruncatedDiff
		}
		copy(dst[pos:pos+int(cpy)], diff[i:i+int(cpy)])
		pos += int(cpy)
		i += int(cpy)
	}
}

var errTruncatedDiff = &diffError{"wal diff: truncated or malformed stream"}

type diffError struct{ msg string }

func (e *diffError) Error() string { return e.msg }
