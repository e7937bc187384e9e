// Package bitmap implements the free-space bitmap and its search algorithm
// (spec §4.2). Bit i = 1 means page i is busy. Conceptually replaces the
// teacher's unrolled-linked-list free list (pkg/storage/freelist.go) with a
// flat bit vector, keeping that file's byte-slice-as-struct accessor idiom.
package bitmap

import (
	"math/bits"

	"github.com/ayende-gavran/gavran-go/internal/layout"
)

// Bitmap is a byte-slice-backed bit vector, one bit per page, LSB-first
// within each byte.
type Bitmap []byte

// Get reports whether page i is marked busy.
func (b Bitmap) Get(i uint64) bool {
	byteIdx := i / 8
	if byteIdx >= uint64(len(b)) {
		return true // past the mapped range: treat as busy, per spec
	}
	return b[byteIdx]&(1<<(i%8)) != 0
}

// Set marks page i busy (true) or free (false).
func (b Bitmap) Set(i uint64, busy bool) {
	byteIdx := i / 8
	if byteIdx >= uint64(len(b)) {
		return
	}
	if busy {
		b[byteIdx] |= 1 << (i % 8)
	} else {
		b[byteIdx] &^= 1 << (i % 8)
	}
}

// SetRange marks [start, start+n) busy or free.
func (b Bitmap) SetRange(start, n uint64, busy bool) {
	for i := start; i < start+n; i++ {
		b.Set(i, busy)
	}
}

// isMetadataSlot reports whether page i is itself a metadata page (the
// first page of its 128-page group).
func isMetadataSlot(i uint64) bool {
	return i%layout.PagesPerGroup == 0
}

// Result is the outcome of a successful search.
type Result struct {
	Position  uint64
	Available uint64 // contiguous free run actually found at Position (>= requested N)
}

// Search finds a run of n consecutive zero bits at or after near whose
// placement does not collide with a metadata-page slot, per the edge
// policies in spec §4.2: the first gap that fits exactly wins, otherwise
// the smallest adequate gap seen by scanFrom. If nothing fits at or after
// near, the scan is repeated from page 0. totalBits bounds the scan (pages
// past it are implicitly busy). Returns ok=false if nothing fits anywhere
// in the map.
func Search(b Bitmap, n, near, totalBits uint64) (res Result, ok bool) {
	requirement := n
	if requirement%layout.PagesPerGroup == 0 {
		// Extend by one so the allocation can legally "touch" a metadata page.
		requirement++
	}

	if _, r, okFound := scanFrom(b, requirement, n, near, totalBits); okFound {
		return r, true
	}
	// Fallback: rescan from the start of the bitmap.
	if near != 0 {
		if found, r, okFound := scanFrom(b, requirement, n, 0, totalBits); okFound {
			_ = found
			return r, true
		}
	}
	return Result{}, false
}

// scanFrom performs one left-to-right scan starting at near, tracking the
// best (smallest adequate) gap and stopping early on a perfect fit or after
// drifting more than 64+n pages past near with no candidate at all.
func scanFrom(b Bitmap, requirement, n, near, totalBits uint64) (foundAt uint64, res Result, ok bool) {
	bestPos := uint64(0)
	bestLen := uint64(0)
	haveBest := false

	giveUpAt := near + 64 + n

	pos := near
	for pos < totalBits {
		gapStart, gapLen := nextGap(b, pos, totalBits)
		if gapLen == 0 {
			break
		}
		adjStart, adjLen, okPlace := placeWithinGap(gapStart, gapLen, requirement, n)
		if okPlace {
			if adjLen == requirement || adjLen == n {
				return adjStart, Result{Position: adjStart, Available: adjLen}, true
			}
			if !haveBest || adjLen < bestLen {
				bestPos, bestLen, haveBest = adjStart, adjLen, true
			}
		}
		pos = gapStart + gapLen
		if !haveBest && pos > giveUpAt {
			break
		}
	}
	if haveBest {
		return bestPos, Result{Position: bestPos, Available: bestLen}, true
	}
	return 0, Result{}, false
}

// nextGap scans 64-bit words starting at pos (rounded down to a word
// boundary internally) using trailing-zero counts to find the next run of
// zero bits at or after pos, returning its start and length. Stops at
// totalBits.
func nextGap(b Bitmap, pos, totalBits uint64) (start, length uint64) {
	// Find the first free bit at or after pos.
	i := pos
	for i < totalBits && b.Get(i) {
		// Skip a whole busy word at a time when aligned, for speed.
		if i%64 == 0 && i+64 <= totalBits {
			word := wordAt(b, i)
			if word == ^uint64(0) {
				i += 64
				continue
			}
			// At least one free bit in this word; find it precisely.
			tz := firstZeroFrom(word, 0)
			i += uint64(tz)
			continue
		}
		i++
	}
	if i >= totalBits {
		return totalBits, 0
	}
	start = i
	// Measure the gap length.
	j := i
	for j < totalBits && !b.Get(j) {
		if j%64 == 0 && j+64 <= totalBits {
			word := wordAt(b, j)
			if word == 0 {
				j += 64
				continue
			}
			tz := uint64(bits.TrailingZeros64(word))
			j += tz
			break
		}
		j++
	}
	return start, j - start
}

func wordAt(b Bitmap, bitPos uint64) uint64 {
	byteIdx := bitPos / 8
	var w uint64
	for k := 0; k < 8; k++ {
		idx := byteIdx + uint64(k)
		if idx < uint64(len(b)) {
			w |= uint64(b[idx]) << (8 * k)
		} else {
			w |= uint64(0xff) << (8 * k) // past-end bits are busy
		}
	}
	return w
}

func firstZeroFrom(word uint64, from int) int {
	w := word >> uint(from)
	if w == ^uint64(0) {
		return 64 - from
	}
	return from + bits.TrailingZeros64(^w)
}

// placeWithinGap applies the metadata-boundary shifting rules to a
// candidate gap [gapStart, gapStart+gapLen) and reports whether (and where)
// a run of at least n pages can legally be placed inside it.
func placeWithinGap(gapStart, gapLen, requirement, n uint64) (start, available uint64, ok bool) {
	start = gapStart
	if n < layout.PagesPerGroup {
		if isMetadataSlot(start) {
			start++
		}
	} else {
		// n >= 128: if the allocation would cross a metadata page, shift
		// start to the next metadata boundary + 1.
		end := start + n
		for p := start + 1; p < end; p++ {
			if isMetadataSlot(p) {
				start = p + 1
				end = start + n
			}
		}
	}
	if start < gapStart {
		return 0, 0, false
	}
	avail := gapLen - (start - gapStart)
	if avail < requirement && avail < n {
		return 0, 0, false
	}
	return start, avail, true
}
